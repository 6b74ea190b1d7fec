// Package admin implements the management API: CRUD over models and API
// keys in the Config Registry, affinity-mapping invalidation, and read
// access to live concurrency/metrics stats. Every route requires the
// AdminAuth bearer secret.
package admin

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/modelgate/internal/affinity"
	"github.com/nulpointcorp/modelgate/internal/auth"
	"github.com/nulpointcorp/modelgate/internal/limiter"
	"github.com/nulpointcorp/modelgate/internal/metricsstore"
	"github.com/nulpointcorp/modelgate/internal/registry"
	"github.com/nulpointcorp/modelgate/pkg/apierr"
)

// Server holds the collaborators the management API reads and writes.
//
// Writes go through source: SaveModel/DeleteModel/SaveApiKey/DeleteApiKey
// persist the change, then PublishChange notifies every instance's Watcher
// to reload. This instance reloads its own reg synchronously so the HTTP
// response already reflects the write, without waiting on its own
// notification to round-trip.
type Server struct {
	reg      *registry.Registry
	source   registry.Source
	affinity *affinity.Manager
	limiter  *limiter.Limiter
	metrics  metricsstore.Collector
	admin    *auth.AdminAuth
}

// New wires a Server.
func New(reg *registry.Registry, source registry.Source, aff *affinity.Manager, lim *limiter.Limiter, metrics metricsstore.Collector, admin *auth.AdminAuth) *Server {
	return &Server{reg: reg, source: source, affinity: aff, limiter: lim, metrics: metrics, admin: admin}
}

// reload re-reads the full snapshot from source and publishes the resulting
// change to every instance, including this one.
func (s *Server) reload(ctx context.Context) error {
	snap, err := s.source.LoadAll(ctx)
	if err != nil {
		return err
	}
	s.reg.Replace(snap)
	return s.source.PublishChange(ctx)
}

// RegisterRoutes mounts every /admin/* route on r.
func (s *Server) RegisterRoutes(r *router.Router) {
	r.GET("/admin/models", s.withAuth(s.listModels))
	r.GET("/admin/models/{model}", s.withAuth(s.getModel))
	r.PUT("/admin/models/{model}", s.withAuth(s.putModel))
	r.DELETE("/admin/models/{model}", s.withAuth(s.deleteModel))

	r.GET("/admin/apikeys/{key}", s.withAuth(s.getApiKey))
	r.PUT("/admin/apikeys/{key}", s.withAuth(s.putApiKey))
	r.DELETE("/admin/apikeys/{key}", s.withAuth(s.deleteApiKey))

	r.POST("/admin/affinity/clear", s.withAuth(s.clearAffinity))

	r.GET("/admin/stats", s.withAuth(s.allStats))
	r.GET("/admin/stats/{backendId}", s.withAuth(s.backendStats))
}

func (s *Server) withAuth(h fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		token := auth.ParseBearer(string(ctx.Request.Header.Peek("Authorization")))
		if !s.admin.Check(token) {
			apierr.Write(ctx, fasthttp.StatusUnauthorized, "missing or invalid admin credentials", apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
			return
		}
		h(ctx)
	}
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(v)
	ctx.SetBody(body)
}

func (s *Server) listModels(ctx *fasthttp.RequestCtx) {
	snap := s.reg.Load()
	names := make([]string, 0, len(snap.Models))
	for name := range snap.Models {
		names = append(names, name)
	}
	writeJSON(ctx, 200, map[string]any{"models": names})
}

func (s *Server) getModel(ctx *fasthttp.RequestCtx) {
	name := ctx.UserValue("model").(string)
	model, ok := s.reg.Model(name)
	if !ok {
		apierr.Write(ctx, 404, "model not found", apierr.TypeInvalidRequest, apierr.CodeNoBackend)
		return
	}
	writeJSON(ctx, 200, model)
}

func (s *Server) putModel(ctx *fasthttp.RequestCtx) {
	name := ctx.UserValue("model").(string)
	var model registry.Model
	if err := json.Unmarshal(ctx.PostBody(), &model); err != nil {
		apierr.Write(ctx, 400, "request body is not valid JSON", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	model.Name = name
	if err := s.source.SaveModel(ctx, model); err != nil {
		apierr.Write(ctx, 400, err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if err := s.reload(ctx); err != nil {
		apierr.Write(ctx, 503, err.Error(), apierr.TypeServiceUnavail, apierr.CodeStoreUnavailable)
		return
	}
	writeJSON(ctx, 200, model)
}

func (s *Server) deleteModel(ctx *fasthttp.RequestCtx) {
	name := ctx.UserValue("model").(string)
	if err := s.source.DeleteModel(ctx, name); err != nil {
		apierr.Write(ctx, 503, err.Error(), apierr.TypeServiceUnavail, apierr.CodeStoreUnavailable)
		return
	}
	if err := s.reload(ctx); err != nil {
		apierr.Write(ctx, 503, err.Error(), apierr.TypeServiceUnavail, apierr.CodeStoreUnavailable)
		return
	}
	ctx.SetStatusCode(204)
}

func (s *Server) getApiKey(ctx *fasthttp.RequestCtx) {
	key := ctx.UserValue("key").(string)
	apiKey, ok := s.reg.ApiKey(key)
	if !ok {
		apierr.Write(ctx, 404, "api key not found", apierr.TypeInvalidRequest, apierr.CodeInvalidAPIKey)
		return
	}
	writeJSON(ctx, 200, apiKey)
}

func (s *Server) putApiKey(ctx *fasthttp.RequestCtx) {
	key := ctx.UserValue("key").(string)
	var apiKey registry.ApiKey
	if err := json.Unmarshal(ctx.PostBody(), &apiKey); err != nil {
		apierr.Write(ctx, 400, "request body is not valid JSON", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	apiKey.Key = key
	if apiKey.CreatedAt.IsZero() {
		apiKey.CreatedAt = time.Now()
	}
	if err := s.source.SaveApiKey(ctx, apiKey); err != nil {
		apierr.Write(ctx, 400, err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if err := s.reload(ctx); err != nil {
		apierr.Write(ctx, 503, err.Error(), apierr.TypeServiceUnavail, apierr.CodeStoreUnavailable)
		return
	}
	writeJSON(ctx, 200, apiKey)
}

func (s *Server) deleteApiKey(ctx *fasthttp.RequestCtx) {
	key := ctx.UserValue("key").(string)
	if err := s.source.DeleteApiKey(ctx, key); err != nil {
		apierr.Write(ctx, 503, err.Error(), apierr.TypeServiceUnavail, apierr.CodeStoreUnavailable)
		return
	}
	if err := s.reload(ctx); err != nil {
		apierr.Write(ctx, 503, err.Error(), apierr.TypeServiceUnavail, apierr.CodeStoreUnavailable)
		return
	}
	ctx.SetStatusCode(204)
}

func (s *Server) clearAffinity(ctx *fasthttp.RequestCtx) {
	var filter affinity.Filter
	if err := json.Unmarshal(ctx.PostBody(), &filter); err != nil {
		apierr.Write(ctx, 400, "request body is not valid JSON", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	n, err := s.affinity.ClearAffinityMappings(ctx, filter)
	if err != nil {
		apierr.Write(ctx, 400, err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	writeJSON(ctx, 200, map[string]int{"cleared": n})
}

func (s *Server) allStats(ctx *fasthttp.RequestCtx) {
	if !s.metrics.Enabled() {
		writeJSON(ctx, 200, map[string]any{"enabled": false})
		return
	}
	window := metricsstore.Last(statsWindow(ctx))
	stats, err := s.metrics.GetAllStats(ctx, window)
	if err != nil {
		apierr.Write(ctx, 503, err.Error(), apierr.TypeServiceUnavail, apierr.CodeStoreUnavailable)
		return
	}
	concurrency, _ := s.limiter.Counts(ctx)
	writeJSON(ctx, 200, map[string]any{"enabled": true, "stats": stats, "concurrency": concurrency})
}

func (s *Server) backendStats(ctx *fasthttp.RequestCtx) {
	backendID := ctx.UserValue("backendId").(string)
	if !s.metrics.Enabled() {
		writeJSON(ctx, 200, map[string]any{"enabled": false})
		return
	}
	window := metricsstore.Last(statsWindow(ctx))
	stats, err := s.metrics.GetStats(ctx, backendID, window)
	if err != nil {
		apierr.Write(ctx, 503, err.Error(), apierr.TypeServiceUnavail, apierr.CodeStoreUnavailable)
		return
	}
	writeJSON(ctx, 200, map[string]any{"enabled": true, "stats": stats})
}

func statsWindow(ctx *fasthttp.RequestCtx) time.Duration {
	raw := ctx.QueryArgs().Peek("windowMinutes")
	if len(raw) == 0 {
		return 15 * time.Minute
	}
	var minutes int
	for _, c := range raw {
		if c < '0' || c > '9' {
			return 15 * time.Minute
		}
		minutes = minutes*10 + int(c-'0')
	}
	if minutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(minutes) * time.Minute
}
