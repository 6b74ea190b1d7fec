// Package dispatcher implements the request-handling state machine: auth,
// authorization, backend selection, concurrency acquisition, upstream
// forwarding with TTFT deadlines, and cross-backend fallback.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nulpointcorp/modelgate/internal/affinity"
	"github.com/nulpointcorp/modelgate/internal/auth"
	"github.com/nulpointcorp/modelgate/internal/limiter"
	"github.com/nulpointcorp/modelgate/internal/loadbalancer"
	"github.com/nulpointcorp/modelgate/internal/logger"
	"github.com/nulpointcorp/modelgate/internal/metricsstore"
	"github.com/nulpointcorp/modelgate/internal/providers"
	"github.com/nulpointcorp/modelgate/internal/providers/factory"
	"github.com/nulpointcorp/modelgate/internal/registry"
)

// ProviderFactory builds a Provider for a backend's ProviderConfig. Extracted
// as a function type so tests can substitute fake upstreams.
type ProviderFactory func(ctx context.Context, cfg registry.ProviderConfig) (providers.Provider, error)

// Dispatcher owns every per-request dependency and implements the full
// dispatch state machine described by the component design.
type Dispatcher struct {
	reg        *registry.Registry
	affinity   *affinity.Manager
	balancer   *loadbalancer.Balancer
	limiter    *limiter.Limiter
	metrics    metricsstore.Collector
	callerAuth *auth.CallerAuth
	instanceID string
	log        *slog.Logger
	reqLogger  *logger.Logger // optional; nil disables async request logging

	newProvider ProviderFactory

	mu        sync.Mutex
	providers map[string]providers.Provider // keyed by backend ID
}

// New wires a Dispatcher from its collaborators.
func New(
	reg *registry.Registry,
	aff *affinity.Manager,
	bal *loadbalancer.Balancer,
	lim *limiter.Limiter,
	metrics metricsstore.Collector,
	callerAuth *auth.CallerAuth,
	instanceID string,
	log *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		reg:         reg,
		affinity:    aff,
		balancer:    bal,
		limiter:     lim,
		metrics:     metrics,
		callerAuth:  callerAuth,
		instanceID:  instanceID,
		log:         log,
		newProvider: factory.Build,
		providers:   make(map[string]providers.Provider),
	}
}

// SetProviderFactory overrides how backend providers are constructed. Tests
// use this to substitute stub upstreams; production wiring leaves the
// default (factory.Build) in place.
func (d *Dispatcher) SetProviderFactory(f ProviderFactory) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.newProvider = f
	d.providers = make(map[string]providers.Provider)
}

// SetLimiterForTest swaps the Limiter used for concurrency acquisition.
// Exposed for tests exercising capacity-exhaustion behavior.
func (d *Dispatcher) SetLimiterForTest(l *limiter.Limiter) {
	d.limiter = l
}

// SetRequestLogger attaches the async request logger. Nil (the default)
// disables per-request logging entirely.
func (d *Dispatcher) SetRequestLogger(l *logger.Logger) {
	d.reqLogger = l
}

func (d *Dispatcher) logRequest(requestID, backendID, model string, r attemptResult) {
	if d.reqLogger == nil {
		return
	}
	reqUUID, err := uuid.Parse(requestID)
	if err != nil {
		return
	}
	latencyMs := uint16(r.durationMs)
	if r.durationMs > 65535 {
		latencyMs = 65535
	}
	status := uint16(200)
	if !r.success {
		status = 500
	}
	d.reqLogger.Log(logger.RequestLog{
		ID:        reqUUID,
		Provider:  backendID,
		Model:     model,
		LatencyMs: latencyMs,
		Status:    status,
	})
}

// providerFor returns a cached Provider for backend, building and caching one
// on first use.
func (d *Dispatcher) providerFor(ctx context.Context, backend registry.Backend) (providers.Provider, error) {
	d.mu.Lock()
	if p, ok := d.providers[backend.ID]; ok {
		d.mu.Unlock()
		return p, nil
	}
	d.mu.Unlock()

	p, err := d.newProvider(ctx, backend.ProviderConfig)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.providers[backend.ID] = p
	d.mu.Unlock()
	return p, nil
}

// inboundRequest is the minimal JSON shape the dispatcher needs to observe;
// unrecognized fields pass through to the upstream untouched via RawBody.
type inboundRequest struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

// Request is everything the dispatcher needs about one incoming call,
// independent of the HTTP framing — this lets the state machine be unit
// tested without a live fasthttp.RequestCtx.
type Request struct {
	RawBody      []byte
	BearerToken  string
	ForceBackend string // from X-Backend-ID, empty if absent
	SessionID    string // from X-Session-ID, empty if absent
	RequestStart time.Time
}

// Outcome is the terminal result of Dispatch: either a successful response
// body to hand to the caller, or a structured error to render via apierr.
type Outcome struct {
	StatusCode int
	Body       []byte
	ErrType    string
	ErrCode    string
	ErrMessage string

	// Stream, when non-nil, is a live channel of upstream chunks the caller
	// must copy through an SSE writer. Model/BackendID/TTFT are reported as
	// soon as the first chunk arrives.
	Stream    <-chan providers.StreamChunk
	Model     string
	BackendID string
}

// attemptResult is the internal bookkeeping for one backend attempt.
type attemptResult struct {
	success    bool
	ttftMs     int64
	durationMs int64
	errorType  string
	resp       *providers.ProxyResponse
	httpStatus int // set when the upstream returned a structured HTTP error
}

// Dispatch runs the full state machine for req and returns the terminal
// Outcome. The caller is responsible for writing it to the wire (see
// internal/dispatcher/handlers.go for the fasthttp adapter).
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Outcome {
	var body inboundRequest
	if err := json.Unmarshal(req.RawBody, &body); err != nil {
		return errOutcome(400, "invalid_request_error", "invalid_request", "request body is not valid JSON")
	}
	if body.Model == "" {
		return errOutcome(400, "invalid_request_error", "model_required", "field 'model' is required")
	}

	key, err := d.callerAuth.Authenticate(req.BearerToken)
	if err != nil {
		return errOutcome(401, "authentication_error", "invalid_api_key", "missing or invalid API key")
	}
	if !key.AllowsModel(body.Model) {
		return errOutcome(403, "permission_denied", "model_not_allowed", fmt.Sprintf("model %q is not allowed for this key", body.Model))
	}

	model, ok := d.reg.Model(body.Model)
	if !ok {
		return errOutcome(503, "service_unavailable", "no_backend", fmt.Sprintf("no backend configured for model %q", body.Model))
	}

	var initial registry.Backend
	var haveInitial bool

	if req.ForceBackend != "" {
		backend, ok := model.Backend(req.ForceBackend)
		if !ok {
			return errOutcome(400, "invalid_request_error", "backend_not_found", fmt.Sprintf("backend %q not found", req.ForceBackend))
		}
		if !backend.Enabled {
			return errOutcome(400, "invalid_request_error", "backend_disabled", fmt.Sprintf("backend %q is disabled", req.ForceBackend))
		}
		initial, haveInitial = backend, true
	} else if req.SessionID != "" && model.EnableAffinity {
		if backend, ok := d.affinity.GetAffinityBackend(ctx, body.Model, req.SessionID, d.reg); ok {
			initial, haveInitial = backend, true
		}
	}

	if !haveInitial {
		decision, err := d.balancer.Select(ctx, model, nil, body.Stream)
		if err != nil {
			return errOutcome(503, "service_unavailable", "no_backend", err.Error())
		}
		initial = decision.Backend
	}

	tried := map[string]bool{}
	candidate := initial
	haveCandidate := true

	deniedEveryCandidate := true
	var lastAttempt attemptResult
	var lastBackendID string

	for haveCandidate {
		tried[candidate.ID] = true
		requestID := uuid.New().String()

		acquired := d.limiter.TryAcquire(ctx, candidate.ID, requestID, candidate.MaxConcurrentRequests)
		if !acquired {
			candidate, haveCandidate = nextCandidate(model, tried)
			continue
		}
		deniedEveryCandidate = false

		result := d.attempt(ctx, candidate, body.Model, requestID, body.Stream, req.RequestStart)
		lastAttempt = result
		lastBackendID = candidate.ID

		d.recordMetric(candidate.ID, requestID, body.Model, body.Stream, result)
		d.logRequest(requestID, candidate.ID, body.Model, result)
		d.limiter.Release(ctx, candidate.ID, requestID)

		if result.success {
			if model.WriteAffinityOnSuccess && req.SessionID != "" {
				_ = d.affinity.SetAffinityBackend(ctx, body.Model, req.SessionID, candidate.ID)
			}
			return successOutcome(body.Model, candidate.ID, result)
		}

		// Once the first byte of a streaming response reached the client,
		// the backend is committed — the loop never reaches here for that
		// case because attempt() only reports success/failure before any
		// byte is delivered downstream (see attempt.go).
		candidate, haveCandidate = nextCandidate(model, tried)
	}

	if deniedEveryCandidate {
		return errOutcome(429, "rate_limit_exceeded", "all_backends_at_capacity", "every eligible backend is at capacity")
	}

	return exhaustionOutcome(lastBackendID, lastAttempt)
}

// nextCandidate returns the next enabled backend in configured order not yet
// tried.
func nextCandidate(model registry.Model, tried map[string]bool) (registry.Backend, bool) {
	for _, b := range model.Backends {
		if !b.Enabled || tried[b.ID] {
			continue
		}
		return b, true
	}
	return registry.Backend{}, false
}

func errOutcome(status int, errType, code, message string) Outcome {
	return Outcome{StatusCode: status, ErrType: errType, ErrCode: code, ErrMessage: message}
}

func successOutcome(model, backendID string, r attemptResult) Outcome {
	if r.resp.Stream != nil {
		return Outcome{StatusCode: 200, Stream: r.resp.Stream, Model: model, BackendID: backendID}
	}
	body, err := json.Marshal(chatResponseEnvelope(r.resp))
	if err != nil {
		return errOutcome(500, "server_error", "internal_error", "failed to serialize upstream response")
	}
	return Outcome{StatusCode: 200, Body: body, Model: model, BackendID: backendID}
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

func chatResponseEnvelope(resp *providers.ProxyResponse) chatResponse {
	return chatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []chatChoice{{
			Index:        0,
			Message:      chatMessage{Role: "assistant", Content: resp.Content},
			FinishReason: "stop",
		}},
		Usage: chatUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}

func exhaustionOutcome(backendID string, r attemptResult) Outcome {
	if r.httpStatus != 0 {
		return Outcome{StatusCode: r.httpStatus, ErrType: "provider_error", ErrCode: "provider_error", ErrMessage: "upstream returned an error and no candidate succeeded"}
	}
	if r.errorType == "ttft_timeout" {
		return errOutcome(504, "timeout_error", "ttft_timeout", "time to first token exceeded the configured deadline on every candidate")
	}
	if r.errorType == "no_response_body" {
		return errOutcome(500, "internal_error", "no_response_body", "streaming attempt produced no response body before exhaustion")
	}
	return errOutcome(502, "provider_error", "provider_error", "every candidate backend failed")
}
