package dispatcher

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/modelgate/internal/auth"
	"github.com/nulpointcorp/modelgate/pkg/apierr"
)

// RegisterRoutes mounts the proxy-facing endpoints on r. Completions and
// chat completions share the same dispatch state machine; embeddings are
// intentionally not wired here — they never stream and are out of scope
// for backend routing.
func (d *Dispatcher) RegisterRoutes(r *router.Router) {
	r.POST("/v1/chat/completions", d.handleCompletion)
	r.POST("/v1/completions", d.handleCompletion)
}

func (d *Dispatcher) handleCompletion(ctx *fasthttp.RequestCtx) {
	req := Request{
		RawBody:      append([]byte(nil), ctx.PostBody()...),
		BearerToken:  auth.ParseBearer(string(ctx.Request.Header.Peek("Authorization"))),
		ForceBackend: string(ctx.Request.Header.Peek("X-Backend-ID")),
		SessionID:    string(ctx.Request.Header.Peek("X-Session-ID")),
		RequestStart: time.Now(),
	}

	outcome := d.Dispatch(ctx, req)
	writeOutcome(ctx, outcome)
}

func writeOutcome(ctx *fasthttp.RequestCtx, outcome Outcome) {
	if outcome.BackendID != "" {
		ctx.Response.Header.Set("X-Backend-ID", outcome.BackendID)
	}

	if outcome.Stream != nil {
		writeStream(ctx, outcome)
		return
	}

	if outcome.ErrType != "" {
		apierr.Write(ctx, outcome.StatusCode, outcome.ErrMessage, outcome.ErrType, outcome.ErrCode)
		return
	}

	ctx.SetStatusCode(outcome.StatusCode)
	ctx.SetContentType("application/json")
	ctx.SetBody(outcome.Body)
}

// writeStream copies outcome.Stream through as Server-Sent Events, mirroring
// the OpenAI chat-completion chunk envelope.
func writeStream(ctx *fasthttp.RequestCtx, outcome Outcome) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck

		for chunk := range outcome.Stream {
			delta := map[string]any{
				"id":      fmt.Sprintf("chatcmpl-%s", outcome.BackendID),
				"object":  "chat.completion.chunk",
				"created": time.Now().Unix(),
				"model":   outcome.Model,
				"choices": []map[string]any{
					{
						"index": 0,
						"delta": map[string]string{"content": chunk.Content},
						"finish_reason": func() any {
							if chunk.FinishReason != "" {
								return chunk.FinishReason
							}
							return nil
						}(),
					},
				},
			}
			data, _ := json.Marshal(delta)
			fmt.Fprintf(w, "data: %s\n\n", data)
			w.Flush() //nolint:errcheck
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush() //nolint:errcheck
	})
}
