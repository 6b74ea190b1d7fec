package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nulpointcorp/modelgate/internal/metricsstore"
	"github.com/nulpointcorp/modelgate/internal/providers"
	"github.com/nulpointcorp/modelgate/internal/registry"
)

// ttftDeadline computes the remaining budget for this attempt given the
// backend's configured timeout and how much of the global request wall
// clock has already elapsed. A zero configured timeout means no deadline.
func ttftDeadline(configuredMs int, requestStart time.Time) (time.Duration, bool) {
	if configuredMs <= 0 {
		return 0, false
	}
	configured := time.Duration(configuredMs) * time.Millisecond
	elapsed := time.Since(requestStart)
	remaining := configured - elapsed
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// attempt performs exactly one backend attempt: acquiring the provider,
// applying the TTFT deadline, and classifying the outcome. The concurrency
// slot is acquired/released by the caller (Dispatch), not here.
func (d *Dispatcher) attempt(ctx context.Context, backend registry.Backend, modelName, requestID string, stream bool, requestStart time.Time) attemptResult {
	attemptStart := time.Now()

	provider, err := d.providerFor(ctx, backend)
	if err != nil {
		d.log.ErrorContext(ctx, "provider_construction_failed",
			slog.String("backend_id", backend.ID), slog.String("error", err.Error()))
		return attemptResult{errorType: "provider_unavailable", durationMs: time.Since(attemptStart).Milliseconds()}
	}

	timeoutMs := backend.NonStreamingTTFTTimeoutMs
	if stream {
		timeoutMs = backend.StreamingTTFTTimeoutMs
	}
	remaining, hasDeadline := ttftDeadline(timeoutMs, requestStart)

	attemptCtx := ctx
	var cancel context.CancelFunc
	if hasDeadline {
		if remaining == 0 {
			return attemptResult{errorType: "ttft_timeout", durationMs: time.Since(attemptStart).Milliseconds()}
		}
		attemptCtx, cancel = context.WithTimeout(ctx, remaining)
		defer cancel()
	}

	model := backend.ModelOverride
	if model == "" {
		model = modelName
	}

	req := &providers.ProxyRequest{
		Model:     model,
		Stream:    stream,
		RequestID: requestID,
	}

	resp, err := provider.Request(attemptCtx, req)
	durationMs := time.Since(attemptStart).Milliseconds()

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return attemptResult{errorType: "ttft_timeout", durationMs: durationMs}
		}
		if sc, ok := err.(interface{ HTTPStatus() int }); ok {
			return attemptResult{errorType: "upstream_error", durationMs: durationMs, httpStatus: sc.HTTPStatus()}
		}
		return attemptResult{errorType: "upstream_error", durationMs: durationMs}
	}

	if resp.Stream == nil {
		// Non-streaming: TTFT is synonymous with total duration.
		return attemptResult{success: true, ttftMs: durationMs, durationMs: durationMs, resp: resp}
	}

	// Streaming: wait for the first chunk (or the deadline) before
	// committing to this backend. Once the first chunk has arrived, the
	// remainder is copied to the client by the caller via Outcome.Stream —
	// this backend can no longer fall back.
	select {
	case chunk, ok := <-resp.Stream:
		elapsed := time.Since(attemptStart).Milliseconds()
		if !ok {
			return attemptResult{errorType: "no_response_body", durationMs: elapsed}
		}
		// TTFT is measured from request receipt, so it includes time spent
		// on earlier fallback attempts.
		ttft := time.Since(requestStart).Milliseconds()
		rewound := rewindStream(chunk, resp.Stream)
		return attemptResult{success: true, ttftMs: ttft, durationMs: elapsed, resp: &providers.ProxyResponse{
			ID: resp.ID, Model: resp.Model, Stream: rewound,
		}}
	case <-attemptCtx.Done():
		return attemptResult{errorType: "ttft_timeout", durationMs: time.Since(attemptStart).Milliseconds()}
	}
}

// rewindStream rebuilds a channel that replays first, then forwards the
// remainder of src, so the caller can treat the committed stream uniformly
// after already having peeked at its first chunk to measure TTFT.
func rewindStream(first providers.StreamChunk, src <-chan providers.StreamChunk) <-chan providers.StreamChunk {
	out := make(chan providers.StreamChunk, 1)
	go func() {
		defer close(out)
		out <- first
		for chunk := range src {
			out <- chunk
		}
	}()
	return out
}

// recordMetric appends a metric for one completed attempt. Fire-and-forget:
// never blocks the dispatch loop and never fails it.
func (d *Dispatcher) recordMetric(backendID, requestID, model string, stream bool, r attemptResult) {
	streamType := metricsstore.StreamTypeNonStreaming
	if stream {
		streamType = metricsstore.StreamTypeStreaming
	}
	status := metricsstore.StatusFailure
	if r.success {
		status = metricsstore.StatusSuccess
	}

	var ttft *int64
	if r.ttftMs > 0 {
		v := r.ttftMs
		ttft = &v
	}

	d.metrics.RecordComplete(metricsstore.Record{
		BackendID:  backendID,
		InstanceID: d.instanceID,
		RequestID:  requestID,
		Model:      model,
		Timestamp:  time.Now(),
		Status:     status,
		DurationMs: r.durationMs,
		TTFTMs:     ttft,
		StreamType: streamType,
		ErrorType:  r.errorType,
	})
}
