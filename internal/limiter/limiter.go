// Package limiter wraps an activestore.Store with the "fail open" policy
// spec'd for concurrency acquisition: any storage error is logged and
// treated as an allow, never as a denial.
package limiter

import (
	"context"
	"log/slog"

	"github.com/nulpointcorp/modelgate/internal/activestore"
)

// Limiter enforces per-backend maxConcurrentRequests via a Store.
type Limiter struct {
	store      activestore.Store
	instanceID string
	log        *slog.Logger
}

// New wraps store. store may be nil, in which case TryAcquire always
// succeeds and Release is a no-op — used when no distributed tracking is
// configured.
func New(store activestore.Store, instanceID string, log *slog.Logger) *Limiter {
	return &Limiter{store: store, instanceID: instanceID, log: log}
}

// TryAcquire attempts to reserve a concurrency slot for requestID against
// backendID, bounded by maxConcurrent (0 = unlimited). Storage errors fail
// open: the request proceeds and the error is logged.
func (l *Limiter) TryAcquire(ctx context.Context, backendID, requestID string, maxConcurrent int) bool {
	if l.store == nil {
		return true
	}
	ok, err := l.store.TryRecordStart(ctx, backendID, requestID, l.instanceID, maxConcurrent)
	if err != nil {
		l.log.WarnContext(ctx, "limiter_store_error_fail_open",
			slog.String("backend_id", backendID),
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
		return true
	}
	return ok
}

// Release frees the slot acquired for (backendID, requestID). Errors are
// logged and swallowed — a stuck slot is bounded by the store's age-based
// eviction, not by this call succeeding.
func (l *Limiter) Release(ctx context.Context, backendID, requestID string) {
	if l.store == nil {
		return
	}
	if err := l.store.RecordComplete(ctx, backendID, requestID); err != nil {
		l.log.WarnContext(ctx, "limiter_release_error",
			slog.String("backend_id", backendID),
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
	}
}

// Shutdown clears every slot owned by this instance. Call once, during
// graceful shutdown and, symmetrically, once at startup to clear a crashed
// predecessor's leftover entries (same instanceID reused across restarts
// when INSTANCE_ID is pinned).
func (l *Limiter) Shutdown(ctx context.Context) {
	if l.store == nil {
		return
	}
	n, err := l.store.Cleanup(ctx, l.instanceID)
	if err != nil {
		l.log.WarnContext(ctx, "limiter_shutdown_cleanup_error", slog.String("error", err.Error()))
		return
	}
	l.log.InfoContext(ctx, "limiter_shutdown_cleanup", slog.Int("removed", n))
}

// Counts returns the live per-backend counts, for the admin stats surface.
func (l *Limiter) Counts(ctx context.Context) (map[string]int, error) {
	if l.store == nil {
		return map[string]int{}, nil
	}
	return l.store.GetAllCounts(ctx)
}
