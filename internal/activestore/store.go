// Package activestore tracks in-flight requests per backend so the
// concurrency limiter can enforce maxConcurrentRequests across every proxy
// instance, not just the one handling the current request.
//
// Two implementations satisfy the Store interface: redisslots (the
// production backend, coordinated across instances via an atomic Lua
// script) and memslots (single-instance, for tests and Redis-less
// deployments). Both age out entries after maxEntryAge so a crashed
// instance's slots are eventually reclaimed even without an explicit
// cleanup call.
package activestore

import (
	"context"
	"time"
)

// maxEntryAge bounds how long an active-request entry survives without a
// matching RecordComplete. It protects against instance crashes leaking
// concurrency slots forever.
const maxEntryAge = 10 * time.Minute

// Entry is one active-request slot.
type Entry struct {
	BackendID  string
	RequestID  string
	InstanceID string
	StartedAt  time.Time
}

// Store is the pluggable backing store for active-request tracking.
// All operations are idempotent with respect to (backendID, requestID).
type Store interface {
	// TryRecordStart atomically evicts expired entries for backendID, then
	// inserts (backendID, requestID) and returns true iff maxLimit is 0 (no
	// limit) or the live count after eviction is below maxLimit. Re-recording
	// an existing (backendID, requestID) always returns true.
	TryRecordStart(ctx context.Context, backendID, requestID, instanceID string, maxLimit int) (bool, error)

	// RecordStart unconditionally inserts or refreshes an entry.
	RecordStart(ctx context.Context, backendID, requestID, instanceID string) error

	// RecordComplete removes an entry. Not an error if the entry is absent.
	RecordComplete(ctx context.Context, backendID, requestID string) error

	// GetCount returns the live entry count for backendID after evicting
	// expired entries.
	GetCount(ctx context.Context, backendID string) (int, error)

	// GetAllCounts returns live counts for every backend with at least one
	// entry.
	GetAllCounts(ctx context.Context) (map[string]int, error)

	// Cleanup removes every entry owned by instanceID and returns the number
	// removed. Called on startup (clear a crashed predecessor's state) and on
	// graceful shutdown.
	Cleanup(ctx context.Context, instanceID string) (int, error)

	// Close releases any held resources. Safe to call multiple times.
	Close() error
}
