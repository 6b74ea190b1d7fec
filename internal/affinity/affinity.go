// Package affinity implements sticky (model, sessionID) -> backendID
// routing with inactivity-based eviction, so a session keeps reusing the
// same backend (and thus any upstream server-side cache) as long as it
// stays active and the backend remains enabled.
package affinity

import (
	"context"
	"fmt"
	"time"

	"github.com/nulpointcorp/modelgate/internal/registry"
)

// ttl is the inactivity window after which a mapping is evicted.
const ttl = time.Hour

// Mapping is one (model, sessionID) -> backendID sticky route.
type Mapping struct {
	Model          string
	SessionID      string
	BackendID      string
	CreatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    int
}

// Filter selects mappings for ClearAffinityMappings. At least one field must
// be set — an entirely empty filter is rejected to prevent a catastrophic
// wipe.
type Filter struct {
	Model     string
	SessionID string
	BackendID string
}

// Empty reports whether every field is unset.
func (f Filter) Empty() bool {
	return f.Model == "" && f.SessionID == "" && f.BackendID == ""
}

func (f Filter) matches(m Mapping) bool {
	if f.Model != "" && f.Model != m.Model {
		return false
	}
	if f.SessionID != "" && f.SessionID != m.SessionID {
		return false
	}
	if f.BackendID != "" && f.BackendID != m.BackendID {
		return false
	}
	return true
}

// ErrEmptyFilter is returned by ClearAffinityMappings for a completely empty
// filter.
var ErrEmptyFilter = fmt.Errorf("affinity: filter must set at least one of model, sessionId, backendId")

// Store is the pluggable backend: RedisStore for production,
// MemoryStore for single-instance deployments and tests.
type Store interface {
	Get(ctx context.Context, model, sessionID string) (Mapping, bool, error)
	Touch(ctx context.Context, model, sessionID string) error
	Set(ctx context.Context, model, sessionID, backendID string) error
	Delete(ctx context.Context, model, sessionID string) error
	List(ctx context.Context) ([]Mapping, error)
	Close() error
}

// Manager is the request-facing API the Load Balancer and admin surface
// use. It wraps a Store and validates referenced backends against the
// Config Registry.
type Manager struct {
	store Store
}

// New wraps store.
func New(store Store) *Manager {
	return &Manager{store: store}
}

// GetAffinityBackend implements the precedence rule from the load balancer
// design: on a hit whose backend is still enabled, touch the mapping and
// return it; on a hit whose backend is gone or disabled, delete the stale
// mapping and report a miss; on a clean miss, just report a miss.
func (m *Manager) GetAffinityBackend(ctx context.Context, model, sessionID string, reg *registry.Registry) (registry.Backend, bool) {
	mapping, found, err := m.store.Get(ctx, model, sessionID)
	if err != nil || !found {
		return registry.Backend{}, false
	}

	mdl, ok := reg.Model(model)
	if !ok {
		_ = m.store.Delete(ctx, model, sessionID)
		return registry.Backend{}, false
	}
	backend, ok := mdl.Backend(mapping.BackendID)
	if !ok || !backend.Enabled {
		_ = m.store.Delete(ctx, model, sessionID)
		return registry.Backend{}, false
	}

	_ = m.store.Touch(ctx, model, sessionID)
	return backend, true
}

// SetAffinityBackend upserts a mapping. Best-effort: a failure is logged by
// the caller and never fails the in-flight request.
func (m *Manager) SetAffinityBackend(ctx context.Context, model, sessionID, backendID string) error {
	return m.store.Set(ctx, model, sessionID, backendID)
}

// ClearAffinityMappings deletes every mapping matching filter. Rejects an
// entirely empty filter.
func (m *Manager) ClearAffinityMappings(ctx context.Context, filter Filter) (int, error) {
	if filter.Empty() {
		return 0, ErrEmptyFilter
	}

	all, err := m.store.List(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, mapping := range all {
		if filter.matches(mapping) {
			if err := m.store.Delete(ctx, mapping.Model, mapping.SessionID); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

func (m *Manager) Close() error {
	return m.store.Close()
}
