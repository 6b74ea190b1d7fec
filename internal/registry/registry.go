package registry

import (
	"sync/atomic"
	"time"
)

// Snapshot is an immutable point-in-time view of routing configuration.
// Once published, a Snapshot is never mutated — writers build a new one and
// swap it in atomically.
type Snapshot struct {
	Models  map[string]Model
	ApiKeys map[string]ApiKey
}

func newEmptySnapshot() *Snapshot {
	return &Snapshot{
		Models:  make(map[string]Model),
		ApiKeys: make(map[string]ApiKey),
	}
}

// clone returns a deep-enough copy of s for copy-on-write updates: the maps
// are new, the Model/ApiKey values are copied by value (their only
// reference-typed field, Backends, is replaced wholesale on any backend
// edit, never mutated in place).
func (s *Snapshot) clone() *Snapshot {
	out := &Snapshot{
		Models:  make(map[string]Model, len(s.Models)),
		ApiKeys: make(map[string]ApiKey, len(s.ApiKeys)),
	}
	for k, v := range s.Models {
		out.Models[k] = v
	}
	for k, v := range s.ApiKeys {
		out.ApiKeys[k] = v
	}
	return out
}

// Registry is the read-mostly in-memory configuration surface the dispatch
// path consults on every request. Readers never block; writers (the admin
// surface and the change-notification watcher) publish a whole new Snapshot
// atomically.
type Registry struct {
	ptr atomic.Pointer[Snapshot]
}

// New creates a Registry seeded with an empty snapshot.
func New() *Registry {
	r := &Registry{}
	r.ptr.Store(newEmptySnapshot())
	return r
}

// Load returns the currently active Snapshot. Callers must treat it as
// read-only.
func (r *Registry) Load() *Snapshot {
	return r.ptr.Load()
}

// Replace atomically swaps in an entirely new snapshot, e.g. one freshly
// reloaded from the persistent source after a change notification.
func (r *Registry) Replace(s *Snapshot) {
	r.ptr.Store(s)
}

// Model looks up a model by name in the current snapshot.
func (r *Registry) Model(name string) (Model, bool) {
	m, ok := r.Load().Models[name]
	return m, ok
}

// ApiKey looks up an ApiKey by its key value in the current snapshot.
func (r *Registry) ApiKey(key string) (ApiKey, bool) {
	k, ok := r.Load().ApiKeys[key]
	return k, ok
}

// PutModel validates m and publishes a snapshot with it inserted/replaced.
func (r *Registry) PutModel(m Model) error {
	if err := m.Validate(); err != nil {
		return err
	}
	next := r.Load().clone()
	next.Models[m.Name] = m
	r.Replace(next)
	return nil
}

// DeleteModel publishes a snapshot with the named model removed. No error if
// absent.
func (r *Registry) DeleteModel(name string) {
	next := r.Load().clone()
	delete(next.Models, name)
	r.Replace(next)
}

// PutApiKey publishes a snapshot with k inserted/replaced.
func (r *Registry) PutApiKey(k ApiKey) {
	next := r.Load().clone()
	next.ApiKeys[k.Key] = k
	r.Replace(next)
}

// DeleteApiKey publishes a snapshot with the named key removed.
func (r *Registry) DeleteApiKey(key string) {
	next := r.Load().clone()
	delete(next.ApiKeys, key)
	r.Replace(next)
}

// TouchApiKeyLastUsedAt publishes a snapshot with key's LastUsedAt set to
// when. A no-op if the key is absent.
func (r *Registry) TouchApiKeyLastUsedAt(key string, when time.Time) {
	cur := r.Load()
	k, ok := cur.ApiKeys[key]
	if !ok {
		return
	}
	k.LastUsedAt = &when
	next := cur.clone()
	next.ApiKeys[key] = k
	r.Replace(next)
}
