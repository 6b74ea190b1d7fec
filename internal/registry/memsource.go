package registry

import "context"

// MemorySource is a single-process Source with no persistence beyond the
// process lifetime and no cross-instance notification. Used when REDIS_URL
// is unset — multi-instance deployments require RedisSource.
type MemorySource struct {
	snap *Snapshot
}

// NewMemorySource starts from an empty snapshot.
func NewMemorySource() *MemorySource {
	return &MemorySource{snap: newEmptySnapshot()}
}

func (s *MemorySource) LoadAll(ctx context.Context) (*Snapshot, error) {
	return s.snap.clone(), nil
}

func (s *MemorySource) SaveModel(ctx context.Context, m Model) error {
	if err := m.Validate(); err != nil {
		return err
	}
	s.snap.Models[m.Name] = m
	return nil
}

func (s *MemorySource) DeleteModel(ctx context.Context, name string) error {
	delete(s.snap.Models, name)
	return nil
}

func (s *MemorySource) SaveApiKey(ctx context.Context, k ApiKey) error {
	s.snap.ApiKeys[k.Key] = k
	return nil
}

func (s *MemorySource) DeleteApiKey(ctx context.Context, key string) error {
	delete(s.snap.ApiKeys, key)
	return nil
}

func (s *MemorySource) PublishChange(ctx context.Context) error {
	return nil
}

// Subscribe never delivers a notification — a single in-process Registry
// reloads synchronously through the admin write path instead.
func (s *MemorySource) Subscribe(ctx context.Context) (<-chan struct{}, func()) {
	ch := make(chan struct{})
	return ch, func() {}
}
