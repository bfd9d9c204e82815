package evidence

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu         sync.RWMutex
	sources    map[string]Source
	appendices map[string]Appendix
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sources:    make(map[string]Source),
		appendices: make(map[string]Appendix),
	}
}

func (s *MemoryStore) RecordSources(ctx context.Context, sources []Source) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, src := range sources {
		if _, exists := s.sources[src.ID]; exists {
			continue
		}
		s.sources[src.ID] = src
		inserted++
	}
	return inserted, nil
}

func (s *MemoryStore) ListByDeal(ctx context.Context, dealID string) ([]Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Source
	for _, src := range s.sources {
		if src.DealID == dealID {
			out = append(out, src)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpsertAppendix(ctx context.Context, a Appendix) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendices[a.DealID] = cloneAppendix(a)
	return nil
}

func (s *MemoryStore) GetAppendix(ctx context.Context, dealID string) (Appendix, error) {
	if err := ctx.Err(); err != nil {
		return Appendix{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.appendices[dealID]
	if !ok {
		return Appendix{}, ErrNotFound
	}
	return cloneAppendix(a), nil
}

func cloneAppendix(a Appendix) Appendix {
	a.SourceIDs = append([]string(nil), a.SourceIDs...)
	a.Domains = append([]string(nil), a.Domains...)
	if a.EngineRecency != nil {
		rec := make(map[string]EngineRecency, len(a.EngineRecency))
		for k, v := range a.EngineRecency {
			rec[k] = v
		}
		a.EngineRecency = rec
	}
	return a
}

var _ Store = (*MemoryStore)(nil)
