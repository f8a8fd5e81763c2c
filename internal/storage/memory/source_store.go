package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/newsdesk/internal/ingest"
)

// SourceStore keeps sources in memory.
type SourceStore struct {
	mu      sync.RWMutex
	sources map[string]ingest.Source
}

// NewSourceStore constructs a SourceStore seeded with the given sources.
func NewSourceStore(seed ...ingest.Source) *SourceStore {
	s := &SourceStore{sources: make(map[string]ingest.Source, len(seed))}
	for _, src := range seed {
		s.sources[src.ID] = src
	}
	return s
}

// ListSources returns all sources ordered by id.
func (s *SourceStore) ListSources(_ context.Context) ([]ingest.Source, error) {
	s.mu.RLock()
	out := make([]ingest.Source, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, src)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetSource fetches a source by id.
func (s *SourceStore) GetSource(_ context.Context, id string) (ingest.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[id]
	if !ok {
		return ingest.Source{}, ingest.ErrNotFound
	}
	return src, nil
}

// SaveSource inserts or replaces a source.
func (s *SourceStore) SaveSource(_ context.Context, source ingest.Source) error {
	if source.ID == "" {
		return fmt.Errorf("source id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[source.ID] = source
	return nil
}
