// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/newsdesk/internal/ingest"
)

// RecordStore keeps records in maps keyed by id and by (url, source id).
type RecordStore struct {
	mu    sync.RWMutex
	byID  map[string]ingest.Record
	byKey map[recordKey]string
}

type recordKey struct {
	url      string
	sourceID string
}

// NewRecordStore constructs an empty RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{
		byID:  make(map[string]ingest.Record),
		byKey: make(map[recordKey]string),
	}
}

// Create inserts a record, rejecting duplicate ids and (url, source id) pairs.
func (s *RecordStore) Create(_ context.Context, record ingest.Record) error {
	if record.ID == "" {
		return fmt.Errorf("record id is required")
	}
	key := recordKey{url: record.URL, sourceID: record.SourceID}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byKey[key]; exists {
		return ingest.ErrDuplicate
	}
	if _, exists := s.byID[record.ID]; exists {
		return fmt.Errorf("record %s already exists", record.ID)
	}
	s.byID[record.ID] = cloneRecord(record)
	s.byKey[key] = record.ID
	return nil
}

// Get returns a copy of the record with the given id.
func (s *RecordStore) Get(_ context.Context, id string) (ingest.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.byID[id]
	if !ok {
		return ingest.Record{}, ingest.ErrNotFound
	}
	return cloneRecord(record), nil
}

// Update replaces an existing record. The (url, source id) key is immutable.
func (s *RecordStore) Update(_ context.Context, record ingest.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.byID[record.ID]
	if !ok {
		return ingest.ErrNotFound
	}
	record.URL = existing.URL
	record.SourceID = existing.SourceID
	s.byID[record.ID] = cloneRecord(record)
	return nil
}

// FindByURL looks a record up by its de-duplication key.
func (s *RecordStore) FindByURL(_ context.Context, url, sourceID string) (ingest.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[recordKey{url: url, sourceID: sourceID}]
	if !ok {
		return ingest.Record{}, ingest.ErrNotFound
	}
	return cloneRecord(s.byID[id]), nil
}

// ListPublishedBetween returns records with from <= PublishedAt <= to, newest first.
func (s *RecordStore) ListPublishedBetween(_ context.Context, from, to time.Time) ([]ingest.Record, error) {
	s.mu.RLock()
	out := make([]ingest.Record, 0, len(s.byID))
	for _, record := range s.byID {
		if record.PublishedAt.Before(from) || record.PublishedAt.After(to) {
			continue
		}
		out = append(out, cloneRecord(record))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].PublishedAt.After(out[j].PublishedAt)
	})
	return out, nil
}

// Len returns the number of stored records.
func (s *RecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

func cloneRecord(r ingest.Record) ingest.Record {
	r.Tags = append([]string(nil), r.Tags...)
	r.Embedding = append([]float64(nil), r.Embedding...)
	r.RelatedIDs = append([]string(nil), r.RelatedIDs...)
	return r
}
