package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/newsdesk/internal/ingest"
)

// StoryStore keeps stories in memory.
type StoryStore struct {
	mu      sync.RWMutex
	stories map[string]ingest.Story
}

// NewStoryStore constructs an empty StoryStore.
func NewStoryStore() *StoryStore {
	return &StoryStore{stories: make(map[string]ingest.Story)}
}

// CreateStory stores a new story.
func (s *StoryStore) CreateStory(_ context.Context, story ingest.Story) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.stories[story.ID]; exists {
		return errors.New("story already exists")
	}
	s.stories[story.ID] = cloneStory(story)
	return nil
}

// GetStory fetches a story by id.
func (s *StoryStore) GetStory(_ context.Context, id string) (ingest.Story, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	story, ok := s.stories[id]
	if !ok {
		return ingest.Story{}, ingest.ErrNotFound
	}
	return cloneStory(story), nil
}

// UpdateStory replaces an existing story.
func (s *StoryStore) UpdateStory(_ context.Context, story ingest.Story) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stories[story.ID]; !ok {
		return ingest.ErrNotFound
	}
	s.stories[story.ID] = cloneStory(story)
	return nil
}

// Len returns the number of stored stories.
func (s *StoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.stories)
}

func cloneStory(story ingest.Story) ingest.Story {
	story.RecordIDs = append([]string(nil), story.RecordIDs...)
	story.Categories = append([]string(nil), story.Categories...)
	return story
}
