// Package story manages story lifecycle and on-demand synthesis of a
// story summary from its member records.
package story

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/newsdesk/internal/ingest"
)

// ErrInvalidTransition is returned for a lifecycle move the state machine forbids.
var ErrInvalidTransition = errors.New("invalid story state transition")

// EventStoryUpdated is the event name published after a story changes.
const EventStoryUpdated = "story.updated"

// Synthesizer writes one summary covering several records.
type Synthesizer interface {
	Synthesize(ctx context.Context, records []ingest.Record) string
}

// Event is the payload published on story changes.
type Event struct {
	Event     string            `json:"event"`
	StoryID   string            `json:"story_id"`
	State     ingest.StoryState `json:"state"`
	Records   int               `json:"records"`
	Timestamp time.Time         `json:"timestamp"`
}

// Config wires optional collaborators.
type Config struct {
	Publisher ingest.Publisher
	Topic     string
	Clock     ingest.Clock
	Logger    *zap.Logger
}

// Service reads and mutates stories.
type Service struct {
	stories     ingest.StoryStore
	records     ingest.RecordStore
	synthesizer Synthesizer
	cfg         Config
	logger      *zap.Logger
}

// New constructs a Service.
func New(stories ingest.StoryStore, records ingest.RecordStore, synthesizer Synthesizer, cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = ingest.SystemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		stories:     stories,
		records:     records,
		synthesizer: synthesizer,
		cfg:         cfg,
		logger:      logger.Named("story"),
	}
}

// Get returns a story with its member records. Members that no longer
// resolve are skipped.
func (s *Service) Get(ctx context.Context, id string) (ingest.Story, []ingest.Record, error) {
	story, err := s.stories.GetStory(ctx, id)
	if err != nil {
		return ingest.Story{}, nil, fmt.Errorf("load story %s: %w", id, err)
	}
	members := make([]ingest.Record, 0, len(story.RecordIDs))
	for _, rid := range story.RecordIDs {
		r, err := s.records.Get(ctx, rid)
		if err != nil {
			s.logger.Warn("story member missing", zap.String("story_id", id), zap.String("record_id", rid), zap.Error(err))
			continue
		}
		members = append(members, r)
	}
	return story, members, nil
}

// Synthesize asks the gateway for a combined summary of the story's members
// and stores it. An empty reply leaves the existing summary in place.
func (s *Service) Synthesize(ctx context.Context, id string) (ingest.Story, error) {
	story, members, err := s.Get(ctx, id)
	if err != nil {
		return ingest.Story{}, err
	}
	if s.synthesizer == nil || len(members) == 0 {
		return story, nil
	}
	summary := s.synthesizer.Synthesize(ctx, members)
	if summary == "" {
		return story, nil
	}
	story.Summary = summary
	return s.save(ctx, story)
}

// Transition moves a story to next if the lifecycle allows it.
func (s *Service) Transition(ctx context.Context, id string, next ingest.StoryState) (ingest.Story, error) {
	story, err := s.stories.GetStory(ctx, id)
	if err != nil {
		return ingest.Story{}, fmt.Errorf("load story %s: %w", id, err)
	}
	if !story.State.CanTransition(next) {
		return story, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, story.State, next)
	}
	story.State = next
	return s.save(ctx, story)
}

func (s *Service) save(ctx context.Context, story ingest.Story) (ingest.Story, error) {
	story.UpdatedAt = s.cfg.Clock.Now()
	if err := s.stories.UpdateStory(ctx, story); err != nil {
		return ingest.Story{}, fmt.Errorf("update story %s: %w", story.ID, err)
	}
	s.publish(ctx, story)
	return story, nil
}

func (s *Service) publish(ctx context.Context, story ingest.Story) {
	if s.cfg.Publisher == nil || s.cfg.Topic == "" {
		return
	}
	event := Event{
		Event:     EventStoryUpdated,
		StoryID:   story.ID,
		State:     story.State,
		Records:   len(story.RecordIDs),
		Timestamp: story.UpdatedAt,
	}
	if _, err := s.cfg.Publisher.Publish(ctx, s.cfg.Topic, event); err != nil {
		s.logger.Warn("publish story event failed", zap.String("story_id", story.ID), zap.Error(err))
	}
}
