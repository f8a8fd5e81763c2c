// Package clustering groups near-duplicate records into stories by comparing
// their embedding vectors.
package clustering

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/newsdesk/internal/ingest"
	"github.com/JakeFAU/newsdesk/internal/metrics"
)

// Defaults for Config.
const (
	DefaultThreshold = 0.85
	DefaultWindow    = 24 * time.Hour
)

// Decisions reported to metrics.
const (
	DecisionEmpty       = "empty_input"
	DecisionNoEmbedding = "no_embedding"
	DecisionAlready     = "already_clustered"
	DecisionUnclustered = "unclustered"
	DecisionCreated     = "created"
	DecisionJoined      = "joined"
)

// Embedder turns text into a vector. An empty result means no embedding.
type Embedder interface {
	Embed(ctx context.Context, text string) []float64
}

// Config tunes matching.
type Config struct {
	// Threshold is the minimum cosine similarity for two records to share a story.
	Threshold float64
	// Window bounds how far back candidates are considered.
	Window time.Duration
	Clock  ingest.Clock
	IDs    ingest.IDGenerator
	Logger *zap.Logger
}

// Engine assigns records to stories.
type Engine struct {
	records  ingest.RecordStore
	stories  ingest.StoryStore
	embedder Embedder
	cfg      Config
	logger   *zap.Logger
}

// New constructs an Engine.
func New(records ingest.RecordStore, stories ingest.StoryStore, embedder Embedder, cfg Config) *Engine {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = ingest.SystemClock{}
	}
	if cfg.IDs == nil {
		cfg.IDs = ingest.UUIDGenerator{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		records:  records,
		stories:  stories,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger.Named("clustering"),
	}
}

// Assign embeds record and attaches it to the story of its most similar
// recent neighbour when the similarity clears the threshold. The best match
// is taken across the whole window. Records without a match stay unclustered;
// singletons never get a story.
func (e *Engine) Assign(ctx context.Context, record ingest.Record) (ingest.Record, error) {
	text := strings.TrimSpace(record.Title + "\n" + record.Summary)
	if text == "" {
		metrics.ObserveClusterDecision(DecisionEmpty)
		return record, nil
	}
	vec := e.embedder.Embed(ctx, text)
	if len(vec) == 0 {
		metrics.ObserveClusterDecision(DecisionNoEmbedding)
		return record, nil
	}
	record.Embedding = vec
	record.UpdatedAt = e.cfg.Clock.Now()
	if record.StoryID != "" {
		metrics.ObserveClusterDecision(DecisionAlready)
		return record, e.save(ctx, record)
	}

	best, score, err := e.bestMatch(ctx, record)
	if err != nil {
		return record, e.keepEmbedding(ctx, record, err)
	}
	if best == nil || score < e.cfg.Threshold {
		metrics.ObserveClusterDecision(DecisionUnclustered)
		return record, e.save(ctx, record)
	}

	embedded := record
	decision := DecisionJoined
	if best.StoryID == "" {
		decision = DecisionCreated
		record, err = e.createStory(ctx, *best, record)
	} else {
		record, err = e.joinStory(ctx, best.StoryID, record)
	}
	if err != nil {
		return embedded, e.keepEmbedding(ctx, embedded, err)
	}
	metrics.ObserveClusterDecision(decision)
	e.logger.Debug("record clustered",
		zap.String("record_id", record.ID),
		zap.String("story_id", record.StoryID),
		zap.String("matched_id", best.ID),
		zap.Float64("score", score),
		zap.String("decision", decision),
	)
	return record, nil
}

// keepEmbedding stores the record's embedding even though assignment failed,
// so it stays a candidate for later records.
func (e *Engine) keepEmbedding(ctx context.Context, record ingest.Record, cause error) error {
	if err := e.save(ctx, record); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// bestMatch scans every embedded record in the window and returns the one
// most similar to record. Ties go to the most recently published candidate.
func (e *Engine) bestMatch(ctx context.Context, record ingest.Record) (*ingest.Record, float64, error) {
	now := e.cfg.Clock.Now()
	candidates, err := e.records.ListPublishedBetween(ctx, now.Add(-e.cfg.Window), now)
	if err != nil {
		return nil, 0, fmt.Errorf("list cluster candidates: %w", err)
	}
	var (
		best      *ingest.Record
		bestScore = math.Inf(-1)
	)
	for i := range candidates {
		c := &candidates[i]
		if c.ID == record.ID || len(c.Embedding) == 0 {
			continue
		}
		score := CosineSimilarity(record.Embedding, c.Embedding)
		if score > bestScore || (score == bestScore && c.PublishedAt.After(best.PublishedAt)) {
			best, bestScore = c, score
		}
	}
	if best == nil {
		return nil, 0, nil
	}
	return best, bestScore, nil
}

func (e *Engine) createStory(ctx context.Context, anchor, record ingest.Record) (ingest.Record, error) {
	id, err := e.cfg.IDs.NewID()
	if err != nil {
		return record, fmt.Errorf("story id: %w", err)
	}
	story := ingest.Story{
		ID:        id,
		Title:     anchor.Title,
		State:     ingest.StoryDraft,
		UpdatedAt: e.cfg.Clock.Now(),
	}
	story.AddRecord(anchor)
	story.AddRecord(record)
	if err := e.stories.CreateStory(ctx, story); err != nil {
		return record, fmt.Errorf("create story: %w", err)
	}
	anchor.StoryID = id
	anchor.UpdatedAt = story.UpdatedAt
	if err := e.save(ctx, anchor); err != nil {
		return record, err
	}
	record.StoryID = id
	return record, e.save(ctx, record)
}

func (e *Engine) joinStory(ctx context.Context, storyID string, record ingest.Record) (ingest.Record, error) {
	story, err := e.stories.GetStory(ctx, storyID)
	if err != nil {
		return record, fmt.Errorf("load story %s: %w", storyID, err)
	}
	story.AddRecord(record)
	story.UpdatedAt = e.cfg.Clock.Now()
	if err := e.stories.UpdateStory(ctx, story); err != nil {
		return record, fmt.Errorf("update story %s: %w", storyID, err)
	}
	record.StoryID = storyID
	return record, e.save(ctx, record)
}

func (e *Engine) save(ctx context.Context, record ingest.Record) error {
	if err := e.records.Update(ctx, record); err != nil {
		return fmt.Errorf("update record %s: %w", record.ID, err)
	}
	return nil
}

// CosineSimilarity returns dot(a, b) / (|a| |b|). It is 0 when either vector
// is empty, the lengths differ, or either norm is zero.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
