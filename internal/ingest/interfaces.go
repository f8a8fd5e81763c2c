package ingest

import (
	"context"
	"time"
)

// RecordStore persists records. Implementations must enforce (URL, SourceID)
// uniqueness and return ErrDuplicate on conflict.
type RecordStore interface {
	Create(ctx context.Context, record Record) error
	Get(ctx context.Context, id string) (Record, error)
	Update(ctx context.Context, record Record) error
	FindByURL(ctx context.Context, url, sourceID string) (Record, error)
	ListPublishedBetween(ctx context.Context, from, to time.Time) ([]Record, error)
}

// SourceStore persists source configuration and runtime health.
type SourceStore interface {
	ListSources(ctx context.Context) ([]Source, error)
	GetSource(ctx context.Context, id string) (Source, error)
	SaveSource(ctx context.Context, source Source) error
}

// StoryStore persists story groupings.
type StoryStore interface {
	CreateStory(ctx context.Context, story Story) error
	GetStory(ctx context.Context, id string) (Story, error)
	UpdateStory(ctx context.Context, story Story) error
}

// BlobStore archives raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes lifecycle events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Enricher is the external enrichment gateway. Implementations absorb backend
// failures: Enrich returns the input unchanged, Embed returns nil, and the text
// helpers return their input or "" rather than an error.
type Enricher interface {
	Enrich(ctx context.Context, record Record) Record
	Embed(ctx context.Context, text string) []float64
	CleanText(ctx context.Context, raw string) string
	Summarize(ctx context.Context, text string) string
	Synthesize(ctx context.Context, records []Record) string
}

// Collector turns a source configuration into candidate records.
type Collector interface {
	Collect(ctx context.Context, source Source) ([]Record, error)
}

// TextExtractor produces readable text for a URL, reporting false when no
// strategy yielded usable content.
type TextExtractor interface {
	Extract(ctx context.Context, url string) (string, bool)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record and story IDs.
type IDGenerator interface {
	NewID() (string, error)
}
