package clustering

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/newsdesk/internal/ingest"
	"github.com/JakeFAU/newsdesk/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type seqIDs struct{ n int }

func (s *seqIDs) NewID() (string, error) {
	s.n++
	return fmt.Sprintf("story-%d", s.n), nil
}

type mapEmbedder struct {
	vectors map[string][]float64
	calls   []string
}

func (m *mapEmbedder) Embed(_ context.Context, text string) []float64 {
	m.calls = append(m.calls, text)
	return m.vectors[text]
}

var testNow = time.Date(2025, 5, 20, 18, 0, 0, 0, time.UTC)

type fixture struct {
	engine   *Engine
	records  *memory.RecordStore
	stories  *memory.StoryStore
	embedder *mapEmbedder
}

func newFixture(t *testing.T, vectors map[string][]float64) fixture {
	t.Helper()
	records := memory.NewRecordStore()
	stories := memory.NewStoryStore()
	embedder := &mapEmbedder{vectors: vectors}
	engine := New(records, stories, embedder, Config{Clock: fixedClock{now: testNow}, IDs: &seqIDs{}})
	return fixture{engine: engine, records: records, stories: stories, embedder: embedder}
}

func (f fixture) put(t *testing.T, r ingest.Record) ingest.Record {
	t.Helper()
	if r.PublishedAt.IsZero() {
		r.PublishedAt = testNow.Add(-time.Hour)
	}
	if r.SourceID == "" {
		r.SourceID = "src"
	}
	if r.URL == "" {
		r.URL = "https://example.com/" + r.ID
	}
	require.NoError(t, f.records.Create(context.Background(), r))
	return r
}

func TestCosineSimilarity(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		a, b []float64
		want float64
	}{
		{name: "identical", a: []float64{1, 2, 3}, b: []float64{1, 2, 3}, want: 1},
		{name: "scaled", a: []float64{1, 1}, b: []float64{3, 3}, want: 1},
		{name: "orthogonal", a: []float64{1, 0}, b: []float64{0, 1}, want: 0},
		{name: "opposite", a: []float64{1, 0}, b: []float64{-1, 0}, want: -1},
		{name: "empty", a: nil, b: []float64{1}, want: 0},
		{name: "mismatched", a: []float64{1, 0}, b: []float64{1, 0, 0}, want: 0},
		{name: "zero norm", a: []float64{0, 0}, b: []float64{1, 1}, want: 0},
		{name: "diagonal", a: []float64{1, 0}, b: []float64{0.5, 0.5}, want: 1 / math.Sqrt2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.InDelta(t, tc.want, CosineSimilarity(tc.a, tc.b), 1e-9)
			require.InDelta(t, CosineSimilarity(tc.b, tc.a), CosineSimilarity(tc.a, tc.b), 1e-12)
		})
	}
	got := CosineSimilarity([]float64{1, 0}, []float64{0.99, 0.01})
	require.Greater(t, got, DefaultThreshold)
	require.False(t, math.IsNaN(got))
	require.Less(t, CosineSimilarity([]float64{1, 0}, []float64{0.5, 0.5}), DefaultThreshold)
}

func TestAssignCreatesStoryForMatchingPair(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string][]float64{
		"EU AI Act Passed\nLawmakers approve": {0.99, 0.01},
	})
	existing := f.put(t, ingest.Record{ID: "a", Title: "New AI Regulation", CategoryID: "policy", Embedding: []float64{1, 0}})
	incoming := f.put(t, ingest.Record{ID: "b", Title: "EU AI Act Passed", Summary: "Lawmakers approve", CategoryID: "tech"})

	got, err := f.engine.Assign(context.Background(), incoming)
	require.NoError(t, err)
	require.Equal(t, "story-1", got.StoryID)
	require.Equal(t, []float64{0.99, 0.01}, got.Embedding)

	story, err := f.stories.GetStory(context.Background(), "story-1")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, story.RecordIDs)
	require.Equal(t, ingest.StoryDraft, story.State)
	require.Equal(t, existing.Title, story.Title)
	require.ElementsMatch(t, []string{"policy", "tech"}, story.Categories)

	for _, id := range []string{"a", "b"} {
		stored, err := f.records.Get(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, "story-1", stored.StoryID)
	}
}

func TestAssignJoinsExistingStory(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string][]float64{"Third take": {1, 0.02}})
	require.NoError(t, f.stories.CreateStory(context.Background(), ingest.Story{ID: "s-1", RecordIDs: []string{"a"}, State: ingest.StoryDraft}))
	f.put(t, ingest.Record{ID: "a", Title: "First", Embedding: []float64{1, 0}, StoryID: "s-1"})
	incoming := f.put(t, ingest.Record{ID: "c", Title: "Third take"})

	got, err := f.engine.Assign(context.Background(), incoming)
	require.NoError(t, err)
	require.Equal(t, "s-1", got.StoryID)

	story, err := f.stories.GetStory(context.Background(), "s-1")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "c"}, story.RecordIDs)
}

func TestAssignPicksBestMatchAcrossWindow(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string][]float64{"Target": {1, 0, 0}})
	require.NoError(t, f.stories.CreateStory(context.Background(), ingest.Story{ID: "near", RecordIDs: []string{"close"}}))
	require.NoError(t, f.stories.CreateStory(context.Background(), ingest.Story{ID: "far", RecordIDs: []string{"ok"}}))
	// Newer but weaker match first in scan order.
	f.put(t, ingest.Record{ID: "ok", Title: "ok", StoryID: "far", Embedding: []float64{0.9, 0.3, 0}, PublishedAt: testNow.Add(-time.Minute)})
	f.put(t, ingest.Record{ID: "close", Title: "close", StoryID: "near", Embedding: []float64{1, 0.01, 0}, PublishedAt: testNow.Add(-20 * time.Hour)})
	incoming := f.put(t, ingest.Record{ID: "t", Title: "Target"})

	got, err := f.engine.Assign(context.Background(), incoming)
	require.NoError(t, err)
	require.Equal(t, "near", got.StoryID)
}

func TestAssignLeavesRecordUnclustered(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string][]float64{
		"Unrelated":  {0, 1},
		"Old news":   {1, 0},
		"Lonely one": {1, 0},
	})
	f.put(t, ingest.Record{ID: "x", Title: "x", Embedding: []float64{1, 0}})
	f.put(t, ingest.Record{ID: "stale", Title: "stale", Embedding: []float64{1, 0}, PublishedAt: testNow.Add(-25 * time.Hour)})
	f.put(t, ingest.Record{ID: "noemb", Title: "noemb"})

	unrelated := f.put(t, ingest.Record{ID: "u", Title: "Unrelated"})
	got, err := f.engine.Assign(context.Background(), unrelated)
	require.NoError(t, err)
	require.Empty(t, got.StoryID)
	stored, err := f.records.Get(context.Background(), "u")
	require.NoError(t, err)
	require.Equal(t, []float64{0, 1}, stored.Embedding)

	// Only a stale record matches; it sits outside the window.
	f2 := newFixture(t, map[string][]float64{"Lonely one": {1, 0}})
	f2.put(t, ingest.Record{ID: "stale", Title: "stale", Embedding: []float64{1, 0}, PublishedAt: testNow.Add(-25 * time.Hour)})
	lonely := f2.put(t, ingest.Record{ID: "l", Title: "Lonely one"})
	got, err = f2.engine.Assign(context.Background(), lonely)
	require.NoError(t, err)
	require.Empty(t, got.StoryID)
}

func TestAssignSkipsEmptyInputAndEmptyEmbedding(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string][]float64{})
	blank := f.put(t, ingest.Record{ID: "blank", Title: "  "})
	got, err := f.engine.Assign(context.Background(), blank)
	require.NoError(t, err)
	require.Equal(t, blank, got)
	require.Empty(t, f.embedder.calls)

	noVec := f.put(t, ingest.Record{ID: "nv", Title: "No vector"})
	got, err = f.engine.Assign(context.Background(), noVec)
	require.NoError(t, err)
	require.Empty(t, got.Embedding)
	require.Empty(t, got.StoryID)
	require.Equal(t, []string{"No vector"}, f.embedder.calls)
}

func TestAssignBelowThresholdStaysUnclustered(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string][]float64{"Chip export rules": {1, 0}})
	f.put(t, ingest.Record{ID: "a", Title: "Chip subsidies", Embedding: []float64{0.5, 0.5}})
	incoming := f.put(t, ingest.Record{ID: "b", Title: "Chip export rules"})

	got, err := f.engine.Assign(context.Background(), incoming)
	require.NoError(t, err)
	require.Empty(t, got.StoryID)

	_, err = f.stories.GetStory(context.Background(), "story-1")
	require.ErrorIs(t, err, ingest.ErrNotFound)
	anchor, err := f.records.Get(context.Background(), "a")
	require.NoError(t, err)
	require.Empty(t, anchor.StoryID)
}

func TestAssignKeepsEmbeddingWhenStoryIsMissing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string][]float64{"Follow-up": {1, 0}})
	f.put(t, ingest.Record{ID: "a", Title: "Original", StoryID: "ghost", Embedding: []float64{1, 0}})
	incoming := f.put(t, ingest.Record{ID: "b", Title: "Follow-up"})

	_, err := f.engine.Assign(context.Background(), incoming)
	require.ErrorIs(t, err, ingest.ErrNotFound)

	stored, err := f.records.Get(context.Background(), "b")
	require.NoError(t, err)
	require.Equal(t, []float64{1, 0}, stored.Embedding)
	require.Empty(t, stored.StoryID)
}

func TestAssignTieGoesToMostRecentCandidate(t *testing.T) {
	t.Parallel()

	older := ingest.Record{ID: "older", Title: "older", StoryID: "s-old", Embedding: []float64{1, 0}, PublishedAt: testNow.Add(-3 * time.Hour)}
	newer := ingest.Record{ID: "newer", Title: "newer", StoryID: "s-new", Embedding: []float64{2, 0}, PublishedAt: testNow.Add(-time.Hour)}

	for _, order := range [][]ingest.Record{{older, newer}, {newer, older}} {
		f := newFixture(t, map[string][]float64{"Tied": {1, 0}})
		require.NoError(t, f.stories.CreateStory(context.Background(), ingest.Story{ID: "s-old", RecordIDs: []string{"older"}}))
		require.NoError(t, f.stories.CreateStory(context.Background(), ingest.Story{ID: "s-new", RecordIDs: []string{"newer"}}))
		for _, r := range order {
			f.put(t, r)
		}
		incoming := f.put(t, ingest.Record{ID: "t", Title: "Tied"})

		got, err := f.engine.Assign(context.Background(), incoming)
		require.NoError(t, err)
		require.Equal(t, "s-new", got.StoryID)
	}
}
