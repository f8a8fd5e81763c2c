package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSeverityFromScoreThresholds(t *testing.T) {
	t.Parallel()

	cases := []struct {
		score float64
		want  Severity
	}{
		{9.8, SeverityCritical},
		{9.0, SeverityCritical},
		{8.9, SeverityHigh},
		{7.0, SeverityHigh},
		{6.5, SeverityMedium},
		{4.0, SeverityMedium},
		{3.9, SeverityLow},
		{0, SeverityInfo},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, SeverityFromScore(tc.score), "score %v", tc.score)
	}
}

func TestSeverityOrderingAndNames(t *testing.T) {
	t.Parallel()

	require.Less(t, SeverityInfo, SeverityLow)
	require.Less(t, SeverityHigh, SeverityCritical)
	require.Equal(t, "medium", SeverityMedium.String())
	require.Equal(t, SeverityHigh, ParseSeverity(" HIGH "))
	require.Equal(t, SeverityInfo, ParseSeverity("bogus"))
}

func TestSourceEligible(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	src := Source{SourceHealth: SourceHealth{Active: true, NextSyncAt: now}}
	require.True(t, src.Eligible(now))

	src.NextSyncAt = now.Add(time.Second)
	require.False(t, src.Eligible(now))

	src.NextSyncAt = now
	src.Active = false
	require.False(t, src.Eligible(now))
}

func TestStoryAddRecordIsIdempotentAndMergesCategories(t *testing.T) {
	t.Parallel()

	story := Story{ID: "s1"}
	story.AddRecord(Record{ID: "a", CategoryID: "policy"})
	story.AddRecord(Record{ID: "b", CategoryID: "policy"})
	story.AddRecord(Record{ID: "a", CategoryID: "tech"})
	story.AddRecord(Record{ID: "c", CategoryID: "tech"})

	require.Equal(t, []string{"a", "b", "c"}, story.RecordIDs)
	require.Equal(t, []string{"policy", "tech"}, story.Categories)
}

func TestStoryStateTransitions(t *testing.T) {
	t.Parallel()

	require.True(t, StoryDraft.CanTransition(StoryPublished))
	require.True(t, StoryDraft.CanTransition(StoryArchived))
	require.True(t, StoryPublished.CanTransition(StoryArchived))
	require.False(t, StoryPublished.CanTransition(StoryDraft))
	require.False(t, StoryArchived.CanTransition(StoryPublished))
}
