package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/newsdesk/internal/ingest"
)

const storyColumns = `id, title, summary, state, categories, record_ids, updated_at`

// CreateStory inserts story. An existing id yields ingest.ErrDuplicate.
func (s *Store) CreateStory(ctx context.Context, story ingest.Story) error {
	query := `INSERT INTO stories (` + storyColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (id) DO NOTHING`
	tag, err := s.pool.Exec(ctx, query, storyArgs(story)...)
	if err != nil {
		return fmt.Errorf("insert story: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ingest.ErrDuplicate
	}
	return nil
}

// GetStory fetches a story by id.
func (s *Store) GetStory(ctx context.Context, id string) (ingest.Story, error) {
	var (
		story ingest.Story
		state string
	)
	err := s.pool.QueryRow(ctx, `SELECT `+storyColumns+` FROM stories WHERE id = $1`, id).Scan(
		&story.ID,
		&story.Title,
		&story.Summary,
		&state,
		&story.Categories,
		&story.RecordIDs,
		&story.UpdatedAt,
	)
	if err != nil {
		return ingest.Story{}, fmt.Errorf("get story %s: %w", id, notFound(err))
	}
	story.State = ingest.StoryState(state)
	return story, nil
}

// UpdateStory replaces an existing story.
func (s *Store) UpdateStory(ctx context.Context, story ingest.Story) error {
	query := `UPDATE stories SET title = $2, summary = $3, state = $4, categories = $5,
	record_ids = $6, updated_at = $7 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, storyArgs(story)...)
	if err != nil {
		return fmt.Errorf("update story %s: %w", story.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update story %s: %w", story.ID, ingest.ErrNotFound)
	}
	return nil
}

func storyArgs(story ingest.Story) []any {
	return []any{
		story.ID,
		story.Title,
		story.Summary,
		string(story.State),
		nonNil(story.Categories),
		nonNil(story.RecordIDs),
		story.UpdatedAt,
	}
}
