package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/newsdesk/internal/ingest"
)

const recordColumns = `id, url, source_id, title, body, summary, image_url, author, published_at,
	category_id, severity, tags, embedding, related_ids, story_id, created_at, updated_at`

// Create inserts record. A (url, source_id) conflict yields ingest.ErrDuplicate.
func (s *Store) Create(ctx context.Context, record ingest.Record) error {
	if record.ID == "" {
		return fmt.Errorf("record id is required")
	}
	query := `
INSERT INTO records (` + recordColumns + `) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17
)
ON CONFLICT (url, source_id) DO NOTHING`
	tag, err := s.pool.Exec(ctx, query, recordArgs(record)...)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ingest.ErrDuplicate
	}
	return nil
}

// Get fetches a record by id.
func (s *Store) Get(ctx context.Context, id string) (ingest.Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM records WHERE id = $1`, id)
	record, err := scanRecord(row)
	if err != nil {
		return ingest.Record{}, fmt.Errorf("get record %s: %w", id, notFound(err))
	}
	return record, nil
}

// Update replaces the mutable fields of an existing record.
func (s *Store) Update(ctx context.Context, record ingest.Record) error {
	query := `
UPDATE records SET
	title = $2, body = $3, summary = $4, image_url = $5, author = $6, published_at = $7,
	category_id = $8, severity = $9, tags = $10, embedding = $11, related_ids = $12,
	story_id = $13, updated_at = $14
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query,
		record.ID,
		record.Title,
		record.Body,
		record.Summary,
		record.ImageURL,
		record.Author,
		record.PublishedAt,
		record.CategoryID,
		int(record.Severity),
		nonNil(record.Tags),
		record.Embedding,
		nonNil(record.RelatedIDs),
		record.StoryID,
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update record %s: %w", record.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update record %s: %w", record.ID, ingest.ErrNotFound)
	}
	return nil
}

// FindByURL looks a record up by its de-duplication key.
func (s *Store) FindByURL(ctx context.Context, url, sourceID string) (ingest.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM records WHERE url = $1 AND source_id = $2`, url, sourceID)
	record, err := scanRecord(row)
	if err != nil {
		return ingest.Record{}, notFound(err)
	}
	return record, nil
}

// ListPublishedBetween returns records with from <= published_at <= to, newest first.
func (s *Store) ListPublishedBetween(ctx context.Context, from, to time.Time) ([]ingest.Record, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+recordColumns+` FROM records
WHERE published_at >= $1 AND published_at <= $2
ORDER BY published_at DESC`, from, to)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []ingest.Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate record rows: %w", err)
	}
	return out, nil
}

func recordArgs(r ingest.Record) []any {
	return []any{
		r.ID,
		r.URL,
		r.SourceID,
		r.Title,
		r.Body,
		r.Summary,
		r.ImageURL,
		r.Author,
		r.PublishedAt,
		r.CategoryID,
		int(r.Severity),
		nonNil(r.Tags),
		r.Embedding,
		nonNil(r.RelatedIDs),
		r.StoryID,
		r.CreatedAt,
		r.UpdatedAt,
	}
}

func scanRecord(row pgx.Row) (ingest.Record, error) {
	var (
		r        ingest.Record
		severity int
	)
	err := row.Scan(
		&r.ID,
		&r.URL,
		&r.SourceID,
		&r.Title,
		&r.Body,
		&r.Summary,
		&r.ImageURL,
		&r.Author,
		&r.PublishedAt,
		&r.CategoryID,
		&severity,
		&r.Tags,
		&r.Embedding,
		&r.RelatedIDs,
		&r.StoryID,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return ingest.Record{}, err
	}
	r.Severity = ingest.Severity(severity)
	return r, nil
}
