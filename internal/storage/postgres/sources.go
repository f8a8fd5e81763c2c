package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/newsdesk/internal/ingest"
)

const sourceColumns = `id, url, name, method, api_kind, interval_ms, timeout_ms, retry_count, max_items,
	rate_limit, selector, trust_score, verified, source_type, active, consecutive_failures,
	last_error, last_error_at, last_sync_at, next_sync_at, total_items, last_run_items`

// ListSources returns all sources ordered by id.
func (s *Store) ListSources(ctx context.Context) ([]ingest.Source, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var out []ingest.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source row: %w", err)
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate source rows: %w", err)
	}
	return out, nil
}

// GetSource fetches a source by id.
func (s *Store) GetSource(ctx context.Context, id string) (ingest.Source, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = $1`, id)
	src, err := scanSource(row)
	if err != nil {
		return ingest.Source{}, fmt.Errorf("get source %s: %w", id, notFound(err))
	}
	return src, nil
}

// SaveSource inserts or replaces a source, including its health fields.
func (s *Store) SaveSource(ctx context.Context, src ingest.Source) error {
	if src.ID == "" {
		return fmt.Errorf("source id is required")
	}
	query := `
INSERT INTO sources (` + sourceColumns + `) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22
)
ON CONFLICT (id) DO UPDATE SET
	url = EXCLUDED.url,
	name = EXCLUDED.name,
	method = EXCLUDED.method,
	api_kind = EXCLUDED.api_kind,
	interval_ms = EXCLUDED.interval_ms,
	timeout_ms = EXCLUDED.timeout_ms,
	retry_count = EXCLUDED.retry_count,
	max_items = EXCLUDED.max_items,
	rate_limit = EXCLUDED.rate_limit,
	selector = EXCLUDED.selector,
	trust_score = EXCLUDED.trust_score,
	verified = EXCLUDED.verified,
	source_type = EXCLUDED.source_type,
	active = EXCLUDED.active,
	consecutive_failures = EXCLUDED.consecutive_failures,
	last_error = EXCLUDED.last_error,
	last_error_at = EXCLUDED.last_error_at,
	last_sync_at = EXCLUDED.last_sync_at,
	next_sync_at = EXCLUDED.next_sync_at,
	total_items = EXCLUDED.total_items,
	last_run_items = EXCLUDED.last_run_items`
	if _, err := s.pool.Exec(ctx, query, sourceArgs(src)...); err != nil {
		return fmt.Errorf("save source %s: %w", src.ID, err)
	}
	return nil
}

func sourceArgs(src ingest.Source) []any {
	return []any{
		src.ID,
		src.URL,
		src.Name,
		string(src.Method),
		src.APIKind,
		src.Interval.Milliseconds(),
		src.Timeout.Milliseconds(),
		src.RetryCount,
		src.MaxItems,
		src.RateLimit,
		src.Selector,
		src.TrustScore,
		src.Verified,
		src.Type,
		src.Active,
		src.ConsecutiveFailures,
		src.LastError,
		src.LastErrorAt,
		src.LastSyncAt,
		src.NextSyncAt,
		src.TotalItems,
		src.LastRunItems,
	}
}

func scanSource(row pgx.Row) (ingest.Source, error) {
	var (
		src                 ingest.Source
		method              string
		intervalMS, timeout int64
	)
	err := row.Scan(
		&src.ID,
		&src.URL,
		&src.Name,
		&method,
		&src.APIKind,
		&intervalMS,
		&timeout,
		&src.RetryCount,
		&src.MaxItems,
		&src.RateLimit,
		&src.Selector,
		&src.TrustScore,
		&src.Verified,
		&src.Type,
		&src.Active,
		&src.ConsecutiveFailures,
		&src.LastError,
		&src.LastErrorAt,
		&src.LastSyncAt,
		&src.NextSyncAt,
		&src.TotalItems,
		&src.LastRunItems,
	)
	if err != nil {
		return ingest.Source{}, err
	}
	src.Method = ingest.Method(method)
	src.Interval = time.Duration(intervalMS) * time.Millisecond
	src.Timeout = time.Duration(timeout) * time.Millisecond
	return src, nil
}
