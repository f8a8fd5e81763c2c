// Package linker cross-references records that share enough topical tags.
package linker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/newsdesk/internal/ingest"
	"github.com/JakeFAU/newsdesk/internal/metrics"
)

// Defaults for Config.
const (
	DefaultMinSharedTags = 3
	DefaultWindow        = 30 * 24 * time.Hour
)

// Config tunes linking.
type Config struct {
	// MinSharedTags is the smallest tag intersection that produces a link.
	MinSharedTags int
	// Window bounds how far back candidates are considered.
	Window time.Duration
	Clock  ingest.Clock
	Logger *zap.Logger
}

// Linker maintains symmetric RelatedIDs between records.
type Linker struct {
	records ingest.RecordStore
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Linker.
func New(records ingest.RecordStore, cfg Config) *Linker {
	if cfg.MinSharedTags <= 0 {
		cfg.MinSharedTags = DefaultMinSharedTags
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = ingest.SystemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Linker{records: records, cfg: cfg, logger: logger.Named("linker")}
}

// Link connects record with every recent record sharing at least
// MinSharedTags normalized tags. Links are written on both sides and never
// duplicated. It returns the number of records newly linked.
func (l *Linker) Link(ctx context.Context, record ingest.Record) (int, error) {
	tags := NormalizeTags(record.Tags)
	if len(tags) == 0 {
		return 0, nil
	}
	now := l.cfg.Clock.Now()
	candidates, err := l.records.ListPublishedBetween(ctx, now.Add(-l.cfg.Window), now)
	if err != nil {
		return 0, fmt.Errorf("list link candidates: %w", err)
	}

	created := 0
	changed := false
	for _, c := range candidates {
		if c.ID == record.ID {
			continue
		}
		forward := !record.HasRelated(c.ID)
		backward := !c.HasRelated(record.ID)
		if !forward && !backward {
			continue
		}
		if SharedTags(tags, NormalizeTags(c.Tags)) < l.cfg.MinSharedTags {
			continue
		}
		if backward {
			c.RelatedIDs = append(c.RelatedIDs, record.ID)
			c.UpdatedAt = now
			if err := l.records.Update(ctx, c); err != nil {
				return created, fmt.Errorf("update record %s: %w", c.ID, err)
			}
		}
		if forward {
			record.RelatedIDs = append(record.RelatedIDs, c.ID)
			changed = true
			created++
		}
	}
	if changed {
		record.UpdatedAt = now
		if err := l.records.Update(ctx, record); err != nil {
			return created, fmt.Errorf("update record %s: %w", record.ID, err)
		}
		metrics.ObserveLinksCreated(created)
		l.logger.Debug("records linked", zap.String("record_id", record.ID), zap.Int("links", created))
	}
	return created, nil
}

// NormalizeTags lowercases, trims and deduplicates tags, dropping empties.
func NormalizeTags(tags []string) map[string]struct{} {
	out := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		out[t] = struct{}{}
	}
	return out
}

// SharedTags counts the intersection of two normalized tag sets.
func SharedTags(a, b map[string]struct{}) int {
	if len(b) < len(a) {
		a, b = b, a
	}
	n := 0
	for t := range a {
		if _, ok := b[t]; ok {
			n++
		}
	}
	return n
}
