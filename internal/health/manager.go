// Package health owns the runtime state of sources: consecutive failures,
// backoff scheduling, deactivation and the aggregated health report.
package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/newsdesk/internal/ingest"
)

// Defaults for Config.
const (
	DefaultBackoffCap       = 10
	DefaultDisableThreshold = 10
	DefaultInterval         = 15 * time.Minute
)

// ErrSourceActive is returned when reactivating a source that is not disabled.
var ErrSourceActive = errors.New("source is already active")

// Config tunes backoff and deactivation.
type Config struct {
	// BackoffCap bounds the failure multiplier applied to the source interval.
	BackoffCap int
	// DisableThreshold is the failure count at which a source is deactivated.
	DisableThreshold int
	// DefaultInterval is used for sources without an interval.
	DefaultInterval time.Duration
	Clock           ingest.Clock
	Logger          *zap.Logger
}

// Manager applies run outcomes to sources held in a SourceStore.
type Manager struct {
	store  ingest.SourceStore
	cfg    Config
	clock  ingest.Clock
	logger *zap.Logger
}

// New constructs a Manager.
func New(store ingest.SourceStore, cfg Config) *Manager {
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = DefaultBackoffCap
	}
	if cfg.DisableThreshold <= 0 {
		cfg.DisableThreshold = DefaultDisableThreshold
	}
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = DefaultInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = ingest.SystemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, cfg: cfg, clock: clock, logger: logger.Named("health")}
}

// Backoff returns the delay before the next run after failures consecutive
// failures: interval * min(failures, limit). It never decreases as failures grow.
func Backoff(interval time.Duration, failures, limit int) time.Duration {
	if failures < 1 {
		return interval
	}
	return interval * time.Duration(min(failures, limit))
}

// Backoff applies the manager's cap to Backoff.
func (m *Manager) Backoff(interval time.Duration, failures int) time.Duration {
	return Backoff(interval, failures, m.cfg.BackoffCap)
}

// RecordSuccess resets the failure counter, records item counts and
// schedules the next run one interval from now.
func (m *Manager) RecordSuccess(ctx context.Context, sourceID string, items int) (ingest.Source, error) {
	source, err := m.store.GetSource(ctx, sourceID)
	if err != nil {
		return ingest.Source{}, fmt.Errorf("load source %s: %w", sourceID, err)
	}
	now := m.clock.Now()
	source.ConsecutiveFailures = 0
	source.LastSyncAt = &now
	source.NextSyncAt = now.Add(m.interval(source))
	source.LastRunItems = items
	source.TotalItems += int64(items)
	if err := m.store.SaveSource(ctx, source); err != nil {
		return ingest.Source{}, fmt.Errorf("save source %s: %w", sourceID, err)
	}
	return source, nil
}

// RecordFailure increments the failure counter, records the error and pushes
// NextSyncAt out by the backoff. Reaching the disable threshold deactivates
// the source until Reactivate is called.
func (m *Manager) RecordFailure(ctx context.Context, sourceID string, cause error) (ingest.Source, error) {
	source, err := m.store.GetSource(ctx, sourceID)
	if err != nil {
		return ingest.Source{}, fmt.Errorf("load source %s: %w", sourceID, err)
	}
	now := m.clock.Now()
	source.ConsecutiveFailures++
	source.LastError = errorText(cause)
	source.LastErrorAt = &now
	source.LastRunItems = 0
	source.NextSyncAt = now.Add(m.Backoff(m.interval(source), source.ConsecutiveFailures))
	if source.ConsecutiveFailures >= m.cfg.DisableThreshold && source.Active {
		source.Active = false
		m.logger.Warn("source disabled after repeated failures",
			zap.String("source_id", sourceID),
			zap.Int("consecutive_failures", source.ConsecutiveFailures),
			zap.String("last_error", source.LastError),
		)
	}
	if err := m.store.SaveSource(ctx, source); err != nil {
		return ingest.Source{}, fmt.Errorf("save source %s: %w", sourceID, err)
	}
	return source, nil
}

// Reactivate returns a disabled source to service with a clean failure
// count, eligible immediately.
func (m *Manager) Reactivate(ctx context.Context, sourceID string) (ingest.Source, error) {
	source, err := m.store.GetSource(ctx, sourceID)
	if err != nil {
		return ingest.Source{}, fmt.Errorf("load source %s: %w", sourceID, err)
	}
	if source.Active {
		return source, ErrSourceActive
	}
	source.Active = true
	source.ConsecutiveFailures = 0
	source.NextSyncAt = m.clock.Now()
	if err := m.store.SaveSource(ctx, source); err != nil {
		return ingest.Source{}, fmt.Errorf("save source %s: %w", sourceID, err)
	}
	m.logger.Info("source reactivated", zap.String("source_id", sourceID))
	return source, nil
}

// Sync upserts source definitions while preserving the runtime health of
// sources already in the store. A definition marked inactive disables its
// source; an active definition does not revive a source the manager
// disabled for failures.
func (m *Manager) Sync(ctx context.Context, defs []ingest.Source) error {
	now := m.clock.Now()
	for _, def := range defs {
		existing, err := m.store.GetSource(ctx, def.ID)
		switch {
		case errors.Is(err, ingest.ErrNotFound):
			def.NextSyncAt = now
		case err != nil:
			return fmt.Errorf("load source %s: %w", def.ID, err)
		default:
			active := def.Active
			def.SourceHealth = existing.SourceHealth
			def.Active = active && (existing.Active || existing.ConsecutiveFailures < m.cfg.DisableThreshold)
		}
		if err := m.store.SaveSource(ctx, def); err != nil {
			return fmt.Errorf("save source %s: %w", def.ID, err)
		}
	}
	m.logger.Info("sources synced", zap.Int("count", len(defs)))
	return nil
}

// Status classifies a single source.
func Status(source ingest.Source) ingest.HealthStatus {
	switch {
	case !source.Active:
		return ingest.HealthDisabled
	case source.ConsecutiveFailures > 0:
		return ingest.HealthDegraded
	default:
		return ingest.HealthOK
	}
}

// Report aggregates per-source status. The overall status is healthy when
// every source is healthy, disabled when none is active, and degraded
// otherwise.
func (m *Manager) Report(ctx context.Context) (ingest.HealthReport, error) {
	sources, err := m.store.ListSources(ctx)
	if err != nil {
		return ingest.HealthReport{}, fmt.Errorf("list sources: %w", err)
	}
	report := ingest.HealthReport{
		GeneratedAt: m.clock.Now(),
		Sources:     make([]ingest.SourceStatus, 0, len(sources)),
	}
	for _, s := range sources {
		status := Status(s)
		switch status {
		case ingest.HealthOK:
			report.Healthy++
		case ingest.HealthDegraded:
			report.Degraded++
		case ingest.HealthDisabled:
			report.Disabled++
		}
		report.Sources = append(report.Sources, ingest.SourceStatus{
			SourceID:            s.ID,
			Name:                s.Name,
			Status:              status,
			ConsecutiveFailures: s.ConsecutiveFailures,
			LastError:           s.LastError,
			LastErrorAt:         s.LastErrorAt,
			LastSyncAt:          s.LastSyncAt,
			NextSyncAt:          s.NextSyncAt,
		})
	}
	switch {
	case report.Degraded == 0 && report.Disabled == 0:
		report.Status = ingest.HealthOK
	case report.Healthy == 0 && report.Degraded == 0:
		report.Status = ingest.HealthDisabled
	default:
		report.Status = ingest.HealthDegraded
	}
	return report, nil
}

func (m *Manager) interval(source ingest.Source) time.Duration {
	if source.Interval > 0 {
		return source.Interval
	}
	return m.cfg.DefaultInterval
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
