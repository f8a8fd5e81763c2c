// Package orchestrator runs acquisition: for each eligible source it invokes
// the matching collector, filters duplicates, persists and archives new
// records, hands them to enrichment one at a time and updates source health.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/newsdesk/internal/collector"
	"github.com/JakeFAU/newsdesk/internal/dispatcher"
	"github.com/JakeFAU/newsdesk/internal/extract"
	"github.com/JakeFAU/newsdesk/internal/ingest"
	"github.com/JakeFAU/newsdesk/internal/metrics"
	"github.com/JakeFAU/newsdesk/internal/retry"
	"github.com/JakeFAU/newsdesk/internal/worker"
)

// EventRecordCreated is published for every newly persisted record.
const EventRecordCreated = "record.created"

const (
	defaultSourceTimeout = 60 * time.Second
	defaultEnrichTimeout = 5 * time.Minute
	defaultArchivePrefix = "raw"

	runSuccess  = "success"
	runFailure  = "failure"
	runCanceled = "canceled"
)

// HealthRecorder receives the outcome of each source run.
type HealthRecorder interface {
	RecordSuccess(ctx context.Context, sourceID string, items int) (ingest.Source, error)
	RecordFailure(ctx context.Context, sourceID string, cause error) (ingest.Source, error)
}

// Submitter queues a record for enrichment and returns its completion handle.
type Submitter interface {
	Submit(ctx context.Context, record ingest.Record) (<-chan worker.Result, error)
}

// RateSetter applies a per-host request rate.
type RateSetter interface {
	SetRate(rawURL string, rps float64)
}

// TextCleaner removes boilerplate from extracted article text.
type TextCleaner interface {
	CleanText(ctx context.Context, raw string) string
}

// Deps are the collaborators the orchestrator drives. Sources, Records,
// Collector and Health are required; the rest are optional.
type Deps struct {
	Sources   ingest.SourceStore
	Records   ingest.RecordStore
	Collector ingest.Collector
	Health    HealthRecorder
	Extractor ingest.TextExtractor
	Cleaner   TextCleaner
	Blobs     ingest.BlobStore
	Publisher ingest.Publisher
	Enrich    Submitter
	Limiter   RateSetter
}

// Config tunes a run.
type Config struct {
	// DefaultTimeout applies to sources without their own timeout.
	DefaultTimeout time.Duration
	// MinBodyChars is the body length below which full text is fetched.
	MinBodyChars int
	// FullText enables the fetch cascade for short bodies.
	FullText bool
	// EnrichTimeout bounds the wait on each enrichment handle.
	EnrichTimeout time.Duration
	// RetryBaseDelay and RetryMaxDelay override the collector retry backoff.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	ArchivePrefix  string
	Topic          string
	Clock          ingest.Clock
	IDs            ingest.IDGenerator
	Logger         *zap.Logger
}

// Orchestrator runs sources.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// RecordEvent is the payload published for a new record.
type RecordEvent struct {
	Event     string    `json:"event"`
	RecordID  string    `json:"record_id"`
	SourceID  string    `json:"source_id"`
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	BlobURI   string    `json:"blob_uri,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// New constructs an Orchestrator.
func New(deps Deps, cfg Config) *Orchestrator {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultSourceTimeout
	}
	if cfg.MinBodyChars <= 0 {
		cfg.MinBodyChars = extract.MinContentChars
	}
	if cfg.EnrichTimeout <= 0 {
		cfg.EnrichTimeout = defaultEnrichTimeout
	}
	if cfg.ArchivePrefix == "" {
		cfg.ArchivePrefix = defaultArchivePrefix
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
	return &Orchestrator{deps: deps, cfg: cfg, logger: logger.Named("orchestrator")}
}

// RunAll runs every active source whose NextSyncAt has passed, one after
// another, and returns the number of new records. A failing source is
// recorded with the health manager and never aborts the batch; only a
// failure to list sources is returned.
func (o *Orchestrator) RunAll(ctx context.Context) (int, error) {
	sources, err := o.deps.Sources.ListSources(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sources: %w", err)
	}
	now := o.cfg.Clock.Now()
	total := 0
	for _, source := range sources {
		if ctx.Err() != nil {
			return total, fmt.Errorf("run all: %w", ctx.Err())
		}
		if !source.Eligible(now) {
			continue
		}
		fresh, err := o.runSource(ctx, source)
		if err != nil {
			continue
		}
		total += len(fresh)
	}
	o.logger.Info("run complete", zap.Int("sources", len(sources)), zap.Int("new_records", total))
	return total, nil
}

// RunOne runs a single source regardless of its schedule and returns the
// records it created. A collector failure is recorded with the health
// manager and also returned so operators see it.
func (o *Orchestrator) RunOne(ctx context.Context, sourceID string) ([]ingest.Record, error) {
	source, err := o.deps.Sources.GetSource(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("load source %s: %w", sourceID, err)
	}
	return o.runSource(ctx, source)
}

func (o *Orchestrator) runSource(ctx context.Context, source ingest.Source) ([]ingest.Record, error) {
	ctx, span := otel.Tracer("newsdesk/orchestrator").Start(ctx, "orchestrator.source")
	defer span.End()
	span.SetAttributes(
		attribute.String("source.id", source.ID),
		attribute.String("source.method", string(source.Method)),
	)
	logger := o.logger.With(zap.String("source_id", source.ID), zap.String("method", string(source.Method)))

	if o.deps.Limiter != nil && source.RateLimit > 0 {
		o.deps.Limiter.SetRate(source.URL, source.RateLimit)
	}

	start := time.Now()
	candidates, err := o.collect(ctx, source)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			// caller canceled or hit its own deadline; not the source's fault
			metrics.ObserveSourceRun(string(source.Method), runCanceled)
			logger.Info("source run interrupted", zap.Error(err), zap.Duration("duration", time.Since(start)))
			return nil, fmt.Errorf("collect %s: %w", source.ID, err)
		}
		metrics.ObserveSourceRun(string(source.Method), runFailure)
		logger.Warn("source run failed", zap.Error(err), zap.Duration("duration", time.Since(start)))
		if _, herr := o.deps.Health.RecordFailure(ctx, source.ID, err); herr != nil {
			logger.Error("record source failure", zap.Error(herr))
		}
		return nil, fmt.Errorf("collect %s: %w", source.ID, err)
	}

	fresh := o.persist(ctx, source, candidates, logger)
	fresh = o.enrich(ctx, fresh, logger)

	if _, herr := o.deps.Health.RecordSuccess(ctx, source.ID, len(fresh)); herr != nil {
		logger.Error("record source success", zap.Error(herr))
	}
	metrics.ObserveSourceRun(string(source.Method), runSuccess)
	metrics.ObserveIngested(source.ID, len(fresh))
	span.SetAttributes(attribute.Int("records.new", len(fresh)))
	logger.Info("source run complete",
		zap.Int("candidates", len(candidates)),
		zap.Int("new_records", len(fresh)),
		zap.Duration("duration", time.Since(start)),
	)
	return fresh, nil
}

// collect invokes the collector under the source timeout, retrying up to
// RetryCount additional times.
func (o *Orchestrator) collect(ctx context.Context, source ingest.Source) ([]ingest.Record, error) {
	timeout := source.Timeout
	if timeout <= 0 {
		timeout = o.cfg.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	policy := retry.NewExponentialPolicy(source.RetryCount + 1)
	if o.cfg.RetryBaseDelay > 0 {
		policy = policy.WithDelays(o.cfg.RetryBaseDelay, max(o.cfg.RetryMaxDelay, o.cfg.RetryBaseDelay))
	}
	var candidates []ingest.Record
	err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		var err error
		candidates, err = o.deps.Collector.Collect(ctx, source)
		if errors.Is(err, collector.ErrUnsupportedMethod) || errors.Is(err, collector.ErrUnsupportedAPI) {
			return fmt.Errorf("%w: %w", retry.ErrPermanent, err)
		}
		if err != nil {
			o.logger.Debug("collect attempt failed",
				zap.String("source_id", source.ID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return candidates, nil
}

// persist sanitizes candidates, drops known (URL, SourceID) pairs and
// stores the rest.
func (o *Orchestrator) persist(ctx context.Context, source ingest.Source, candidates []ingest.Record, logger *zap.Logger) []ingest.Record {
	var (
		fresh      []ingest.Record
		duplicates int
		seen       = make(map[string]struct{}, len(candidates))
	)
	for _, c := range candidates {
		c = Sanitize(c)
		c.SourceID = source.ID
		if c.URL == "" {
			continue
		}
		if _, dup := seen[c.URL]; dup {
			duplicates++
			continue
		}
		seen[c.URL] = struct{}{}

		if _, err := o.deps.Records.FindByURL(ctx, c.URL, c.SourceID); err == nil {
			duplicates++
			continue
		} else if !errors.Is(err, ingest.ErrNotFound) {
			logger.Warn("dedup lookup failed", zap.String("url", c.URL), zap.Error(err))
			continue
		}

		record, err := o.prepare(ctx, c)
		if err != nil {
			logger.Warn("prepare record failed", zap.String("url", c.URL), zap.Error(err))
			continue
		}
		if err := o.deps.Records.Create(ctx, record); err != nil {
			if errors.Is(err, ingest.ErrDuplicate) {
				duplicates++
				continue
			}
			logger.Warn("persist record failed", zap.String("url", c.URL), zap.Error(err))
			continue
		}
		uri := o.archive(ctx, record, logger)
		o.publish(ctx, record, uri, logger)
		fresh = append(fresh, record)
	}
	metrics.ObserveDuplicates(source.ID, duplicates)
	return fresh
}

// prepare assigns identity and timestamps and fills short bodies with full
// text from the fetch cascade.
func (o *Orchestrator) prepare(ctx context.Context, record ingest.Record) (ingest.Record, error) {
	id, err := o.cfg.IDs.NewID()
	if err != nil {
		return record, fmt.Errorf("record id: %w", err)
	}
	now := o.cfg.Clock.Now()
	record.ID = id
	record.CreatedAt = now
	record.UpdatedAt = now
	if record.PublishedAt.IsZero() {
		record.PublishedAt = now
	}
	if o.cfg.FullText && o.deps.Extractor != nil && len(strings.TrimSpace(record.Body)) < o.cfg.MinBodyChars {
		if text, ok := o.deps.Extractor.Extract(ctx, record.URL); ok {
			if o.deps.Cleaner != nil {
				text = o.deps.Cleaner.CleanText(ctx, text)
			}
			record.Body = sanitizeText(text)
		}
	}
	return record, nil
}

func (o *Orchestrator) archive(ctx context.Context, record ingest.Record, logger *zap.Logger) string {
	if o.deps.Blobs == nil || record.Body == "" {
		return ""
	}
	path := fmt.Sprintf("%s/%s/%s.txt", strings.Trim(o.cfg.ArchivePrefix, "/"), record.SourceID, record.ID)
	uri, err := o.deps.Blobs.PutObject(ctx, path, "text/plain; charset=utf-8", []byte(record.Body))
	if err != nil {
		logger.Warn("archive body failed", zap.String("record_id", record.ID), zap.Error(err))
		return ""
	}
	return uri
}

func (o *Orchestrator) publish(ctx context.Context, record ingest.Record, uri string, logger *zap.Logger) {
	if o.deps.Publisher == nil || o.cfg.Topic == "" {
		return
	}
	event := RecordEvent{
		Event:     EventRecordCreated,
		RecordID:  record.ID,
		SourceID:  record.SourceID,
		URL:       record.URL,
		Title:     record.Title,
		BlobURI:   uri,
		Timestamp: record.CreatedAt,
	}
	if _, err := o.deps.Publisher.Publish(ctx, o.cfg.Topic, event); err != nil {
		logger.Warn("publish record event failed", zap.String("record_id", record.ID), zap.Error(err))
	}
}

// enrich submits each record in turn and waits for it before submitting the
// next, so the gateway never sees concurrent work from one run.
func (o *Orchestrator) enrich(ctx context.Context, fresh []ingest.Record, logger *zap.Logger) []ingest.Record {
	if o.deps.Enrich == nil {
		return fresh
	}
	for i, record := range fresh {
		handle, err := o.deps.Enrich.Submit(ctx, record)
		if err != nil {
			logger.Warn("submit enrichment failed", zap.String("record_id", record.ID), zap.Error(err))
			continue
		}
		waitCtx, cancel := context.WithTimeout(ctx, o.cfg.EnrichTimeout)
		res, err := dispatcher.Await(waitCtx, handle)
		switch {
		case err != nil:
			logger.Warn("enrichment failed", zap.String("record_id", record.ID), zap.Error(err))
		case res.Record.ID != "":
			fresh[i] = res.Record
		}
		cancel()
	}
	return fresh
}

var (
	scriptBlock = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`)
	scriptTag   = regexp.MustCompile(`(?i)</?script\b[^>]*>`)
	jsScheme    = regexp.MustCompile(`(?i)javascript\s*:`)
)

// Sanitize strips script elements and javascript: URIs from the text
// fields of a record.
func Sanitize(r ingest.Record) ingest.Record {
	r.Title = sanitizeText(r.Title)
	r.Body = sanitizeText(r.Body)
	r.Summary = sanitizeText(r.Summary)
	r.Author = sanitizeText(r.Author)
	r.ImageURL = sanitizeText(r.ImageURL)
	if r.Tags != nil {
		tags := make([]string, 0, len(r.Tags))
		for _, t := range r.Tags {
			if t = sanitizeText(t); t != "" {
				tags = append(tags, t)
			}
		}
		r.Tags = tags
	}
	return r
}

func sanitizeText(s string) string {
	if s == "" {
		return s
	}
	s = scriptBlock.ReplaceAllString(s, "")
	s = scriptTag.ReplaceAllString(s, "")
	s = jsScheme.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}
