// Package ingest defines the core types shared across the acquisition,
// enrichment and grouping subsystems.
package ingest

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by stores when a lookup misses.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a record with the same (url, source id) already exists.
	ErrDuplicate = errors.New("duplicate record")
)

// Method identifies how a source is collected.
type Method string

// Supported collection methods.
const (
	MethodFeed     Method = "feed"
	MethodAPI      Method = "api"
	MethodRendered Method = "rendered"
)

// Valid reports whether m is one of the known collection methods.
func (m Method) Valid() bool {
	switch m {
	case MethodFeed, MethodAPI, MethodRendered:
		return true
	default:
		return false
	}
}

// Severity is an ordered urgency classification.
type Severity int

// Severity levels, lowest first.
const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"info", "low", "medium", "high", "critical"}

// String returns the lowercase level name.
func (s Severity) String() string {
	if s < SeverityInfo || s > SeverityCritical {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// ParseSeverity maps a level name onto a Severity. Unknown names map to info.
func ParseSeverity(name string) Severity {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range severityNames {
		if n == name {
			return Severity(i)
		}
	}
	return SeverityInfo
}

// SeverityFromScore maps a 0-10 score (CVSS style) onto a Severity.
func SeverityFromScore(score float64) Severity {
	switch {
	case score >= 9:
		return SeverityCritical
	case score >= 7:
		return SeverityHigh
	case score >= 4:
		return SeverityMedium
	case score > 0:
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// Source is a configured content origin plus its runtime health state.
type Source struct {
	ID         string        `json:"id" mapstructure:"id"`
	URL        string        `json:"url" mapstructure:"url"`
	Name       string        `json:"name" mapstructure:"name"`
	Method     Method        `json:"method" mapstructure:"method"`
	APIKind    string        `json:"api_kind,omitempty" mapstructure:"api_kind"`
	Interval   time.Duration `json:"interval" mapstructure:"interval"`
	Timeout    time.Duration `json:"timeout" mapstructure:"timeout"`
	RetryCount int           `json:"retry_count" mapstructure:"retry_count"`
	MaxItems   int           `json:"max_items" mapstructure:"max_items"`
	RateLimit  float64       `json:"rate_limit" mapstructure:"rate_limit"`
	Selector   string        `json:"selector,omitempty" mapstructure:"selector"`
	TrustScore float64       `json:"trust_score" mapstructure:"trust_score"`
	Verified   bool          `json:"verified" mapstructure:"verified"`
	Type       string        `json:"type,omitempty" mapstructure:"type"`

	SourceHealth `mapstructure:",squash"`
}

// SourceHealth is the runtime state owned by the health manager.
type SourceHealth struct {
	Active              bool       `json:"active" mapstructure:"-"`
	ConsecutiveFailures int        `json:"consecutive_failures" mapstructure:"-"`
	LastError           string     `json:"last_error,omitempty" mapstructure:"-"`
	LastErrorAt         *time.Time `json:"last_error_at,omitempty" mapstructure:"-"`
	LastSyncAt          *time.Time `json:"last_sync_at,omitempty" mapstructure:"-"`
	NextSyncAt          time.Time  `json:"next_sync_at" mapstructure:"-"`
	TotalItems          int64      `json:"total_items" mapstructure:"-"`
	LastRunItems        int        `json:"last_run_items" mapstructure:"-"`
}

// Eligible reports whether the source should run at now.
func (s Source) Eligible(now time.Time) bool {
	return s.Active && !s.NextSyncAt.After(now)
}

// Record is a normalized content item.
type Record struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	SourceID    string    `json:"source_id"`
	Title       string    `json:"title"`
	Body        string    `json:"body,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	ImageURL    string    `json:"image_url,omitempty"`
	Author      string    `json:"author,omitempty"`
	PublishedAt time.Time `json:"published_at"`
	CategoryID  string    `json:"category_id,omitempty"`
	Severity    Severity  `json:"severity"`
	Tags        []string  `json:"tags,omitempty"`
	Embedding   []float64 `json:"embedding,omitempty"`
	RelatedIDs  []string  `json:"related_ids,omitempty"`
	StoryID     string    `json:"story_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HasRelated reports whether id is already linked from r.
func (r Record) HasRelated(id string) bool {
	for _, existing := range r.RelatedIDs {
		if existing == id {
			return true
		}
	}
	return false
}

// StoryState is the lifecycle state of a Story.
type StoryState string

// Story lifecycle states.
const (
	StoryDraft     StoryState = "draft"
	StoryPublished StoryState = "published"
	StoryArchived  StoryState = "archived"
)

// CanTransition reports whether moving from s to next is allowed.
func (s StoryState) CanTransition(next StoryState) bool {
	switch s {
	case StoryDraft:
		return next == StoryPublished || next == StoryArchived
	case StoryPublished:
		return next == StoryArchived
	default:
		return false
	}
}

// Story groups records covering the same underlying event.
type Story struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Summary    string     `json:"summary,omitempty"`
	State      StoryState `json:"state"`
	Categories []string   `json:"categories,omitempty"`
	RecordIDs  []string   `json:"record_ids"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// AddRecord appends a member and merges its category. It is a no-op for known members.
func (s *Story) AddRecord(r Record) {
	for _, id := range s.RecordIDs {
		if id == r.ID {
			return
		}
	}
	s.RecordIDs = append(s.RecordIDs, r.ID)
	if r.CategoryID == "" {
		return
	}
	for _, c := range s.Categories {
		if c == r.CategoryID {
			return
		}
	}
	s.Categories = append(s.Categories, r.CategoryID)
}

// HealthStatus summarizes the operational state of a source or the system.
type HealthStatus string

// Health statuses reported by the health manager.
const (
	HealthOK       HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthDisabled HealthStatus = "disabled"
)

// SourceStatus is one row of the system health report.
type SourceStatus struct {
	SourceID            string       `json:"source_id"`
	Name                string       `json:"name"`
	Status              HealthStatus `json:"status"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastError           string       `json:"last_error,omitempty"`
	LastErrorAt         *time.Time   `json:"last_error_at,omitempty"`
	LastSyncAt          *time.Time   `json:"last_sync_at,omitempty"`
	NextSyncAt          time.Time    `json:"next_sync_at"`
}

// HealthReport aggregates per-source status.
type HealthReport struct {
	Status      HealthStatus   `json:"status"`
	Healthy     int            `json:"healthy"`
	Degraded    int            `json:"degraded"`
	Disabled    int            `json:"disabled"`
	GeneratedAt time.Time      `json:"generated_at"`
	Sources     []SourceStatus `json:"sources"`
}
