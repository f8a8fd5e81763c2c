// Package enrichment talks to the external enrichment gateway (an
// OpenAI-compatible chat and embeddings backend) and serializes enrichment
// work through a single worker.
package enrichment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/newsdesk/internal/ingest"
	"github.com/JakeFAU/newsdesk/internal/metrics"
)

// ErrNotConfigured is returned internally when no gateway endpoint is set.
var ErrNotConfigured = errors.New("enrichment gateway not configured")

const (
	defaultTimeout  = 60 * time.Second
	maxPromptChars  = 12000
	maxErrorBodyLen = 1024

	resultOK    = "ok"
	resultError = "error"
)

const (
	enrichPrompt = `You classify news items. Reply with a single JSON object:
{"summary": "<two sentences>", "tags": ["<lowercase topic>", ...], "category": "<one word>", "severity": "info|low|medium|high|critical"}`
	cleanPrompt      = "Remove navigation, advertising and boilerplate from the following article text. Return only the cleaned article text."
	summarizePrompt  = "Summarize the following text in at most three sentences."
	synthesizePrompt = "Several outlets reported the same event. Write one neutral paragraph that synthesizes their coverage."
)

// Config points the client at a gateway.
type Config struct {
	// BaseURL is the API root, e.g. http://localhost:11434/v1.
	BaseURL    string
	Model      string
	EmbedModel string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client implements ingest.Enricher. Every backend failure is absorbed and
// logged; callers always get a usable value back. At most one gateway call
// is in flight per Client, whichever goroutine issues it.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
	slot   chan struct{}
}

var _ ingest.Enricher = (*Client)(nil)

// NewClient constructs a Client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.EmbedModel == "" {
		cfg.EmbedModel = cfg.Model
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, http: client, logger: logger.Named("enrichment"), slot: make(chan struct{}, 1)}
}

type enrichment struct {
	Summary  string   `json:"summary"`
	Tags     []string `json:"tags"`
	Category string   `json:"category"`
	Severity string   `json:"severity"`
}

// Enrich asks the gateway for a summary, tags, category and severity. The
// input record is returned unchanged when the call or its decoding fails.
func (c *Client) Enrich(ctx context.Context, record ingest.Record) ingest.Record {
	input := strings.TrimSpace(record.Title + "\n\n" + firstNonEmpty(record.Body, record.Summary))
	reply, err := c.chat(ctx, "enrich", enrichPrompt, input)
	if err != nil {
		return record
	}
	var out enrichment
	if err := json.Unmarshal([]byte(StripFences(reply)), &out); err != nil {
		c.logger.Warn("enrichment reply is not valid json", zap.String("record_id", record.ID), zap.Error(err))
		return record
	}
	if s := strings.TrimSpace(out.Summary); s != "" {
		record.Summary = s
	}
	record.Tags = mergeTags(record.Tags, out.Tags)
	if cat := strings.ToLower(strings.TrimSpace(out.Category)); cat != "" {
		record.CategoryID = cat
	}
	if out.Severity != "" {
		if sev := ingest.ParseSeverity(out.Severity); sev > record.Severity {
			record.Severity = sev
		}
	}
	return record
}

// CleanText strips boilerplate from raw article text, returning raw on failure.
func (c *Client) CleanText(ctx context.Context, raw string) string {
	if strings.TrimSpace(raw) == "" {
		return raw
	}
	reply, err := c.chat(ctx, "clean", cleanPrompt, raw)
	if err != nil || strings.TrimSpace(reply) == "" {
		return raw
	}
	return strings.TrimSpace(StripFences(reply))
}

// Summarize returns a short summary of text, or "" on failure.
func (c *Client) Summarize(ctx context.Context, text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	reply, err := c.chat(ctx, "summarize", summarizePrompt, text)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(StripFences(reply))
}

// Synthesize writes one paragraph covering all records, or "" on failure.
func (c *Client) Synthesize(ctx context.Context, records []ingest.Record) string {
	if len(records) == 0 {
		return ""
	}
	var b strings.Builder
	for i, r := range records {
		fmt.Fprintf(&b, "[%d] %s\n%s\n\n", i+1, r.Title, firstNonEmpty(r.Summary, r.Body))
	}
	reply, err := c.chat(ctx, "synthesize", synthesizePrompt, b.String())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(StripFences(reply))
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed returns the embedding for text, or nil on failure.
func (c *Client) Embed(ctx context.Context, text string) []float64 {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	start := time.Now()
	ctx, span := otel.Tracer("newsdesk/enrichment").Start(ctx, "enrichment.embed")
	defer span.End()

	var out embeddingResponse
	err := c.post(ctx, "/embeddings", embeddingRequest{Model: c.cfg.EmbedModel, Input: truncate(text)}, &out)
	if err == nil && (len(out.Data) == 0 || len(out.Data[0].Embedding) == 0) {
		err = errors.New("empty embedding")
	}
	if err != nil {
		c.fail(span, "embed", start, err)
		return nil
	}
	metrics.ObserveEnrichment("embed", resultOK, time.Since(start))
	return out.Data[0].Embedding
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *Client) chat(ctx context.Context, op, system, user string) (string, error) {
	start := time.Now()
	ctx, span := otel.Tracer("newsdesk/enrichment").Start(ctx, "enrichment."+op)
	defer span.End()
	span.SetAttributes(attribute.String("enrichment.model", c.cfg.Model))

	req := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: truncate(user)},
		},
	}
	var out chatResponse
	err := c.post(ctx, "/chat/completions", req, &out)
	if err == nil && len(out.Choices) == 0 {
		err = errors.New("no choices in reply")
	}
	if err != nil {
		c.fail(span, op, start, err)
		return "", err
	}
	metrics.ObserveEnrichment(op, resultOK, time.Since(start))
	return out.Choices[0].Message.Content, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	if c.cfg.BaseURL == "" {
		return ErrNotConfigured
	}
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	select {
	case c.slot <- struct{}{}:
		defer func() { <-c.slot }()
	case <-ctx.Done():
		return fmt.Errorf("wait for gateway: %w", ctx.Err())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
		return fmt.Errorf("gateway %s: %s", resp.Status, strings.TrimSpace(string(payload)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) fail(span trace.Span, op string, start time.Time, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	metrics.ObserveEnrichment(op, resultError, time.Since(start))
	if errors.Is(err, ErrNotConfigured) {
		return
	}
	c.logger.Warn("enrichment call failed", zap.String("operation", op), zap.Error(err))
}

// StripFences removes a surrounding Markdown code fence (``` or ```json)
// from a model reply.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = ""
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func mergeTags(existing, extra []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(extra))
	out := make([]string, 0, len(existing)+len(extra))
	for _, t := range append(append([]string(nil), existing...), extra...) {
		key := strings.ToLower(strings.TrimSpace(t))
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, strings.TrimSpace(t))
	}
	return out
}

func truncate(s string) string {
	if len(s) <= maxPromptChars {
		return s
	}
	return strings.ToValidUTF8(s[:maxPromptChars], "")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
