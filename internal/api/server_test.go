package api

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/newsdesk/internal/health"
	"github.com/JakeFAU/newsdesk/internal/ingest"
	"github.com/JakeFAU/newsdesk/internal/story"
)

func TestServer_RunAll_ReturnsCount(t *testing.T) {
	t.Parallel()

	runner := &mockRunner{}
	runner.On("RunAll", mock.Anything).Return(4, nil)
	svr := newTestServer(runner, &mockHealth{}, &mockStories{}, Config{})

	rec := serve(svr, http.MethodPost, "/v1/runs", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"new_records":4}`, rec.Body.String())
	runner.AssertExpectations(t)
}

func TestServer_RunOne_MapsErrors(t *testing.T) {
	t.Parallel()

	runner := &mockRunner{}
	runner.On("RunOne", mock.Anything, "wire").Return([]ingest.Record{{ID: "r1", URL: "https://wire.example.com/a"}}, nil)
	runner.On("RunOne", mock.Anything, "ghost").Return(nil, fmt.Errorf("get source: %w", ingest.ErrNotFound))
	runner.On("RunOne", mock.Anything, "broken").Return(nil, errors.New("feed returned 500"))
	svr := newTestServer(runner, &mockHealth{}, &mockStories{}, Config{})

	rec := serve(svr, http.MethodPost, "/v1/sources/wire/run", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "wire.example.com/a")

	rec = serve(svr, http.MethodPost, "/v1/sources/ghost/run", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(svr, http.MethodPost, "/v1/sources/broken/run", nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Contains(t, rec.Body.String(), "feed returned 500")
}

func TestServer_Reactivate(t *testing.T) {
	t.Parallel()

	hs := &mockHealth{}
	hs.On("Reactivate", mock.Anything, "nvd").Return(ingest.Source{ID: "nvd", SourceHealth: ingest.SourceHealth{Active: true}}, nil)
	hs.On("Reactivate", mock.Anything, "hn").Return(ingest.Source{}, health.ErrSourceActive)
	svr := newTestServer(&mockRunner{}, hs, &mockStories{}, Config{})

	rec := serve(svr, http.MethodPost, "/v1/sources/nvd/reactivate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"nvd"`)

	rec = serve(svr, http.MethodPost, "/v1/sources/hn/reactivate", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_HealthReport(t *testing.T) {
	t.Parallel()

	hs := &mockHealth{}
	hs.On("Report", mock.Anything).Return(ingest.HealthReport{
		Status:  ingest.HealthDegraded,
		Healthy: 1,
		Sources: []ingest.SourceStatus{{SourceID: "wire", Status: ingest.HealthOK}},
	}, nil)
	svr := newTestServer(&mockRunner{}, hs, &mockStories{}, Config{})

	rec := serve(svr, http.MethodGet, "/v1/health", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), string(ingest.HealthDegraded))
	require.Contains(t, rec.Body.String(), "wire")
}

func TestServer_GetStory(t *testing.T) {
	t.Parallel()

	stories := &mockStories{}
	stories.On("Get", mock.Anything, "s1").Return(
		ingest.Story{ID: "s1", Title: "EU AI Act", State: ingest.StoryDraft, RecordIDs: []string{"r1"}},
		[]ingest.Record{{ID: "r1", Title: "EU AI Act passed"}},
		nil,
	)
	stories.On("Get", mock.Anything, "nope").Return(ingest.Story{}, nil, ingest.ErrNotFound)
	svr := newTestServer(&mockRunner{}, &mockHealth{}, stories, Config{})

	rec := serve(svr, http.MethodGet, "/v1/stories/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "EU AI Act passed")

	rec = serve(svr, http.MethodGet, "/v1/stories/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_TransitionStory(t *testing.T) {
	t.Parallel()

	stories := &mockStories{}
	stories.On("Transition", mock.Anything, "s1", ingest.StoryPublished).
		Return(ingest.Story{ID: "s1", State: ingest.StoryPublished}, nil)
	stories.On("Transition", mock.Anything, "s2", ingest.StoryDraft).
		Return(ingest.Story{}, fmt.Errorf("%w: archived -> draft", story.ErrInvalidTransition))
	svr := newTestServer(&mockRunner{}, &mockHealth{}, stories, Config{})

	rec := serve(svr, http.MethodPost, "/v1/stories/s1/state", bytes.NewBufferString(`{"state":"published"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "published")

	rec = serve(svr, http.MethodPost, "/v1/stories/s2/state", bytes.NewBufferString(`{"state":"draft"}`))
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = serve(svr, http.MethodPost, "/v1/stories/s1/state", bytes.NewBufferString(`{`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	stories.AssertExpectations(t)
}

func TestServer_SynthesizeFailureIsBadGateway(t *testing.T) {
	t.Parallel()

	stories := &mockStories{}
	stories.On("Synthesize", mock.Anything, "s1").Return(ingest.Story{}, errors.New("llm unavailable"))
	svr := newTestServer(&mockRunner{}, &mockHealth{}, stories, Config{})

	rec := serve(svr, http.MethodPost, "/v1/stories/s1/synthesize", nil)

	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestServer_ReadyzReportsFailingChecks(t *testing.T) {
	t.Parallel()

	checks := map[string]ReadyCheck{
		"postgres": func(context.Context) error { return errors.New("connection refused") },
	}
	svr := NewServer(&mockRunner{}, &mockHealth{}, &mockStories{}, checks, Config{})

	rec := serve(svr, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "connection refused")

	rec = serve(newTestServer(&mockRunner{}, &mockHealth{}, &mockStories{}, Config{}), http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	rec := serve(newTestServer(&mockRunner{}, &mockHealth{}, &mockStories{}, Config{}), http.MethodGet, "/metrics", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	runner := &mockRunner{}
	runner.On("RunAll", mock.Anything).Return(0, nil)
	svr := newTestServer(runner, &mockHealth{}, &mockStories{}, Config{AuthEnabled: true, APIKey: "secret"})

	rec := serve(svr, http.MethodPost, "/v1/runs", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/runs", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	svr.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(svr, http.MethodPost, "/v1/runs?api_key=secret", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(svr, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_TimeoutMiddleware(t *testing.T) {
	t.Parallel()

	runner := &mockRunner{}
	runner.On("RunAll", mock.Anything).Return(0, nil).WaitUntil(time.After(200 * time.Millisecond))
	svr := newTestServer(runner, &mockHealth{}, &mockStories{}, Config{RequestTimeout: 20 * time.Millisecond})

	rec := serve(svr, http.MethodPost, "/v1/runs", nil)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "request timed out")
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	svr := newTestServer(&mockRunner{}, &mockHealth{}, &mockStories{}, Config{})
	rec := serve(svr, http.MethodGet, "/healthz", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "upstream-id")
	rec = httptest.NewRecorder()
	svr.Handler().ServeHTTP(rec, req)
	require.Equal(t, "upstream-id", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddlewareReturns500(t *testing.T) {
	t.Parallel()

	runner := &mockRunner{}
	runner.On("RunAll", mock.Anything).Panic("boom")
	svr := newTestServer(runner, &mockHealth{}, &mockStories{}, Config{})

	rec := serve(svr, http.MethodPost, "/v1/runs", nil)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

type mockRunner struct{ mock.Mock }

func (m *mockRunner) RunAll(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *mockRunner) RunOne(ctx context.Context, sourceID string) ([]ingest.Record, error) {
	args := m.Called(ctx, sourceID)
	records, _ := args.Get(0).([]ingest.Record)
	return records, args.Error(1)
}

type mockHealth struct{ mock.Mock }

func (m *mockHealth) Report(ctx context.Context) (ingest.HealthReport, error) {
	args := m.Called(ctx)
	return args.Get(0).(ingest.HealthReport), args.Error(1)
}

func (m *mockHealth) Reactivate(ctx context.Context, sourceID string) (ingest.Source, error) {
	args := m.Called(ctx, sourceID)
	return args.Get(0).(ingest.Source), args.Error(1)
}

type mockStories struct{ mock.Mock }

func (m *mockStories) Get(ctx context.Context, id string) (ingest.Story, []ingest.Record, error) {
	args := m.Called(ctx, id)
	records, _ := args.Get(1).([]ingest.Record)
	return args.Get(0).(ingest.Story), records, args.Error(2)
}

func (m *mockStories) Synthesize(ctx context.Context, id string) (ingest.Story, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(ingest.Story), args.Error(1)
}

func (m *mockStories) Transition(ctx context.Context, id string, next ingest.StoryState) (ingest.Story, error) {
	args := m.Called(ctx, id, next)
	return args.Get(0).(ingest.Story), args.Error(1)
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}

func newTestServer(runner Runner, hs HealthService, stories StoryService, cfg Config) *Server {
	return NewServer(runner, hs, stories, nil, cfg)
}

func serve(svr *Server, method, target string, body *bytes.Buffer) *httptest.ResponseRecorder {
	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, body)
	}
	rec := httptest.NewRecorder()
	svr.Handler().ServeHTTP(rec, req)
	return rec
}
