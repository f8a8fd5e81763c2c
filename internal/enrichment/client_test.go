package enrichment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/newsdesk/internal/ingest"
)

func chatReply(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": content}}},
	})
	return string(b)
}

func newGateway(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL + "/v1/", Model: "chat-model", EmbedModel: "embed-model", APIKey: "k"})
}

func TestEnrichMergesFencedReply(t *testing.T) {
	t.Parallel()

	var got chatRequest
	client := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(chatReply("```json\n" +
			`{"summary":"The EU passed the act.","tags":["AI","regulation"],"category":"Policy","severity":"high"}` +
			"\n```")))
	})

	in := ingest.Record{ID: "r1", Title: "EU AI Act Passed", Body: "Long body", Tags: []string{"ai", "eu"}}
	out := client.Enrich(context.Background(), in)

	require.Equal(t, "The EU passed the act.", out.Summary)
	require.Equal(t, []string{"ai", "eu", "regulation"}, out.Tags)
	require.Equal(t, "policy", out.CategoryID)
	require.Equal(t, ingest.SeverityHigh, out.Severity)
	require.Equal(t, "chat-model", got.Model)
	require.Len(t, got.Messages, 2)
	require.Contains(t, got.Messages[1].Content, "EU AI Act Passed")
}

func TestEnrichKeepsHigherExistingSeverity(t *testing.T) {
	t.Parallel()

	client := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(chatReply(`{"severity":"low"}`)))
	})
	out := client.Enrich(context.Background(), ingest.Record{Title: "CVE", Severity: ingest.SeverityCritical})
	require.Equal(t, ingest.SeverityCritical, out.Severity)
}

func TestFailuresAreAbsorbed(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		handler http.HandlerFunc
		// chatFails is false when the reply arrives but is not the expected json.
		chatFails bool
	}{
		"server error": {chatFails: true, handler: func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		}},
		"malformed json": {handler: func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(chatReply("sure! here you go")))
		}},
		"no choices": {chatFails: true, handler: func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"choices":[],"data":[]}`))
		}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			client := newGateway(t, tc.handler)
			in := ingest.Record{ID: "r", Title: "T", Summary: "S", Tags: []string{"x"}}
			require.Equal(t, in, client.Enrich(context.Background(), in))
			require.Nil(t, client.Embed(context.Background(), "text"))
			if tc.chatFails {
				require.Equal(t, "raw text", client.CleanText(context.Background(), "raw text"))
				require.Empty(t, client.Synthesize(context.Background(), []ingest.Record{in}))
			}
		})
	}
}

func TestUnconfiguredClientIsInert(t *testing.T) {
	t.Parallel()

	client := NewClient(Config{})
	in := ingest.Record{Title: "T"}
	require.Equal(t, in, client.Enrich(context.Background(), in))
	require.Nil(t, client.Embed(context.Background(), "x"))
	require.Empty(t, client.Summarize(context.Background(), "x"))
}

func TestEmbed(t *testing.T) {
	t.Parallel()

	client := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/embeddings", r.URL.Path)
		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "embed-model", req.Model)
		require.Equal(t, "hello", req.Input)
		_, _ = w.Write([]byte(`{"data":[{"embedding":[0.5,0.25]}]}`))
	})
	require.Equal(t, []float64{0.5, 0.25}, client.Embed(context.Background(), "hello"))
	require.Nil(t, client.Embed(context.Background(), "   "))
}

func TestTextHelpers(t *testing.T) {
	t.Parallel()

	client := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(chatReply("```\nclean words\n```")))
	})
	require.Equal(t, "clean words", client.CleanText(context.Background(), "dirty words"))
	require.Equal(t, "clean words", client.Summarize(context.Background(), "long text"))
	require.Equal(t, "clean words", client.Synthesize(context.Background(), []ingest.Record{{Title: "a"}, {Title: "b"}}))
	require.Empty(t, client.Synthesize(context.Background(), nil))
}

func TestStripFences(t *testing.T) {
	t.Parallel()

	require.Equal(t, `{"a":1}`, StripFences("```json\n{\"a\":1}\n```"))
	require.Equal(t, `{"a":1}`, StripFences("  ```\n{\"a\":1}```  "))
	require.Equal(t, "plain", StripFences(" plain "))
	require.Empty(t, StripFences("```"))
}

func TestGatewayCallsNeverOverlap(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32
	c := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		_, _ = w.Write([]byte(chatReply("cleaned")))
	})

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, "cleaned", c.CleanText(context.Background(), "raw article"))
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), peak.Load())
}

func TestGatewayWaitHonoursContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	c := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		<-release
		_, _ = w.Write([]byte(chatReply("late")))
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.CleanText(context.Background(), "first")
	}()
	require.Eventually(t, func() bool { return len(c.slot) == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Equal(t, "second", c.CleanText(ctx, "second"))

	close(release)
	<-done
}
