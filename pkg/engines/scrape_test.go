package engines

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exposition = `# HELP llamacpp_requests_processing Number of requests processing.
# TYPE llamacpp_requests_processing gauge
llamacpp_requests_processing 2
# HELP llamacpp_kv_cache_usage_ratio KV-cache usage.
# TYPE llamacpp_kv_cache_usage_ratio gauge
llamacpp_kv_cache_usage_ratio 0.25
# HELP llamacpp_prompt_tokens_total Total prompt tokens.
# TYPE llamacpp_prompt_tokens_total counter
llamacpp_prompt_tokens_total 1024
`

func TestScrapePrometheus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte(exposition))
	}))
	defer srv.Close()

	got, err := ScrapePrometheus(context.Background(), srv.Client(), srv.URL+"/metrics", nil)
	require.NoError(t, err)
	assert.Equal(t, 2.0, got["llamacpp_requests_processing"])
	assert.Equal(t, 0.25, got["llamacpp_kv_cache_usage_ratio"])
	assert.Equal(t, 1024.0, got["llamacpp_prompt_tokens_total"])
}

func TestScrapePrometheusFiltered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(exposition))
	}))
	defer srv.Close()

	got, err := ScrapePrometheus(context.Background(), srv.Client(), srv.URL, []string{"llamacpp_requests_processing"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, 2.0, got["llamacpp_requests_processing"])
}

func TestScrapePrometheusErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := ScrapePrometheus(context.Background(), srv.Client(), srv.URL, nil)
	require.Error(t, err)
	class, ok := ClassOf(err)
	assert.True(t, ok)
	assert.Equal(t, ClassEngine, class)
}

func TestScrapePrometheusUnreachable(t *testing.T) {
	_, err := ScrapePrometheus(context.Background(), http.DefaultClient, "http://127.0.0.1:1/metrics", nil)
	require.Error(t, err)
	class, ok := ClassOf(err)
	assert.True(t, ok)
	assert.Equal(t, ClassUnreachable, class)
}

func TestSetResolution(t *testing.T) {
	a := &fakeEngine{name: "a"}
	b := &fakeEngine{name: "b"}

	set := NewSet()
	set.Register("coder-14b", a)
	set.Register("chat-8b", a)
	set.Register("vision-11b", b)

	got, ok := set.ForModel("chat-8b")
	require.True(t, ok)
	assert.Same(t, a, got)

	_, ok = set.ForModel("unknown")
	assert.False(t, ok)

	assert.Len(t, set.Engines(), 2)
	assert.ElementsMatch(t, []string{"coder-14b", "chat-8b", "vision-11b"}, set.Models())
}

// fakeEngine is a minimal Engine for set tests.
type fakeEngine struct {
	name string
}

func (f *fakeEngine) Name() string { return f.name }

func (f *fakeEngine) Generate(context.Context, string, []Message, GenerateParams) (<-chan Delta, error) {
	ch := make(chan Delta)
	close(ch)
	return ch, nil
}

func (f *fakeEngine) Load(context.Context, string, GenerateParams) error { return nil }
func (f *fakeEngine) Unload(context.Context, string) error              { return nil }
func (f *fakeEngine) ListLoaded(context.Context) ([]string, error)      { return nil, nil }
func (f *fakeEngine) Cleanup(context.Context) error                     { return nil }
