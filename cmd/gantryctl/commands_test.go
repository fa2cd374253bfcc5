package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gotest.tools/v3/golden"

	"github.com/gantry-ai/gantry/pkg/metrics"
	"github.com/gantry-ai/gantry/pkg/scheduling"
	"github.com/gantry-ai/gantry/pkg/vram"
)

// fakeGateway records the single control-plane request a command makes and
// serves a canned response.
type fakeGateway struct {
	srv    *httptest.Server
	method string
	path   string
	query  url.Values
	apiKey string
	body   []byte
}

func startFakeGateway(t *testing.T, status int, respond any) *fakeGateway {
	t.Helper()
	f := &fakeGateway{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.method = r.Method
		f.path = r.URL.Path
		f.query = r.URL.Query()
		f.apiKey = r.Header.Get("X-Internal-API-Key")
		f.body, _ = io.ReadAll(r.Body)
		switch payload := respond.(type) {
		case nil:
			w.WriteHeader(status)
		case string:
			w.WriteHeader(status)
			fmt.Fprintln(w, payload)
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(payload)
		}
	}))
	t.Cleanup(f.srv.Close)

	prevAddr, prevKey := flagAddr, flagAPIKey
	flagAddr, flagAPIKey = f.srv.URL, "test-key"
	t.Cleanup(func() { flagAddr, flagAPIKey = prevAddr, prevKey })
	return f
}

func runCommand(t *testing.T, c *cobra.Command, args ...string) string {
	t.Helper()
	var buf bytes.Buffer
	c.SetOut(&buf)
	c.SetErr(&buf)
	c.SetArgs(args)
	require.NoError(t, c.Execute())
	return buf.String()
}

func at(hour, minute int) time.Time {
	return time.Date(2026, 8, 26, hour, minute, 0, 0, time.UTC)
}

func TestStatusCommand(t *testing.T) {
	f := startFakeGateway(t, http.StatusOK, scheduling.Status{
		Memory:  vram.Snapshot{TotalGB: 48, UsedGB: 24.5, AvailableGB: 23.5, UsagePct: 51},
		Healthy: true,
		LoadedModels: []scheduling.RegistryEntry{
			{ModelID: "coder", Backend: "openai", VRAMGB: 20, PriorityName: "HIGH"},
			{ModelID: "scout", Backend: "ollama", VRAMGB: 8, PriorityName: "NORMAL"},
		},
		Crashes: map[string]scheduling.CrashHistory{
			"scout": {Count: 3, LastSecondsAgo: 12},
		},
	})

	out := runCommand(t, newStatusCmd())
	golden.Assert(t, out, "status.golden")
	assert.Equal(t, http.MethodGet, f.method)
	assert.Equal(t, "/internal/vram/status", f.path)
	assert.Equal(t, "test-key", f.apiKey)
}

func TestStatusCommandJSON(t *testing.T) {
	startFakeGateway(t, http.StatusOK, scheduling.Status{
		Memory:  vram.Snapshot{TotalGB: 48, UsedGB: 2, UsagePct: 4},
		Healthy: true,
	})

	out := runCommand(t, newStatusCmd(), "--json")

	var status scheduling.Status
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.True(t, status.Healthy)
	assert.InDelta(t, 48, status.Memory.TotalGB, 1e-9)
}

func TestModelsCommand(t *testing.T) {
	startFakeGateway(t, http.StatusOK, scheduling.ModelsResponse{
		Models: []scheduling.RegistryEntry{
			{ModelID: "coder", Backend: "openai", VRAMGB: 20, PriorityName: "HIGH", LastAccessed: at(10, 30)},
			{ModelID: "scout", Backend: "ollama", VRAMGB: 8, PriorityName: "NORMAL", LastAccessed: at(10, 45)},
		},
	})

	out := runCommand(t, newModelsCmd())
	golden.Assert(t, out, "models.golden")
}

func TestAvailableModelsCommand(t *testing.T) {
	startFakeGateway(t, http.StatusOK, scheduling.AvailableModelsResponse{
		Models: []scheduling.AvailableModel{
			{ModelID: "coder", Engine: "openai", VRAMGB: 20, Priority: "HIGH", Loaded: true, Degraded: true},
			{ModelID: "scout", Engine: "ollama", VRAMGB: 8, Priority: "NORMAL", Loaded: true},
			{ModelID: "background", Engine: "ollama", VRAMGB: 16, Priority: "LOW"},
		},
	})

	out := runCommand(t, newAvailableModelsCmd())
	golden.Assert(t, out, "available-models.golden")
}

func TestLoadCommand(t *testing.T) {
	f := startFakeGateway(t, http.StatusOK, scheduling.LoadResponse{
		Status:  "loaded",
		ModelID: "scout",
		Message: "substituted scout for degraded coder",
	})

	out := runCommand(t, newLoadCmd(), "coder", "--temperature", "0.4", "--args=--ctx-size 4096")
	assert.Equal(t, "scout: loaded\nsubstituted scout for degraded coder\n", out)

	assert.Equal(t, http.MethodPost, f.method)
	assert.Equal(t, "/internal/vram/load", f.path)
	var req scheduling.LoadRequest
	require.NoError(t, json.Unmarshal(f.body, &req))
	assert.Equal(t, "coder", req.ModelID)
	require.NotNil(t, req.Temperature)
	assert.InDelta(t, 0.4, *req.Temperature, 1e-9)
	assert.Equal(t, "--ctx-size 4096", req.AdditionalArgs)
}

func TestLoadCommandOmitsUnsetTemperature(t *testing.T) {
	f := startFakeGateway(t, http.StatusOK, scheduling.LoadResponse{Status: "loaded", ModelID: "coder"})

	runCommand(t, newLoadCmd(), "coder")

	var req scheduling.LoadRequest
	require.NoError(t, json.Unmarshal(f.body, &req))
	assert.Nil(t, req.Temperature)
}

func TestUnloadCommand(t *testing.T) {
	f := startFakeGateway(t, http.StatusOK, scheduling.UnloadResponse{Status: "unloaded"})

	out := runCommand(t, newUnloadCmd(), "coder", "--crashed")
	assert.Equal(t, "coder: unloaded\n", out)

	assert.Equal(t, "/internal/vram/unload", f.path)
	var req scheduling.UnloadRequest
	require.NoError(t, json.Unmarshal(f.body, &req))
	assert.Equal(t, "coder", req.ModelID)
	assert.True(t, req.Crashed)
}

func TestEvictCommand(t *testing.T) {
	f := startFakeGateway(t, http.StatusOK, scheduling.EvictResponse{Evicted: true, ModelID: "background"})

	out := runCommand(t, newEvictCmd(), "NORMAL")
	assert.Equal(t, "evicted background\n", out)

	var req scheduling.EvictRequest
	require.NoError(t, json.Unmarshal(f.body, &req))
	assert.Equal(t, "NORMAL", req.Priority)
}

func TestEvictCommandNothingToEvict(t *testing.T) {
	startFakeGateway(t, http.StatusOK, scheduling.EvictResponse{Evicted: false, Reason: "no candidate"})

	out := runCommand(t, newEvictCmd(), "NORMAL")
	assert.Equal(t, "nothing evicted: no candidate\n", out)
}

func TestMetricsCommand(t *testing.T) {
	f := startFakeGateway(t, http.StatusOK, scheduling.MetricsResponse{
		Name:   "queue.depth",
		Window: "10m0s",
		Bucket: "1m0s",
		Buckets: []metrics.Bucket{
			{Start: at(10, 0), Count: 4, Min: 1, Max: 9, Avg: 4.25, P95: 8.6, P99: 8.92},
			{Start: at(10, 1), Count: 2, Min: 2.5, Max: 3.5, Avg: 3, P95: 3.5, P99: 3.5},
		},
	})

	out := runCommand(t, newMetricsCmd(), "queue.depth", "--window", "10m", "--bucket", "1m")
	golden.Assert(t, out, "metrics.golden")

	assert.Equal(t, "queue.depth", f.query.Get("name"))
	assert.Equal(t, "10m", f.query.Get("window"))
	assert.Equal(t, "1m", f.query.Get("bucket"))
}

func TestCommandReportsServerError(t *testing.T) {
	startFakeGateway(t, http.StatusLocked, "circuit open for coder")

	c := newLoadCmd()
	c.SetOut(io.Discard)
	c.SetErr(io.Discard)
	c.SetArgs([]string{"coder"})
	err := c.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "423")
	assert.Contains(t, err.Error(), "circuit open for coder")
}
