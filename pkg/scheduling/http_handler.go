package scheduling

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/gantry-ai/gantry/pkg/engines"
	"github.com/gantry-ai/gantry/pkg/logging"
	"github.com/gantry-ai/gantry/pkg/metrics"
	"github.com/gantry-ai/gantry/pkg/profiles"
)

// InternalPrefix is the mount point of the control-plane API.
const InternalPrefix = "/internal/vram"

// internalAPIKeyHeader authenticates control-plane callers.
const internalAPIKeyHeader = "X-Internal-API-Key"

// maximumControlRequestSize bounds control-plane request bodies.
const maximumControlRequestSize = 1 << 20

// HTTPHandler exposes the orchestrator's control plane over HTTP. It wraps
// the scheduler so the scheduling logic stays free of HTTP concerns.
type HTTPHandler struct {
	log       logging.Logger
	scheduler *Scheduler
	manager   *profiles.Manager
	series    *metrics.Store
	apiKey    string
	router    *http.ServeMux
}

// NewHTTPHandler creates the control-plane handler. All routes require the
// internal API key.
func NewHTTPHandler(log logging.Logger, s *Scheduler, manager *profiles.Manager, series *metrics.Store, apiKey string) *HTTPHandler {
	h := &HTTPHandler{
		log:       log,
		scheduler: s,
		manager:   manager,
		series:    series,
		apiKey:    apiKey,
		router:    http.NewServeMux(),
	}

	h.router.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	for route, handler := range h.routeHandlers() {
		h.router.HandleFunc(route, handler)
	}

	return h
}

// routeHandlers returns a map of HTTP routes to their handler functions.
func (h *HTTPHandler) routeHandlers() map[string]http.HandlerFunc {
	return map[string]http.HandlerFunc{
		"GET " + InternalPrefix + "/status":           h.GetStatus,
		"GET " + InternalPrefix + "/models":           h.GetModels,
		"POST " + InternalPrefix + "/load":            h.Load,
		"POST " + InternalPrefix + "/unload":          h.Unload,
		"POST " + InternalPrefix + "/evict":           h.Evict,
		"GET " + InternalPrefix + "/available-models": h.GetAvailableModels,
		"GET " + InternalPrefix + "/metrics":          h.GetMetrics,
	}
}

// ServeHTTP implements net/http.Handler.ServeHTTP.
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	h.router.ServeHTTP(w, r)
}

func (h *HTTPHandler) authorized(r *http.Request) bool {
	if h.apiKey == "" {
		return false
	}
	provided := r.Header.Get(internalAPIKeyHeader)
	return subtle.ConstantTimeCompare([]byte(provided), []byte(h.apiKey)) == 1
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.WithError(err).Warn("failed to encode response")
	}
}

func (h *HTTPHandler) readBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maximumControlRequestSize))
	if err != nil {
		var maxBytesError *http.MaxBytesError
		if errors.As(err, &maxBytesError) {
			http.Error(w, "request too large", http.StatusBadRequest)
		} else {
			http.Error(w, "failed to read request body", http.StatusInternalServerError)
		}
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return false
	}
	return true
}

// GetStatus returns the orchestrator's memory, residency, and crash
// snapshot.
func (h *HTTPHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.scheduler.Orchestrator().GetStatus(r.Context()))
}

// ModelsResponse lists the registry's resident models.
type ModelsResponse struct {
	Models []RegistryEntry `json:"models"`
}

// GetModels returns the resident models in LRU order.
func (h *HTTPHandler) GetModels(w http.ResponseWriter, _ *http.Request) {
	entries := h.scheduler.Orchestrator().registry.Snapshot()
	if entries == nil {
		entries = []RegistryEntry{}
	}
	h.writeJSON(w, http.StatusOK, ModelsResponse{Models: entries})
}

// LoadRequest asks the orchestrator to make a model resident.
type LoadRequest struct {
	ModelID     string   `json:"model_id"`
	Temperature *float64 `json:"temperature,omitempty"`
	// AdditionalArgs are engine load flags in shell-quoted form.
	AdditionalArgs string `json:"additional_args,omitempty"`
}

// LoadResponse reports the outcome of a load request.
type LoadResponse struct {
	Status  string `json:"status"`
	ModelID string `json:"model_id"`
	Message string `json:"message,omitempty"`
}

// Load handles POST /internal/vram/load. VRAM exhaustion maps to 409 and
// an open circuit to 423, so operators can tell "retry later" from "the
// model is crash-looping".
func (h *HTTPHandler) Load(w http.ResponseWriter, r *http.Request) {
	var req LoadRequest
	if !h.readBody(w, r, &req) {
		return
	}
	if req.ModelID == "" {
		http.Error(w, "model_id is required", http.StatusBadRequest)
		return
	}

	params := engines.GenerateParams{Temperature: req.Temperature}
	if req.AdditionalArgs != "" {
		args, err := shellwords.Parse(req.AdditionalArgs)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid additional_args: %v", err), http.StatusBadRequest)
			return
		}
		params.ExtraArgs = args
	}

	loaded, err := h.scheduler.Orchestrator().RequestLoad(r.Context(), req.ModelID, params)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownModel):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, ErrInsufficientVRAM):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, ErrCircuitOpen):
			http.Error(w, err.Error(), http.StatusLocked)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	resp := LoadResponse{Status: "loaded", ModelID: loaded}
	if loaded != req.ModelID {
		resp.Message = fmt.Sprintf("substituted %s for degraded %s", loaded, req.ModelID)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// UnloadRequest asks the orchestrator to release a model.
type UnloadRequest struct {
	ModelID string `json:"model_id"`
	// Crashed records the unload as a crash for circuit-breaker accounting.
	Crashed bool `json:"crashed,omitempty"`
}

// UnloadResponse reports the outcome of an unload request.
type UnloadResponse struct {
	Status string `json:"status"`
}

// Unload handles POST /internal/vram/unload.
func (h *HTTPHandler) Unload(w http.ResponseWriter, r *http.Request) {
	var req UnloadRequest
	if !h.readBody(w, r, &req) {
		return
	}
	if req.ModelID == "" {
		http.Error(w, "model_id is required", http.StatusBadRequest)
		return
	}

	if err := h.scheduler.Orchestrator().Unload(r.Context(), req.ModelID, req.Crashed); err != nil {
		if errors.Is(err, ErrModelAbsent) {
			http.Error(w, err.Error(), http.StatusNotFound)
		} else {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	h.writeJSON(w, http.StatusOK, UnloadResponse{Status: "unloaded"})
}

// EvictRequest asks for one LRU eviction strictly below the given priority.
type EvictRequest struct {
	Priority string `json:"priority"`
}

// EvictResponse reports whether anything was evicted.
type EvictResponse struct {
	Evicted bool   `json:"evicted"`
	ModelID string `json:"model_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Evict handles POST /internal/vram/evict.
func (h *HTTPHandler) Evict(w http.ResponseWriter, r *http.Request) {
	var req EvictRequest
	if !h.readBody(w, r, &req) {
		return
	}
	priority, ok := profiles.ParsePriority(req.Priority)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown priority %q", req.Priority), http.StatusBadRequest)
		return
	}

	model, evicted, err := h.scheduler.Orchestrator().EvictBelow(r.Context(), priority)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := EvictResponse{Evicted: evicted, ModelID: model}
	if !evicted {
		resp.Reason = fmt.Sprintf("no resident model below priority %s", priority)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// AvailableModel is one catalogue entry with its runtime state.
type AvailableModel struct {
	ModelID      string                `json:"model_id"`
	Engine       string                `json:"engine"`
	Priority     string                `json:"priority"`
	VRAMGB       float64               `json:"vram_size_gb"`
	Capabilities profiles.Capabilities `json:"capabilities"`
	Loaded       bool                  `json:"loaded"`
	Degraded     bool                  `json:"degraded"`
}

// AvailableModelsResponse lists the full catalogue.
type AvailableModelsResponse struct {
	Models []AvailableModel `json:"models"`
}

// GetAvailableModels returns the merged catalogue with capability flags
// and runtime state.
func (h *HTTPHandler) GetAvailableModels(w http.ResponseWriter, _ *http.Request) {
	orch := h.scheduler.Orchestrator()
	profile := h.manager.Profile()
	models := make([]AvailableModel, 0, len(profile.Models))
	for _, m := range profile.Models {
		models = append(models, AvailableModel{
			ModelID:      m.Name,
			Engine:       string(m.Engine),
			Priority:     m.Priority.String(),
			VRAMGB:       m.VRAMGB,
			Capabilities: m.Capabilities,
			Loaded:       orch.registry.Contains(m.Name),
			Degraded:     h.manager.IsDegraded(m.Name),
		})
	}
	h.writeJSON(w, http.StatusOK, AvailableModelsResponse{Models: models})
}

// MetricsResponse carries aggregated series buckets.
type MetricsResponse struct {
	Name    string           `json:"name"`
	Window  string           `json:"window"`
	Bucket  string           `json:"bucket"`
	Buckets []metrics.Bucket `json:"buckets"`
}

// GetMetrics handles GET /internal/vram/metrics?name=&window=&bucket=.
// Window defaults to one hour, bucket to one minute.
func (h *HTTPHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	window := time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid window", http.StatusBadRequest)
			return
		}
		window = parsed
	}
	bucket := time.Minute
	if raw := r.URL.Query().Get("bucket"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid bucket", http.StatusBadRequest)
			return
		}
		bucket = parsed
	}

	now := time.Now()
	buckets := h.series.Aggregate(name, now.Add(-window), now, bucket)
	if buckets == nil {
		buckets = []metrics.Bucket{}
	}
	h.writeJSON(w, http.StatusOK, MetricsResponse{
		Name:    name,
		Window:  window.String(),
		Bucket:  bucket.String(),
		Buckets: buckets,
	})
}
