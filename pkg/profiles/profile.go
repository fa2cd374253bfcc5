// Package profiles loads and serves the immutable runtime configuration
// bundle selected at start-up: the model catalogue, VRAM limits, router
// bindings, and scheduling knobs. Profiles are read-only once loaded;
// switching profiles is a restart of the inference control plane.
package profiles

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Priority orders models for eviction. Only strictly lower-priority models
// may be evicted to make room for a load.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String implements Stringer.String for Priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return "unknown"
	}
}

// ParsePriority converts a string priority to Priority. It returns the
// parsed priority and a boolean indicating whether the name was known. For
// unknown names, it returns PriorityNormal and false.
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "LOW":
		return PriorityLow, true
	case "NORMAL":
		return PriorityNormal, true
	case "HIGH":
		return PriorityHigh, true
	case "CRITICAL":
		return PriorityCritical, true
	default:
		return PriorityNormal, false
	}
}

// UnmarshalYAML implements yaml.Unmarshaler for Priority.
func (p *Priority) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, ok := ParsePriority(s)
	if !ok {
		return fmt.Errorf("unknown priority %q", s)
	}
	*p = parsed
	return nil
}

// EngineKind identifies the adapter protocol for a model's engine.
type EngineKind string

const (
	// KindOpenAI is an OpenAI-compatible server (vLLM, llama-server).
	KindOpenAI EngineKind = "openai"
	// KindOllama is an Ollama-native server with dynamic load/unload.
	KindOllama EngineKind = "ollama"
	// KindMonolith is a fixed-model server without dynamic load/unload.
	KindMonolith EngineKind = "monolith"
)

// IsValid reports whether the kind is one of the known engine kinds.
func (k EngineKind) IsValid() bool {
	switch k {
	case KindOpenAI, KindOllama, KindMonolith:
		return true
	default:
		return false
	}
}

// DynamicLoad reports whether the orchestrator should track residency for
// models on this engine kind. Monolithic servers start with their model
// fixed; load requests against them record intent only.
func (k EngineKind) DynamicLoad() bool {
	return k != KindMonolith
}

// UnmarshalYAML implements yaml.Unmarshaler for EngineKind.
func (k *EngineKind) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	kind := EngineKind(s)
	if !kind.IsValid() {
		return fmt.Errorf("unknown engine kind %q", s)
	}
	*k = kind
	return nil
}

// Duration wraps time.Duration so profiles can spell timeouts as "5m" or
// "300s". Bare numbers are read as seconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var seconds int64
	if err := value.Decode(&seconds); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Capabilities flags what a model can do. Routing and the gateway consult
// them; engines ignore them.
type Capabilities struct {
	Tools     bool `yaml:"tools" json:"tools"`
	Vision    bool `yaml:"vision" json:"vision"`
	Thinking  bool `yaml:"thinking" json:"thinking"`
	Streaming bool `yaml:"streaming" json:"streaming"`
}

// ThinkingFormat distinguishes models whose extended reasoning is toggled by
// a boolean from those expecting a level string.
type ThinkingFormat string

const (
	ThinkingBoolean ThinkingFormat = "boolean"
	ThinkingLevel   ThinkingFormat = "level"
)

// ModelConfig describes one model in the catalogue. Read-only at runtime.
type ModelConfig struct {
	// Name is the model identifier passed to the engine.
	Name string `yaml:"name"`
	// Engine selects the adapter protocol.
	Engine EngineKind `yaml:"engine"`
	// Endpoint is the engine's base URL.
	Endpoint string `yaml:"endpoint"`
	// APIKey is sent to engines that require one. Usually empty for local
	// engines.
	APIKey string `yaml:"api_key,omitempty"`
	// VRAMSize is the declared footprint as a human size ("30GiB"). When
	// empty and GGUFPath is set, the footprint is estimated from the file.
	VRAMSize string `yaml:"vram_size,omitempty"`
	// GGUFPath points at a local GGUF file used for footprint estimation.
	GGUFPath string `yaml:"gguf_path,omitempty"`
	// Priority orders the model for eviction decisions.
	Priority Priority `yaml:"priority"`
	// Capabilities flags what the model can do.
	Capabilities Capabilities `yaml:"capabilities"`
	// ThinkingFormat defaults to boolean when empty.
	ThinkingFormat ThinkingFormat `yaml:"thinking_format,omitempty"`
	// ExtraArgs are engine-specific load flags in shell-quoted form.
	ExtraArgs string `yaml:"extra_args,omitempty"`
	// Fallback names the model the profile manager substitutes when this
	// model's circuit is open and bypass is disabled.
	Fallback string `yaml:"fallback,omitempty"`

	// VRAMGB is the resolved footprint in GB. Populated during load from
	// VRAMSize or GGUF estimation; not read from YAML directly.
	VRAMGB float64 `yaml:"-"`
}

// RouteBinding maps a route to its concrete model and suggested generation
// parameters.
type RouteBinding struct {
	Model       string   `yaml:"model"`
	Temperature *float64 `yaml:"temperature,omitempty"`
	Thinking    *bool    `yaml:"thinking,omitempty"`
	Tools       []string `yaml:"tools,omitempty"`
}

// Summarization controls the context builder's inline compaction.
type Summarization struct {
	// TriggerTokens is the running total above which history is compacted.
	TriggerTokens int `yaml:"trigger_tokens"`
	// KeepRecent is the number of trailing messages preserved verbatim.
	KeepRecent int `yaml:"keep_recent"`
	// Model performs the summarisation. Empty means the router model.
	Model string `yaml:"model,omitempty"`
}

// Profile is one named configuration bundle.
type Profile struct {
	// Name is the profile's key in the catalogue file.
	Name string `yaml:"-"`

	// Models is the catalogue, in file order.
	Models []ModelConfig `yaml:"models"`

	// SoftLimit and HardLimit are VRAM thresholds as human sizes. Soft
	// guides proactive eviction; hard forbids admission.
	SoftLimit string `yaml:"soft_limit"`
	HardLimit string `yaml:"hard_limit"`
	// SafetyMargin is added to every load's required headroom.
	SafetyMargin string `yaml:"safety_margin,omitempty"`
	// LargeModelThreshold triggers an engine cleanup hint before loading
	// models at or above it.
	LargeModelThreshold string `yaml:"large_model_threshold,omitempty"`

	// Resolved GB values for the thresholds above.
	SoftLimitGB           float64 `yaml:"-"`
	HardLimitGB           float64 `yaml:"-"`
	SafetyMarginGB        float64 `yaml:"-"`
	LargeModelThresholdGB float64 `yaml:"-"`

	// RouterModel is the small model performing route classification.
	RouterModel string `yaml:"router_model"`
	// Routes binds route names to models.
	Routes map[string]RouteBinding `yaml:"routes"`

	Summarization Summarization `yaml:"summarization"`

	// QueueCapacity bounds the admission queue.
	QueueCapacity int `yaml:"queue_capacity"`
	// QueueWatermark is the depth above which normal-tier requests are
	// rejected at the gateway. Zero disables the watermark.
	QueueWatermark int `yaml:"queue_watermark,omitempty"`
	// Workers sizes the worker pool.
	Workers int `yaml:"workers"`
	// MaxRetries caps requeues per request.
	MaxRetries int `yaml:"max_retries"`

	// VisibilityTimeout bounds in-flight time for text routes,
	// ImageVisibilityTimeout for image routes.
	VisibilityTimeout      Duration `yaml:"visibility_timeout"`
	ImageVisibilityTimeout Duration `yaml:"image_visibility_timeout"`

	// CrashThreshold and CrashWindow configure the circuit breaker.
	CrashThreshold int      `yaml:"crash_threshold"`
	CrashWindow    Duration `yaml:"crash_window"`
	// BypassIfCircuitOpen makes RequestLoad return circuit-open instead of
	// attempting the fallback model.
	BypassIfCircuitOpen bool `yaml:"bypass_if_circuit_open"`

	// WeeklyTokenBudget is the default per-user budget.
	WeeklyTokenBudget int `yaml:"weekly_token_budget"`

	byName map[string]*ModelConfig
}

// Model resolves a model descriptor by name.
func (p *Profile) Model(name string) (*ModelConfig, bool) {
	m, ok := p.byName[name]
	return m, ok
}

// Route resolves a route binding by route name.
func (p *Profile) Route(name string) (RouteBinding, bool) {
	b, ok := p.Routes[name]
	return b, ok
}

// SummarizerModel returns the model used for history compaction.
func (p *Profile) SummarizerModel() string {
	if p.Summarization.Model != "" {
		return p.Summarization.Model
	}
	return p.RouterModel
}
