package engines

import (
	"context"
	"time"
)

// Message roles understood by every engine adapter.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single chat message in engine-neutral form.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateParams carries the per-request generation knobs. Adapters map them
// onto their native wire format and ignore what their engine cannot express.
type GenerateParams struct {
	// Temperature overrides the engine default when non-nil.
	Temperature *float64
	// Thinking toggles extended reasoning when non-nil.
	Thinking *bool
	// ThinkingLevel is used instead of the boolean toggle by models whose
	// thinking format is level-based ("low", "medium", "high").
	ThinkingLevel string
	// MaxTokens caps the completion length. Zero means engine default.
	MaxTokens int
	// ExtraArgs are engine-specific load flags, already split into argv form.
	ExtraArgs []string
}

// Usage is the terminal accounting report of a generation.
type Usage struct {
	InputTokens  int
	OutputTokens int
	Duration     time.Duration
}

// DeltaKind encodes the kind of an element on a generation stream.
type DeltaKind uint8

const (
	// DeltaText carries a text chunk.
	DeltaText DeltaKind = iota
	// DeltaToolCall carries a tool-call intent emitted by the model.
	DeltaToolCall
	// DeltaUsage is the terminal usage report. At most one per stream, and
	// nothing follows it except channel close.
	DeltaUsage
	// DeltaError is a terminal failure. Nothing follows it.
	DeltaError
)

// String implements Stringer.String for DeltaKind.
func (k DeltaKind) String() string {
	switch k {
	case DeltaText:
		return "text"
	case DeltaToolCall:
		return "tool-call"
	case DeltaUsage:
		return "usage"
	case DeltaError:
		return "error"
	default:
		return "unknown"
	}
}

// Delta is one element of a generation stream. Exactly one of the payload
// fields is meaningful, selected by Kind.
type Delta struct {
	Kind     DeltaKind
	Text     string
	ToolName string
	ToolArgs string
	Usage    *Usage
	Err      error
}

// Engine is the uniform contract over inference engine endpoints. Adapters
// translate it onto the engine's native protocol. Implementations must be
// safe for concurrent use.
type Engine interface {
	// Name returns the adapter name. It must be all lowercase and suitable
	// for logs and HTTP path components. The package providing the adapter
	// should expose a constant called Name matching this value.
	Name() string
	// Generate starts a completion for the given model and returns a stream
	// of deltas. The stream ends deterministically: a terminal DeltaUsage on
	// success or a single DeltaError on failure, followed by channel close.
	// Cancelling ctx tears the stream down.
	Generate(ctx context.Context, model string, messages []Message, params GenerateParams) (<-chan Delta, error)
	// Load makes the model resident in the engine's memory. Engines without
	// dynamic load treat this as a no-op that records intent.
	Load(ctx context.Context, model string, params GenerateParams) error
	// Unload releases the model's memory. No-op for engines without dynamic
	// unload.
	Unload(ctx context.Context, model string) error
	// ListLoaded returns the engine's own view of resident models.
	ListLoaded(ctx context.Context) ([]string, error)
	// Cleanup hints the engine to release caches after a large unload.
	Cleanup(ctx context.Context) error
}

// MetricsScraper is implemented by adapters whose engine exposes a
// Prometheus text endpoint. The sampler type-asserts for it.
type MetricsScraper interface {
	ScrapeMetrics(ctx context.Context) (map[string]float64, error)
}
