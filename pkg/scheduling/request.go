package scheduling

import (
	"time"

	"github.com/google/uuid"
)

// Tier is the request's origin class. The gateway may reject normal-tier
// requests above the queue watermark; ordering within the queue stays FIFO.
type Tier uint8

const (
	TierNormal Tier = iota
	TierPriority
	TierAdmin
)

// String implements Stringer.String for Tier.
func (t Tier) String() string {
	switch t {
	case TierNormal:
		return "normal"
	case TierPriority:
		return "priority"
	case TierAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// Classification hints set by preprocessing. They short-circuit the router's
// LLM call and select the visibility timeout class.
const (
	HintImage  = "IMAGE"
	HintVision = "VISION"
)

// Request is one admitted inference request. It is created by the gateway,
// mutated only by the queue (state transitions) and the worker (StartedAt,
// retry increment), and destroyed once its terminal frame is sent.
type Request struct {
	// ID uniquely identifies the request.
	ID string
	// Tier is the origin class.
	Tier Tier
	// ClientHandle routes streamed output back through the multiplexer. The
	// worker treats it as opaque.
	ClientHandle string
	// ConversationID and UserID locate persisted state.
	ConversationID string
	UserID         string
	// Content is the raw user text.
	Content string
	// FileRefs are pre-uploaded artefact references.
	FileRefs []string
	// Model is the explicitly requested model. Empty means route.
	Model string
	// Temperature and Thinking are per-request overrides.
	Temperature *float64
	Thinking    *bool
	// EstimatedTokens is the preprocessor's input-token estimate.
	EstimatedTokens int
	// Hint is the preprocessor's classification hint (HintImage, HintVision,
	// or empty).
	Hint string
	// EnqueuedAt is stamped by Enqueue, StartedAt by Dequeue.
	EnqueuedAt time.Time
	StartedAt  time.Time
	// RetryCount counts requeues.
	RetryCount int
}

// NewRequestID allocates a request identifier.
func NewRequestID() string {
	return uuid.NewString()
}
