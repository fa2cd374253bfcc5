package scheduling

import "errors"

// Typed error kinds the control plane returns at decision points. Callers
// dispatch on them with errors.Is; the HTTP surfaces map them to status
// codes.
var (
	// ErrQueueFull is returned by Enqueue when the admission queue is at
	// capacity.
	ErrQueueFull = errors.New("queue-full")
	// ErrShutdown is returned by blocking queue operations after Close.
	ErrShutdown = errors.New("queue shut down")
	// ErrUnknownModel is returned when a model is not in the active
	// profile's catalogue.
	ErrUnknownModel = errors.New("unknown-model")
	// ErrInsufficientVRAM is returned when a load cannot fit under the hard
	// limit even after eviction. Never retried automatically.
	ErrInsufficientVRAM = errors.New("insufficient-vram")
	// ErrCircuitOpen is returned when the model's crash circuit is open and
	// no alternate resolution applies.
	ErrCircuitOpen = errors.New("circuit-open")
	// ErrModelPresent is returned by the registry when adding a model that
	// is already registered.
	ErrModelPresent = errors.New("model already registered")
	// ErrModelAbsent is returned by the registry when removing a model that
	// is not registered.
	ErrModelAbsent = errors.New("model not registered")
)

// reasonVisibilityTimeout is the failure reason recorded when the monitor
// gives up on a stuck request.
const reasonVisibilityTimeout = "visibility-timeout"
