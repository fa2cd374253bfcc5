// Package streaming fans outgoing frames to the right client connection by
// handle, preserving per-handle emission order.
package streaming

import (
	"time"

	"github.com/gantry-ai/gantry/pkg/store"
)

// FrameKind is the wire type tag of an outgoing frame.
type FrameKind string

const (
	FrameQueued     FrameKind = "queued"
	FrameProcessing FrameKind = "processing"
	FrameToken      FrameKind = "token"
	FrameToolStart  FrameKind = "tool_start"
	FrameToolEnd    FrameKind = "tool_end"
	FrameDone       FrameKind = "done"
	FrameError      FrameKind = "error"
	FrameHistory    FrameKind = "history"
	FramePong       FrameKind = "pong"
	FrameNotice     FrameKind = "notice"
)

// Terminal reports whether the kind ends a request's frame sequence.
func (k FrameKind) Terminal() bool {
	return k == FrameDone || k == FrameError
}

// Frame is one typed outgoing frame. Fields beyond Type are populated per
// kind; the JSON encoding omits the rest.
type Frame struct {
	Type           FrameKind       `json:"type"`
	RequestID      string          `json:"request_id,omitempty"`
	QueuePosition  int             `json:"queue_position,omitempty"`
	Content        string          `json:"content,omitempty"`
	Tool           string          `json:"tool,omitempty"`
	MessageID      string          `json:"message_id,omitempty"`
	TokensUsed     int             `json:"tokens_used,omitempty"`
	GenerationTime float64         `json:"generation_time,omitempty"`
	Model          string          `json:"model,omitempty"`
	Artifacts      []string        `json:"artifacts,omitempty"`
	Error          string          `json:"error,omitempty"`
	Messages       []store.Message `json:"messages,omitempty"`
	Notice         string          `json:"notice,omitempty"`
}

// Queued acknowledges admission with the request's queue position.
func Queued(requestID string, position int) Frame {
	return Frame{Type: FrameQueued, RequestID: requestID, QueuePosition: position}
}

// Processing signals that a worker picked the request up.
func Processing(requestID string) Frame {
	return Frame{Type: FrameProcessing, RequestID: requestID}
}

// Token carries a single generation delta.
func Token(content string) Frame {
	return Frame{Type: FrameToken, Content: content}
}

// ToolStart and ToolEnd bracket a tool-call intent.
func ToolStart(name string) Frame {
	return Frame{Type: FrameToolStart, Tool: name}
}

func ToolEnd(name string) Frame {
	return Frame{Type: FrameToolEnd, Tool: name}
}

// Done is the terminal success frame.
func Done(messageID string, tokensUsed int, generationTime time.Duration, model string, artifacts []string) Frame {
	return Frame{
		Type:           FrameDone,
		MessageID:      messageID,
		TokensUsed:     tokensUsed,
		GenerationTime: generationTime.Seconds(),
		Model:          model,
		Artifacts:      artifacts,
	}
}

// Error is the terminal failure frame.
func Error(message string) Frame {
	return Frame{Type: FrameError, Error: message}
}

// History answers a history request.
func History(messages []store.Message) Frame {
	return Frame{Type: FrameHistory, Messages: messages}
}

// Pong answers a keep-alive ping.
func Pong() Frame {
	return Frame{Type: FramePong}
}

// Notice carries an informational message, such as a compaction notice for
// users who opted in.
func Notice(text string) Frame {
	return Frame{Type: FrameNotice, Notice: text}
}
