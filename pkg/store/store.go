// Package store provides the typed repository for conversations, users, and
// token usage. The production implementation is Redis-backed; an in-memory
// implementation backs tests and single-binary development runs.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSummary   = "summary"
)

// maxContentBytes caps persisted message content. Longer content is cut and
// marked so readers know the tail is missing.
const maxContentBytes = 64 * 1024

// truncationMarker is appended to capped content.
const truncationMarker = "\n[content truncated]"

// Message is one persisted conversation message. Seq is the monotonic
// per-conversation timestamp assigned by AppendMessage: within a
// conversation, later messages always carry strictly larger values.
type Message struct {
	ConversationID string        `json:"conversation_id"`
	ID             string        `json:"id"`
	Seq            int64         `json:"seq"`
	Role           string        `json:"role"`
	Content        string        `json:"content"`
	InputTokens    int           `json:"input_tokens,omitempty"`
	OutputTokens   int           `json:"output_tokens,omitempty"`
	Model          string        `json:"model,omitempty"`
	GenerationTime time.Duration `json:"generation_time,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// User is the per-user state consulted for budgets and preferences.
type User struct {
	ID string `json:"id"`
	// WeeklyBudget and BonusTokens together bound the week's spending.
	WeeklyBudget int `json:"weekly_budget"`
	BonusTokens  int `json:"bonus_tokens"`
	// UsedThisWeek counts tokens consumed since WeekStart.
	UsedThisWeek int       `json:"used_this_week"`
	WeekStart    time.Time `json:"week_start"`
	// PreferredModel overrides routing when set. The sentinel "auto" means
	// no preference.
	PreferredModel string `json:"preferred_model,omitempty"`
	// Temperature and Thinking override system defaults when non-nil.
	Temperature *float64 `json:"temperature,omitempty"`
	Thinking    *bool    `json:"thinking,omitempty"`
	// NotifySummarization opts the user into compaction notices.
	NotifySummarization bool `json:"notify_summarization,omitempty"`
}

// Remaining returns the user's remaining token allowance for the week.
func (u *User) Remaining() int {
	return u.WeeklyBudget + u.BonusTokens - u.UsedThisWeek
}

// Repository is the typed key-value store contract the control plane
// consumes. Implementations must be safe for concurrent use.
type Repository interface {
	// AppendMessage persists msg, assigning its Seq from the conversation's
	// monotonic counter and capping oversized content.
	AppendMessage(ctx context.Context, msg *Message) error
	// Messages returns the last limit messages of the conversation in Seq
	// order. limit <= 0 returns all of them.
	Messages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	// DeleteConversation removes all messages of a conversation.
	DeleteConversation(ctx context.Context, conversationID string) error
	// ReplaceTail removes every message with Seq <= upTo and appends the
	// summary in a single logical step. Used by context compaction.
	ReplaceTail(ctx context.Context, conversationID string, upTo int64, summary *Message) error

	// GetUser returns a user's state, or ErrNotFound.
	GetUser(ctx context.Context, id string) (*User, error)
	// PutUser writes a user's state.
	PutUser(ctx context.Context, u *User) error
	// AddUsage increments the user's weekly consumption and returns the
	// new total. The increment is atomic; the read-check-increment cycle
	// around it is optimistic.
	AddUsage(ctx context.Context, id string, tokens int) (int, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// capContent enforces the persisted-content cap.
func capContent(content string) string {
	if len(content) <= maxContentBytes {
		return content
	}
	return content[:maxContentBytes] + truncationMarker
}
