// Package conversation builds the message context for a generation: prior
// history, trimmed and compacted inline when it outgrows the token
// threshold.
package conversation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gantry-ai/gantry/pkg/engines"
	"github.com/gantry-ai/gantry/pkg/logging"
	"github.com/gantry-ai/gantry/pkg/store"
)

// EstimateTokens is the len/4 heuristic used across the gateway for
// admission estimates and compaction triggers.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// BuilderConfig carries the context builder's knobs, resolved from the
// active profile.
type BuilderConfig struct {
	// HistoryLimit is the number of trailing messages loaded per request.
	HistoryLimit int
	// TriggerTokens is the running total above which history is compacted.
	TriggerTokens int
	// KeepRecent is the number of trailing messages preserved verbatim
	// through compaction.
	KeepRecent int
	// SummarizerModel performs the compaction call.
	SummarizerModel string
}

// Result is the built context. Summarized is set when this build compacted
// history, so the worker can emit an opt-in notice frame.
type Result struct {
	Messages   []engines.Message
	Summarized bool
}

// Builder loads and trims conversation history.
type Builder struct {
	log     logging.Logger
	cfg     BuilderConfig
	repo    store.Repository
	engines *engines.Set
}

// NewBuilder creates a context builder.
func NewBuilder(log logging.Logger, cfg BuilderConfig, repo store.Repository, engineSet *engines.Set) *Builder {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	return &Builder{log: log, cfg: cfg, repo: repo, engines: engineSet}
}

// Build returns the prior context for a conversation, compacting inline
// when the running token total exceeds the trigger. The new user message is
// not included; the worker appends it after persisting it.
func (b *Builder) Build(ctx context.Context, conversationID string) (Result, error) {
	history, err := b.repo.Messages(ctx, conversationID, b.cfg.HistoryLimit)
	if err != nil {
		return Result{}, fmt.Errorf("loading history: %w", err)
	}

	total := 0
	for _, msg := range history {
		total += EstimateTokens(msg.Content)
	}

	if total <= b.cfg.TriggerTokens || len(history) <= b.cfg.KeepRecent {
		return Result{Messages: toEngineMessages(history)}, nil
	}

	compacted, err := b.summarize(ctx, conversationID, history)
	if err != nil {
		// Compaction is best-effort: a failed summarisation call must not
		// fail the request. Proceed with the uncompacted history.
		b.log.WithError(err).Warnf("summarisation failed for %s, using full history", conversationID)
		return Result{Messages: toEngineMessages(history)}, nil
	}
	return Result{Messages: compacted, Summarized: true}, nil
}

// summarize replaces everything but the last KeepRecent messages with a
// single summary message, persisting the compaction so later builds start
// from it. Inline and blocking, which keeps per-conversation write
// ordering trivial.
func (b *Builder) summarize(ctx context.Context, conversationID string, history []store.Message) ([]engines.Message, error) {
	cut := len(history) - b.cfg.KeepRecent
	head, tail := history[:cut], history[cut:]

	summaryText, err := b.summaryCall(ctx, head)
	if err != nil {
		return nil, err
	}

	summary := &store.Message{
		ConversationID: conversationID,
		ID:             uuid.NewString(),
		Role:           store.RoleSummary,
		Content:        summaryText,
		Model:          b.cfg.SummarizerModel,
		CreatedAt:      time.Now(),
	}
	if err := b.repo.ReplaceTail(ctx, conversationID, head[len(head)-1].Seq, summary); err != nil {
		return nil, fmt.Errorf("persisting compaction: %w", err)
	}
	b.log.Infof("compacted %d messages of %s into one summary", len(head), conversationID)

	messages := append([]store.Message{*summary}, tail...)
	return toEngineMessages(messages), nil
}

// summaryCall drives one generation against the summarizer model.
func (b *Builder) summaryCall(ctx context.Context, head []store.Message) (string, error) {
	engine, ok := b.engines.ForModel(b.cfg.SummarizerModel)
	if !ok {
		return "", fmt.Errorf("no engine registered for summarizer model %s", b.cfg.SummarizerModel)
	}

	var transcript strings.Builder
	for _, msg := range head {
		fmt.Fprintf(&transcript, "%s: %s\n", msg.Role, msg.Content)
	}

	messages := []engines.Message{
		{
			Role: engines.RoleSystem,
			Content: "Summarise the following conversation excerpt into a compact " +
				"paragraph preserving facts, decisions, and open questions.",
		},
		{Role: engines.RoleUser, Content: transcript.String()},
	}

	stream, err := engine.Generate(ctx, b.cfg.SummarizerModel, messages, engines.GenerateParams{})
	if err != nil {
		return "", err
	}

	var out strings.Builder
	for delta := range stream {
		switch delta.Kind {
		case engines.DeltaText:
			out.WriteString(delta.Text)
		case engines.DeltaError:
			return "", delta.Err
		}
	}
	if out.Len() == 0 {
		return "", fmt.Errorf("summarizer returned no content")
	}
	return out.String(), nil
}

// toEngineMessages maps persisted roles onto the engine-neutral form.
// Summaries are presented as system context.
func toEngineMessages(history []store.Message) []engines.Message {
	out := make([]engines.Message, 0, len(history))
	for _, msg := range history {
		role := msg.Role
		switch role {
		case store.RoleSummary:
			out = append(out, engines.Message{
				Role:    engines.RoleSystem,
				Content: "Summary of the earlier conversation: " + msg.Content,
			})
			continue
		case store.RoleUser:
			role = engines.RoleUser
		case store.RoleAssistant:
			role = engines.RoleAssistant
		default:
			role = engines.RoleUser
		}
		out = append(out, engines.Message{Role: role, Content: msg.Content})
	}
	return out
}
