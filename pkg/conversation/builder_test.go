package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantry-ai/gantry/pkg/engines"
	"github.com/gantry-ai/gantry/pkg/logging"
	"github.com/gantry-ai/gantry/pkg/store"
)

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.LevelError, os.Stderr)
}

// summaryEngine answers every generation with a fixed summary text.
type summaryEngine struct {
	text  string
	err   error
	calls int
}

func (e *summaryEngine) Name() string { return "openai" }

func (e *summaryEngine) Generate(ctx context.Context, model string, messages []engines.Message, params engines.GenerateParams) (<-chan engines.Delta, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	out := make(chan engines.Delta, 1)
	out <- engines.Delta{Kind: engines.DeltaText, Text: e.text}
	close(out)
	return out, nil
}

func (e *summaryEngine) Load(context.Context, string, engines.GenerateParams) error { return nil }
func (e *summaryEngine) Unload(context.Context, string) error                       { return nil }
func (e *summaryEngine) ListLoaded(context.Context) ([]string, error)               { return nil, nil }
func (e *summaryEngine) Cleanup(context.Context) error                              { return nil }

func builderFixture(t *testing.T, cfg BuilderConfig, engine engines.Engine) (*Builder, *store.Memory) {
	t.Helper()
	repo := store.NewMemory()
	set := engines.NewSet()
	if cfg.SummarizerModel != "" {
		set.Register(cfg.SummarizerModel, engine)
	}
	return NewBuilder(testLogger(), cfg, repo, set), repo
}

func seedHistory(t *testing.T, repo *store.Memory, conversationID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		role := store.RoleUser
		if i%2 == 1 {
			role = store.RoleAssistant
		}
		require.NoError(t, repo.AppendMessage(context.Background(), &store.Message{
			ConversationID: conversationID,
			ID:             fmt.Sprintf("m%d", i),
			Role:           role,
			Content:        fmt.Sprintf("message %d %s", i, strings.Repeat("x", 100)),
		}))
	}
}

func TestEstimateTokens(t *testing.T) {
	assert.Zero(t, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
	assert.Equal(t, 25, EstimateTokens(strings.Repeat("x", 100)))
}

func TestBuildEmptyConversation(t *testing.T) {
	b, _ := builderFixture(t, BuilderConfig{}, nil)

	result, err := b.Build(context.Background(), "empty")
	require.NoError(t, err)
	assert.Empty(t, result.Messages)
	assert.False(t, result.Summarized)
}

func TestBuildUnderTriggerReturnsFullHistory(t *testing.T) {
	engine := &summaryEngine{text: "summary"}
	b, repo := builderFixture(t, BuilderConfig{
		TriggerTokens:   100000,
		KeepRecent:      2,
		SummarizerModel: "summarizer",
	}, engine)
	seedHistory(t, repo, "c", 6)

	result, err := b.Build(context.Background(), "c")
	require.NoError(t, err)
	assert.Len(t, result.Messages, 6)
	assert.False(t, result.Summarized)
	assert.Zero(t, engine.calls)
	assert.Equal(t, engines.RoleUser, result.Messages[0].Role)
	assert.Equal(t, engines.RoleAssistant, result.Messages[1].Role)
}

func TestBuildCompactsOverTrigger(t *testing.T) {
	engine := &summaryEngine{text: "earlier: the user debugged a race condition"}
	b, repo := builderFixture(t, BuilderConfig{
		TriggerTokens:   50,
		KeepRecent:      2,
		SummarizerModel: "summarizer",
	}, engine)
	seedHistory(t, repo, "c", 8)

	result, err := b.Build(context.Background(), "c")
	require.NoError(t, err)
	assert.True(t, result.Summarized)
	assert.Equal(t, 1, engine.calls)

	// One system summary plus the two kept-verbatim trailing messages.
	require.Len(t, result.Messages, 3)
	assert.Equal(t, engines.RoleSystem, result.Messages[0].Role)
	assert.Contains(t, result.Messages[0].Content, "race condition")
	assert.Contains(t, result.Messages[1].Content, "message 6")
	assert.Contains(t, result.Messages[2].Content, "message 7")

	// The compaction is persisted: the next build starts from the summary
	// and stays under the trigger.
	persisted, err := repo.Messages(context.Background(), "c", 0)
	require.NoError(t, err)
	require.Len(t, persisted, 3)
	assert.Equal(t, store.RoleSummary, persisted[0].Role)

	engine.calls = 0
	result, err = b.Build(context.Background(), "c")
	require.NoError(t, err)
	assert.False(t, result.Summarized)
	assert.Zero(t, engine.calls)
}

func TestBuildSummarizerFailureFallsBackToFullHistory(t *testing.T) {
	engine := &summaryEngine{err: errors.New("summarizer down")}
	b, repo := builderFixture(t, BuilderConfig{
		TriggerTokens:   50,
		KeepRecent:      2,
		SummarizerModel: "summarizer",
	}, engine)
	seedHistory(t, repo, "c", 8)

	result, err := b.Build(context.Background(), "c")
	require.NoError(t, err, "compaction is best-effort")
	assert.False(t, result.Summarized)
	assert.Len(t, result.Messages, 8)

	// Nothing was destroyed.
	persisted, err := repo.Messages(context.Background(), "c", 0)
	require.NoError(t, err)
	assert.Len(t, persisted, 8)
}

func TestBuildHistoryLimit(t *testing.T) {
	b, repo := builderFixture(t, BuilderConfig{HistoryLimit: 4}, nil)
	seedHistory(t, repo, "c", 10)

	result, err := b.Build(context.Background(), "c")
	require.NoError(t, err)
	require.Len(t, result.Messages, 4)
	// The trailing messages, oldest first.
	assert.Contains(t, result.Messages[0].Content, "message 6")
	assert.Contains(t, result.Messages[3].Content, "message 9")
}

func TestBuildKeepRecentGuard(t *testing.T) {
	// Histories no longer than KeepRecent are never compacted, even over
	// the trigger.
	engine := &summaryEngine{text: "summary"}
	b, repo := builderFixture(t, BuilderConfig{
		TriggerTokens:   10,
		KeepRecent:      5,
		SummarizerModel: "summarizer",
	}, engine)
	seedHistory(t, repo, "c", 4)

	result, err := b.Build(context.Background(), "c")
	require.NoError(t, err)
	assert.False(t, result.Summarized)
	assert.Len(t, result.Messages, 4)
	assert.Zero(t, engine.calls)
}
