// Package budget enforces per-user weekly token budgets.
package budget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/moby/sys/atomicwriter"

	"github.com/gantry-ai/gantry/pkg/logging"
	"github.com/gantry-ai/gantry/pkg/store"
)

// ErrBudgetExceeded is returned when a request's estimated input would push
// the user past the week's allowance.
var ErrBudgetExceeded = errors.New("budget-exceeded")

// sweepInterval is how often the accountant replays the journal and checks
// for the weekly rollover.
const sweepInterval = 24 * time.Hour

// Accountant tracks per-user weekly consumption. Reads and increments are
// optimistic against the repository: a race that overshoots the budget by
// one concurrent request is accepted. Repository write failures are
// journalled locally and replayed by the sweep.
type Accountant struct {
	log  logging.Logger
	repo store.Repository
	// defaultWeeklyBudget seeds users seen for the first time.
	defaultWeeklyBudget int
	// journalPath is the local fallback journal. Empty disables it.
	journalPath string

	mu sync.Mutex
	// pending holds per-user deltas that failed to reach the repository.
	pending map[string]int
}

// NewAccountant creates an accountant over the given repository.
func NewAccountant(log logging.Logger, repo store.Repository, defaultWeeklyBudget int, journalPath string) *Accountant {
	a := &Accountant{
		log:                 log,
		repo:                repo,
		defaultWeeklyBudget: defaultWeeklyBudget,
		journalPath:         journalPath,
		pending:             make(map[string]int),
	}
	a.loadJournal()
	return a
}

// Check returns ErrBudgetExceeded when the user cannot afford the estimated
// input, and nil otherwise. First-time users are seeded with the default
// budget; stale week windows are rolled over in place.
func (a *Accountant) Check(ctx context.Context, userID string, estInput int) error {
	user, err := a.getOrCreate(ctx, userID)
	if err != nil {
		// Budget enforcement must not take the gateway down with the
		// repository. Fail open and let the sweep reconcile.
		a.log.WithError(err).Warnf("budget check for %s failed open", userID)
		return nil
	}
	if user.Remaining() < estInput {
		return fmt.Errorf("%w: %d tokens remaining, %d estimated", ErrBudgetExceeded, user.Remaining(), estInput)
	}
	return nil
}

// Add records consumed tokens. On repository failure the delta is
// journalled locally and replayed later.
func (a *Accountant) Add(ctx context.Context, userID string, inputTokens, outputTokens int) {
	tokens := inputTokens + outputTokens
	if tokens <= 0 {
		return
	}
	if _, err := a.repo.AddUsage(ctx, userID, tokens); err != nil {
		a.log.WithError(err).Warnf("usage write for %s failed, journalling %d tokens", userID, tokens)
		a.journal(userID, tokens)
	}
}

// Remaining returns the user's current allowance for gateway responses.
func (a *Accountant) Remaining(ctx context.Context, userID string) (int, error) {
	user, err := a.getOrCreate(ctx, userID)
	if err != nil {
		return 0, err
	}
	return user.Remaining(), nil
}

// getOrCreate loads the user, seeding first-timers and rolling the weekly
// window when WeekStart has fallen behind the current week's Monday.
func (a *Accountant) getOrCreate(ctx context.Context, userID string) (*store.User, error) {
	user, err := a.repo.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		user = &store.User{
			ID:           userID,
			WeeklyBudget: a.defaultWeeklyBudget,
			WeekStart:    weekStart(time.Now()),
		}
		if err := a.repo.PutUser(ctx, user); err != nil {
			return nil, err
		}
		return user, nil
	}
	if err != nil {
		return nil, err
	}

	if start := weekStart(time.Now()); user.WeekStart.Before(start) {
		user.WeekStart = start
		user.UsedThisWeek = 0
		if err := a.repo.PutUser(ctx, user); err != nil {
			return nil, err
		}
	}
	return user, nil
}

// RunSweep replays the journal and triggers weekly rollovers once a day
// until ctx ends.
func (a *Accountant) RunSweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.replayJournal(ctx)
		}
	}
}

// weekStart returns the Monday 00:00 UTC opening t's week.
func weekStart(t time.Time) time.Time {
	t = t.UTC()
	daysSinceMonday := (int(t.Weekday()) + 6) % 7
	monday := t.AddDate(0, 0, -daysSinceMonday)
	return time.Date(monday.Year(), monday.Month(), monday.Day(), 0, 0, 0, 0, time.UTC)
}

// journal records a delta locally with an atomic file write.
func (a *Accountant) journal(userID string, tokens int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.pending[userID] += tokens
	a.writeJournalLocked()
}

// replayJournal pushes pending deltas back into the repository.
func (a *Accountant) replayJournal(ctx context.Context) {
	a.mu.Lock()
	pending := a.pending
	a.pending = make(map[string]int)
	a.writeJournalLocked()
	a.mu.Unlock()

	for userID, tokens := range pending {
		if _, err := a.repo.AddUsage(ctx, userID, tokens); err != nil {
			a.log.WithError(err).Warnf("journal replay for %s failed, keeping %d tokens pending", userID, tokens)
			a.journal(userID, tokens)
		}
	}
}

// writeJournalLocked persists the pending map. Callers hold the mutex.
func (a *Accountant) writeJournalLocked() {
	if a.journalPath == "" {
		return
	}
	data, err := json.Marshal(a.pending)
	if err != nil {
		a.log.WithError(err).Error("encoding budget journal")
		return
	}
	if err := atomicwriter.WriteFile(a.journalPath, data, 0o644); err != nil {
		a.log.WithError(err).Error("writing budget journal")
	}
}

// loadJournal restores pending deltas from a previous run.
func (a *Accountant) loadJournal() {
	if a.journalPath == "" {
		return
	}
	data, err := os.ReadFile(a.journalPath)
	if err != nil {
		if !os.IsNotExist(err) {
			a.log.WithError(err).Warn("reading budget journal")
		}
		return
	}
	if err := json.Unmarshal(data, &a.pending); err != nil {
		a.log.WithError(err).Warn("budget journal corrupt, starting empty")
		a.pending = make(map[string]int)
	}
}
