// Package orchestrator drives the dispatch cycle: poll the board, route each
// pending card, invoke the agent, and write the outcome back to the tracker
// and the state store. The cycle is single-threaded; one card is in flight at
// a time and per-task failures never abort the cycle.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/satu/trellm/internal/agent"
	"github.com/satu/trellm/internal/backoff"
	"github.com/satu/trellm/internal/config"
	"github.com/satu/trellm/internal/errors"
	"github.com/satu/trellm/internal/logging"
	"github.com/satu/trellm/internal/maintenance"
	"github.com/satu/trellm/internal/state"
	"github.com/satu/trellm/internal/tracker"
)

// maxRateLimitAttempts bounds back-to-back retries of a single invocation
// after throttling. The card stays in TODO afterwards, so the next cycle
// picks it up again.
const maxRateLimitAttempts = 3

// Tracker is the slice of the board client the orchestrator drives.
type Tracker interface {
	ListCards(ctx context.Context) ([]tracker.Card, error)
	AddComment(ctx context.Context, cardID, text string) error
	MoveCard(ctx context.Context, cardID string) error
	FindCardByName(ctx context.Context, listID, name string) (tracker.Card, error)
	CreateCard(ctx context.Context, listID, name, description string) (tracker.Card, error)
	UpdateCardDescription(ctx context.Context, cardID, description string) error
}

// Invoker runs the agent.
type Invoker interface {
	Invoke(ctx context.Context, req agent.Request) (*agent.Result, error)
	Compact(ctx context.Context, project, sessionID, workDir string, timeout time.Duration) (string, error)
}

// Orchestrator owns one dispatch loop.
type Orchestrator struct {
	cfg     *config.Config
	store   *state.Store
	tracker Tracker
	invoker Invoker
	maint   *maintenance.Runner
	backoff *backoff.Controller
	logger  *logging.Logger

	// fetchFailures counts consecutive failed polls, driving fetch backoff.
	fetchFailures int
}

// New wires an orchestrator from its collaborators.
func New(cfg *config.Config, store *state.Store, trk Tracker, inv Invoker, maint *maintenance.Runner, logger *logging.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		store:   store,
		tracker: trk,
		invoker: inv,
		maint:   maint,
		backoff: backoff.New(
			backoff.WithBase(time.Duration(cfg.Backoff.BaseSeconds)*time.Second),
			backoff.WithCeiling(time.Duration(cfg.Backoff.CeilingSeconds)*time.Second),
			backoff.WithHintCap(time.Duration(cfg.Backoff.HintCapSeconds)*time.Second),
		),
		logger: logger,
	}
}

// Run polls until the context is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("orchestrator started",
		"poll_interval_seconds", o.cfg.Polling.IntervalSeconds)

	for {
		if _, err := o.RunOnce(ctx); err != nil {
			return err
		}
		if err := sleepCtx(ctx, o.cfg.PollInterval()); err != nil {
			o.logger.Info("orchestrator stopping")
			return nil
		}
	}
}

// RunOnce executes a single dispatch cycle and returns the number of cards
// processed. The only error it returns is context cancellation; everything
// else is absorbed, logged, and retried on a later cycle.
func (o *Orchestrator) RunOnce(ctx context.Context) (int, error) {
	cards, err := o.tracker.ListCards(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		delay := o.fetchDelay(err)
		o.logger.Warn("fetching cards failed",
			"error", err.Error(),
			"retry_in", delay.Round(time.Second).String())
		if serr := sleepCtx(ctx, delay); serr != nil {
			return 0, serr
		}
		return 0, nil
	}
	o.fetchFailures = 0
	o.logger.Debug("fetched cards", "count", len(cards))

	processed := 0
	for _, card := range cards {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		did, err := o.processCard(ctx, card)
		if err != nil {
			if ctx.Err() != nil {
				return processed, ctx.Err()
			}
			o.logger.Error("card processing failed",
				"card_id", card.ID, "error", err.Error())
			continue
		}
		if did {
			processed++
		}
	}
	return processed, nil
}

// fetchDelay picks the sleep after a failed poll, honoring an upstream reset
// hint when the failure was throttling.
func (o *Orchestrator) fetchDelay(err error) time.Duration {
	var hint time.Duration
	var rle *errors.RateLimitError
	if errors.As(err, &rle) {
		hint = rle.Reset
	}
	delay := o.backoff.Delay(o.fetchFailures, hint)
	o.fetchFailures++
	return delay
}

// processCard routes one card. It reports whether a dispatch (or command)
// actually ran; skipped cards return false. Errors returned are per-task and
// already recorded; the caller only logs them.
func (o *Orchestrator) processCard(ctx context.Context, card tracker.Card) (bool, error) {
	if o.store.IsProcessed(card.ID) {
		if !o.shouldReprocess(card) {
			return false, nil
		}
		o.logger.Info("card moved back, reprocessing", "card_id", card.ID)
		if err := o.store.ClearProcessed(card.ID); err != nil {
			return false, err
		}
	}

	if cmd, ok := tracker.ParseCommand(card.Name, o.commandProjects()); ok {
		return true, o.runCommand(ctx, card, cmd)
	}
	return true, o.dispatch(ctx, card)
}

// shouldReprocess applies the activity rule: a completed card is reprocessed
// only when its board activity is newer than the ledger entry, with the
// configured skew absorbed.
func (o *Orchestrator) shouldReprocess(card tracker.Card) bool {
	processedAt := o.store.LedgerTimestamp(card.ID)
	if processedAt.IsZero() || card.LastActivity.IsZero() {
		return false
	}
	return card.LastActivity.After(processedAt.Add(o.cfg.ReprocessSkew()))
}

// commandProjects returns the valid-project filter for command cards, nil
// when no projects are configured.
func (o *Orchestrator) commandProjects() map[string]bool {
	names := o.cfg.ProjectNames()
	if len(names) == 0 {
		return nil
	}
	return names
}

// dispatch runs the agent for a task card end to end.
func (o *Orchestrator) dispatch(ctx context.Context, card tracker.Card) error {
	project := tracker.Project(card.Name)
	log := o.logger.WithProject(project).WithCard(card.ID)
	log.Info("dispatching card", "name", card.Name)

	if err := o.store.MarkProcessed(card.ID, state.StatusStarted); err != nil {
		return err
	}

	session := o.store.Session(project)
	if session == "" {
		session = o.cfg.InitialSessionID(project)
	}
	workDir := o.cfg.WorkingDir(project)

	session = o.maybeCompactBefore(ctx, log, project, session, workDir, card.ID)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	res, session, err := o.invokeWithRecovery(ctx, log, card, project, session, workDir)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return o.recordFailure(ctx, log, card, err)
	}

	return o.recordSuccess(ctx, log, card, project, session, res)
}

// maybeCompactBefore compacts the project session when the previous task was
// a different card, bounding context growth across tasks. Failures are
// non-fatal; the invocation proceeds on the old session.
func (o *Orchestrator) maybeCompactBefore(ctx context.Context, log *logging.Logger, project, session, workDir, cardID string) string {
	if session == "" {
		return session
	}
	lastCard := o.store.LastCardID(project)
	if lastCard == "" || lastCard == cardID {
		return session
	}

	log.Info("compacting session before new task", "previous_card", lastCard)
	compacted, err := o.invoker.Compact(ctx, project, session, workDir, o.cfg.MaintenanceTimeout())
	if err != nil {
		log.Warn("pre-task compaction failed, continuing", "error", err.Error())
		return session
	}
	if err := o.store.SetSession(project, compacted, ""); err != nil {
		log.Warn("persisting compacted session failed", "error", err.Error())
	}
	return compacted
}

// invokeWithRecovery runs the agent, recovering in-place from context
// overflow (one compact-then-retry) and throttling (bounded waits). It
// returns the result and the session the successful invocation ran on.
func (o *Orchestrator) invokeWithRecovery(ctx context.Context, log *logging.Logger, card tracker.Card, project, session, workDir string) (*agent.Result, string, error) {
	prompt := agent.BuildPrompt(card, o.cfg.Trello.ReadyListID)
	compacted := false
	rateLimitAttempt := 0

	for {
		res, err := o.invoker.Invoke(ctx, agent.Request{
			Prompt:    prompt,
			Project:   project,
			SessionID: session,
			WorkDir:   workDir,
			Timeout:   o.cfg.TaskTimeout(),
		})
		if err == nil {
			return res, session, nil
		}
		if ctx.Err() != nil {
			return nil, session, ctx.Err()
		}

		switch {
		case errors.Is(err, errors.ErrContextOverflow):
			if compacted || session == "" {
				return nil, session, err
			}
			log.Warn("context overflow, compacting and retrying", "error", err.Error())
			newSession, cerr := o.invoker.Compact(ctx, project, session, workDir, o.cfg.MaintenanceTimeout())
			if cerr != nil {
				if ctx.Err() != nil {
					return nil, session, ctx.Err()
				}
				log.Error("compaction failed", "error", cerr.Error())
				return nil, session, err
			}
			if serr := o.store.SetSession(project, newSession, ""); serr != nil {
				return nil, session, serr
			}
			session = newSession
			compacted = true

		case errors.Is(err, errors.ErrRateLimited):
			if rateLimitAttempt >= maxRateLimitAttempts {
				return nil, session, err
			}
			var rle *errors.RateLimitError
			var hint time.Duration
			if errors.As(err, &rle) {
				hint = rle.Reset
			}
			delay := o.backoff.Delay(rateLimitAttempt, hint)
			log.Warn("rate limited, waiting",
				"delay", delay.Round(time.Second).String(),
				"attempt", rateLimitAttempt+1)
			if serr := sleepCtx(ctx, delay); serr != nil {
				return nil, session, serr
			}
			rateLimitAttempt++

		default:
			return nil, session, err
		}
	}
}

// recordSuccess persists the outcome of a completed task and kicks off
// maintenance when it falls due. Tracker write-backs are best-effort.
func (o *Orchestrator) recordSuccess(ctx context.Context, log *logging.Logger, card tracker.Card, project, session string, res *agent.Result) error {
	token := res.SessionID
	if token == "" {
		token = session
	}
	if token != "" {
		if err := o.store.SetSession(project, token, card.ID); err != nil {
			return err
		}
	}
	if err := o.store.MarkProcessed(card.ID, state.StatusComplete); err != nil {
		return err
	}

	if res.Metrics != nil {
		if err := o.store.RecordUsage(project, res.Metrics.CostUSD, res.Metrics.InputTokens, res.Metrics.OutputTokens); err != nil {
			log.Warn("recording usage failed", "error", err.Error())
		}
		log.Info("task usage",
			"cost_usd", res.Metrics.CostUSD,
			"input_tokens", res.Metrics.InputTokens,
			"output_tokens", res.Metrics.OutputTokens)
	}

	if err := o.tracker.AddComment(ctx, card.ID, "Claude: "+res.Summary); err != nil {
		log.Warn("completion comment failed", "error", err.Error())
	}
	if err := o.tracker.MoveCard(ctx, card.ID); err != nil {
		log.Warn("moving card failed", "error", err.Error())
	}
	log.Info("card completed")

	count, err := o.store.IncrementTicketCount(project)
	if err != nil {
		return err
	}
	if maintenance.Due(count, o.cfg.MaintenanceFor(project)) {
		return o.runMaintenance(ctx, log, project, token, count)
	}
	return nil
}

// recordFailure marks the card errored and leaves it in TODO with an
// explanatory comment.
func (o *Orchestrator) recordFailure(ctx context.Context, log *logging.Logger, card tracker.Card, taskErr error) error {
	log.Error("task failed", "error", taskErr.Error())
	if err := o.store.MarkProcessed(card.ID, state.StatusError); err != nil {
		return err
	}
	comment := "Claude: Error processing this card: " + taskErr.Error()
	if err := o.tracker.AddComment(ctx, card.ID, comment); err != nil {
		log.Warn("error comment failed", "error", err.Error())
	}
	return taskErr
}

// runMaintenance executes one maintenance pass and publishes actionable
// findings to the icebox list.
func (o *Orchestrator) runMaintenance(ctx context.Context, log *logging.Logger, project, session string, count int) error {
	mcfg := o.cfg.MaintenanceFor(project)
	res, err := o.maint.Run(ctx, project, o.cfg.WorkingDir(project), session, mcfg, count, o.store.LastMaintenance(project))
	if err != nil {
		return err
	}

	if res.SessionID != "" {
		if err := o.store.SetSession(project, res.SessionID, ""); err != nil {
			log.Warn("persisting maintenance session failed", "error", err.Error())
		}
	}
	if err := o.store.SetLastMaintenance(project); err != nil {
		log.Warn("recording maintenance time failed", "error", err.Error())
	}

	if res.Success && res.Summary != "" && o.cfg.Trello.IceboxListID != "" {
		if err := maintenance.PublishFindings(ctx, o.tracker, o.cfg.Trello.IceboxListID, project, res.Summary); err != nil {
			log.Warn("publishing maintenance findings failed", "error", err.Error())
		}
	}
	return nil
}

// runCommand handles a command card without a task invocation.
func (o *Orchestrator) runCommand(ctx context.Context, card tracker.Card, cmd tracker.Command) error {
	project := tracker.Project(card.Name)
	log := o.logger.WithProject(project).WithCard(card.ID)
	log.Info("handling command card", "command", string(cmd))

	var err error
	switch cmd {
	case tracker.CommandStats:
		err = o.tracker.AddComment(ctx, card.ID, o.statsComment())
	case tracker.CommandMaintain:
		count := o.store.TicketCount(project)
		mcfg := o.cfg.MaintenanceFor(project)
		if mcfg == nil {
			mcfg = &config.MaintenanceConfig{Enabled: true, Interval: 10}
		}
		session := o.store.Session(project)
		var res maintenance.Result
		res, err = o.maint.Run(ctx, project, o.cfg.WorkingDir(project), session, mcfg, count, o.store.LastMaintenance(project))
		if err == nil {
			if res.SessionID != "" {
				if serr := o.store.SetSession(project, res.SessionID, ""); serr != nil {
					log.Warn("persisting maintenance session failed", "error", serr.Error())
				}
			}
			if serr := o.store.SetLastMaintenance(project); serr != nil {
				log.Warn("recording maintenance time failed", "error", serr.Error())
			}
			err = o.tracker.AddComment(ctx, card.ID, "Claude: "+res.Summary)
		}
	}
	if err != nil {
		return err
	}

	if err := o.store.MarkProcessed(card.ID, state.StatusComplete); err != nil {
		return err
	}
	if err := o.tracker.MoveCard(ctx, card.ID); err != nil {
		log.Warn("moving command card failed", "error", err.Error())
	}
	return nil
}

// statsComment renders accumulated usage per project.
func (o *Orchestrator) statsComment() string {
	totals := o.store.UsageTotals()
	if len(totals) == 0 {
		return "Claude: No usage recorded yet."
	}

	projects := make([]string, 0, len(totals))
	for p := range totals {
		projects = append(projects, p)
	}
	sort.Strings(projects)

	var b strings.Builder
	b.WriteString("Claude: Usage statistics\n")
	for _, p := range projects {
		u := totals[p]
		fmt.Fprintf(&b, "- %s: %d tasks, $%.2f, %d in / %d out tokens\n",
			p, u.Tasks, u.CostUSD, u.InputTokens, u.OutputTokens)
	}
	return strings.TrimRight(b.String(), "\n")
}

// sleepCtx waits for d or until ctx is cancelled, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
