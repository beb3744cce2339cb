// Package maintenance implements the periodic per-project upkeep task: every
// N completed tickets the agent reviews CLAUDE.md, compaction prompts, and
// documentation, and writes a maintenance log. Findings land on an icebox
// card when one is configured.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/satu/trellm/internal/agent"
	"github.com/satu/trellm/internal/config"
	"github.com/satu/trellm/internal/errors"
	"github.com/satu/trellm/internal/logging"
	"github.com/satu/trellm/internal/tracker"
)

// Result is the outcome of one maintenance run. Failures are carried in the
// result rather than returned as errors: maintenance is best-effort and must
// never fail the task that triggered it.
type Result struct {
	Success   bool
	Summary   string
	SessionID string
}

// Due reports whether maintenance should run for the given completed-ticket
// count. It runs when configured, enabled, and the count is a positive
// multiple of the interval.
func Due(ticketCount int, cfg *config.MaintenanceConfig) bool {
	if cfg == nil || !cfg.Enabled {
		return false
	}
	return ticketCount > 0 && ticketCount%cfg.Interval == 0
}

// BuildPrompt renders the maintenance prompt. lastMaintenance is the RFC3339
// stamp of the previous run, or empty when there was none.
func BuildPrompt(project string, ticketCount int, lastMaintenance string, interval int) string {
	if lastMaintenance == "" {
		lastMaintenance = "never"
	}

	return fmt.Sprintf(`You are performing maintenance on the %s project.

Recent ticket count: %d
Last maintenance: %s
Maintenance interval: every %d tickets

Please perform the following maintenance tasks:

## 1. CLAUDE.md Review
- Check if CLAUDE.md exists in the project directory
- If it exists, review its contents
- Analyze recent work patterns from git history (last %d commits)
- Suggest updates for:
  - New coding conventions discovered
  - Architecture decisions made
  - Test patterns established
  - Common gotchas/pitfalls found
- Output any recommendations but DO NOT auto-apply changes to CLAUDE.md

## 2. Compaction Prompt Optimization
- Review the current compact_prompt (if any) in use
- Based on git history and file access patterns, identify:
  - Context that frequently needs to be preserved
  - Patterns that keep getting re-read
- Suggest updates to the compact_prompt configuration
- Output suggestions for user review (DO NOT modify any config files)

## 3. Documentation Freshness Check
- Scan for outdated README sections
- Check if any API docs exist and if they match implementation
- Flag stale TODOs in code (over 30 days old based on git blame)
- Report any documentation gaps

## 4. Write Maintenance Log
Create or update the file `+"`.claude/maintenance-log.md`"+` in the project directory with a summary:

`+"```markdown"+`
## Maintenance Run - %s

### Ticket Count: %d

### Observations
- [List files frequently accessed in recent work]
- [List patterns established]
- [List decisions made]

### Recommendations
- [List specific, actionable suggestions]
- [Include suggested compact_prompt updates if any]
`+"```"+`

Be concise. Focus on actionable improvements. Do not make any changes other than updating the maintenance log.`,
		project, ticketCount, lastMaintenance, interval, interval,
		time.Now().UTC().Format("2006-01-02 15:04 UTC"), ticketCount)
}

// Invoker runs one agent invocation.
type Invoker interface {
	Invoke(ctx context.Context, req agent.Request) (*agent.Result, error)
}

// Runner executes maintenance through the agent.
type Runner struct {
	invoker Invoker
	timeout time.Duration
	logger  *logging.Logger
}

// NewRunner creates a maintenance runner. The timeout is typically shorter
// than the task timeout.
func NewRunner(invoker Invoker, timeout time.Duration, logger *logging.Logger) *Runner {
	return &Runner{invoker: invoker, timeout: timeout, logger: logger}
}

// Run performs one maintenance pass for a project. A cancelled context is the
// only error returned; every other failure folds into an unsuccessful Result.
func (r *Runner) Run(ctx context.Context, project, workDir, sessionID string, cfg *config.MaintenanceConfig, ticketCount int, lastMaintenance string) (Result, error) {
	log := r.logger.WithProject(project)
	log.Info("running maintenance", "ticket_count", ticketCount, "interval", cfg.Interval)

	res, err := r.invoker.Invoke(ctx, agent.Request{
		Prompt:    BuildPrompt(project, ticketCount, lastMaintenance, cfg.Interval),
		Project:   project,
		SessionID: sessionID,
		WorkDir:   workDir,
		Timeout:   r.timeout,
	})
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		log.Error("maintenance failed", "error", err.Error())
		summary := "Maintenance failed: " + err.Error()
		if errors.Is(err, errors.ErrTimeout) {
			summary = fmt.Sprintf("Maintenance timed out after %s", r.timeout)
		}
		return Result{Success: false, Summary: summary}, nil
	}

	summary := res.Summary
	if summary == "Task completed" {
		summary = "Maintenance completed"
	}
	log.Info("maintenance completed", "summary_length", len(summary))
	return Result{Success: true, Summary: summary, SessionID: res.SessionID}, nil
}

// Board is the slice of the tracker client that findings publishing needs.
type Board interface {
	FindCardByName(ctx context.Context, listID, name string) (tracker.Card, error)
	CreateCard(ctx context.Context, listID, name, description string) (tracker.Card, error)
	UpdateCardDescription(ctx context.Context, cardID, description string) error
}

// CardName is the icebox card title holding a project's findings.
func CardName(project string) string {
	return "Maintenance: " + project
}

// PublishFindings records actionable maintenance output on the icebox list,
// creating the project's findings card or replacing its description.
func PublishFindings(ctx context.Context, board Board, iceboxListID, project, summary string) error {
	name := CardName(project)
	card, err := board.FindCardByName(ctx, iceboxListID, name)
	if errors.Is(err, errors.ErrCardNotFound) {
		_, err = board.CreateCard(ctx, iceboxListID, name, summary)
		return err
	}
	if err != nil {
		return err
	}
	return board.UpdateCardDescription(ctx, card.ID, summary)
}
