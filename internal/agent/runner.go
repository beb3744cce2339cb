// Package agent runs the coding-agent subprocess and interprets its output.
// A Runner performs exactly one invocation per call; compaction retries and
// rate-limit waits are the orchestrator's decision.
package agent

import (
	"context"
	"os/exec"
	"time"

	"github.com/google/uuid"

	"github.com/satu/trellm/internal/config"
	"github.com/satu/trellm/internal/errors"
	"github.com/satu/trellm/internal/logging"
)

// outputLimit caps captured bytes per stream. The agent can emit very long
// JSON lines; anything past the cap is discarded and flagged.
const outputLimit = 10 * 1024 * 1024

// stderrExcerptLimit bounds the stderr carried inside an AgentError.
const stderrExcerptLimit = 2048

// compactPrompt is the agent's built-in conversation compaction command.
const compactPrompt = "/compact"

// Usage holds the token and cost metrics reported by one invocation.
type Usage struct {
	InputTokens         int64
	OutputTokens        int64
	CacheReadTokens     int64
	CacheCreationTokens int64
	CostUSD             float64
}

// Result is the outcome of a successful invocation.
type Result struct {
	// SessionID is the conversation token to persist, empty when the agent
	// did not report one.
	SessionID string
	// Summary is the agent's final result text, or a generic fallback.
	Summary string
	// Output is the full captured stdout.
	Output string
	// Truncated reports that stdout exceeded the capture cap.
	Truncated bool
	// Metrics is nil when the agent reported no usage.
	Metrics *Usage
}

// Request describes one invocation.
type Request struct {
	Prompt    string
	Project   string
	SessionID string
	WorkDir   string
	Timeout   time.Duration
}

// Runner invokes the agent binary. Safe for reuse across invocations.
type Runner struct {
	binary          string
	skipPermissions bool
	logger          *logging.Logger
}

// NewRunner creates a Runner from agent configuration.
func NewRunner(cfg config.AgentConfig, logger *logging.Logger) *Runner {
	return &Runner{
		binary:          cfg.Binary,
		skipPermissions: cfg.SkipPermissions,
		logger:          logger,
	}
}

// Invoke runs the agent once and interprets the outcome.
//
// Failure signatures in the output streams take precedence over the exit
// code, because the agent sometimes exits zero after printing "Prompt is too
// long" as its result. Cancellation of ctx is reported as ctx.Err(), distinct
// from a TimeoutError, so the caller can tell shutdown from a stuck task.
func (r *Runner) Invoke(ctx context.Context, req Request) (*Result, error) {
	log := r.logger.With("invocation_id", uuid.NewString()[:8], "project", req.Project)

	args := []string{"-p", req.Prompt, "--output-format", "json"}
	if r.skipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}

	runCtx := ctx
	cancel := func() {}
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.binary, args...)
	cmd.Dir = req.WorkDir
	stdout := newCappedBuffer(outputLimit)
	stderr := newCappedBuffer(outputLimit)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Don't wait forever on grandchildren holding the pipes open after kill.
	cmd.WaitDelay = 10 * time.Second

	log.Info("invoking agent",
		"binary", r.binary,
		"resume", req.SessionID != "",
		"timeout_seconds", int(req.Timeout.Seconds()))

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		log.Warn("agent invocation cancelled", "elapsed", elapsed.Round(time.Second).String())
		return nil, ctx.Err()
	}
	if runCtx.Err() == context.DeadlineExceeded {
		log.Warn("agent timed out", "timeout_seconds", int(req.Timeout.Seconds()))
		return nil, &errors.TimeoutError{After: req.Timeout}
	}

	outStr, errStr := stdout.String(), stderr.String()
	if stdout.Truncated() || stderr.Truncated() {
		log.Warn("agent output truncated", "limit_bytes", outputLimit)
	}

	if cerr := classifyOutput(errStr, outStr); cerr != nil {
		log.Warn("agent reported recoverable failure", "error", cerr.Error())
		return nil, cerr
	}
	if runErr != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		log.Error("agent failed", "exit_code", exitCode)
		return nil, &errors.AgentError{ExitCode: exitCode, Stderr: excerpt(errStr)}
	}

	result := parseOutput(outStr)
	result.Truncated = stdout.Truncated()
	log.Info("agent completed",
		"elapsed", elapsed.Round(time.Second).String(),
		"session_reported", result.SessionID != "")
	return result, nil
}

// Compact runs the agent's conversation compaction against a session and
// returns the replacement session id.
func (r *Runner) Compact(ctx context.Context, project, sessionID, workDir string, timeout time.Duration) (string, error) {
	res, err := r.Invoke(ctx, Request{
		Prompt:    compactPrompt,
		Project:   project,
		SessionID: sessionID,
		WorkDir:   workDir,
		Timeout:   timeout,
	})
	if err != nil {
		return "", err
	}
	if res.SessionID == "" {
		return "", errors.New("compaction reported no session id")
	}
	return res.SessionID, nil
}

func excerpt(s string) string {
	if len(s) > stderrExcerptLimit {
		return s[:stderrExcerptLimit]
	}
	return s
}

// cappedBuffer keeps the first max bytes written and discards the rest.
type cappedBuffer struct {
	max       int
	buf       []byte
	truncated bool
}

func newCappedBuffer(max int) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remaining := b.max - len(b.buf)
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf = append(b.buf, p[:remaining]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *cappedBuffer) String() string { return string(b.buf) }

func (b *cappedBuffer) Truncated() bool { return b.truncated }
