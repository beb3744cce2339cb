package agent

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/satu/trellm/internal/errors"
)

// Failure patterns recognized in agent output. The agent reports context
// overflow either with token counts (API error on stderr) or as a bare
// result string, and rate limiting with an optional reset phrase.
var (
	promptTooLongDetailedPattern = regexp.MustCompile(`(?i)prompt is too long:\s*(\d+)\s*tokens?\s*>\s*(\d+)\s*maximum`)
	promptTooLongSimplePattern   = regexp.MustCompile(`(?i)prompt is too long`)
	rateLimitPattern             = regexp.MustCompile(`(?i)rate.?limit.?error|limit reached`)
	rateLimitResetPattern        = regexp.MustCompile(`(?i)resets?\s+(?:in\s+)?(\d+)\s*(hours?|minutes?|days?|h|m|d)\b`)
)

// classifyOutput inspects both output streams for recoverable failure
// signatures. It returns nil when neither stream matches; the exit code is
// judged separately by the caller.
func classifyOutput(stderr, stdout string) error {
	combined := stderr + "\n" + stdout

	if m := promptTooLongDetailedPattern.FindStringSubmatch(combined); m != nil {
		tokens, _ := strconv.Atoi(m[1])
		maximum, _ := strconv.Atoi(m[2])
		return &errors.ContextOverflowError{Tokens: tokens, Maximum: maximum}
	}
	if promptTooLongSimplePattern.MatchString(combined) {
		return &errors.ContextOverflowError{}
	}
	if rateLimitPattern.MatchString(combined) {
		return &errors.RateLimitError{Source: "agent", Reset: parseResetHint(combined)}
	}
	return nil
}

// parseResetHint extracts the agent's reset phrase as a duration.
// Returns 0 when no phrase is present.
func parseResetHint(text string) time.Duration {
	m := rateLimitResetPattern.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	switch strings.ToLower(m[2])[0] {
	case 'h':
		return time.Duration(n) * time.Hour
	case 'm':
		return time.Duration(n) * time.Minute
	case 'd':
		return time.Duration(n) * 24 * time.Hour
	}
	return 0
}

// resultLine is the shape of the agent's final JSON result.
type resultLine struct {
	SessionID    string     `json:"session_id"`
	Result       *string    `json:"result"`
	TotalCostUSD float64    `json:"total_cost_usd"`
	Usage        *usageJSON `json:"usage"`
}

type usageJSON struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheReadTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_input_tokens"`
}

// parseOutput extracts the authoritative result from the agent's output.
//
// The agent emits one JSON object per line; earlier lines are progress
// messages and the final well-formed object carries the session id and
// summary. Lines are therefore scanned in reverse, and the first one that
// decodes and names a session id wins. When no line qualifies the invocation
// still succeeded (the caller has already checked the exit code), so a
// generic summary and an empty session id are returned; a session id is
// never invented.
func parseOutput(output string) *Result {
	result := &Result{
		Summary: "Task completed",
		Output:  output,
	}

	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}

		var parsed resultLine
		if err := json.Unmarshal([]byte(line), &parsed); err != nil {
			continue
		}
		// Distinguish an absent "result" key from an empty summary.
		if parsed.Result != nil && result.Summary == "Task completed" {
			result.Summary = *parsed.Result
		}
		if parsed.SessionID != "" {
			result.SessionID = parsed.SessionID
			if parsed.Usage != nil || parsed.TotalCostUSD > 0 {
				result.Metrics = &Usage{CostUSD: parsed.TotalCostUSD}
				if parsed.Usage != nil {
					result.Metrics.InputTokens = parsed.Usage.InputTokens
					result.Metrics.OutputTokens = parsed.Usage.OutputTokens
					result.Metrics.CacheReadTokens = parsed.Usage.CacheReadTokens
					result.Metrics.CacheCreationTokens = parsed.Usage.CacheCreationTokens
				}
			}
			break
		}
	}
	return result
}
