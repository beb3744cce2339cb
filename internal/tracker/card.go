// Package tracker adapts the remote Trello board into TreLLM's task source.
// It fetches pending cards, derives routing decisions from card titles, and
// performs the comment/move/create write-backs the orchestrator needs.
package tracker

import (
	"strings"
	"time"
)

// Card is an immutable snapshot of one remote list entry. It is re-fetched
// every cycle; mutations happen only on the remote resource.
type Card struct {
	ID           string
	Name         string
	Description  string
	URL          string
	LastActivity time.Time
}

// Project derives the routing key from a card name: the first whitespace
// token, lowercased, with a trailing colon stripped. A name with no
// whitespace routes the whole name; an empty name routes to "unknown".
func Project(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return "unknown"
	}
	return strings.ToLower(strings.TrimSuffix(fields[0], ":"))
}

// Remainder returns the card name with the project token removed and
// surrounding whitespace trimmed.
func Remainder(name string) string {
	fields := strings.Fields(name)
	if len(fields) < 2 {
		return ""
	}
	idx := strings.Index(name, fields[0])
	return strings.TrimSpace(name[idx+len(fields[0]):])
}

// Command identifies a special card handled without a task invocation.
type Command string

const (
	// CommandStats asks for accumulated usage statistics as a comment.
	CommandStats Command = "/stats"
	// CommandMaintain triggers a maintenance run out of schedule.
	CommandMaintain Command = "/maintain"
)

// ParseCommand recognizes a command card: the command token must be the
// entire remainder after the project token, case-insensitively. When
// validProjects is non-nil, the project must be a configured one; this keeps
// stray cards mentioning a command from being swallowed.
func ParseCommand(name string, validProjects map[string]bool) (Command, bool) {
	fields := strings.Fields(name)
	if len(fields) != 2 {
		return "", false
	}
	if validProjects != nil && !validProjects[Project(name)] {
		return "", false
	}
	switch strings.ToLower(fields[1]) {
	case string(CommandStats):
		return CommandStats, true
	case string(CommandMaintain):
		return CommandMaintain, true
	}
	return "", false
}
