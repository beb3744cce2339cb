// Package state persists TreLLM's durable state: per-project agent sessions,
// the processed-card ledger and per-project ticket counters, as a single JSON
// document. Every mutation is written through immediately with an atomic
// temp-file-then-rename, so a crash between tasks loses at most the task that
// was in flight.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Ledger statuses.
const (
	StatusStarted  = "started"
	StatusComplete = "complete"
	StatusError    = "error"
)

// ProjectSession is the continuity record for one project.
type ProjectSession struct {
	SessionID       string `json:"session_id"`
	LastActivity    string `json:"last_activity"`
	LastCardID      string `json:"last_card_id,omitempty"`
	LastMaintenance string `json:"last_maintenance,omitempty"`
}

// LedgerEntry records the processing outcome for one card.
type LedgerEntry struct {
	Status      string `json:"status"`
	ProcessedAt string `json:"processed_at"`
}

// ProjectUsage accumulates agent resource usage for one project.
type ProjectUsage struct {
	Tasks        int     `json:"tasks"`
	CostUSD      float64 `json:"cost_usd"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
}

// document is the serialized state schema.
type document struct {
	Sessions  map[string]*ProjectSession `json:"sessions"`
	Processed map[string]*LedgerEntry    `json:"processed"`
	Tickets   map[string]int             `json:"tickets"`
	Usage     map[string]*ProjectUsage   `json:"usage,omitempty"`
}

func emptyDocument() *document {
	return &document{
		Sessions:  make(map[string]*ProjectSession),
		Processed: make(map[string]*LedgerEntry),
		Tickets:   make(map[string]int),
		Usage:     make(map[string]*ProjectUsage),
	}
}

// Store is the durable state store. It is safe for concurrent use; all
// mutations are serialized and persisted before returning.
type Store struct {
	path string
	mu   sync.Mutex
	doc  *document
	// now is swappable for tests
	now func() time.Time
}

// Open loads the store from path. A missing or corrupt file yields an empty
// initialized document rather than an error; corruption is reported through
// the returned recovered flag so the caller can log the loss of continuity.
func Open(path string) (s *Store, recovered bool, err error) {
	s = &Store{
		path: path,
		doc:  emptyDocument(),
		now:  time.Now,
	}

	data, readErr := os.ReadFile(path)
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return s, false, nil
		}
		return s, true, nil
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return s, true, nil
	}
	if doc.Sessions == nil {
		doc.Sessions = make(map[string]*ProjectSession)
	}
	if doc.Processed == nil {
		doc.Processed = make(map[string]*LedgerEntry)
	}
	if doc.Tickets == nil {
		doc.Tickets = make(map[string]int)
	}
	if doc.Usage == nil {
		doc.Usage = make(map[string]*ProjectUsage)
	}
	s.doc = &doc
	return s, false, nil
}

// save writes the document atomically. Callers must hold s.mu.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp) // best-effort cleanup
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Session returns the session token for a project, or "" when none is stored.
func (s *Store) Session(project string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess := s.doc.Sessions[project]; sess != nil {
		return sess.SessionID
	}
	return ""
}

// LastCardID returns the id of the last card dispatched for a project.
func (s *Store) LastCardID(project string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess := s.doc.Sessions[project]; sess != nil {
		return sess.LastCardID
	}
	return ""
}

// SetSession replaces a project's session token wholesale and stamps
// last-activity. lastCardID is preserved from the previous record when empty.
func (s *Store) SetSession(project, sessionID, lastCardID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.doc.Sessions[project]
	if sess == nil {
		sess = &ProjectSession{}
		s.doc.Sessions[project] = sess
	}
	sess.SessionID = sessionID
	sess.LastActivity = s.now().UTC().Format(time.RFC3339)
	if lastCardID != "" {
		sess.LastCardID = lastCardID
	}
	return s.save()
}

// IsProcessed reports whether a card has a complete ledger entry.
// Entries in started or error state do not block redispatch.
func (s *Store) IsProcessed(cardID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.doc.Processed[cardID]
	return entry != nil && entry.Status == StatusComplete
}

// LedgerTimestamp returns the recorded processing time for a card,
// or the zero time when the card has no ledger entry.
func (s *Store) LedgerTimestamp(cardID string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.doc.Processed[cardID]
	if entry == nil {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, entry.ProcessedAt)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// MarkProcessed appends a ledger entry for a card with the given status.
func (s *Store) MarkProcessed(cardID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.doc.Processed[cardID] = &LedgerEntry{
		Status:      status,
		ProcessedAt: s.now().UTC().Format(time.RFC3339),
	}
	return s.save()
}

// ClearProcessed removes a card's ledger entry so it becomes eligible again.
func (s *Store) ClearProcessed(cardID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.doc.Processed[cardID]; !ok {
		return nil
	}
	delete(s.doc.Processed, cardID)
	return s.save()
}

// TicketCount returns the completed-ticket counter for a project.
func (s *Store) TicketCount(project string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Tickets[project]
}

// IncrementTicketCount bumps and returns a project's ticket counter.
func (s *Store) IncrementTicketCount(project string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.doc.Tickets[project]++
	count := s.doc.Tickets[project]
	if err := s.save(); err != nil {
		return count, err
	}
	return count, nil
}

// LastMaintenance returns the timestamp of a project's last maintenance run,
// or "" when maintenance has never run.
func (s *Store) LastMaintenance(project string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess := s.doc.Sessions[project]; sess != nil {
		return sess.LastMaintenance
	}
	return ""
}

// SetLastMaintenance stamps a project's maintenance marker with the current time.
func (s *Store) SetLastMaintenance(project string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.doc.Sessions[project]
	if sess == nil {
		sess = &ProjectSession{}
		s.doc.Sessions[project] = sess
	}
	sess.LastMaintenance = s.now().UTC().Format(time.RFC3339)
	return s.save()
}

// RecordUsage accumulates invocation cost and token counts for a project.
func (s *Store) RecordUsage(project string, costUSD float64, inputTokens, outputTokens int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.doc.Usage[project]
	if u == nil {
		u = &ProjectUsage{}
		s.doc.Usage[project] = u
	}
	u.Tasks++
	u.CostUSD += costUSD
	u.InputTokens += inputTokens
	u.OutputTokens += outputTokens
	return s.save()
}

// UsageTotals returns a copy of the accumulated per-project usage.
func (s *Store) UsageTotals() map[string]ProjectUsage {
	s.mu.Lock()
	defer s.mu.Unlock()

	totals := make(map[string]ProjectUsage, len(s.doc.Usage))
	for project, u := range s.doc.Usage {
		totals[project] = *u
	}
	return totals
}
