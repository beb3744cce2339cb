package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openStore(t *testing.T, path string) *Store {
	t.Helper()
	s, _, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestInitialState(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "state.json"))

	if s.Session("project") != "" {
		t.Error("fresh store should have no session")
	}
	if s.IsProcessed("card123") {
		t.Error("fresh store should have no processed cards")
	}
	if s.TicketCount("project") != 0 {
		t.Error("fresh store should have zero tickets")
	}
}

func TestSetAndGetSession(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "state.json"))

	if err := s.SetSession("project1", "session-abc", ""); err != nil {
		t.Fatalf("SetSession: %v", err)
	}
	if err := s.SetSession("project2", "session-xyz", ""); err != nil {
		t.Fatalf("SetSession: %v", err)
	}

	if got := s.Session("project1"); got != "session-abc" {
		t.Errorf("Session(project1) = %q", got)
	}
	if got := s.Session("project2"); got != "session-xyz" {
		t.Errorf("Session(project2) = %q", got)
	}
	if got := s.Session("unknown"); got != "" {
		t.Errorf("Session(unknown) = %q", got)
	}
}

func TestSessionPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	s1 := openStore(t, path)
	if err := s1.SetSession("project", "session-123", "card-1"); err != nil {
		t.Fatalf("SetSession: %v", err)
	}

	s2 := openStore(t, path)
	if got := s2.Session("project"); got != "session-123" {
		t.Errorf("reopened Session = %q", got)
	}
	if got := s2.LastCardID("project"); got != "card-1" {
		t.Errorf("reopened LastCardID = %q", got)
	}
}

func TestSessionReplacedWholesale(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "state.json"))

	_ = s.SetSession("project", "s1", "card-1")
	_ = s.SetSession("project", "s2", "")

	if got := s.Session("project"); got != "s2" {
		t.Errorf("Session = %q, want s2", got)
	}
	// LastCardID survives a token update that doesn't name a card.
	if got := s.LastCardID("project"); got != "card-1" {
		t.Errorf("LastCardID = %q, want card-1", got)
	}

	_ = s.SetSession("project", "s3", "card-2")
	if got := s.LastCardID("project"); got != "card-2" {
		t.Errorf("LastCardID = %q, want card-2", got)
	}
}

func TestLedgerStatuses(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "state.json"))

	_ = s.MarkProcessed("card-a", StatusStarted)
	if s.IsProcessed("card-a") {
		t.Error("started entry should not count as processed")
	}

	_ = s.MarkProcessed("card-a", StatusComplete)
	if !s.IsProcessed("card-a") {
		t.Error("complete entry should count as processed")
	}

	_ = s.MarkProcessed("card-b", StatusError)
	if s.IsProcessed("card-b") {
		t.Error("error entry should not block redispatch")
	}
}

func TestClearProcessed(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "state.json"))

	_ = s.MarkProcessed("card123", StatusComplete)
	if !s.IsProcessed("card123") {
		t.Fatal("card should be processed")
	}

	if err := s.ClearProcessed("card123"); err != nil {
		t.Fatalf("ClearProcessed: %v", err)
	}
	if s.IsProcessed("card123") {
		t.Error("card should be eligible again after clear")
	}

	// Clearing an absent entry is a no-op.
	if err := s.ClearProcessed("never-seen"); err != nil {
		t.Errorf("ClearProcessed(absent): %v", err)
	}
}

func TestLedgerTimestamp(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "state.json"))
	fixed := time.Date(2026, 1, 8, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	_ = s.MarkProcessed("card123", StatusComplete)

	if got := s.LedgerTimestamp("card123"); !got.Equal(fixed) {
		t.Errorf("LedgerTimestamp = %s, want %s", got, fixed)
	}
	if got := s.LedgerTimestamp("unknown"); !got.IsZero() {
		t.Errorf("LedgerTimestamp(unknown) = %s, want zero", got)
	}
}

func TestTicketCounts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := openStore(t, path)

	for want := 1; want <= 3; want++ {
		got, err := s.IncrementTicketCount("project1")
		if err != nil {
			t.Fatalf("IncrementTicketCount: %v", err)
		}
		if got != want {
			t.Errorf("IncrementTicketCount = %d, want %d", got, want)
		}
	}
	if _, err := s.IncrementTicketCount("project2"); err != nil {
		t.Fatalf("IncrementTicketCount: %v", err)
	}

	s2 := openStore(t, path)
	if got := s2.TicketCount("project1"); got != 3 {
		t.Errorf("persisted TicketCount(project1) = %d", got)
	}
	if got := s2.TicketCount("project2"); got != 1 {
		t.Errorf("persisted TicketCount(project2) = %d", got)
	}
}

func TestLastMaintenance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := openStore(t, path)

	if s.LastMaintenance("p") != "" {
		t.Error("fresh project should have no maintenance marker")
	}

	if err := s.SetLastMaintenance("p"); err != nil {
		t.Fatalf("SetLastMaintenance: %v", err)
	}
	marker := s.LastMaintenance("p")
	if _, err := time.Parse(time.RFC3339, marker); err != nil {
		t.Errorf("marker %q is not RFC3339: %v", marker, err)
	}

	s2 := openStore(t, path)
	if got := s2.LastMaintenance("p"); got != marker {
		t.Errorf("persisted marker = %q, want %q", got, marker)
	}
	if s2.LastMaintenance("other") != "" {
		t.Error("marker should be per-project")
	}
}

func TestCorruptFileYieldsEmptyState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("not valid json"), 0644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	s, recovered, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !recovered {
		t.Error("Open should report recovery from corruption")
	}
	if s.Session("project") != "" {
		t.Error("recovered store should be empty")
	}
}

func TestAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	s := openStore(t, path)

	if err := s.SetSession("p", "s1", ""); err != nil {
		t.Fatalf("SetSession: %v", err)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file should be removed after atomic rename")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("state file missing: %v", err)
	}
}

func TestRecordUsage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := openStore(t, path)

	_ = s.RecordUsage("p", 0.42, 1000, 250)
	_ = s.RecordUsage("p", 0.08, 500, 100)

	totals := openStore(t, path).UsageTotals()
	u, ok := totals["p"]
	if !ok {
		t.Fatal("usage for p missing")
	}
	if u.Tasks != 2 {
		t.Errorf("Tasks = %d, want 2", u.Tasks)
	}
	if u.CostUSD < 0.499 || u.CostUSD > 0.501 {
		t.Errorf("CostUSD = %f, want 0.50", u.CostUSD)
	}
	if u.InputTokens != 1500 || u.OutputTokens != 350 {
		t.Errorf("tokens = %d/%d, want 1500/350", u.InputTokens, u.OutputTokens)
	}
}
