package tui

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fentz26/lockwarden/internal/controlplane"
	"github.com/fentz26/lockwarden/internal/locks"
	"github.com/fentz26/lockwarden/internal/models"
)

func newDaemon(t *testing.T) *Client {
	t.Helper()
	svc, err := controlplane.NewService(controlplane.Options{
		Locks: locks.Options{DefaultTTL: 10 * time.Minute},
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	ts := httptest.NewServer(controlplane.NewServer(svc, "").Handler())
	t.Cleanup(ts.Close)
	return NewClient(ts.URL)
}

func TestClient_LockFlow(t *testing.T) {
	c := newDaemon(t)

	if ok, err := c.CheckHealth(); err != nil || !ok {
		t.Fatalf("CheckHealth = %v, %v", ok, err)
	}

	a, err := c.RequestLock("A", "file:src/app.go", models.LockLevelWrite)
	if err != nil || a.Outcome != locks.OutcomeGranted {
		t.Fatalf("A request = %+v, %v", a, err)
	}
	b, err := c.RequestLock("B", "file:src/app.go", models.LockLevelWrite)
	if err != nil || b.Outcome != locks.OutcomeQueued {
		t.Fatalf("B request = %+v, %v", b, err)
	}

	_, err = c.ReleaseLock("B", a.Lock.ID)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusForbidden {
		t.Fatalf("release by non-owner err = %v, want 403", err)
	}

	rel, err := c.ReleaseLock("A", a.Lock.ID)
	if err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}
	if len(rel.Promoted) != 1 || rel.Promoted[0].AgentID != "B" {
		t.Errorf("promoted = %+v", rel.Promoted)
	}

	v, err := c.View(10)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if len(v.Locks) != 1 || v.Locks[0].AgentID != "B" || v.Locks[0].Indicator.Tag != "LOCKED" {
		t.Errorf("locks = %+v", v.Locks)
	}
	if len(v.Agents) != 2 || len(v.Activity) == 0 {
		t.Errorf("agents = %d, activity = %d", len(v.Agents), len(v.Activity))
	}
}

func TestRun_Commands(t *testing.T) {
	c := newDaemon(t)

	msg, err := run(c, "lock", []string{"A", "file:src/a.go"})
	if err != nil || !strings.HasPrefix(msg, "✓ Granted") {
		t.Fatalf("lock = %q, %v", msg, err)
	}
	msg, err = run(c, "lock", []string{"B", "file:src/a.go", "read"})
	if err != nil || !strings.HasPrefix(msg, "◌ Queued") {
		t.Fatalf("second lock = %q, %v", msg, err)
	}
	msg, err = run(c, "queue", []string{"file:src/a.go"})
	if err != nil || !strings.Contains(msg, "B(") {
		t.Errorf("queue = %q, %v", msg, err)
	}
	msg, err = run(c, "task", []string{"refactor", "file:src/b.go,file:src/c.go", "split", "module"})
	if err != nil || !strings.HasPrefix(msg, "✓ Created task") {
		t.Errorf("task = %q, %v", msg, err)
	}

	if _, err := run(c, "lock", []string{"A"}); !errors.Is(err, errUsage) {
		t.Errorf("short lock err = %v, want usage", err)
	}
	if _, err := run(c, "frobnicate", nil); err == nil {
		t.Error("expected error for unknown command")
	}
	if _, err := run(c, "renew", []string{"A", "x", "soon"}); err == nil {
		t.Error("expected error for bad seconds")
	}
}

func TestSuggestions(t *testing.T) {
	s := NewSuggestions()

	s.Update("re")
	if !s.IsVisible() {
		t.Fatal("expected command suggestions")
	}
	var got []string
	for _, it := range s.filtered {
		got = append(got, it.Text)
	}
	if strings.Join(got, ",") != "release,renew,resolve" {
		t.Errorf("filtered = %v", got)
	}
	if out := s.Accept("re"); out != "release " {
		t.Errorf("Accept = %q", out)
	}

	s.SetRefs([]SuggestionItem{{Text: "agent-1"}, {Text: "lock-abc"}})
	s.Update("release @ag")
	if sel := s.Selected(); sel == nil || sel.Text != "agent-1" {
		t.Fatalf("selected = %+v", sel)
	}
	if out := s.Accept("release @ag"); out != "release agent-1 " {
		t.Errorf("Accept = %q", out)
	}

	s.Update("release agent-1 ")
	if s.IsVisible() {
		t.Error("no suggestions expected after a trailing space")
	}
}

func testView(now time.Time) *controlplane.View {
	exp := now.Add(90 * time.Second)
	l := models.Lock{
		ID: "lock-0001-aaaa", AgentID: "A", ResourceID: "file:src/a.go",
		LockLevel: models.LockLevelWrite, Status: models.LockStatusActive, ExpiresAt: &exp,
	}
	return &controlplane.View{
		Agents: []models.Agent{{ID: "A", Status: models.AgentStatusWorking, HeldLocks: []string{l.ID}, LastActivity: now}},
		Locks:  []controlplane.LockView{{Lock: l, Indicator: l.Indicator()}},
		Tasks:  []models.Task{{ID: "task-0002-bbbb", TaskType: "fix", Status: models.TaskStatusPending}},
		Conflicts: []models.Conflict{{
			ID: "conf-0003-cccc", Type: models.ConflictResourceOverlap,
			Severity: models.SeverityMedium, AgentsInvolved: []string{"A", "B"},
		}},
		Activity: []models.ActivityEntry{{ID: 7, Timestamp: now, Action: "lock_acquire", Message: "granted"}},
	}
}

func TestRowsAndDetail(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	v := testView(now)

	tests := []struct {
		tab   Tab
		first string
	}{
		{TabLocks, "● LOCKED"},
		{TabAgents, "A"},
		{TabTasks, "pending"},
		{TabConflicts, "resource-overlap"},
		{TabActivity, "7"},
	}
	for _, tt := range tests {
		rs := rows(tt.tab, v, now)
		if len(rs) != 1 {
			t.Fatalf("%s: %d rows", tt.tab, len(rs))
		}
		if rs[0][0] != tt.first {
			t.Errorf("%s: first cell = %q, want %q", tt.tab, rs[0][0], tt.first)
		}
		if len(rs[0]) != len(columns(tt.tab)) {
			t.Errorf("%s: %d cells for %d columns", tt.tab, len(rs[0]), len(columns(tt.tab)))
		}
		if detail(tt.tab, v, 0, now) == "" {
			t.Errorf("%s: empty detail", tt.tab)
		}
		if detail(tt.tab, v, 5, now) != "" {
			t.Errorf("%s: detail out of range should be empty", tt.tab)
		}
	}

	if got := rows(TabLocks, v, now)[0][5]; got != "1m30s" {
		t.Errorf("ttl = %q, want 1m30s", got)
	}
}

func TestApp_TabsAndIDs(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	a := New("127.0.0.1:1", false)
	a.now = func() time.Time { return now }

	a.Update(viewLoadedMsg{testView(now)})
	if len(a.table.Rows()) != 1 {
		t.Fatalf("lock rows = %d", len(a.table.Rows()))
	}

	a.Update(keyMsg("3"))
	if a.tab != TabTasks {
		t.Fatalf("tab = %s, want Tasks", a.tab)
	}
	if len(a.table.Columns()) != len(columns(TabTasks)) {
		t.Errorf("columns not switched")
	}

	if got := a.resolveID("task-0002"); got != "task-0002-bbbb" {
		t.Errorf("resolveID = %q", got)
	}
	if got := a.resolveID("A"); got != "A" {
		t.Errorf("short ids pass through, got %q", got)
	}

	a.Update(keyMsg(":"))
	if !a.cmdbar.Focused() {
		t.Error("command bar not focused after :")
	}
	a.Update(keyMsg("esc"))
	if a.cmdbar.Focused() {
		t.Error("command bar still focused after esc")
	}

	if !strings.Contains(a.View(), "LOCKWARDEN") {
		t.Error("header missing from view")
	}
}

func keyMsg(s string) tea.KeyMsg {
	switch s {
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	default:
		return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
	}
}
