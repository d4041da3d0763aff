package agents

import (
	"testing"
	"time"

	"github.com/fentz26/lockwarden/internal/audit"
	"github.com/fentz26/lockwarden/internal/clock"
	"github.com/fentz26/lockwarden/internal/errors"
	"github.com/fentz26/lockwarden/internal/locks"
	"github.com/fentz26/lockwarden/internal/models"
)

func newTestRegistry(t *testing.T) (*Registry, *clock.Fake, *audit.Log) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	log := audit.NewLog(clk)
	return NewRegistry(clk, log, Options{HeartbeatTimeout: time.Minute}), clk, log
}

func TestRegister(t *testing.T) {
	r, _, log := newTestRegistry(t)

	a, err := r.Register("agent-1", []string{"Go", "python", "go", " "})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if a.Status != models.AgentStatusIdle {
		t.Errorf("status = %s, want idle", a.Status)
	}
	if len(a.Capabilities) != 2 || a.Capabilities[0] != "go" || a.Capabilities[1] != "python" {
		t.Errorf("capabilities = %v, want [go python]", a.Capabilities)
	}
	if a.HeldLocks == nil {
		t.Error("held_locks should be an empty list, not nil")
	}

	if _, err := r.Register("  ", nil); !errors.IsValidation(err) {
		t.Errorf("empty id error = %v, want ValidationError", err)
	}

	a, err = r.Register("agent-1", []string{"rust"})
	if err != nil {
		t.Fatalf("re-Register() error = %v", err)
	}
	if len(a.Capabilities) != 1 || a.Capabilities[0] != "rust" {
		t.Errorf("capabilities after refresh = %v", a.Capabilities)
	}
	if got := len(r.List()); got != 1 {
		t.Errorf("List() = %d agents, want 1", got)
	}
	if log.Len() != 2 {
		t.Errorf("log entries = %d, want 2", log.Len())
	}
}

func TestHeartbeatAndInactivity(t *testing.T) {
	r, clk, log := newTestRegistry(t)
	r.Register("a", nil)
	r.Register("b", nil)

	var changes []Change
	r.Subscribe(func(c Change) { changes = append(changes, c) })

	clk.Advance(45 * time.Second)
	if _, err := r.Heartbeat("a"); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	before := log.Len()
	clk.Advance(30 * time.Second)

	ids := r.SweepHeartbeats(clk.Now())
	if len(ids) != 1 || ids[0] != "b" {
		t.Fatalf("SweepHeartbeats() = %v, want [b]", ids)
	}
	if got := r.Inactive(); len(got) != 1 || got[0] != "b" {
		t.Errorf("Inactive() = %v, want [b]", got)
	}
	if again := r.SweepHeartbeats(clk.Now()); len(again) != 0 {
		t.Errorf("second sweep = %v, want none", again)
	}
	if log.Len() != before+1 {
		t.Errorf("sweep wrote %d entries, want 1", log.Len()-before)
	}

	if _, err := r.Heartbeat("b"); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	if b, _ := r.Get("b"); b.Inactive {
		t.Error("b still inactive after heartbeat")
	}
	if len(changes) != 2 || changes[0].Kind != ChangeInactive || changes[1].Kind != ChangeActive {
		t.Errorf("changes = %+v", changes)
	}

	if _, err := r.Heartbeat("nobody"); !errors.Is(err, errors.ErrAgentNotFound) {
		t.Errorf("unknown heartbeat error = %v, want ErrAgentNotFound", err)
	}
}

func TestDerivedStatus(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	r.Register("a", nil)

	lock := models.Lock{ID: "l1", AgentID: "a"}
	r.OnLockEvent(locks.Event{Kind: locks.EventQueued, Lock: lock})
	if a, _ := r.Get("a"); a.Status != models.AgentStatusWaiting || len(a.Waiting) != 1 {
		t.Fatalf("after queue: %+v", a)
	}
	r.OnLockEvent(locks.Event{Kind: locks.EventGranted, Lock: lock})
	a, _ := r.Get("a")
	if a.Status != models.AgentStatusIdle || len(a.HeldLocks) != 1 || len(a.Waiting) != 0 {
		t.Fatalf("after grant: %+v", a)
	}

	r.OnTaskChange("t1", []string{"a"}, models.TaskStatusAssigned)
	r.OnTaskChange("t2", []string{"a"}, models.TaskStatusAssigned)
	if a, _ := r.Get("a"); a.Status != models.AgentStatusIdle || a.CurrentTask != "t1" {
		t.Fatalf("after assign: status %s current %s", a.Status, a.CurrentTask)
	}
	r.OnTaskChange("t2", []string{"a"}, models.TaskStatusInProgress)
	if a, _ := r.Get("a"); a.Status != models.AgentStatusWorking || a.CurrentTask != "t2" {
		t.Fatalf("after start: status %s current %s", a.Status, a.CurrentTask)
	}
	r.OnTaskChange("t2", []string{"a"}, models.TaskStatusCompleted)
	r.OnTaskChange("t1", []string{"a"}, models.TaskStatusPending)
	a, _ = r.Get("a")
	if a.Status != models.AgentStatusIdle || a.CurrentTask != "" || len(a.Tasks) != 0 {
		t.Fatalf("after complete: %+v", a)
	}

	r.OnLockEvent(locks.Event{Kind: locks.EventSplit, Lock: lock, Replaced: []models.Lock{{ID: "l2", AgentID: "a"}, {ID: "l3", AgentID: "a"}}})
	if a, _ := r.Get("a"); len(a.HeldLocks) != 2 || a.HeldLocks[0] != "l2" {
		t.Fatalf("after split: %v", a.HeldLocks)
	}

	// locks of unknown agents are ignored
	r.OnLockEvent(locks.Event{Kind: locks.EventGranted, Lock: models.Lock{ID: "x", AgentID: "ghost"}})
	if _, ok := r.Get("ghost"); ok {
		t.Error("lock event registered an unknown agent")
	}
}

type stubReclaimer struct {
	agents []string
}

func (s *stubReclaimer) ReclaimAgent(agentID, reason string) []models.Lock {
	s.agents = append(s.agents, agentID)
	return []models.Lock{{ID: "l1", AgentID: agentID}}
}

func TestReportErrorAndRecover(t *testing.T) {
	r, _, log := newTestRegistry(t)
	rc := &stubReclaimer{}
	r.SetReclaimer(rc)
	r.Register("a", []string{"go"})

	var faults int
	r.Subscribe(func(c Change) {
		if c.Kind == ChangeFault {
			faults++
		}
	})

	a, err := r.ReportError("a", "crashed")
	if err != nil {
		t.Fatalf("ReportError() error = %v", err)
	}
	if a.Status != models.AgentStatusError || a.ErrorReason != "crashed" {
		t.Errorf("agent = %+v, want error/crashed", a)
	}
	if len(rc.agents) != 1 || rc.agents[0] != "a" {
		t.Errorf("reclaimed = %v, want [a]", rc.agents)
	}
	if faults != 1 {
		t.Errorf("fault notifications = %d, want 1", faults)
	}
	last := log.Recent(1)[0]
	if last.Action != "agent.error" || last.Status != models.LogWarning {
		t.Errorf("last entry = %s/%s, want agent.error/warning", last.Action, last.Status)
	}
	if err := r.Eligible("a", nil); !errors.Is(err, errors.ErrAgentUnavailable) {
		t.Errorf("Eligible() = %v, want ErrAgentUnavailable", err)
	}

	if _, err := r.Recover("a"); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if err := r.Eligible("a", []string{"GO"}); err != nil {
		t.Errorf("Eligible() after recover = %v", err)
	}
	if _, err := r.Recover("a"); !errors.IsValidation(err) {
		t.Errorf("second Recover() error = %v, want ValidationError", err)
	}
}

func TestEligible(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	r.Register("a", []string{"go"})
	r.Register("b", []string{"go"})
	r.OnTaskChange("t1", []string{"b"}, models.TaskStatusInProgress)

	tests := []struct {
		id       string
		required []string
		want     error
	}{
		{"a", []string{"go"}, nil},
		{"a", []string{"python"}, errors.ErrMissingCapability},
		{"b", nil, errors.ErrAgentBusy},
		{"c", nil, errors.ErrAgentNotFound},
	}
	for _, tt := range tests {
		err := r.Eligible(tt.id, tt.required)
		if tt.want == nil {
			if err != nil {
				t.Errorf("Eligible(%s) = %v, want nil", tt.id, err)
			}
			continue
		}
		if !errors.Is(err, tt.want) {
			t.Errorf("Eligible(%s) = %v, want %v", tt.id, err, tt.want)
		}
	}

	idle := r.Idle()
	if len(idle) != 1 || idle[0].ID != "a" {
		t.Errorf("Idle() = %+v, want [a]", idle)
	}
}

func TestRestore(t *testing.T) {
	r, clk, _ := newTestRegistry(t)
	now := clk.Now()
	r.Restore([]models.Agent{
		{ID: "a", Status: models.AgentStatusError, ErrorReason: "boom", HeldLocks: []string{"l1"}, RegisteredAt: now, LastActivity: now},
		{ID: "b", Status: models.AgentStatusWaiting, Waiting: []string{"l2"}, RegisteredAt: now, LastActivity: now},
	})

	a, _ := r.Get("a")
	if a.Status != models.AgentStatusError || len(a.HeldLocks) != 1 {
		t.Errorf("a = %+v", a)
	}
	b, _ := r.Get("b")
	if b.Status != models.AgentStatusWaiting {
		t.Errorf("b status = %s, want waiting", b.Status)
	}
}

func TestOnLockEvent_DropsStaleEvents(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	r.Register("a", nil)
	lock := models.Lock{ID: "l1", AgentID: "a"}

	r.OnLockEvent(locks.Event{Kind: locks.EventReleased, Lock: lock, Seq: 7})
	r.OnLockEvent(locks.Event{Kind: locks.EventGranted, Lock: lock, Seq: 6})
	if a, _ := r.Get("a"); len(a.HeldLocks) != 0 {
		t.Errorf("held = %v after late grant of a released lock", a.HeldLocks)
	}

	waiter := models.Lock{ID: "l2", AgentID: "a"}
	r.OnLockEvent(locks.Event{Kind: locks.EventGranted, Lock: waiter, Seq: 9})
	r.OnLockEvent(locks.Event{Kind: locks.EventQueued, Lock: waiter, Seq: 8})
	a, _ := r.Get("a")
	if len(a.HeldLocks) != 1 || len(a.Waiting) != 0 || a.Status != models.AgentStatusIdle {
		t.Errorf("agent = held %v waiting %v status %s, want only l2 held", a.HeldLocks, a.Waiting, a.Status)
	}
}

func TestOnLockEvent_ConcurrentDeliveryFromManager(t *testing.T) {
	r, clk, log := newTestRegistry(t)
	r.Register("a", nil)
	r.Register("b", nil)

	lm := locks.New(clk, log, locks.Options{DefaultTTL: time.Minute})
	paused := make(chan struct{})
	resume := make(chan struct{})
	lm.Subscribe(func(ev locks.Event) {
		if ev.Kind == locks.EventReleased && ev.Lock.AgentID == "b" {
			close(paused)
			<-resume
		}
	})
	lm.Subscribe(r.OnLockEvent)

	held, err := lm.Request(locks.Request{AgentID: "b", ResourceID: "file:src/a.go", Level: models.LockLevelWrite})
	if err != nil || held.Outcome != locks.OutcomeGranted {
		t.Fatalf("b request = %+v, %v", held, err)
	}
	queued, err := lm.Request(locks.Request{AgentID: "a", ResourceID: "file:src/a.go", Level: models.LockLevelWrite})
	if err != nil || queued.Outcome != locks.OutcomeQueued {
		t.Fatalf("a request = %+v, %v", queued, err)
	}

	// b's release promotes a, but its events stall before reaching the
	// registry while a releases the promoted lock.
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := lm.Release("b", held.Lock.ID); err != nil {
			t.Errorf("release b: %v", err)
		}
	}()
	<-paused
	if _, err := lm.Release("a", queued.Lock.ID); err != nil {
		t.Fatalf("release a: %v", err)
	}
	close(resume)
	<-done

	for _, id := range []string{"a", "b"} {
		ag, _ := r.Get(id)
		if len(ag.HeldLocks) != 0 || len(ag.Waiting) != 0 {
			t.Errorf("%s: held %v waiting %v, want none", id, ag.HeldLocks, ag.Waiting)
		}
		if ag.Status != models.AgentStatusIdle {
			t.Errorf("%s: status = %s, want idle", id, ag.Status)
		}
	}
	if live := lm.Live(locks.Filter{}); len(live) != 0 {
		t.Errorf("live locks = %d, want 0", len(live))
	}
}
