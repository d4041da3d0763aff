package conflict

import (
	"strings"
	"testing"
	"time"

	"github.com/fentz26/lockwarden/internal/audit"
	"github.com/fentz26/lockwarden/internal/clock"
	"github.com/fentz26/lockwarden/internal/errors"
	"github.com/fentz26/lockwarden/internal/locks"
	"github.com/fentz26/lockwarden/internal/models"
)

type fakeAgents struct {
	inactive []string
	faulted  []string
	onFault  func(id string)
}

func (f *fakeAgents) Inactive() []string { return f.inactive }

func (f *fakeAgents) Fault(id, reason string) error {
	f.faulted = append(f.faulted, id)
	if f.onFault != nil {
		f.onFault(id)
	}
	return nil
}

type harness struct {
	clk    *clock.Fake
	log    *audit.Log
	locks  *locks.Manager
	agents *fakeAgents
	det    *Detector
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	log := audit.NewLog(clk)
	lm := locks.New(clk, log, locks.Options{DefaultTTL: 10 * time.Minute, StrictInvariants: true})
	fa := &fakeAgents{}
	fa.onFault = func(id string) { lm.ReclaimAgent(id, "agent error") }
	det := New(clk, log, lm, fa, Options{NegotiateTimeout: time.Minute, StaleGrace: time.Minute})
	return &harness{clk: clk, log: log, locks: lm, agents: fa, det: det}
}

func (h *harness) request(t *testing.T, req locks.Request) locks.Result {
	t.Helper()
	if req.Level == "" {
		req.Level = models.LockLevelWrite
	}
	r, err := h.locks.Request(req)
	if err != nil {
		t.Fatalf("Request(%s, %s) error = %v", req.AgentID, req.ResourceID, err)
	}
	return r
}

func TestArbitrate_WaitRaisesAndAutoResolves(t *testing.T) {
	h := newHarness(t)

	a := h.request(t, locks.Request{AgentID: "A", ResourceID: "file:foo.py", Priority: 5})
	b := h.request(t, locks.Request{AgentID: "B", ResourceID: "file:foo.py", Level: models.LockLevelExclusive, Priority: 10})
	if b.Outcome != locks.OutcomeQueued || b.ConflictID == "" {
		t.Fatalf("result = %s conflict %q, want queued with conflict", b.Outcome, b.ConflictID)
	}

	c, ok := h.det.Get(b.ConflictID)
	if !ok {
		t.Fatal("conflict not recorded")
	}
	if c.Type != models.ConflictResourceOverlap || c.Severity != models.SeverityHigh || c.Resolved {
		t.Errorf("conflict = %+v", c)
	}
	if len(c.AgentsInvolved) != 2 || c.AgentsInvolved[0] != "B" || c.AgentsInvolved[1] != "A" {
		t.Errorf("agents = %v, want [B A]", c.AgentsInvolved)
	}
	if c.Strategy != models.StrategyWait {
		t.Errorf("strategy = %s, want wait", c.Strategy)
	}
	if open := h.det.List(Filter{Unresolved: true}); len(open) != 1 {
		t.Errorf("unresolved = %d, want 1", len(open))
	}

	if _, err := h.locks.Release("A", a.Lock.ID); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	c, _ = h.det.Get(b.ConflictID)
	if !c.Resolved || c.Resolution != "lock granted" || c.ResolvedAt == nil {
		t.Errorf("conflict after release = %+v", c)
	}
	if h.log.Len() != 3 {
		t.Errorf("log entries = %d, want 3", h.log.Len())
	}
}

func TestArbitrate_Severity(t *testing.T) {
	h := newHarness(t)

	h.request(t, locks.Request{AgentID: "A", ResourceID: "file:a.go", Level: models.LockLevelRead})
	partial := h.request(t, locks.Request{AgentID: "B", ResourceID: "file:a.go#L1-5"})
	h.request(t, locks.Request{AgentID: "A", ResourceID: "file:b.go", Level: models.LockLevelRead})
	full := h.request(t, locks.Request{AgentID: "B", ResourceID: "file:b.go"})

	if c, _ := h.det.Get(partial.ConflictID); c.Severity != models.SeverityLow {
		t.Errorf("partial write/read severity = %s, want low", c.Severity)
	}
	if c, _ := h.det.Get(full.ConflictID); c.Severity != models.SeverityMedium {
		t.Errorf("full write/read severity = %s, want medium", c.Severity)
	}
}

func TestArbitrate_Abort(t *testing.T) {
	h := newHarness(t)

	h.request(t, locks.Request{AgentID: "A", ResourceID: "file:a.go"})
	r := h.request(t, locks.Request{AgentID: "B", ResourceID: "file:a.go", Strategy: models.StrategyAbort})
	if r.Outcome != locks.OutcomeDenied {
		t.Fatalf("outcome = %s, want denied", r.Outcome)
	}
	c, _ := h.det.Get(r.ConflictID)
	if !c.Resolved || c.Resolution != "request aborted" {
		t.Errorf("conflict = %+v, want resolved by abort", c)
	}
	last := h.log.Recent(1)[0]
	if last.Status != models.LogFailure {
		t.Errorf("abort entry status = %s, want failure", last.Status)
	}
}

func TestArbitrate_RequestStrategyIsAuthoritative(t *testing.T) {
	h := newHarness(t)

	h.request(t, locks.Request{AgentID: "A", ResourceID: "file:a.go", Strategy: models.StrategyAbort})
	r := h.request(t, locks.Request{AgentID: "B", ResourceID: "file:a.go", Strategy: models.StrategyWait})
	if r.Outcome != locks.OutcomeQueued {
		t.Errorf("outcome = %s, want queued under the later request's strategy", r.Outcome)
	}
}

func TestArbitrate_Merge(t *testing.T) {
	h := newHarness(t)

	a := h.request(t, locks.Request{
		AgentID:    "A",
		ResourceID: "file:a.go",
		TaskID:     "t-a",
		Metadata:   map[string]string{MetaEdit: EditAdditive, MetaFootprint: "file:a.go#L1-10, file:a.go#L40-45"},
	})
	b := h.request(t, locks.Request{
		AgentID:    "B",
		ResourceID: "file:a.go#L20-30",
		Strategy:   models.StrategyMerge,
		Metadata:   map[string]string{MetaEdit: EditAdditive},
	})
	if b.Outcome != locks.OutcomeGranted {
		t.Fatalf("outcome = %s (%s), want granted", b.Outcome, b.Reason)
	}
	held := h.locks.Live(locks.Filter{AgentID: "A"})
	if len(held) != 2 {
		t.Fatalf("A holds %d locks, want 2 finer locks", len(held))
	}
	if old, _ := h.locks.Get(a.Lock.ID); old.EndReason != "split" {
		t.Errorf("coarse lock end reason = %q, want split", old.EndReason)
	}
	c, _ := h.det.Get(b.ConflictID)
	if !c.Resolved || c.Resolution != "merged into finer-grained locks" {
		t.Errorf("conflict = %+v", c)
	}
}

func TestArbitrate_MergeFallsBackToWait(t *testing.T) {
	h := newHarness(t)

	h.request(t, locks.Request{
		AgentID:    "A",
		ResourceID: "file:a.go",
		Metadata:   map[string]string{MetaEdit: EditAdditive, MetaFootprint: "file:a.go#L1-25"},
	})
	cases := []locks.Request{
		{AgentID: "B", ResourceID: "file:a.go#L20-30", Strategy: models.StrategyMerge},
		{AgentID: "C", ResourceID: "file:a.go#L20-30", Strategy: models.StrategyMerge, Metadata: map[string]string{MetaEdit: EditAdditive}},
	}
	for _, req := range cases {
		r := h.request(t, req)
		if r.Outcome != locks.OutcomeQueued {
			t.Errorf("%s outcome = %s, want queued", req.AgentID, r.Outcome)
		}
		if !strings.Contains(r.Reason, "merge not possible") {
			t.Errorf("%s reason = %q", req.AgentID, r.Reason)
		}
	}
}

func TestNegotiate(t *testing.T) {
	h := newHarness(t)

	a := h.request(t, locks.Request{AgentID: "A", ResourceID: "file:a.go"})
	b := h.request(t, locks.Request{AgentID: "B", ResourceID: "file:a.go", Strategy: models.StrategyNegotiate})
	if !b.Lock.Held {
		t.Fatal("negotiated request should be held")
	}
	if _, err := h.locks.Release("A", a.Lock.ID); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if l, _ := h.locks.Get(b.Lock.ID); l.Status != models.LockStatusWaiting {
		t.Fatalf("held request promoted without a decision: %s", l.Status)
	}

	c, err := h.det.Resolve(b.ConflictID, DecisionGrant, "A is done")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !c.Resolved || c.Resolution != "negotiated grant: A is done" {
		t.Errorf("conflict = %+v", c)
	}
	if l, _ := h.locks.Get(b.Lock.ID); l.Status != models.LockStatusActive {
		t.Errorf("status after grant = %s, want active", l.Status)
	}

	if _, err := h.det.Resolve(b.ConflictID, DecisionGrant, ""); !errors.Is(err, errors.ErrConflictResolved) {
		t.Errorf("second Resolve() error = %v, want ErrConflictResolved", err)
	}
}

func TestNegotiate_AbortAndEscalate(t *testing.T) {
	h := newHarness(t)

	h.request(t, locks.Request{AgentID: "A", ResourceID: "file:a.go"})
	b := h.request(t, locks.Request{AgentID: "B", ResourceID: "file:a.go", Strategy: models.StrategyNegotiate})
	c := h.request(t, locks.Request{AgentID: "C", ResourceID: "file:a.go", Strategy: models.StrategyNegotiate})

	h.clk.Advance(30 * time.Second)
	if got := h.det.SweepEscalations(h.clk.Now()); len(got) != 0 {
		t.Fatalf("escalated early: %+v", got)
	}
	h.clk.Advance(31 * time.Second)
	got := h.det.SweepEscalations(h.clk.Now())
	if len(got) != 2 {
		t.Fatalf("escalated %d conflicts, want 2", len(got))
	}
	for _, e := range got {
		if !e.Escalated || e.Severity != models.SeverityHigh || e.Resolved {
			t.Errorf("escalated conflict = %+v", e)
		}
	}
	if again := h.det.SweepEscalations(h.clk.Now()); len(again) != 0 {
		t.Errorf("escalated twice: %+v", again)
	}
	if last := h.log.Recent(1)[0]; last.Action != "conflict.escalated" || last.Status != models.LogWarning {
		t.Errorf("last entry = %s/%s", last.Action, last.Status)
	}

	if _, err := h.det.Resolve(b.ConflictID, DecisionAbort, ""); err != nil {
		t.Fatalf("Resolve(abort) error = %v", err)
	}
	if l, _ := h.locks.Get(b.Lock.ID); l.Status != models.LockStatusReleased {
		t.Errorf("aborted request status = %s, want released", l.Status)
	}
	if _, err := h.det.Resolve(c.ConflictID, DecisionDismiss, "handled offline"); err != nil {
		t.Fatalf("Resolve(dismiss) error = %v", err)
	}
	if l, _ := h.locks.Get(c.Lock.ID); l.Status != models.LockStatusWaiting || !l.Held {
		t.Errorf("dismiss touched the lock: %+v", l)
	}
}

func TestResolve_Errors(t *testing.T) {
	h := newHarness(t)

	h.request(t, locks.Request{AgentID: "A", ResourceID: "file:a.go"})
	w := h.request(t, locks.Request{AgentID: "B", ResourceID: "file:a.go"})

	if _, err := h.det.Resolve("missing", DecisionDismiss, ""); !errors.Is(err, errors.ErrConflictNotFound) {
		t.Errorf("unknown conflict error = %v", err)
	}
	if _, err := h.det.Resolve(w.ConflictID, DecisionGrant, ""); !errors.IsValidation(err) {
		t.Errorf("grant on wait conflict error = %v, want ValidationError", err)
	}
	if _, err := h.det.Resolve(w.ConflictID, "maybe", ""); !errors.IsValidation(err) {
		t.Errorf("unknown decision error = %v, want ValidationError", err)
	}
	if _, err := h.det.Resolve(w.ConflictID, DecisionAbort, ""); err != nil {
		t.Errorf("abort on wait conflict error = %v", err)
	}
}

type mapGraph struct {
	ids  []string
	deps map[string][]string
}

func (g *mapGraph) Index(id string) (int, bool) {
	for i, v := range g.ids {
		if v == id {
			return i, true
		}
	}
	return 0, false
}

func (g *mapGraph) TaskID(n int) string { return g.ids[n] }

func (g *mapGraph) Dependencies(n int) []int {
	var out []int
	for _, d := range g.deps[g.ids[n]] {
		if i, ok := g.Index(d); ok {
			out = append(out, i)
		}
	}
	return out
}

func TestCheckCycle(t *testing.T) {
	h := newHarness(t)
	g := &mapGraph{
		ids:  []string{"T1", "T2", "T3"},
		deps: map[string][]string{"T2": {"T3"}, "T3": {"T1"}},
	}

	err := h.det.CheckCycle(g, "T1", []string{"T2"})
	if !errors.Is(err, errors.ErrDependencyCycle) || !errors.IsValidation(err) {
		t.Fatalf("CheckCycle() = %v, want cycle ValidationError", err)
	}
	if !strings.Contains(err.Error(), "T1 -> T2 -> T3 -> T1") {
		t.Errorf("error %q does not name the cycle", err)
	}
	cycles := h.det.List(Filter{Type: models.ConflictDependencyCycle})
	if len(cycles) != 1 || !cycles[0].Resolved || cycles[0].Resolution != "submission rejected" || cycles[0].Severity != models.SeverityHigh {
		t.Fatalf("cycle conflicts = %+v", cycles)
	}

	if err := h.det.CheckCycle(g, "T4", []string{"T1"}); err != nil {
		t.Errorf("new task: %v", err)
	}
	if err := h.det.CheckCycle(g, "T3", []string{"T3"}); !errors.Is(err, errors.ErrDependencyCycle) {
		t.Errorf("self dependency: %v", err)
	}
}

func TestSweepStale(t *testing.T) {
	h := newHarness(t)

	l := h.request(t, locks.Request{AgentID: "A", ResourceID: "file:a.go"})
	h.request(t, locks.Request{AgentID: "B", ResourceID: "file:b.go"})
	h.agents.inactive = []string{"A"}

	raised := h.det.SweepStale(h.clk.Now())
	if len(raised) != 1 || raised[0].Type != models.ConflictStaleLock || raised[0].Severity != models.SeverityMedium {
		t.Fatalf("raised = %+v", raised)
	}

	h.clk.Advance(30 * time.Second)
	if again := h.det.SweepStale(h.clk.Now()); len(again) != 0 || len(h.agents.faulted) != 0 {
		t.Fatalf("second sweep raised %d, faulted %v", len(again), h.agents.faulted)
	}

	h.clk.Advance(31 * time.Second)
	h.det.SweepStale(h.clk.Now())
	if len(h.agents.faulted) != 1 || h.agents.faulted[0] != "A" {
		t.Fatalf("faulted = %v, want [A]", h.agents.faulted)
	}
	if got, _ := h.locks.Get(l.Lock.ID); got.Status != models.LockStatusReleased {
		t.Errorf("stale lock status = %s, want released", got.Status)
	}
	c, _ := h.det.Get(raised[0].ID)
	if !c.Resolved || c.Resolution != "forced release" {
		t.Errorf("stale conflict = %+v", c)
	}
}

func TestSweepStale_AgentReturns(t *testing.T) {
	h := newHarness(t)

	h.request(t, locks.Request{AgentID: "A", ResourceID: "file:a.go"})
	h.agents.inactive = []string{"A"}
	raised := h.det.SweepStale(h.clk.Now())

	h.agents.inactive = nil
	h.det.SweepStale(h.clk.Now())
	c, _ := h.det.Get(raised[0].ID)
	if !c.Resolved || c.Resolution != "agent active again" {
		t.Errorf("conflict = %+v", c)
	}
}

func TestSweepSemantic(t *testing.T) {
	h := newHarness(t)

	a := h.request(t, locks.Request{AgentID: "A", ResourceID: "func:svc.go#Run", Metadata: map[string]string{MetaSymbols: "Run, helper"}})
	h.request(t, locks.Request{AgentID: "B", ResourceID: "func:svc.go#Stop", Metadata: map[string]string{MetaSymbols: "helper"}})
	h.request(t, locks.Request{AgentID: "C", ResourceID: "func:svc.go#Start", Metadata: map[string]string{MetaSymbols: "other"}})

	raised := h.det.SweepSemantic()
	if len(raised) != 1 {
		t.Fatalf("raised %d semantic conflicts, want 1", len(raised))
	}
	if again := h.det.SweepSemantic(); len(again) != 0 {
		t.Errorf("duplicate semantic conflicts: %+v", again)
	}

	if _, err := h.locks.Release("A", a.Lock.ID); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	c, _ := h.det.Get(raised[0].ID)
	if !c.Resolved || c.Resolution != "lock ended" {
		t.Errorf("semantic conflict after release = %+v", c)
	}
}

type denyAll struct{}

func (denyAll) Name() models.Strategy { return "deny-all" }

func (denyAll) Resolve(*Situation) locks.Decision {
	return locks.Decision{Action: locks.ActionDeny}
}

func TestRegisterStrategy(t *testing.T) {
	h := newHarness(t)

	if h.det.HasStrategy("deny-all") {
		t.Fatal("strategy registered too early")
	}
	h.det.Register(denyAll{})
	if !h.det.HasStrategy("deny-all") || len(h.det.Strategies()) != 5 {
		t.Fatalf("strategies = %v", h.det.Strategies())
	}
	if err := h.det.SetDefaultStrategy("nope"); !errors.Is(err, errors.ErrUnknownStrategy) {
		t.Errorf("SetDefaultStrategy(nope) = %v", err)
	}
	if err := h.det.SetDefaultStrategy("deny-all"); err != nil {
		t.Fatalf("SetDefaultStrategy() error = %v", err)
	}

	h.request(t, locks.Request{AgentID: "A", ResourceID: "file:a.go"})
	r := h.request(t, locks.Request{AgentID: "B", ResourceID: "file:a.go"})
	if r.Outcome != locks.OutcomeDenied {
		t.Errorf("outcome under custom default = %s, want denied", r.Outcome)
	}
}

func TestRestore(t *testing.T) {
	h := newHarness(t)

	h.request(t, locks.Request{AgentID: "A", ResourceID: "file:a.go"})
	b := h.request(t, locks.Request{AgentID: "B", ResourceID: "file:a.go", Strategy: models.StrategyNegotiate})

	other := New(h.clk, audit.NewLog(h.clk), nil, nil, Options{})
	other.Restore(h.det.List(Filter{}))
	if got := other.List(Filter{Unresolved: true}); len(got) != 1 || got[0].ID != b.ConflictID {
		t.Fatalf("restored = %+v", got)
	}
	other.OnLockEvent(locks.Event{Kind: locks.EventCancelled, Lock: b.Lock})
	if c, _ := other.Get(b.ConflictID); !c.Resolved {
		t.Error("restored conflict not indexed by its waiting request")
	}
}
