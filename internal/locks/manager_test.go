package locks

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/lockwarden/internal/audit"
	"github.com/fentz26/lockwarden/internal/clock"
	"github.com/fentz26/lockwarden/internal/errors"
	"github.com/fentz26/lockwarden/internal/models"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T) (*Manager, *clock.Fake, *audit.Log) {
	t.Helper()
	clk := clock.NewFake(epoch)
	log := audit.NewLog(clk)
	m := New(clk, log, Options{DefaultTTL: time.Minute, MaxTTL: time.Hour, StrictInvariants: true})
	return m, clk, log
}

func request(t *testing.T, m *Manager, agent, res string, level models.LockLevel, priority int) Result {
	t.Helper()
	r, err := m.Request(Request{AgentID: agent, ResourceID: res, Level: level, Priority: priority})
	if err != nil {
		t.Fatalf("Request(%s, %s) error = %v", agent, res, err)
	}
	return r
}

func mustStatus(t *testing.T, m *Manager, id string, want models.LockStatus) models.Lock {
	t.Helper()
	l, ok := m.Get(id)
	if !ok {
		t.Fatalf("lock %s not found", id)
	}
	if l.Status != want {
		t.Fatalf("lock %s (%s) status = %s, want %s", id, l.AgentID, l.Status, want)
	}
	return l
}

func TestRequest_ReleasePromotesInSameStep(t *testing.T) {
	m, clk, log := newTestManager(t)

	a := request(t, m, "A", "file:foo.py", models.LockLevelWrite, 5)
	if a.Outcome != OutcomeGranted {
		t.Fatalf("A outcome = %s, want granted", a.Outcome)
	}
	clk.Advance(time.Second)
	b := request(t, m, "B", "file:foo.py", models.LockLevelExclusive, 10)
	if b.Outcome != OutcomeQueued {
		t.Fatalf("B outcome = %s, want queued", b.Outcome)
	}
	if len(b.Blockers) != 1 || b.Blockers[0].AgentID != "A" {
		t.Fatalf("B blockers = %+v, want [A]", b.Blockers)
	}
	q, _ := m.Queue("file:foo.py")
	if len(q) != 1 || q[0].ID != b.Lock.ID {
		t.Fatalf("queue = %+v, want [B]", q)
	}

	rel, err := m.Release("A", a.Lock.ID)
	if err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if len(rel.Promoted) != 1 || rel.Promoted[0].ID != b.Lock.ID {
		t.Fatalf("promoted = %+v, want [B]", rel.Promoted)
	}
	mustStatus(t, m, a.Lock.ID, models.LockStatusReleased)
	mustStatus(t, m, b.Lock.ID, models.LockStatusActive)

	var entries []models.ActivityEntry
	for e := range log.Entries(audit.OldestFirst) {
		entries = append(entries, e)
	}
	if len(entries) != 3 {
		t.Fatalf("log has %d entries, want 3: %+v", len(entries), entries)
	}
	want := []struct{ agent, action string }{
		{"A", "lock.granted"},
		{"B", "lock.queued"},
		{"B", "lock.promoted"},
	}
	for i, w := range want {
		if entries[i].AgentID != w.agent || entries[i].Action != w.action {
			t.Errorf("entry %d = %s/%s, want %s/%s", i, entries[i].AgentID, entries[i].Action, w.agent, w.action)
		}
	}
}

func TestRequest_ReadersShare(t *testing.T) {
	m, _, _ := newTestManager(t)

	r1 := request(t, m, "A", "file:a.go", models.LockLevelRead, 0)
	r2 := request(t, m, "B", "file:a.go", models.LockLevelRead, 0)
	if r1.Outcome != OutcomeGranted || r2.Outcome != OutcomeGranted {
		t.Fatalf("outcomes = %s, %s, want both granted", r1.Outcome, r2.Outcome)
	}
	w := request(t, m, "C", "file:a.go#L3-4", models.LockLevelWrite, 0)
	if w.Outcome != OutcomeQueued {
		t.Fatalf("writer outcome = %s, want queued", w.Outcome)
	}
	if len(w.Blockers) != 2 {
		t.Errorf("writer blockers = %d, want 2", len(w.Blockers))
	}
}

func TestRequest_DisjointRangesGrantedTogether(t *testing.T) {
	m, _, _ := newTestManager(t)

	a := request(t, m, "A", "file:a.go#L1-10", models.LockLevelWrite, 0)
	b := request(t, m, "B", "file:a.go#L11-20", models.LockLevelExclusive, 0)
	c := request(t, m, "C", "file:b.go", models.LockLevelWrite, 0)
	for _, r := range []Result{a, b, c} {
		if r.Outcome != OutcomeGranted {
			t.Fatalf("%s outcome = %s, want granted", r.Lock.AgentID, r.Outcome)
		}
	}
	d := request(t, m, "D", "file:a.go", models.LockLevelRead, 0)
	if d.Outcome != OutcomeQueued {
		t.Fatalf("whole-file read outcome = %s, want queued", d.Outcome)
	}
}

func TestRequest_SameAgent(t *testing.T) {
	m, _, _ := newTestManager(t)

	first := request(t, m, "A", "file:a.go", models.LockLevelWrite, 0)
	again := request(t, m, "A", "file:a.go", models.LockLevelRead, 0)
	if again.Outcome != OutcomeGranted || again.Lock.ID != first.Lock.ID {
		t.Fatalf("re-request = %s %s, want existing lock %s", again.Outcome, again.Lock.ID, first.Lock.ID)
	}
	inner := request(t, m, "A", "file:a.go#L5-9", models.LockLevelWrite, 0)
	if inner.Outcome != OutcomeGranted {
		t.Fatalf("own nested request outcome = %s, want granted", inner.Outcome)
	}
	if s := m.Stats(); s.Active != 2 {
		t.Errorf("active = %d, want 2", s.Active)
	}
}

func TestRequest_Validation(t *testing.T) {
	m, _, log := newTestManager(t)

	cases := []Request{
		{AgentID: "", ResourceID: "file:a.go", Level: models.LockLevelRead},
		{AgentID: "A", ResourceID: "a.go", Level: models.LockLevelRead},
		{AgentID: "A", ResourceID: "file:a.go", Level: "shared"},
		{AgentID: "A", ResourceID: "file:a.go", Level: models.LockLevelRead, LockType: "blob"},
		{AgentID: "A", ResourceID: "file:a.go", Level: models.LockLevelRead, LockType: models.LockTypeSemantic},
		{AgentID: "A", ResourceID: "file:a.go", Level: models.LockLevelRead, TTL: -time.Second},
	}
	for i, req := range cases {
		_, err := m.Request(req)
		if err == nil {
			t.Errorf("case %d: expected error", i)
			continue
		}
		if !errors.IsValidation(err) {
			t.Errorf("case %d: error %v is not a ValidationError", i, err)
		}
	}
	if s := m.Stats(); s.Active+s.Waiting != 0 {
		t.Errorf("stats after rejected requests = %+v, want empty", s)
	}
	if log.Len() != 0 {
		t.Errorf("rejected requests wrote %d log entries", log.Len())
	}
}

func TestRequest_TTLClamped(t *testing.T) {
	m, _, _ := newTestManager(t)

	r, err := m.Request(Request{AgentID: "A", ResourceID: "file:a.go", Level: models.LockLevelRead, TTL: 48 * time.Hour})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if r.Lock.TTL != time.Hour {
		t.Errorf("TTL = %s, want 1h", r.Lock.TTL)
	}
	if got := r.Lock.ExpiresAt.Sub(*r.Lock.AcquiredAt); got != time.Hour {
		t.Errorf("lease = %s, want 1h", got)
	}
}

func TestRelease_BatchPromotesReaders(t *testing.T) {
	m, clk, _ := newTestManager(t)

	w := request(t, m, "A", "file:a.go", models.LockLevelWrite, 0)
	clk.Advance(time.Second)
	r1 := request(t, m, "B", "file:a.go", models.LockLevelRead, 0)
	clk.Advance(time.Second)
	r2 := request(t, m, "C", "file:a.go#L1-3", models.LockLevelRead, 0)
	clk.Advance(time.Second)
	w2 := request(t, m, "D", "file:a.go", models.LockLevelWrite, 0)

	rel, err := m.Release("A", w.Lock.ID)
	if err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if len(rel.Promoted) != 2 {
		t.Fatalf("promoted %d locks, want 2 readers", len(rel.Promoted))
	}
	mustStatus(t, m, r1.Lock.ID, models.LockStatusActive)
	mustStatus(t, m, r2.Lock.ID, models.LockStatusActive)
	mustStatus(t, m, w2.Lock.ID, models.LockStatusWaiting)

	if _, err := m.Release("B", r1.Lock.ID); err != nil {
		t.Fatalf("Release(B) error = %v", err)
	}
	mustStatus(t, m, w2.Lock.ID, models.LockStatusWaiting)
	if _, err := m.Release("C", r2.Lock.ID); err != nil {
		t.Fatalf("Release(C) error = %v", err)
	}
	mustStatus(t, m, w2.Lock.ID, models.LockStatusActive)
}

func TestRelease_PriorityOrder(t *testing.T) {
	m, clk, _ := newTestManager(t)

	holder := request(t, m, "A", "file:a.go", models.LockLevelExclusive, 0)
	clk.Advance(time.Second)
	low := request(t, m, "B", "file:a.go", models.LockLevelWrite, 1)
	clk.Advance(time.Second)
	high := request(t, m, "C", "file:a.go", models.LockLevelWrite, 9)

	q, _ := m.Queue("file:a.go")
	if len(q) != 2 || q[0].ID != high.Lock.ID {
		t.Fatalf("queue head = %v, want high priority request", q)
	}
	if _, err := m.Release("A", holder.Lock.ID); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	mustStatus(t, m, high.Lock.ID, models.LockStatusActive)
	mustStatus(t, m, low.Lock.ID, models.LockStatusWaiting)
}

func TestRelease_WaitersDoNotOvertake(t *testing.T) {
	m, clk, _ := newTestManager(t)

	request(t, m, "X", "file:a.go#L1-10", models.LockLevelWrite, 0)
	w := request(t, m, "W", "file:a.go#L20-30", models.LockLevelWrite, 0)
	clk.Advance(time.Second)
	whole := request(t, m, "Y", "file:a.go", models.LockLevelWrite, 0)
	clk.Advance(time.Second)
	narrow := request(t, m, "Z", "file:a.go#L25", models.LockLevelWrite, 0)
	if whole.Outcome != OutcomeQueued || narrow.Outcome != OutcomeQueued {
		t.Fatalf("outcomes = %s, %s, want both queued", whole.Outcome, narrow.Outcome)
	}

	rel, err := m.Release("W", w.Lock.ID)
	if err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if len(rel.Promoted) != 0 {
		t.Fatalf("promoted %+v, want none: Z must not overtake Y", rel.Promoted)
	}
	mustStatus(t, m, narrow.Lock.ID, models.LockStatusWaiting)
}

func TestRelease_PreemptOvertakes(t *testing.T) {
	m, clk, _ := newTestManager(t)

	request(t, m, "X", "file:a.go#L1-10", models.LockLevelWrite, 0)
	w := request(t, m, "W", "file:a.go#L20-30", models.LockLevelWrite, 0)
	clk.Advance(time.Second)
	request(t, m, "Y", "file:a.go", models.LockLevelWrite, 0)
	clk.Advance(time.Second)
	narrow, err := m.Request(Request{AgentID: "Z", ResourceID: "file:a.go#L25", Level: models.LockLevelWrite, Preempt: true})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}

	if _, err := m.Release("W", w.Lock.ID); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	mustStatus(t, m, narrow.Lock.ID, models.LockStatusActive)
}

func TestRequest_FairAdmission(t *testing.T) {
	m, clk, _ := newTestManager(t)
	m.SetFairAdmission(true)

	request(t, m, "A", "file:a.go#L1-10", models.LockLevelRead, 0)
	clk.Advance(time.Second)
	request(t, m, "B", "file:a.go", models.LockLevelWrite, 0)
	clk.Advance(time.Second)
	r := request(t, m, "C", "file:a.go#L20-30", models.LockLevelRead, 0)
	if r.Outcome != OutcomeQueued {
		t.Fatalf("outcome = %s, want queued behind waiting writer", r.Outcome)
	}

	m.SetFairAdmission(false)
	r = request(t, m, "D", "file:a.go#L40", models.LockLevelRead, 0)
	if r.Outcome != OutcomeGranted {
		t.Fatalf("outcome without fair admission = %s, want granted", r.Outcome)
	}
}

func TestRelease_Errors(t *testing.T) {
	m, _, log := newTestManager(t)

	a := request(t, m, "A", "file:a.go", models.LockLevelWrite, 0)
	b := request(t, m, "B", "file:a.go", models.LockLevelWrite, 0)

	_, err := m.Release("B", a.Lock.ID)
	if !errors.Is(err, errors.ErrNotOwner) {
		t.Fatalf("non-owner release error = %v, want ErrNotOwner", err)
	}
	var own *errors.OwnershipError
	if !errors.As(err, &own) || own.Owner != "A" {
		t.Fatalf("ownership error = %+v, want owner A", own)
	}
	mustStatus(t, m, a.Lock.ID, models.LockStatusActive)

	if _, err := m.Release("A", a.Lock.ID); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	mustStatus(t, m, b.Lock.ID, models.LockStatusActive)
	before := log.Len()

	_, err = m.Release("A", a.Lock.ID)
	if !errors.Is(err, errors.ErrLockNotFound) || !errors.IsOwnership(err) {
		t.Fatalf("double release error = %v, want ownership ErrLockNotFound", err)
	}
	mustStatus(t, m, b.Lock.ID, models.LockStatusActive)
	entries := log.Recent(1)
	if log.Len() != before+1 || entries[0].Status != models.LogFailure {
		t.Fatalf("double release should log one failure, got %+v", entries)
	}

	if _, err := m.Release("A", "no-such-lock"); !errors.Is(err, errors.ErrLockNotFound) {
		t.Errorf("unknown lock error = %v, want ErrLockNotFound", err)
	}
}

func TestRenew(t *testing.T) {
	m, clk, _ := newTestManager(t)

	a := request(t, m, "A", "file:a.go", models.LockLevelWrite, 0)
	clk.Advance(30 * time.Second)
	renewed, err := m.Renew("A", a.Lock.ID, 0)
	if err != nil {
		t.Fatalf("Renew() error = %v", err)
	}
	want := a.Lock.ExpiresAt.Add(time.Minute)
	if !renewed.ExpiresAt.Equal(want) {
		t.Errorf("expires_at = %s, want %s", renewed.ExpiresAt, want)
	}

	if _, err := m.Renew("B", a.Lock.ID, 0); !errors.Is(err, errors.ErrNotOwner) {
		t.Errorf("renew by B error = %v, want ErrNotOwner", err)
	}

	w := request(t, m, "B", "file:a.go", models.LockLevelRead, 0)
	if _, err := m.Renew("B", w.Lock.ID, 0); !errors.Is(err, errors.ErrLockNotActive) {
		t.Errorf("renew waiting error = %v, want ErrLockNotActive", err)
	}
}

func TestRenew_AfterExpiry(t *testing.T) {
	m, clk, _ := newTestManager(t)

	a := request(t, m, "A", "file:a.go", models.LockLevelWrite, 0)
	b := request(t, m, "B", "file:a.go", models.LockLevelWrite, 0)
	clk.Advance(2 * time.Minute)

	_, err := m.Renew("A", a.Lock.ID, 0)
	if !errors.Is(err, errors.ErrLockExpired) {
		t.Fatalf("Renew() error = %v, want ErrLockExpired", err)
	}
	mustStatus(t, m, a.Lock.ID, models.LockStatusExpired)
	mustStatus(t, m, b.Lock.ID, models.LockStatusActive)

	if _, err := m.Renew("A", a.Lock.ID, 0); !errors.Is(err, errors.ErrLockExpired) {
		t.Errorf("second renew error = %v, want ErrLockExpired", err)
	}
}

func TestReap_ExpiredReadLockFreesWriter(t *testing.T) {
	m, clk, log := newTestManager(t)

	d := request(t, m, "D", "file:svc.go", models.LockLevelRead, 0)
	w := request(t, m, "E", "file:svc.go", models.LockLevelWrite, 0)
	if w.Outcome != OutcomeQueued {
		t.Fatalf("writer outcome = %s, want queued", w.Outcome)
	}

	if got := m.Reap(); len(got) != 0 {
		t.Fatalf("Reap() before expiry = %+v, want none", got)
	}
	clk.Advance(61 * time.Second)
	expired := m.Reap()
	if len(expired) != 1 || expired[0].ID != d.Lock.ID {
		t.Fatalf("Reap() = %+v, want D's lock", expired)
	}
	mustStatus(t, m, d.Lock.ID, models.LockStatusExpired)
	mustStatus(t, m, w.Lock.ID, models.LockStatusActive)

	last := log.Recent(1)[0]
	if last.Action != "lock.expired" || last.Status != models.LogWarning {
		t.Errorf("last entry = %s/%s, want lock.expired/warning", last.Action, last.Status)
	}
}

func TestReap_WaitTimeout(t *testing.T) {
	m, clk, _ := newTestManager(t)

	request(t, m, "A", "file:a.go", models.LockLevelWrite, 0)
	clk.Advance(time.Second)
	w, err := m.Request(Request{AgentID: "B", ResourceID: "file:a.go", Level: models.LockLevelWrite, WaitTimeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	clk.Advance(11 * time.Second)
	m.Reap()

	l := mustStatus(t, m, w.Lock.ID, models.LockStatusExpired)
	if l.EndReason != "wait timeout" {
		t.Errorf("end reason = %q, want wait timeout", l.EndReason)
	}
	if q, _ := m.Queue("file:a.go"); len(q) != 0 {
		t.Errorf("queue = %+v, want empty", q)
	}
}

func TestCancel(t *testing.T) {
	m, _, _ := newTestManager(t)

	a := request(t, m, "A", "file:a.go", models.LockLevelWrite, 0)
	b := request(t, m, "B", "file:a.go", models.LockLevelWrite, 0)

	if _, err := m.Cancel("A", a.Lock.ID); !errors.Is(err, errors.ErrLockNotWaiting) {
		t.Errorf("cancel active error = %v, want ErrLockNotWaiting", err)
	}
	if _, err := m.Cancel("A", b.Lock.ID); !errors.Is(err, errors.ErrNotOwner) {
		t.Errorf("cancel foreign error = %v, want ErrNotOwner", err)
	}
	l, err := m.Cancel("B", b.Lock.ID)
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if l.Status != models.LockStatusReleased || l.EndReason != "cancelled" {
		t.Errorf("cancelled lock = %s/%s", l.Status, l.EndReason)
	}
	if s := m.Stats(); s.Waiting != 0 || s.Active != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestReclaimAgent(t *testing.T) {
	m, _, _ := newTestManager(t)

	a1 := request(t, m, "A", "file:a.go", models.LockLevelWrite, 0)
	a2 := request(t, m, "A", "file:b.go", models.LockLevelRead, 0)
	b := request(t, m, "B", "file:a.go", models.LockLevelWrite, 0)
	request(t, m, "C", "file:c.go", models.LockLevelWrite, 0)
	aw := request(t, m, "A", "file:c.go", models.LockLevelRead, 0)

	reclaimed := m.ReclaimAgent("A", "agent error")
	if len(reclaimed) != 3 {
		t.Fatalf("reclaimed %d locks, want 3", len(reclaimed))
	}
	for _, id := range []string{a1.Lock.ID, a2.Lock.ID, aw.Lock.ID} {
		l := mustStatus(t, m, id, models.LockStatusReleased)
		if l.EndReason != "agent error" {
			t.Errorf("end reason = %q", l.EndReason)
		}
	}
	mustStatus(t, m, b.Lock.ID, models.LockStatusActive)
	if got := m.Live(Filter{AgentID: "A"}); len(got) != 0 {
		t.Errorf("A still has %d live locks", len(got))
	}
}

type stubArbiter struct {
	decide func(c Contention) Decision
	calls  int
}

func (s *stubArbiter) Arbitrate(c Contention) Decision {
	s.calls++
	return s.decide(c)
}

func TestArbiter_Deny(t *testing.T) {
	m, _, log := newTestManager(t)
	arb := &stubArbiter{decide: func(Contention) Decision {
		return Decision{Action: ActionDeny, ConflictID: "c-1", Note: "abort strategy"}
	}}
	m.SetArbiter(arb)

	request(t, m, "A", "file:a.go", models.LockLevelWrite, 0)
	r := request(t, m, "B", "file:a.go", models.LockLevelWrite, 0)
	if r.Outcome != OutcomeDenied || r.ConflictID != "c-1" {
		t.Fatalf("result = %s/%s, want denied/c-1", r.Outcome, r.ConflictID)
	}
	l := mustStatus(t, m, r.Lock.ID, models.LockStatusReleased)
	if l.EndReason != "denied" {
		t.Errorf("end reason = %q, want denied", l.EndReason)
	}
	if last := log.Recent(1)[0]; last.Action != "lock.denied" || last.Status != models.LogFailure {
		t.Errorf("last entry = %+v", last)
	}

	// the same agent re-requesting its own key never reaches the arbiter
	request(t, m, "A", "file:a.go", models.LockLevelWrite, 0)
	if arb.calls != 1 {
		t.Errorf("arbiter calls = %d, want 1", arb.calls)
	}
}

func TestArbiter_HoldAndUnhold(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.SetArbiter(&stubArbiter{decide: func(Contention) Decision {
		return Decision{Action: ActionHold}
	}})

	a := request(t, m, "A", "file:a.go", models.LockLevelWrite, 0)
	b := request(t, m, "B", "file:a.go", models.LockLevelWrite, 0)
	if b.Outcome != OutcomeQueued || !b.Lock.Held {
		t.Fatalf("result = %s held=%v, want queued and held", b.Outcome, b.Lock.Held)
	}
	if ind := b.Lock.Indicator(); ind.Tag != "NEGOTIATING" {
		t.Errorf("indicator = %s, want NEGOTIATING", ind.Tag)
	}

	if _, err := m.Release("A", a.Lock.ID); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	mustStatus(t, m, b.Lock.ID, models.LockStatusWaiting)

	l, err := m.Unhold(b.Lock.ID)
	if err != nil {
		t.Fatalf("Unhold() error = %v", err)
	}
	if l.Status != models.LockStatusActive {
		t.Errorf("status after unhold = %s, want active", l.Status)
	}
}

func TestArbiter_Withdraw(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.SetArbiter(&stubArbiter{decide: func(Contention) Decision {
		return Decision{Action: ActionHold}
	}})

	request(t, m, "A", "file:a.go", models.LockLevelWrite, 0)
	b := request(t, m, "B", "file:a.go", models.LockLevelWrite, 0)
	l, err := m.Withdraw(b.Lock.ID, "negotiation aborted")
	if err != nil {
		t.Fatalf("Withdraw() error = %v", err)
	}
	if l.Status != models.LockStatusReleased || l.EndReason != "negotiation aborted" {
		t.Errorf("withdrawn lock = %s/%s", l.Status, l.EndReason)
	}
	if _, err := m.Withdraw(b.Lock.ID, "again"); !errors.Is(err, errors.ErrLockNotWaiting) {
		t.Errorf("second withdraw error = %v, want ErrLockNotWaiting", err)
	}
}

func TestArbiter_Split(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.SetArbiter(&stubArbiter{decide: func(c Contention) Decision {
		return Decision{
			Action: ActionSplit,
			Splits: []Split{{LockID: c.Blockers[0].Lock.ID, Keys: []string{"file:a.go#L1-10", "file:a.go#L40-50"}}},
		}
	}})

	var events []Event
	m.Subscribe(func(ev Event) { events = append(events, ev) })

	a, err := m.Request(Request{AgentID: "A", ResourceID: "file:a.go", Level: models.LockLevelWrite, TaskID: "t1"})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	b := request(t, m, "B", "file:a.go#L20-30", models.LockLevelWrite, 0)
	if b.Outcome != OutcomeGranted {
		t.Fatalf("outcome = %s, want granted after split", b.Outcome)
	}

	old := mustStatus(t, m, a.Lock.ID, models.LockStatusReleased)
	if old.EndReason != "split" {
		t.Errorf("end reason = %q, want split", old.EndReason)
	}
	fine := m.Live(Filter{AgentID: "A"})
	if len(fine) != 2 {
		t.Fatalf("A holds %d locks after split, want 2", len(fine))
	}
	for _, l := range fine {
		if l.Status != models.LockStatusActive || l.TaskID != "t1" || !l.ExpiresAt.Equal(*a.Lock.ExpiresAt) {
			t.Errorf("fine lock %+v does not inherit the coarse lease", l)
		}
	}

	var split *Event
	for i := range events {
		if events[i].Kind == EventSplit {
			split = &events[i]
		}
	}
	if split == nil || len(split.Replaced) != 2 {
		t.Fatalf("split event = %+v", split)
	}
}

func TestArbiter_InvalidSplitQueues(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.SetArbiter(&stubArbiter{decide: func(c Contention) Decision {
		return Decision{
			Action: ActionSplit,
			Splits: []Split{{LockID: c.Blockers[0].Lock.ID, Keys: []string{"file:a.go#L1-25"}}},
		}
	}})

	a := request(t, m, "A", "file:a.go", models.LockLevelWrite, 0)
	b := request(t, m, "B", "file:a.go#L20-30", models.LockLevelWrite, 0)
	if b.Outcome != OutcomeQueued {
		t.Fatalf("outcome = %s, want queued when split would still overlap", b.Outcome)
	}
	mustStatus(t, m, a.Lock.ID, models.LockStatusActive)
}

func TestSubscribe_EventOrder(t *testing.T) {
	m, _, _ := newTestManager(t)

	var kinds []EventKind
	m.Subscribe(func(ev Event) { kinds = append(kinds, ev.Kind) })

	a := request(t, m, "A", "file:a.go", models.LockLevelWrite, 0)
	request(t, m, "B", "file:a.go", models.LockLevelWrite, 0)
	if _, err := m.Release("A", a.Lock.ID); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	want := []EventKind{EventGranted, EventQueued, EventReleased, EventGranted}
	if fmt.Sprint(kinds) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", kinds, want)
	}
}

func TestRequest_ConcurrentExclusive(t *testing.T) {
	m, _, _ := newTestManager(t)

	const n = 64
	var wg sync.WaitGroup
	results := make([]Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := m.Request(Request{
				AgentID:    fmt.Sprintf("agent-%d", i),
				ResourceID: "file:hot.go",
				Level:      models.LockLevelExclusive,
			})
			if err != nil {
				t.Errorf("Request() error = %v", err)
			}
			results[i] = r
		}(i)
	}
	wg.Wait()

	granted := 0
	for _, r := range results {
		if r.Outcome == OutcomeGranted {
			granted++
		}
	}
	if granted != 1 {
		t.Fatalf("granted = %d, want exactly 1", granted)
	}

	// drain: each release hands the resource to exactly one waiter
	for i := 0; i < n; i++ {
		active := m.Active()
		if len(active) != 1 {
			t.Fatalf("round %d: %d active locks, want 1", i, len(active))
		}
		if _, err := m.Release(active[0].AgentID, active[0].ID); err != nil {
			t.Fatalf("Release() error = %v", err)
		}
	}
	if s := m.Stats(); s.Active != 0 || s.Waiting != 0 {
		t.Errorf("stats after drain = %+v", s)
	}
}

func TestRestore(t *testing.T) {
	m, clk, _ := newTestManager(t)

	a := request(t, m, "A", "file:a.go", models.LockLevelWrite, 0)
	b := request(t, m, "B", "file:a.go", models.LockLevelWrite, 0)
	c := request(t, m, "C", "file:c.go", models.LockLevelRead, 0)
	if _, err := m.Release("C", c.Lock.ID); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	restored := New(clk, audit.NewLog(clk), Options{DefaultTTL: time.Minute, StrictInvariants: true})
	if err := restored.Restore(m.List(Filter{})); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	got, want := restored.Stats(), m.Stats()
	if got.Active != want.Active || got.Waiting != want.Waiting || got.Archived != want.Archived {
		t.Fatalf("stats = %+v, want %+v", got, want)
	}
	if _, err := restored.Release("A", a.Lock.ID); err != nil {
		t.Fatalf("Release() after restore error = %v", err)
	}
	mustStatus(t, restored, b.Lock.ID, models.LockStatusActive)
}
