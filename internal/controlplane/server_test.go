package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fentz26/lockwarden/internal/clock"
	"github.com/fentz26/lockwarden/internal/locks"
	"github.com/fentz26/lockwarden/internal/models"
	"github.com/fentz26/lockwarden/internal/store"
	"github.com/fentz26/lockwarden/internal/tasks"
	"github.com/gorilla/websocket"
)

func newTestService(t *testing.T, st *store.Store) *Service {
	t.Helper()
	svc, err := NewService(Options{
		Clock: clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		Store: st,
		Locks: locks.Options{DefaultTTL: 10 * time.Minute, StrictInvariants: true},
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func newTestServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()
	server := NewServer(newTestService(t, nil), "127.0.0.1:0")
	return server, server.Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHealthEndpoint_NoStore(t *testing.T) {
	_, h := newTestServer(t)

	w := do(t, h, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	health := decodeBody[HealthResponse](t, w)
	if !health.OK || health.DB != "disabled" || health.Version == "" || health.Time == "" {
		t.Errorf("health = %+v", health)
	}
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	_, h := newTestServer(t)
	if w := do(t, h, http.MethodPost, "/health", nil); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

func TestHealthEndpoint_DBError(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	h := NewServer(newTestService(t, st), "127.0.0.1:0").Handler()

	if w := do(t, h, http.MethodGet, "/health", nil); w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	st.Close()

	w := do(t, h, http.MethodGet, "/health", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if health := decodeBody[HealthResponse](t, w); health.OK || health.DB == "ok" {
		t.Errorf("health = %+v, want failure", health)
	}
}

func TestLocks_GrantQueueRelease(t *testing.T) {
	_, h := newTestServer(t)
	req := map[string]any{"agent_id": "A", "resource_id": "file:main.go", "lock_level": "write"}

	w := do(t, h, http.MethodPost, "/locks", req)
	if w.Code != http.StatusCreated {
		t.Fatalf("A request status = %d: %s", w.Code, w.Body)
	}
	held := decodeBody[locks.Result](t, w)
	if held.Outcome != locks.OutcomeGranted {
		t.Fatalf("A outcome = %s", held.Outcome)
	}

	req["agent_id"] = "B"
	w = do(t, h, http.MethodPost, "/locks", req)
	if w.Code != http.StatusOK {
		t.Fatalf("B request status = %d: %s", w.Code, w.Body)
	}
	queued := decodeBody[locks.Result](t, w)
	if queued.Outcome != locks.OutcomeQueued {
		t.Fatalf("B outcome = %s, want queued", queued.Outcome)
	}

	w = do(t, h, http.MethodPost, "/locks/"+held.Lock.ID+"/release", map[string]string{"agent_id": "B"})
	if w.Code != http.StatusForbidden {
		t.Errorf("release by non-owner status = %d, want 403", w.Code)
	}

	w = do(t, h, http.MethodPost, "/locks/"+held.Lock.ID+"/release", map[string]string{"agent_id": "A"})
	if w.Code != http.StatusOK {
		t.Fatalf("release status = %d: %s", w.Code, w.Body)
	}
	rel := decodeBody[locks.ReleaseResult](t, w)
	if len(rel.Promoted) != 1 || rel.Promoted[0].ID != queued.Lock.ID {
		t.Errorf("promoted = %+v, want B's lock", rel.Promoted)
	}

	w = do(t, h, http.MethodGet, "/locks?agent=B", nil)
	views := decodeBody[[]LockView](t, w)
	if len(views) != 1 || views[0].Status != models.LockStatusActive || views[0].Indicator.Tag != "LOCKED" {
		t.Errorf("B locks = %+v", views)
	}

	w = do(t, h, http.MethodGet, "/conflicts", nil)
	if cs := decodeBody[[]models.Conflict](t, w); len(cs) != 1 || !cs[0].Resolved {
		t.Errorf("conflicts = %+v, want one resolved", cs)
	}
}

func TestLocks_Errors(t *testing.T) {
	_, h := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"malformed resource", http.MethodPost, "/locks", map[string]any{"agent_id": "A", "resource_id": "nonsense"}, http.StatusBadRequest},
		{"unknown level", http.MethodPost, "/locks", map[string]any{"agent_id": "A", "resource_id": "file:a.go", "lock_level": "mega"}, http.StatusBadRequest},
		{"unknown lock release", http.MethodPost, "/locks/nope/release", map[string]any{"agent_id": "A"}, http.StatusNotFound},
		{"unknown lock get", http.MethodGet, "/locks/nope", nil, http.StatusNotFound},
		{"unknown action", http.MethodPost, "/locks/nope/explode", map[string]any{"agent_id": "A"}, http.StatusNotFound},
		{"bad method", http.MethodDelete, "/locks", nil, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(t, h, tt.method, tt.path, tt.body); w.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.want, w.Body)
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/locks", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid json status = %d, want 400", w.Code)
	}
}

func TestTasks_Lifecycle(t *testing.T) {
	_, h := newTestServer(t)

	if w := do(t, h, http.MethodPost, "/agents", map[string]any{"agent_id": "A", "capabilities": []string{"go"}}); w.Code != http.StatusCreated {
		t.Fatalf("register status = %d: %s", w.Code, w.Body)
	}

	spec := map[string]any{
		"task_id":               "T1",
		"task_type":             "refactor",
		"description":           "split handlers",
		"resources":             []string{"file:a.go"},
		"required_capabilities": []string{"go"},
	}
	if w := do(t, h, http.MethodPost, "/tasks", spec); w.Code != http.StatusCreated {
		t.Fatalf("submit status = %d: %s", w.Code, w.Body)
	}
	if w := do(t, h, http.MethodPost, "/tasks", spec); w.Code != http.StatusBadRequest {
		t.Errorf("duplicate submit status = %d, want 400", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/tasks/T1/complete", map[string]any{}); w.Code != http.StatusConflict {
		t.Errorf("complete pending status = %d, want 409", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/tasks/T1/assign", map[string]any{"agent_ids": []string{"ghost"}}); w.Code != http.StatusConflict {
		t.Errorf("assign unknown agent status = %d, want 409", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/tasks/T1/assign", map[string]any{"agent_ids": []string{"A"}}); w.Code != http.StatusOK {
		t.Fatalf("assign status = %d: %s", w.Code, w.Body)
	}

	w := do(t, h, http.MethodPost, "/tasks/T1/start", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("start status = %d: %s", w.Code, w.Body)
	}
	if res := decodeBody[tasks.StartResult](t, w); res.Status != tasks.StartStarted {
		t.Fatalf("start = %+v", res)
	}

	if w := do(t, h, http.MethodPost, "/tasks/T1/progress", map[string]int{"progress": 40}); w.Code != http.StatusOK {
		t.Errorf("progress status = %d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/tasks/T1/progress", map[string]int{"progress": 140}); w.Code != http.StatusBadRequest {
		t.Errorf("progress 140 status = %d, want 400", w.Code)
	}

	w = do(t, h, http.MethodGet, "/agents/A", nil)
	if a := decodeBody[models.Agent](t, w); a.Status != models.AgentStatusWorking || len(a.HeldLocks) != 1 {
		t.Errorf("agent while working = %+v", a)
	}

	w = do(t, h, http.MethodPost, "/tasks/T1/complete", map[string]any{"message": "done"})
	if w.Code != http.StatusOK {
		t.Fatalf("complete status = %d: %s", w.Code, w.Body)
	}
	if task := decodeBody[models.Task](t, w); task.Status != models.TaskStatusCompleted || task.Progress != 100 {
		t.Errorf("task = %+v", task)
	}

	w = do(t, h, http.MethodGet, "/locks?agent=A", nil)
	if views := decodeBody[[]LockView](t, w); len(views) != 0 {
		t.Errorf("live locks after completion = %+v", views)
	}
	if w := do(t, h, http.MethodGet, "/tasks/missing", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing task status = %d", w.Code)
	}
}

func TestAgents_ErrorReclaimsLocks(t *testing.T) {
	_, h := newTestServer(t)

	w := do(t, h, http.MethodPost, "/locks", map[string]any{"agent_id": "A", "resource_id": "file:a.go"})
	lock := decodeBody[locks.Result](t, w).Lock

	w = do(t, h, http.MethodPost, "/agents/A/error", map[string]string{"reason": "crashed"})
	if w.Code != http.StatusOK {
		t.Fatalf("error status = %d: %s", w.Code, w.Body)
	}
	if a := decodeBody[models.Agent](t, w); a.Status != models.AgentStatusError || len(a.HeldLocks) != 0 {
		t.Errorf("agent = %+v", a)
	}

	w = do(t, h, http.MethodGet, "/locks/"+lock.ID, nil)
	if l := decodeBody[LockView](t, w); l.Status != models.LockStatusReleased {
		t.Errorf("lock status = %s, want released", l.Status)
	}

	w = do(t, h, http.MethodPost, "/agents/A/recover", nil)
	if a := decodeBody[models.Agent](t, w); a.Status != models.AgentStatusIdle {
		t.Errorf("recovered status = %s", a.Status)
	}
	if w := do(t, h, http.MethodPost, "/agents/ghost/heartbeat", nil); w.Code != http.StatusNotFound {
		t.Errorf("heartbeat unknown status = %d", w.Code)
	}
}

func TestSnapshotAndActivity(t *testing.T) {
	_, h := newTestServer(t)
	do(t, h, http.MethodPost, "/locks", map[string]any{"agent_id": "A", "resource_id": "file:a.go", "lock_level": "read"})

	w := do(t, h, http.MethodGet, "/snapshot", nil)
	view := decodeBody[View](t, w)
	if len(view.Agents) != 1 || len(view.Locks) != 1 || view.Locks[0].Indicator.Tag != "READ" {
		t.Errorf("view = %+v", view)
	}
	if len(view.Activity) == 0 {
		t.Error("expected recent activity")
	}

	w = do(t, h, http.MethodGet, "/activity?since=1&limit=1", nil)
	entries := decodeBody[[]models.ActivityEntry](t, w)
	if len(entries) != 1 || entries[0].ID != 2 {
		t.Errorf("activity since 1 = %+v", entries)
	}

	w = do(t, h, http.MethodGet, "/stats", nil)
	if st := decodeBody[Stats](t, w); st.Locks.Active != 1 || st.Agents[models.AgentStatusIdle] != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestRouting(t *testing.T) {
	_, h := newTestServer(t)

	w := do(t, h, http.MethodGet, "/routing", nil)
	resp := decodeBody[RoutingResponse](t, w)
	if resp.Config == nil || len(resp.Strategies) < 4 {
		t.Errorf("routing = %+v", resp)
	}

	w = do(t, h, http.MethodPost, "/routing/infer", map[string]any{"task_type": "fix", "resources": []string{"file:cmd/main.go"}})
	if w.Code != http.StatusOK {
		t.Fatalf("infer status = %d", w.Code)
	}
}

func TestWebSocket_StreamsEvents(t *testing.T) {
	_, h := newTestServer(t)
	ts := httptest.NewServer(h)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?topic=lock."
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	body := strings.NewReader(`{"agent_id":"A","resource_id":"file:a.go"}`)
	resp, err := http.Post(ts.URL+"/locks", "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev struct {
		Type    string      `json:"type"`
		Payload locks.Event `json:"payload"`
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != "lock.granted" || ev.Payload.Lock.AgentID != "A" {
		t.Errorf("event = %+v", ev)
	}
}

func TestPersistAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	st, err := store.New(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	first := newTestService(t, st)
	granted, err := first.RequestLock(ctx, locks.Request{AgentID: "A", ResourceID: "file:a.go", Level: models.LockLevelWrite})
	if err != nil {
		t.Fatal(err)
	}
	queued, err := first.RequestLock(ctx, locks.Request{AgentID: "B", ResourceID: "file:a.go", Level: models.LockLevelRead})
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Persist(ctx); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if err := first.Persist(ctx); err != nil {
		t.Fatalf("second Persist: %v", err)
	}
	entries := first.Snapshot().Activity

	second := newTestService(t, st)
	if err := second.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	a, ok := second.GetAgent("A")
	if !ok || len(a.HeldLocks) != 1 || a.HeldLocks[0] != granted.Lock.ID {
		t.Errorf("agent A = %+v", a)
	}
	b, _ := second.GetAgent("B")
	if b.Status != models.AgentStatusWaiting {
		t.Errorf("agent B status = %s, want waiting", b.Status)
	}
	if got := len(second.Snapshot().Activity); got != len(entries) {
		t.Errorf("activity = %d entries, want %d", got, len(entries))
	}

	if _, err := second.ReleaseLock(ctx, "A", granted.Lock.ID); err != nil {
		t.Fatalf("release after restore: %v", err)
	}
	if l, _ := second.GetLock(queued.Lock.ID); l.Status != models.LockStatusActive {
		t.Errorf("restored waiter status = %s, want active", l.Status)
	}
	st.Close()
}
