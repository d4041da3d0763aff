// Package store provides SQLite-backed persistence for coordinator state.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fentz26/lockwarden/internal/models"
	_ "modernc.org/sqlite"
)

// Store persists agents, locks, tasks, conflicts and the activity log.
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the database at dbPath and runs
// migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations. Times are unix nanoseconds;
// list and map columns hold JSON.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		capabilities TEXT NOT NULL DEFAULT '[]',
		inactive INTEGER NOT NULL DEFAULT 0,
		error_reason TEXT NOT NULL DEFAULT '',
		registered_at INTEGER NOT NULL,
		last_activity INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS locks (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		resource_path TEXT NOT NULL,
		lock_type TEXT NOT NULL,
		lock_level TEXT NOT NULL,
		status TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		intent TEXT NOT NULL DEFAULT '',
		strategy TEXT NOT NULL DEFAULT '',
		task_id TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		preempt INTEGER NOT NULL DEFAULT 0,
		held INTEGER NOT NULL DEFAULT 0,
		ttl_ns INTEGER NOT NULL,
		requested_at INTEGER NOT NULL,
		acquired_at INTEGER,
		expires_at INTEGER,
		wait_deadline INTEGER,
		ended_at INTEGER,
		end_reason TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		task_type TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		assigned_to TEXT NOT NULL DEFAULT '[]',
		resources TEXT NOT NULL DEFAULT '[]',
		dependencies TEXT NOT NULL DEFAULT '[]',
		capabilities TEXT NOT NULL DEFAULT '[]',
		lock_level TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		strategy TEXT NOT NULL DEFAULT '',
		progress INTEGER NOT NULL DEFAULT 0,
		estimated_ns INTEGER NOT NULL DEFAULT 0,
		actual_ns INTEGER NOT NULL DEFAULT 0,
		outcome TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS conflicts (
		id TEXT PRIMARY KEY,
		conflict_type TEXT NOT NULL,
		agents TEXT NOT NULL DEFAULT '[]',
		resources TEXT NOT NULL DEFAULT '[]',
		lock_ids TEXT NOT NULL DEFAULT '[]',
		severity TEXT NOT NULL,
		strategy TEXT NOT NULL DEFAULT '',
		suggested_resolution TEXT NOT NULL DEFAULT '',
		resolved INTEGER NOT NULL DEFAULT 0,
		resolution TEXT NOT NULL DEFAULT '',
		escalated INTEGER NOT NULL DEFAULT 0,
		detected_at INTEGER NOT NULL,
		resolved_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS activity (
		id INTEGER PRIMARY KEY,
		timestamp INTEGER NOT NULL,
		agent_id TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		resource TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_locks_status ON locks(status);
	CREATE INDEX IF NOT EXISTS idx_locks_agent ON locks(agent_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_activity_agent ON activity(agent_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveSnapshot upserts every entity of snap in one transaction. Activity
// rows are insert-only.
func (s *Store) SaveSnapshot(ctx context.Context, snap models.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, a := range snap.Agents {
		if err := upsertAgent(ctx, tx, a); err != nil {
			return fmt.Errorf("save agent %s: %w", a.ID, err)
		}
	}
	for _, l := range snap.Locks {
		if err := upsertLock(ctx, tx, l); err != nil {
			return fmt.Errorf("save lock %s: %w", l.ID, err)
		}
	}
	for _, t := range snap.Tasks {
		if err := upsertTask(ctx, tx, t); err != nil {
			return fmt.Errorf("save task %s: %w", t.ID, err)
		}
	}
	for _, c := range snap.Conflicts {
		if err := upsertConflict(ctx, tx, c); err != nil {
			return fmt.Errorf("save conflict %s: %w", c.ID, err)
		}
	}
	for _, e := range snap.Activity {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO activity (id, timestamp, agent_id, action, resource, status, message) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.ID, nanos(e.Timestamp), e.AgentID, e.Action, e.Resource, e.Status, e.Message,
		)
		if err != nil {
			return fmt.Errorf("save activity %d: %w", e.ID, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES ('saved_at', ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		snap.TakenAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("save meta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// LoadSnapshot reads everything back. At most activityLimit of the newest
// activity entries are returned (all when activityLimit <= 0).
func (s *Store) LoadSnapshot(ctx context.Context, activityLimit int) (models.Snapshot, error) {
	var snap models.Snapshot
	var err error
	if snap.Agents, err = s.loadAgents(ctx); err != nil {
		return snap, err
	}
	if snap.Locks, err = s.loadLocks(ctx); err != nil {
		return snap, err
	}
	if snap.Tasks, err = s.loadTasks(ctx); err != nil {
		return snap, err
	}
	if snap.Conflicts, err = s.loadConflicts(ctx); err != nil {
		return snap, err
	}
	if snap.Activity, err = s.loadActivity(ctx, activityLimit); err != nil {
		return snap, err
	}
	var saved string
	err = s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'saved_at'`).Scan(&saved)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return snap, fmt.Errorf("query meta: %w", err)
	default:
		snap.TakenAt, _ = time.Parse(time.RFC3339Nano, saved)
	}
	return snap, nil
}

// PruneLocks deletes terminal locks that ended before cutoff and returns
// how many were removed.
func (s *Store) PruneLocks(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE status IN (?, ?) AND ended_at IS NOT NULL AND ended_at < ?`,
		models.LockStatusReleased, models.LockStatusExpired, nanos(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("prune locks: %w", err)
	}
	return res.RowsAffected()
}

// TrimActivity keeps only the newest keep activity rows.
func (s *Store) TrimActivity(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM activity WHERE id NOT IN (SELECT id FROM activity ORDER BY id DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, fmt.Errorf("trim activity: %w", err)
	}
	return res.RowsAffected()
}

// Counts returns row counts per table.
func (s *Store) Counts(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int)
	for _, table := range []string{"agents", "locks", "tasks", "conflicts", "activity"} {
		var n int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		out[table] = n
	}
	return out, nil
}

// --- upserts ---

func upsertAgent(ctx context.Context, tx *sql.Tx, a models.Agent) error {
	caps, err := encode(a.Capabilities)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO agents (id, status, capabilities, inactive, error_reason, registered_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			capabilities = excluded.capabilities,
			inactive = excluded.inactive,
			error_reason = excluded.error_reason,
			last_activity = excluded.last_activity`,
		a.ID, a.Status, caps, a.Inactive, a.ErrorReason, nanos(a.RegisteredAt), nanos(a.LastActivity),
	)
	return err
}

func upsertLock(ctx context.Context, tx *sql.Tx, l models.Lock) error {
	meta, err := encode(l.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO locks (id, agent_id, resource_id, resource_path, lock_type, lock_level, status, priority,
			intent, strategy, task_id, metadata, preempt, held, ttl_ns, requested_at, acquired_at, expires_at,
			wait_deadline, ended_at, end_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			priority = excluded.priority,
			task_id = excluded.task_id,
			metadata = excluded.metadata,
			held = excluded.held,
			ttl_ns = excluded.ttl_ns,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at,
			wait_deadline = excluded.wait_deadline,
			ended_at = excluded.ended_at,
			end_reason = excluded.end_reason`,
		l.ID, l.AgentID, l.ResourceID, l.ResourcePath, l.LockType, l.LockLevel, l.Status, l.Priority,
		l.Intent, l.Strategy, l.TaskID, meta, l.Preempt, l.Held, int64(l.TTL), nanos(l.RequestedAt),
		nullNanos(l.AcquiredAt), nullNanos(l.ExpiresAt), nullNanos(l.WaitDeadline), nullNanos(l.EndedAt), l.EndReason,
	)
	return err
}

func upsertTask(ctx context.Context, tx *sql.Tx, t models.Task) error {
	assigned, err := encode(t.AssignedTo)
	if err != nil {
		return err
	}
	resources, err := encode(t.Resources)
	if err != nil {
		return err
	}
	deps, err := encode(t.Dependencies)
	if err != nil {
		return err
	}
	caps, err := encode(t.RequiredCapabilities)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, task_type, description, status, assigned_to, resources, dependencies, capabilities,
			lock_level, priority, strategy, progress, estimated_ns, actual_ns, outcome, created_at, updated_at,
			started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			assigned_to = excluded.assigned_to,
			capabilities = excluded.capabilities,
			progress = excluded.progress,
			actual_ns = excluded.actual_ns,
			outcome = excluded.outcome,
			updated_at = excluded.updated_at,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at`,
		t.ID, t.TaskType, t.Description, t.Status, assigned, resources, deps, caps,
		t.LockLevel, t.Priority, t.Strategy, t.Progress, int64(t.EstimatedDuration), int64(t.ActualDuration), t.Outcome,
		nanos(t.CreatedAt), nanos(t.UpdatedAt), nullNanos(t.StartedAt), nullNanos(t.CompletedAt),
	)
	return err
}

func upsertConflict(ctx context.Context, tx *sql.Tx, c models.Conflict) error {
	agents, err := encode(c.AgentsInvolved)
	if err != nil {
		return err
	}
	resources, err := encode(c.Resources)
	if err != nil {
		return err
	}
	lockIDs, err := encode(c.LockIDs)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO conflicts (id, conflict_type, agents, resources, lock_ids, severity, strategy,
			suggested_resolution, resolved, resolution, escalated, detected_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			agents = excluded.agents,
			lock_ids = excluded.lock_ids,
			severity = excluded.severity,
			resolved = excluded.resolved,
			resolution = excluded.resolution,
			escalated = excluded.escalated,
			resolved_at = excluded.resolved_at`,
		c.ID, c.Type, agents, resources, lockIDs, c.Severity, c.Strategy,
		c.SuggestedResolution, c.Resolved, c.Resolution, c.Escalated, nanos(c.DetectedAt), nullNanos(c.ResolvedAt),
	)
	return err
}

// --- loads ---

func (s *Store) loadAgents(ctx context.Context) ([]models.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, capabilities, inactive, error_reason, registered_at, last_activity FROM agents ORDER BY registered_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var out []models.Agent
	for rows.Next() {
		var a models.Agent
		var caps string
		var registered, last int64
		if err := rows.Scan(&a.ID, &a.Status, &caps, &a.Inactive, &a.ErrorReason, &registered, &last); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		if err := decode(caps, &a.Capabilities); err != nil {
			return nil, fmt.Errorf("agent %s capabilities: %w", a.ID, err)
		}
		a.RegisteredAt, a.LastActivity = fromNanos(registered), fromNanos(last)
		a.HeldLocks = []string{}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) loadLocks(ctx context.Context) ([]models.Lock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, resource_id, resource_path, lock_type, lock_level, status, priority, intent, strategy,
			task_id, metadata, preempt, held, ttl_ns, requested_at, acquired_at, expires_at, wait_deadline, ended_at,
			end_reason
		FROM locks ORDER BY requested_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query locks: %w", err)
	}
	defer rows.Close()

	var out []models.Lock
	for rows.Next() {
		var l models.Lock
		var meta string
		var ttl, requested int64
		var acquired, expires, deadline, ended sql.NullInt64
		if err := rows.Scan(&l.ID, &l.AgentID, &l.ResourceID, &l.ResourcePath, &l.LockType, &l.LockLevel, &l.Status,
			&l.Priority, &l.Intent, &l.Strategy, &l.TaskID, &meta, &l.Preempt, &l.Held, &ttl, &requested,
			&acquired, &expires, &deadline, &ended, &l.EndReason); err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		if err := decode(meta, &l.Metadata); err != nil {
			return nil, fmt.Errorf("lock %s metadata: %w", l.ID, err)
		}
		l.TTL = time.Duration(ttl)
		l.RequestedAt = fromNanos(requested)
		l.AcquiredAt, l.ExpiresAt = timePtr(acquired), timePtr(expires)
		l.WaitDeadline, l.EndedAt = timePtr(deadline), timePtr(ended)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) loadTasks(ctx context.Context) ([]models.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_type, description, status, assigned_to, resources, dependencies, capabilities, lock_level,
			priority, strategy, progress, estimated_ns, actual_ns, outcome, created_at, updated_at, started_at,
			completed_at
		FROM tasks ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []models.Task
	for rows.Next() {
		var t models.Task
		var assigned, resources, deps, caps string
		var estimated, actual, created, updated int64
		var started, completed sql.NullInt64
		if err := rows.Scan(&t.ID, &t.TaskType, &t.Description, &t.Status, &assigned, &resources, &deps, &caps,
			&t.LockLevel, &t.Priority, &t.Strategy, &t.Progress, &estimated, &actual, &t.Outcome, &created, &updated,
			&started, &completed); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		for _, f := range []struct {
			raw string
			dst *[]string
		}{{assigned, &t.AssignedTo}, {resources, &t.Resources}, {deps, &t.Dependencies}, {caps, &t.RequiredCapabilities}} {
			if err := decode(f.raw, f.dst); err != nil {
				return nil, fmt.Errorf("task %s: %w", t.ID, err)
			}
		}
		t.EstimatedDuration, t.ActualDuration = time.Duration(estimated), time.Duration(actual)
		t.CreatedAt, t.UpdatedAt = fromNanos(created), fromNanos(updated)
		t.StartedAt, t.CompletedAt = timePtr(started), timePtr(completed)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) loadConflicts(ctx context.Context) ([]models.Conflict, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conflict_type, agents, resources, lock_ids, severity, strategy, suggested_resolution, resolved,
			resolution, escalated, detected_at, resolved_at
		FROM conflicts ORDER BY detected_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query conflicts: %w", err)
	}
	defer rows.Close()

	var out []models.Conflict
	for rows.Next() {
		var c models.Conflict
		var agents, resources, lockIDs string
		var detected int64
		var resolved sql.NullInt64
		if err := rows.Scan(&c.ID, &c.Type, &agents, &resources, &lockIDs, &c.Severity, &c.Strategy,
			&c.SuggestedResolution, &c.Resolved, &c.Resolution, &c.Escalated, &detected, &resolved); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		for _, f := range []struct {
			raw string
			dst *[]string
		}{{agents, &c.AgentsInvolved}, {resources, &c.Resources}, {lockIDs, &c.LockIDs}} {
			if err := decode(f.raw, f.dst); err != nil {
				return nil, fmt.Errorf("conflict %s: %w", c.ID, err)
			}
		}
		c.DetectedAt, c.ResolvedAt = fromNanos(detected), timePtr(resolved)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) loadActivity(ctx context.Context, limit int) ([]models.ActivityEntry, error) {
	query := `SELECT id, timestamp, agent_id, action, resource, status, message FROM activity ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	defer rows.Close()

	var out []models.ActivityEntry
	for rows.Next() {
		var e models.ActivityEntry
		var ts int64
		if err := rows.Scan(&e.ID, &ts, &e.AgentID, &e.Action, &e.Resource, &e.Status, &e.Message); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		e.Timestamp = fromNanos(ts)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// oldest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// --- helpers ---

func nanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decode(raw string, dst any) error {
	if raw == "" || raw == "null" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}
