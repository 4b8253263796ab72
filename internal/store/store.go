package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/appexplore/explorerd"
)

// Store mirrors orchestrator state into a local SQLite database and feeds
// queued task rows back to the scheduler. Writes are upserts keyed by
// entity ID: the latest snapshot wins, which is all crash recovery needs.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the database at path, applying the WAL pragmas and
// schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("store: db path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "store: create %s failed", dir)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "store: open %s failed", path)
	}
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := prepareSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	log.Debug().Str("path", path).Msg("store: opened")
	return &Store{db: db, path: path}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return errors.Wrapf(err, "store: execute %s failed", pragma)
		}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return nil
}

func prepareSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			serial TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL,
			last_heartbeat INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			app_version TEXT NOT NULL DEFAULT '',
			device_count INTEGER NOT NULL DEFAULT 1,
			device_tags TEXT NOT NULL DEFAULT '[]',
			priority INTEGER NOT NULL DEFAULT 0,
			coverage_kind TEXT NOT NULL DEFAULT 'exhaustive',
			coverage_max_depth INTEGER NOT NULL DEFAULT 0,
			coverage_paths TEXT NOT NULL DEFAULT '[]',
			excluded_paths TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL,
			failure_reason TEXT NOT NULL DEFAULT '',
			retry_of TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL DEFAULT 0,
			ended_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS task_runs (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			device_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			screens_visited INTEGER NOT NULL DEFAULT 0,
			actions_executed INTEGER NOT NULL DEFAULT 0,
			locators_produced INTEGER NOT NULL DEFAULT 0,
			failed_locators INTEGER NOT NULL DEFAULT 0,
			failure_reason TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL DEFAULT 0,
			started_at INTEGER NOT NULL DEFAULT 0,
			ended_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_runs_task ON task_runs(task_id)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			severity TEXT NOT NULL,
			status TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			task_id TEXT NOT NULL DEFAULT '',
			run_id TEXT NOT NULL DEFAULT '',
			device_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrap(err, "store: prepare schema failed")
		}
	}
	return nil
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		log.Trace().Str("sql", FormatSQLForLog(query, args...)).Msg("store: exec failed")
	}
	return err
}

// RecordDevice upserts one device snapshot.
func (s *Store) RecordDevice(ctx context.Context, d explorerd.Device) error {
	tags := marshalStrings(d.Tags)
	err := s.exec(ctx, `INSERT INTO devices (id, serial, model, tags, status, last_heartbeat)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			serial=excluded.serial, model=excluded.model, tags=excluded.tags,
			status=excluded.status, last_heartbeat=excluded.last_heartbeat`,
		d.ID, d.Serial, d.Model, tags, string(d.Status), unixMilli(d.LastHeartbeat))
	return errors.Wrapf(err, "store: record device %s", d.ID)
}

// RecordTask upserts one task snapshot.
func (s *Store) RecordTask(ctx context.Context, t explorerd.Task) error {
	err := s.exec(ctx, `INSERT INTO tasks (id, app_version, device_count, device_tags, priority,
			coverage_kind, coverage_max_depth, coverage_paths, excluded_paths,
			status, failure_reason, retry_of, created_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			app_version=excluded.app_version, device_count=excluded.device_count,
			device_tags=excluded.device_tags, priority=excluded.priority,
			coverage_kind=excluded.coverage_kind, coverage_max_depth=excluded.coverage_max_depth,
			coverage_paths=excluded.coverage_paths, excluded_paths=excluded.excluded_paths,
			status=excluded.status, failure_reason=excluded.failure_reason,
			retry_of=excluded.retry_of, created_at=excluded.created_at, ended_at=excluded.ended_at`,
		t.ID, t.Spec.AppVersion, t.Spec.DeviceCount, marshalStrings(t.Spec.DeviceTags), t.Spec.Priority,
		string(t.Spec.Coverage.Kind), t.Spec.Coverage.MaxDepth, marshalStrings(t.Spec.Coverage.Paths),
		marshalStrings(t.Spec.ExcludedPaths),
		string(t.Status), t.FailureReason, t.RetryOf, unixMilli(t.CreatedAt), unixMilli(t.EndedAt))
	return errors.Wrapf(err, "store: record task %s", t.ID)
}

// RecordRun upserts one run snapshot.
func (s *Store) RecordRun(ctx context.Context, r explorerd.TaskRun) error {
	err := s.exec(ctx, `INSERT INTO task_runs (id, task_id, device_id, status,
			screens_visited, actions_executed, locators_produced, failed_locators,
			failure_reason, created_at, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			task_id=excluded.task_id, device_id=excluded.device_id, status=excluded.status,
			screens_visited=excluded.screens_visited, actions_executed=excluded.actions_executed,
			locators_produced=excluded.locators_produced, failed_locators=excluded.failed_locators,
			failure_reason=excluded.failure_reason, created_at=excluded.created_at,
			started_at=excluded.started_at, ended_at=excluded.ended_at`,
		r.ID, r.TaskID, r.DeviceID, string(r.Status),
		r.Counters.ScreensVisited, r.Counters.ActionsExecuted,
		r.Counters.LocatorsProduced, r.Counters.FailedLocators,
		r.FailureReason, unixMilli(r.CreatedAt), unixMilli(r.StartedAt), unixMilli(r.EndedAt))
	return errors.Wrapf(err, "store: record run %s", r.ID)
}

// RecordAlert upserts one alert snapshot.
func (s *Store) RecordAlert(ctx context.Context, a explorerd.Alert) error {
	err := s.exec(ctx, `INSERT INTO alerts (id, kind, severity, status, message,
			task_id, run_id, device_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind=excluded.kind, severity=excluded.severity, status=excluded.status,
			message=excluded.message, task_id=excluded.task_id, run_id=excluded.run_id,
			device_id=excluded.device_id, created_at=excluded.created_at, updated_at=excluded.updated_at`,
		a.ID, string(a.Kind), string(a.Severity), string(a.Status), a.Message,
		a.Ref.TaskID, a.Ref.RunID, a.Ref.DeviceID, unixMilli(a.CreatedAt), unixMilli(a.UpdatedAt))
	return errors.Wrapf(err, "store: record alert %s", a.ID)
}

// FetchQueuedTasks returns queued task rows, oldest first, so the scheduler
// can adopt externally submitted work.
func (s *Store) FetchQueuedTasks(ctx context.Context, limit int) ([]explorerd.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT ?`,
		string(explorerd.TaskQueued), limit)
	if err != nil {
		return nil, errors.Wrap(err, "store: query queued tasks failed")
	}
	defer rows.Close()
	return scanTasks(rows)
}

// LoadOpenState reads everything the orchestrator needs to restore after a
// restart: the full device pool, every non-terminal task and every run that
// belongs to a non-terminal task.
func (s *Store) LoadOpenState(ctx context.Context) ([]explorerd.Device, []explorerd.Task, []explorerd.TaskRun, error) {
	devices, err := s.loadDevices(ctx)
	if err != nil {
		return nil, nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status IN (?, ?) ORDER BY created_at ASC`,
		string(explorerd.TaskQueued), string(explorerd.TaskRunning))
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "store: query open tasks failed")
	}
	tasks, err := scanTasks(rows)
	rows.Close()
	if err != nil {
		return nil, nil, nil, err
	}

	var runs []explorerd.TaskRun
	for _, t := range tasks {
		taskRuns, err := s.loadRuns(ctx, t.ID)
		if err != nil {
			return nil, nil, nil, err
		}
		runs = append(runs, taskRuns...)
	}
	return devices, tasks, runs, nil
}

func (s *Store) loadDevices(ctx context.Context) ([]explorerd.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, serial, model, tags, status, last_heartbeat FROM devices ORDER BY id ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "store: query devices failed")
	}
	defer rows.Close()
	var out []explorerd.Device
	for rows.Next() {
		var d explorerd.Device
		var tags, status string
		var heartbeat int64
		if err := rows.Scan(&d.ID, &d.Serial, &d.Model, &tags, &status, &heartbeat); err != nil {
			return nil, errors.Wrap(err, "store: scan device failed")
		}
		d.Tags = unmarshalStrings(tags)
		d.Status = explorerd.DeviceStatus(status)
		d.LastHeartbeat = fromUnixMilli(heartbeat)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) loadRuns(ctx context.Context, taskID string) ([]explorerd.TaskRun, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, task_id, device_id, status,
			screens_visited, actions_executed, locators_produced, failed_locators,
			failure_reason, created_at, started_at, ended_at
		FROM task_runs WHERE task_id = ? ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, errors.Wrapf(err, "store: query runs for task %s failed", taskID)
	}
	defer rows.Close()
	var out []explorerd.TaskRun
	for rows.Next() {
		var r explorerd.TaskRun
		var status string
		var created, started, ended int64
		if err := rows.Scan(&r.ID, &r.TaskID, &r.DeviceID, &status,
			&r.Counters.ScreensVisited, &r.Counters.ActionsExecuted,
			&r.Counters.LocatorsProduced, &r.Counters.FailedLocators,
			&r.FailureReason, &created, &started, &ended); err != nil {
			return nil, errors.Wrap(err, "store: scan run failed")
		}
		r.Status = explorerd.RunStatus(status)
		r.CreatedAt = fromUnixMilli(created)
		r.StartedAt = fromUnixMilli(started)
		r.EndedAt = fromUnixMilli(ended)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListAlerts returns alerts newest first, optionally filtered by status.
func (s *Store) ListAlerts(ctx context.Context, status explorerd.AlertStatus, limit int) ([]explorerd.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, kind, severity, status, message, task_id, run_id, device_id, created_at, updated_at
		FROM alerts`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "store: query alerts failed")
	}
	defer rows.Close()
	var out []explorerd.Alert
	for rows.Next() {
		var a explorerd.Alert
		var kind, severity, st string
		var created, updated int64
		if err := rows.Scan(&a.ID, &kind, &severity, &st, &a.Message,
			&a.Ref.TaskID, &a.Ref.RunID, &a.Ref.DeviceID, &created, &updated); err != nil {
			return nil, errors.Wrap(err, "store: scan alert failed")
		}
		a.Kind = explorerd.AlertKind(kind)
		a.Severity = explorerd.Severity(severity)
		a.Status = explorerd.AlertStatus(st)
		a.CreatedAt = fromUnixMilli(created)
		a.UpdatedAt = fromUnixMilli(updated)
		out = append(out, a)
	}
	return out, rows.Err()
}

const taskColumns = `id, app_version, device_count, device_tags, priority,
	coverage_kind, coverage_max_depth, coverage_paths, excluded_paths,
	status, failure_reason, retry_of, created_at, ended_at`

func scanTasks(rows *sql.Rows) ([]explorerd.Task, error) {
	var out []explorerd.Task
	for rows.Next() {
		var t explorerd.Task
		var deviceTags, coverageKind, coveragePaths, excludedPaths, status string
		var created, ended int64
		if err := rows.Scan(&t.ID, &t.Spec.AppVersion, &t.Spec.DeviceCount, &deviceTags, &t.Spec.Priority,
			&coverageKind, &t.Spec.Coverage.MaxDepth, &coveragePaths, &excludedPaths,
			&status, &t.FailureReason, &t.RetryOf, &created, &ended); err != nil {
			return nil, errors.Wrap(err, "store: scan task failed")
		}
		t.Spec.DeviceTags = unmarshalStrings(deviceTags)
		t.Spec.Coverage.Kind = explorerd.CoverageKind(coverageKind)
		t.Spec.Coverage.Paths = unmarshalStrings(coveragePaths)
		t.Spec.ExcludedPaths = unmarshalStrings(excludedPaths)
		t.Status = explorerd.TaskStatus(status)
		t.CreatedAt = fromUnixMilli(created)
		t.EndedAt = fromUnixMilli(ended)
		out = append(out, t)
	}
	return out, rows.Err()
}

func marshalStrings(vals []string) string {
	if len(vals) == 0 {
		return "[]"
	}
	data, err := json.Marshal(vals)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalStrings(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
