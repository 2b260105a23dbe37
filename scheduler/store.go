package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. If not set, no logs
// are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store persists cron jobs in a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		panic(fmt.Sprintf("scheduler: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates the cron_jobs table.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS cron_jobs (
		id TEXT PRIMARY KEY,
		prompt TEXT NOT NULL,
		cron_expr TEXT NOT NULL DEFAULT '',
		interval_secs INTEGER NOT NULL DEFAULT 0,
		delivery_target TEXT NOT NULL DEFAULT '',
		active_hours_start INTEGER NOT NULL DEFAULT -1,
		active_hours_end INTEGER NOT NULL DEFAULT -1,
		timezone TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		run_once INTEGER NOT NULL DEFAULT 0,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		timeout_secs INTEGER NOT NULL DEFAULT 0,
		last_result TEXT NOT NULL DEFAULT '',
		last_run_at INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("scheduler: create table: %w", err)
	}
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_cron_jobs_enabled ON cron_jobs(enabled)`)
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

const jobColumns = `id, prompt, cron_expr, interval_secs, delivery_target, active_hours_start,
	active_hours_end, timezone, enabled, run_once, consecutive_failures, timeout_secs,
	last_result, last_run_at, created_at`

// Create inserts a new cron job.
func (s *Store) Create(ctx context.Context, j CronJob) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `INSERT INTO cron_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Prompt, j.CronExpr, j.IntervalSecs, j.DeliveryTarget,
		j.ActiveHoursStart, j.ActiveHoursEnd, j.TimeZone, boolToInt(j.Enabled), boolToInt(j.RunOnce),
		j.ConsecutiveFailures, j.TimeoutSecs, j.LastResult, j.LastRunAt, j.CreatedAt)
	s.logger.Debug("scheduler: create", "id", j.ID, "duration", time.Since(start))
	return err
}

// Get returns a single job by id.
func (s *Store) Get(ctx context.Context, id string) (CronJob, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM cron_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return CronJob{}, false, nil
	}
	if err != nil {
		return CronJob{}, false, err
	}
	return j, true, nil
}

// List returns every cron job, ordered by creation time.
func (s *Store) List(ctx context.Context) ([]CronJob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM cron_jobs ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ListEnabled returns every enabled job, used to start timers at process boot.
func (s *Store) ListEnabled(ctx context.Context) ([]CronJob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM cron_jobs WHERE enabled = 1 ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// Update persists a job's mutable scheduling fields.
func (s *Store) Update(ctx context.Context, j CronJob) error {
	_, err := s.db.ExecContext(ctx, `UPDATE cron_jobs SET prompt = ?, cron_expr = ?, interval_secs = ?,
		delivery_target = ?, active_hours_start = ?, active_hours_end = ?, timezone = ?,
		run_once = ?, consecutive_failures = ?, timeout_secs = ? WHERE id = ?`,
		j.Prompt, j.CronExpr, j.IntervalSecs, j.DeliveryTarget, j.ActiveHoursStart, j.ActiveHoursEnd,
		j.TimeZone, boolToInt(j.RunOnce), j.ConsecutiveFailures, j.TimeoutSecs, j.ID)
	return err
}

// SetEnabled enables or disables a job without touching its schedule.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE cron_jobs SET enabled = ? WHERE id = ?`, boolToInt(enabled), id)
	return err
}

// RecordFailure increments the consecutive-failure count and disables the
// job once it reaches MaxConsecutiveFailures, acting as a circuit breaker
// against a job that errors on every run.
func (s *Store) RecordFailure(ctx context.Context, id string) (disabled bool, err error) {
	_, err = s.db.ExecContext(ctx, `UPDATE cron_jobs SET consecutive_failures = consecutive_failures + 1 WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	var failures int
	if err := s.db.QueryRowContext(ctx, `SELECT consecutive_failures FROM cron_jobs WHERE id = ?`, id).Scan(&failures); err != nil {
		return false, err
	}
	if failures >= MaxConsecutiveFailures {
		if err := s.SetEnabled(ctx, id, false); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// RecordSuccess resets the consecutive-failure count after a clean run.
func (s *Store) RecordSuccess(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE cron_jobs SET consecutive_failures = 0 WHERE id = ?`, id)
	return err
}

// LogExecution records the outcome of the most recent execution attempt.
func (s *Store) LogExecution(ctx context.Context, id string, success bool, detail string) error {
	result := "ok"
	if !success {
		result = "error"
	}
	if detail != "" {
		result += ": " + detail
	}
	_, err := s.db.ExecContext(ctx, `UPDATE cron_jobs SET last_result = ?, last_run_at = ? WHERE id = ?`,
		result, time.Now().Unix(), id)
	return err
}

// Delete removes a single job.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cron_jobs WHERE id = ?`, id)
	return err
}

// DeleteAll removes every job and returns how many were removed.
func (s *Store) DeleteAll(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cron_jobs`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (CronJob, error) {
	var j CronJob
	var enabled, runOnce int
	if err := row.Scan(&j.ID, &j.Prompt, &j.CronExpr, &j.IntervalSecs, &j.DeliveryTarget,
		&j.ActiveHoursStart, &j.ActiveHoursEnd, &j.TimeZone, &enabled, &runOnce,
		&j.ConsecutiveFailures, &j.TimeoutSecs, &j.LastResult, &j.LastRunAt, &j.CreatedAt); err != nil {
		return CronJob{}, err
	}
	j.Enabled = enabled != 0
	j.RunOnce = runOnce != 0
	return j, nil
}

func scanJobs(rows *sql.Rows) ([]CronJob, error) {
	var jobs []CronJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
