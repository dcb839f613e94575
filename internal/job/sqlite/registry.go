// Package sqlite persists job records in a SQLite database so job state
// survives restarts.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"studio/internal/apperrors"
	"studio/internal/job"
	"studio/internal/stage"
	"studio/internal/stageexec"
)

var _ job.Registry = (*Registry)(nil)

// Registry is a job.Registry backed by SQLite.
type Registry struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Registry, error) {
	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer avoids SQLITE_BUSY between concurrent job goroutines.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}

	r := &Registry{db: db, logger: slog.With("component", "registry")}
	if err := r.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	r.logger.Info("Job registry opened", "path", path)
	return r, nil
}

// Ready checks the database connection.
func (r *Registry) Ready(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Registry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *Registry) Create(ctx context.Context, rec *job.Record) error {
	request, err := json.Marshal(rec.Request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	refs, err := nullableJSON(rec.References, len(rec.References) == 0)
	if err != nil {
		return err
	}
	callback, err := nullableJSON(rec.Callback, rec.Callback == nil)
	if err != nil {
		return err
	}
	failure, err := nullableJSON(rec.Failure, rec.Failure == nil)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO jobs (id, stage, state, request_json, references_json, callback_json, failure_json, created_at, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Stage), rec.State, string(request), refs, callback, failure,
		formatTime(rec.CreatedAt), nullableTime(rec.StartedAt), nullableTime(rec.FinishedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.AlreadyExists("job", rec.ID)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

const selectColumns = `id, stage, state, request_json, references_json, callback_json, failure_json, created_at, started_at, finished_at`

func (r *Registry) Get(ctx context.Context, id string) (*job.Record, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM jobs WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("job", id)
	}
	if err != nil {
		return nil, err
	}
	if err := r.loadDegraded(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *Registry) List(ctx context.Context, filter job.Filter) ([]job.Record, error) {
	var (
		where []string
		args  []any
	)
	if filter.Stage != "" {
		where = append(where, "stage = ?")
		args = append(args, string(filter.Stage))
	}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, filter.State)
	}
	query := `SELECT ` + selectColumns + ` FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []job.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	// Degraded markers are loaded after the cursor closes; the pool holds
	// a single connection.
	rows.Close()
	for i := range out {
		if err := r.loadDegraded(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *Registry) MarkRunning(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, started_at = ? WHERE id = ? AND state = ?`,
		job.StateRunning, formatTime(at), id, job.StatePending,
	)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	return r.checkTransition(ctx, res, id)
}

func (r *Registry) MarkFinished(ctx context.Context, id, state string, at time.Time, failure *stageexec.Failure) error {
	if !job.Terminal(state) {
		return apperrors.Validation("state", "finished state must be completed or failed")
	}
	failureJSON, err := nullableJSON(failure, failure == nil)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, finished_at = ?, failure_json = ? WHERE id = ? AND state IN (?, ?)`,
		state, formatTime(at), failureJSON, id, job.StatePending, job.StateRunning,
	)
	if err != nil {
		return fmt.Errorf("mark finished: %w", err)
	}
	return r.checkTransition(ctx, res, id)
}

func (r *Registry) AddDegraded(ctx context.Context, id, name string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO degraded_artifacts (job_id, name) VALUES (?, ?) ON CONFLICT (job_id, name) DO NOTHING`,
		id, name,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return apperrors.NotFound("job", id)
		}
		return fmt.Errorf("add degraded artifact: %w", err)
	}
	return nil
}

// checkTransition turns a no-op update into NotFound or Conflict.
func (r *Registry) checkTransition(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var state string
	err = r.db.QueryRowContext(ctx, `SELECT state FROM jobs WHERE id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NotFound("job", id)
	}
	if err != nil {
		return fmt.Errorf("read job state: %w", err)
	}
	return apperrors.Conflict("job", id, "job "+id+" is already "+state)
}

func (r *Registry) loadDegraded(ctx context.Context, rec *job.Record) error {
	rows, err := r.db.QueryContext(ctx, `SELECT name FROM degraded_artifacts WHERE job_id = ? ORDER BY seq`, rec.ID)
	if err != nil {
		return fmt.Errorf("load degraded artifacts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("scan degraded artifact: %w", err)
		}
		rec.Degraded = append(rec.Degraded, name)
	}
	return rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*job.Record, error) {
	var (
		rec                     job.Record
		st, request, created    string
		refs, callback, failure sql.NullString
		started, finished       sql.NullString
	)
	if err := s.Scan(&rec.ID, &st, &rec.State, &request, &refs, &callback, &failure, &created, &started, &finished); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	rec.Stage = stage.Type(st)

	if err := json.Unmarshal([]byte(request), &rec.Request); err != nil {
		return nil, fmt.Errorf("decode request of job %s: %w", rec.ID, err)
	}
	if refs.Valid {
		if err := json.Unmarshal([]byte(refs.String), &rec.References); err != nil {
			return nil, fmt.Errorf("decode references of job %s: %w", rec.ID, err)
		}
	}
	if callback.Valid {
		rec.Callback = &job.Callback{}
		if err := json.Unmarshal([]byte(callback.String), rec.Callback); err != nil {
			return nil, fmt.Errorf("decode callback of job %s: %w", rec.ID, err)
		}
	}
	if failure.Valid {
		rec.Failure = &stageexec.Failure{}
		if err := json.Unmarshal([]byte(failure.String), rec.Failure); err != nil {
			return nil, fmt.Errorf("decode failure of job %s: %w", rec.ID, err)
		}
	}

	var err error
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("parse created_at of job %s: %w", rec.ID, err)
	}
	if rec.StartedAt, err = parseNullableTime(started); err != nil {
		return nil, err
	}
	if rec.FinishedAt, err = parseNullableTime(finished); err != nil {
		return nil, err
	}
	return &rec, nil
}

func nullableJSON(v any, empty bool) (*string, error) {
	if empty {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", v, err)
	}
	s := string(data)
	return &s, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseNullableTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, fmt.Errorf("parse time %q: %w", s.String, err)
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyViolation(err error) bool {
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
