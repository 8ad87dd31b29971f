package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"fleetroute/internal/model"
)

type dialect struct {
	name     string
	driver   string
	serialPK string
}

var (
	postgresDialect = dialect{name: "postgres", driver: "pgx", serialPK: "BIGSERIAL PRIMARY KEY"}
	sqliteDialect   = dialect{name: "sqlite", driver: "sqlite", serialPK: "INTEGER PRIMARY KEY AUTOINCREMENT"}
)

// rebind rewrites ? placeholders to $n for Postgres. Queries never contain literal question marks.
func (d dialect) rebind(q string) string {
	if d.name != "postgres" {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d dialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			settings TEXT NOT NULL,
			callback_url TEXT,
			callback_secret TEXT,
			instance TEXT,
			progress DOUBLE PRECISION NOT NULL DEFAULT 0,
			shift_id TEXT NOT NULL DEFAULT '',
			generation INTEGER NOT NULL DEFAULT 0,
			generations INTEGER NOT NULL DEFAULT 0,
			best_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			solutions TEXT,
			error TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			started_at BIGINT,
			finished_at BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS jobs_created_idx ON jobs (created_at DESC)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS job_logs (
			id %s,
			job_id TEXT NOT NULL,
			line TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`, d.serialPK),
		`CREATE INDEX IF NOT EXISTS job_logs_job_idx ON job_logs (job_id, id)`,
		`CREATE TABLE IF NOT EXISTS webhook_deliveries (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			url TEXT NOT NULL,
			secret TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL,
			dedup_key TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			next_attempt_at BIGINT NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			response_code INTEGER NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			delivered_at BIGINT,
			UNIQUE (job_id, event_type, url, dedup_key)
		)`,
		`CREATE INDEX IF NOT EXISTS webhook_deliveries_due_idx ON webhook_deliveries (status, next_attempt_at)`,
	}
}

// SQL is a Store over database/sql. Postgres goes through the pgx stdlib driver,
// local runs and tests through the pure-Go SQLite driver. Timestamps are stored
// as unix milliseconds so both dialects share one schema.
type SQL struct {
	db *sql.DB
	d  dialect
}

// OpenPostgres connects to dsn and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*SQL, error) {
	return open(ctx, postgresDialect, dsn)
}

// OpenSQLite opens the database file at path (":memory:" for a throwaway one) and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQL, error) {
	return open(ctx, sqliteDialect, path)
}

func open(ctx context.Context, d dialect, dsn string) (*SQL, error) {
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.name, err)
	}
	if d.name == "sqlite" {
		// One connection keeps ":memory:" databases alive and serializes writers.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", d.name, err)
	}
	s := &SQL{db: db, d: d}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates missing tables and indexes. It is idempotent.
func (s *SQL) Migrate(ctx context.Context) error {
	for _, stmt := range s.d.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", s.d.name, err)
		}
	}
	return nil
}

func (s *SQL) Dialect() string { return s.d.name }

func (s *SQL) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.d.rebind(q), args...)
}

func (s *SQL) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.d.rebind(q), args...)
}

func (s *SQL) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.d.rebind(q), args...)
}

func (s *SQL) CreateJob(ctx context.Context, job *model.Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = model.JobQueued
	}
	settings, err := json.Marshal(job.Settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	var instance any
	if job.Instance != nil {
		raw, err := json.Marshal(job.Instance)
		if err != nil {
			return fmt.Errorf("encode instance: %w", err)
		}
		instance = string(raw)
	}
	solutions, err := encodeSolutions(job.Solutions)
	if err != nil {
		return err
	}
	var cbURL, cbSecret any
	if job.Callback != nil {
		cbURL, cbSecret = job.Callback.URL, nullIfEmpty(job.Callback.Secret)
	}
	_, err = s.exec(ctx, `INSERT INTO jobs (id, status, settings, callback_url, callback_secret, instance,
		progress, shift_id, generation, generations, best_cost, solutions, error, created_at, updated_at, started_at, finished_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		job.ID, string(job.Status), string(settings), cbURL, cbSecret, instance,
		job.Progress, job.ShiftID, job.Generation, job.Generations, job.BestCost, solutions, job.Error,
		job.CreatedAt.UnixMilli(), job.UpdatedAt.UnixMilli(), nullMillis(job.StartedAt), nullMillis(job.FinishedAt))
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	for _, line := range job.Logs {
		if err := s.insertLog(ctx, job.ID, line); err != nil {
			return err
		}
	}
	return nil
}

const jobColumns = `id, status, settings, callback_url, callback_secret, progress, shift_id, generation,
	generations, best_cost, solutions, error, created_at, updated_at, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner, extra ...any) (*model.Job, error) {
	var (
		j                    model.Job
		status, settings     string
		cbURL, cbSecret, sol sql.NullString
		created, updated     int64
		started, finished    sql.NullInt64
	)
	dest := []any{&j.ID, &status, &settings, &cbURL, &cbSecret, &j.Progress, &j.ShiftID, &j.Generation,
		&j.Generations, &j.BestCost, &sol, &j.Error, &created, &updated, &started, &finished}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	j.Status = model.JobStatus(status)
	if err := json.Unmarshal([]byte(settings), &j.Settings); err != nil {
		return nil, fmt.Errorf("decode settings of job %s: %w", j.ID, err)
	}
	if cbURL.Valid && cbURL.String != "" {
		j.Callback = &model.Callback{URL: cbURL.String, Secret: cbSecret.String}
	}
	if sol.Valid && sol.String != "" {
		if err := json.Unmarshal([]byte(sol.String), &j.Solutions); err != nil {
			return nil, fmt.Errorf("decode solutions of job %s: %w", j.ID, err)
		}
	}
	j.CreatedAt = time.UnixMilli(created).UTC()
	j.UpdatedAt = time.UnixMilli(updated).UTC()
	j.StartedAt = fromNullMillis(started)
	j.FinishedAt = fromNullMillis(finished)
	return &j, nil
}

func (s *SQL) GetJob(ctx context.Context, id string) (*model.Job, error) {
	var instance sql.NullString
	j, err := scanJob(s.queryRow(ctx, `SELECT `+jobColumns+`, instance FROM jobs WHERE id = ?`, id), &instance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if instance.Valid && instance.String != "" {
		var in model.Instance
		if err := json.Unmarshal([]byte(instance.String), &in); err != nil {
			return nil, fmt.Errorf("decode instance of job %s: %w", id, err)
		}
		j.Instance = &in
	}

	rows, err := s.query(ctx, `SELECT line FROM job_logs WHERE job_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	j.Logs = []string{}
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		j.Logs = append(j.Logs, line)
	}
	return j, rows.Err()
}

func (s *SQL) ListJobs(ctx context.Context, limit int) ([]model.Job, error) {
	rows, err := s.query(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (s *SQL) UpdateJob(ctx context.Context, job *model.Job) error {
	solutions, err := encodeSolutions(job.Solutions)
	if err != nil {
		return err
	}
	job.UpdatedAt = time.Now().UTC()
	res, err := s.exec(ctx, `UPDATE jobs SET status = ?, progress = ?, shift_id = ?, generation = ?, generations = ?,
		best_cost = ?, solutions = ?, error = ?, started_at = ?, finished_at = ?, updated_at = ? WHERE id = ?`,
		string(job.Status), job.Progress, job.ShiftID, job.Generation, job.Generations,
		job.BestCost, solutions, job.Error, nullMillis(job.StartedAt), nullMillis(job.FinishedAt), job.UpdatedAt.UnixMilli(), job.ID)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQL) StopJob(ctx context.Context, id string, at time.Time) (*model.Job, error) {
	res, err := s.exec(ctx, `UPDATE jobs SET status = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)`,
		string(model.JobStopped), at.UnixMilli(), time.Now().UTC().UnixMilli(), id,
		string(model.JobCompleted), string(model.JobFailed), string(model.JobStopped))
	if err != nil {
		return nil, fmt.Errorf("stop job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return job, ErrJobSettled
	}
	return job, nil
}

func (s *SQL) AppendJobLog(ctx context.Context, id, line string) error {
	var one int
	err := s.queryRow(ctx, `SELECT 1 FROM jobs WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return s.insertLog(ctx, id, line)
}

func (s *SQL) insertLog(ctx context.Context, id, line string) error {
	_, err := s.exec(ctx, `INSERT INTO job_logs (job_id, line, created_at) VALUES (?,?,?)`, id, line, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("append log to job %s: %w", id, err)
	}
	return nil
}

// Webhook deliveries

func (s *SQL) EnqueueWebhook(ctx context.Context, jobID, eventType, url, secret string, payload []byte) (string, error) {
	dk := computeDedupKey(payload)
	_, err := s.exec(ctx, `INSERT INTO webhook_deliveries (id, job_id, event_type, url, secret, payload, dedup_key, status, attempts, next_attempt_at)
		VALUES (?,?,?,?,?,?,?,?,0,?)
		ON CONFLICT (job_id, event_type, url, dedup_key) DO NOTHING`,
		uuid.NewString(), jobID, eventType, url, secret, string(payload), dk, DeliveryPending, time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("enqueue webhook: %w", err)
	}
	var id string
	err = s.queryRow(ctx, `SELECT id FROM webhook_deliveries WHERE job_id = ? AND event_type = ? AND url = ? AND dedup_key = ?`,
		jobID, eventType, url, dk).Scan(&id)
	return id, err
}

const deliveryColumns = `id, job_id, event_type, url, secret, payload, status, attempts, next_attempt_at,
	last_error, response_code, latency_ms, delivered_at`

func scanDelivery(row rowScanner) (WebhookDelivery, error) {
	var (
		d         WebhookDelivery
		payload   string
		next      int64
		delivered sql.NullInt64
	)
	if err := row.Scan(&d.ID, &d.JobID, &d.EventType, &d.URL, &d.Secret, &payload, &d.Status, &d.Attempts, &next,
		&d.LastError, &d.ResponseCode, &d.LatencyMs, &delivered); err != nil {
		return WebhookDelivery{}, err
	}
	d.Payload = []byte(payload)
	d.NextAttemptAt = time.UnixMilli(next)
	d.DeliveredAt = fromNullMillis(delivered)
	return d, nil
}

func (s *SQL) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	rows, err := s.query(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries
		WHERE status IN (?, ?) AND next_attempt_at <= ? ORDER BY next_attempt_at ASC LIMIT ?`,
		DeliveryPending, DeliveryRetry, time.Now().UnixMilli(), clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQL) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	var res sql.Result
	var err error
	if success {
		res, err = s.exec(ctx, `UPDATE webhook_deliveries SET attempts = attempts + 1, status = ?, delivered_at = ?,
			response_code = ?, latency_ms = ? WHERE id = ?`,
			DeliveryDelivered, time.Now().UnixMilli(), responseCode, latencyMs, id)
	} else {
		next := time.Now().Add(time.Minute)
		if nextAttemptAt != nil {
			next = *nextAttemptAt
		}
		res, err = s.exec(ctx, `UPDATE webhook_deliveries SET attempts = attempts + 1, status = ?, last_error = ?,
			next_attempt_at = ?, response_code = ?, latency_ms = ? WHERE id = ?`,
			DeliveryRetry, lastError, next.UnixMilli(), responseCode, latencyMs, id)
	}
	return affected(res, err)
}

func (s *SQL) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	res, err := s.exec(ctx, `UPDATE webhook_deliveries SET attempts = attempts + 1, status = ?, last_error = ?,
		response_code = ?, latency_ms = ? WHERE id = ?`,
		DeliveryFailed, lastError, responseCode, latencyMs, id)
	return affected(res, err)
}

func (s *SQL) GetWebhookDelivery(ctx context.Context, id string) (WebhookDelivery, error) {
	d, err := scanDelivery(s.queryRow(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return WebhookDelivery{}, ErrNotFound
	}
	return d, err
}

func (s *SQL) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQL) Close() error { return s.db.Close() }

func affected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func encodeSolutions(m map[string]*model.Solution) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode solutions: %w", err)
	}
	return string(raw), nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
