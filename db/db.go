package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/ncecere/scrapesched/models"
)

// ErrNotFound is returned by lookups and targeted updates when no row
// matches the given id.
var ErrNotFound = errors.New("not found")

// Config contains database configuration
type Config struct {
	Driver      string // "sqlite" or "postgres"
	DSN         string
	BusyTimeout time.Duration // sqlite only
}

// DB wraps database operations
type DB struct {
	db     *sql.DB
	driver string
}

// New opens the database, applies connection pragmas and runs any pending
// migrations.
func New(config Config) (*DB, error) {
	if config.Driver == "sqlite" && config.DSN != ":memory:" {
		if dir := filepath.Dir(config.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open(config.Driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	d := &DB{
		db:     db,
		driver: config.Driver,
	}

	if config.Driver == "sqlite" {
		// SQLite prefers a single writer; one pooled connection also keeps
		// the session pragmas below in effect for every query.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)

		busy := config.BusyTimeout
		if busy <= 0 {
			busy = 5 * time.Second
		}
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
		_, _ = db.Exec("PRAGMA journal_mode = WAL")
		_, _ = db.Exec("PRAGMA synchronous = NORMAL")
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return d, nil
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.db.Close()
}

// DB returns the underlying database connection for metrics collection
func (d *DB) DB() *sql.DB {
	return d.db
}

// rebindQuery converts ? placeholders to $1, $2, etc. for PostgreSQL
func (d *DB) rebindQuery(query string) string {
	if d.driver != "postgres" {
		return query
	}

	paramNum := 1
	var b strings.Builder
	for _, char := range query {
		if char == '?' {
			fmt.Fprintf(&b, "$%d", paramNum)
			paramNum++
		} else {
			b.WriteRune(char)
		}
	}
	return b.String()
}

const scheduledJobColumns = `id, name, job_type, job_config, url, urls, api_endpoint,
	       schedule_type, schedule_config, timezone, is_active,
	       created_at, updated_at, last_run_at, next_run_at`

// CreateScheduledJob inserts a new scheduled job, assigning an id and
// timestamps. The stored row is written back into job.
func (d *DB) CreateScheduledJob(ctx context.Context, job *models.ScheduledJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if strings.TrimSpace(job.Timezone) == "" {
		job.Timezone = "UTC"
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	jobConfig, err := json.Marshal(job.JobConfig)
	if err != nil {
		return fmt.Errorf("failed to encode job config: %w", err)
	}
	scheduleConfig, err := json.Marshal(job.ScheduleConfig)
	if err != nil {
		return fmt.Errorf("failed to encode schedule config: %w", err)
	}
	urls, err := marshalURLs(job.URLs)
	if err != nil {
		return err
	}

	query := d.rebindQuery(`
		INSERT INTO scheduled_jobs (id, name, job_type, job_config, url, urls, api_endpoint,
		                            schedule_type, schedule_config, timezone, is_active,
		                            created_at, updated_at, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	_, err = d.db.ExecContext(ctx, query,
		job.ID, job.Name, job.JobType, string(jobConfig), nullStr(job.URL), urls,
		job.APIEndpoint, job.ScheduleType, string(scheduleConfig), job.Timezone,
		job.IsActive, job.CreatedAt, job.UpdatedAt, job.NextRunAt,
	)
	return err
}

// GetScheduledJob retrieves a scheduled job by id. Returns ErrNotFound if
// the row does not exist.
func (d *DB) GetScheduledJob(ctx context.Context, id string) (*models.ScheduledJob, error) {
	query := d.rebindQuery(`
		SELECT ` + scheduledJobColumns + `
		FROM scheduled_jobs WHERE id = ?
	`)

	job, err := scanScheduledJob(d.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListScheduledJobs retrieves all scheduled jobs, newest first.
func (d *DB) ListScheduledJobs(ctx context.Context) ([]*models.ScheduledJob, error) {
	return d.listScheduledJobs(ctx, `
		SELECT `+scheduledJobColumns+`
		FROM scheduled_jobs
		ORDER BY created_at DESC
	`)
}

// ListActiveScheduledJobs retrieves all active scheduled jobs, newest first.
func (d *DB) ListActiveScheduledJobs(ctx context.Context) ([]*models.ScheduledJob, error) {
	return d.listScheduledJobs(ctx, d.rebindQuery(`
		SELECT `+scheduledJobColumns+`
		FROM scheduled_jobs
		WHERE is_active = ?
		ORDER BY created_at DESC
	`), true)
}

func (d *DB) listScheduledJobs(ctx context.Context, query string, args ...any) ([]*models.ScheduledJob, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.ScheduledJob
	for rows.Next() {
		job, err := scanScheduledJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateScheduledJob applies a partial update and refreshes updated_at.
// Returns the updated row, or ErrNotFound.
func (d *DB) UpdateScheduledJob(ctx context.Context, id string, upd models.ScheduledJobUpdate) (*models.ScheduledJob, error) {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if upd.Name != nil {
		add("name", *upd.Name)
	}
	if upd.JobType != nil {
		add("job_type", *upd.JobType)
	}
	if upd.JobConfig != nil {
		b, err := json.Marshal(upd.JobConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to encode job config: %w", err)
		}
		add("job_config", string(b))
	}
	if upd.URL != nil {
		add("url", nullStr(*upd.URL))
	}
	if upd.URLs != nil {
		urls, err := marshalURLs(*upd.URLs)
		if err != nil {
			return nil, err
		}
		add("urls", urls)
	}
	if upd.APIEndpoint != nil {
		add("api_endpoint", *upd.APIEndpoint)
	}
	if upd.ScheduleType != nil {
		add("schedule_type", *upd.ScheduleType)
	}
	if upd.ScheduleConfig != nil {
		b, err := json.Marshal(upd.ScheduleConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to encode schedule config: %w", err)
		}
		add("schedule_config", string(b))
	}
	if upd.Timezone != nil {
		add("timezone", *upd.Timezone)
	}
	if upd.IsActive != nil {
		add("is_active", *upd.IsActive)
	}
	if upd.NextRunAt != nil {
		add("next_run_at", upd.NextRunAt.UTC())
	}

	args = append(args, id)
	query := d.rebindQuery("UPDATE scheduled_jobs SET " + strings.Join(sets, ", ") + " WHERE id = ?")

	result, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, ErrNotFound
	}

	return d.GetScheduledJob(ctx, id)
}

// DeleteScheduledJob deletes a scheduled job; its runs go with it via the
// foreign-key cascade.
func (d *DB) DeleteScheduledJob(ctx context.Context, id string) error {
	query := d.rebindQuery("DELETE FROM scheduled_jobs WHERE id = ?")
	result, err := d.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateLastRunTime writes last_run_at, next_run_at and updated_at in one
// statement.
func (d *DB) UpdateLastRunTime(ctx context.Context, id string, lastRun time.Time, nextRun time.Time) error {
	query := d.rebindQuery(`
		UPDATE scheduled_jobs
		SET last_run_at = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?
	`)

	_, err := d.db.ExecContext(ctx, query, lastRun.UTC(), nextRun.UTC(), time.Now().UTC(), id)
	return err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanScheduledJob(s scanner) (*models.ScheduledJob, error) {
	job := &models.ScheduledJob{}
	var (
		jobConfig      string
		scheduleConfig string
		url            sql.NullString
		urls           sql.NullString
	)

	err := s.Scan(
		&job.ID, &job.Name, &job.JobType, &jobConfig, &url, &urls, &job.APIEndpoint,
		&job.ScheduleType, &scheduleConfig, &job.Timezone, &job.IsActive,
		&job.CreatedAt, &job.UpdatedAt, &job.LastRunAt, &job.NextRunAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(jobConfig), &job.JobConfig); err != nil {
		return nil, fmt.Errorf("failed to decode job config: %w", err)
	}
	if err := json.Unmarshal([]byte(scheduleConfig), &job.ScheduleConfig); err != nil {
		return nil, fmt.Errorf("failed to decode schedule config: %w", err)
	}
	job.URL = url.String
	if urls.Valid && urls.String != "" {
		if err := json.Unmarshal([]byte(urls.String), &job.URLs); err != nil {
			return nil, fmt.Errorf("failed to decode urls: %w", err)
		}
	}
	return job, nil
}

func marshalURLs(urls []string) (any, error) {
	if len(urls) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(urls)
	if err != nil {
		return nil, fmt.Errorf("failed to encode urls: %w", err)
	}
	return string(b), nil
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}
