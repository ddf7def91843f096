package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ncecere/scrapesched/models"
)

// runRetention is how long run rows are kept, by created_at and whatever
// their status, before the cleanup cron deletes them.
const runRetention = 30 * 24 * time.Hour

const jobRunColumns = `id, scheduled_job_id, run_type, status, started_at, completed_at,
	       result_data, error_message, execution_time_ms, created_at`

// CreateJobRun inserts a new run row, assigning an id and timestamps.
func (d *DB) CreateJobRun(ctx context.Context, run *models.JobRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	run.CreatedAt = now
	if run.Status == "" {
		run.Status = models.RunStatusPending
	}

	query := d.rebindQuery(`
		INSERT INTO job_runs (id, scheduled_job_id, run_type, status, started_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)

	_, err := d.db.ExecContext(ctx, query,
		run.ID, run.ScheduledJobID, run.RunType, run.Status, run.StartedAt, run.CreatedAt,
	)
	return err
}

// UpdateJobRun applies a partial update, typically the terminal transition.
// Returns the updated row, or ErrNotFound.
func (d *DB) UpdateJobRun(ctx context.Context, id string, upd models.JobRunUpdate) (*models.JobRun, error) {
	var sets []string
	var args []any

	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if upd.Status != nil {
		add("status", *upd.Status)
	}
	if upd.CompletedAt != nil {
		add("completed_at", upd.CompletedAt.UTC())
	}
	if upd.ResultData != nil {
		add("result_data", string(upd.ResultData))
	}
	if upd.ErrorMessage != nil {
		add("error_message", nullStr(*upd.ErrorMessage))
	}
	if upd.ExecutionTimeMS != nil {
		add("execution_time_ms", *upd.ExecutionTimeMS)
	}
	if len(sets) == 0 {
		return d.GetJobRun(ctx, id)
	}

	args = append(args, id)
	query := d.rebindQuery("UPDATE job_runs SET " + strings.Join(sets, ", ") + " WHERE id = ?")

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

	return d.GetJobRun(ctx, id)
}

// GetJobRun retrieves a run by id. Returns ErrNotFound if it does not exist.
func (d *DB) GetJobRun(ctx context.Context, id string) (*models.JobRun, error) {
	query := d.rebindQuery(`
		SELECT ` + jobRunColumns + `
		FROM job_runs WHERE id = ?
	`)

	run, err := scanJobRun(d.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListJobRuns retrieves the most recent runs for a scheduled job, newest
// first, up to limit rows.
func (d *DB) ListJobRuns(ctx context.Context, scheduledJobID string, limit int) ([]*models.JobRun, error) {
	if limit <= 0 {
		limit = 50
	}

	query := d.rebindQuery(`
		SELECT ` + jobRunColumns + `
		FROM job_runs
		WHERE scheduled_job_id = ?
		ORDER BY started_at DESC
		LIMIT ?
	`)

	rows, err := d.db.QueryContext(ctx, query, scheduledJobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.JobRun
	for rows.Next() {
		run, err := scanJobRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListRunningRuns retrieves all runs still marked running. Used at startup
// to find runs orphaned by a previous process.
func (d *DB) ListRunningRuns(ctx context.Context) ([]*models.JobRun, error) {
	query := d.rebindQuery(`
		SELECT ` + jobRunColumns + `
		FROM job_runs
		WHERE status = ?
		ORDER BY started_at
	`)

	rows, err := d.db.QueryContext(ctx, query, models.RunStatusRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.JobRun
	for rows.Next() {
		run, err := scanJobRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// CleanupOldJobRuns deletes run rows past the retention window and returns
// the number deleted.
func (d *DB) CleanupOldJobRuns(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-runRetention)
	query := d.rebindQuery("DELETE FROM job_runs WHERE created_at < ?")

	result, err := d.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// JobRunStats returns run counts grouped by status. An empty scheduledJobID
// aggregates across all jobs.
func (d *DB) JobRunStats(ctx context.Context, scheduledJobID string) (*models.RunStats, error) {
	query := "SELECT status, COUNT(*) FROM job_runs"
	var args []any
	if scheduledJobID != "" {
		query += " WHERE scheduled_job_id = ?"
		args = append(args, scheduledJobID)
	}
	query += " GROUP BY status"

	rows, err := d.db.QueryContext(ctx, d.rebindQuery(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &models.RunStats{}
	for rows.Next() {
		var status models.RunStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.Total += count
		switch status {
		case models.RunStatusPending:
			stats.Pending = count
		case models.RunStatusRunning:
			stats.Running = count
		case models.RunStatusCompleted:
			stats.Completed = count
		case models.RunStatusFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}

func scanJobRun(s scanner) (*models.JobRun, error) {
	run := &models.JobRun{}
	var (
		resultData   sql.NullString
		errorMessage sql.NullString
		execTimeMS   sql.NullInt64
	)

	err := s.Scan(
		&run.ID, &run.ScheduledJobID, &run.RunType, &run.Status, &run.StartedAt,
		&run.CompletedAt, &resultData, &errorMessage, &execTimeMS, &run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if resultData.Valid && resultData.String != "" {
		run.ResultData = []byte(resultData.String)
	}
	run.ErrorMessage = errorMessage.String
	if execTimeMS.Valid {
		run.ExecutionTimeMS = &execTimeMS.Int64
	}
	return run, nil
}
