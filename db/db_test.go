package db

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ncecere/scrapesched/models"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()

	database, err := New(Config{Driver: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func testJob() *models.ScheduledJob {
	return &models.ScheduledJob{
		Name:         "Test Schedule",
		JobType:      models.JobTypeScrape,
		URL:          "https://example.com",
		APIEndpoint:  "http://localhost:3002",
		ScheduleType: models.ScheduleTypeHourly,
		Timezone:     "UTC",
		IsActive:     true,
	}
}

func TestNew(t *testing.T) {
	database := setupTestDB(t)

	if database.DB() == nil {
		t.Fatal("Expected underlying connection to be initialized")
	}
}

func TestCreateScheduledJob(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	job := testJob()
	job.Timezone = ""
	if err := database.CreateScheduledJob(ctx, job); err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}

	if job.ID == "" {
		t.Error("Expected job ID to be assigned")
	}
	if job.CreatedAt.IsZero() || job.UpdatedAt.IsZero() {
		t.Error("Expected timestamps to be set")
	}
	if job.Timezone != "UTC" {
		t.Errorf("Expected timezone to default to UTC, got %q", job.Timezone)
	}
}

func TestGetScheduledJob(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	job := testJob()
	waitFor := 3
	job.JobConfig = models.JobConfig{Formats: []string{"markdown"}, WaitFor: &waitFor}
	job.ScheduleType = models.ScheduleTypeWeekly
	job.ScheduleConfig = models.ScheduleConfig{Time: "09:00", Days: []int{1, 3, 5}}
	if err := database.CreateScheduledJob(ctx, job); err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}

	got, err := database.GetScheduledJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("Failed to get job: %v", err)
	}

	if got.Name != job.Name || got.URL != job.URL {
		t.Errorf("Round-trip mismatch: %+v", got)
	}
	if len(got.JobConfig.Formats) != 1 || got.JobConfig.WaitFor == nil || *got.JobConfig.WaitFor != 3 {
		t.Errorf("Job config round-trip mismatch: %+v", got.JobConfig)
	}
	if len(got.ScheduleConfig.Days) != 3 {
		t.Errorf("Schedule config round-trip mismatch: %+v", got.ScheduleConfig)
	}
}

func TestGetScheduledJobNotFound(t *testing.T) {
	database := setupTestDB(t)

	_, err := database.GetScheduledJob(context.Background(), "no-such-id")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestBatchJobURLsRoundTrip(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	job := testJob()
	job.JobType = models.JobTypeBatch
	job.URL = ""
	job.URLs = []string{"https://example.com/1", "https://example.com/2"}
	if err := database.CreateScheduledJob(ctx, job); err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}

	got, err := database.GetScheduledJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("Failed to get job: %v", err)
	}
	if got.URL != "" {
		t.Errorf("Expected empty url, got %q", got.URL)
	}
	if len(got.URLs) != 2 || got.URLs[0] != "https://example.com/1" {
		t.Errorf("URLs round-trip mismatch: %v", got.URLs)
	}
}

func TestListScheduledJobs(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	first := testJob()
	first.Name = "first"
	if err := database.CreateScheduledJob(ctx, first); err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	second := testJob()
	second.Name = "second"
	second.IsActive = false
	if err := database.CreateScheduledJob(ctx, second); err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}

	jobs, err := database.ListScheduledJobs(ctx)
	if err != nil {
		t.Fatalf("Failed to list jobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("Expected 2 jobs, got %d", len(jobs))
	}
	// Newest first.
	if jobs[0].Name != "second" {
		t.Errorf("Expected newest job first, got %s", jobs[0].Name)
	}

	active, err := database.ListActiveScheduledJobs(ctx)
	if err != nil {
		t.Fatalf("Failed to list active jobs: %v", err)
	}
	if len(active) != 1 || active[0].Name != "first" {
		t.Errorf("Expected only the active job, got %+v", active)
	}
}

func TestUpdateScheduledJob(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	job := testJob()
	if err := database.CreateScheduledJob(ctx, job); err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}

	name := "Renamed"
	inactive := false
	next := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	updated, err := database.UpdateScheduledJob(ctx, job.ID, models.ScheduledJobUpdate{
		Name:      &name,
		IsActive:  &inactive,
		NextRunAt: &next,
	})
	if err != nil {
		t.Fatalf("Failed to update job: %v", err)
	}

	if updated.Name != "Renamed" {
		t.Errorf("Expected renamed job, got %s", updated.Name)
	}
	if updated.IsActive {
		t.Error("Expected job to be inactive")
	}
	if updated.NextRunAt == nil || !updated.NextRunAt.Equal(next) {
		t.Errorf("Expected next_run_at %v, got %v", next, updated.NextRunAt)
	}
	// Untouched fields survive a partial update.
	if updated.URL != job.URL || updated.ScheduleType != job.ScheduleType {
		t.Errorf("Partial update clobbered fields: %+v", updated)
	}
	if updated.UpdatedAt.Before(updated.CreatedAt) {
		t.Error("Expected updated_at >= created_at")
	}
}

func TestUpdateScheduledJobNotFound(t *testing.T) {
	database := setupTestDB(t)

	name := "x"
	_, err := database.UpdateScheduledJob(context.Background(), "no-such-id", models.ScheduledJobUpdate{Name: &name})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestUpdateLastRunTime(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	job := testJob()
	if err := database.CreateScheduledJob(ctx, job); err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}

	last := time.Now().UTC().Truncate(time.Second)
	next := last.Add(time.Hour)
	if err := database.UpdateLastRunTime(ctx, job.ID, last, next); err != nil {
		t.Fatalf("Failed to update run times: %v", err)
	}

	got, err := database.GetScheduledJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("Failed to get job: %v", err)
	}
	if got.LastRunAt == nil || !got.LastRunAt.Equal(last) {
		t.Errorf("Expected last_run_at %v, got %v", last, got.LastRunAt)
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(next) {
		t.Errorf("Expected next_run_at %v, got %v", next, got.NextRunAt)
	}
}

func TestDeleteScheduledJobCascades(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	job := testJob()
	if err := database.CreateScheduledJob(ctx, job); err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}

	run := &models.JobRun{ScheduledJobID: job.ID, RunType: models.RunTypeScheduled, Status: models.RunStatusRunning}
	if err := database.CreateJobRun(ctx, run); err != nil {
		t.Fatalf("Failed to create run: %v", err)
	}

	if err := database.DeleteScheduledJob(ctx, job.ID); err != nil {
		t.Fatalf("Failed to delete job: %v", err)
	}

	if _, err := database.GetScheduledJob(ctx, job.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected job to be gone, got %v", err)
	}
	if _, err := database.GetJobRun(ctx, run.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected run to cascade away, got %v", err)
	}
	runs, err := database.ListJobRuns(ctx, job.ID, 10)
	if err != nil {
		t.Fatalf("Failed to list runs: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("Expected no runs after cascade, got %d", len(runs))
	}

	if err := database.DeleteScheduledJob(ctx, job.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on double delete, got %v", err)
	}
}

func TestJobRunLifecycle(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	job := testJob()
	if err := database.CreateScheduledJob(ctx, job); err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}

	run := &models.JobRun{ScheduledJobID: job.ID, RunType: models.RunTypeManual, Status: models.RunStatusRunning}
	if err := database.CreateJobRun(ctx, run); err != nil {
		t.Fatalf("Failed to create run: %v", err)
	}
	if run.ID == "" || run.StartedAt.IsZero() {
		t.Fatalf("Expected defaults to be applied: %+v", run)
	}

	completed := models.RunStatusCompleted
	now := time.Now().UTC().Truncate(time.Second)
	execMS := int64(1234)
	result := json.RawMessage(`{"markdown":"# done"}`)

	updated, err := database.UpdateJobRun(ctx, run.ID, models.JobRunUpdate{
		Status:          &completed,
		CompletedAt:     &now,
		ResultData:      result,
		ExecutionTimeMS: &execMS,
	})
	if err != nil {
		t.Fatalf("Failed to update run: %v", err)
	}

	if updated.Status != models.RunStatusCompleted {
		t.Errorf("Expected completed, got %s", updated.Status)
	}
	if updated.CompletedAt == nil || !updated.CompletedAt.Equal(now) {
		t.Errorf("Expected completed_at %v, got %v", now, updated.CompletedAt)
	}
	if updated.ExecutionTimeMS == nil || *updated.ExecutionTimeMS != 1234 {
		t.Errorf("Expected execution time 1234, got %v", updated.ExecutionTimeMS)
	}
	if string(updated.ResultData) != string(result) {
		t.Errorf("Expected result data %s, got %s", result, updated.ResultData)
	}
	if updated.ErrorMessage != "" {
		t.Errorf("Expected no error message on completed run, got %q", updated.ErrorMessage)
	}
}

func TestListJobRunsOrderAndLimit(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	job := testJob()
	if err := database.CreateScheduledJob(ctx, job); err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		run := &models.JobRun{
			ScheduledJobID: job.ID,
			RunType:        models.RunTypeScheduled,
			Status:         models.RunStatusCompleted,
			StartedAt:      base.Add(time.Duration(i) * time.Minute),
		}
		if err := database.CreateJobRun(ctx, run); err != nil {
			t.Fatalf("Failed to create run: %v", err)
		}
	}

	runs, err := database.ListJobRuns(ctx, job.ID, 2)
	if err != nil {
		t.Fatalf("Failed to list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("Expected 2 runs, got %d", len(runs))
	}
	if !runs[0].StartedAt.After(runs[1].StartedAt) {
		t.Errorf("Expected newest first, got %v then %v", runs[0].StartedAt, runs[1].StartedAt)
	}
}

func TestListRunningRuns(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	job := testJob()
	if err := database.CreateScheduledJob(ctx, job); err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}

	running := &models.JobRun{ScheduledJobID: job.ID, RunType: models.RunTypeScheduled, Status: models.RunStatusRunning}
	done := &models.JobRun{ScheduledJobID: job.ID, RunType: models.RunTypeScheduled, Status: models.RunStatusCompleted}
	if err := database.CreateJobRun(ctx, running); err != nil {
		t.Fatalf("Failed to create run: %v", err)
	}
	if err := database.CreateJobRun(ctx, done); err != nil {
		t.Fatalf("Failed to create run: %v", err)
	}

	runs, err := database.ListRunningRuns(ctx)
	if err != nil {
		t.Fatalf("Failed to list running runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != running.ID {
		t.Errorf("Expected only the running run, got %+v", runs)
	}
}

func TestCleanupOldJobRuns(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	job := testJob()
	if err := database.CreateScheduledJob(ctx, job); err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}

	old := &models.JobRun{ScheduledJobID: job.ID, RunType: models.RunTypeScheduled, Status: models.RunStatusCompleted}
	fresh := &models.JobRun{ScheduledJobID: job.ID, RunType: models.RunTypeScheduled, Status: models.RunStatusCompleted}
	if err := database.CreateJobRun(ctx, old); err != nil {
		t.Fatalf("Failed to create run: %v", err)
	}
	if err := database.CreateJobRun(ctx, fresh); err != nil {
		t.Fatalf("Failed to create run: %v", err)
	}

	// Backdate one run past the retention window.
	cutoff := time.Now().UTC().Add(-31 * 24 * time.Hour)
	if _, err := database.db.ExecContext(ctx, "UPDATE job_runs SET created_at = ? WHERE id = ?", cutoff, old.ID); err != nil {
		t.Fatalf("Failed to backdate run: %v", err)
	}

	deleted, err := database.CleanupOldJobRuns(ctx)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 deleted run, got %d", deleted)
	}

	if _, err := database.GetJobRun(ctx, old.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected old run to be gone, got %v", err)
	}
	if _, err := database.GetJobRun(ctx, fresh.ID); err != nil {
		t.Errorf("Expected fresh run to survive, got %v", err)
	}
}

func TestJobRunStats(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	first := testJob()
	second := testJob()
	if err := database.CreateScheduledJob(ctx, first); err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}
	if err := database.CreateScheduledJob(ctx, second); err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}

	mk := func(jobID string, status models.RunStatus) {
		run := &models.JobRun{ScheduledJobID: jobID, RunType: models.RunTypeScheduled, Status: status}
		if err := database.CreateJobRun(ctx, run); err != nil {
			t.Fatalf("Failed to create run: %v", err)
		}
	}
	mk(first.ID, models.RunStatusCompleted)
	mk(first.ID, models.RunStatusCompleted)
	mk(first.ID, models.RunStatusFailed)
	mk(second.ID, models.RunStatusRunning)

	global, err := database.JobRunStats(ctx, "")
	if err != nil {
		t.Fatalf("Failed to load stats: %v", err)
	}
	if global.Total != 4 || global.Completed != 2 || global.Failed != 1 || global.Running != 1 {
		t.Errorf("Unexpected global stats: %+v", global)
	}

	scoped, err := database.JobRunStats(ctx, first.ID)
	if err != nil {
		t.Fatalf("Failed to load stats: %v", err)
	}
	if scoped.Total != 3 || scoped.Completed != 2 || scoped.Failed != 1 || scoped.Running != 0 {
		t.Errorf("Unexpected scoped stats: %+v", scoped)
	}
}
