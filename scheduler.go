// Package scheduler is the scheduling engine: it loads scheduled jobs from
// the store, registers them with a cron dispatcher in each job's timezone,
// executes fires through the Runner and records every attempt as a JobRun.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ncecere/scrapesched/db"
	"github.com/ncecere/scrapesched/models"
	"github.com/ncecere/scrapesched/pkg/metrics"
	"github.com/ncecere/scrapesched/pkg/tracing"
)

const (
	// cleanupSpec prunes old run rows nightly, off the busy hours.
	cleanupSpec = "0 2 * * *"

	// interruptedMessage is written to runs orphaned by a process death.
	interruptedMessage = "interrupted by restart"

	defaultShutdownTimeout = 10 * time.Second
)

// Config contains scheduler configuration
type Config struct {
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
	Metrics         *metrics.SchedulerMetrics
}

// Status is a snapshot of the dispatcher state.
type Status struct {
	Running bool     `json:"running"`
	Count   int      `json:"count"`
	IDs     []string `json:"ids"`
}

// Scheduler owns the cron dispatcher and the per-job execution state. One
// instance per process; tests construct isolated instances freely.
type Scheduler struct {
	store           *db.DB
	runner          *Runner
	log             *slog.Logger
	metrics         *metrics.SchedulerMetrics
	shutdownTimeout time.Duration

	mu           sync.Mutex
	cron         *cron.Cron
	entries      map[string]cron.EntryID // job ID -> cron entry ID
	cleanupEntry cron.EntryID
	inFlight     map[string]bool // single-flight guard per job ID
	started      bool
	runCtx       context.Context
	runCancel    context.CancelFunc
	wg           sync.WaitGroup
}

// New creates a new Scheduler instance
func New(store *db.DB, runner *Runner, config Config) *Scheduler {
	log := config.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := config.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	return &Scheduler{
		store:           store,
		runner:          runner,
		log:             log,
		metrics:         config.Metrics,
		shutdownTimeout: timeout,
		entries:         make(map[string]cron.EntryID),
		inFlight:        make(map[string]bool),
	}
}

// Start recovers runs orphaned by a previous process, loads every active job
// from the store, registers each with the dispatcher and starts it.
// Idempotent; a second call while running is a no-op. Ticks missed while the
// process was down are not replayed.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	if err := s.recoverOrphanRuns(ctx); err != nil {
		return fmt.Errorf("failed to recover orphan runs: %w", err)
	}

	jobs, err := s.store.ListActiveScheduledJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active jobs: %w", err)
	}

	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	s.cron = cron.New(cron.WithParser(cronParser))

	for _, job := range jobs {
		if err := s.scheduleJobLocked(ctx, job); err != nil {
			s.log.Error("failed to schedule job", "job_id", job.ID, "job_name", job.Name, "error", err)
		}
	}

	s.cleanupEntry, _ = s.cron.AddFunc(cleanupSpec, s.runCleanup)
	s.cron.Start()
	s.started = true

	s.log.Info("scheduler started", "jobs", len(s.entries))
	return nil
}

// Stop unregisters every job, cancels in-flight executions and waits for
// them to finish or abort, bounded by the shutdown deadline.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	for id, entryID := range s.entries {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
	s.cron.Remove(s.cleanupEntry)
	s.cleanupEntry = 0

	c := s.cron
	cancel := s.runCancel
	s.cron = nil
	s.runCtx = nil
	s.runCancel = nil
	s.started = false
	s.mu.Unlock()

	cancel()
	stopCtx := c.Stop()

	done := make(chan struct{})
	go func() {
		<-stopCtx.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.shutdownTimeout):
		s.log.Warn("shutdown deadline exceeded, abandoning in-flight runs")
	}

	s.log.Info("scheduler stopped")
	return nil
}

// ScheduleJob (re)registers a job with the dispatcher and persists its next
// fire time. Any prior handle for the same id is replaced.
func (s *Scheduler) ScheduleJob(ctx context.Context, job *models.ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduleJobLocked(ctx, job)
}

func (s *Scheduler) scheduleJobLocked(ctx context.Context, job *models.ScheduledJob) error {
	spec, err := BuildCronSpec(job)
	if err != nil {
		return err
	}
	next, err := NextFireAfter(job, time.Now())
	if err != nil {
		return err
	}

	if s.cron != nil {
		if prior, exists := s.entries[job.ID]; exists {
			s.cron.Remove(prior)
			delete(s.entries, job.ID)
		}

		entrySpec := spec
		if tz := strings.TrimSpace(job.Timezone); tz != "" {
			// robfig/cron evaluates the expression in this zone.
			entrySpec = "CRON_TZ=" + tz + " " + spec
		}

		jobID := job.ID
		entryID, err := s.cron.AddFunc(entrySpec, func() {
			s.runScheduled(jobID)
		})
		if err != nil {
			return fmt.Errorf("failed to add cron entry: %w", err)
		}
		s.entries[job.ID] = entryID
	}

	if _, err := s.store.UpdateScheduledJob(ctx, job.ID, models.ScheduledJobUpdate{NextRunAt: &next}); err != nil && !errors.Is(err, db.ErrNotFound) {
		return err
	}

	s.log.Info("scheduled job", "job_id", job.ID, "job_name", job.Name,
		"schedule", spec, "timezone", job.Timezone, "next_run", next.Format(time.RFC3339))
	return nil
}

// UnscheduleJob removes the dispatcher handle for a job id, if any.
// Idempotent.
func (s *Scheduler) UnscheduleJob(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, exists := s.entries[id]; exists {
		if s.cron != nil {
			s.cron.Remove(entryID)
		}
		delete(s.entries, id)
		s.log.Info("unscheduled job", "job_id", id)
	}
}

// ExecuteJobManually runs an active job immediately, under the same
// single-flight rules and cancellation domain as a scheduled fire. The
// scheduled cadence is unaffected beyond the usual next_run_at refresh.
func (s *Scheduler) ExecuteJobManually(ctx context.Context, id string) (*models.JobRun, error) {
	s.mu.Lock()
	runCtx := s.runCtx
	s.mu.Unlock()
	if runCtx == nil {
		runCtx = ctx
	}
	return s.performRun(runCtx, id, models.RunTypeManual)
}

// Reload drops every job handle (cleanup cron preserved) and re-registers
// from a fresh store read. Returns the number of registered jobs.
func (s *Scheduler) Reload(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return 0, ErrNotStarted
	}

	for id, entryID := range s.entries {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}

	jobs, err := s.store.ListActiveScheduledJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load active jobs: %w", err)
	}
	for _, job := range jobs {
		if err := s.scheduleJobLocked(ctx, job); err != nil {
			s.log.Error("failed to schedule job", "job_id", job.ID, "job_name", job.Name, "error", err)
		}
	}

	s.log.Info("scheduler reloaded", "jobs", len(s.entries))
	return len(s.entries), nil
}

// Status returns a snapshot of the dispatcher state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return Status{
		Running: s.started,
		Count:   len(ids),
		IDs:     ids,
	}
}

// runScheduled is the dispatcher callback for one job id.
func (s *Scheduler) runScheduled(jobID string) {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		return
	}

	if _, err := s.performRun(ctx, jobID, models.RunTypeScheduled); err != nil {
		if !errors.Is(err, ErrRunInFlight) && !errors.Is(err, ErrJobNotActive) && !errors.Is(err, db.ErrNotFound) {
			s.log.Error("scheduled run failed", "job_id", jobID, "error", err)
		}
	}
}

// performRun is the single execution path shared by scheduled ticks and
// manual triggers.
func (s *Scheduler) performRun(ctx context.Context, jobID string, runType models.RunType) (*models.JobRun, error) {
	// Re-read the job so a handle that outlived deletion or deactivation
	// cannot fire a stale copy.
	job, err := s.store.GetScheduledJob(ctx, jobID)
	if errors.Is(err, db.ErrNotFound) {
		if runType == models.RunTypeScheduled {
			s.UnscheduleJob(jobID)
		}
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	if !job.IsActive {
		if runType == models.RunTypeScheduled {
			s.UnscheduleJob(jobID)
		}
		return nil, ErrJobNotActive
	}

	s.mu.Lock()
	if s.inFlight[jobID] {
		s.mu.Unlock()
		s.log.Warn("run already in flight, dropping fire", "job_id", jobID, "run_type", runType)
		return nil, ErrRunInFlight
	}
	s.inFlight[jobID] = true
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inFlight, jobID)
		s.mu.Unlock()
		s.wg.Done()
	}()

	ctx, span := tracing.StartSpan(ctx, fmt.Sprintf("scheduler.job.%s", job.JobType),
		attribute.String("job.id", job.ID),
		attribute.String("job.name", job.Name),
		attribute.String("run.type", string(runType)))
	defer span.End()

	run := &models.JobRun{
		ScheduledJobID: jobID,
		RunType:        runType,
		Status:         models.RunStatusRunning,
	}
	if err := s.store.CreateJobRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create job run: %w", err)
	}

	s.log.Info("executing job", "job_id", job.ID, "job_name", job.Name,
		"job_type", job.JobType, "run_type", runType, "run_id", run.ID)

	start := time.Now()
	result, execErr := s.runner.Execute(ctx, job)
	elapsed := time.Since(start)
	execMS := elapsed.Milliseconds()
	now := time.Now().UTC()

	// The terminal transition is persisted on its own context so that a
	// shutdown-cancelled run is still recorded rather than orphaned.
	persistCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	upd := models.JobRunUpdate{
		CompletedAt:     &now,
		ExecutionTimeMS: &execMS,
	}
	status := models.RunStatusCompleted
	if execErr != nil {
		status = models.RunStatusFailed
		msg := execErr.Error()
		upd.ErrorMessage = &msg
		tracing.RecordError(ctx, execErr)
		s.log.Error("job run failed", "job_id", job.ID, "run_id", run.ID,
			"run_type", runType, "error", execErr, "took", elapsed)
	} else {
		if result == nil {
			result = json.RawMessage("null")
		}
		upd.ResultData = result
		s.log.Info("job run completed", "job_id", job.ID, "run_id", run.ID,
			"run_type", runType, "took", elapsed)
	}
	upd.Status = &status

	updated, err := s.store.UpdateJobRun(persistCtx, run.ID, upd)
	if err != nil {
		s.log.Error("failed to record run result", "run_id", run.ID, "error", err)
		updated = run
	}

	if s.metrics != nil {
		s.metrics.ObserveRun(string(job.JobType), string(status), elapsed)
	}

	// Anchor the next fire on completion time: a long execution pushes the
	// next tick past the nominal cron instant rather than firing late twice.
	if next, nerr := NextFireAfter(job, now); nerr == nil {
		if err := s.store.UpdateLastRunTime(persistCtx, jobID, now, next); err != nil {
			s.log.Error("failed to update run times", "job_id", jobID, "error", err)
		}
	} else {
		s.log.Error("failed to compute next run time", "job_id", jobID, "error", nerr)
	}

	return updated, nil
}

// recoverOrphanRuns marks runs left in running state by a dead process as
// failed, before any job is registered.
func (s *Scheduler) recoverOrphanRuns(ctx context.Context) error {
	runs, err := s.store.ListRunningRuns(ctx)
	if err != nil {
		return err
	}

	for _, run := range runs {
		now := time.Now().UTC()
		execMS := now.Sub(run.StartedAt).Milliseconds()
		if execMS < 0 {
			execMS = 0
		}
		status := models.RunStatusFailed
		msg := interruptedMessage
		_, err := s.store.UpdateJobRun(ctx, run.ID, models.JobRunUpdate{
			Status:          &status,
			CompletedAt:     &now,
			ErrorMessage:    &msg,
			ExecutionTimeMS: &execMS,
		})
		if err != nil {
			return err
		}
		s.log.Warn("recovered orphan run", "run_id", run.ID, "job_id", run.ScheduledJobID)
	}
	return nil
}

// runCleanup is the nightly retention sweep over old run rows.
func (s *Scheduler) runCleanup() {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		return
	}

	count, err := s.store.CleanupOldJobRuns(ctx)
	if err != nil {
		s.log.Error("job run cleanup failed", "error", err)
		return
	}
	if count > 0 {
		s.log.Info("cleaned up old job runs", "deleted", count)
	}
}
