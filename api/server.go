package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	scheduler "github.com/ncecere/scrapesched"
	"github.com/ncecere/scrapesched/db"
	"github.com/ncecere/scrapesched/models"
	"github.com/ncecere/scrapesched/pkg/logging"
	"github.com/ncecere/scrapesched/pkg/metrics"
	"github.com/ncecere/scrapesched/pkg/tracing"
)

const defaultRunsLimit = 50

// Config contains server configuration
type Config struct {
	Addr            string
	DBConfig        db.Config
	SchedulerConfig scheduler.Config
	CORSEnabled     bool
}

// Server represents the HTTP server
type Server struct {
	config      Config
	db          *db.DB
	scheduler   *scheduler.Scheduler
	server      *http.Server
	httpMetrics *metrics.HTTPMetrics
	dbMetrics   *metrics.DatabaseMetrics
}

// NewServer creates a new server instance
func NewServer(config Config) (*Server, error) {
	database, err := db.New(config.DBConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	schedConfig := config.SchedulerConfig
	if schedConfig.Metrics == nil {
		schedConfig.Metrics = metrics.NewSchedulerMetrics("scrapesched")
	}
	runner := scheduler.NewRunner(slog.Default())
	sched := scheduler.New(database, runner, schedConfig)

	httpMetrics := metrics.NewHTTPMetrics("scrapesched")
	dbMetrics := metrics.NewDatabaseMetrics("scrapesched")

	s := &Server{
		config:      config,
		db:          database,
		scheduler:   sched,
		httpMetrics: httpMetrics,
		dbMetrics:   dbMetrics,
	}

	// Periodic database stats collection
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			dbMetrics.UpdateDBStats(database.DB())
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/schedules", s.handleSchedules)
	mux.HandleFunc("/api/schedules/", s.handleScheduleByID)
	mux.HandleFunc("/api/scheduler/status", s.handleSchedulerStatus)
	mux.HandleFunc("/api/scheduler/reload", s.handleSchedulerReload)
	mux.HandleFunc("/api/startup", s.handleStartup)

	// Middleware chain: metrics -> HTTP logging -> tracing -> CORS -> handlers
	var handler http.Handler = mux
	if config.CORSEnabled {
		handler = corsMiddleware(handler)
	}
	handler = tracing.HTTPMiddleware("scrapesched")(handler)
	handler = logging.HTTPLoggingMiddleware(slog.Default())(handler)
	handler = httpMetrics.HTTPMiddleware(handler)

	s.server = &http.Server{
		Addr:    config.Addr,
		Handler: handler,
	}

	return s, nil
}

// DB returns the server's database handle.
func (s *Server) DB() *db.DB {
	return s.db
}

// Start starts the scheduler and the HTTP listener.
func (s *Server) Start() error {
	if err := s.scheduler.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	slog.Info("starting server", "addr", s.config.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.scheduler.Stop(); err != nil {
		slog.Error("error stopping scheduler", "error", err)
	}

	if err := s.db.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}

	return s.server.Shutdown(ctx)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
	})
}

// handleSchedules handles schedule list and creation
func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListSchedules(w, r)
	case http.MethodPost:
		s.handleCreateSchedule(w, r)
	default:
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleScheduleByID routes /api/schedules/{id}[/run|/runs]
func (s *Server) handleScheduleByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/schedules/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		respondError(w, http.StatusBadRequest, "missing schedule id")
		return
	}
	id := parts[0]

	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			s.handleGetSchedule(w, r, id)
		case http.MethodPut:
			s.handleUpdateSchedule(w, r, id)
		case http.MethodDelete:
			s.handleDeleteSchedule(w, r, id)
		default:
			respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	case len(parts) == 2 && parts[1] == "run":
		if r.Method != http.MethodPost {
			respondError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleRunSchedule(w, r, id)
	case len(parts) == 2 && parts[1] == "runs":
		if r.Method != http.MethodGet {
			respondError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleListRuns(w, r, id)
	default:
		respondError(w, http.StatusNotFound, "not found")
	}
}

// schedulePayload is the create/update request body. Pointer fields
// distinguish absent from zero-valued on partial updates.
type schedulePayload struct {
	Name           *string                `json:"name"`
	JobType        *models.JobType        `json:"jobType"`
	JobConfig      *models.JobConfig      `json:"jobConfig"`
	URL            *string                `json:"url"`
	URLs           *[]string              `json:"urls"`
	APIEndpoint    *string                `json:"apiEndpoint"`
	ScheduleType   *models.ScheduleType   `json:"scheduleType"`
	ScheduleConfig *models.ScheduleConfig `json:"scheduleConfig"`
	Timezone       *string                `json:"timezone"`
	IsActive       *bool                  `json:"isActive"`
}

// handleCreateSchedule handles POST /api/schedules
func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var p schedulePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	job := &models.ScheduledJob{Timezone: "UTC", IsActive: true}
	applyPayload(job, &p)

	if err := validateSchedule(job); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("validation error: %v", err))
		return
	}

	next, err := scheduler.NextFireAfter(job, time.Now())
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("validation error: %v", err))
		return
	}
	job.NextRunAt = &next

	if err := s.db.CreateScheduledJob(r.Context(), job); err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("failed to create schedule: %v", err))
		return
	}

	if job.IsActive {
		if err := s.scheduler.ScheduleJob(r.Context(), job); err != nil {
			slog.Error("failed to register schedule", "job_id", job.ID, "error", err)
		}
	}

	respondSuccess(w, http.StatusCreated, "data", job)
}

// handleListSchedules handles GET /api/schedules
func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.db.ListScheduledJobs(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list schedules: %v", err))
		return
	}
	if jobs == nil {
		jobs = []*models.ScheduledJob{}
	}

	respondSuccess(w, http.StatusOK, "schedules", jobs)
}

// handleGetSchedule handles GET /api/schedules/{id}
func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request, id string) {
	job, err := s.db.GetScheduledJob(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		respondError(w, http.StatusNotFound, "schedule not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get schedule: %v", err))
		return
	}

	respondSuccess(w, http.StatusOK, "data", job)
}

// handleUpdateSchedule handles PUT /api/schedules/{id}
func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request, id string) {
	var p schedulePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	existing, err := s.db.GetScheduledJob(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		respondError(w, http.StatusNotFound, "schedule not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get schedule: %v", err))
		return
	}

	// Validate against the would-be merged row so cross-field rules hold.
	merged := *existing
	applyPayload(&merged, &p)
	if err := validateSchedule(&merged); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("validation error: %v", err))
		return
	}

	// A paused schedule keeps its old next_run_at until re-activation.
	var nextRunAt *time.Time
	if merged.IsActive {
		next, err := scheduler.NextFireAfter(&merged, time.Now())
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("validation error: %v", err))
			return
		}
		nextRunAt = &next
	}

	upd := models.ScheduledJobUpdate{
		Name:           p.Name,
		JobType:        p.JobType,
		JobConfig:      p.JobConfig,
		URL:            p.URL,
		URLs:           p.URLs,
		APIEndpoint:    p.APIEndpoint,
		ScheduleType:   p.ScheduleType,
		ScheduleConfig: p.ScheduleConfig,
		Timezone:       p.Timezone,
		IsActive:       p.IsActive,
		NextRunAt:      nextRunAt,
	}

	updated, err := s.db.UpdateScheduledJob(r.Context(), id, upd)
	if errors.Is(err, db.ErrNotFound) {
		respondError(w, http.StatusNotFound, "schedule not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("failed to update schedule: %v", err))
		return
	}

	if updated.IsActive {
		if err := s.scheduler.ScheduleJob(r.Context(), updated); err != nil {
			slog.Error("failed to register schedule", "job_id", updated.ID, "error", err)
		}
	} else {
		s.scheduler.UnscheduleJob(id)
	}

	respondSuccess(w, http.StatusOK, "data", updated)
}

// handleDeleteSchedule handles DELETE /api/schedules/{id}
func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request, id string) {
	s.scheduler.UnscheduleJob(id)

	err := s.db.DeleteScheduledJob(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		respondError(w, http.StatusNotFound, "schedule not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("failed to delete schedule: %v", err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleRunSchedule handles POST /api/schedules/{id}/run
func (s *Server) handleRunSchedule(w http.ResponseWriter, r *http.Request, id string) {
	run, err := s.scheduler.ExecuteJobManually(r.Context(), id)
	switch {
	case errors.Is(err, db.ErrNotFound):
		respondError(w, http.StatusNotFound, "schedule not found")
		return
	case errors.Is(err, scheduler.ErrJobNotActive):
		respondError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, scheduler.ErrRunInFlight):
		respondError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("failed to run schedule: %v", err))
		return
	}

	respondSuccess(w, http.StatusOK, "data", run)
}

// handleListRuns handles GET /api/schedules/{id}/runs?limit=N
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request, id string) {
	limit := defaultRunsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	runs, err := s.db.ListJobRuns(r.Context(), id, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list runs: %v", err))
		return
	}
	if runs == nil {
		runs = []*models.JobRun{}
	}

	respondSuccess(w, http.StatusOK, "runs", runs)
}

// handleSchedulerStatus handles GET and POST /api/scheduler/status
func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		status := s.scheduler.Status()
		stats, err := s.db.JobRunStats(r.Context(), "")
		if err != nil {
			respondError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load run stats: %v", err))
			return
		}
		respondSuccess(w, http.StatusOK, "data", map[string]any{
			"running": status.Running,
			"count":   status.Count,
			"ids":     status.IDs,
			"stats":   stats,
		})

	case http.MethodPost:
		var body struct {
			Action string `json:"action"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
		switch body.Action {
		case "start":
			if err := s.scheduler.Start(r.Context()); err != nil {
				respondError(w, http.StatusInternalServerError, fmt.Sprintf("failed to start scheduler: %v", err))
				return
			}
		case "stop":
			if err := s.scheduler.Stop(); err != nil {
				respondError(w, http.StatusInternalServerError, fmt.Sprintf("failed to stop scheduler: %v", err))
				return
			}
		default:
			respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", body.Action))
			return
		}
		respondSuccess(w, http.StatusOK, "data", s.scheduler.Status())

	default:
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleSchedulerReload handles POST /api/scheduler/reload
func (s *Server) handleSchedulerReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	count, err := s.scheduler.Reload(r.Context())
	if errors.Is(err, scheduler.ErrNotStarted) {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("failed to reload scheduler: %v", err))
		return
	}

	respondSuccess(w, http.StatusOK, "data", map[string]any{"registered": count})
}

// handleStartup handles POST /api/startup: one-shot store init plus
// scheduler start. Migrations already ran when the server was constructed;
// Start performs orphan recovery and registration.
func (s *Server) handleStartup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if err := s.scheduler.Start(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("failed to start scheduler: %v", err))
		return
	}

	status := s.scheduler.Status()
	respondSuccess(w, http.StatusOK, "data", map[string]any{"registered": status.Count})
}

// applyPayload copies the set fields of p onto job.
func applyPayload(job *models.ScheduledJob, p *schedulePayload) {
	if p.Name != nil {
		job.Name = *p.Name
	}
	if p.JobType != nil {
		job.JobType = *p.JobType
	}
	if p.JobConfig != nil {
		job.JobConfig = *p.JobConfig
	}
	if p.URL != nil {
		job.URL = *p.URL
	}
	if p.URLs != nil {
		job.URLs = *p.URLs
	}
	if p.APIEndpoint != nil {
		job.APIEndpoint = *p.APIEndpoint
	}
	if p.ScheduleType != nil {
		job.ScheduleType = *p.ScheduleType
	}
	if p.ScheduleConfig != nil {
		job.ScheduleConfig = *p.ScheduleConfig
	}
	if p.Timezone != nil {
		job.Timezone = *p.Timezone
	}
	if p.IsActive != nil {
		job.IsActive = *p.IsActive
	}
}

// validateSchedule validates a schedule row, including the url/urls rule
// and the recurrence config shape.
func validateSchedule(job *models.ScheduledJob) error {
	if strings.TrimSpace(job.Name) == "" {
		return fmt.Errorf("name is required")
	}

	switch job.JobType {
	case models.JobTypeScrape, models.JobTypeCrawl, models.JobTypeMap:
		if strings.TrimSpace(job.URL) == "" {
			return fmt.Errorf("url is required for %s jobs", job.JobType)
		}
		if len(job.URLs) > 0 {
			return fmt.Errorf("urls is not allowed for %s jobs", job.JobType)
		}
	case models.JobTypeBatch:
		if len(job.URLs) == 0 {
			return fmt.Errorf("urls is required for batch jobs")
		}
		if strings.TrimSpace(job.URL) != "" {
			return fmt.Errorf("url is not allowed for batch jobs")
		}
	default:
		return fmt.Errorf("invalid job type: %s", job.JobType)
	}

	if strings.TrimSpace(job.APIEndpoint) == "" {
		return fmt.Errorf("apiEndpoint is required")
	}

	if _, err := scheduler.BuildCronSpec(job); err != nil {
		return err
	}
	if _, err := time.LoadLocation(job.Timezone); job.Timezone != "" && err != nil {
		return fmt.Errorf("invalid timezone: %s", job.Timezone)
	}

	return nil
}

// respondSuccess writes the success envelope with the payload under key.
func respondSuccess(w http.ResponseWriter, status int, key string, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		key:       value,
	})
}

// respondError writes the error envelope.
func respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   message,
	})
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
