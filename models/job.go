package models

import (
	"encoding/json"
	"time"
)

// JobType selects which remote scraping operation a schedule performs.
type JobType string

const (
	JobTypeScrape JobType = "scrape"
	JobTypeCrawl  JobType = "crawl"
	JobTypeMap    JobType = "map"
	JobTypeBatch  JobType = "batch"
)

// ScheduleType identifies the recurrence rule kind.
type ScheduleType string

const (
	ScheduleTypeInterval ScheduleType = "interval"
	ScheduleTypeHourly   ScheduleType = "hourly"
	ScheduleTypeDaily    ScheduleType = "daily"
	ScheduleTypeWeekly   ScheduleType = "weekly"
	ScheduleTypeMonthly  ScheduleType = "monthly"
)

// RunType distinguishes dispatcher fires from manual triggers.
type RunType string

const (
	RunTypeScheduled RunType = "scheduled"
	RunTypeManual    RunType = "manual"
)

// RunStatus is the lifecycle state of a job run. Terminal states are
// completed and failed; a run transitions to a terminal state exactly once.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// JobConfig holds the operation-specific options forwarded to the remote
// service. Fields are pointers/slices so that only options the user actually
// set are serialized; absent fields are left to the remote's defaults.
type JobConfig struct {
	Formats         []string `json:"formats,omitempty"`
	OnlyMainContent *bool    `json:"onlyMainContent,omitempty"`
	IncludeTags     []string `json:"includeTags,omitempty"`
	ExcludeTags     []string `json:"excludeTags,omitempty"`
	WaitFor         *int     `json:"waitFor,omitempty"` // seconds
	Timeout         *int     `json:"timeout,omitempty"` // seconds
	Limit           *int     `json:"limit,omitempty"`   // crawl/batch page limit
}

// ScheduleConfig holds the per-kind recurrence parameters. Which fields are
// required depends on the schedule type.
type ScheduleConfig struct {
	Interval int    `json:"interval,omitempty"` // interval: every N units
	Unit     string `json:"unit,omitempty"`     // interval: minutes, hours or days
	Time     string `json:"time,omitempty"`     // daily/weekly/monthly: HH:MM
	Days     []int  `json:"days,omitempty"`     // weekly: 0..6, Sunday=0
	Date     int    `json:"date,omitempty"`     // monthly: 1..31
}

// ScheduledJob is a user-defined schedule binding a scraping operation to a
// recurrence rule and timezone.
type ScheduledJob struct {
	ID             string         `json:"id" db:"id"`
	Name           string         `json:"name" db:"name"`
	JobType        JobType        `json:"jobType" db:"job_type"`
	JobConfig      JobConfig      `json:"jobConfig" db:"job_config"`
	URL            string         `json:"url,omitempty" db:"url"`
	URLs           []string       `json:"urls,omitempty" db:"urls"`
	APIEndpoint    string         `json:"apiEndpoint" db:"api_endpoint"`
	ScheduleType   ScheduleType   `json:"scheduleType" db:"schedule_type"`
	ScheduleConfig ScheduleConfig `json:"scheduleConfig" db:"schedule_config"`
	Timezone       string         `json:"timezone" db:"timezone"`
	IsActive       bool           `json:"isActive" db:"is_active"`
	CreatedAt      time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time      `json:"updatedAt" db:"updated_at"`
	LastRunAt      *time.Time     `json:"lastRunAt,omitempty" db:"last_run_at"`
	NextRunAt      *time.Time     `json:"nextRunAt,omitempty" db:"next_run_at"`
}

// ScheduledJobUpdate is a partial update. Nil fields are left unchanged.
type ScheduledJobUpdate struct {
	Name           *string
	JobType        *JobType
	JobConfig      *JobConfig
	URL            *string
	URLs           *[]string
	APIEndpoint    *string
	ScheduleType   *ScheduleType
	ScheduleConfig *ScheduleConfig
	Timezone       *string
	IsActive       *bool
	NextRunAt      *time.Time
}

// JobRun is one execution attempt of a scheduled job.
type JobRun struct {
	ID              string          `json:"id" db:"id"`
	ScheduledJobID  string          `json:"scheduledJobId" db:"scheduled_job_id"`
	RunType         RunType         `json:"runType" db:"run_type"`
	Status          RunStatus       `json:"status" db:"status"`
	StartedAt       time.Time       `json:"startedAt" db:"started_at"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty" db:"completed_at"`
	ResultData      json.RawMessage `json:"resultData,omitempty" db:"result_data"`
	ErrorMessage    string          `json:"errorMessage,omitempty" db:"error_message"`
	ExecutionTimeMS *int64          `json:"executionTimeMs,omitempty" db:"execution_time_ms"`
	CreatedAt       time.Time       `json:"createdAt" db:"created_at"`
}

// JobRunUpdate is a partial update applied on the terminal transition.
type JobRunUpdate struct {
	Status          *RunStatus
	CompletedAt     *time.Time
	ResultData      json.RawMessage
	ErrorMessage    *string
	ExecutionTimeMS *int64
}

// RunStats aggregates run counts by status.
type RunStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}
