package db

const schemaVersionPostgres = `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ DEFAULT NOW()
	);
`

// postgresMigrations contains all PostgreSQL-specific migrations
var postgresMigrations = []Migration{
	{
		Version: 1,
		Name:    "create_scheduled_jobs_table",
		SQL: `
			CREATE TABLE IF NOT EXISTS scheduled_jobs (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				job_type TEXT NOT NULL CHECK(job_type IN ('scrape', 'crawl', 'map', 'batch')),
				job_config JSONB NOT NULL DEFAULT '{}',
				url TEXT,
				urls JSONB,
				api_endpoint TEXT NOT NULL,
				schedule_type TEXT NOT NULL CHECK(schedule_type IN ('interval', 'hourly', 'daily', 'weekly', 'monthly')),
				schedule_config JSONB NOT NULL DEFAULT '{}',
				timezone TEXT NOT NULL DEFAULT 'UTC',
				is_active BOOLEAN NOT NULL DEFAULT true,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				last_run_at TIMESTAMPTZ,
				next_run_at TIMESTAMPTZ
			);

			CREATE INDEX IF NOT EXISTS idx_scheduled_jobs_is_active ON scheduled_jobs(is_active);
			CREATE INDEX IF NOT EXISTS idx_scheduled_jobs_next_run_at ON scheduled_jobs(next_run_at);
		`,
	},
	{
		Version: 2,
		Name:    "create_job_runs_table",
		SQL: `
			CREATE TABLE IF NOT EXISTS job_runs (
				id TEXT PRIMARY KEY,
				scheduled_job_id TEXT NOT NULL REFERENCES scheduled_jobs(id) ON DELETE CASCADE,
				run_type TEXT NOT NULL CHECK(run_type IN ('scheduled', 'manual')),
				status TEXT NOT NULL CHECK(status IN ('pending', 'running', 'completed', 'failed')),
				started_at TIMESTAMPTZ NOT NULL,
				completed_at TIMESTAMPTZ,
				result_data JSONB,
				error_message TEXT,
				execution_time_ms BIGINT,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_job_runs_scheduled_job_id ON job_runs(scheduled_job_id);
			CREATE INDEX IF NOT EXISTS idx_job_runs_status ON job_runs(status);
			CREATE INDEX IF NOT EXISTS idx_job_runs_created_at ON job_runs(created_at);
		`,
	},
}
