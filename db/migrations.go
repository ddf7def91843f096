package db

import (
	"fmt"
	"log/slog"
)

// Migration represents a database migration
type Migration struct {
	Version int
	Name    string
	SQL     string
}

const schemaVersionSQLite = `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
`

// sqliteMigrations contains all SQLite-specific migrations
var sqliteMigrations = []Migration{
	{
		Version: 1,
		Name:    "create_scheduled_jobs_table",
		SQL: `
			CREATE TABLE IF NOT EXISTS scheduled_jobs (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				job_type TEXT NOT NULL CHECK(job_type IN ('scrape', 'crawl', 'map', 'batch')),
				job_config TEXT NOT NULL DEFAULT '{}',
				url TEXT,
				urls TEXT,
				api_endpoint TEXT NOT NULL,
				schedule_type TEXT NOT NULL CHECK(schedule_type IN ('interval', 'hourly', 'daily', 'weekly', 'monthly')),
				schedule_config TEXT NOT NULL DEFAULT '{}',
				timezone TEXT NOT NULL DEFAULT 'UTC',
				is_active INTEGER NOT NULL DEFAULT 1,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL,
				last_run_at TIMESTAMP,
				next_run_at TIMESTAMP
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
				started_at TIMESTAMP NOT NULL,
				completed_at TIMESTAMP,
				result_data TEXT,
				error_message TEXT,
				execution_time_ms INTEGER,
				created_at TIMESTAMP NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_job_runs_scheduled_job_id ON job_runs(scheduled_job_id);
			CREATE INDEX IF NOT EXISTS idx_job_runs_status ON job_runs(status);
			CREATE INDEX IF NOT EXISTS idx_job_runs_created_at ON job_runs(created_at);
		`,
	},
}

// migrate runs all pending migrations for the configured driver, recording
// each applied version in schema_version.
func (d *DB) migrate() error {
	migrations := sqliteMigrations
	versionTable := schemaVersionSQLite
	if d.driver == "postgres" {
		migrations = postgresMigrations
		versionTable = schemaVersionPostgres
	}

	if _, err := d.db.Exec(versionTable); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var currentVersion int
	err := d.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}
	slog.Default().Debug("current schema version", "version", currentVersion)

	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}

		slog.Default().Info("applying migration", "version", migration.Version, "name", migration.Name)
		tx, err := d.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", migration.Version, err)
		}

		if _, err := tx.Exec(migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d (%s): %w", migration.Version, migration.Name, err)
		}

		record := d.rebindQuery("INSERT INTO schema_version (version) VALUES (?)")
		if _, err := tx.Exec(record, migration.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}
