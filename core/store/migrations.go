package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"strings"

	"github.com/pressly/goose/v3"

	"vigil-ims/core/utils"
)

//go:embed pgmigrations/*.sql
var pgMigrationsFS embed.FS

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS incidents (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		facility_id TEXT NOT NULL DEFAULT '',
		area_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		channel_ref TEXT NOT NULL DEFAULT '',
		declared_by_member_id TEXT NOT NULL DEFAULT '',
		declared_at TIMESTAMP NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS incident_assets (
		incident_id TEXT NOT NULL,
		asset_id TEXT NOT NULL,
		asset_type TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (incident_id, asset_id),
		FOREIGN KEY(incident_id) REFERENCES incidents(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS incident_events (
		id TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		incident_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		event_version INTEGER NOT NULL DEFAULT 1,
		schema_version INTEGER NOT NULL DEFAULT 1,
		actor_type TEXT NOT NULL,
		actor_member_id TEXT,
		actor_external_id TEXT,
		source_platform TEXT NOT NULL DEFAULT '',
		source_event_id TEXT NOT NULL DEFAULT '',
		payload_json TEXT NOT NULL DEFAULT '{}',
		raw_source_json TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (incident_id, sequence),
		FOREIGN KEY(incident_id) REFERENCES incidents(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS incident_current_state (
		incident_id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		status TEXT NOT NULL,
		severity TEXT NOT NULL,
		assigned_to_member_id TEXT,
		last_event_sequence INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY(incident_id) REFERENCES incidents(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS escalation_policies (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		facility_id TEXT,
		name TEXT NOT NULL,
		conditions_json TEXT NOT NULL DEFAULT '{}',
		priority REAL,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS escalation_policy_steps (
		policy_id TEXT NOT NULL,
		step_order INTEGER NOT NULL,
		delay_minutes INTEGER NOT NULL DEFAULT 0,
		notify_type TEXT NOT NULL,
		notify_target_ids_json TEXT NOT NULL DEFAULT '[]',
		if_unacked INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (policy_id, step_order),
		FOREIGN KEY(policy_id) REFERENCES escalation_policies(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS incident_escalation_runtime (
		incident_id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		policy_id TEXT,
		acked_at TIMESTAMP,
		acked_by_member_id TEXT,
		latest_step_order INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY(incident_id) REFERENCES incidents(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS incident_escalation_step_targets (
		incident_id TEXT NOT NULL,
		step_order INTEGER NOT NULL,
		target_member_id TEXT NOT NULL,
		notify_type TEXT NOT NULL DEFAULT '',
		notified_at TIMESTAMP NOT NULL,
		acknowledged_at TIMESTAMP,
		PRIMARY KEY (incident_id, step_order, target_member_id),
		FOREIGN KEY(incident_id) REFERENCES incidents(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS facilities (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		name TEXT NOT NULL,
		timezone TEXT NOT NULL DEFAULT ''
	);`,
	`CREATE TABLE IF NOT EXISTS teams (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		name TEXT NOT NULL,
		timezone TEXT NOT NULL DEFAULT '',
		shift_info_json TEXT NOT NULL DEFAULT '{}'
	);`,
	`CREATE TABLE IF NOT EXISTS team_members (
		team_id TEXT NOT NULL,
		member_id TEXT NOT NULL,
		added_at TIMESTAMP NOT NULL,
		PRIMARY KEY (team_id, member_id),
		FOREIGN KEY(team_id) REFERENCES teams(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS members (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT ''
	);`,
	`CREATE TABLE IF NOT EXISTS member_chat_identities (
		member_id TEXT NOT NULL,
		platform TEXT NOT NULL,
		external_id TEXT NOT NULL,
		PRIMARY KEY (member_id, platform),
		FOREIGN KEY(member_id) REFERENCES members(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		job_type TEXT NOT NULL,
		payload_json TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		run_at TIMESTAMP NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_incidents_org ON incidents(organization_id);`,
	`CREATE INDEX IF NOT EXISTS idx_incident_events_org ON incident_events(organization_id);`,
	`CREATE INDEX IF NOT EXISTS idx_incident_events_created ON incident_events(created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_escalation_policies_org_active ON escalation_policies(organization_id, is_active);`,
	`CREATE INDEX IF NOT EXISTS idx_step_targets_member ON incident_escalation_step_targets(target_member_id);`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status_run_at ON jobs(status, run_at);`,
	`CREATE INDEX IF NOT EXISTS idx_team_members_member ON team_members(member_id);`,
}

func ApplyMigrations(ctx context.Context, db *sql.DB, logger *utils.Logger) error {
	isPG, err := isPostgresDB(ctx, db)
	if err != nil {
		return err
	}
	if !isPG {
		if !isTestRuntime() {
			return fmt.Errorf("only postgres is supported outside go test runtime")
		}
		return applySQLiteTestMigrations(ctx, db, logger)
	}
	return applyGooseMigrations(ctx, db, logger)
}

func applySQLiteTestMigrations(ctx context.Context, db *sql.DB, logger *utils.Logger) error {
	if logger != nil {
		logger.Printf("applying sqlite test migrations")
	}
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migration #%d failed: %w", i+1, err)
		}
	}
	if logger != nil {
		logger.Printf("sqlite test migrations applied")
	}
	return nil
}

func applyGooseMigrations(ctx context.Context, db *sql.DB, logger *utils.Logger) error {
	goose.SetBaseFS(pgMigrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "pgmigrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	if logger != nil {
		logger.Printf("postgres migrations applied")
	}
	return nil
}

func isTestRuntime() bool {
	if strings.HasSuffix(os.Args[0], ".test") {
		return true
	}
	for _, arg := range os.Args[1:] {
		if strings.HasPrefix(arg, "-test.") {
			return true
		}
	}
	return false
}
