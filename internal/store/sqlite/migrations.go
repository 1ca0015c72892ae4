package sqlite

import (
	"context"
	"fmt"
)

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			handle TEXT NOT NULL,
			proxy TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE(owner_id, handle)
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			owner_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			status TEXT NOT NULL,
			superseded INTEGER NOT NULL DEFAULT 0,
			risk_score INTEGER NOT NULL DEFAULT 0,
			success_rate REAL NOT NULL DEFAULT 1,
			avg_latency_ms INTEGER NOT NULL DEFAULT 0,
			cookies_json TEXT NOT NULL DEFAULT '[]',
			synced_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0,
			last_success_at INTEGER NOT NULL DEFAULT 0,
			last_abort_at INTEGER NOT NULL DEFAULT 0,
			last_abort_task_id TEXT NOT NULL DEFAULT '',
			stale_reason TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL,
			UNIQUE(account_id, version)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_id, superseded);`,
		`CREATE TABLE IF NOT EXISTS targets (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			value TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			priority INTEGER NOT NULL DEFAULT 0,
			max_posts_per_run INTEGER NOT NULL DEFAULT 0,
			cooldown_until INTEGER NOT NULL DEFAULT 0,
			cooldown_reason TEXT NOT NULL DEFAULT '',
			cooldown_level INTEGER NOT NULL DEFAULT 0,
			cooldown_task_id TEXT NOT NULL DEFAULT '',
			total_runs INTEGER NOT NULL DEFAULT 0,
			total_fetched INTEGER NOT NULL DEFAULT 0,
			last_run_at INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			empty_streak INTEGER NOT NULL DEFAULT 0,
			avg_fetched REAL NOT NULL DEFAULT 0,
			fetch_samples INTEGER NOT NULL DEFAULT 0,
			last_non_empty_at INTEGER NOT NULL DEFAULT 0,
			quality TEXT NOT NULL DEFAULT 'HEALTHY',
			last_variant_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE(owner_id, kind, value)
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			scope TEXT NOT NULL,
			kind TEXT NOT NULL,
			target_id TEXT NOT NULL DEFAULT '',
			query TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			planned_posts INTEGER NOT NULL DEFAULT 0,
			attempts INTEGER NOT NULL DEFAULT 0,
			session_id TEXT NOT NULL DEFAULT '',
			claimed_by TEXT NOT NULL DEFAULT '',
			result_json TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			started_at INTEGER NOT NULL DEFAULT 0,
			finished_at INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, priority DESC, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_id, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS run_outcomes (
			task_id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			target_id TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			fetched INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			aborted INTEGER NOT NULL DEFAULT 0,
			abort_reason TEXT NOT NULL DEFAULT '',
			peak_risk INTEGER NOT NULL DEFAULT 0,
			verdict TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_run_outcomes_owner ON run_outcomes(owner_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_run_outcomes_target ON run_outcomes(target_id, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS items (
			target_id TEXT NOT NULL,
			id TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			author TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			posted_at INTEGER NOT NULL DEFAULT 0,
			fetched_at INTEGER NOT NULL,
			PRIMARY KEY (target_id, id)
		);`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value_json TEXT NOT NULL DEFAULT '{}',
			updated_at INTEGER NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
