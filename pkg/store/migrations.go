package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/poigraph/corepipeline/pkg/config"
)

// baseSchema creates every table named in the persisted state layout
// (spec §6) plus its required indexes, idempotently.
var baseSchema = []string{
	`CREATE TABLE IF NOT EXISTS files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		file_path TEXT NOT NULL,
		hash TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (run_id, file_path)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_files_path ON files (file_path)`,

	`CREATE TABLE IF NOT EXISTS pois (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		file_id INTEGER NOT NULL REFERENCES files(id),
		file_path TEXT NOT NULL,
		name TEXT NOT NULL,
		category TEXT NOT NULL,
		start_line INTEGER NOT NULL,
		end_line INTEGER NOT NULL,
		is_exported INTEGER NOT NULL DEFAULT 0,
		semantic_id TEXT,
		analysis_quality_score REAL,
		refs TEXT,
		created_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_pois_run_semantic ON pois (run_id, semantic_id) WHERE semantic_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_pois_file_path ON pois (file_path)`,

	`CREATE TABLE IF NOT EXISTS relationships (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		source_poi_id INTEGER NOT NULL,
		target_poi_id INTEGER NOT NULL,
		type TEXT NOT NULL,
		confidence REAL NOT NULL,
		status TEXT NOT NULL,
		reason TEXT,
		evidence_type TEXT,
		evidence_hash TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_relationships_run_status ON relationships (run_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_relationships_source ON relationships (source_poi_id)`,
	`CREATE INDEX IF NOT EXISTS idx_relationships_target ON relationships (target_poi_id)`,

	`CREATE TABLE IF NOT EXISTS relationship_evidence (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		relationship_id INTEGER NOT NULL REFERENCES relationships(id),
		payload BLOB,
		agent_confidence REAL NOT NULL,
		source_relationship_id INTEGER,
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_evidence_relationship ON relationship_evidence (relationship_id)`,

	`CREATE TABLE IF NOT EXISTS triangulated_analysis_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		relationship_id INTEGER NOT NULL REFERENCES relationships(id),
		status TEXT NOT NULL,
		final_confidence REAL,
		consensus_score REAL,
		error_message TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS subagent_analyses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL REFERENCES triangulated_analysis_sessions(id),
		agent_type TEXT NOT NULL,
		status TEXT NOT NULL,
		confidence_score REAL NOT NULL,
		processing_time_ms INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS consensus_decisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL REFERENCES triangulated_analysis_sessions(id),
		final_decision TEXT NOT NULL,
		weighted_consensus REAL NOT NULL,
		conflict_detected INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload BLOB NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		reserved_by TEXT,
		reserved_at DATETIME,
		created_at DATETIME NOT NULL,
		published_at DATETIME
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_status_id ON outbox (status, id)`,

	`CREATE TABLE IF NOT EXISTS run_status (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		state TEXT NOT NULL,
		metadata BLOB,
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_run_status_run ON run_status (run_id)`,

	`CREATE TABLE IF NOT EXISTS directory_file_mappings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		directory_path TEXT NOT NULL,
		file_id INTEGER NOT NULL REFERENCES files(id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dir_mappings_dir ON directory_file_mappings (run_id, directory_path)`,

	`CREATE TABLE IF NOT EXISTS health_probe (
		probe_key TEXT PRIMARY KEY,
		probed_at DATETIME NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		queue TEXT NOT NULL,
		run_id TEXT NOT NULL,
		payload BLOB NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		visible_at DATETIME NOT NULL,
		reserved_by TEXT,
		last_error TEXT,
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_queue_visible ON jobs (queue, visible_at, id)`,
}

// columnMigration adds one column to one table if both the table and the
// column are missing it, the additive-only shape of spec §4.1 ("absent
// columns/tables are created, existing ones are never dropped"), grounded
// in theRebelliousNerd-codenerd's internal/store/migrations.go Migration
// struct.
type columnMigration struct {
	Table  string
	Column string
	Def    string
}

// pendingColumnMigrations lists columns that a database created by an
// earlier build of this schema may be missing. Each entry is a no-op on a
// freshly created database (the column already exists from baseSchema)
// and only does work against an older on-disk file.
var pendingColumnMigrations = []columnMigration{
	{"pois", "analysis_quality_score", "REAL"},
	{"relationships", "evidence_hash", "TEXT"},
	{"outbox", "reserved_by", "TEXT"},
	{"outbox", "reserved_at", "DATETIME"},
}

// migrate applies the base schema, then additive column migrations, then
// (if enabled) the start-up orphan-row normalization pass.
func (s *Store) migrate(ctx context.Context, cfg config.StoreConfig) error {
	s.migMu.Lock()
	defer s.migMu.Unlock()

	for _, stmt := range baseSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply base schema: %w", err)
		}
	}

	applied, skipped := 0, 0
	for _, m := range pendingColumnMigrations {
		if !tableExists(s.db, m.Table) {
			skipped++
			continue
		}
		if columnExists(s.db, m.Table, m.Column) {
			skipped++
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration %s.%s: %w", m.Table, m.Column, err)
		}
		applied++
	}
	slog.Info("store: schema migrations complete", "applied", applied, "skipped", skipped)

	if cfg.NormalizeOnStart {
		n, err := s.normalizeOrphanRelationships(ctx)
		if err != nil {
			return fmt.Errorf("normalize orphan relationships: %w", err)
		}
		slog.Info("store: start-up normalization complete", "demoted", n)
	}

	return nil
}

func tableExists(db *sqlx.DB, table string) bool {
	var count int
	if err := db.Get(&count, `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table); err != nil {
		return false
	}
	return count > 0
}

func columnExists(db *sqlx.DB, table, column string) bool {
	rows, err := db.Queryx(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		cols, err := rows.SliceScan()
		if err != nil {
			continue
		}
		if name, ok := cols[1].(string); ok && name == column {
			return true
		}
	}
	return false
}

// normalizeOrphanRelationships demotes VALIDATED relationships whose source
// or target POI no longer resolves within the same run to FAILED (spec
// §4.1: "orphan rows from older schema versions are normalized"). Gated
// behind StoreConfig.NormalizeOnStart per the §9 open question — whether
// this should run every start or only after a declared migration is left
// to the operator.
func (s *Store) normalizeOrphanRelationships(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE relationships
		SET status = 'FAILED', reason = 'orphan normalization: POI not found in run', updated_at = CURRENT_TIMESTAMP
		WHERE status = 'VALIDATED'
		AND (
			NOT EXISTS (SELECT 1 FROM pois p WHERE p.id = relationships.source_poi_id AND p.run_id = relationships.run_id)
			OR NOT EXISTS (SELECT 1 FROM pois p WHERE p.id = relationships.target_poi_id AND p.run_id = relationships.run_id)
		)
	`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
