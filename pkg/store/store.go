// Package store implements the RelationalStore (spec §4.1): the single
// durable home for files, POIs, relationships, evidence, triangulation
// sessions, outbox events, and run status, backed by an embedded SQLite
// database opened in WAL mode.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/poigraph/corepipeline/pkg/config"
	"github.com/poigraph/corepipeline/pkg/corerr"
)

func init() {
	// Model structs use idiomatic Go field names (RunID, FilePath); the
	// schema uses snake_case columns. Map one to the other once, globally,
	// instead of hand-tagging every field with `db:"..."`.
	sqlx.NameMapper = toSnakeCase
}

// toSnakeCase converts idiomatic Go field names (RunID, FilePath) to the
// schema's snake_case columns (run_id, file_path). Consecutive-acronym
// fields (e.g. a hypothetical "SourcePOIID") are ambiguous under this
// algorithm; such fields are named to avoid adjacent acronyms instead
// (SourcePoiID) rather than special-cased here.
func toSnakeCase(s string) string {
	runes := []rune(s)
	out := make([]rune, 0, len(runes)+4)
	for i, r := range runes {
		if r >= 'A' && r <= 'Z' {
			prevLower := i > 0 && runes[i-1] >= 'a' && runes[i-1] <= 'z'
			nextLower := i+1 < len(runes) && runes[i+1] >= 'a' && runes[i+1] <= 'z'
			prevUpper := i > 0 && runes[i-1] >= 'A' && runes[i-1] <= 'Z'
			if i > 0 && (prevLower || (prevUpper && nextLower)) {
				out = append(out, '_')
			}
			out = append(out, r-'A'+'a')
		} else {
			out = append(out, r)
		}
	}
	return string(out)
}

// Store wraps a sqlx-backed SQLite connection. Writes are serialized by the
// single underlying connection (spec §5: "shared-write but serialized by
// connection"). A second, read-only connection pool is opened and closed
// alongside it, but no Store method reads through it; every query goes
// through the write connection returned by DB.
type Store struct {
	db     *sqlx.DB
	readDB *sqlx.DB
	path   string

	migMu sync.RWMutex // held for write during migration; read during normal ops
}

// Open opens (creating if necessary) the SQLite database at cfg.Path,
// applies pragmas, and runs additive migrations.
func Open(ctx context.Context, cfg config.StoreConfig) (*Store, error) {
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, corerr.FatalErr("store.Open", fmt.Errorf("create db directory: %w", err))
		}
	}

	dsn := cfg.Path
	if cfg.WALEnabled {
		dsn = fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d", cfg.Path, cfg.BusyTimeout.Milliseconds())
	} else {
		dsn = fmt.Sprintf("%s?_busy_timeout=%d", cfg.Path, cfg.BusyTimeout.Milliseconds())
	}

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, corerr.FatalErr("store.Open", fmt.Errorf("open db: %w", err))
	}
	db.SetMaxOpenConns(1) // one writer: SQLite serializes writes regardless
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db, cfg); err != nil {
		db.Close()
		return nil, corerr.FatalErr("store.Open", err)
	}

	readDB, err := sqlx.Open("sqlite3", dsn+"&mode=ro")
	if err != nil {
		db.Close()
		return nil, corerr.FatalErr("store.Open", fmt.Errorf("open read db: %w", err))
	}
	readDB.SetMaxOpenConns(4)

	s := &Store{db: db, readDB: readDB, path: cfg.Path}

	if cfg.MigrationsEnabled {
		if err := s.migrate(ctx, cfg); err != nil {
			db.Close()
			readDB.Close()
			return nil, err
		}
	}

	return s, nil
}

func applyPragmas(db *sqlx.DB, cfg config.StoreConfig) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()),
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	if cfg.WALEnabled {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("exec %q: %w", p, err)
		}
	}
	return nil
}

// Close closes both connections.
func (s *Store) Close() error {
	err1 := s.db.Close()
	err2 := s.readDB.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// DB exposes the underlying write connection for package-internal helpers
// that need it (outbox reservation, batch insert).
func (s *Store) DB() *sqlx.DB { return s.db }

// Tx runs fn inside a transaction with automatic BEGIN/COMMIT/ROLLBACK. If
// fn returns an error, the transaction is rolled back and the error is
// returned unwrapped so callers' corerr classification survives.
//
// The store refuses writes while a migration is in flight (spec §4.1); Tx
// blocks on migMu until any in-progress migration completes.
func (s *Store) Tx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	s.migMu.RLock()
	defer s.migMu.RUnlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return corerr.TransientErr("store.Tx", err)
	}

	if err := fn(tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			slog.Error("store: rollback failed", "error", rerr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return corerr.TransientErr("store.Tx", fmt.Errorf("commit: %w", err))
	}
	return nil
}

// BatchInsert inserts rows into table in chunks of batchSize using a
// single prepared statement per chunk, returning the total row count
// inserted (spec §4.1: "batchInsert(table, cols, rows, batchSize)").
func BatchInsert(ctx context.Context, tx *sqlx.Tx, table string, cols []string, rows [][]any, batchSize int) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = len(rows)
	}

	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = "?"
	}
	rowPlaceholder := "(" + joinComma(placeholders) + ")"

	inserted := 0
	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		values := make([]string, len(chunk))
		args := make([]any, 0, len(chunk)*len(cols))
		for i, row := range chunk {
			values[i] = rowPlaceholder
			args = append(args, row...)
		}

		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", table, joinComma(cols), joinComma(values))
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return inserted, classifyWriteErr("store.BatchInsert", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, corerr.TransientErr("store.BatchInsert", err)
		}
		inserted += int(n)
	}

	return inserted, nil
}

func joinComma(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += ", " + p
	}
	return out
}

// HealthStatus reports store connectivity and pool statistics, mirroring
// the shape callers expect from a dependency probe (spec §4.9).
type HealthStatus struct {
	Status       string        `json:"status"`
	ResponseTime time.Duration `json:"response_time_ms"`
	OpenConns    int           `json:"open_connections"`
}

// Health performs a write-then-read round trip against a scratch table, the
// dependency probe shape spec §4.9 requires ("must round-trip a write-then-
// read where the underlying store supports it").
func (s *Store) Health(ctx context.Context) (*HealthStatus, error) {
	start := time.Now()

	if err := s.db.PingContext(ctx); err != nil {
		return &HealthStatus{Status: "unhealthy", ResponseTime: time.Since(start)}, err
	}

	probeKey := fmt.Sprintf("health-%d", time.Now().UnixNano())
	if _, err := s.db.ExecContext(ctx, `INSERT INTO health_probe (probe_key, probed_at) VALUES (?, ?)`, probeKey, time.Now()); err != nil {
		return &HealthStatus{Status: "unhealthy", ResponseTime: time.Since(start)}, err
	}
	var found string
	if err := s.db.GetContext(ctx, &found, `SELECT probe_key FROM health_probe WHERE probe_key = ?`, probeKey); err != nil {
		return &HealthStatus{Status: "unhealthy", ResponseTime: time.Since(start)}, err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM health_probe WHERE probe_key = ?`, probeKey); err != nil {
		slog.Warn("store: failed to clean up health probe row", "error", err)
	}

	stats := s.db.Stats()
	return &HealthStatus{
		Status:       "healthy",
		ResponseTime: time.Since(start),
		OpenConns:    stats.OpenConnections,
	}, nil
}
