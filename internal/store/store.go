// Package store persists manifests, execution windows, consensus scores, and
// optimization state in a single SQLite database. Vector search uses the
// sqlite-vec extension when the binary is built with it, and falls back to
// in-process brute force otherwise.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"toolforge/internal/logging"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the single writer for all registry state.
//
// Storage location: .forge/forge.db
//
// Tables:
//   - manifests: one row per (tool_id, version), full JSON doc plus filter columns
//   - manifest_tags: inverted tag index rebuilt on every manifest write
//   - executions: bounded per-tool execution window, newest first
//   - consensus_scores: append-only score trail, decayed at read time
//   - variants / clusters: optimizer working set
//   - vec_manifests: ANN index, present only when sqlite-vec is compiled in
type Store struct {
	db        *sql.DB
	mu        sync.RWMutex
	dbPath    string
	vectorExt bool
	vecDims   int
}

// NewStore opens (or creates) the forge database at the given path.
// dims fixes the vec index dimensionality; embeddings of any other size are
// still persisted but only served by the brute-force path.
func NewStore(path string, dims int) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewStore")
	defer timer.Stop()

	logging.Store("Initializing store at path: %s", path)

	if dims <= 0 {
		dims = 256
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to create directory %s: %v", dir, err)
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe under WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &Store{db: db, dbPath: path, vecDims: dims}
	if err := s.initialize(); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to initialize schema: %v", err)
		db.Close()
		return nil, err
	}

	s.detectVecExtension()
	if s.vectorExt {
		if err := s.initVecTable(); err != nil {
			logging.Get(logging.CategoryStore).Warn("Failed to create vec index, falling back to brute force: %v", err)
			s.vectorExt = false
		} else {
			logging.Store("sqlite-vec extension detected, ANN index enabled (dims=%d)", dims)
		}
	} else {
		logging.StoreDebug("sqlite-vec extension not available, using brute-force similarity")
	}

	logging.Store("Store initialization complete")
	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	manifestsTable := `
	CREATE TABLE IF NOT EXISTS manifests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tool_id TEXT NOT NULL,
		version TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		trust_level TEXT NOT NULL DEFAULT 'experimental',
		author TEXT,
		ancestor TEXT,
		doc TEXT NOT NULL,
		embedding BLOB,
		embedding_dims INTEGER DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(tool_id, version)
	);
	CREATE INDEX IF NOT EXISTS idx_manifests_tool ON manifests(tool_id);
	CREATE INDEX IF NOT EXISTS idx_manifests_status ON manifests(status);
	CREATE INDEX IF NOT EXISTS idx_manifests_trust ON manifests(trust_level);
	`

	tagsTable := `
	CREATE TABLE IF NOT EXISTS manifest_tags (
		tool_id TEXT NOT NULL,
		version TEXT NOT NULL,
		tag TEXT NOT NULL,
		PRIMARY KEY(tool_id, version, tag)
	);
	CREATE INDEX IF NOT EXISTS idx_tags_tag ON manifest_tags(tag);
	`

	executionsTable := `
	CREATE TABLE IF NOT EXISTS executions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		call_id TEXT UNIQUE NOT NULL,
		tool_id TEXT NOT NULL,
		version TEXT NOT NULL,
		input_hash TEXT,
		result_hash TEXT,
		started_at DATETIME NOT NULL,
		ended_at DATETIME NOT NULL,
		latency_ms INTEGER NOT NULL,
		success INTEGER NOT NULL,
		error_kind TEXT,
		sandbox_profile TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_executions_tool ON executions(tool_id, version);
	CREATE INDEX IF NOT EXISTS idx_executions_started ON executions(started_at);
	`

	scoresTable := `
	CREATE TABLE IF NOT EXISTS consensus_scores (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tool_id TEXT NOT NULL,
		version TEXT NOT NULL,
		correctness REAL NOT NULL,
		latency REAL NOT NULL,
		cost REAL NOT NULL,
		safety REAL NOT NULL,
		resilience REAL NOT NULL,
		weight REAL NOT NULL DEFAULT 1.0,
		evaluators TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_scores_tool ON consensus_scores(tool_id, version);
	CREATE INDEX IF NOT EXISTS idx_scores_created ON consensus_scores(created_at);
	`

	variantsTable := `
	CREATE TABLE IF NOT EXISTS variants (
		variant_id TEXT PRIMARY KEY,
		tool_id TEXT NOT NULL,
		version TEXT,
		parent_id TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		cluster_id TEXT,
		doc TEXT NOT NULL,
		embedding BLOB,
		use_count INTEGER DEFAULT 0,
		created_at DATETIME NOT NULL,
		last_used_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_variants_tool ON variants(tool_id);
	CREATE INDEX IF NOT EXISTS idx_variants_cluster ON variants(cluster_id);
	CREATE INDEX IF NOT EXISTS idx_variants_status ON variants(status);
	`

	clustersTable := `
	CREATE TABLE IF NOT EXISTS clusters (
		cluster_id TEXT PRIMARY KEY,
		canonical_id TEXT,
		doc TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	for _, table := range []string{
		manifestsTable,
		tagsTable,
		executionsTable,
		scoresTable,
		variantsTable,
		clustersTable,
	} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// detectVecExtension attempts to create a vec0 virtual table to see if
// sqlite-vec is available.
func (s *Store) detectVecExtension() {
	if s.db == nil {
		return
	}
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_detect USING vec0(embedding float[4])"); err == nil {
		s.vectorExt = true
		_, _ = s.db.Exec("DROP TABLE IF EXISTS vec_detect")
		return
	}
	s.vectorExt = false
}

// initVecTable creates the manifest ANN index.
func (s *Store) initVecTable() error {
	stmt := fmt.Sprintf(
		"CREATE VIRTUAL TABLE IF NOT EXISTS vec_manifests USING vec0(embedding float[%d], tool_id TEXT, version TEXT)",
		s.vecDims)
	_, err := s.db.Exec(stmt)
	return err
}

// HasVectorExt reports whether the ANN index is active.
func (s *Store) HasVectorExt() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vectorExt
}

// DB returns the underlying SQL database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// Close closes the database connection.
func (s *Store) Close() error {
	logging.Store("Closing store database connection")
	return s.db.Close()
}

// Stats returns row counts per table.
func (s *Store) Stats() (map[string]int64, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Stats")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	tables := []string{"manifests", "manifest_tags", "executions", "consensus_scores", "variants", "clusters"}

	for _, table := range tables {
		var count int64
		err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count)
		if err != nil {
			logging.StoreDebug("Table %s count failed: %v", table, err)
			continue
		}
		stats[table] = count
	}

	return stats, nil
}
