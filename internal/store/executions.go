package store

import (
	"database/sql"

	"toolforge/internal/fault"
	"toolforge/internal/forge"
	"toolforge/internal/logging"
)

// AppendExecution records one call in the per-tool window and evicts rows
// beyond the window size, oldest first. keep <= 0 uses the default window.
func (s *Store) AppendExecution(rec forge.ExecutionRecord, keep int) error {
	const op = "store.AppendExecution"

	if keep <= 0 {
		keep = forge.DefaultWindowSize
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fault.Wrap(fault.Internal, op, err)
	}
	defer tx.Rollback()

	successInt := 0
	if rec.Success {
		successInt = 1
	}

	_, err = tx.Exec(`
		INSERT OR REPLACE INTO executions
		(call_id, tool_id, version, input_hash, result_hash, started_at, ended_at,
		 latency_ms, success, error_kind, sandbox_profile)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CallID, rec.ToolID, rec.Version, rec.InputHash, rec.ResultHash,
		rec.StartedAt.UTC(), rec.EndedAt.UTC(), rec.LatencyMs, successInt,
		rec.ErrorKind, rec.SandboxProfile,
	)
	if err != nil {
		return fault.Wrap(fault.Internal, op, err)
	}

	// Window eviction: keep only the most recent rows for this tool version.
	_, err = tx.Exec(`
		DELETE FROM executions
		WHERE tool_id = ? AND version = ? AND id NOT IN (
			SELECT id FROM executions WHERE tool_id = ? AND version = ?
			ORDER BY started_at DESC, id DESC LIMIT ?
		)`,
		rec.ToolID, rec.Version, rec.ToolID, rec.Version, keep)
	if err != nil {
		return fault.Wrap(fault.Internal, op, err)
	}

	if err := tx.Commit(); err != nil {
		return fault.Wrap(fault.Internal, op, err)
	}

	logging.StoreDebug("Appended execution %s for %s@%s (success=%v, latency=%dms)",
		rec.CallID, rec.ToolID, rec.Version, rec.Success, rec.LatencyMs)
	return nil
}

// RecentExecutions returns up to limit records for a tool version, newest
// first. limit <= 0 returns the full window.
func (s *Store) RecentExecutions(toolID, version string, limit int) ([]forge.ExecutionRecord, error) {
	const op = "store.RecentExecutions"

	if limit <= 0 {
		limit = forge.DefaultWindowSize
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT call_id, tool_id, version, input_hash, result_hash, started_at,
		       ended_at, latency_ms, success, error_kind, sandbox_profile
		FROM executions WHERE tool_id = ? AND version = ?
		ORDER BY started_at DESC, id DESC LIMIT ?`, toolID, version, limit)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, op, err)
	}
	defer rows.Close()

	return scanExecutions(rows)
}

// GetExecution returns a single record by call_id.
func (s *Store) GetExecution(callID string) (*forge.ExecutionRecord, error) {
	const op = "store.GetExecution"

	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT call_id, tool_id, version, input_hash, result_hash, started_at,
		       ended_at, latency_ms, success, error_kind, sandbox_profile
		FROM executions WHERE call_id = ?`, callID)

	rec, err := scanExecution(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fault.New(fault.NotFound, op, "no execution with call_id %s", callID)
		}
		return nil, fault.Wrap(fault.Internal, op, err)
	}
	return rec, nil
}

func scanExecution(row *sql.Row) (*forge.ExecutionRecord, error) {
	var rec forge.ExecutionRecord
	var successInt int
	var errorKind, sandbox sql.NullString

	err := row.Scan(
		&rec.CallID, &rec.ToolID, &rec.Version, &rec.InputHash, &rec.ResultHash,
		&rec.StartedAt, &rec.EndedAt, &rec.LatencyMs, &successInt,
		&errorKind, &sandbox,
	)
	if err != nil {
		return nil, err
	}

	rec.Success = successInt == 1
	rec.ErrorKind = errorKind.String
	rec.SandboxProfile = sandbox.String
	return &rec, nil
}

func scanExecutions(rows *sql.Rows) ([]forge.ExecutionRecord, error) {
	var records []forge.ExecutionRecord
	for rows.Next() {
		var rec forge.ExecutionRecord
		var successInt int
		var errorKind, sandbox sql.NullString

		err := rows.Scan(
			&rec.CallID, &rec.ToolID, &rec.Version, &rec.InputHash, &rec.ResultHash,
			&rec.StartedAt, &rec.EndedAt, &rec.LatencyMs, &successInt,
			&errorKind, &sandbox,
		)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("Failed to scan execution row: %v", err)
			continue
		}

		rec.Success = successInt == 1
		rec.ErrorKind = errorKind.String
		rec.SandboxProfile = sandbox.String
		records = append(records, rec)
	}
	return records, rows.Err()
}
