package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"toolforge/internal/fault"
	"toolforge/internal/forge"
	"toolforge/internal/logging"
)

// AppendScore adds one consensus score to the append-only trail. Bounds are
// checked here so malformed scores never reach disk.
func (s *Store) AppendScore(score *forge.ConsensusScore) error {
	const op = "store.AppendScore"

	if err := score.CheckBounds(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	evaluators := "[]"
	if len(score.Evaluators) > 0 {
		b, err := json.Marshal(score.Evaluators)
		if err != nil {
			return fault.Wrap(fault.Internal, op, err)
		}
		evaluators = string(b)
	}

	createdAt := score.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.Exec(`
		INSERT INTO consensus_scores
		(tool_id, version, correctness, latency, cost, safety, resilience, weight, evaluators, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		score.ToolID, score.Version,
		score.Dimensions[forge.DimCorrectness],
		score.Dimensions[forge.DimLatency],
		score.Dimensions[forge.DimCost],
		score.Dimensions[forge.DimSafety],
		score.Dimensions[forge.DimResilience],
		score.Weight, evaluators, createdAt.UTC(),
	)
	if err != nil {
		return fault.Wrap(fault.Internal, op, err)
	}

	logging.StoreDebug("Appended consensus score for %s@%s (weight=%.3f)", score.ToolID, score.Version, score.Weight)
	return nil
}

// ScoresSince returns scores recorded at or after the cutoff, newest first.
// A zero cutoff returns the full trail.
func (s *Store) ScoresSince(toolID, version string, since time.Time) ([]forge.ConsensusScore, error) {
	const op = "store.ScoresSince"

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT tool_id, version, correctness, latency, cost, safety, resilience, weight, evaluators, created_at
		FROM consensus_scores WHERE tool_id = ? AND version = ?`
	args := []interface{}{toolID, version}
	if !since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, since.UTC())
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, op, err)
	}
	defer rows.Close()

	var scores []forge.ConsensusScore
	for rows.Next() {
		score, err := scanScore(rows)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("Failed to scan score row: %v", err)
			continue
		}
		scores = append(scores, *score)
	}
	return scores, rows.Err()
}

// LatestScore returns the most recent score for a tool version.
func (s *Store) LatestScore(toolID, version string) (*forge.ConsensusScore, error) {
	const op = "store.LatestScore"

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT tool_id, version, correctness, latency, cost, safety, resilience, weight, evaluators, created_at
		FROM consensus_scores WHERE tool_id = ? AND version = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, toolID, version)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, op, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fault.Wrap(fault.Internal, op, err)
		}
		return nil, fault.New(fault.NotFound, op, "no consensus scores for %s@%s", toolID, version)
	}
	return scanScore(rows)
}

func scanScore(rows *sql.Rows) (*forge.ConsensusScore, error) {
	var score forge.ConsensusScore
	var correctness, latency, cost, safety, resilience float64
	var evaluators string

	err := rows.Scan(
		&score.ToolID, &score.Version,
		&correctness, &latency, &cost, &safety, &resilience,
		&score.Weight, &evaluators, &score.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	score.Dimensions = map[forge.Dimension]float64{
		forge.DimCorrectness: correctness,
		forge.DimLatency:     latency,
		forge.DimCost:        cost,
		forge.DimSafety:      safety,
		forge.DimResilience:  resilience,
	}
	if evaluators != "" && evaluators != "[]" {
		if err := json.Unmarshal([]byte(evaluators), &score.Evaluators); err != nil {
			logging.Get(logging.CategoryStore).Warn("Corrupt evaluators payload for %s@%s: %v", score.ToolID, score.Version, err)
		}
	}
	return &score, nil
}
