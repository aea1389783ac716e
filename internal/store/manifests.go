package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"toolforge/internal/fault"
	"toolforge/internal/forge"
	"toolforge/internal/logging"
)

// ManifestFilter narrows ListManifests. Zero values mean "any".
type ManifestFilter struct {
	ToolID string
	Status forge.ManifestStatus
	Tag    string
	Limit  int
}

// ToolSummary is one row of the tool listing: the newest version of a tool
// plus how many versions exist.
type ToolSummary struct {
	ToolID        string
	LatestVersion string
	Name          string
	Type          forge.ToolType
	Status        forge.ManifestStatus
	TrustLevel    forge.TrustLevel
	VersionCount  int
	UpdatedAt     time.Time
}

// PutManifest inserts or replaces a manifest row, rewrites its tag index
// entries, and refreshes the ANN index when the embedding matches the index
// dimensionality. The embedding is stored in its own column, not in the doc.
func (s *Store) PutManifest(m *forge.ToolManifest) error {
	const op = "store.PutManifest"
	timer := logging.StartTimer(logging.CategoryStore, "PutManifest")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	embedding := m.Embedding
	doc, err := marshalManifestDoc(m)
	if err != nil {
		return fault.Wrap(fault.Internal, op, err)
	}

	createdAt := m.Origin.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fault.Wrap(fault.Internal, op, err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT OR REPLACE INTO manifests
		(tool_id, version, status, trust_level, author, ancestor, doc, embedding, embedding_dims, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		m.ToolID, m.Version, string(m.Status), string(m.Trust.Level),
		m.Origin.Author, m.Lineage.AncestorToolID, string(doc),
		encodeEmbeddingBlob(embedding), len(embedding), createdAt.UTC(),
	)
	if err != nil {
		return fault.Wrap(fault.Internal, op, err)
	}

	if _, err := tx.Exec(`DELETE FROM manifest_tags WHERE tool_id = ? AND version = ?`, m.ToolID, m.Version); err != nil {
		return fault.Wrap(fault.Internal, op, err)
	}
	for _, tag := range m.Tags {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO manifest_tags (tool_id, version, tag) VALUES (?, ?, ?)`,
			m.ToolID, m.Version, tag); err != nil {
			return fault.Wrap(fault.Internal, op, err)
		}
	}

	if s.vectorExt {
		if err := s.upsertVecEntry(tx, m.ToolID, m.Version, embedding); err != nil {
			// ANN staleness is recoverable via RebuildIndexes; don't fail the write.
			logging.Get(logging.CategoryStore).Warn("vec index update failed for %s@%s: %v", m.ToolID, m.Version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fault.Wrap(fault.Internal, op, err)
	}

	logging.StoreDebug("Stored manifest %s@%s (status=%s, trust=%s, tags=%d, dims=%d)",
		m.ToolID, m.Version, m.Status, m.Trust.Level, len(m.Tags), len(embedding))
	return nil
}

// GetManifest returns the manifest for an exact (tool_id, version) pair.
func (s *Store) GetManifest(toolID, version string) (*forge.ToolManifest, error) {
	const op = "store.GetManifest"

	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT doc, embedding FROM manifests WHERE tool_id = ? AND version = ?`, toolID, version)

	var doc string
	var blob []byte
	if err := row.Scan(&doc, &blob); err != nil {
		if err == sql.ErrNoRows {
			return nil, fault.New(fault.NotFound, op, "tool %s@%s not registered", toolID, version)
		}
		return nil, fault.Wrap(fault.Internal, op, err)
	}

	return decodeManifestRow(doc, blob)
}

// ListVersions returns every stored version string for a tool, newest
// registration first. Includes archived versions.
func (s *Store) ListVersions(toolID string) ([]string, error) {
	const op = "store.ListVersions"

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT version FROM manifests WHERE tool_id = ? ORDER BY created_at DESC, id DESC`, toolID)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, op, err)
	}
	defer rows.Close()

	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			continue
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// ListManifests returns manifests matching the filter, newest first.
func (s *Store) ListManifests(f ManifestFilter) ([]*forge.ToolManifest, error) {
	const op = "store.ListManifests"

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT m.doc, m.embedding FROM manifests m`
	var args []interface{}
	var where []string

	if f.Tag != "" {
		query += ` JOIN manifest_tags t ON t.tool_id = m.tool_id AND t.version = m.version`
		where = append(where, `t.tag = ?`)
		args = append(args, f.Tag)
	}
	if f.ToolID != "" {
		where = append(where, `m.tool_id = ?`)
		args = append(args, f.ToolID)
	}
	if f.Status != "" {
		where = append(where, `m.status = ?`)
		args = append(args, string(f.Status))
	}
	for i, clause := range where {
		if i == 0 {
			query += ` WHERE ` + clause
		} else {
			query += ` AND ` + clause
		}
	}
	query += ` ORDER BY m.created_at DESC, m.id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, op, err)
	}
	defer rows.Close()

	var manifests []*forge.ToolManifest
	for rows.Next() {
		var doc string
		var blob []byte
		if err := rows.Scan(&doc, &blob); err != nil {
			logging.Get(logging.CategoryStore).Warn("Failed to scan manifest row: %v", err)
			continue
		}
		m, err := decodeManifestRow(doc, blob)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("Failed to decode manifest doc: %v", err)
			continue
		}
		manifests = append(manifests, m)
	}
	return manifests, rows.Err()
}

// ListTools aggregates manifests into one summary per tool_id.
func (s *Store) ListTools() ([]ToolSummary, error) {
	const op = "store.ListTools"

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT tool_id, version, status, trust_level, doc, created_at
		FROM manifests ORDER BY tool_id ASC, created_at DESC, id DESC`)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, op, err)
	}
	defer rows.Close()

	var summaries []ToolSummary
	for rows.Next() {
		var toolID, version, status, trust, doc string
		var createdAt time.Time
		if err := rows.Scan(&toolID, &version, &status, &trust, &doc, &createdAt); err != nil {
			continue
		}

		if n := len(summaries); n > 0 && summaries[n-1].ToolID == toolID {
			summaries[n-1].VersionCount++
			continue
		}

		sum := ToolSummary{
			ToolID:        toolID,
			LatestVersion: version,
			Status:        forge.ManifestStatus(status),
			TrustLevel:    forge.TrustLevel(trust),
			VersionCount:  1,
			UpdatedAt:     createdAt,
		}
		// Name and type come from the doc; a decode failure leaves them blank.
		var header struct {
			Name string         `json:"name"`
			Type forge.ToolType `json:"type"`
		}
		if err := json.Unmarshal([]byte(doc), &header); err == nil {
			sum.Name = header.Name
			sum.Type = header.Type
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// SetStatus updates a manifest's lifecycle status in both the filter column
// and the stored doc.
func (s *Store) SetStatus(toolID, version string, status forge.ManifestStatus) error {
	const op = "store.SetStatus"

	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`SELECT doc FROM manifests WHERE tool_id = ? AND version = ?`, toolID, version)
	var doc string
	if err := row.Scan(&doc); err != nil {
		if err == sql.ErrNoRows {
			return fault.New(fault.NotFound, op, "tool %s@%s not registered", toolID, version)
		}
		return fault.Wrap(fault.Internal, op, err)
	}

	m, err := decodeManifestRow(doc, nil)
	if err != nil {
		return fault.Wrap(fault.Internal, op, err)
	}
	m.Status = status
	newDoc, err := marshalManifestDoc(m)
	if err != nil {
		return fault.Wrap(fault.Internal, op, err)
	}

	_, err = s.db.Exec(`UPDATE manifests SET status = ?, doc = ?, updated_at = CURRENT_TIMESTAMP WHERE tool_id = ? AND version = ?`,
		string(status), string(newDoc), toolID, version)
	if err != nil {
		return fault.Wrap(fault.Internal, op, err)
	}

	logging.StoreDebug("Set status %s@%s -> %s", toolID, version, status)
	return nil
}

// RebuildIndexes drops and repopulates the tag index and, when available, the
// ANN index from the manifests table. Used after config changes or when the
// vec extension appears on an existing database.
func (s *Store) RebuildIndexes() error {
	const op = "store.RebuildIndexes"
	timer := logging.StartTimer(logging.CategoryStore, "RebuildIndexes")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	manifests := make(map[[2]string]*forge.ToolManifest)
	rows, err := s.db.Query(`SELECT tool_id, version, doc, embedding FROM manifests`)
	if err != nil {
		return fault.Wrap(fault.Internal, op, err)
	}
	for rows.Next() {
		var toolID, version, doc string
		var blob []byte
		if err := rows.Scan(&toolID, &version, &doc, &blob); err != nil {
			continue
		}
		m, err := decodeManifestRow(doc, blob)
		if err != nil {
			continue
		}
		manifests[[2]string{toolID, version}] = m
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fault.Wrap(fault.Internal, op, err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fault.Wrap(fault.Internal, op, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM manifest_tags`); err != nil {
		return fault.Wrap(fault.Internal, op, err)
	}
	if s.vectorExt {
		if _, err := tx.Exec(`DELETE FROM vec_manifests`); err != nil {
			return fault.Wrap(fault.Internal, op, err)
		}
	}

	for key, m := range manifests {
		for _, tag := range m.Tags {
			if _, err := tx.Exec(`INSERT OR IGNORE INTO manifest_tags (tool_id, version, tag) VALUES (?, ?, ?)`,
				key[0], key[1], tag); err != nil {
				return fault.Wrap(fault.Internal, op, err)
			}
		}
		if s.vectorExt && len(m.Embedding) == s.vecDims {
			if _, err := tx.Exec(`INSERT INTO vec_manifests (embedding, tool_id, version) VALUES (?, ?, ?)`,
				encodeEmbeddingBlob(m.Embedding), key[0], key[1]); err != nil {
				return fault.Wrap(fault.Internal, op, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fault.Wrap(fault.Internal, op, err)
	}
	logging.Store("Rebuilt tag and vec indexes: %d manifests", len(manifests))
	return nil
}

// upsertVecEntry replaces the ANN row for a manifest. Embeddings whose size
// differs from the index dimensionality are skipped; the brute-force path
// still serves them.
func (s *Store) upsertVecEntry(tx *sql.Tx, toolID, version string, embedding []float32) error {
	var rowid int64
	err := tx.QueryRow(`SELECT rowid FROM vec_manifests WHERE tool_id = ? AND version = ?`, toolID, version).Scan(&rowid)
	switch {
	case err == nil:
		if _, err := tx.Exec(`DELETE FROM vec_manifests WHERE rowid = ?`, rowid); err != nil {
			return err
		}
	case err != sql.ErrNoRows:
		return err
	}

	if len(embedding) != s.vecDims {
		return nil
	}
	_, err = tx.Exec(`INSERT INTO vec_manifests (embedding, tool_id, version) VALUES (?, ?, ?)`,
		encodeEmbeddingBlob(embedding), toolID, version)
	return err
}

// marshalManifestDoc serializes a manifest without its embedding; the blob
// column is authoritative for vectors.
func marshalManifestDoc(m *forge.ToolManifest) ([]byte, error) {
	if len(m.Embedding) == 0 {
		return json.Marshal(m)
	}
	clone := m.Clone()
	clone.Embedding = nil
	return json.Marshal(clone)
}

// decodeManifestRow rebuilds a manifest from its doc and embedding columns.
func decodeManifestRow(doc string, blob []byte) (*forge.ToolManifest, error) {
	var m forge.ToolManifest
	if err := json.Unmarshal([]byte(doc), &m); err != nil {
		return nil, fmt.Errorf("corrupt manifest doc: %w", err)
	}
	if len(blob) > 0 {
		m.Embedding = decodeEmbeddingBlob(blob)
	}
	return &m, nil
}
