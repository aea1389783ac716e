package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"toolforge/internal/fault"
	"toolforge/internal/forge"
	"toolforge/internal/logging"
	"toolforge/internal/vector"
)

// PutVariant inserts or replaces an artifact variant. The embedding lives in
// its own column; the doc holds everything else.
func (s *Store) PutVariant(v *forge.ArtifactVariant) error {
	const op = "store.PutVariant"

	if v.VariantID == "" {
		return fault.New(fault.InvalidInput, op, "variant_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	embedding := v.Embedding
	stripped := *v
	stripped.Embedding = nil
	doc, err := json.Marshal(&stripped)
	if err != nil {
		return fault.Wrap(fault.Internal, op, err)
	}

	createdAt := v.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var lastUsed interface{}
	if !v.LastUsedAt.IsZero() {
		lastUsed = v.LastUsedAt.UTC()
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO variants
		(variant_id, tool_id, version, parent_id, status, cluster_id, doc, embedding, use_count, created_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.VariantID, v.ToolID, v.Version, v.ParentID, string(v.Status), v.ClusterID,
		string(doc), encodeEmbeddingBlob(embedding), v.UseCount, createdAt.UTC(), lastUsed,
	)
	if err != nil {
		return fault.Wrap(fault.Internal, op, err)
	}

	logging.StoreDebug("Stored variant %s (tool=%s, cluster=%s, status=%s)",
		v.VariantID, v.ToolID, v.ClusterID, v.Status)
	return nil
}

// GetVariant returns a variant by id.
func (s *Store) GetVariant(variantID string) (*forge.ArtifactVariant, error) {
	const op = "store.GetVariant"

	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT doc, embedding, use_count, last_used_at FROM variants WHERE variant_id = ?`, variantID)
	v, err := scanVariant(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fault.New(fault.NotFound, op, "variant %s not found", variantID)
		}
		return nil, fault.Wrap(fault.Internal, op, err)
	}
	return v, nil
}

// ListVariants returns all variants for a tool, oldest first so lineage reads
// naturally. An empty toolID lists everything.
func (s *Store) ListVariants(toolID string) ([]*forge.ArtifactVariant, error) {
	const op = "store.ListVariants"

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT doc, embedding, use_count, last_used_at FROM variants`
	var args []interface{}
	if toolID != "" {
		query += ` WHERE tool_id = ?`
		args = append(args, toolID)
	}
	query += ` ORDER BY created_at ASC, variant_id ASC`

	return s.queryVariants(op, query, args...)
}

// ListClusterVariants returns the variants assigned to a cluster.
func (s *Store) ListClusterVariants(clusterID string) ([]*forge.ArtifactVariant, error) {
	const op = "store.ListClusterVariants"

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryVariants(op,
		`SELECT doc, embedding, use_count, last_used_at FROM variants WHERE cluster_id = ? ORDER BY created_at ASC, variant_id ASC`,
		clusterID)
}

// UnclusteredVariants returns active variants not yet assigned to any cluster.
func (s *Store) UnclusteredVariants() ([]*forge.ArtifactVariant, error) {
	const op = "store.UnclusteredVariants"

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryVariants(op,
		`SELECT doc, embedding, use_count, last_used_at FROM variants
		 WHERE (cluster_id IS NULL OR cluster_id = '') AND status != 'archived'
		 ORDER BY created_at ASC, variant_id ASC`)
}

// TouchVariant bumps use_count and last_used_at for usage-based trim policy.
func (s *Store) TouchVariant(variantID string) error {
	const op = "store.TouchVariant"

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE variants SET use_count = use_count + 1, last_used_at = CURRENT_TIMESTAMP
		WHERE variant_id = ?`, variantID)
	if err != nil {
		return fault.Wrap(fault.Internal, op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.New(fault.NotFound, op, "variant %s not found", variantID)
	}
	return nil
}

// DeleteVariant removes a trimmed variant permanently.
func (s *Store) DeleteVariant(variantID string) error {
	const op = "store.DeleteVariant"

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM variants WHERE variant_id = ?`, variantID)
	if err != nil {
		return fault.Wrap(fault.Internal, op, err)
	}
	logging.StoreDebug("Deleted variant %s", variantID)
	return nil
}

// SimilarVariants ranks a tool's variants by cosine similarity to the query
// embedding. Used for cluster assignment.
func (s *Store) SimilarVariants(toolID string, embedding []float32, limit int) ([]*forge.ArtifactVariant, []float64, error) {
	variants, err := s.ListVariants(toolID)
	if err != nil {
		return nil, nil, err
	}

	corpus := make([][]float32, len(variants))
	for i, v := range variants {
		corpus[i] = v.Embedding
	}
	results := vector.FindTopK(embedding, corpus, limit)

	outV := make([]*forge.ArtifactVariant, 0, len(results))
	outS := make([]float64, 0, len(results))
	for _, r := range results {
		outV = append(outV, variants[r.Index])
		outS = append(outS, r.Similarity)
	}
	return outV, outS, nil
}

// PutCluster inserts or replaces a cluster document.
func (s *Store) PutCluster(c *forge.OptimizationCluster) error {
	const op = "store.PutCluster"

	if c.ClusterID == "" {
		return fault.New(fault.InvalidInput, op, "cluster_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := json.Marshal(c)
	if err != nil {
		return fault.Wrap(fault.Internal, op, err)
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO clusters (cluster_id, canonical_id, doc, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)`,
		c.ClusterID, c.CanonicalID, string(doc))
	if err != nil {
		return fault.Wrap(fault.Internal, op, err)
	}

	logging.StoreDebug("Stored cluster %s (canonical=%s, members=%d)", c.ClusterID, c.CanonicalID, len(c.MemberIDs))
	return nil
}

// GetCluster returns a cluster by id.
func (s *Store) GetCluster(clusterID string) (*forge.OptimizationCluster, error) {
	const op = "store.GetCluster"

	s.mu.RLock()
	defer s.mu.RUnlock()

	var doc string
	err := s.db.QueryRow(`SELECT doc FROM clusters WHERE cluster_id = ?`, clusterID).Scan(&doc)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fault.New(fault.NotFound, op, "cluster %s not found", clusterID)
		}
		return nil, fault.Wrap(fault.Internal, op, err)
	}

	var c forge.OptimizationCluster
	if err := json.Unmarshal([]byte(doc), &c); err != nil {
		return nil, fault.Wrap(fault.Internal, op, err)
	}
	return &c, nil
}

// ListClusters returns all clusters.
func (s *Store) ListClusters() ([]*forge.OptimizationCluster, error) {
	const op = "store.ListClusters"

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT doc FROM clusters ORDER BY cluster_id ASC`)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, op, err)
	}
	defer rows.Close()

	var clusters []*forge.OptimizationCluster
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			continue
		}
		var c forge.OptimizationCluster
		if err := json.Unmarshal([]byte(doc), &c); err != nil {
			logging.Get(logging.CategoryStore).Warn("Corrupt cluster doc: %v", err)
			continue
		}
		clusters = append(clusters, &c)
	}
	return clusters, rows.Err()
}

// DeleteCluster removes a cluster document.
func (s *Store) DeleteCluster(clusterID string) error {
	const op = "store.DeleteCluster"

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM clusters WHERE cluster_id = ?`, clusterID)
	if err != nil {
		return fault.Wrap(fault.Internal, op, err)
	}
	return nil
}

func (s *Store) queryVariants(op, query string, args ...interface{}) ([]*forge.ArtifactVariant, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, op, err)
	}
	defer rows.Close()

	var variants []*forge.ArtifactVariant
	for rows.Next() {
		v, err := scanVariant(rows.Scan)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("Failed to scan variant row: %v", err)
			continue
		}
		variants = append(variants, v)
	}
	return variants, rows.Err()
}

func scanVariant(scan func(...interface{}) error) (*forge.ArtifactVariant, error) {
	var doc string
	var blob []byte
	var useCount int64
	var lastUsed sql.NullTime
	if err := scan(&doc, &blob, &useCount, &lastUsed); err != nil {
		return nil, err
	}

	var v forge.ArtifactVariant
	if err := json.Unmarshal([]byte(doc), &v); err != nil {
		return nil, err
	}
	v.Embedding = decodeEmbeddingBlob(blob)
	// use_count and last_used_at are authoritative in their columns since
	// TouchVariant bypasses the doc.
	v.UseCount = useCount
	if lastUsed.Valid {
		v.LastUsedAt = lastUsed.Time.UTC()
	}
	return &v, nil
}
