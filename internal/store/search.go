package store

import (
	"bytes"
	"encoding/binary"
	"math"
	"strings"

	"toolforge/internal/fault"
	"toolforge/internal/forge"
	"toolforge/internal/logging"
	"toolforge/internal/vector"
)

// SearchHit is one similarity result from the manifest index.
type SearchHit struct {
	ToolID     string
	Version    string
	Similarity float64
}

// SearchSimilar returns the manifests closest to the query embedding, best
// first. Uses the sqlite-vec index when available, otherwise scans all stored
// embeddings in process. activeOnly drops archived manifests.
func (s *Store) SearchSimilar(embedding []float32, limit int, activeOnly bool) ([]SearchHit, error) {
	const op = "store.SearchSimilar"
	timer := logging.StartTimer(logging.CategoryStore, "SearchSimilar")
	defer timer.Stop()

	if limit <= 0 {
		limit = 5
	}
	if len(embedding) == 0 {
		return nil, fault.New(fault.InvalidInput, op, "empty query embedding")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.vectorExt && len(embedding) == s.vecDims {
		hits, err := s.searchVec(embedding, limit, activeOnly)
		if err == nil {
			return hits, nil
		}
		logging.Get(logging.CategoryStore).Warn("vec search failed, falling back to brute force: %v", err)
	}
	return s.searchBrute(embedding, limit, activeOnly)
}

// searchVec queries the vec0 index with vec_distance_cosine.
func (s *Store) searchVec(embedding []float32, limit int, activeOnly bool) ([]SearchHit, error) {
	// Over-fetch so post-filtering on status still fills the limit.
	fetch := limit * 4

	rows, err := s.db.Query(`
		SELECT tool_id, version, vec_distance_cosine(embedding, ?) AS distance
		FROM vec_manifests
		ORDER BY distance ASC
		LIMIT ?`, encodeEmbeddingBlob(embedding), fetch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var hit SearchHit
		var distance float64
		if err := rows.Scan(&hit.ToolID, &hit.Version, &distance); err != nil {
			continue
		}
		// Cosine distance is 1 - similarity.
		hit.Similarity = 1.0 - distance
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if activeOnly {
		hits = s.filterActive(hits)
	}
	if len(hits) > limit {
		hits = hits[:limit]
	}
	logging.StoreDebug("vec search returned %d hits", len(hits))
	return hits, nil
}

// searchBrute scans every stored embedding and ranks by cosine similarity.
func (s *Store) searchBrute(embedding []float32, limit int, activeOnly bool) ([]SearchHit, error) {
	query := `SELECT tool_id, version, embedding FROM manifests WHERE embedding_dims > 0`
	if activeOnly {
		query += ` AND status = 'active'`
	}

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys [][2]string
	var corpus [][]float32
	for rows.Next() {
		var toolID, version string
		var blob []byte
		if err := rows.Scan(&toolID, &version, &blob); err != nil {
			continue
		}
		keys = append(keys, [2]string{toolID, version})
		corpus = append(corpus, decodeEmbeddingBlob(blob))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	results := vector.FindTopK(embedding, corpus, limit)
	hits := make([]SearchHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, SearchHit{
			ToolID:     keys[r.Index][0],
			Version:    keys[r.Index][1],
			Similarity: r.Similarity,
		})
	}
	logging.StoreDebug("brute-force search scanned %d embeddings, returned %d hits", len(corpus), len(hits))
	return hits, nil
}

// SearchKeyword is the no-embedding fallback: substring match over name,
// description, and tags. Similarity is a crude token-overlap ratio so results
// still rank.
func (s *Store) SearchKeyword(query string, limit int, activeOnly bool) ([]SearchHit, error) {
	const op = "store.SearchKeyword"

	if limit <= 0 {
		limit = 5
	}
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, fault.New(fault.InvalidInput, op, "empty query")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sqlQuery := `SELECT tool_id, version, doc FROM manifests`
	if activeOnly {
		sqlQuery += ` WHERE status = 'active'`
	}
	rows, err := s.db.Query(sqlQuery)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, op, err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var toolID, version, doc string
		if err := rows.Scan(&toolID, &version, &doc); err != nil {
			continue
		}
		haystack := strings.ToLower(doc)
		matched := 0
		for _, term := range terms {
			if strings.Contains(haystack, term) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		hits = append(hits, SearchHit{
			ToolID:     toolID,
			Version:    version,
			Similarity: float64(matched) / float64(len(terms)),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.Internal, op, err)
	}

	// Sort descending by overlap, stable enough for the small candidate sets
	// this fallback serves.
	for i := 0; i < len(hits) && i < limit; i++ {
		for j := i + 1; j < len(hits); j++ {
			if hits[j].Similarity > hits[i].Similarity {
				hits[i], hits[j] = hits[j], hits[i]
			}
		}
	}
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// filterActive drops hits whose manifest is not active. Caller holds the lock.
func (s *Store) filterActive(hits []SearchHit) []SearchHit {
	out := hits[:0]
	for _, hit := range hits {
		var status string
		err := s.db.QueryRow(`SELECT status FROM manifests WHERE tool_id = ? AND version = ?`,
			hit.ToolID, hit.Version).Scan(&status)
		if err != nil {
			continue
		}
		if forge.ManifestStatus(status) == forge.StatusActive {
			out = append(out, hit)
		}
	}
	return out
}

// encodeEmbeddingBlob encodes a float32 slice as a little-endian blob for
// sqlite-vec and for the manifests.embedding column.
func encodeEmbeddingBlob(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, vec); err != nil {
		return nil
	}
	return buf.Bytes()
}

// decodeEmbeddingBlob is the inverse of encodeEmbeddingBlob.
func decodeEmbeddingBlob(blob []byte) []float32 {
	if len(blob) == 0 || len(blob)%4 != 0 {
		return nil
	}
	out := make([]float32, len(blob)/4)
	for i := range out {
		bits := binary.LittleEndian.Uint32(blob[i*4:])
		out[i] = math.Float32frombits(bits)
	}
	return out
}
