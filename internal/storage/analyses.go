package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// --- Unit analyses ---

// SaveUnitAnalysis writes an immutable analysis. Writing the same
// (unit, fingerprint) again is a no-op, so racing analyzers converge.
func (s *Store) SaveUnitAnalysis(a UnitAnalysis) error {
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encoding analysis: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO unit_analyses (unit_id, fingerprint, person_id, model, analyzer_version, revision, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(unit_id, fingerprint) DO NOTHING`,
		a.UnitID, a.Fingerprint, a.PersonID, a.Model, a.AnalyzerVersion, a.Revision, string(payload), formatTime(created),
	)
	if err != nil {
		return fmt.Errorf("saving analysis for unit %s: %w", a.UnitID, err)
	}
	return nil
}

// GetUnitAnalysis loads the analysis of a unit at a given fingerprint.
func (s *Store) GetUnitAnalysis(unitID, fingerprint string) (UnitAnalysis, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload_json FROM unit_analyses WHERE unit_id = ? AND fingerprint = ?`,
		unitID, fingerprint).Scan(&payload)
	if err == sql.ErrNoRows {
		return UnitAnalysis{}, ErrNotFound
	}
	if err != nil {
		return UnitAnalysis{}, err
	}
	var a UnitAnalysis
	if err := json.Unmarshal([]byte(payload), &a); err != nil {
		return UnitAnalysis{}, fmt.Errorf("decoding analysis for unit %s: %w", unitID, err)
	}
	return a, nil
}

// ListUnitAnalyses returns every stored analysis of the given units, keyed by
// unit id. Superseded analyses are included; callers pick the one matching
// the unit's current fingerprint.
func (s *Store) ListUnitAnalyses(unitIDs []string) (map[string][]UnitAnalysis, error) {
	result := make(map[string][]UnitAnalysis, len(unitIDs))
	// Chunk to stay under SQLite's host parameter limit.
	const chunk = 500
	for start := 0; start < len(unitIDs); start += chunk {
		end := min(start+chunk, len(unitIDs))
		ids := unitIDs[start:end]
		args := make([]any, len(ids))
		for i, id := range ids {
			args[i] = id
		}
		rows, err := s.db.Query(`SELECT unit_id, payload_json FROM unit_analyses
			WHERE unit_id IN (`+placeholders(len(ids))+`) ORDER BY unit_id, created_at`, args...)
		if err != nil {
			return nil, fmt.Errorf("listing analyses: %w", err)
		}
		for rows.Next() {
			var unitID, payload string
			if err := rows.Scan(&unitID, &payload); err != nil {
				rows.Close()
				return nil, err
			}
			var a UnitAnalysis
			if err := json.Unmarshal([]byte(payload), &a); err != nil {
				rows.Close()
				return nil, fmt.Errorf("decoding analysis for unit %s: %w", unitID, err)
			}
			result[unitID] = append(result[unitID], a)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// --- Fingerprint cache ---

// CacheGet returns the cached payload for a key, or ok=false on a miss.
func (s *Store) CacheGet(scope, model, fingerprint string) ([]byte, bool, error) {
	var payload []byte
	err := s.db.QueryRow(`SELECT payload FROM fingerprint_cache WHERE scope = ? AND model = ? AND fingerprint = ?`,
		scope, model, fingerprint).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading cache entry: %w", err)
	}
	return payload, true, nil
}

// CachePut stores a payload if the key is absent. An identical payload under
// an existing key is a no-op; a different one returns ErrConflict and leaves
// the stored entry untouched.
func (s *Store) CachePut(scope, model, fingerprint string, payload []byte) error {
	res, err := s.db.Exec(`
		INSERT INTO fingerprint_cache (scope, model, fingerprint, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(scope, model, fingerprint) DO NOTHING`,
		scope, model, fingerprint, payload, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	existing, ok, err := s.CacheGet(scope, model, fingerprint)
	if err != nil {
		return err
	}
	if ok && string(existing) != string(payload) {
		return ErrConflict
	}
	return nil
}

// PruneCache deletes cache entries created before the cutoff and reports how
// many were removed. Only the retention sweep calls this.
func (s *Store) PruneCache(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM fingerprint_cache WHERE created_at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("pruning cache: %w", err)
	}
	return res.RowsAffected()
}
