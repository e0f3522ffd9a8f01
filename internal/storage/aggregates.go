package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// --- Scope aggregates ---

// PutAggregate replaces the aggregate for (level, scope) in one statement, so
// readers see either the previous record or the new one.
func (s *Store) PutAggregate(agg ScopeAggregate) error {
	payload, err := json.Marshal(agg)
	if err != nil {
		return fmt.Errorf("encoding aggregate: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO scope_aggregates (level, scope_id, version, digest, run_id, generated_at, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(level, scope_id) DO UPDATE SET
			version = excluded.version,
			digest = excluded.digest,
			run_id = excluded.run_id,
			generated_at = excluded.generated_at,
			payload_json = excluded.payload_json`,
		agg.Level.String(), agg.ScopeID, agg.Version, agg.Digest, agg.RunID, formatTime(agg.GeneratedAt), string(payload),
	)
	if err != nil {
		return fmt.Errorf("writing %s aggregate %s: %w", agg.Level, agg.ScopeID, err)
	}
	return nil
}

// GetAggregate returns the last written aggregate for (level, scope).
func (s *Store) GetAggregate(level Level, scopeID string) (ScopeAggregate, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload_json FROM scope_aggregates WHERE level = ? AND scope_id = ?`,
		level.String(), scopeID).Scan(&payload)
	if err == sql.ErrNoRows {
		return ScopeAggregate{}, ErrNotFound
	}
	if err != nil {
		return ScopeAggregate{}, err
	}
	return decodeAggregate(level, payload)
}

// ListAggregates reads every aggregate of a level in one query, keyed by scope id.
func (s *Store) ListAggregates(level Level) (map[string]ScopeAggregate, error) {
	rows, err := s.db.Query(`SELECT payload_json FROM scope_aggregates WHERE level = ?`, level.String())
	if err != nil {
		return nil, fmt.Errorf("listing %s aggregates: %w", level, err)
	}
	defer rows.Close()

	result := make(map[string]ScopeAggregate)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		agg, err := decodeAggregate(level, payload)
		if err != nil {
			return nil, err
		}
		result[agg.ScopeID] = agg
	}
	return result, rows.Err()
}

func decodeAggregate(level Level, payload string) (ScopeAggregate, error) {
	var agg ScopeAggregate
	if err := json.Unmarshal([]byte(payload), &agg); err != nil {
		return ScopeAggregate{}, fmt.Errorf("decoding %s aggregate: %w", level, err)
	}
	agg.Level = level
	return agg, nil
}
