package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/crisisloop/triage/internal/model"
)

const conflictSelectBase = `SELECT id, cluster_id, signal_ids, field, severity, description,
	 asserted_values, resolved, resolution_type, canonical_value, resolved_by, resolved_at, detected_at
	 FROM conflict_records`

// assertedValues is the jsonb shape of ConflictRecord.Values; jsonb keys
// are strings, so the uuid keys round-trip through their text form.
type assertedValues map[string]string

func encodeValues(values map[uuid.UUID]string) assertedValues {
	out := make(assertedValues, len(values))
	for id, v := range values {
		out[id.String()] = v
	}
	return out
}

func decodeValues(raw assertedValues) (map[uuid.UUID]string, error) {
	out := make(map[uuid.UUID]string, len(raw))
	for k, v := range raw {
		id, err := uuid.Parse(k)
		if err != nil {
			return nil, fmt.Errorf("storage: asserted value key %q: %w", k, err)
		}
		out[id] = v
	}
	return out, nil
}

func scanConflictRows(rows pgx.Rows) ([]model.ConflictRecord, error) {
	var records []model.ConflictRecord
	for rows.Next() {
		var (
			rec      model.ConflictRecord
			severity string
			raw      assertedValues
			resType  *string
			canon    *string
			by       *string
			at       *time.Time
		)
		if err := rows.Scan(
			&rec.ID, &rec.ClusterID, &rec.SignalIDs, &rec.Field, &severity, &rec.Description,
			&raw, &rec.Resolved, &resType, &canon, &by, &at, &rec.DetectedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan conflict: %w", err)
		}
		rec.Severity = model.Severity(severity)
		values, err := decodeValues(raw)
		if err != nil {
			return nil, err
		}
		rec.Values = values
		if rec.Resolved && resType != nil {
			rec.Resolution = &model.Resolution{
				Type: model.ResolutionType(*resType),
			}
			if canon != nil {
				rec.Resolution.CanonicalValue = *canon
			}
			if by != nil {
				rec.Resolution.ResolvedBy = *by
			}
			if at != nil {
				rec.Resolution.ResolvedAt = *at
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CreateConflict persists a detected contradiction.
func (db *DB) CreateConflict(ctx context.Context, rec model.ConflictRecord) (model.ConflictRecord, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO conflict_records (id, cluster_id, signal_ids, field, severity, description, asserted_values)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING detected_at`,
		rec.ID, rec.ClusterID, rec.SignalIDs, rec.Field, string(rec.Severity),
		rec.Description, encodeValues(rec.Values),
	).Scan(&rec.DetectedAt)
	if err != nil {
		return model.ConflictRecord{}, fmt.Errorf("storage: create conflict: %w", err)
	}
	return rec, nil
}

// GetConflict retrieves one conflict record.
func (db *DB) GetConflict(ctx context.Context, id uuid.UUID) (*model.ConflictRecord, error) {
	rows, err := db.pool.Query(ctx, conflictSelectBase+` WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("storage: get conflict: %w", err)
	}
	defer rows.Close()

	records, err := scanConflictRows(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return &records[0], nil
}

// ListConflictsByCluster returns a cluster's conflicts, unresolved first,
// newest within each group.
func (db *DB) ListConflictsByCluster(ctx context.Context, clusterID uuid.UUID) ([]model.ConflictRecord, error) {
	rows, err := db.pool.Query(ctx,
		conflictSelectBase+` WHERE cluster_id = $1 ORDER BY resolved ASC, detected_at DESC`,
		clusterID)
	if err != nil {
		return nil, fmt.Errorf("storage: list conflicts: %w", err)
	}
	defer rows.Close()

	return scanConflictRows(rows)
}

// ResolveConflict records a resolution. The transition is one-way in SQL:
// an already-resolved record matches zero rows, and the caller gets
// ErrAlreadyResolved instead of a second resolution being written.
func (db *DB) ResolveConflict(ctx context.Context, id uuid.UUID, res model.Resolution) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE conflict_records
		 SET resolved = TRUE, resolution_type = $2, canonical_value = $3,
		     resolved_by = $4, resolved_at = now()
		 WHERE id = $1 AND resolved = FALSE`,
		id, string(res.Type), res.CanonicalValue, res.ResolvedBy)
	if err != nil {
		return fmt.Errorf("storage: resolve conflict: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := db.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM conflict_records WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("storage: resolve conflict check: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrAlreadyResolved
	}
	return nil
}

// ListUnresolvedConflicts returns every open conflict across a workspace,
// oldest first, for the facilitator review queue.
func (db *DB) ListUnresolvedConflicts(ctx context.Context, workspaceID string) ([]model.ConflictRecord, error) {
	rows, err := db.pool.Query(ctx,
		conflictSelectBase+` WHERE resolved = FALSE AND cluster_id IN (
		     SELECT id FROM clusters WHERE workspace_id = $1)
		 ORDER BY detected_at ASC`,
		workspaceID)
	if err != nil {
		return nil, fmt.Errorf("storage: list unresolved conflicts: %w", err)
	}
	defer rows.Close()

	return scanConflictRows(rows)
}
