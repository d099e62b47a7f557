package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/crisisloop/triage/internal/model"
)

// signalSelectBase includes an aggregated membership column so a signal's
// cluster back-references come back in one round trip.
const signalSelectBase = `SELECT s.id, s.workspace_id, s.channel_id, s.content,
	 s.is_duplicate, s.duplicate_of, s.has_conflict, s.conflict_ids,
	 s.embedding, s.created_at,
	 (SELECT COALESCE(array_agg(cs.cluster_id), '{}') FROM cluster_signals cs WHERE cs.signal_id = s.id)
	 FROM signals s`

func scanSignalRows(rows pgx.Rows) ([]model.Signal, error) {
	var signals []model.Signal
	for rows.Next() {
		var s model.Signal
		if err := rows.Scan(
			&s.ID, &s.WorkspaceID, &s.ChannelID, &s.Content,
			&s.IsDuplicate, &s.DuplicateOf, &s.HasConflict, &s.ConflictIDs,
			&s.Embedding, &s.CreatedAt,
			&s.ClusterIDs,
		); err != nil {
			return nil, fmt.Errorf("storage: scan signal: %w", err)
		}
		signals = append(signals, s)
	}
	return signals, rows.Err()
}

// CreateSignal persists a new signal. The id may be pre-set by the caller;
// a zero id is generated server-side.
func (db *DB) CreateSignal(ctx context.Context, s model.Signal) (model.Signal, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO signals (id, workspace_id, channel_id, content, embedding)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at`,
		s.ID, s.WorkspaceID, s.ChannelID, s.Content, s.Embedding,
	).Scan(&s.CreatedAt)
	if err != nil {
		return model.Signal{}, fmt.Errorf("storage: create signal: %w", err)
	}
	return s, nil
}

// GetSignal retrieves a single signal with its cluster memberships.
func (db *DB) GetSignal(ctx context.Context, id uuid.UUID) (*model.Signal, error) {
	rows, err := db.pool.Query(ctx, signalSelectBase+` WHERE s.id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("storage: get signal: %w", err)
	}
	defer rows.Close()

	signals, err := scanSignalRows(rows)
	if err != nil {
		return nil, err
	}
	if len(signals) == 0 {
		return nil, ErrNotFound
	}
	return &signals[0], nil
}

// GetSignalsByIDs retrieves a batch of signals keyed by id. Missing ids
// are simply absent from the map; hydration callers tolerate deletions
// that happened between an index query and this lookup.
func (db *DB) GetSignalsByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]model.Signal, error) {
	if len(ids) == 0 {
		return map[uuid.UUID]model.Signal{}, nil
	}
	rows, err := db.pool.Query(ctx, signalSelectBase+` WHERE s.id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("storage: get signals by ids: %w", err)
	}
	defer rows.Close()

	signals, err := scanSignalRows(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]model.Signal, len(signals))
	for _, s := range signals {
		out[s.ID] = s
	}
	return out, nil
}

// ListSignalsByCluster returns all current members of a cluster in
// ingestion order.
func (db *DB) ListSignalsByCluster(ctx context.Context, clusterID uuid.UUID) ([]model.Signal, error) {
	rows, err := db.pool.Query(ctx,
		signalSelectBase+` JOIN cluster_signals m ON m.signal_id = s.id
		 WHERE m.cluster_id = $1
		 ORDER BY s.created_at ASC`, clusterID)
	if err != nil {
		return nil, fmt.Errorf("storage: list signals by cluster: %w", err)
	}
	defer rows.Close()

	return scanSignalRows(rows)
}

// ListDuplicatesOf returns the signals currently marked as duplicates of
// the given canonical signal.
func (db *DB) ListDuplicatesOf(ctx context.Context, canonicalID uuid.UUID) ([]model.Signal, error) {
	rows, err := db.pool.Query(ctx,
		signalSelectBase+` WHERE s.duplicate_of = $1 ORDER BY s.created_at ASC`, canonicalID)
	if err != nil {
		return nil, fmt.Errorf("storage: list duplicates of: %w", err)
	}
	defer rows.Close()

	return scanSignalRows(rows)
}

// UpdateSignalFlags applies a partial update to a signal's duplicate and
// conflict flags. Nil patch fields are left untouched.
func (db *DB) UpdateSignalFlags(ctx context.Context, id uuid.UUID, patch model.SignalFlagPatch) error {
	set := ""
	args := []any{id}
	n := 2

	appendSet := func(clause string, val any) {
		if set != "" {
			set += ", "
		}
		set += fmt.Sprintf(clause, n)
		args = append(args, val)
		n++
	}

	if patch.IsDuplicate != nil {
		appendSet("is_duplicate = $%d", *patch.IsDuplicate)
	}
	if patch.DuplicateOf != nil {
		appendSet("duplicate_of = $%d", *patch.DuplicateOf)
	} else if patch.IsDuplicate != nil && !*patch.IsDuplicate {
		// Clearing the duplicate flag also clears the canonical pointer.
		if set != "" {
			set += ", "
		}
		set += "duplicate_of = NULL"
	}
	if patch.HasConflict != nil {
		appendSet("has_conflict = $%d", *patch.HasConflict)
	}
	if patch.AddConflictID != nil {
		appendSet(`conflict_ids = CASE WHEN $%[1]d = ANY(conflict_ids) THEN conflict_ids
			 ELSE array_append(conflict_ids, $%[1]d) END`, *patch.AddConflictID)
	}

	if set == "" {
		return nil
	}

	// Concurrent detections flag overlapping signal sets; deadlocks here
	// are transient.
	return WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		tag, err := db.pool.Exec(ctx, `UPDATE signals SET `+set+` WHERE id = $1`, args...)
		if err != nil {
			return fmt.Errorf("storage: update signal flags: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SetSignalEmbedding backfills the stored vector for a signal whose
// embedding was generated after ingest.
func (db *DB) SetSignalEmbedding(ctx context.Context, id uuid.UUID, embedding *pgvector.Vector) error {
	tag, err := db.pool.Exec(ctx, `UPDATE signals SET embedding = $2 WHERE id = $1`, id, embedding)
	if err != nil {
		return fmt.Errorf("storage: set signal embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DuplicateAction records what a facilitator did to a pipeline verdict.
type DuplicateAction string

const (
	DuplicateActionConfirm DuplicateAction = "confirm"
	DuplicateActionReject  DuplicateAction = "reject"
)

// DuplicateOverride is one facilitator intervention on a duplicate pair.
// Overrides are an audit trail; they do not feed back into threshold
// tuning inside the triage core.
type DuplicateOverride struct {
	ID          uuid.UUID
	SignalID    uuid.UUID
	CanonicalID uuid.UUID
	Action      DuplicateAction
	Actor       string
	Note        string
}

// RecordDuplicateOverride persists a facilitator override.
func (db *DB) RecordDuplicateOverride(ctx context.Context, o DuplicateOverride) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO duplicate_overrides (id, signal_id, canonical_id, action, actor, note)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		o.ID, o.SignalID, o.CanonicalID, string(o.Action), o.Actor, o.Note)
	if err != nil {
		return fmt.Errorf("storage: record duplicate override: %w", err)
	}
	return nil
}

// ListDuplicateOverrides returns the override history for one signal,
// newest first.
func (db *DB) ListDuplicateOverrides(ctx context.Context, signalID uuid.UUID) ([]DuplicateOverride, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, signal_id, canonical_id, action, actor, note
		 FROM duplicate_overrides WHERE signal_id = $1 ORDER BY created_at DESC`, signalID)
	if err != nil {
		return nil, fmt.Errorf("storage: list duplicate overrides: %w", err)
	}
	defer rows.Close()

	var out []DuplicateOverride
	for rows.Next() {
		var o DuplicateOverride
		var action string
		if err := rows.Scan(&o.ID, &o.SignalID, &o.CanonicalID, &action, &o.Actor, &o.Note); err != nil {
			return nil, fmt.Errorf("storage: scan duplicate override: %w", err)
		}
		o.Action = DuplicateAction(action)
		out = append(out, o)
	}
	return out, rows.Err()
}

// IsNotFound reports whether err is the storage not-found sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
