package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/crisisloop/triage/internal/model"
)

const clusterSelectBase = `SELECT c.id, c.workspace_id, c.topic, c.summary,
	 c.urgency, c.urgency_reasoning, c.impact, c.impact_reasoning,
	 c.risk, c.risk_reasoning, c.promoted, c.version, c.created_at, c.updated_at,
	 (SELECT COALESCE(array_agg(cs.signal_id ORDER BY cs.added_at), '{}') FROM cluster_signals cs WHERE cs.cluster_id = c.id)
	 FROM clusters c`

func scanClusterRows(rows pgx.Rows) ([]model.Cluster, error) {
	var clusters []model.Cluster
	for rows.Next() {
		var c model.Cluster
		if err := rows.Scan(
			&c.ID, &c.WorkspaceID, &c.Topic, &c.Summary,
			&c.Priority.Urgency, &c.Priority.UrgencyReasoning,
			&c.Priority.Impact, &c.Priority.ImpactReasoning,
			&c.Priority.Risk, &c.Priority.RiskReasoning,
			&c.Promoted, &c.Version, &c.CreatedAt, &c.UpdatedAt,
			&c.SignalIDs,
		); err != nil {
			return nil, fmt.Errorf("storage: scan cluster: %w", err)
		}
		clusters = append(clusters, c)
	}
	return clusters, rows.Err()
}

// CreateCluster persists a new cluster with its seed summary and priority.
// The composite column is maintained in SQL from the component scores so
// sort-by-priority queries never depend on application code running.
func (db *DB) CreateCluster(ctx context.Context, c model.Cluster) (model.Cluster, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.Priority = c.Priority.Clamp()
	err := db.pool.QueryRow(ctx,
		`INSERT INTO clusters (id, workspace_id, topic, summary,
		     urgency, urgency_reasoning, impact, impact_reasoning, risk, risk_reasoning)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING version, created_at, updated_at`,
		c.ID, c.WorkspaceID, c.Topic, c.Summary,
		c.Priority.Urgency, c.Priority.UrgencyReasoning,
		c.Priority.Impact, c.Priority.ImpactReasoning,
		c.Priority.Risk, c.Priority.RiskReasoning,
	).Scan(&c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return model.Cluster{}, fmt.Errorf("storage: create cluster: %w", err)
	}
	return c, nil
}

// GetCluster retrieves a cluster with its member signal ids.
func (db *DB) GetCluster(ctx context.Context, id uuid.UUID) (*model.Cluster, error) {
	rows, err := db.pool.Query(ctx, clusterSelectBase+` WHERE c.id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("storage: get cluster: %w", err)
	}
	defer rows.Close()

	clusters, err := scanClusterRows(rows)
	if err != nil {
		return nil, err
	}
	if len(clusters) == 0 {
		return nil, ErrNotFound
	}
	return &clusters[0], nil
}

// ListClusters returns a workspace's clusters ordered by composite
// priority, highest first.
func (db *DB) ListClusters(ctx context.Context, workspaceID string) ([]model.Cluster, error) {
	rows, err := db.pool.Query(ctx,
		clusterSelectBase+` WHERE c.workspace_id = $1 ORDER BY c.composite DESC, c.created_at ASC`,
		workspaceID)
	if err != nil {
		return nil, fmt.Errorf("storage: list clusters: %w", err)
	}
	defer rows.Close()

	return scanClusterRows(rows)
}

// AddSignalToCluster records membership. Re-adding an existing member is
// a no-op, so replayed assignments converge instead of erroring.
func (db *DB) AddSignalToCluster(ctx context.Context, clusterID, signalID uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO cluster_signals (cluster_id, signal_id)
		 VALUES ($1, $2)
		 ON CONFLICT (cluster_id, signal_id) DO NOTHING`,
		clusterID, signalID)
	if err != nil {
		return fmt.Errorf("storage: add signal to cluster: %w", err)
	}
	return nil
}

// UpdateClusterSummary writes a regenerated topic and summary, guarded by
// the version the caller read. A stale version returns ErrVersionConflict
// so the caller can re-read and regenerate.
func (db *DB) UpdateClusterSummary(ctx context.Context, id uuid.UUID, version int64, topic, summary string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE clusters
		 SET topic = $3, summary = $4, version = version + 1, updated_at = now()
		 WHERE id = $1 AND version = $2`,
		id, version, topic, summary)
	if err != nil {
		return fmt.Errorf("storage: update cluster summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.clusterWriteMiss(ctx, id)
	}
	return nil
}

// UpdateClusterPriority writes regenerated priority scores under the same
// version guard as UpdateClusterSummary.
func (db *DB) UpdateClusterPriority(ctx context.Context, id uuid.UUID, version int64, p model.PriorityScores) error {
	p = p.Clamp()
	tag, err := db.pool.Exec(ctx,
		`UPDATE clusters
		 SET urgency = $3, urgency_reasoning = $4,
		     impact = $5, impact_reasoning = $6,
		     risk = $7, risk_reasoning = $8,
		     version = version + 1, updated_at = now()
		 WHERE id = $1 AND version = $2`,
		id, version,
		p.Urgency, p.UrgencyReasoning, p.Impact, p.ImpactReasoning, p.Risk, p.RiskReasoning)
	if err != nil {
		return fmt.Errorf("storage: update cluster priority: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.clusterWriteMiss(ctx, id)
	}
	return nil
}

// SetClusterPromoted flips the incident-promotion flag. Promotion is not
// version-guarded; it is a monotonic operator action, not a regeneration.
func (db *DB) SetClusterPromoted(ctx context.Context, id uuid.UUID, promoted bool) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE clusters SET promoted = $2, updated_at = now() WHERE id = $1`,
		id, promoted)
	if err != nil {
		return fmt.Errorf("storage: set cluster promoted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ClustersForSignals returns the clusters containing any of the given
// signals. Used to build the candidate set from index hits.
func (db *DB) ClustersForSignals(ctx context.Context, signalIDs []uuid.UUID) ([]model.Cluster, error) {
	if len(signalIDs) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		clusterSelectBase+` WHERE c.id IN (
		     SELECT DISTINCT cluster_id FROM cluster_signals WHERE signal_id = ANY($1))`,
		signalIDs)
	if err != nil {
		return nil, fmt.Errorf("storage: clusters for signals: %w", err)
	}
	defer rows.Close()

	return scanClusterRows(rows)
}

// clusterWriteMiss distinguishes a missing cluster from a stale version
// after a zero-row guarded update.
func (db *DB) clusterWriteMiss(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM clusters WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("storage: cluster write miss check: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrVersionConflict
}
