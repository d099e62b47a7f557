// Package priority keeps cluster scores current for the response queue.
// The oracle rates urgency, impact, and risk independently; the
// composite is a fixed-weight formula computed here, never by the model,
// so identical component scores always rank identically.
package priority

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/crisisloop/triage/internal/model"
	"github.com/crisisloop/triage/internal/oracle"
	"github.com/crisisloop/triage/internal/storage"
)

// rescoreAttempts bounds re-reads when a concurrent write bumps the
// cluster version mid-rescore.
const rescoreAttempts = 3

// Store is the persistence surface the scorer needs.
type Store interface {
	GetCluster(ctx context.Context, id uuid.UUID) (*model.Cluster, error)
	ListSignalsByCluster(ctx context.Context, clusterID uuid.UUID) ([]model.Signal, error)
	UpdateClusterPriority(ctx context.Context, id uuid.UUID, version int64, p model.PriorityScores) error
	SetClusterPromoted(ctx context.Context, id uuid.UUID, promoted bool) error
}

// Oracle is the judgment surface the scorer needs.
type Oracle interface {
	ScorePriority(ctx context.Context, digest oracle.ClusterDigest, signals []oracle.SignalText) (model.PriorityScores, error)
}

// Scorer rescores and promotes clusters.
type Scorer struct {
	store  Store
	oracle Oracle
	logger *slog.Logger
}

// New creates a priority scorer.
func New(store Store, o Oracle, logger *slog.Logger) *Scorer {
	return &Scorer{store: store, oracle: o, logger: logger}
}

// Rescore recomputes a cluster's priority from its current digest and
// membership. The write is version-guarded; losing the race means the
// membership changed underneath us, so re-read and rescore.
func (s *Scorer) Rescore(ctx context.Context, clusterID uuid.UUID) (model.PriorityScores, error) {
	var lastErr error
	for attempt := 0; attempt < rescoreAttempts; attempt++ {
		cluster, err := s.store.GetCluster(ctx, clusterID)
		if err != nil {
			return model.PriorityScores{}, fmt.Errorf("priority: load cluster: %w", err)
		}
		members, err := s.store.ListSignalsByCluster(ctx, clusterID)
		if err != nil {
			return model.PriorityScores{}, fmt.Errorf("priority: list members: %w", err)
		}

		texts := make([]oracle.SignalText, len(members))
		for i, m := range members {
			texts[i] = oracle.SignalText{ID: m.ID, Content: m.Content, CreatedAt: m.CreatedAt}
		}

		scores, err := s.oracle.ScorePriority(ctx,
			oracle.ClusterDigest{Topic: cluster.Topic, Summary: cluster.Summary}, texts)
		if err != nil {
			return model.PriorityScores{}, fmt.Errorf("priority: score: %w", err)
		}

		err = s.store.UpdateClusterPriority(ctx, clusterID, cluster.Version, scores)
		if errors.Is(err, storage.ErrVersionConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return model.PriorityScores{}, fmt.Errorf("priority: write: %w", err)
		}

		s.logger.Info("priority: rescored", "cluster_id", clusterID,
			"urgency", scores.Urgency, "impact", scores.Impact, "risk", scores.Risk,
			"composite", scores.Composite())
		return scores, nil
	}
	return model.PriorityScores{}, fmt.Errorf("priority: rescore cluster %s: %w", clusterID, lastErr)
}

// Promote flags a cluster as an active incident.
func (s *Scorer) Promote(ctx context.Context, clusterID uuid.UUID) error {
	if err := s.store.SetClusterPromoted(ctx, clusterID, true); err != nil {
		return fmt.Errorf("priority: promote: %w", err)
	}
	return nil
}

// Demote returns a promoted cluster to the ordinary queue.
func (s *Scorer) Demote(ctx context.Context, clusterID uuid.UUID) error {
	if err := s.store.SetClusterPromoted(ctx, clusterID, false); err != nil {
		return fmt.Errorf("priority: demote: %w", err)
	}
	return nil
}
