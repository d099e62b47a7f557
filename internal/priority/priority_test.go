package priority

import (
	"context"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crisisloop/triage/internal/model"
	"github.com/crisisloop/triage/internal/oracle"
	"github.com/crisisloop/triage/internal/storage"
)

type fakeStore struct {
	cluster          model.Cluster
	members          []model.Signal
	versionConflicts int
	promoted         *bool
}

func (f *fakeStore) GetCluster(_ context.Context, id uuid.UUID) (*model.Cluster, error) {
	if id != f.cluster.ID {
		return nil, storage.ErrNotFound
	}
	cp := f.cluster
	return &cp, nil
}

func (f *fakeStore) ListSignalsByCluster(_ context.Context, _ uuid.UUID) ([]model.Signal, error) {
	return f.members, nil
}

func (f *fakeStore) UpdateClusterPriority(_ context.Context, _ uuid.UUID, version int64, p model.PriorityScores) error {
	if f.versionConflicts > 0 {
		f.versionConflicts--
		f.cluster.Version++
		return storage.ErrVersionConflict
	}
	if version != f.cluster.Version {
		return storage.ErrVersionConflict
	}
	f.cluster.Priority = p
	f.cluster.Version++
	return nil
}

func (f *fakeStore) SetClusterPromoted(_ context.Context, _ uuid.UUID, promoted bool) error {
	f.promoted = &promoted
	return nil
}

type fakeOracle struct {
	scores model.PriorityScores
	calls  int
}

func (f *fakeOracle) ScorePriority(_ context.Context, _ oracle.ClusterDigest, _ []oracle.SignalText) (model.PriorityScores, error) {
	f.calls++
	return f.scores, nil
}

func newScorer(store *fakeStore, o *fakeOracle) *Scorer {
	return New(store, o, slog.New(slog.DiscardHandler))
}

func TestRescoreWritesOracleScores(t *testing.T) {
	store := &fakeStore{cluster: model.Cluster{ID: uuid.New(), Topic: "collapse", Version: 1}}
	o := &fakeOracle{scores: model.PriorityScores{Urgency: 100, Impact: 50, Risk: 0}}

	scores, err := newScorer(store, o).Rescore(context.Background(), store.cluster.ID)
	require.NoError(t, err)

	// Composite comes from the fixed weights, not from the oracle.
	assert.InDelta(t, 57.5, scores.Composite(), 1e-9)
	assert.Equal(t, 100, store.cluster.Priority.Urgency)
	assert.Equal(t, int64(2), store.cluster.Version)
}

func TestRescoreRetriesOnVersionConflict(t *testing.T) {
	store := &fakeStore{
		cluster:          model.Cluster{ID: uuid.New(), Version: 1},
		versionConflicts: 1,
	}
	o := &fakeOracle{scores: model.PriorityScores{Urgency: 10}}

	_, err := newScorer(store, o).Rescore(context.Background(), store.cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, o.calls)
	assert.Equal(t, 10, store.cluster.Priority.Urgency)
}

func TestRescoreUnknownCluster(t *testing.T) {
	store := &fakeStore{cluster: model.Cluster{ID: uuid.New()}}
	_, err := newScorer(store, &fakeOracle{}).Rescore(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPromoteAndDemote(t *testing.T) {
	store := &fakeStore{cluster: model.Cluster{ID: uuid.New()}}
	scorer := newScorer(store, &fakeOracle{})

	require.NoError(t, scorer.Promote(context.Background(), store.cluster.ID))
	assert.True(t, *store.promoted)

	require.NoError(t, scorer.Demote(context.Background(), store.cluster.ID))
	assert.False(t, *store.promoted)
}
