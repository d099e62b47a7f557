package conflicts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crisisloop/triage/internal/model"
	"github.com/crisisloop/triage/internal/oracle"
	"github.com/crisisloop/triage/internal/storage"
)

type fakeStore struct {
	signals  map[uuid.UUID]*model.Signal
	members  map[uuid.UUID][]uuid.UUID // cluster -> signal ids
	records  map[uuid.UUID]*model.ConflictRecord
	resolved map[uuid.UUID]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		signals:  map[uuid.UUID]*model.Signal{},
		members:  map[uuid.UUID][]uuid.UUID{},
		records:  map[uuid.UUID]*model.ConflictRecord{},
		resolved: map[uuid.UUID]bool{},
	}
}

func (f *fakeStore) addSignal(content string) *model.Signal {
	s := &model.Signal{ID: uuid.New(), WorkspaceID: "ws", Content: content, CreatedAt: time.Now()}
	f.signals[s.ID] = s
	return s
}

func (f *fakeStore) addCluster(memberIDs ...uuid.UUID) uuid.UUID {
	id := uuid.New()
	f.members[id] = memberIDs
	return id
}

func (f *fakeStore) GetSignal(_ context.Context, id uuid.UUID) (*model.Signal, error) {
	s, ok := f.signals[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) ListSignalsByCluster(_ context.Context, clusterID uuid.UUID) ([]model.Signal, error) {
	var out []model.Signal
	for _, id := range f.members[clusterID] {
		out = append(out, *f.signals[id])
	}
	return out, nil
}

func (f *fakeStore) UpdateSignalFlags(_ context.Context, id uuid.UUID, patch model.SignalFlagPatch) error {
	s, ok := f.signals[id]
	if !ok {
		return storage.ErrNotFound
	}
	if patch.HasConflict != nil {
		s.HasConflict = *patch.HasConflict
	}
	if patch.AddConflictID != nil {
		for _, existing := range s.ConflictIDs {
			if existing == *patch.AddConflictID {
				return nil
			}
		}
		s.ConflictIDs = append(s.ConflictIDs, *patch.AddConflictID)
	}
	return nil
}

func (f *fakeStore) CreateConflict(_ context.Context, rec model.ConflictRecord) (model.ConflictRecord, error) {
	rec.ID = uuid.New()
	rec.DetectedAt = time.Now()
	f.records[rec.ID] = &rec
	return rec, nil
}

func (f *fakeStore) GetConflict(_ context.Context, id uuid.UUID) (*model.ConflictRecord, error) {
	rec, ok := f.records[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeStore) ListConflictsByCluster(_ context.Context, clusterID uuid.UUID) ([]model.ConflictRecord, error) {
	var out []model.ConflictRecord
	for _, rec := range f.records {
		if rec.ClusterID == clusterID {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (f *fakeStore) ResolveConflict(_ context.Context, id uuid.UUID, res model.Resolution) error {
	rec, ok := f.records[id]
	if !ok {
		return storage.ErrNotFound
	}
	if rec.Resolved {
		return storage.ErrAlreadyResolved
	}
	now := time.Now()
	r := res
	r.ResolvedAt = now
	rec.Resolved = true
	rec.Resolution = &r
	return nil
}

// fakeOracle reports a contradiction whenever a scripted pair of
// contents appears in the same call.
type fakeOracle struct {
	contradictions map[[2]string]oracle.ConflictFinding // keyed by content pair
	err            error
	calls          [][]uuid.UUID
}

func (f *fakeOracle) DetectConflicts(_ context.Context, signals []oracle.SignalText) ([]oracle.ConflictFinding, error) {
	ids := make([]uuid.UUID, len(signals))
	for i, s := range signals {
		ids[i] = s.ID
	}
	f.calls = append(f.calls, ids)
	if f.err != nil {
		return nil, f.err
	}

	var findings []oracle.ConflictFinding
	for i := 0; i < len(signals); i++ {
		for j := i + 1; j < len(signals); j++ {
			for key, finding := range f.contradictions {
				if (signals[i].Content == key[0] && signals[j].Content == key[1]) ||
					(signals[i].Content == key[1] && signals[j].Content == key[0]) {
					found := finding
					found.Values = map[uuid.UUID]string{
						signals[i].ID: "value from " + signals[i].Content,
						signals[j].ID: "value from " + signals[j].Content,
					}
					findings = append(findings, found)
				}
			}
		}
	}
	return findings, nil
}

func shelterContradiction() map[[2]string]oracle.ConflictFinding {
	return map[[2]string]oracle.ConflictFinding{
		{"shelter A is open", "shelter A is closed"}: {
			Field:       "shelter_status",
			Severity:    model.SeverityHigh,
			Description: "signals disagree on whether shelter A is accepting people",
		},
	}
}

func newEngine(store *fakeStore, o *fakeOracle) *Engine {
	return New(store, o, slog.New(slog.DiscardHandler))
}

func TestDetectForSignalFilesConflict(t *testing.T) {
	store := newFakeStore()
	open := store.addSignal("shelter A is open")
	closed := store.addSignal("shelter A is closed")
	bystander := store.addSignal("need blankets at shelter A")
	clusterID := store.addCluster(open.ID, closed.ID, bystander.ID)

	o := &fakeOracle{contradictions: shelterContradiction()}
	created, err := newEngine(store, o).DetectForSignal(context.Background(), closed.ID, clusterID)
	require.NoError(t, err)

	require.Len(t, created, 1)
	rec := created[0]
	assert.Equal(t, "shelter_status", rec.Field)
	assert.Equal(t, model.SeverityHigh, rec.Severity)
	assert.ElementsMatch(t, []uuid.UUID{open.ID, closed.ID}, rec.SignalIDs)

	// Both disputed signals are flagged; the bystander isn't.
	assert.True(t, store.signals[open.ID].HasConflict)
	assert.True(t, store.signals[closed.ID].HasConflict)
	assert.Contains(t, store.signals[open.ID].ConflictIDs, rec.ID)
	assert.False(t, store.signals[bystander.ID].HasConflict)
}

func TestDetectForSignalSkipsKnownPairs(t *testing.T) {
	store := newFakeStore()
	open := store.addSignal("shelter A is open")
	closed := store.addSignal("shelter A is closed")
	clusterID := store.addCluster(open.ID, closed.ID)

	o := &fakeOracle{contradictions: shelterContradiction()}
	engine := newEngine(store, o)

	first, err := engine.DetectForSignal(context.Background(), closed.ID, clusterID)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Re-running detection does not file the dispute again.
	second, err := engine.DetectForSignal(context.Background(), closed.ID, clusterID)
	require.NoError(t, err)
	assert.Empty(t, second)
	assert.Len(t, store.records, 1)
}

func TestDetectForSignalExcludesDuplicates(t *testing.T) {
	store := newFakeStore()
	open := store.addSignal("shelter A is open")
	dup := store.addSignal("shelter A is closed")
	dup.IsDuplicate = true
	incoming := store.addSignal("water rising")
	clusterID := store.addCluster(open.ID, dup.ID, incoming.ID)

	o := &fakeOracle{contradictions: shelterContradiction()}
	created, err := newEngine(store, o).DetectForSignal(context.Background(), incoming.ID, clusterID)
	require.NoError(t, err)
	assert.Empty(t, created)

	// Only the active member was compared.
	require.Len(t, o.calls, 1)
	assert.ElementsMatch(t, []uuid.UUID{incoming.ID, open.ID}, o.calls[0])
}

func TestDetectAllSmallClusterPairwise(t *testing.T) {
	store := newFakeStore()
	var ids []uuid.UUID
	contents := []string{"shelter A is open", "shelter A is closed", "road blocked", "road clear"}
	for _, c := range contents {
		ids = append(ids, store.addSignal(c).ID)
	}
	clusterID := store.addCluster(ids...)

	o := &fakeOracle{contradictions: shelterContradiction()}
	created, err := newEngine(store, o).DetectAll(context.Background(), clusterID)
	require.NoError(t, err)

	// 4 members: every pair in its own call.
	require.Len(t, o.calls, 6)
	for _, call := range o.calls {
		assert.Len(t, call, 2)
	}
	require.Len(t, created, 1)
	assert.Equal(t, "shelter_status", created[0].Field)
}

func TestDetectAllLargeClusterSingleBatch(t *testing.T) {
	store := newFakeStore()
	var ids []uuid.UUID
	for i := 0; i < 12; i++ {
		ids = append(ids, store.addSignal(fmt.Sprintf("routine report %d", i)).ID)
	}
	clusterID := store.addCluster(ids...)

	o := &fakeOracle{}
	_, err := newEngine(store, o).DetectAll(context.Background(), clusterID)
	require.NoError(t, err)

	// One batched call covering the full membership.
	require.Len(t, o.calls, 1)
	assert.ElementsMatch(t, ids, o.calls[0])
}

func TestDetectAllLargeClusterSeesDistantPair(t *testing.T) {
	store := newFakeStore()
	var ids []uuid.UUID
	for i := 0; i < 12; i++ {
		content := fmt.Sprintf("routine report %d", i)
		// The disputed pair sits far apart in ingestion order.
		if i == 2 {
			content = "shelter A is open"
		}
		if i == 9 {
			content = "shelter A is closed"
		}
		ids = append(ids, store.addSignal(content).ID)
	}
	clusterID := store.addCluster(ids...)

	o := &fakeOracle{contradictions: shelterContradiction()}
	created, err := newEngine(store, o).DetectAll(context.Background(), clusterID)
	require.NoError(t, err)

	require.Len(t, created, 1)
	assert.ElementsMatch(t, []uuid.UUID{ids[2], ids[9]}, created[0].SignalIDs)
}

func TestDetectAllSingleMemberNoCall(t *testing.T) {
	store := newFakeStore()
	s := store.addSignal("alone")
	clusterID := store.addCluster(s.ID)

	o := &fakeOracle{}
	created, err := newEngine(store, o).DetectAll(context.Background(), clusterID)
	require.NoError(t, err)
	assert.Empty(t, created)
	assert.Empty(t, o.calls)
}

func TestDetectOracleFailurePropagates(t *testing.T) {
	store := newFakeStore()
	a := store.addSignal("a")
	b := store.addSignal("b")
	clusterID := store.addCluster(a.ID, b.ID)

	o := &fakeOracle{err: errors.New("model unavailable")}
	_, err := newEngine(store, o).DetectForSignal(context.Background(), a.ID, clusterID)
	require.Error(t, err)
	assert.Empty(t, store.records)
}

func TestResolveIsOneWay(t *testing.T) {
	store := newFakeStore()
	open := store.addSignal("shelter A is open")
	closed := store.addSignal("shelter A is closed")
	clusterID := store.addCluster(open.ID, closed.ID)

	o := &fakeOracle{contradictions: shelterContradiction()}
	engine := newEngine(store, o)
	created, err := engine.DetectForSignal(context.Background(), closed.ID, clusterID)
	require.NoError(t, err)
	require.Len(t, created, 1)
	conflictID := created[0].ID

	err = engine.Resolve(context.Background(), conflictID, model.Resolution{
		Type:           model.ResolutionOneValueCorrect,
		CanonicalValue: "open",
		ResolvedBy:     "facilitator-1",
	})
	require.NoError(t, err)

	// Second answer is refused; the first stands.
	err = engine.Resolve(context.Background(), conflictID, model.Resolution{
		Type:           model.ResolutionOneValueCorrect,
		CanonicalValue: "closed",
		ResolvedBy:     "facilitator-2",
	})
	assert.ErrorIs(t, err, storage.ErrAlreadyResolved)

	rec := store.records[conflictID]
	assert.True(t, rec.Resolved)
	assert.Equal(t, "open", rec.Resolution.CanonicalValue)
	assert.Equal(t, "facilitator-1", rec.Resolution.ResolvedBy)
}

func TestResolveClearsFlagsWhenLastConflictSettles(t *testing.T) {
	store := newFakeStore()
	open := store.addSignal("shelter A is open")
	closed := store.addSignal("shelter A is closed")
	clusterID := store.addCluster(open.ID, closed.ID)

	engine := newEngine(store, &fakeOracle{contradictions: shelterContradiction()})
	created, err := engine.DetectForSignal(context.Background(), closed.ID, clusterID)
	require.NoError(t, err)
	require.True(t, store.signals[open.ID].HasConflict)

	err = engine.Resolve(context.Background(), created[0].ID, model.Resolution{
		Type:       model.ResolutionSuperseded,
		ResolvedBy: "facilitator-1",
	})
	require.NoError(t, err)

	assert.False(t, store.signals[open.ID].HasConflict)
	assert.False(t, store.signals[closed.ID].HasConflict)
}

func TestResolveValidation(t *testing.T) {
	store := newFakeStore()
	engine := newEngine(store, &fakeOracle{})

	err := engine.Resolve(context.Background(), uuid.New(), model.Resolution{
		Type: "coin_flip", ResolvedBy: "f",
	})
	require.Error(t, err)

	err = engine.Resolve(context.Background(), uuid.New(), model.Resolution{
		Type: model.ResolutionOneValueCorrect,
	})
	require.Error(t, err)

	err = engine.Resolve(context.Background(), uuid.New(), model.Resolution{
		Type: model.ResolutionOneValueCorrect, ResolvedBy: "f",
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
