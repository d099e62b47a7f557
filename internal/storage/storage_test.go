package storage_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/crisisloop/triage/internal/model"
	"github.com/crisisloop/triage/internal/storage"
)

// testDB holds a shared test database connection for all tests in this package.
var (
	testDB  *storage.DB
	testDSN string
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg17",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "triage",
			"POSTGRES_PASSWORD": "triage",
			"POSTGRES_DB":       "triage",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container host: %v\n", err)
		os.Exit(1)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container port: %v\n", err)
		os.Exit(1)
	}

	testDSN = fmt.Sprintf("postgres://triage:triage@%s:%s/triage?sslmode=disable", host, port.Port())

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	testDB, err = storage.New(ctx, testDSN, "", logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		os.Exit(1)
	}

	if err := testDB.RunMigrations(ctx, os.DirFS("../../migrations")); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close(ctx)
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func makeSignal(t *testing.T, workspace, content string) model.Signal {
	t.Helper()
	ctx := context.Background()
	emb := pgvector.NewVector(make([]float32, 1024))
	s, err := testDB.CreateSignal(ctx, model.Signal{
		WorkspaceID: workspace,
		ChannelID:   "radio-1",
		Content:     content,
		Embedding:   &emb,
	})
	require.NoError(t, err)
	return s
}

func makeCluster(t *testing.T, workspace string) model.Cluster {
	t.Helper()
	c, err := testDB.CreateCluster(context.Background(), model.Cluster{
		WorkspaceID: workspace,
		Topic:       "flooding in riverside district",
		Summary:     "Multiple reports of rising water near the bridge.",
		Priority:    model.PriorityScores{Urgency: 80, Impact: 60, Risk: 40},
	})
	require.NoError(t, err)
	return c
}

func TestCreateAndGetSignal(t *testing.T) {
	ctx := context.Background()

	s := makeSignal(t, "ws-signals", "bridge road is underwater")

	got, err := testDB.GetSignal(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, "bridge road is underwater", got.Content)
	assert.False(t, got.IsDuplicate)
	assert.Empty(t, got.ClusterIDs)
	require.NotNil(t, got.Embedding)
	assert.Len(t, got.Embedding.Slice(), 1024)
}

func TestGetSignalNotFound(t *testing.T) {
	_, err := testDB.GetSignal(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetSignalsByIDsSkipsMissing(t *testing.T) {
	ctx := context.Background()

	a := makeSignal(t, "ws-batch", "shelter at the school is open")
	b := makeSignal(t, "ws-batch", "need water at the school")
	missing := uuid.New()

	got, err := testDB.GetSignalsByIDs(ctx, []uuid.UUID{a.ID, b.ID, missing})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Contains(t, got, a.ID)
	assert.Contains(t, got, b.ID)
	assert.NotContains(t, got, missing)
}

func TestClusterMembershipIdempotent(t *testing.T) {
	ctx := context.Background()

	c := makeCluster(t, "ws-members")
	s := makeSignal(t, "ws-members", "water at knee height on main street")

	require.NoError(t, testDB.AddSignalToCluster(ctx, c.ID, s.ID))
	require.NoError(t, testDB.AddSignalToCluster(ctx, c.ID, s.ID))

	got, err := testDB.GetCluster(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{s.ID}, got.SignalIDs)

	members, err := testDB.ListSignalsByCluster(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, s.ID, members[0].ID)
	assert.Equal(t, []uuid.UUID{c.ID}, members[0].ClusterIDs)
}

func TestClusterCompositeOrdering(t *testing.T) {
	ctx := context.Background()

	low, err := testDB.CreateCluster(ctx, model.Cluster{
		WorkspaceID: "ws-order",
		Topic:       "road debris",
		Priority:    model.PriorityScores{Urgency: 10, Impact: 10, Risk: 10},
	})
	require.NoError(t, err)

	high, err := testDB.CreateCluster(ctx, model.Cluster{
		WorkspaceID: "ws-order",
		Topic:       "building collapse",
		Priority:    model.PriorityScores{Urgency: 100, Impact: 50, Risk: 0},
	})
	require.NoError(t, err)

	clusters, err := testDB.ListClusters(ctx, "ws-order")
	require.NoError(t, err)
	require.Len(t, clusters, 2)
	assert.Equal(t, high.ID, clusters[0].ID)
	assert.Equal(t, low.ID, clusters[1].ID)
	assert.InDelta(t, 57.5, clusters[0].Priority.Composite(), 1e-9)
}

func TestUpdateClusterVersionGuard(t *testing.T) {
	ctx := context.Background()

	c := makeCluster(t, "ws-version")

	err := testDB.UpdateClusterSummary(ctx, c.ID, c.Version, "updated topic", "updated summary")
	require.NoError(t, err)

	// The stored version advanced, so a write with the old version loses.
	err = testDB.UpdateClusterPriority(ctx, c.ID, c.Version, model.PriorityScores{Urgency: 90})
	assert.ErrorIs(t, err, storage.ErrVersionConflict)

	got, err := testDB.GetCluster(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "updated topic", got.Topic)
	assert.Equal(t, c.Version+1, got.Version)

	err = testDB.UpdateClusterPriority(ctx, got.ID, got.Version, model.PriorityScores{Urgency: 90, Impact: 70, Risk: 50})
	require.NoError(t, err)

	err = testDB.UpdateClusterSummary(ctx, uuid.New(), 1, "x", "y")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestClusterPriorityWritesClampScores(t *testing.T) {
	ctx := context.Background()

	// Out-of-range model scores are bounded before they reach the CHECK
	// constraints on the clusters table.
	c, err := testDB.CreateCluster(ctx, model.Cluster{
		WorkspaceID: "ws-clamp",
		Topic:       "levee breach",
		Priority:    model.PriorityScores{Urgency: 150, Impact: -10, Risk: 40},
	})
	require.NoError(t, err)

	got, err := testDB.GetCluster(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.Priority.Urgency)
	assert.Equal(t, 0, got.Priority.Impact)
	assert.Equal(t, 40, got.Priority.Risk)

	err = testDB.UpdateClusterPriority(ctx, c.ID, got.Version, model.PriorityScores{Urgency: -5, Impact: 120, Risk: 101})
	require.NoError(t, err)

	got, err = testDB.GetCluster(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Priority.Urgency)
	assert.Equal(t, 100, got.Priority.Impact)
	assert.Equal(t, 100, got.Priority.Risk)
}

func TestUpdateSignalFlags(t *testing.T) {
	ctx := context.Background()

	canonical := makeSignal(t, "ws-flags", "clinic on 5th street is open")
	dup := makeSignal(t, "ws-flags", "the 5th street clinic is taking patients")

	isDup := true
	require.NoError(t, testDB.UpdateSignalFlags(ctx, dup.ID, model.SignalFlagPatch{
		IsDuplicate: &isDup,
		DuplicateOf: &canonical.ID,
	}))

	got, err := testDB.GetSignal(ctx, dup.ID)
	require.NoError(t, err)
	assert.True(t, got.IsDuplicate)
	require.NotNil(t, got.DuplicateOf)
	assert.Equal(t, canonical.ID, *got.DuplicateOf)

	// Clearing the flag also clears the canonical pointer.
	notDup := false
	require.NoError(t, testDB.UpdateSignalFlags(ctx, dup.ID, model.SignalFlagPatch{IsDuplicate: &notDup}))

	got, err = testDB.GetSignal(ctx, dup.ID)
	require.NoError(t, err)
	assert.False(t, got.IsDuplicate)
	assert.Nil(t, got.DuplicateOf)
}

func TestListDuplicatesOf(t *testing.T) {
	ctx := context.Background()

	canonical := makeSignal(t, "ws-dups", "bridge closed at riverside")
	first := makeSignal(t, "ws-dups", "riverside bridge is shut")
	second := makeSignal(t, "ws-dups", "cannot cross the riverside bridge")
	unrelated := makeSignal(t, "ws-dups", "shelter needs cots")

	isDup := true
	for _, id := range []uuid.UUID{first.ID, second.ID} {
		require.NoError(t, testDB.UpdateSignalFlags(ctx, id, model.SignalFlagPatch{
			IsDuplicate: &isDup,
			DuplicateOf: &canonical.ID,
		}))
	}

	got, err := testDB.ListDuplicatesOf(ctx, canonical.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, first.ID, got[0].ID)
	assert.Equal(t, second.ID, got[1].ID)

	got, err = testDB.ListDuplicatesOf(ctx, unrelated.ID)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestUpdateSignalFlagsConflictIDAppendOnce(t *testing.T) {
	ctx := context.Background()

	s := makeSignal(t, "ws-flags", "shelter reported closed")
	hasConflict := true
	conflictID := uuid.New()

	patch := model.SignalFlagPatch{HasConflict: &hasConflict, AddConflictID: &conflictID}
	require.NoError(t, testDB.UpdateSignalFlags(ctx, s.ID, patch))
	require.NoError(t, testDB.UpdateSignalFlags(ctx, s.ID, patch))

	got, err := testDB.GetSignal(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, got.HasConflict)
	assert.Equal(t, []uuid.UUID{conflictID}, got.ConflictIDs)
}

func TestConflictLifecycle(t *testing.T) {
	ctx := context.Background()

	c := makeCluster(t, "ws-conflicts")
	a := makeSignal(t, "ws-conflicts", "shelter A is open")
	b := makeSignal(t, "ws-conflicts", "shelter A is closed")

	rec, err := testDB.CreateConflict(ctx, model.ConflictRecord{
		ClusterID:   c.ID,
		SignalIDs:   []uuid.UUID{a.ID, b.ID},
		Field:       "shelter_status",
		Severity:    model.SeverityHigh,
		Description: "reports disagree on whether shelter A is accepting people",
		Values: map[uuid.UUID]string{
			a.ID: "open",
			b.ID: "closed",
		},
	})
	require.NoError(t, err)
	assert.False(t, rec.DetectedAt.IsZero())

	got, err := testDB.GetConflict(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SeverityHigh, got.Severity)
	assert.Equal(t, "open", got.Values[a.ID])
	assert.Equal(t, "closed", got.Values[b.ID])
	assert.False(t, got.Resolved)
	assert.Nil(t, got.Resolution)

	err = testDB.ResolveConflict(ctx, rec.ID, model.Resolution{
		Type:           model.ResolutionOneValueCorrect,
		CanonicalValue: "open",
		ResolvedBy:     "facilitator-1",
	})
	require.NoError(t, err)

	// Second resolution attempt is rejected, first answer stands.
	err = testDB.ResolveConflict(ctx, rec.ID, model.Resolution{
		Type:           model.ResolutionOneValueCorrect,
		CanonicalValue: "closed",
		ResolvedBy:     "facilitator-2",
	})
	assert.ErrorIs(t, err, storage.ErrAlreadyResolved)

	got, err = testDB.GetConflict(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.Resolved)
	require.NotNil(t, got.Resolution)
	assert.Equal(t, "open", got.Resolution.CanonicalValue)
	assert.Equal(t, "facilitator-1", got.Resolution.ResolvedBy)

	err = testDB.ResolveConflict(ctx, uuid.New(), model.Resolution{Type: model.ResolutionOneValueCorrect})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListUnresolvedConflicts(t *testing.T) {
	ctx := context.Background()

	c := makeCluster(t, "ws-queue")
	a := makeSignal(t, "ws-queue", "power is out downtown")
	b := makeSignal(t, "ws-queue", "power is back downtown")

	open, err := testDB.CreateConflict(ctx, model.ConflictRecord{
		ClusterID: c.ID,
		SignalIDs: []uuid.UUID{a.ID, b.ID},
		Field:     "power_status",
		Severity:  model.SeverityMedium,
		Values:    map[uuid.UUID]string{a.ID: "out", b.ID: "restored"},
	})
	require.NoError(t, err)

	closed, err := testDB.CreateConflict(ctx, model.ConflictRecord{
		ClusterID: c.ID,
		SignalIDs: []uuid.UUID{a.ID, b.ID},
		Field:     "outage_area",
		Severity:  model.SeverityLow,
		Values:    map[uuid.UUID]string{a.ID: "downtown", b.ID: "midtown"},
	})
	require.NoError(t, err)
	require.NoError(t, testDB.ResolveConflict(ctx, closed.ID, model.Resolution{
		Type: model.ResolutionBothPartial, ResolvedBy: "facilitator-1",
	}))

	queue, err := testDB.ListUnresolvedConflicts(ctx, "ws-queue")
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, open.ID, queue[0].ID)
}

func TestDuplicateOverrideAudit(t *testing.T) {
	ctx := context.Background()

	canonical := makeSignal(t, "ws-overrides", "gas leak on elm street")
	dup := makeSignal(t, "ws-overrides", "smell of gas near elm street")

	err := testDB.RecordDuplicateOverride(ctx, storage.DuplicateOverride{
		SignalID:    dup.ID,
		CanonicalID: canonical.ID,
		Action:      storage.DuplicateActionReject,
		Actor:       "facilitator-1",
		Note:        "different block, separate incident",
	})
	require.NoError(t, err)

	overrides, err := testDB.ListDuplicateOverrides(ctx, dup.ID)
	require.NoError(t, err)
	require.Len(t, overrides, 1)
	assert.Equal(t, storage.DuplicateActionReject, overrides[0].Action)
	assert.Equal(t, canonical.ID, overrides[0].CanonicalID)
}

func TestNotifyRoundTrip(t *testing.T) {
	ctx := context.Background()

	logger := slog.New(slog.DiscardHandler)
	db, err := storage.New(ctx, testDSN, testDSN, logger)
	require.NoError(t, err)
	defer db.Close(ctx)

	require.True(t, db.HasNotifyConn())
	require.NoError(t, db.Listen(ctx, storage.ChannelConflicts))

	payload := uuid.New().String()
	require.NoError(t, db.Notify(ctx, storage.ChannelConflicts, payload))

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	channel, got, err := db.WaitForNotification(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, storage.ChannelConflicts, channel)
	assert.Equal(t, payload, got)
}
