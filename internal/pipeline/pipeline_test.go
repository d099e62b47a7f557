package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crisisloop/triage/internal/assign"
	"github.com/crisisloop/triage/internal/model"
	"github.com/crisisloop/triage/internal/storage"
)

type fakeAssigner struct {
	result        assign.Result
	err           error
	regenErr      error
	calls         int
	regenerations int
}

func (f *fakeAssigner) Assign(_ context.Context, _ uuid.UUID) (assign.Result, error) {
	f.calls++
	return f.result, f.err
}

func (f *fakeAssigner) RegenerateCluster(_ context.Context, _ uuid.UUID) error {
	f.regenerations++
	return f.regenErr
}

type fakeDupDetector struct {
	matches []model.DuplicateMatch
	err     error
	calls   int
}

func (f *fakeDupDetector) DetectForSignal(_ context.Context, _, _ uuid.UUID) ([]model.DuplicateMatch, error) {
	f.calls++
	return f.matches, f.err
}

type fakeConflictDetector struct {
	records []model.ConflictRecord
	err     error
	calls   int
}

func (f *fakeConflictDetector) DetectForSignal(_ context.Context, _, _ uuid.UUID) ([]model.ConflictRecord, error) {
	f.calls++
	return f.records, f.err
}

type notification struct {
	channel string
	payload string
}

type fakeNotifier struct {
	sent []notification
	err  error
}

func (f *fakeNotifier) Notify(_ context.Context, channel, payload string) error {
	f.sent = append(f.sent, notification{channel, payload})
	return f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestProcessHappyPath(t *testing.T) {
	clusterID := uuid.New()
	conflictID := uuid.New()
	assigner := &fakeAssigner{result: assign.Result{ClusterID: clusterID, Created: true}}
	dups := &fakeDupDetector{}
	detector := &fakeConflictDetector{records: []model.ConflictRecord{{ID: conflictID, ClusterID: clusterID}}}
	notifier := &fakeNotifier{}

	p := New(assigner, dups, detector, notifier, testLogger())
	outcome, err := p.Process(context.Background(), uuid.New())
	require.NoError(t, err)

	assert.Equal(t, clusterID, outcome.ClusterID)
	assert.True(t, outcome.ClusterCreated)
	assert.Empty(t, outcome.Duplicates)
	assert.Len(t, outcome.Conflicts, 1)

	require.Len(t, notifier.sent, 2)
	assert.Equal(t, notification{storage.ChannelClusters, clusterID.String()}, notifier.sent[0])
	assert.Equal(t, notification{storage.ChannelConflicts, conflictID.String()}, notifier.sent[1])
}

func TestProcessAssignFailureFailsCall(t *testing.T) {
	assigner := &fakeAssigner{err: errors.New("oracle unavailable")}
	dups := &fakeDupDetector{}
	detector := &fakeConflictDetector{}

	p := New(assigner, dups, detector, nil, testLogger())
	_, err := p.Process(context.Background(), uuid.New())
	require.Error(t, err)

	// Detection stages never run without an assignment.
	assert.Zero(t, dups.calls)
	assert.Zero(t, detector.calls)
}

func TestProcessDuplicateFailureIsolated(t *testing.T) {
	clusterID := uuid.New()
	assigner := &fakeAssigner{result: assign.Result{ClusterID: clusterID}}
	dups := &fakeDupDetector{err: errors.New("qdrant timeout")}
	detector := &fakeConflictDetector{}

	p := New(assigner, dups, detector, nil, testLogger())
	outcome, err := p.Process(context.Background(), uuid.New())
	require.NoError(t, err)

	// The assignment stands and conflict detection still runs.
	assert.Equal(t, clusterID, outcome.ClusterID)
	assert.Empty(t, outcome.Duplicates)
	assert.Equal(t, 1, detector.calls)
}

func TestProcessConflictFailureIsolated(t *testing.T) {
	clusterID := uuid.New()
	assigner := &fakeAssigner{result: assign.Result{ClusterID: clusterID}}
	dups := &fakeDupDetector{}
	detector := &fakeConflictDetector{err: errors.New("oracle unavailable")}

	p := New(assigner, dups, detector, nil, testLogger())
	outcome, err := p.Process(context.Background(), uuid.New())
	require.NoError(t, err)

	assert.Equal(t, clusterID, outcome.ClusterID)
	assert.Empty(t, outcome.Conflicts)
}

func TestProcessDuplicateSkipsConflictsAndRefreshesCluster(t *testing.T) {
	clusterID := uuid.New()
	canonical := uuid.New()
	assigner := &fakeAssigner{result: assign.Result{ClusterID: clusterID}}
	dups := &fakeDupDetector{matches: []model.DuplicateMatch{
		{SignalID: canonical, Confidence: model.ConfidenceHigh, AutoApplied: true},
	}}
	detector := &fakeConflictDetector{}

	p := New(assigner, dups, detector, nil, testLogger())
	outcome, err := p.Process(context.Background(), uuid.New())
	require.NoError(t, err)

	applied := outcome.AppliedDuplicate()
	require.NotNil(t, applied)
	assert.Equal(t, canonical, applied.SignalID)
	assert.Zero(t, detector.calls)

	// The marked member dropped out of the digest; the summary is redone
	// over the originals.
	assert.Equal(t, 1, assigner.regenerations)
}

func TestProcessClusterRefreshFailureIsolated(t *testing.T) {
	clusterID := uuid.New()
	assigner := &fakeAssigner{result: assign.Result{ClusterID: clusterID}, regenErr: errors.New("oracle unavailable")}
	dups := &fakeDupDetector{matches: []model.DuplicateMatch{
		{SignalID: uuid.New(), Confidence: model.ConfidenceHigh, AutoApplied: true},
	}}

	p := New(assigner, dups, &fakeConflictDetector{}, nil, testLogger())
	outcome, err := p.Process(context.Background(), uuid.New())
	require.NoError(t, err)
	require.NotNil(t, outcome.AppliedDuplicate())
}

func TestProcessUnappliedMatchStillChecksConflicts(t *testing.T) {
	clusterID := uuid.New()
	assigner := &fakeAssigner{result: assign.Result{ClusterID: clusterID}}
	dups := &fakeDupDetector{matches: []model.DuplicateMatch{
		{SignalID: uuid.New(), Confidence: model.ConfidenceLow},
	}}
	detector := &fakeConflictDetector{}

	p := New(assigner, dups, detector, nil, testLogger())
	outcome, err := p.Process(context.Background(), uuid.New())
	require.NoError(t, err)

	// A below-floor match is surfaced for review but the signal still
	// speaks for itself.
	require.Len(t, outcome.Duplicates, 1)
	assert.Nil(t, outcome.AppliedDuplicate())
	assert.Equal(t, 1, detector.calls)
	assert.Zero(t, assigner.regenerations)
}

func TestProcessNotifierFailureIgnored(t *testing.T) {
	clusterID := uuid.New()
	assigner := &fakeAssigner{result: assign.Result{ClusterID: clusterID}}
	notifier := &fakeNotifier{err: errors.New("connection reset")}

	p := New(assigner, &fakeDupDetector{}, &fakeConflictDetector{}, notifier, testLogger())
	outcome, err := p.Process(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, clusterID, outcome.ClusterID)
}
