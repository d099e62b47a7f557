// Package pipeline composes the triage engines into the per-signal
// control flow: assignment, then duplicate detection, then conflict
// detection. Assignment is the load-bearing stage; the detection stages
// are best effort and never undo or fail an assignment that already
// happened.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/crisisloop/triage/internal/assign"
	"github.com/crisisloop/triage/internal/conflicts"
	"github.com/crisisloop/triage/internal/duplicates"
	"github.com/crisisloop/triage/internal/model"
	"github.com/crisisloop/triage/internal/storage"
	"github.com/crisisloop/triage/internal/telemetry"
)

// Assigner routes a signal into a cluster and refreshes cluster
// digests when membership semantics change underneath one.
type Assigner interface {
	Assign(ctx context.Context, signalID uuid.UUID) (assign.Result, error)
	RegenerateCluster(ctx context.Context, clusterID uuid.UUID) error
}

// DuplicateDetector flags a signal that restates a cluster member.
type DuplicateDetector interface {
	DetectForSignal(ctx context.Context, signalID, clusterID uuid.UUID) ([]model.DuplicateMatch, error)
}

// ConflictDetector files contradictions between a signal and its
// cluster's members.
type ConflictDetector interface {
	DetectForSignal(ctx context.Context, signalID, clusterID uuid.UUID) ([]model.ConflictRecord, error)
}

// Notifier publishes queue-changed events for listening consumers.
type Notifier interface {
	Notify(ctx context.Context, channel, payload string) error
}

// Outcome is everything that happened to one signal.
type Outcome struct {
	ClusterID      uuid.UUID
	ClusterCreated bool

	// Duplicates holds every oracle-confirmed match, applied or not.
	// Unapplied matches are review material for a facilitator.
	Duplicates []model.DuplicateMatch

	Conflicts []model.ConflictRecord
}

// AppliedDuplicate returns the match the engine acted on, or nil when
// the signal was not marked.
func (o Outcome) AppliedDuplicate() *model.DuplicateMatch {
	for i := range o.Duplicates {
		if o.Duplicates[i].AutoApplied {
			return &o.Duplicates[i]
		}
	}
	return nil
}

// Pipeline runs signals through the triage stages.
type Pipeline struct {
	assigner  Assigner
	dups      DuplicateDetector
	conflicts ConflictDetector
	notifier  Notifier
	logger    *slog.Logger

	stageDuration otelmetric.Float64Histogram
}

// New creates a pipeline. notifier may be nil when no listener transport
// is configured.
func New(assigner Assigner, dups DuplicateDetector, detector ConflictDetector, notifier Notifier, logger *slog.Logger) *Pipeline {
	meter := telemetry.Meter("triage/pipeline")
	hist, err := meter.Float64Histogram("triage.pipeline.stage.duration",
		otelmetric.WithUnit("ms"),
		otelmetric.WithDescription("Duration of pipeline stages per signal"))
	if err != nil {
		logger.Warn("pipeline: create stage histogram failed", "error", err)
	}

	return &Pipeline{
		assigner:      assigner,
		dups:          dups,
		conflicts:     detector,
		notifier:      notifier,
		logger:        logger,
		stageDuration: hist,
	}
}

// Process triages one signal. An assignment failure fails the whole
// call so the caller can retry it; duplicate and conflict detection
// failures are logged and the outcome reflects whatever did complete.
func (p *Pipeline) Process(ctx context.Context, signalID uuid.UUID) (Outcome, error) {
	assignRes, err := p.timedAssign(ctx, signalID)
	if err != nil {
		return Outcome{}, fmt.Errorf("pipeline: %w", err)
	}
	outcome := Outcome{ClusterID: assignRes.ClusterID, ClusterCreated: assignRes.Created}
	p.notify(ctx, storage.ChannelClusters, assignRes.ClusterID.String())

	matches, err := p.timedDuplicates(ctx, signalID, assignRes.ClusterID)
	if err != nil {
		p.logger.Warn("pipeline: duplicate detection failed",
			"signal_id", signalID, "cluster_id", assignRes.ClusterID, "error", err)
	}
	outcome.Duplicates = matches

	if outcome.AppliedDuplicate() != nil {
		// The marked member no longer counts toward the digest; refresh
		// it over the remaining originals. The mark itself stands even
		// if the refresh fails.
		if err := p.assigner.RegenerateCluster(ctx, assignRes.ClusterID); err != nil {
			p.logger.Warn("pipeline: cluster refresh after duplicate failed",
				"signal_id", signalID, "cluster_id", assignRes.ClusterID, "error", err)
		}
		// A duplicate adds no facts of its own; its canonical already
		// went through conflict detection.
		return outcome, nil
	}

	records, err := p.timedConflicts(ctx, signalID, assignRes.ClusterID)
	if err != nil {
		p.logger.Warn("pipeline: conflict detection failed",
			"signal_id", signalID, "cluster_id", assignRes.ClusterID, "error", err)
	}
	outcome.Conflicts = records
	for _, rec := range records {
		p.notify(ctx, storage.ChannelConflicts, rec.ID.String())
	}

	return outcome, nil
}

func (p *Pipeline) timedAssign(ctx context.Context, signalID uuid.UUID) (assign.Result, error) {
	defer p.timeStage(ctx, "assign")()
	return p.assigner.Assign(ctx, signalID)
}

func (p *Pipeline) timedDuplicates(ctx context.Context, signalID, clusterID uuid.UUID) ([]model.DuplicateMatch, error) {
	defer p.timeStage(ctx, "duplicates")()
	return p.dups.DetectForSignal(ctx, signalID, clusterID)
}

func (p *Pipeline) timedConflicts(ctx context.Context, signalID, clusterID uuid.UUID) ([]model.ConflictRecord, error) {
	defer p.timeStage(ctx, "conflicts")()
	return p.conflicts.DetectForSignal(ctx, signalID, clusterID)
}

func (p *Pipeline) timeStage(ctx context.Context, stage string) func() {
	start := time.Now()
	return func() {
		if p.stageDuration == nil {
			return
		}
		p.stageDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
			otelmetric.WithAttributes(attribute.String("stage", stage)))
	}
}

// notify is best effort; a missed notification only delays a UI refresh.
func (p *Pipeline) notify(ctx context.Context, channel, payload string) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.Notify(ctx, channel, payload); err != nil {
		p.logger.Warn("pipeline: notify failed", "channel", channel, "error", err)
	}
}

// compile-time checks that the concrete engines satisfy the stage
// interfaces.
var (
	_ Assigner          = (*assign.Engine)(nil)
	_ DuplicateDetector = (*duplicates.Engine)(nil)
	_ ConflictDetector  = (*conflicts.Engine)(nil)
)
