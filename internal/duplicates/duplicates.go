// Package duplicates flags signals that restate a fact the team already
// has. Similarity within a cluster recalls candidate pairs cheaply; the
// oracle confirms them. Facilitators can override either way, and every
// override is recorded.
package duplicates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/crisisloop/triage/internal/model"
	"github.com/crisisloop/triage/internal/oracle"
	"github.com/crisisloop/triage/internal/search"
	"github.com/crisisloop/triage/internal/storage"
)

const (
	// DuplicateThreshold is the minimum cosine similarity for a pair to
	// be worth an oracle call. Inclusive.
	DuplicateThreshold = 0.85

	// candidateWindow caps how many cluster members are compared per
	// incoming signal.
	candidateWindow = 10

	// chainLimit bounds canonical pointer walks. Marking always
	// collapses to the root, so a chain longer than one link means
	// corrupted data; the limit keeps a cycle from hanging us.
	chainLimit = 10
)

// ErrSelfDuplicate is returned when an operation would mark a signal as
// a duplicate of itself.
var ErrSelfDuplicate = errors.New("duplicates: signal cannot duplicate itself")

// Store is the persistence surface the duplicate engine needs.
type Store interface {
	GetSignal(ctx context.Context, id uuid.UUID) (*model.Signal, error)
	GetCluster(ctx context.Context, id uuid.UUID) (*model.Cluster, error)
	ListDuplicatesOf(ctx context.Context, canonicalID uuid.UUID) ([]model.Signal, error)
	UpdateSignalFlags(ctx context.Context, id uuid.UUID, patch model.SignalFlagPatch) error
	RecordDuplicateOverride(ctx context.Context, o storage.DuplicateOverride) error
}

// Index is the vector index surface the engine needs.
type Index interface {
	QueryWithinSet(ctx context.Context, embedding []float32, memberIDs []uuid.UUID, excludeID uuid.UUID, minScore float32, limit int) ([]search.Result, error)
}

// Oracle is the judgment surface the engine needs.
type Oracle interface {
	ConfirmDuplicate(ctx context.Context, signal, candidate oracle.SignalText) (oracle.DuplicateVerdict, error)
}

// Engine detects and marks duplicate signals.
type Engine struct {
	store         Store
	index         Index
	oracle        Oracle
	minConfidence model.Confidence
	logger        *slog.Logger
}

// New creates a duplicate engine. Oracle confirmations below
// minConfidence are reported but not acted on.
func New(store Store, index Index, o Oracle, minConfidence model.Confidence, logger *slog.Logger) *Engine {
	return &Engine{store: store, index: index, oracle: o, minConfidence: minConfidence, logger: logger}
}

// DetectForSignal compares a signal against its cluster's members and
// returns every match the oracle confirms. The first confirmation that
// meets the confidence floor is applied, marking the signal a duplicate
// of that match's canonical; confirmations below the floor come back
// unapplied so a facilitator can rule on them.
func (e *Engine) DetectForSignal(ctx context.Context, signalID, clusterID uuid.UUID) ([]model.DuplicateMatch, error) {
	signal, err := e.store.GetSignal(ctx, signalID)
	if err != nil {
		return nil, fmt.Errorf("duplicates: load signal: %w", err)
	}
	if signal.Embedding == nil {
		// No embedding, no recall. The signal stays unflagged.
		return nil, nil
	}

	cluster, err := e.store.GetCluster(ctx, clusterID)
	if err != nil {
		return nil, fmt.Errorf("duplicates: load cluster: %w", err)
	}

	hits, err := e.index.QueryWithinSet(ctx, signal.Embedding.Slice(), cluster.SignalIDs, signalID, DuplicateThreshold, candidateWindow)
	if err != nil {
		return nil, fmt.Errorf("duplicates: recall: %w", err)
	}

	var (
		matches []model.DuplicateMatch
		marked  bool
	)
	for _, hit := range hits {
		candidate, err := e.store.GetSignal(ctx, hit.SignalID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue // deleted between recall and hydration
			}
			return matches, fmt.Errorf("duplicates: load candidate: %w", err)
		}

		verdict, err := e.oracle.ConfirmDuplicate(ctx, signalText(*signal), signalText(*candidate))
		if err != nil {
			return matches, fmt.Errorf("duplicates: confirm: %w", err)
		}
		if !verdict.IsDuplicate {
			continue
		}

		match := model.DuplicateMatch{
			SignalID:    candidate.ID,
			Similarity:  hit.Score,
			Confidence:  verdict.Confidence,
			Reasoning:   verdict.Reasoning,
			SharedFacts: verdict.SharedFacts,
		}

		switch {
		case !verdict.Confidence.AtLeast(e.minConfidence):
			e.logger.Info("duplicates: confirmed below confidence floor, not marking",
				"signal_id", signalID, "candidate_id", candidate.ID,
				"confidence", verdict.Confidence)
		case !marked:
			canonical, err := e.canonicalOf(ctx, candidate)
			if err != nil {
				return matches, err
			}
			if canonical == signalID {
				return matches, ErrSelfDuplicate
			}
			if err := e.mark(ctx, signalID, canonical); err != nil {
				return matches, err
			}
			match.SignalID = canonical
			match.AutoApplied = true
			marked = true
		}
		matches = append(matches, match)
	}

	return matches, nil
}

// Confirm records a facilitator decision that signal duplicates
// canonical, overriding or affirming the pipeline.
func (e *Engine) Confirm(ctx context.Context, signalID, canonicalID uuid.UUID, actor, note string) error {
	if signalID == canonicalID {
		return ErrSelfDuplicate
	}

	target, err := e.store.GetSignal(ctx, canonicalID)
	if err != nil {
		return fmt.Errorf("duplicates: load canonical: %w", err)
	}
	canonical, err := e.canonicalOf(ctx, target)
	if err != nil {
		return err
	}
	if canonical == signalID {
		return ErrSelfDuplicate
	}

	if err := e.mark(ctx, signalID, canonical); err != nil {
		return err
	}
	return e.record(ctx, signalID, canonical, storage.DuplicateActionConfirm, actor, note)
}

// Reject records a facilitator decision that a signal is not a
// duplicate, clearing any pipeline flag. A no-op if it was never marked.
func (e *Engine) Reject(ctx context.Context, signalID uuid.UUID, actor, note string) error {
	signal, err := e.store.GetSignal(ctx, signalID)
	if err != nil {
		return fmt.Errorf("duplicates: load signal: %w", err)
	}
	if !signal.IsDuplicate || signal.DuplicateOf == nil {
		return nil
	}
	previous := *signal.DuplicateOf

	isDup := false
	if err := e.store.UpdateSignalFlags(ctx, signalID, model.SignalFlagPatch{IsDuplicate: &isDup}); err != nil {
		return fmt.Errorf("duplicates: clear flag: %w", err)
	}
	return e.record(ctx, signalID, previous, storage.DuplicateActionReject, actor, note)
}

// canonicalOf walks duplicate pointers to the root signal, so marks
// always point at a canonical that is not itself a duplicate.
func (e *Engine) canonicalOf(ctx context.Context, signal *model.Signal) (uuid.UUID, error) {
	current := signal
	for range chainLimit {
		if !current.IsDuplicate || current.DuplicateOf == nil {
			return current.ID, nil
		}
		next, err := e.store.GetSignal(ctx, *current.DuplicateOf)
		if err != nil {
			return uuid.Nil, fmt.Errorf("duplicates: walk canonical chain: %w", err)
		}
		current = next
	}
	return uuid.Nil, fmt.Errorf("duplicates: canonical chain from %s exceeds %d links", signal.ID, chainLimit)
}

func (e *Engine) mark(ctx context.Context, signalID, canonicalID uuid.UUID) error {
	isDup := true
	err := e.store.UpdateSignalFlags(ctx, signalID, model.SignalFlagPatch{
		IsDuplicate: &isDup,
		DuplicateOf: &canonicalID,
	})
	if err != nil {
		return fmt.Errorf("duplicates: mark: %w", err)
	}

	// Signals that pointed at the newly marked one would now form a
	// chain; re-point them at the same canonical.
	dependents, err := e.store.ListDuplicatesOf(ctx, signalID)
	if err != nil {
		return fmt.Errorf("duplicates: list dependents: %w", err)
	}
	for _, dep := range dependents {
		err := e.store.UpdateSignalFlags(ctx, dep.ID, model.SignalFlagPatch{
			IsDuplicate: &isDup,
			DuplicateOf: &canonicalID,
		})
		if err != nil {
			return fmt.Errorf("duplicates: re-point dependent %s: %w", dep.ID, err)
		}
	}

	e.logger.Info("duplicates: marked", "signal_id", signalID, "canonical_id", canonicalID)
	return nil
}

func (e *Engine) record(ctx context.Context, signalID, canonicalID uuid.UUID, action storage.DuplicateAction, actor, note string) error {
	err := e.store.RecordDuplicateOverride(ctx, storage.DuplicateOverride{
		SignalID:    signalID,
		CanonicalID: canonicalID,
		Action:      action,
		Actor:       actor,
		Note:        note,
	})
	if err != nil {
		return fmt.Errorf("duplicates: record override: %w", err)
	}
	return nil
}

func signalText(s model.Signal) oracle.SignalText {
	return oracle.SignalText{ID: s.ID, Content: s.Content, CreatedAt: s.CreatedAt}
}
