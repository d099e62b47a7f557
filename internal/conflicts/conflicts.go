// Package conflicts surfaces factual contradictions inside a cluster so
// facilitators see disputed facts instead of acting on whichever signal
// arrived last. Detection is oracle-driven; resolution is a one-way,
// exactly-once facilitator action.
package conflicts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/crisisloop/triage/internal/model"
	"github.com/crisisloop/triage/internal/oracle"
)

// exhaustiveLimit is the largest membership swept pairwise, one oracle
// call per pair. Larger clusters get a single batched call over all
// members, trading some recall for bounded cost.
const exhaustiveLimit = 5

// Store is the persistence surface the conflict engine needs.
type Store interface {
	GetSignal(ctx context.Context, id uuid.UUID) (*model.Signal, error)
	ListSignalsByCluster(ctx context.Context, clusterID uuid.UUID) ([]model.Signal, error)
	UpdateSignalFlags(ctx context.Context, id uuid.UUID, patch model.SignalFlagPatch) error
	CreateConflict(ctx context.Context, rec model.ConflictRecord) (model.ConflictRecord, error)
	GetConflict(ctx context.Context, id uuid.UUID) (*model.ConflictRecord, error)
	ListConflictsByCluster(ctx context.Context, clusterID uuid.UUID) ([]model.ConflictRecord, error)
	ResolveConflict(ctx context.Context, id uuid.UUID, res model.Resolution) error
}

// Oracle is the judgment surface the engine needs.
type Oracle interface {
	DetectConflicts(ctx context.Context, signals []oracle.SignalText) ([]oracle.ConflictFinding, error)
}

// Engine detects and resolves conflicts.
type Engine struct {
	store  Store
	oracle Oracle
	logger *slog.Logger
}

// New creates a conflict engine.
func New(store Store, o Oracle, logger *slog.Logger) *Engine {
	return &Engine{store: store, oracle: o, logger: logger}
}

// DetectForSignal checks a newly assigned signal against its cluster's
// other members, pairwise. Pairs already covered by an open conflict are
// skipped. Returns the conflict records created.
func (e *Engine) DetectForSignal(ctx context.Context, signalID, clusterID uuid.UUID) ([]model.ConflictRecord, error) {
	signal, err := e.store.GetSignal(ctx, signalID)
	if err != nil {
		return nil, fmt.Errorf("conflicts: load signal: %w", err)
	}

	members, err := e.activeMembers(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	seen, err := e.openPairs(ctx, clusterID)
	if err != nil {
		return nil, err
	}

	var created []model.ConflictRecord
	for _, member := range members {
		if member.ID == signalID {
			continue
		}
		if seen[pairKey(signalID, member.ID)] {
			continue
		}

		findings, err := e.oracle.DetectConflicts(ctx, []oracle.SignalText{signalText(*signal), signalText(member)})
		if err != nil {
			return created, fmt.Errorf("conflicts: detect pair: %w", err)
		}

		records, err := e.persist(ctx, clusterID, findings)
		if err != nil {
			return created, err
		}
		created = append(created, records...)
	}
	return created, nil
}

// DetectAll re-examines a whole cluster. Memberships up to
// exhaustiveLimit are swept exhaustively, every pair in its own oracle
// call; larger ones go to the oracle in one batched call over all
// members so no pair is invisible to the sweep.
func (e *Engine) DetectAll(ctx context.Context, clusterID uuid.UUID) ([]model.ConflictRecord, error) {
	members, err := e.activeMembers(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	if len(members) < 2 {
		return nil, nil
	}
	seen, err := e.openPairs(ctx, clusterID)
	if err != nil {
		return nil, err
	}

	if len(members) <= exhaustiveLimit {
		return e.detectPairwise(ctx, clusterID, members, seen)
	}

	findings, err := e.oracle.DetectConflicts(ctx, signalTexts(members))
	if err != nil {
		return nil, fmt.Errorf("conflicts: detect batch: %w", err)
	}
	return e.persist(ctx, clusterID, dropKnown(findings, seen))
}

// detectPairwise sweeps every member pair not already covered by an
// open conflict.
func (e *Engine) detectPairwise(ctx context.Context, clusterID uuid.UUID, members []model.Signal, seen map[string]bool) ([]model.ConflictRecord, error) {
	var created []model.ConflictRecord
	for i := 0; i < len(members); i++ {
		for j := i + 1; j < len(members); j++ {
			if seen[pairKey(members[i].ID, members[j].ID)] {
				continue
			}

			findings, err := e.oracle.DetectConflicts(ctx, []oracle.SignalText{signalText(members[i]), signalText(members[j])})
			if err != nil {
				return created, fmt.Errorf("conflicts: detect pair: %w", err)
			}

			records, err := e.persist(ctx, clusterID, findings)
			if err != nil {
				return created, err
			}
			created = append(created, records...)
		}
	}
	return created, nil
}

// Resolve records a facilitator's answer to a conflict. The transition
// is one-way: resolving an already-resolved conflict fails with
// storage.ErrAlreadyResolved and the first answer stands. When a
// signal's last open conflict is resolved, its conflict flag is cleared.
func (e *Engine) Resolve(ctx context.Context, conflictID uuid.UUID, res model.Resolution) error {
	if _, err := model.ParseResolutionType(string(res.Type)); err != nil {
		return fmt.Errorf("conflicts: %w", err)
	}
	if res.ResolvedBy == "" {
		return errors.New("conflicts: resolution requires a resolver")
	}

	rec, err := e.store.GetConflict(ctx, conflictID)
	if err != nil {
		return fmt.Errorf("conflicts: load conflict: %w", err)
	}

	if err := e.store.ResolveConflict(ctx, conflictID, res); err != nil {
		return fmt.Errorf("conflicts: resolve: %w", err)
	}

	e.logger.Info("conflicts: resolved",
		"conflict_id", conflictID, "type", res.Type, "resolved_by", res.ResolvedBy)

	e.clearSettledFlags(ctx, rec)
	return nil
}

// activeMembers lists cluster members that still speak for themselves:
// duplicates are excluded, their canonical carries the facts.
func (e *Engine) activeMembers(ctx context.Context, clusterID uuid.UUID) ([]model.Signal, error) {
	members, err := e.store.ListSignalsByCluster(ctx, clusterID)
	if err != nil {
		return nil, fmt.Errorf("conflicts: list members: %w", err)
	}
	active := members[:0]
	for _, m := range members {
		if !m.IsDuplicate {
			active = append(active, m)
		}
	}
	return active, nil
}

// openPairs collects signal pairs already covered by an unresolved
// conflict, so re-detection doesn't file the same dispute twice.
func (e *Engine) openPairs(ctx context.Context, clusterID uuid.UUID) (map[string]bool, error) {
	existing, err := e.store.ListConflictsByCluster(ctx, clusterID)
	if err != nil {
		return nil, fmt.Errorf("conflicts: list existing: %w", err)
	}
	seen := map[string]bool{}
	for _, rec := range existing {
		if rec.Resolved {
			continue
		}
		for i := 0; i < len(rec.SignalIDs); i++ {
			for j := i + 1; j < len(rec.SignalIDs); j++ {
				seen[pairKey(rec.SignalIDs[i], rec.SignalIDs[j])] = true
			}
		}
	}
	return seen, nil
}

// persist writes findings as conflict records and flags every involved
// signal.
func (e *Engine) persist(ctx context.Context, clusterID uuid.UUID, findings []oracle.ConflictFinding) ([]model.ConflictRecord, error) {
	var created []model.ConflictRecord
	for _, f := range findings {
		signalIDs := make([]uuid.UUID, 0, len(f.Values))
		for id := range f.Values {
			signalIDs = append(signalIDs, id)
		}
		sort.Slice(signalIDs, func(i, j int) bool {
			return strings.Compare(signalIDs[i].String(), signalIDs[j].String()) < 0
		})

		rec, err := e.store.CreateConflict(ctx, model.ConflictRecord{
			ClusterID:   clusterID,
			SignalIDs:   signalIDs,
			Field:       f.Field,
			Severity:    f.Severity,
			Description: f.Description,
			Values:      f.Values,
		})
		if err != nil {
			return created, fmt.Errorf("conflicts: create record: %w", err)
		}

		hasConflict := true
		for _, id := range signalIDs {
			err := e.store.UpdateSignalFlags(ctx, id, model.SignalFlagPatch{
				HasConflict:   &hasConflict,
				AddConflictID: &rec.ID,
			})
			if err != nil {
				return created, fmt.Errorf("conflicts: flag signal %s: %w", id, err)
			}
		}

		e.logger.Info("conflicts: detected",
			"conflict_id", rec.ID, "cluster_id", clusterID,
			"field", rec.Field, "severity", rec.Severity, "signals", len(signalIDs))
		created = append(created, rec)
	}
	return created, nil
}

// clearSettledFlags drops has_conflict on signals with no remaining open
// conflicts. Best effort: a failure here leaves a stale flag, which the
// next resolution pass clears.
func (e *Engine) clearSettledFlags(ctx context.Context, rec *model.ConflictRecord) {
	remaining, err := e.store.ListConflictsByCluster(ctx, rec.ClusterID)
	if err != nil {
		e.logger.Warn("conflicts: list for flag clearing failed", "cluster_id", rec.ClusterID, "error", err)
		return
	}

	open := map[uuid.UUID]bool{}
	for _, r := range remaining {
		if r.Resolved {
			continue
		}
		for _, id := range r.SignalIDs {
			open[id] = true
		}
	}

	hasConflict := false
	for _, id := range rec.SignalIDs {
		if open[id] {
			continue
		}
		if err := e.store.UpdateSignalFlags(ctx, id, model.SignalFlagPatch{HasConflict: &hasConflict}); err != nil {
			e.logger.Warn("conflicts: clear flag failed", "signal_id", id, "error", err)
		}
	}
}

// dropKnown filters findings whose full signal pair set is already
// covered by an open conflict.
func dropKnown(findings []oracle.ConflictFinding, seen map[string]bool) []oracle.ConflictFinding {
	kept := findings[:0]
	for _, f := range findings {
		ids := make([]uuid.UUID, 0, len(f.Values))
		for id := range f.Values {
			ids = append(ids, id)
		}
		known := len(ids) > 1
		for i := 0; i < len(ids) && known; i++ {
			for j := i + 1; j < len(ids); j++ {
				if !seen[pairKey(ids[i], ids[j])] {
					known = false
					break
				}
			}
		}
		if !known {
			kept = append(kept, f)
		}
	}
	return kept
}

// pairKey is an order-independent key for a signal pair.
func pairKey(a, b uuid.UUID) string {
	if strings.Compare(a.String(), b.String()) > 0 {
		a, b = b, a
	}
	return a.String() + "|" + b.String()
}

func signalText(s model.Signal) oracle.SignalText {
	return oracle.SignalText{ID: s.ID, Content: s.Content, CreatedAt: s.CreatedAt}
}

func signalTexts(signals []model.Signal) []oracle.SignalText {
	texts := make([]oracle.SignalText, len(signals))
	for i, s := range signals {
		texts[i] = signalText(s)
	}
	return texts
}
