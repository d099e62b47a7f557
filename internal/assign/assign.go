// Package assign routes incoming signals into situation clusters.
// Similarity recall proposes candidate clusters cheaply; the oracle
// makes the membership call. A signal that matches nothing starts a
// cluster of its own.
package assign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/crisisloop/triage/internal/model"
	"github.com/crisisloop/triage/internal/oracle"
	"github.com/crisisloop/triage/internal/search"
	"github.com/crisisloop/triage/internal/storage"
)

const (
	// ClusterThreshold is the minimum cosine similarity for a signal to
	// count as evidence of cluster membership. Inclusive: exactly at the
	// threshold still recalls.
	ClusterThreshold = 0.75

	// RecallLimit is how many similar signals the index is asked for.
	RecallLimit = 20

	// CandidateWindow caps how many candidate clusters are presented to
	// the oracle.
	CandidateWindow = 10

	// sampleSize is how many member signals are quoted per candidate.
	sampleSize = 3

	// regenAttempts bounds re-reads when a concurrent assignment bumps
	// the cluster version mid-regeneration.
	regenAttempts = 3
)

// Store is the persistence surface the assignment engine needs.
type Store interface {
	GetSignal(ctx context.Context, id uuid.UUID) (*model.Signal, error)
	GetSignalsByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]model.Signal, error)
	SetSignalEmbedding(ctx context.Context, id uuid.UUID, embedding *pgvector.Vector) error
	ClustersForSignals(ctx context.Context, signalIDs []uuid.UUID) ([]model.Cluster, error)
	CreateCluster(ctx context.Context, c model.Cluster) (model.Cluster, error)
	GetCluster(ctx context.Context, id uuid.UUID) (*model.Cluster, error)
	AddSignalToCluster(ctx context.Context, clusterID, signalID uuid.UUID) error
	ListSignalsByCluster(ctx context.Context, clusterID uuid.UUID) ([]model.Signal, error)
	UpdateClusterSummary(ctx context.Context, id uuid.UUID, version int64, topic, summary string) error
	UpdateClusterPriority(ctx context.Context, id uuid.UUID, version int64, p model.PriorityScores) error
}

// Index is the vector index surface the engine needs.
type Index interface {
	Query(ctx context.Context, workspaceID string, embedding []float32, excludeID uuid.UUID, minScore float32, limit int) ([]search.Result, error)
	Upsert(ctx context.Context, points []search.Point) error
}

// Embedder generates one embedding per signal.
type Embedder interface {
	Embed(ctx context.Context, text string) (pgvector.Vector, error)
}

// Oracle is the judgment surface the engine needs.
type Oracle interface {
	ChooseCluster(ctx context.Context, signal oracle.SignalText, candidates []oracle.ClusterCandidate) (oracle.ClusterChoice, error)
	Summarize(ctx context.Context, signals []oracle.SignalText) (oracle.ClusterDigest, error)
	ScorePriority(ctx context.Context, digest oracle.ClusterDigest, signals []oracle.SignalText) (model.PriorityScores, error)
}

// Result describes where a signal ended up.
type Result struct {
	ClusterID uuid.UUID
	Created   bool // true if a new cluster was started for this signal
	Reasoning string
}

// Engine assigns signals to clusters.
type Engine struct {
	store    Store
	index    Index
	embedder Embedder
	oracle   Oracle
	logger   *slog.Logger
}

// New creates an assignment engine.
func New(store Store, index Index, embedder Embedder, o Oracle, logger *slog.Logger) *Engine {
	return &Engine{store: store, index: index, embedder: embedder, oracle: o, logger: logger}
}

// Assign routes one signal into a cluster. Embedding and index failures
// degrade to the new-cluster path; oracle failures abort so the caller
// can retry with full context intact. Re-assigning an already-assigned
// signal converges on the same membership.
func (e *Engine) Assign(ctx context.Context, signalID uuid.UUID) (Result, error) {
	signal, err := e.store.GetSignal(ctx, signalID)
	if err != nil {
		return Result{}, fmt.Errorf("assign: load signal: %w", err)
	}

	embedding := e.ensureEmbedding(ctx, signal)

	candidates := e.recallCandidates(ctx, signal, embedding)

	var (
		choice oracle.ClusterChoice
		text   = signalText(*signal)
	)
	if len(candidates) > 0 {
		choice, err = e.oracle.ChooseCluster(ctx, text, candidates)
		if err != nil {
			return Result{}, fmt.Errorf("assign: choose cluster: %w", err)
		}
	}

	var result Result
	if choice.ClusterID == nil {
		cluster, err := e.createCluster(ctx, *signal, text)
		if err != nil {
			return Result{}, err
		}
		result = Result{ClusterID: cluster.ID, Created: true, Reasoning: choice.Reasoning}
	} else {
		clusterID := *choice.ClusterID
		if err := e.store.AddSignalToCluster(ctx, clusterID, signalID); err != nil {
			return Result{}, fmt.Errorf("assign: add member: %w", err)
		}
		if err := e.regenerate(ctx, clusterID); err != nil {
			return Result{}, err
		}
		result = Result{ClusterID: clusterID, Reasoning: choice.Reasoning}
	}

	e.indexSignal(ctx, *signal, embedding)
	return result, nil
}

// ensureEmbedding returns the signal's embedding, generating and
// persisting one if it is missing. Failure is logged and swallowed: a
// signal without an embedding still gets triaged, it just recalls no
// candidates.
func (e *Engine) ensureEmbedding(ctx context.Context, signal *model.Signal) []float32 {
	if signal.Embedding != nil {
		return signal.Embedding.Slice()
	}

	vec, err := e.embedder.Embed(ctx, signal.Content)
	if err != nil {
		e.logger.Warn("assign: embedding failed, proceeding without recall",
			"signal_id", signal.ID, "error", err)
		return nil
	}
	if err := e.store.SetSignalEmbedding(ctx, signal.ID, &vec); err != nil {
		e.logger.Warn("assign: persist embedding failed", "signal_id", signal.ID, "error", err)
	}
	signal.Embedding = &vec
	return vec.Slice()
}

// recallCandidates queries the index and rolls similar signals up into
// candidate clusters. A cluster's score is the similarity of its MOST
// similar member; one strong match beats several weak ones.
func (e *Engine) recallCandidates(ctx context.Context, signal *model.Signal, embedding []float32) []oracle.ClusterCandidate {
	if embedding == nil {
		return nil
	}

	hits, err := e.index.Query(ctx, signal.WorkspaceID, embedding, signal.ID, ClusterThreshold, RecallLimit)
	if err != nil {
		e.logger.Warn("assign: index query failed, proceeding without recall",
			"signal_id", signal.ID, "error", err)
		return nil
	}
	if len(hits) == 0 {
		return nil
	}

	clusters, err := e.store.ClustersForSignals(ctx, search.TopSignals(hits, len(hits)))
	if err != nil {
		e.logger.Warn("assign: candidate lookup failed, proceeding without recall",
			"signal_id", signal.ID, "error", err)
		return nil
	}

	scoreByHit := make(map[uuid.UUID]float32, len(hits))
	for _, h := range hits {
		scoreByHit[h.SignalID] = h.Score
	}

	candidates := make([]oracle.ClusterCandidate, 0, len(clusters))
	for _, c := range clusters {
		best := float32(0)
		var matched []uuid.UUID
		for _, memberID := range c.SignalIDs {
			if score, ok := scoreByHit[memberID]; ok {
				matched = append(matched, memberID)
				if score > best {
					best = score
				}
			}
		}
		if len(matched) == 0 {
			continue
		}
		candidates = append(candidates, oracle.ClusterCandidate{
			ID:             c.ID,
			Topic:          c.Topic,
			Summary:        c.Summary,
			Similarity:     best,
			SampleContents: e.sampleContents(ctx, matched, scoreByHit),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Similarity > candidates[j].Similarity
	})
	if len(candidates) > CandidateWindow {
		candidates = candidates[:CandidateWindow]
	}
	return candidates
}

// sampleContents fetches the content of up to sampleSize matched members,
// most similar first.
func (e *Engine) sampleContents(ctx context.Context, matched []uuid.UUID, scores map[uuid.UUID]float32) []string {
	sort.Slice(matched, func(i, j int) bool {
		return scores[matched[i]] > scores[matched[j]]
	})
	if len(matched) > sampleSize {
		matched = matched[:sampleSize]
	}

	signals, err := e.store.GetSignalsByIDs(ctx, matched)
	if err != nil {
		e.logger.Warn("assign: sample hydration failed", "error", err)
		return nil
	}

	contents := make([]string, 0, len(matched))
	for _, id := range matched {
		if s, ok := signals[id]; ok {
			contents = append(contents, s.Content)
		}
	}
	return contents
}

// createCluster starts a new cluster seeded from a single signal. The
// oracle writes the first digest and priority; either failing aborts the
// assignment before anything is persisted.
func (e *Engine) createCluster(ctx context.Context, signal model.Signal, text oracle.SignalText) (model.Cluster, error) {
	texts := []oracle.SignalText{text}

	digest, err := e.oracle.Summarize(ctx, texts)
	if err != nil {
		return model.Cluster{}, fmt.Errorf("assign: seed summary: %w", err)
	}
	scores, err := e.oracle.ScorePriority(ctx, digest, texts)
	if err != nil {
		return model.Cluster{}, fmt.Errorf("assign: seed priority: %w", err)
	}

	cluster, err := e.store.CreateCluster(ctx, model.Cluster{
		WorkspaceID: signal.WorkspaceID,
		Topic:       digest.Topic,
		Summary:     digest.Summary,
		Priority:    scores,
	})
	if err != nil {
		return model.Cluster{}, fmt.Errorf("assign: create cluster: %w", err)
	}
	if err := e.store.AddSignalToCluster(ctx, cluster.ID, signal.ID); err != nil {
		return model.Cluster{}, fmt.Errorf("assign: add seed member: %w", err)
	}

	e.logger.Info("assign: started cluster",
		"cluster_id", cluster.ID, "signal_id", signal.ID, "topic", digest.Topic)
	return cluster, nil
}

// RegenerateCluster recomputes a cluster's digest and priority from its
// current non-duplicate membership. The pipeline calls this after a
// member is marked duplicate so the summary stops quoting restated text.
func (e *Engine) RegenerateCluster(ctx context.Context, clusterID uuid.UUID) error {
	return e.regenerate(ctx, clusterID)
}

// regenerate recomputes a cluster's digest and priority from its full
// current membership. Writes are version-guarded; losing the race means
// someone else changed the membership, so re-read and regenerate.
func (e *Engine) regenerate(ctx context.Context, clusterID uuid.UUID) error {
	var lastErr error
	for attempt := 0; attempt < regenAttempts; attempt++ {
		cluster, err := e.store.GetCluster(ctx, clusterID)
		if err != nil {
			return fmt.Errorf("assign: reload cluster: %w", err)
		}
		members, err := e.store.ListSignalsByCluster(ctx, clusterID)
		if err != nil {
			return fmt.Errorf("assign: list members: %w", err)
		}
		// Duplicates restate another member; they add nothing to the digest.
		texts := signalTexts(originals(members))

		digest, err := e.oracle.Summarize(ctx, texts)
		if err != nil {
			return fmt.Errorf("assign: regenerate summary: %w", err)
		}
		scores, err := e.oracle.ScorePriority(ctx, digest, texts)
		if err != nil {
			return fmt.Errorf("assign: regenerate priority: %w", err)
		}

		err = e.store.UpdateClusterSummary(ctx, clusterID, cluster.Version, digest.Topic, digest.Summary)
		if errors.Is(err, storage.ErrVersionConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return fmt.Errorf("assign: write summary: %w", err)
		}

		// The summary write advanced the version by one.
		err = e.store.UpdateClusterPriority(ctx, clusterID, cluster.Version+1, scores)
		if errors.Is(err, storage.ErrVersionConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return fmt.Errorf("assign: write priority: %w", err)
		}
		return nil
	}
	return fmt.Errorf("assign: regenerate cluster %s: %w", clusterID, lastErr)
}

// indexSignal upserts the signal into the vector index so later arrivals
// can recall it. Failure is logged and swallowed: the assignment already
// happened in Postgres, and the index heals on the next upsert.
func (e *Engine) indexSignal(ctx context.Context, signal model.Signal, embedding []float32) {
	if embedding == nil {
		return
	}
	err := e.index.Upsert(ctx, []search.Point{{
		ID:          signal.ID,
		WorkspaceID: signal.WorkspaceID,
		ChannelID:   signal.ChannelID,
		CreatedAt:   signal.CreatedAt,
		Embedding:   embedding,
	}})
	if err != nil {
		e.logger.Warn("assign: index upsert failed", "signal_id", signal.ID, "error", err)
	}
}

func signalText(s model.Signal) oracle.SignalText {
	return oracle.SignalText{ID: s.ID, Content: s.Content, CreatedAt: s.CreatedAt}
}

// originals drops members flagged as duplicates. A cluster that is
// somehow all duplicates keeps its full membership rather than handing
// the oracle nothing.
func originals(signals []model.Signal) []model.Signal {
	kept := make([]model.Signal, 0, len(signals))
	for _, s := range signals {
		if !s.IsDuplicate {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		return signals
	}
	return kept
}

func signalTexts(signals []model.Signal) []oracle.SignalText {
	texts := make([]oracle.SignalText, len(signals))
	for i, s := range signals {
		texts[i] = signalText(s)
	}
	return texts
}
