// Package triage is the public API for embedding the crisis signal
// triage service. Consumers construct an App with New(), feed it
// signals with Ingest or Process, and review the results through the
// cluster and conflict accessors.
//
// The import graph enforces a strict no-cycle rule: triage (root)
// imports internal packages, never the other way around. The engines
// under internal/ never import each other; only the pipeline and this
// package see all of them.
package triage

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/pgvector/pgvector-go"

	"github.com/crisisloop/triage/internal/assign"
	"github.com/crisisloop/triage/internal/config"
	"github.com/crisisloop/triage/internal/conflicts"
	"github.com/crisisloop/triage/internal/duplicates"
	"github.com/crisisloop/triage/internal/embedding"
	"github.com/crisisloop/triage/internal/model"
	"github.com/crisisloop/triage/internal/oracle"
	"github.com/crisisloop/triage/internal/pipeline"
	"github.com/crisisloop/triage/internal/priority"
	"github.com/crisisloop/triage/internal/search"
	"github.com/crisisloop/triage/internal/storage"
	"github.com/crisisloop/triage/internal/telemetry"
	"github.com/crisisloop/triage/migrations"
)

// healthInterval is how often Run probes the database and vector index.
const healthInterval = 30 * time.Second

// App is the triage service lifecycle. Construct with New(), run with
// Run(). App has no public fields; use New() options to configure it.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	db    *storage.DB
	index *search.QdrantIndex

	assigner   *assign.Engine
	duplicates *duplicates.Engine
	conflicts  *conflicts.Engine
	priority   *priority.Scorer
	pipeline   *pipeline.Pipeline

	otelShutdown telemetry.Shutdown
}

// New initialises the triage service. It connects to Postgres, runs
// migrations, ensures the Qdrant collection, and wires the engines.
// It does NOT start any goroutines; call Run().
func New(ctx context.Context, opts ...Option) (*App, error) {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	o := resolveOptions(opts)

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("triage: load config: %w", err)
	}
	o.applyOverrides(&cfg)

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, o.version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("triage: telemetry: %w", err)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("triage: storage: %w", err)
	}

	if err := db.RunMigrations(ctx, o.migrations); err != nil {
		db.Close(ctx)
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("triage: migrations: %w", err)
	}

	index, err := search.NewQdrantIndex(search.QdrantConfig{
		URL:        cfg.QdrantURL,
		APIKey:     cfg.QdrantAPIKey,
		Collection: cfg.QdrantCollection,
		Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
	}, logger)
	if err != nil {
		db.Close(ctx)
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("triage: qdrant: %w", err)
	}
	if err := index.EnsureCollection(ctx); err != nil {
		_ = index.Close()
		db.Close(ctx)
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("triage: qdrant ensure collection: %w", err)
	}

	var embedder embedding.Provider
	if o.embedder != nil {
		embedder = embedderAdapter{p: o.embedder}
	} else {
		embedder = newEmbeddingProvider(cfg, logger)
	}

	judge := newOracle(cfg, logger)

	minConfidence, err := model.ParseConfidence(cfg.MinDuplicateConfidence)
	if err != nil {
		_ = index.Close()
		db.Close(ctx)
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("triage: %w", err)
	}

	assigner := assign.New(db, index, embedder, judge, logger)
	dups := duplicates.New(db, index, judge, minConfidence, logger)
	detector := conflicts.New(db, judge, logger)
	scorer := priority.New(db, judge, logger)

	var notifier pipeline.Notifier
	if db.HasNotifyConn() {
		notifier = db
	}
	pipe := pipeline.New(assigner, dups, detector, notifier, logger)

	return &App{
		cfg:          cfg,
		logger:       logger,
		db:           db,
		index:        index,
		assigner:     assigner,
		duplicates:   dups,
		conflicts:    detector,
		priority:     scorer,
		pipeline:     pipe,
		otelShutdown: otelShutdown,
	}, nil
}

// Ingest stores a new signal and runs it through the full triage
// pipeline. The returned signal carries its assigned id.
func (a *App) Ingest(ctx context.Context, workspaceID, channelID, content string) (model.Signal, pipeline.Outcome, error) {
	signal, err := a.db.CreateSignal(ctx, model.Signal{
		WorkspaceID: workspaceID,
		ChannelID:   channelID,
		Content:     content,
	})
	if err != nil {
		return model.Signal{}, pipeline.Outcome{}, fmt.Errorf("triage: create signal: %w", err)
	}

	outcome, err := a.pipeline.Process(ctx, signal.ID)
	if err != nil {
		// The signal is stored; triage can be retried with Process.
		return signal, pipeline.Outcome{}, err
	}
	return signal, outcome, nil
}

// Process re-runs the triage pipeline for an already-stored signal.
func (a *App) Process(ctx context.Context, signalID uuid.UUID) (pipeline.Outcome, error) {
	return a.pipeline.Process(ctx, signalID)
}

// Signal returns one stored signal.
func (a *App) Signal(ctx context.Context, id uuid.UUID) (*model.Signal, error) {
	return a.db.GetSignal(ctx, id)
}

// Cluster returns one cluster with its ordered membership.
func (a *App) Cluster(ctx context.Context, id uuid.UUID) (*model.Cluster, error) {
	return a.db.GetCluster(ctx, id)
}

// Clusters lists a workspace's clusters, highest composite priority
// first.
func (a *App) Clusters(ctx context.Context, workspaceID string) ([]model.Cluster, error) {
	return a.db.ListClusters(ctx, workspaceID)
}

// ClusterSignals lists a cluster's member signals in join order.
func (a *App) ClusterSignals(ctx context.Context, clusterID uuid.UUID) ([]model.Signal, error) {
	return a.db.ListSignalsByCluster(ctx, clusterID)
}

// ClusterConflicts lists a cluster's conflict records, unresolved first.
func (a *App) ClusterConflicts(ctx context.Context, clusterID uuid.UUID) ([]model.ConflictRecord, error) {
	return a.db.ListConflictsByCluster(ctx, clusterID)
}

// ConflictQueue lists a workspace's unresolved conflicts for review.
func (a *App) ConflictQueue(ctx context.Context, workspaceID string) ([]model.ConflictRecord, error) {
	return a.db.ListUnresolvedConflicts(ctx, workspaceID)
}

// ResolveConflict records how a facilitator settled a conflict. A
// conflict resolves exactly once; a second attempt fails with
// storage.ErrAlreadyResolved.
func (a *App) ResolveConflict(ctx context.Context, conflictID uuid.UUID, res model.Resolution) error {
	return a.conflicts.Resolve(ctx, conflictID, res)
}

// SweepConflicts runs a full pairwise conflict pass over a cluster.
func (a *App) SweepConflicts(ctx context.Context, clusterID uuid.UUID) ([]model.ConflictRecord, error) {
	return a.conflicts.DetectAll(ctx, clusterID)
}

// ConfirmDuplicate marks a signal as a duplicate of canonicalID on a
// facilitator's authority, recording who and why.
func (a *App) ConfirmDuplicate(ctx context.Context, signalID, canonicalID uuid.UUID, actor, note string) error {
	return a.duplicates.Confirm(ctx, signalID, canonicalID, actor, note)
}

// RejectDuplicate clears a signal's duplicate flag on a facilitator's
// authority.
func (a *App) RejectDuplicate(ctx context.Context, signalID uuid.UUID, actor, note string) error {
	return a.duplicates.Reject(ctx, signalID, actor, note)
}

// Rescore re-runs priority scoring for a cluster.
func (a *App) Rescore(ctx context.Context, clusterID uuid.UUID) (model.PriorityScores, error) {
	return a.priority.Rescore(ctx, clusterID)
}

// Promote pins a cluster to the top of the queue regardless of score.
func (a *App) Promote(ctx context.Context, clusterID uuid.UUID) error {
	return a.priority.Promote(ctx, clusterID)
}

// Demote clears a manual promotion.
func (a *App) Demote(ctx context.Context, clusterID uuid.UUID) error {
	return a.priority.Demote(ctx, clusterID)
}

// Update is one queue-change notification from the triage pipeline.
// Channel is storage.ChannelClusters or storage.ChannelConflicts; the
// payload is the changed entity's id. Consumers re-fetch via the
// accessors rather than trusting the payload for anything but identity.
type Update struct {
	Channel string
	Payload string
}

// Updates streams cluster and conflict queue changes to fn until ctx is
// cancelled. Requires the dedicated notify connection (NOTIFY_URL).
func (a *App) Updates(ctx context.Context, fn func(Update)) error {
	for _, channel := range []string{storage.ChannelClusters, storage.ChannelConflicts} {
		if err := a.db.Listen(ctx, channel); err != nil {
			return fmt.Errorf("triage: %w", err)
		}
	}
	for {
		channel, payload, err := a.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("triage: wait for update: %w", err)
		}
		fn(Update{Channel: channel, Payload: payload})
	}
}

// Run blocks until ctx is cancelled, probing the database and vector
// index on an interval so degraded dependencies show up in the logs
// before they show up in triage quality.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("triage ready",
		"collection", a.cfg.QdrantCollection,
		"embedding_dims", a.cfg.EmbeddingDimensions)

	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.db.Ping(ctx); err != nil {
				a.logger.Warn("health: database unreachable", "error", err)
			}
			if err := a.index.Healthy(ctx); err != nil {
				a.logger.Warn("health: vector index unreachable", "error", err)
			}
		}
	}
}

// Shutdown releases the App's connections and flushes telemetry.
func (a *App) Shutdown(ctx context.Context) error {
	if err := a.index.Close(); err != nil {
		a.logger.Warn("shutdown: close index", "error", err)
	}
	a.db.Close(ctx)
	if err := a.otelShutdown(ctx); err != nil {
		return fmt.Errorf("triage: telemetry shutdown: %w", err)
	}
	return nil
}

// newEmbeddingProvider creates an embedding provider from config.
// Auto mode prefers Ollama if reachable (embeddings stay on-premises),
// then OpenAI if a key is present, else noop.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when TRIAGE_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)

	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)

	case "noop":
		logger.Info("embedding provider: noop (similarity recall disabled)")
		return embedding.NewNoopProvider(dims)

	default: // "auto"
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
		}
		logger.Warn("no embedding provider available, using noop (similarity recall disabled)")
		return embedding.NewNoopProvider(dims)
	}
}

// newOracle creates the classification oracle from config with the
// same auto-detect order as embeddings. Noop keeps ingest functional
// when no model is reachable: every signal starts its own cluster and
// nothing is flagged.
func newOracle(cfg config.Config, logger *slog.Logger) oracle.Oracle {
	switch cfg.OracleProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when TRIAGE_ORACLE_PROVIDER=openai")
			return oracle.Noop{}
		}
		logger.Info("oracle: openai", "model", cfg.OracleModel)
		return oracle.NewLLM(oracle.NewOpenAIChat(cfg.OpenAIAPIKey, cfg.OracleModel, cfg.OracleTimeout), logger)

	case "ollama":
		logger.Info("oracle: ollama", "url", cfg.OllamaURL, "model", cfg.OracleModel)
		return oracle.NewLLM(oracle.NewOllamaChat(cfg.OllamaURL, cfg.OracleModel, cfg.OracleTimeout), logger)

	case "noop":
		logger.Info("oracle: noop (degraded triage)")
		return oracle.Noop{}

	default: // "auto"
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("oracle: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OracleModel)
			return oracle.NewLLM(oracle.NewOllamaChat(cfg.OllamaURL, cfg.OracleModel, cfg.OracleTimeout), logger)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("oracle: openai (auto-detected)", "model", cfg.OracleModel)
			return oracle.NewLLM(oracle.NewOpenAIChat(cfg.OpenAIAPIKey, cfg.OracleModel, cfg.OracleTimeout), logger)
		}
		logger.Warn("no oracle available, using noop (degraded triage)")
		return oracle.Noop{}
	}
}

// ollamaReachable checks if an Ollama server is responding.
func ollamaReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// defaultMigrations returns the SQL migrations embedded in the binary.
func defaultMigrations() fs.FS {
	return migrations.FS
}

// embedderAdapter bridges the public EmbeddingProvider interface to the
// internal provider surface. Lives here because this is the only file
// that imports both sides of the boundary.
type embedderAdapter struct {
	p EmbeddingProvider
}

func (a embedderAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	raw, err := a.p.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(raw), nil
}

func (a embedderAdapter) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	out := make([]pgvector.Vector, len(texts))
	for i, text := range texts {
		vec, err := a.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (a embedderAdapter) Dimensions() int {
	return a.p.Dimensions()
}

var _ embedding.Provider = embedderAdapter{}
