package triage

import (
	"context"
	"io/fs"
	"log/slog"

	"github.com/crisisloop/triage/internal/config"
)

// EmbeddingProvider is the public embedding extension point. The
// built-in providers (Ollama, OpenAI, noop) are selected from config;
// supply one here to bypass them.
type EmbeddingProvider interface {
	// Embed generates one embedding vector from text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector dimensionality. It must
	// match the Qdrant collection's configured size.
	Dimensions() int
}

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	databaseURL string
	notifyURL   string
	logger      *slog.Logger
	version     string
	embedder    EmbeddingProvider
	migrations  fs.FS
}

func resolveOptions(opts []Option) *resolvedOptions {
	o := &resolvedOptions{
		version:    "dev",
		migrations: defaultMigrations(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// applyOverrides layers option values over env-derived config.
func (o *resolvedOptions) applyOverrides(cfg *config.Config) {
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY (NOTIFY_URL env var).
// Set this when using a connection pooler (e.g. PgBouncer) for queries — LISTEN/NOTIFY
// requires a direct (non-pooled) connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in telemetry and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithEmbeddingProvider replaces the auto-detected embedding provider
// (Ollama/OpenAI/noop). Only the last call wins.
func WithEmbeddingProvider(p EmbeddingProvider) Option {
	return func(o *resolvedOptions) { o.embedder = p }
}

// WithMigrations replaces the migration filesystem read at startup.
// Defaults to the SQL migrations embedded in the binary.
func WithMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.migrations = dir }
}
