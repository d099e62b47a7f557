// Package search provides the signal vector index backed by Qdrant.
// The index stores only ids, payload filters, and embeddings; Postgres
// stays the source of truth and callers hydrate full signals from it.
package search

import (
	"time"

	"github.com/google/uuid"
)

// Result holds a signal ID and its raw cosine similarity from the index.
type Result struct {
	SignalID uuid.UUID
	Score    float32
}

// Point is the data needed to upsert a single signal into the index.
type Point struct {
	ID          uuid.UUID
	WorkspaceID string
	ChannelID   string
	CreatedAt   time.Time
	Embedding   []float32
}

// TopSignals returns the ids of the first n results.
func TopSignals(results []Result, n int) []uuid.UUID {
	if len(results) > n {
		results = results[:n]
	}
	ids := make([]uuid.UUID, len(results))
	for i, r := range results {
		ids[i] = r.SignalID
	}
	return ids
}
