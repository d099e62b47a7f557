// Package model defines the core triage entities: signals, clusters,
// priority scores, conflict records, and duplicate matches.
//
// This package has no internal dependencies. The engines (assign,
// duplicates, conflicts) depend downward on it plus on abstract
// interfaces for the similarity index and the classification oracle,
// never on each other.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// Signal is one atomic incident report ingested from a source channel.
// Signals are created by the ingestion layer; the triage engines only
// mutate the duplicate and conflict flag sets.
type Signal struct {
	ID          uuid.UUID `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	ChannelID   string    `json:"channel_id"`
	Content     string    `json:"content"`

	// ClusterIDs lists every cluster this signal belongs to. A signal can
	// legitimately be relevant to more than one topic.
	ClusterIDs []uuid.UUID `json:"cluster_ids,omitempty"`

	// Duplicate flags. A signal with IsDuplicate=true always carries a
	// DuplicateOf pointing to its canonical signal; the canonical signal
	// is never itself marked duplicate (no chains).
	IsDuplicate bool       `json:"is_duplicate"`
	DuplicateOf *uuid.UUID `json:"duplicate_of,omitempty"`

	// Conflict flags. ConflictIDs back-reference the ConflictRecords this
	// signal is implicated in.
	HasConflict bool        `json:"has_conflict"`
	ConflictIDs []uuid.UUID `json:"conflict_ids,omitempty"`

	Embedding *pgvector.Vector `json:"-"`

	CreatedAt time.Time `json:"created_at"`
}

// SignalFlagPatch is a partial update to a signal's mutable flag set.
// Nil fields are left untouched.
type SignalFlagPatch struct {
	IsDuplicate *bool
	DuplicateOf *uuid.UUID
	HasConflict *bool
	// AddConflictID appends a conflict back-reference without replacing
	// the existing list.
	AddConflictID *uuid.UUID
}

// DuplicateMatch is the transient result of comparing a signal against one
// in-cluster candidate. It is never persisted as its own entity; the
// duplicate engine uses it to decide whether to write flags onto Signal.
type DuplicateMatch struct {
	SignalID    uuid.UUID  `json:"signal_id"`
	Similarity  float32    `json:"similarity"`
	Confidence  Confidence `json:"confidence"`
	Reasoning   string     `json:"reasoning"`
	SharedFacts []string   `json:"shared_facts,omitempty"`

	// AutoApplied is true when the engine wrote the duplicate flags for
	// this match. Confirmed matches below the confidence floor come back
	// with AutoApplied=false for a facilitator to review.
	AutoApplied bool `json:"auto_applied"`
}
