package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity grades how serious a detected contradiction is.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// ParseSeverity normalizes an oracle-reported severity. Unknown values
// are malformed oracle output.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityHigh:
		return SeverityHigh, nil
	case SeverityMedium:
		return SeverityMedium, nil
	case SeverityLow:
		return SeverityLow, nil
	default:
		return "", fmt.Errorf("model: unknown severity %q", s)
	}
}

// ResolutionType enumerates how a facilitator resolved a conflict.
type ResolutionType string

const (
	ResolutionOneValueCorrect ResolutionType = "one_value_correct"
	ResolutionBothPartial     ResolutionType = "both_partially_correct"
	ResolutionSuperseded      ResolutionType = "superseded_by_newer_info"
)

// ParseResolutionType validates a facilitator-supplied resolution type.
func ParseResolutionType(s string) (ResolutionType, error) {
	switch ResolutionType(s) {
	case ResolutionOneValueCorrect, ResolutionBothPartial, ResolutionSuperseded:
		return ResolutionType(s), nil
	default:
		return "", fmt.Errorf("model: unknown resolution type %q", s)
	}
}

// Resolution is the terminal state of a conflict. Written exactly once.
type Resolution struct {
	Type           ResolutionType `json:"type"`
	CanonicalValue string         `json:"canonical_value,omitempty"`
	ResolvedBy     string         `json:"resolved_by"`
	ResolvedAt     time.Time      `json:"resolved_at"`
}

// ConflictRecord is one detected contradiction between two or more signals
// in the same cluster. It is immutable once created except for the
// resolution fields, which transition unresolved -> resolved exactly once.
type ConflictRecord struct {
	ID        uuid.UUID `json:"id"`
	ClusterID uuid.UUID `json:"cluster_id"`

	// SignalIDs holds the two or more signals in tension.
	SignalIDs []uuid.UUID `json:"signal_ids"`

	// Field is the specific fact in contention, e.g. "location" or "status".
	Field    string   `json:"field"`
	Severity Severity `json:"severity"`

	// Description is the oracle's human-readable explanation.
	Description string `json:"description"`

	// Values maps each implicated signal to the value it asserted for Field.
	Values map[uuid.UUID]string `json:"values,omitempty"`

	Resolved   bool        `json:"resolved"`
	Resolution *Resolution `json:"resolution,omitempty"`

	DetectedAt time.Time `json:"detected_at"`
}
