package model

import (
	"time"

	"github.com/google/uuid"
)

// Composite priority weights. The composite is always computed locally
// with these fixed weights, never requested from the oracle, so the
// weighting policy is auditable and cannot drift between oracle calls.
const (
	WeightUrgency = 0.40
	WeightImpact  = 0.35
	WeightRisk    = 0.25
)

// PriorityScores holds the three oracle-scored axes for a cluster, each
// in [0,100], with a short rationale per axis.
type PriorityScores struct {
	Urgency int `json:"urgency"`
	Impact  int `json:"impact"`
	Risk    int `json:"risk"`

	UrgencyReasoning string `json:"urgency_reasoning,omitempty"`
	ImpactReasoning  string `json:"impact_reasoning,omitempty"`
	RiskReasoning    string `json:"risk_reasoning,omitempty"`
}

// Composite returns the fixed-weight combination of the three axes.
func (p PriorityScores) Composite() float64 {
	return WeightUrgency*float64(p.Urgency) +
		WeightImpact*float64(p.Impact) +
		WeightRisk*float64(p.Risk)
}

// Clamp bounds each axis to [0,100]. Oracle output is validated at the
// adapter boundary, but storage also clamps before persisting so a bad
// row can never leave the valid range.
func (p PriorityScores) Clamp() PriorityScores {
	p.Urgency = clampAxis(p.Urgency)
	p.Impact = clampAxis(p.Impact)
	p.Risk = clampAxis(p.Risk)
	return p
}

func clampAxis(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Cluster is a topical grouping of signals believed to describe the same
// incident. Topic, summary, and priority are regenerated from the complete
// current membership whenever membership changes.
type Cluster struct {
	ID          uuid.UUID `json:"id"`
	WorkspaceID string    `json:"workspace_id"`

	SignalIDs []uuid.UUID `json:"signal_ids"`

	Topic   string `json:"topic"`
	Summary string `json:"summary"`

	Priority PriorityScores `json:"priority"`

	// Promoted is set once the cluster has been escalated into the
	// downstream review workflow. Escalation itself happens outside the
	// triage core.
	Promoted bool `json:"promoted"`

	// Version supports optimistic concurrency on cluster writes. Every
	// summary/priority update carries the version it read; a stale write
	// is rejected so two signals racing into the same cluster cannot
	// silently clobber each other's regenerated summary.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasMember reports whether the signal is already in the cluster.
func (c *Cluster) HasMember(signalID uuid.UUID) bool {
	for _, id := range c.SignalIDs {
		if id == signalID {
			return true
		}
	}
	return false
}
