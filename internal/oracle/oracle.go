// Package oracle provides natural-language judgment over signals.
// Vector similarity recalls candidates; the oracle makes the call.
// Implementations answer five questions: which cluster a signal belongs
// to, whether two signals report the same fact, whether a set of signals
// contradict each other, what a cluster is about, and how important it is.
package oracle

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/crisisloop/triage/internal/model"
)

// ErrMalformedResponse indicates the model replied with something that
// could not be parsed into the expected structure. Callers treat it as
// any other oracle failure: the operation aborts and may be retried.
var ErrMalformedResponse = errors.New("oracle: malformed response")

// SignalText is the slice of a signal an oracle call needs.
type SignalText struct {
	ID        uuid.UUID
	Content   string
	CreatedAt time.Time
}

// ClusterCandidate is one candidate cluster presented for assignment,
// with enough context for the model to judge topical fit.
type ClusterCandidate struct {
	ID             uuid.UUID
	Topic          string
	Summary        string
	Similarity     float32
	SampleContents []string
}

// ClusterChoice is the assignment verdict. A nil ClusterID means none of
// the candidates fit and a new cluster should be started.
type ClusterChoice struct {
	ClusterID *uuid.UUID
	Reasoning string
}

// DuplicateVerdict is the answer to "do these two signals report the
// same underlying fact".
type DuplicateVerdict struct {
	IsDuplicate bool
	Confidence  model.Confidence
	Reasoning   string
	SharedFacts []string
}

// ConflictFinding is one contradiction the model found in a set of
// signals. Values maps each involved signal to the value it asserts for
// the contested field.
type ConflictFinding struct {
	Field       string
	Severity    model.Severity
	Description string
	Values      map[uuid.UUID]string
}

// ClusterDigest is a regenerated topic line and narrative summary.
type ClusterDigest struct {
	Topic   string
	Summary string
}

// Oracle is the judgment interface the triage engines depend on.
// Implementations must be safe for concurrent use.
type Oracle interface {
	// ChooseCluster picks which candidate cluster a signal belongs to,
	// or none of them.
	ChooseCluster(ctx context.Context, signal SignalText, candidates []ClusterCandidate) (ClusterChoice, error)

	// ConfirmDuplicate judges whether signal restates candidate.
	ConfirmDuplicate(ctx context.Context, signal, candidate SignalText) (DuplicateVerdict, error)

	// DetectConflicts finds factual contradictions within a set of signals.
	DetectConflicts(ctx context.Context, signals []SignalText) ([]ConflictFinding, error)

	// Summarize produces a topic and summary covering all given signals.
	Summarize(ctx context.Context, signals []SignalText) (ClusterDigest, error)

	// ScorePriority rates urgency, impact, and risk for a cluster.
	// Implementations return only the component scores and reasoning;
	// the composite is computed by the caller, never by the model.
	ScorePriority(ctx context.Context, digest ClusterDigest, signals []SignalText) (model.PriorityScores, error)
}

// Noop is an Oracle for tests and unconfigured deployments. It never
// merges, never confirms, and never finds conflicts, so every signal
// lands in its own cluster and no destructive flag is ever set.
type Noop struct{}

func (Noop) ChooseCluster(_ context.Context, _ SignalText, _ []ClusterCandidate) (ClusterChoice, error) {
	return ClusterChoice{Reasoning: "no oracle configured"}, nil
}

func (Noop) ConfirmDuplicate(_ context.Context, _, _ SignalText) (DuplicateVerdict, error) {
	return DuplicateVerdict{IsDuplicate: false, Confidence: model.ConfidenceLow, Reasoning: "no oracle configured"}, nil
}

func (Noop) DetectConflicts(_ context.Context, _ []SignalText) ([]ConflictFinding, error) {
	return nil, nil
}

func (Noop) Summarize(_ context.Context, signals []SignalText) (ClusterDigest, error) {
	topic := ""
	if len(signals) > 0 {
		topic = firstLine(signals[0].Content, 80)
	}
	return ClusterDigest{Topic: topic, Summary: topic}, nil
}

func (Noop) ScorePriority(_ context.Context, _ ClusterDigest, _ []SignalText) (model.PriorityScores, error) {
	return model.PriorityScores{}, nil
}

// firstLine truncates content to its first line, capped at max runes.
func firstLine(s string, max int) string {
	for i, r := range s {
		if r == '\n' || i >= max {
			return s[:i]
		}
	}
	return s
}
