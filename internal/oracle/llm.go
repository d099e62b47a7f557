package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crisisloop/triage/internal/model"
)

// LLM is the Oracle implementation backed by a chat model. All replies
// are schema-checked; anything that doesn't parse cleanly comes back as
// ErrMalformedResponse instead of a guessed verdict.
type LLM struct {
	chat   ChatClient
	logger *slog.Logger
}

// NewLLM creates an oracle over the given chat transport.
func NewLLM(chat ChatClient, logger *slog.Logger) *LLM {
	return &LLM{chat: chat, logger: logger}
}

// extractJSON strips markdown fences and surrounding prose, returning
// the outermost JSON object in the reply.
func extractJSON(s string) (string, error) {
	s = strings.TrimSpace(s)
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start == -1 || end <= start {
		return "", fmt.Errorf("%w: no JSON object in reply", ErrMalformedResponse)
	}
	return s[start : end+1], nil
}

func (o *LLM) complete(ctx context.Context, prompt string, out any) error {
	reply, err := o.chat.Complete(ctx, prompt)
	if err != nil {
		return err
	}
	raw, err := extractJSON(reply)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

type chooseClusterReply struct {
	Cluster   string `json:"cluster"`
	Reasoning string `json:"reasoning"`
}

// ChooseCluster asks the model which candidate the signal belongs to.
// Candidates are labelled with letters in the prompt; the echoed letter
// is mapped back to a cluster id here.
func (o *LLM) ChooseCluster(ctx context.Context, signal SignalText, candidates []ClusterCandidate) (ClusterChoice, error) {
	if len(candidates) == 0 {
		return ClusterChoice{Reasoning: "no candidates"}, nil
	}
	if len(candidates) > len(candidateLetters) {
		candidates = candidates[:len(candidateLetters)]
	}

	prompt := fmt.Sprintf(chooseClusterPrompt,
		signal.CreatedAt.Format(time.RFC3339), signal.Content, formatCandidates(candidates))

	var reply chooseClusterReply
	if err := o.complete(ctx, prompt, &reply); err != nil {
		return ClusterChoice{}, err
	}

	label := strings.ToLower(strings.Trim(reply.Cluster, `[]" `))
	if label == "" || label == "none" || label == "new" {
		return ClusterChoice{Reasoning: reply.Reasoning}, nil
	}
	if len(label) != 1 {
		return ClusterChoice{}, fmt.Errorf("%w: cluster label %q", ErrMalformedResponse, reply.Cluster)
	}
	idx := int(label[0] - 'a')
	if idx < 0 || idx >= len(candidates) {
		return ClusterChoice{}, fmt.Errorf("%w: cluster label %q out of range", ErrMalformedResponse, reply.Cluster)
	}

	id := candidates[idx].ID
	return ClusterChoice{ClusterID: &id, Reasoning: reply.Reasoning}, nil
}

type duplicateReply struct {
	Duplicate   bool     `json:"duplicate"`
	Confidence  string   `json:"confidence"`
	Reasoning   string   `json:"reasoning"`
	SharedFacts []string `json:"shared_facts"`
}

// ConfirmDuplicate asks the model whether signal restates candidate.
func (o *LLM) ConfirmDuplicate(ctx context.Context, signal, candidate SignalText) (DuplicateVerdict, error) {
	prompt := fmt.Sprintf(confirmDuplicatePrompt,
		signal.CreatedAt.Format(time.RFC3339), signal.Content,
		candidate.CreatedAt.Format(time.RFC3339), candidate.Content)

	var reply duplicateReply
	if err := o.complete(ctx, prompt, &reply); err != nil {
		return DuplicateVerdict{}, err
	}

	confidence, err := model.ParseConfidence(reply.Confidence)
	if err != nil {
		return DuplicateVerdict{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	return DuplicateVerdict{
		IsDuplicate: reply.Duplicate,
		Confidence:  confidence,
		Reasoning:   reply.Reasoning,
		SharedFacts: reply.SharedFacts,
	}, nil
}

type conflictsReply struct {
	Conflicts []struct {
		Field       string            `json:"field"`
		Severity    string            `json:"severity"`
		Description string            `json:"description"`
		Values      map[string]string `json:"values"`
	} `json:"conflicts"`
}

// DetectConflicts asks the model for contradictions within a signal set.
// Signals are numbered in the prompt; echoed numbers are mapped back to
// ids here, and a number outside the set makes the reply malformed.
func (o *LLM) DetectConflicts(ctx context.Context, signals []SignalText) ([]ConflictFinding, error) {
	if len(signals) < 2 {
		return nil, nil
	}

	prompt := fmt.Sprintf(detectConflictsPrompt, formatSignals(signals))

	var reply conflictsReply
	if err := o.complete(ctx, prompt, &reply); err != nil {
		return nil, err
	}

	findings := make([]ConflictFinding, 0, len(reply.Conflicts))
	for _, c := range reply.Conflicts {
		severity, err := model.ParseSeverity(c.Severity)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		if c.Field == "" || len(c.Values) < 2 {
			return nil, fmt.Errorf("%w: conflict missing field or values", ErrMalformedResponse)
		}

		values := make(map[uuid.UUID]string, len(c.Values))
		for num, val := range c.Values {
			n, err := strconv.Atoi(strings.TrimSpace(num))
			if err != nil || n < 1 || n > len(signals) {
				return nil, fmt.Errorf("%w: conflict references signal %q", ErrMalformedResponse, num)
			}
			values[signals[n-1].ID] = val
		}

		findings = append(findings, ConflictFinding{
			Field:       c.Field,
			Severity:    severity,
			Description: c.Description,
			Values:      values,
		})
	}
	return findings, nil
}

type digestReply struct {
	Topic   string `json:"topic"`
	Summary string `json:"summary"`
}

// Summarize asks the model for a topic line and narrative summary.
func (o *LLM) Summarize(ctx context.Context, signals []SignalText) (ClusterDigest, error) {
	prompt := fmt.Sprintf(summarizePrompt, formatSignals(signals))

	var reply digestReply
	if err := o.complete(ctx, prompt, &reply); err != nil {
		return ClusterDigest{}, err
	}
	if reply.Topic == "" {
		return ClusterDigest{}, fmt.Errorf("%w: empty topic", ErrMalformedResponse)
	}
	return ClusterDigest{Topic: reply.Topic, Summary: reply.Summary}, nil
}

type priorityReply struct {
	Urgency          int    `json:"urgency"`
	UrgencyReasoning string `json:"urgency_reasoning"`
	Impact           int    `json:"impact"`
	ImpactReasoning  string `json:"impact_reasoning"`
	Risk             int    `json:"risk"`
	RiskReasoning    string `json:"risk_reasoning"`
}

// ScorePriority asks the model for component scores. Out-of-range values
// are clamped rather than rejected; a model off by a few points is still
// usable, an unparseable one is not.
func (o *LLM) ScorePriority(ctx context.Context, digest ClusterDigest, signals []SignalText) (model.PriorityScores, error) {
	prompt := fmt.Sprintf(scorePriorityPrompt, digest.Topic, digest.Summary, formatSignals(signals))

	var reply priorityReply
	if err := o.complete(ctx, prompt, &reply); err != nil {
		return model.PriorityScores{}, err
	}

	scores := model.PriorityScores{
		Urgency:          reply.Urgency,
		UrgencyReasoning: reply.UrgencyReasoning,
		Impact:           reply.Impact,
		ImpactReasoning:  reply.ImpactReasoning,
		Risk:             reply.Risk,
		RiskReasoning:    reply.RiskReasoning,
	}
	return scores.Clamp(), nil
}
