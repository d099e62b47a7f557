package oracle

import (
	"fmt"
	"strings"
	"time"
)

// The prompts ask for JSON-only replies with a fixed shape per question.
// Replies that don't parse into that shape are rejected rather than
// guessed at; an ambiguous model is treated as a failed model.

const chooseClusterPrompt = `You are a triage assistant for a crisis response team.
A new signal has come in and must be filed against ongoing situations.

New signal (received %s):
%s

Candidate situations, most similar first:
%s

Decide which situation this signal belongs to. A signal belongs to a
situation only if it reports on the SAME underlying event, not merely a
similar kind of event. Two floods in different districts are different
situations. If none fit, say so.

Respond with ONLY valid JSON:
{"cluster": "<letter of the chosen candidate, or \"none\">", "reasoning": "<one sentence>"}`

const confirmDuplicatePrompt = `You are a triage assistant for a crisis response team.
Two signals from the field look alike. Decide whether they report the
SAME fact about the SAME event, or merely similar facts.

Signal A (received %s):
%s

Signal B (received %s):
%s

Guidance:
- Reports of the same incident from different witnesses ARE duplicates.
- Reports about the same place at clearly different times are NOT duplicates.
- A detailed report and a terse one ARE duplicates if the facts overlap.

Respond with ONLY valid JSON:
{"duplicate": true or false, "confidence": "low", "medium" or "high",
 "reasoning": "<one sentence>", "shared_facts": ["<fact>", ...]}`

const detectConflictsPrompt = `You are a triage assistant for a crisis response team.
The following signals all describe one ongoing situation. Find factual
CONTRADICTIONS between them: statements that cannot all be true.

%s

Guidance:
- A contradiction is two signals asserting INCOMPATIBLE values for the
  same fact (a shelter both open and closed, a road both passable and
  blocked).
- Signals covering different aspects of the situation do not conflict.
- A newer report updating an older one still counts: responders must see
  that the facts changed.
- Severity is "high" when acting on the wrong value endangers people,
  "medium" when it wastes significant resources, "low" otherwise.

Respond with ONLY valid JSON:
{"conflicts": [{"field": "<short name of the contested fact>",
  "severity": "high", "medium" or "low",
  "description": "<one sentence>",
  "values": {"<signal number>": "<asserted value>", ...}}]}
Use an empty list if there are no contradictions.`

const summarizePrompt = `You are a triage assistant for a crisis response team.
Summarize the situation described by the following field signals.

%s

Respond with ONLY valid JSON:
{"topic": "<one line, at most 80 characters>",
 "summary": "<2-4 sentences covering who, where, and what is needed>"}`

const scorePriorityPrompt = `You are a triage assistant for a crisis response team.
Rate the following situation for the response queue.

Topic: %s
Summary: %s

Signals:
%s

Score three dimensions from 0 to 100:
- urgency: how quickly a response is needed (100 = minutes matter)
- impact: how many people are affected and how severely
- risk: how likely the situation worsens without intervention

Do NOT produce an overall score; rate each dimension independently.

Respond with ONLY valid JSON:
{"urgency": <0-100>, "urgency_reasoning": "<one sentence>",
 "impact": <0-100>, "impact_reasoning": "<one sentence>",
 "risk": <0-100>, "risk_reasoning": "<one sentence>"}`

// candidateLetters label candidates in prompts; the model echoes a
// letter back instead of a UUID, which small models copy unreliably.
const candidateLetters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"

func formatCandidates(candidates []ClusterCandidate) string {
	var b strings.Builder
	for i, c := range candidates {
		fmt.Fprintf(&b, "Candidate %c (similarity %.2f):\nTopic: %s\nSummary: %s\n",
			candidateLetters[i], c.Similarity, c.Topic, c.Summary)
		for _, sample := range c.SampleContents {
			fmt.Fprintf(&b, "Sample signal: %s\n", sample)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// formatSignals numbers signals from 1; conflict findings reference
// these numbers and are mapped back to ids by the caller.
func formatSignals(signals []SignalText) string {
	var b strings.Builder
	for i, s := range signals {
		fmt.Fprintf(&b, "Signal %d (received %s):\n%s\n\n", i+1, s.CreatedAt.Format(time.RFC3339), s.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}
