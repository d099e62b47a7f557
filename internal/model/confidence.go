package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Confidence is an ordered tier reported by the classification oracle.
// It is an explicit enumeration with a total order, not a string, so that
// threshold comparisons ("auto-apply only at medium or above") are
// well-defined.
type Confidence int

const (
	ConfidenceLow Confidence = iota + 1
	ConfidenceMedium
	ConfidenceHigh
)

// ParseConfidence maps the oracle's wire representation to a tier.
// Unknown values are an error, not a silent default: the oracle contract
// requires one of low/medium/high and anything else is malformed output.
func ParseConfidence(s string) (Confidence, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return ConfidenceLow, nil
	case "medium":
		return ConfidenceMedium, nil
	case "high":
		return ConfidenceHigh, nil
	default:
		return 0, fmt.Errorf("model: unknown confidence %q", s)
	}
}

func (c Confidence) String() string {
	switch c {
	case ConfidenceLow:
		return "low"
	case ConfidenceMedium:
		return "medium"
	case ConfidenceHigh:
		return "high"
	default:
		return fmt.Sprintf("confidence(%d)", int(c))
	}
}

// AtLeast reports whether c meets the given minimum tier.
func (c Confidence) AtLeast(min Confidence) bool {
	return c >= min
}

// MarshalJSON encodes the tier as its lowercase string form.
func (c Confidence) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON decodes a lowercase tier string.
func (c *Confidence) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseConfidence(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
