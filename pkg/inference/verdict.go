package inference

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Verdict is the model's moderation decision.
type Verdict struct {
	Flagged    bool     `json:"flagged"`
	Reason     string   `json:"reason,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

type rawVerdict struct {
	Flagged    *bool    `json:"flagged"`
	Reason     string   `json:"reason"`
	Confidence *float64 `json:"confidence"`
}

// ParseVerdict decodes a verdict from model output. Markdown code fences are
// tolerated. Anything else than a JSON object with a boolean "flagged" field
// yields ErrMalformedResponse.
func ParseVerdict(text string) (Verdict, error) {
	body := stripFences(strings.TrimSpace(text))
	if body == "" {
		return Verdict{}, fmt.Errorf("%w: empty reply", ErrMalformedResponse)
	}

	var raw rawVerdict
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if raw.Flagged == nil {
		return Verdict{}, fmt.Errorf("%w: missing boolean \"flagged\"", ErrMalformedResponse)
	}
	if raw.Confidence != nil && (*raw.Confidence < 0 || *raw.Confidence > 1) {
		return Verdict{}, fmt.Errorf("%w: confidence %v out of range", ErrMalformedResponse, *raw.Confidence)
	}
	return Verdict{
		Flagged:    *raw.Flagged,
		Reason:     strings.TrimSpace(raw.Reason),
		Confidence: raw.Confidence,
	}, nil
}

func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
