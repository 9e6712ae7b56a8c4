// Package inference defines the moderation client used by the submission
// engine and the verdict format every backend returns.
package inference

import (
	"context"
	"fmt"
	"strings"
)

// ServiceTier selects the provider's latency/price class.
type ServiceTier string

const (
	TierFlex     ServiceTier = "flex"
	TierDefault  ServiceTier = "default"
	TierPriority ServiceTier = "priority"
)

// ParseServiceTier validates a tier. Empty means TierDefault.
func ParseServiceTier(s string) (ServiceTier, error) {
	switch ServiceTier(strings.ToLower(strings.TrimSpace(s))) {
	case "", TierDefault:
		return TierDefault, nil
	case TierFlex:
		return TierFlex, nil
	case TierPriority:
		return TierPriority, nil
	}
	return "", fmt.Errorf("unknown service tier %q (want flex, default or priority)", s)
}

// ReasoningEffort bounds how much the model deliberates.
type ReasoningEffort string

const (
	EffortLow    ReasoningEffort = "low"
	EffortMedium ReasoningEffort = "medium"
	EffortHigh   ReasoningEffort = "high"
)

// ParseReasoningEffort validates an effort. Empty means EffortMedium.
func ParseReasoningEffort(s string) (ReasoningEffort, error) {
	switch ReasoningEffort(strings.ToLower(strings.TrimSpace(s))) {
	case "", EffortMedium:
		return EffortMedium, nil
	case EffortLow:
		return EffortLow, nil
	case EffortHigh:
		return EffortHigh, nil
	}
	return "", fmt.Errorf("unknown reasoning effort %q (want low, medium or high)", s)
}

// Request is one moderation call.
type Request struct {
	Model           string
	Prompt          string
	ServiceTier     ServiceTier
	ReasoningEffort ReasoningEffort
	// RecordID is used for logging only.
	RecordID string
}

// Response is a parsed moderation result.
type Response struct {
	Verdict      Verdict
	Raw          string
	InputTokens  int64
	OutputTokens int64
}

// Client submits moderation prompts. Implementations must be safe for
// concurrent use and honor ctx cancellation.
type Client interface {
	Moderate(ctx context.Context, req Request) (*Response, error)
}

// SystemPrompt instructs the model to answer with a verdict object.
const SystemPrompt = `You review entries of a lexical database for content that should be flagged for human moderation.
Answer with a single JSON object and nothing else:
{"flagged": true|false, "reason": "<short reason, empty when not flagged>", "confidence": <0..1>}`
