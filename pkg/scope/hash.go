package scope

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/3leaps/lexbatch/pkg/lexicon"
	"github.com/3leaps/lexbatch/pkg/predicate"
)

type scopeHashPayload struct {
	Kind         Kind            `json:"kind"`
	POS          lexicon.POS     `json:"pos,omitempty"`
	IDs          []string        `json:"ids,omitempty"`
	FrameIDs     []string        `json:"frame_ids,omitempty"`
	IncludeVerbs bool            `json:"include_verbs,omitempty"`
	FlagTarget   FlagTarget      `json:"flag_target,omitempty"`
	Predicate    *predicate.Node `json:"predicate,omitempty"`
	Limit        int             `json:"limit,omitempty"`
}

// Hash computes a canonical scope hash for identity purposes.
//
// Equivalent scopes hash equally: ids are normalized, deduplicated and
// sorted; frame tokens are case-folded.
func Hash(s Scope) (string, error) {
	payload, err := buildScopeHashPayload(s)
	if err != nil {
		return "", err
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal scope hash payload: %w", err)
	}

	sha := sha256.Sum256(b)
	return hex.EncodeToString(sha[:]), nil
}

func buildScopeHashPayload(s Scope) (scopeHashPayload, error) {
	payload := scopeHashPayload{Kind: s.Kind}
	switch s.Kind {
	case KindIDs:
		payload.POS = s.TargetPOS()
		payload.IDs = normalizeStringList(s.IDs, lexicon.NormalizeID)
		if len(payload.IDs) == 0 {
			return scopeHashPayload{}, invalid("ids must not be empty")
		}
	case KindFrameIDs:
		payload.FrameIDs = normalizeStringList(s.FrameIDs, func(v string) string {
			return strings.ToLower(strings.TrimSpace(v))
		})
		if len(payload.FrameIDs) == 0 {
			return scopeHashPayload{}, invalid("frame_ids must not be empty")
		}
		payload.IncludeVerbs = s.IncludeVerbs
		payload.FlagTarget = s.FlagTarget
		if payload.FlagTarget == "" {
			payload.FlagTarget = FlagVerb
		}
	case KindFilter:
		payload.POS = s.TargetPOS()
		payload.Predicate = s.Predicate
		payload.Limit = s.Limit
	default:
		return scopeHashPayload{}, invalid(fmt.Sprintf("unsupported scope kind %q", s.Kind))
	}
	return payload, nil
}

func normalizeStringList(values []string, norm func(string) string) []string {
	if len(values) == 0 {
		return nil
	}

	unique := make(map[string]struct{})
	for _, value := range values {
		v := norm(value)
		if v == "" {
			continue
		}
		unique[v] = struct{}{}
	}
	if len(unique) == 0 {
		return nil
	}

	out := make([]string, 0, len(unique))
	for value := range unique {
		out = append(out, value)
	}
	// Sort for deterministic output
	sort.Strings(out)
	return out
}
