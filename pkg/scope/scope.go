// Package scope describes and resolves declarative record selections.
//
// A Scope is one of three kinds: an explicit id list, a list of frames
// (optionally expanded to their verbs), or a predicate filter with a cap.
// Resolve turns a Scope into an ordered, duplicate-free list of targets.
package scope

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/3leaps/lexbatch/pkg/lexicon"
	"github.com/3leaps/lexbatch/pkg/predicate"
)

// Kind discriminates scope variants.
type Kind string

const (
	KindIDs      Kind = "ids"
	KindFrameIDs Kind = "frame_ids"
	KindFilter   Kind = "filter"
)

// FlagTarget selects which records a frame scope writes flags to.
type FlagTarget string

const (
	FlagVerb  FlagTarget = "verb"
	FlagFrame FlagTarget = "frame"
	FlagBoth  FlagTarget = "both"
)

// Target is one resolved record.
type Target = lexicon.Ref

// Scope is a declarative record selection. It is immutable once attached
// to a job.
type Scope struct {
	Kind Kind        `json:"kind" yaml:"kind"`
	POS  lexicon.POS `json:"pos,omitempty" yaml:"pos,omitempty"`

	// ids
	IDs []string `json:"ids,omitempty" yaml:"ids,omitempty"`

	// frame_ids
	FrameIDs     Tokens     `json:"frame_ids,omitempty" yaml:"frame_ids,omitempty"`
	IncludeVerbs bool       `json:"include_verbs,omitempty" yaml:"include_verbs,omitempty"`
	FlagTarget   FlagTarget `json:"flag_target,omitempty" yaml:"flag_target,omitempty"`

	// filter
	Predicate *predicate.Node `json:"predicate,omitempty" yaml:"predicate,omitempty"`
	Limit     int             `json:"limit,omitempty" yaml:"limit,omitempty"`
}

// IDs returns an id-list scope.
func IDs(pos lexicon.POS, ids ...string) Scope {
	return Scope{Kind: KindIDs, POS: pos, IDs: ids}
}

// FrameIDs returns a frame scope. Tokens are frame ids or frame names.
func FrameIDs(includeVerbs bool, tokens ...string) Scope {
	return Scope{Kind: KindFrameIDs, POS: lexicon.Frames, FrameIDs: tokens, IncludeVerbs: includeVerbs, FlagTarget: FlagVerb}
}

// Filter returns a predicate scope. limit 0 means unbounded.
func Filter(pos lexicon.POS, pred *predicate.Node, limit int) Scope {
	return Scope{Kind: KindFilter, POS: pos, Predicate: pred, Limit: limit}
}

// TargetPOS is the record type of the resolved targets.
func (s Scope) TargetPOS() lexicon.POS {
	if s.Kind == KindFrameIDs {
		if s.IncludeVerbs {
			return lexicon.Verbs
		}
		return lexicon.Frames
	}
	if p, err := lexicon.ParsePOS(string(s.POS)); err == nil {
		return p
	}
	return s.POS
}

// Encode returns the canonical JSON form stored with jobs.
func (s Scope) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// Decode parses a JSON scope.
func Decode(data []byte) (Scope, error) {
	var s Scope
	if err := json.Unmarshal(data, &s); err != nil {
		return Scope{}, fmt.Errorf("decode scope: %w", err)
	}
	return s, nil
}

// Tokens is a list of frame tokens. JSON input may mix numbers and strings.
type Tokens []string

// UnmarshalJSON accepts numbers as well as strings.
func (t *Tokens) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Tokens, 0, len(raw))
	for _, r := range raw {
		var s string
		if err := json.Unmarshal(r, &s); err == nil {
			out = append(out, s)
			continue
		}
		var n json.Number
		if err := json.Unmarshal(r, &n); err != nil {
			return fmt.Errorf("frame token %s: must be a string or number", string(r))
		}
		if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
			return fmt.Errorf("frame token %s: must be an integer", n)
		}
		out = append(out, n.String())
	}
	*t = out
	return nil
}

// ValidationError reports a scope that cannot be resolved.
type ValidationError struct {
	Reason      string   `json:"reason"`
	Identifiers []string `json:"identifiers,omitempty"`
}

func (e *ValidationError) Error() string {
	if len(e.Identifiers) == 0 {
		return "invalid scope: " + e.Reason
	}
	return fmt.Sprintf("invalid scope: %s: %s", e.Reason, strings.Join(e.Identifiers, ", "))
}

func invalid(reason string, ids ...string) error {
	return &ValidationError{Reason: reason, Identifiers: ids}
}
