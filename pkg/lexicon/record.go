// Package lexicon is the record store for word senses and frames.
//
// It supports exact and partial lookup by identifier, frame resolution by id
// or name, frame-to-verb expansion, predicate-tree queries with a result cap,
// and flag write-back.
package lexicon

import (
	"fmt"
	"strconv"
	"strings"
)

// POS identifies a record type.
type POS string

const (
	Verbs      POS = "verbs"
	Nouns      POS = "nouns"
	Adjectives POS = "adjectives"
	Adverbs    POS = "adverbs"
	Frames     POS = "frames"
)

// AllPOS lists every record type in a stable order.
var AllPOS = []POS{Verbs, Nouns, Adjectives, Adverbs, Frames}

// ParsePOS accepts plural names, singular names and single-letter codes.
func ParsePOS(s string) (POS, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "verbs", "verb", "v":
		return Verbs, nil
	case "nouns", "noun", "n":
		return Nouns, nil
	case "adjectives", "adjective", "adj", "a", "s":
		return Adjectives, nil
	case "adverbs", "adverb", "adv", "r":
		return Adverbs, nil
	case "frames", "frame", "f":
		return Frames, nil
	}
	return "", fmt.Errorf("unknown part of speech %q", s)
}

// IsSense reports whether records of this type are word senses.
func (p POS) IsSense() bool {
	return p == Verbs || p == Nouns || p == Adjectives || p == Adverbs
}

// Letter is the single-letter code used in sense ids (run.v.01).
func (p POS) Letter() string {
	switch p {
	case Verbs:
		return "v"
	case Nouns:
		return "n"
	case Adjectives:
		return "a"
	case Adverbs:
		return "r"
	}
	return ""
}

// Record is one word sense or frame.
//
// Sense-only fields: Gloss, Lemmas, Examples, Lexfile, FrameID, FrameName.
// Frame-only fields: Definition, ShortDefinition, Verbs. For frames, ID is
// the decimal frame id and FrameName the frame name.
type Record struct {
	ID            string   `json:"id" yaml:"id"`
	POS           POS      `json:"pos" yaml:"pos"`
	Code          string   `json:"code,omitempty" yaml:"code,omitempty"`
	Gloss         string   `json:"gloss,omitempty" yaml:"gloss,omitempty"`
	Lemmas        []string `json:"lemmas,omitempty" yaml:"lemmas,omitempty"`
	Examples      []string `json:"examples,omitempty" yaml:"examples,omitempty"`
	Lexfile       string   `json:"lexfile,omitempty" yaml:"lexfile,omitempty"`
	Flagged       bool     `json:"flagged" yaml:"flagged"`
	FlaggedReason string   `json:"flagged_reason,omitempty" yaml:"flagged_reason,omitempty"`
	FrameID       *int64   `json:"frame_id,omitempty" yaml:"frame_id,omitempty"`
	FrameName     string   `json:"frame_name,omitempty" yaml:"frame_name,omitempty"`

	Definition      string   `json:"definition,omitempty" yaml:"definition,omitempty"`
	ShortDefinition string   `json:"short_definition,omitempty" yaml:"short_definition,omitempty"`
	Verbs           []string `json:"verbs,omitempty" yaml:"verbs,omitempty"`
}

// Frame is a semantic frame.
type Frame struct {
	ID              int64  `json:"id" yaml:"id"`
	Code            string `json:"code,omitempty" yaml:"code,omitempty"`
	Name            string `json:"name" yaml:"name"`
	Definition      string `json:"definition,omitempty" yaml:"definition,omitempty"`
	ShortDefinition string `json:"short_definition,omitempty" yaml:"short_definition,omitempty"`
	Flagged         bool   `json:"flagged" yaml:"flagged"`
	FlaggedReason   string `json:"flagged_reason,omitempty" yaml:"flagged_reason,omitempty"`
}

// Record converts a frame to its record form.
func (f Frame) Record(verbs []string) Record {
	id := f.ID
	return Record{
		ID:              strconv.FormatInt(f.ID, 10),
		POS:             Frames,
		Code:            f.Code,
		Flagged:         f.Flagged,
		FlaggedReason:   f.FlaggedReason,
		FrameID:         &id,
		FrameName:       f.Name,
		Definition:      f.Definition,
		ShortDefinition: f.ShortDefinition,
		Verbs:           verbs,
	}
}

// Ref identifies a record.
type Ref struct {
	ID  string `json:"id"`
	POS POS    `json:"pos"`
}

func (r Ref) String() string {
	return string(r.POS) + ":" + r.ID
}

// Lookup implements predicate.Valuer.
func (r *Record) Lookup(field string) (any, bool) {
	switch field {
	case "id":
		if r.POS == Frames && r.FrameID != nil {
			return float64(*r.FrameID), true
		}
		return r.ID, true
	case "code":
		return r.Code, true
	case "gloss":
		return r.Gloss, true
	case "lexfile":
		return r.Lexfile, true
	case "flagged":
		return r.Flagged, true
	case "flagged_reason":
		return r.FlaggedReason, true
	case "frame_name":
		return r.FrameName, true
	case "frame_id":
		// -1 mirrors the COALESCE used by the SQL column mapping.
		if r.FrameID == nil {
			return float64(-1), true
		}
		return float64(*r.FrameID), true
	case "lemma":
		return r.Lemmas, true
	case "example":
		return r.Examples, true
	case "definition":
		return r.Definition, true
	case "short_definition":
		return r.ShortDefinition, true
	case "verb":
		return r.Verbs, true
	}
	return nil, false
}
