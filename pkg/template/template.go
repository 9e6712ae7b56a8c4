// Package template renders prompt templates against lexicon records.
//
// Templates use {{name}} placeholders; whitespace inside the braces is
// ignored. Unknown names and an unclosed trailing {{ are left verbatim, so a
// template that is still being typed always previews. The variable table is keyed by
// record kind so sense and frame records expose different names.
package template

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/3leaps/lexbatch/pkg/lexicon"
)

// RecordKind groups record types that share a variable table.
type RecordKind string

const (
	SenseKind RecordKind = "sense"
	FrameKind RecordKind = "frame"
)

// KindOf returns the variable table kind for pos.
func KindOf(pos lexicon.POS) RecordKind {
	if pos == lexicon.Frames {
		return FrameKind
	}
	return SenseKind
}

type extractor func(r *lexicon.Record) string

var variables = map[RecordKind]map[string]extractor{
	SenseKind: {
		"id":             func(r *lexicon.Record) string { return r.ID },
		"code":           func(r *lexicon.Record) string { return r.Code },
		"pos":            func(r *lexicon.Record) string { return string(r.POS) },
		"gloss":          func(r *lexicon.Record) string { return r.Gloss },
		"lemmas":         func(r *lexicon.Record) string { return strings.Join(r.Lemmas, ", ") },
		"lemmas_json":    func(r *lexicon.Record) string { return jsonList(r.Lemmas) },
		"examples":       func(r *lexicon.Record) string { return strings.Join(r.Examples, "\n") },
		"examples_json":  func(r *lexicon.Record) string { return jsonList(r.Examples) },
		"flagged":        func(r *lexicon.Record) string { return strconv.FormatBool(r.Flagged) },
		"flagged_reason": func(r *lexicon.Record) string { return r.FlaggedReason },
		"frame_name":     func(r *lexicon.Record) string { return r.FrameName },
		"frame_id":       frameID,
		"lexfile":        func(r *lexicon.Record) string { return r.Lexfile },
	},
	FrameKind: {
		"id":               func(r *lexicon.Record) string { return r.ID },
		"code":             func(r *lexicon.Record) string { return r.Code },
		"pos":              func(r *lexicon.Record) string { return string(r.POS) },
		"frame_name":       func(r *lexicon.Record) string { return r.FrameName },
		"definition":       func(r *lexicon.Record) string { return r.Definition },
		"short_definition": func(r *lexicon.Record) string { return r.ShortDefinition },
		"flagged":          func(r *lexicon.Record) string { return strconv.FormatBool(r.Flagged) },
		"flagged_reason":   func(r *lexicon.Record) string { return r.FlaggedReason },
		"verbs":            func(r *lexicon.Record) string { return strings.Join(r.Verbs, ", ") },
		"verbs_json":       func(r *lexicon.Record) string { return jsonList(r.Verbs) },
	},
}

func frameID(r *lexicon.Record) string {
	if r.FrameID == nil {
		return ""
	}
	return strconv.FormatInt(*r.FrameID, 10)
}

func jsonList(values []string) string {
	if values == nil {
		values = []string{}
	}
	b, _ := json.Marshal(values)
	return string(b)
}

// Variables lists the recognized variable names for kind, sorted.
func Variables(kind RecordKind) []string {
	table := variables[kind]
	out := make([]string, 0, len(table))
	for name := range table {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ErrEmptyTemplate is wrapped by RenderError for blank templates.
var ErrEmptyTemplate = errors.New("template is empty")

// RenderError reports a template that cannot be rendered.
type RenderError struct {
	RecordID string
	Err      error
}

func (e *RenderError) Error() string {
	if e.RecordID != "" {
		return fmt.Sprintf("render template for %s: %v", e.RecordID, e.Err)
	}
	return fmt.Sprintf("render template: %v", e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// Rendered is a rendered prompt with the variables it used.
type Rendered struct {
	Text string   `json:"text"`
	Used []string `json:"used,omitempty"`
}

// Check validates template syntax without a record.
func Check(tpl string) error {
	_, err := parse(tpl)
	return err
}

// Render substitutes record values into tpl. It is a pure function of its
// inputs.
func Render(tpl string, r *lexicon.Record) (Rendered, error) {
	segs, err := parse(tpl)
	if err != nil {
		var rerr *RenderError
		if errors.As(err, &rerr) && r != nil {
			rerr.RecordID = r.ID
		}
		return Rendered{}, err
	}
	if r == nil {
		return Rendered{}, &RenderError{Err: errors.New("record is nil")}
	}

	table := variables[KindOf(r.POS)]
	var (
		b    strings.Builder
		used []string
		seen = make(map[string]bool)
	)
	for _, s := range segs {
		if !s.placeholder {
			b.WriteString(s.text)
			continue
		}
		fn, ok := table[s.name]
		if !ok {
			b.WriteString(s.text)
			continue
		}
		b.WriteString(fn(r))
		if !seen[s.name] {
			seen[s.name] = true
			used = append(used, s.name)
		}
	}
	return Rendered{Text: b.String(), Used: used}, nil
}

type segment struct {
	text        string
	name        string
	placeholder bool
}

func parse(tpl string) ([]segment, error) {
	if strings.TrimSpace(tpl) == "" {
		return nil, &RenderError{Err: ErrEmptyTemplate}
	}

	var segs []segment
	rest := tpl
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			if rest != "" {
				segs = append(segs, segment{text: rest})
			}
			return segs, nil
		}
		if open > 0 {
			segs = append(segs, segment{text: rest[:open]})
		}
		end := strings.Index(rest[open+2:], "}}")
		if end < 0 {
			segs = append(segs, segment{text: rest[open:]})
			return segs, nil
		}
		raw := rest[open : open+2+end+2]
		segs = append(segs, segment{
			text:        raw,
			name:        strings.TrimSpace(raw[2 : len(raw)-2]),
			placeholder: true,
		})
		rest = rest[open+2+end+2:]
	}
}
