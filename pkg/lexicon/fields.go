package lexicon

import "github.com/3leaps/lexbatch/pkg/predicate"

var senseFields = predicate.FieldSet{
	"id":             {Type: predicate.String},
	"code":           {Type: predicate.String},
	"gloss":          {Type: predicate.String},
	"lexfile":        {Type: predicate.String},
	"flagged":        {Type: predicate.Bool},
	"flagged_reason": {Type: predicate.String},
	"frame_id":       {Type: predicate.Number},
	"frame_name":     {Type: predicate.String},
	"lemma":          {Type: predicate.StringList},
	"example":        {Type: predicate.StringList},
}

var senseColumns = predicate.Columns{
	"id":             {Expr: "r.id"},
	"code":           {Expr: "r.code"},
	"gloss":          {Expr: "r.gloss"},
	"lexfile":        {Expr: "r.lexfile"},
	"flagged":        {Expr: "r.flagged"},
	"flagged_reason": {Expr: "r.flagged_reason"},
	"frame_id":       {Expr: "COALESCE(r.frame_id, -1)"},
	"frame_name":     {Expr: "COALESCE(f.name, '')"},
	"lemma": {
		Exists: "EXISTS (SELECT 1 FROM lex_lemmas l WHERE l.sense_id = r.id AND l.pos = r.pos AND %s)",
		Elem:   "l.lemma",
	},
	"example": {
		Exists: "EXISTS (SELECT 1 FROM lex_examples e WHERE e.sense_id = r.id AND e.pos = r.pos AND %s)",
		Elem:   "e.text",
	},
}

var frameFields = predicate.FieldSet{
	"id":               {Type: predicate.Number},
	"code":             {Type: predicate.String},
	"frame_name":       {Type: predicate.String},
	"definition":       {Type: predicate.String},
	"short_definition": {Type: predicate.String},
	"flagged":          {Type: predicate.Bool},
	"flagged_reason":   {Type: predicate.String},
	"verb":             {Type: predicate.StringList},
}

var frameColumns = predicate.Columns{
	"id":               {Expr: "f.id"},
	"code":             {Expr: "f.code"},
	"frame_name":       {Expr: "f.name"},
	"definition":       {Expr: "f.definition"},
	"short_definition": {Expr: "f.short_definition"},
	"flagged":          {Expr: "f.flagged"},
	"flagged_reason":   {Expr: "f.flagged_reason"},
	"verb": {
		Exists: "EXISTS (SELECT 1 FROM lex_senses v WHERE v.frame_id = f.id AND v.pos = 'verbs' AND %s)",
		Elem:   "v.id",
	},
}

// Fields returns the filterable fields for a record type.
func Fields(pos POS) predicate.FieldSet {
	if pos == Frames {
		return frameFields
	}
	return senseFields
}
