// Package lexicontest provides seeded in-memory lexicon stores for tests.
package lexicontest

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/3leaps/lexbatch/pkg/lexicon"
	"github.com/3leaps/lexbatch/pkg/sqlstore"
)

// Open returns a migrated, empty store backed by an in-memory database.
func Open(t testing.TB) *lexicon.Store {
	t.Helper()
	ctx := context.Background()
	db, err := sqlstore.Open(ctx, sqlstore.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, lexicon.Migrate(ctx, db))
	return lexicon.New(db)
}

// Sample is a small dataset with two frames and a handful of senses.
//
// Frame 8 (Motion) has verbs run.v.01 and walk.v.01; frame 9 (Empty) has none.
func Sample() *lexicon.Dataset {
	motion := int64(8)
	return &lexicon.Dataset{
		Frames: []lexicon.Frame{
			{ID: 8, Code: "F8", Name: "Motion", Definition: "Something moves", ShortDefinition: "moves"},
			{ID: 9, Code: "F9", Name: "Empty", Definition: "No verbs here"},
		},
		Records: []lexicon.Record{
			{
				ID: "run.v.01", POS: lexicon.Verbs, Code: "V1", Gloss: "to move quickly",
				Lemmas: []string{"run"}, Examples: []string{"he ran", "she ran fast"},
				Lexfile: "verb.motion", FrameID: &motion,
			},
			{
				ID: "walk.v.01", POS: lexicon.Verbs, Code: "V2", Gloss: "to move on foot",
				Lemmas: []string{"walk"}, Examples: []string{"they walked"},
				Lexfile: "verb.motion", FrameID: &motion,
			},
			{
				ID: "think.v.01", POS: lexicon.Verbs, Code: "V3", Gloss: "to use the mind",
				Lemmas: []string{"think", "cogitate"}, Lexfile: "verb.cognition",
			},
			{
				ID: "dog.n.01", POS: lexicon.Nouns, Code: "N1", Gloss: "a domesticated canine",
				Lemmas: []string{"dog", "domestic_dog"}, Lexfile: "noun.animal",
			},
		},
	}
}

// Seeded returns a store loaded with Sample.
func Seeded(t testing.TB) *lexicon.Store {
	t.Helper()
	s := Open(t)
	_, err := s.Import(context.Background(), Sample())
	require.NoError(t, err)
	return s
}

// Nouns returns a store holding n noun senses named item.n.0001 and up.
func Nouns(t testing.TB, n int) *lexicon.Store {
	t.Helper()
	s := Open(t)
	recs := make([]lexicon.Record, n)
	for i := range recs {
		recs[i] = lexicon.Record{
			ID:     fmt.Sprintf("item%04d.n.01", i+1),
			POS:    lexicon.Nouns,
			Gloss:  fmt.Sprintf("item number %d", i+1),
			Lemmas: []string{fmt.Sprintf("item%04d", i+1)},
		}
	}
	require.NoError(t, s.UpsertSenses(context.Background(), recs))
	return s
}
