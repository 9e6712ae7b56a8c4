package scope

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/3leaps/lexbatch/pkg/lexicon"
	"github.com/3leaps/lexbatch/pkg/predicate"
)

func TestHash_StableForEquivalentInputs(t *testing.T) {
	h1, err := Hash(IDs(lexicon.Verbs, "walk.v.01", "Run.V.1", "run.v.01"))
	require.NoError(t, err)
	h2, err := Hash(IDs("v", "run.v.01", "walk.v.01"))
	require.NoError(t, err)
	require.Equal(t, h1, h2)

	f1, err := Hash(FrameIDs(true, "Motion", "8"))
	require.NoError(t, err)
	f2, err := Hash(FrameIDs(true, "8", "motion"))
	require.NoError(t, err)
	require.Equal(t, f1, f2)
}

func TestHash_ChangesWhenScopeChanges(t *testing.T) {
	s := Filter(lexicon.Nouns, predicate.Cond("gloss", predicate.Contains, "dog"), 10)
	h1, err := Hash(s)
	require.NoError(t, err)

	s.Limit = 0
	h2, err := Hash(s)
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)

	s.Predicate = predicate.Cond("gloss", predicate.Contains, "cat")
	h3, err := Hash(s)
	require.NoError(t, err)
	require.NotEqual(t, h2, h3)
}

func TestHash_RejectsEmptyScope(t *testing.T) {
	_, err := Hash(IDs(lexicon.Verbs))
	require.Error(t, err)

	_, err = Hash(Scope{Kind: "bogus"})
	require.Error(t, err)
}
