package tokenizer

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wordEncoder emits one token per whitespace-separated word.
type wordEncoder struct{}

func (wordEncoder) EncodeOrdinary(text string) []int {
	return make([]int, len(strings.Fields(text)))
}

func TestEncodingFor(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{model: "gpt-4o", want: "o200k_base"},
		{model: "gpt-4o-mini-2024-07-18", want: "o200k_base"},
		{model: "GPT-4-0613", want: "cl100k_base"},
		{model: "gpt-3.5-turbo", want: "cl100k_base"},
		{model: "gpt-5-mini", want: DefaultEncoding},
		{model: "o3-mini", want: DefaultEncoding},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			assert.Equal(t, tt.want, EncodingFor(tt.model))
		})
	}
}

func TestTiktokenCountsWithEncoding(t *testing.T) {
	var loaded []string
	tk := newTiktoken(nil, nil, func(name string) (encoder, error) {
		loaded = append(loaded, name)
		return wordEncoder{}, nil
	})

	r := NewRegistry(nil)
	r.Register("gpt-", tk)
	r.Register("o3", tk)

	bound := r.For("gpt-4-0613")
	assert.Equal(t, "tiktoken:cl100k_base", bound.Name())
	n, err := bound.Count(context.Background(), "to move quickly")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = r.For("o3-mini").Count(context.Background(), "run fast")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = r.For("gpt-5").Count(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Equal(t, []string{"cl100k_base", "o200k_base"}, loaded)
}

func TestTiktokenFallsBackWhenEncodingUnavailable(t *testing.T) {
	var loads atomic.Int32
	tk := newTiktoken(fixed{n: 9}, nil, func(string) (encoder, error) {
		loads.Add(1)
		return nil, errors.New("download o200k_base: no network")
	})
	bound := tk.ForModel("gpt-5-mini")

	for range 3 {
		n, err := bound.Count(context.Background(), "a dog barks")
		require.NoError(t, err)
		assert.Equal(t, 9, n)
	}
	assert.Equal(t, "fixed", bound.Name())
	assert.Equal(t, int32(1), loads.Load())
}

func TestRegistryHeuristicForUnregisteredModels(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("gpt-", newTiktoken(nil, nil, func(string) (encoder, error) { return wordEncoder{}, nil }))

	assert.Equal(t, "heuristic", r.For("claude-sonnet").Name())
}
