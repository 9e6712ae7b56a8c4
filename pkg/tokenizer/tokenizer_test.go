package tokenizer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{name: "empty", content: "", want: 0},
		{name: "single character", content: "a", want: 1},
		{name: "short word", content: "hello", want: 2},
		{name: "sentence", content: "This is a typical prompt with about 50 characters.", want: 13},
		{name: "multibyte", content: "日本語の", want: 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Estimate(tt.content))
		})
	}
}

type fixed struct{ n int }

func (f fixed) Name() string                                 { return "fixed" }
func (f fixed) Count(context.Context, string) (int, error) { return f.n, nil }

func TestRegistryLongestPrefix(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("gemini", fixed{n: 1})
	r.Register("gemini-2.5-pro", fixed{n: 2})

	n, err := r.For("Gemini-2.5-Pro").Count(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = r.For("gemini-2.0-flash").Count(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, "heuristic", r.For("gpt-5-mini").Name())
}
