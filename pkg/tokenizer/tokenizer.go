// Package tokenizer counts prompt tokens for cost estimation.
package tokenizer

import (
	"context"
	"strings"
	"sync"
	"unicode/utf8"
)

// Tokenizer counts tokens in a rendered prompt.
type Tokenizer interface {
	Name() string
	Count(ctx context.Context, text string) (int, error)
}

// Heuristic approximates tokens as one per four bytes of UTF-8, rounded up,
// and never fewer than one per non-ASCII rune.
type Heuristic struct{}

// Name implements Tokenizer.
func (Heuristic) Name() string { return "heuristic" }

// Count implements Tokenizer.
func (Heuristic) Count(_ context.Context, text string) (int, error) {
	return Estimate(text), nil
}

// Estimate is the chars/4 approximation used by Heuristic.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	n := (len(text) + 3) / 4
	if utf8.RuneCountInString(text) == len(text) {
		return n
	}
	// Multi-byte scripts tokenize closer to one token per rune.
	wide := 0
	for _, r := range text {
		if r >= utf8.RuneSelf {
			wide++
		}
	}
	return max(n, wide)
}

// ModelBinder is implemented by tokenizers that need the concrete model name.
type ModelBinder interface {
	ForModel(model string) Tokenizer
}

// Registry maps model names to tokenizers. Lookups match the longest
// registered prefix; unmatched models use the fallback.
type Registry struct {
	mu       sync.RWMutex
	byPrefix map[string]Tokenizer
	fallback Tokenizer
}

// NewRegistry creates a registry. A nil fallback means Heuristic.
func NewRegistry(fallback Tokenizer) *Registry {
	if fallback == nil {
		fallback = Heuristic{}
	}
	return &Registry{byPrefix: make(map[string]Tokenizer), fallback: fallback}
}

// Register associates a model prefix with a tokenizer.
func (r *Registry) Register(modelPrefix string, t Tokenizer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byPrefix[strings.ToLower(modelPrefix)] = t
}

// For returns the tokenizer for model.
func (r *Registry) For(model string) Tokenizer {
	model = strings.ToLower(strings.TrimSpace(model))
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		best    Tokenizer
		bestLen = -1
	)
	for prefix, t := range r.byPrefix {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best, bestLen = t, len(prefix)
		}
	}
	if best == nil {
		return r.fallback
	}
	if b, ok := best.(ModelBinder); ok {
		return b.ForModel(model)
	}
	return best
}
