package tokenizer

import (
	"context"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// DefaultEncoding is used for OpenAI models newer than the tiktoken-go model
// table (gpt-5, o-series).
const DefaultEncoding = tiktoken.MODEL_O200K_BASE

type encoder interface {
	EncodeOrdinary(text string) []int
}

type encodingEntry struct {
	once sync.Once
	enc  encoder
	err  error
}

// encodings caches loaded BPE tables. A failed load is remembered so an
// offline process does not retry the download on every count.
type encodings struct {
	mu     sync.Mutex
	byName map[string]*encodingEntry
	load   func(name string) (encoder, error)
}

func (e *encodings) get(name string) (encoder, error) {
	e.mu.Lock()
	entry, ok := e.byName[name]
	if !ok {
		entry = &encodingEntry{}
		e.byName[name] = entry
	}
	e.mu.Unlock()

	entry.once.Do(func() { entry.enc, entry.err = e.load(name) })
	return entry.enc, entry.err
}

func loadTiktoken(name string) (encoder, error) {
	return tiktoken.GetEncoding(name)
}

// Tiktoken counts tokens with the OpenAI BPE encodings. Encodings download
// on first use; when that fails Count uses the fallback instead.
type Tiktoken struct {
	model    string
	fallback Tokenizer
	cache    *encodings
	logger   *zap.Logger
}

// NewTiktoken creates a tokenizer for registration under OpenAI model
// prefixes. A nil fallback means Heuristic.
func NewTiktoken(fallback Tokenizer, logger *zap.Logger) *Tiktoken {
	return newTiktoken(fallback, logger, loadTiktoken)
}

func newTiktoken(fallback Tokenizer, logger *zap.Logger, load func(string) (encoder, error)) *Tiktoken {
	if fallback == nil {
		fallback = Heuristic{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tiktoken{
		fallback: fallback,
		cache:    &encodings{byName: make(map[string]*encodingEntry), load: load},
		logger:   logger,
	}
}

// ForModel implements ModelBinder.
func (t *Tiktoken) ForModel(model string) Tokenizer {
	return &Tiktoken{model: model, fallback: t.fallback, cache: t.cache, logger: t.logger}
}

// Name implements Tokenizer. It reports the fallback once the encoding
// failed to load.
func (t *Tiktoken) Name() string {
	name := EncodingFor(t.model)
	if _, err := t.cache.get(name); err != nil {
		return t.fallback.Name()
	}
	return "tiktoken:" + name
}

// Count implements Tokenizer.
func (t *Tiktoken) Count(ctx context.Context, text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	name := EncodingFor(t.model)
	enc, err := t.cache.get(name)
	if err != nil {
		t.logger.Debug("tiktoken encoding unavailable, using fallback",
			zap.String("encoding", name),
			zap.String("fallback", t.fallback.Name()),
			zap.Error(err),
		)
		return t.fallback.Count(ctx, text)
	}
	return len(enc.EncodeOrdinary(text)), nil
}

// EncodingFor names the BPE encoding for an OpenAI model. Models missing
// from the tiktoken-go tables get DefaultEncoding.
func EncodingFor(model string) string {
	model = strings.ToLower(strings.TrimSpace(model))
	if name, ok := tiktoken.MODEL_TO_ENCODING[model]; ok {
		return name
	}
	best, bestLen := "", -1
	for prefix, name := range tiktoken.MODEL_PREFIX_TO_ENCODING {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best, bestLen = name, len(prefix)
		}
	}
	if best != "" {
		return best
	}
	return DefaultEncoding
}
