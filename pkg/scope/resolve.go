package scope

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/lexbatch/pkg/lexicon"
	"github.com/3leaps/lexbatch/pkg/predicate"
)

// RecordSource is the record store capability the resolver needs.
type RecordSource interface {
	LookupIDs(ctx context.Context, pos lexicon.POS, ids []string) (map[string]bool, error)
	ResolveFrames(ctx context.Context, tokens []string) ([]lexicon.Frame, []string, error)
	VerbsForFrames(ctx context.Context, frameIDs []int64) (map[int64][]string, error)
	Query(ctx context.Context, pos lexicon.POS, pred *predicate.Node, limit int) ([]lexicon.Ref, error)
}

// Resolver materializes scopes into targets.
type Resolver struct {
	source RecordSource
	logger *zap.Logger
}

// NewResolver creates a resolver. A nil logger disables logging.
func NewResolver(source RecordSource, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{source: source, logger: logger}
}

// Resolve returns the ordered, duplicate-free targets of s.
//
// Structural problems, unknown identifiers and empty results are reported as
// *ValidationError. Store failures are returned wrapped.
func (r *Resolver) Resolve(ctx context.Context, s Scope) ([]Target, error) {
	var (
		targets []Target
		err     error
	)
	switch s.Kind {
	case KindIDs:
		targets, err = r.resolveIDs(ctx, s)
	case KindFrameIDs:
		targets, err = r.resolveFrames(ctx, s)
	case KindFilter:
		targets, err = r.resolveFilter(ctx, s)
	case "":
		return nil, invalid("scope kind is required")
	default:
		return nil, invalid(fmt.Sprintf("unsupported scope kind %q", s.Kind))
	}
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, invalid("scope resolved to zero records")
	}

	r.logger.Debug("scope resolved",
		zap.String("kind", string(s.Kind)),
		zap.String("pos", string(s.TargetPOS())),
		zap.Int("targets", len(targets)),
	)
	return targets, nil
}

func (r *Resolver) resolveIDs(ctx context.Context, s Scope) ([]Target, error) {
	pos, err := normalizePOS(s.POS)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(s.IDs))
	seen := make(map[string]bool, len(s.IDs))
	for _, raw := range s.IDs {
		id := lexicon.NormalizeID(raw)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, invalid("ids must not be empty")
	}

	found, err := r.source.LookupIDs(ctx, pos, ids)
	if err != nil {
		return nil, fmt.Errorf("lookup ids: %w", err)
	}

	var missing []string
	targets := make([]Target, 0, len(ids))
	for _, id := range ids {
		if !found[id] {
			missing = append(missing, id)
			continue
		}
		targets = append(targets, Target{ID: id, POS: pos})
	}
	if len(missing) > 0 {
		return nil, invalid("unknown identifiers", missing...)
	}
	return targets, nil
}

func (r *Resolver) resolveFrames(ctx context.Context, s Scope) ([]Target, error) {
	switch s.FlagTarget {
	case "", FlagVerb:
	case FlagFrame, FlagBoth:
		return nil, invalid(fmt.Sprintf("flag target %q is not supported", s.FlagTarget))
	default:
		return nil, invalid(fmt.Sprintf("unknown flag target %q", s.FlagTarget))
	}

	tokens := make([]string, 0, len(s.FrameIDs))
	seenTok := make(map[string]bool, len(s.FrameIDs))
	for _, t := range s.FrameIDs {
		t = strings.TrimSpace(t)
		key := strings.ToLower(t)
		if t == "" || seenTok[key] {
			continue
		}
		seenTok[key] = true
		tokens = append(tokens, t)
	}
	if len(tokens) == 0 {
		return nil, invalid("frame_ids must not be empty")
	}

	frames, unresolved, err := r.source.ResolveFrames(ctx, tokens)
	if err != nil {
		return nil, fmt.Errorf("resolve frames: %w", err)
	}
	if len(unresolved) > 0 {
		return nil, invalid("unknown frames", unresolved...)
	}

	// A name and its numeric id may both appear; keep the first.
	ids := make([]int64, 0, len(frames))
	names := make(map[int64]string, len(frames))
	for _, f := range frames {
		if _, dup := names[f.ID]; dup {
			continue
		}
		names[f.ID] = f.Name
		ids = append(ids, f.ID)
	}

	if !s.IncludeVerbs {
		targets := make([]Target, 0, len(ids))
		for _, id := range ids {
			targets = append(targets, Target{ID: fmt.Sprint(id), POS: lexicon.Frames})
		}
		return targets, nil
	}

	verbs, err := r.source.VerbsForFrames(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("expand frame verbs: %w", err)
	}

	var empty []string
	seen := make(map[string]bool)
	var targets []Target
	for _, id := range ids {
		vs := verbs[id]
		if len(vs) == 0 {
			empty = append(empty, names[id])
			continue
		}
		for _, v := range vs {
			if seen[v] {
				continue
			}
			seen[v] = true
			targets = append(targets, Target{ID: v, POS: lexicon.Verbs})
		}
	}
	if len(empty) > 0 {
		return nil, invalid("frames have no verbs", empty...)
	}
	return targets, nil
}

func (r *Resolver) resolveFilter(ctx context.Context, s Scope) ([]Target, error) {
	pos, err := normalizePOS(s.POS)
	if err != nil {
		return nil, err
	}
	if s.Limit < 0 {
		return nil, invalid("limit must be >= 0")
	}
	if err := predicate.Validate(s.Predicate, lexicon.Fields(pos)); err != nil {
		return nil, invalid(err.Error())
	}

	refs, err := r.source.Query(ctx, pos, s.Predicate, s.Limit)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}

	seen := make(map[string]bool, len(refs))
	targets := make([]Target, 0, len(refs))
	for _, ref := range refs {
		if seen[ref.ID] {
			continue
		}
		seen[ref.ID] = true
		targets = append(targets, ref)
	}
	return targets, nil
}

func normalizePOS(p lexicon.POS) (lexicon.POS, error) {
	if p == "" {
		return "", invalid("pos is required")
	}
	pos, err := lexicon.ParsePOS(string(p))
	if err != nil {
		return "", invalid(err.Error())
	}
	return pos, nil
}
