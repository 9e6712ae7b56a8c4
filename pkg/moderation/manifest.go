package moderation

import (
	"github.com/3leaps/lexbatch/pkg/estimate"
	"github.com/3leaps/lexbatch/pkg/manifest"
)

// RequestFromManifest converts a loaded manifest into a create request.
func RequestFromManifest(m *manifest.Manifest) CreateJobRequest {
	return CreateJobRequest{
		Label:               m.Label,
		Model:               m.Model,
		Template:            m.Template,
		Scope:               m.Scope,
		ServiceTier:         m.ServiceTier,
		ReasoningEffort:     m.ReasoningEffort,
		ApplyFlags:          m.ApplyFlags,
		Dedupe:              m.Dedupe,
		MaxCostUSD:          m.Estimate.MaxCostUSD,
		OutputTokensPerItem: m.Estimate.OutputTokensPerItem,
	}
}

// EstimateRequest returns the estimate request matching r.
func (r CreateJobRequest) EstimateRequest() estimate.Request {
	return estimate.Request{
		Model:               r.Model,
		Template:            r.Template,
		Scope:               r.Scope,
		Tier:                r.ServiceTier,
		ReasoningEffort:     r.ReasoningEffort,
		OutputTokensPerItem: r.OutputTokensPerItem,
	}
}
