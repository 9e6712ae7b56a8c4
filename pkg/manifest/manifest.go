// Package manifest provides loading and validation of lexbatch job manifests.
//
// A job manifest is a YAML or JSON file describing one moderation job: the
// model and its parameters, the prompt template, and the scope of records
// to moderate.
//
// Manifests are validated against a JSON Schema before use. The schema
// enforces strict typing and disallows unknown properties.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	label: motion verbs
//	model: gemini-2.5-flash
//	service_tier: flex
//	reasoning_effort: low
//	template: |
//	  Review {{id}}: {{gloss}}
//	  Examples:
//	  {{examples}}
//	scope:
//	  kind: frame_ids
//	  frame_ids: [8, Motion]
//	  include_verbs: true
//	apply_flags: true
//	dedupe: true
package manifest

import (
	"github.com/3leaps/lexbatch/pkg/scope"
)

// Manifest represents a validated job manifest.
//
// Required fields are Version, Model, Scope and one of Template or
// TemplateFile.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	Label string `json:"label,omitempty" yaml:"label,omitempty"`

	// Model is the inference model identifier.
	Model string `json:"model" yaml:"model"`

	// Template is the inline prompt template.
	Template string `json:"template,omitempty" yaml:"template,omitempty"`

	// TemplateFile is read into Template at load time. Relative paths are
	// resolved against the manifest's directory.
	TemplateFile string `json:"template_file,omitempty" yaml:"template_file,omitempty"`

	Scope scope.Scope `json:"scope" yaml:"scope"`

	// ServiceTier is flex, default or priority. Default: default.
	ServiceTier string `json:"service_tier,omitempty" yaml:"service_tier,omitempty"`

	// ReasoningEffort is low, medium or high. Default: medium.
	ReasoningEffort string `json:"reasoning_effort,omitempty" yaml:"reasoning_effort,omitempty"`

	// ApplyFlags writes flagged verdicts back to the records.
	ApplyFlags bool `json:"apply_flags,omitempty" yaml:"apply_flags,omitempty"`

	// Dedupe refuses the job when an active job has the same scope, model
	// and template.
	Dedupe bool `json:"dedupe,omitempty" yaml:"dedupe,omitempty"`

	// Estimate tunes the pre-submission estimate (optional).
	Estimate EstimateConfig `json:"estimate,omitempty" yaml:"estimate,omitempty"`
}

// EstimateConfig tunes cost estimation for the job.
type EstimateConfig struct {
	// OutputTokensPerItem overrides the configured default when > 0.
	OutputTokensPerItem int `json:"output_tokens_per_item,omitempty" yaml:"output_tokens_per_item,omitempty"`

	// MaxCostUSD refuses creation when the estimate exceeds it (0 = no cap).
	MaxCostUSD float64 `json:"max_cost_usd,omitempty" yaml:"max_cost_usd,omitempty"`
}

// Default values for optional fields.
const (
	// DefaultVersion is the current manifest schema version.
	DefaultVersion = "1.0"

	DefaultServiceTier     = "default"
	DefaultReasoningEffort = "medium"
)

// ApplyDefaults fills in default values for optional fields.
func (m *Manifest) ApplyDefaults() {
	if m.ServiceTier == "" {
		m.ServiceTier = DefaultServiceTier
	}
	if m.ReasoningEffort == "" {
		m.ReasoningEffort = DefaultReasoningEffort
	}
	if m.Scope.Kind == scope.KindFrameIDs && m.Scope.FlagTarget == "" {
		m.Scope.FlagTarget = scope.FlagVerb
	}
}
