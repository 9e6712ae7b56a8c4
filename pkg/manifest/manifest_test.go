package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/lexbatch/pkg/lexicon"
	"github.com/3leaps/lexbatch/pkg/predicate"
	"github.com/3leaps/lexbatch/pkg/scope"
)

// validManifestYAML returns a minimal valid manifest in YAML format.
func validManifestYAML() string {
	return `version: "1.0"
model: gemini-2.5-flash
template: "Review {{gloss}}"
scope:
  kind: ids
  pos: nouns
  ids: [dog.n.01]
`
}

// validManifestJSON returns a minimal valid manifest in JSON format.
func validManifestJSON() string {
	return `{
  "version": "1.0",
  "model": "gemini-2.5-flash",
  "template": "Review {{gloss}}",
  "scope": {"kind": "ids", "pos": "nouns", "ids": ["dog.n.01"]}
}`
}

// fullManifestYAML returns a manifest with all optional fields.
func fullManifestYAML() string {
	return `$schema: https://schemas.3leaps.dev/lexbatch/v1.0.0/job-manifest.schema.json
version: "1.0"
label: motion verbs
model: gpt-5-mini
template: |
  {{id}}: {{gloss}}
service_tier: flex
reasoning_effort: high
apply_flags: true
dedupe: true
estimate:
  output_tokens_per_item: 32
  max_cost_usd: 2.5
scope:
  kind: frame_ids
  frame_ids: [8, Motion]
  include_verbs: true
`
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		filename    string
		errContains string
		wantInvalid bool
		validate    func(t *testing.T, m *Manifest)
	}{
		{
			name:     "valid YAML manifest",
			content:  validManifestYAML(),
			filename: "job.yaml",
			validate: func(t *testing.T, m *Manifest) {
				assert.Equal(t, "1.0", m.Version)
				assert.Equal(t, "gemini-2.5-flash", m.Model)
				assert.Equal(t, scope.IDs(lexicon.Nouns, "dog.n.01"), m.Scope)
				assert.Equal(t, DefaultServiceTier, m.ServiceTier)
				assert.Equal(t, DefaultReasoningEffort, m.ReasoningEffort)
			},
		},
		{
			name:     "valid JSON manifest",
			content:  validManifestJSON(),
			filename: "job.json",
			validate: func(t *testing.T, m *Manifest) {
				assert.Equal(t, "Review {{gloss}}", m.Template)
			},
		},
		{
			name:     "full manifest",
			content:  fullManifestYAML(),
			filename: "full.yml",
			validate: func(t *testing.T, m *Manifest) {
				assert.Equal(t, "motion verbs", m.Label)
				assert.Equal(t, "flex", m.ServiceTier)
				assert.Equal(t, "high", m.ReasoningEffort)
				assert.True(t, m.ApplyFlags)
				assert.True(t, m.Dedupe)
				assert.Equal(t, 32, m.Estimate.OutputTokensPerItem)
				assert.InDelta(t, 2.5, m.Estimate.MaxCostUSD, 0.0001)
				assert.Equal(t, scope.KindFrameIDs, m.Scope.Kind)
				assert.Equal(t, scope.Tokens{"8", "Motion"}, m.Scope.FrameIDs)
				assert.Equal(t, scope.FlagVerb, m.Scope.FlagTarget)
			},
		},
		{
			name:     "unknown extension falls back to YAML",
			content:  validManifestYAML(),
			filename: "job.manifest",
		},
		{
			name:        "unknown top-level field",
			content:     validManifestYAML() + "bucket: nope\n",
			filename:    "job.yaml",
			wantInvalid: true,
		},
		{
			name:        "missing model",
			content:     strings.Replace(validManifestYAML(), "model: gemini-2.5-flash\n", "", 1),
			filename:    "job.yaml",
			wantInvalid: true,
		},
		{
			name:        "bad service tier",
			content:     validManifestYAML() + "service_tier: turbo\n",
			filename:    "job.yaml",
			wantInvalid: true,
		},
		{
			name:        "ids scope without ids",
			content:     "version: \"1.0\"\nmodel: m\ntemplate: t\nscope:\n  kind: ids\n  pos: nouns\n",
			filename:    "job.yaml",
			wantInvalid: true,
		},
		{
			name:        "invalid YAML",
			content:     "version: [\n",
			filename:    "job.yaml",
			errContains: "invalid YAML",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), tt.filename, tt.content)
			m, err := Load(path)
			if tt.wantInvalid {
				assert.ErrorIs(t, err, ErrValidationFailed)
				return
			}
			if tt.errContains != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			if tt.validate != nil {
				tt.validate(t, m)
			}
		})
	}
}

func TestLoad_ValidationErrorsUnwrap(t *testing.T) {
	path := writeFile(t, t.TempDir(), "job.yaml", validManifestYAML()+"extra: 1\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidationFailed))

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.NotEmpty(t, verrs)
}

func TestLoad_TemplateFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "prompt.txt", "Check {{gloss}}\n{{examples}}")
	path := writeFile(t, dir, "job.yaml", `version: "1.0"
model: gemini-2.5-flash
template_file: prompt.txt
scope:
  kind: filter
  pos: verbs
  predicate:
    field: lexfile
    cmp: eq
    value: verb.motion
`)

	m, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Check {{gloss}}\n{{examples}}", m.Template)
	require.NotNil(t, m.Scope.Predicate)
	assert.Equal(t, predicate.Eq, m.Scope.Predicate.Cmp)
}

func TestLoad_TemplateAndTemplateFileConflict(t *testing.T) {
	path := writeFile(t, t.TempDir(), "job.yaml", validManifestYAML()+"template_file: prompt.txt\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "manifest file not found")
}

func TestLoadFromReader_Empty(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader(""), "job.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}

func TestValidate_BuiltManifest(t *testing.T) {
	m := &Manifest{
		Version:  DefaultVersion,
		Model:    "gemini-2.5-flash",
		Template: "{{gloss}}",
		Scope:    scope.Filter(lexicon.Nouns, nil, 0),
	}
	require.NoError(t, Validate(m))

	m.Template = ""
	assert.Error(t, Validate(m))
}

func TestValidationErrors_Error(t *testing.T) {
	single := ValidationErrors{{Path: "/model", Message: "required"}}
	assert.Equal(t, "/model: required", single.Error())

	multi := ValidationErrors{{Path: "/a", Message: "x"}, {Message: "y"}}
	assert.Contains(t, multi.Error(), "2 errors")
	assert.Contains(t, multi.Error(), "  - y")
}
