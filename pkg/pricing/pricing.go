// Package pricing holds the per-model token rate table used for estimates.
package pricing

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed rates.yaml
var builtin []byte

// Rate is a price in USD per million tokens.
type Rate struct {
	Input  float64 `yaml:"input" json:"input"`
	Output float64 `yaml:"output" json:"output"`
}

// Cost returns the USD cost of the given token counts.
func (r Rate) Cost(inputTokens, outputTokens int64) float64 {
	return (float64(inputTokens)*r.Input + float64(outputTokens)*r.Output) / 1_000_000
}

type modelRate struct {
	Prefix string `yaml:"prefix"`
	Rate   `yaml:",inline"`
}

// Table maps models and service tiers to rates.
type Table struct {
	Source string             `yaml:"source"`
	Tiers  map[string]float64 `yaml:"tiers"`
	Models []modelRate        `yaml:"models"`
}

// Builtin returns the embedded rate table.
func Builtin() *Table {
	t, err := Parse(builtin)
	if err != nil {
		panic(fmt.Sprintf("pricing: embedded rate table: %v", err))
	}
	return t
}

// Load reads a rate table from path. An empty path yields Builtin.
func Load(path string) (*Table, error) {
	if strings.TrimSpace(path) == "" {
		return Builtin(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing file: %w", err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if t.Source == "" {
		t.Source = path
	}
	return t, nil
}

// Parse decodes a YAML rate table.
func Parse(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse pricing table: %w", err)
	}
	for i, m := range t.Models {
		if strings.TrimSpace(m.Prefix) == "" {
			return nil, fmt.Errorf("pricing model %d: prefix is required", i)
		}
		if m.Input < 0 || m.Output < 0 {
			return nil, fmt.Errorf("pricing model %q: rates must be >= 0", m.Prefix)
		}
		t.Models[i].Prefix = strings.ToLower(strings.TrimSpace(m.Prefix))
	}
	return &t, nil
}

// Lookup returns the rate for model at tier. The longest matching model
// prefix wins. An empty tier means "default"; a tier missing from the table
// has multiplier 1. ok is false when no model matches.
func (t *Table) Lookup(model, tier string) (Rate, bool) {
	if t == nil {
		return Rate{}, false
	}
	model = strings.ToLower(strings.TrimSpace(model))

	best := -1
	for i, m := range t.Models {
		if strings.HasPrefix(model, m.Prefix) && (best < 0 || len(m.Prefix) > len(t.Models[best].Prefix)) {
			best = i
		}
	}
	if best < 0 {
		return Rate{}, false
	}

	if tier == "" {
		tier = "default"
	}
	mult, ok := t.Tiers[tier]
	if !ok {
		mult = 1
	}
	r := t.Models[best].Rate
	return Rate{Input: r.Input * mult, Output: r.Output * mult}, true
}
