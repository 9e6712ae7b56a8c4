package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and validates a manifest from the given file path.
//
// The file format is determined by extension: .yaml/.yml for YAML, .json for JSON.
// If the extension is unrecognized, YAML is attempted first, then JSON.
// A relative template_file is resolved against the manifest's directory.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("manifest file not found: %s", path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied reading manifest: %s", path)
		}
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	m, err := LoadFromBytes(data, path)
	if err != nil {
		return nil, err
	}
	if err := m.readTemplateFile(filepath.Dir(path)); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadFromBytes parses and validates a manifest from raw bytes.
//
// The path parameter is used for format detection. Validation runs on the
// raw data before decoding, so unknown fields are rejected. A template_file
// is resolved against the working directory.
func LoadFromBytes(data []byte, path string) (*Manifest, error) {
	if len(data) == 0 {
		return nil, errors.New("manifest file is empty")
	}

	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, err
	}

	if err := ValidateRaw(jsonData); err != nil {
		return nil, err
	}

	// YAML is decoded through its JSON form so both formats share the
	// scope and predicate decoders.
	var m Manifest
	if err := json.Unmarshal(jsonData, &m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	m.ApplyDefaults()

	if path == "" {
		if err := m.readTemplateFile("."); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

// LoadFromReader reads and validates a manifest from an io.Reader.
func LoadFromReader(r io.Reader, path string) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return LoadFromBytes(data, path)
}

func (m *Manifest) readTemplateFile(baseDir string) error {
	if m.TemplateFile == "" {
		return nil
	}
	p := m.TemplateFile
	if !filepath.IsAbs(p) {
		p = filepath.Join(baseDir, p)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return fmt.Errorf("read template file: %w", err)
	}
	m.Template = string(data)
	return nil
}

// toJSON converts the input data to JSON for schema validation.
func toJSON(data []byte, path string) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".json":
		var raw any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON in manifest: %w", err)
		}
		return data, nil

	case ".yaml", ".yml":
		return yamlToJSON(data)

	default:
		// YAML is a superset of JSON.
		jsonData, err := yamlToJSON(data)
		if err == nil {
			return jsonData, nil
		}
		var raw any
		if jsonErr := json.Unmarshal(data, &raw); jsonErr == nil {
			return data, nil
		}
		return nil, fmt.Errorf("failed to parse manifest (tried YAML and JSON): %w", err)
	}
}

func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in manifest: %w", err)
	}

	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert manifest to JSON: %w", err)
	}
	return jsonData, nil
}
