package spec

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads and validates a spec file from the given path.
//
// Returns an error if:
//   - The file cannot be read (not found, permission denied, etc.)
//   - The content is not a valid YAML mapping
//   - A node carries unknown fields, or a duplicate source key is declared
//   - Structural validation fails (dangling references, cycles, bad source
//     descriptors)
func Load(path string) (*Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("spec file not found: %s", path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied reading spec: %s", path)
		}
		return nil, fmt.Errorf("failed to read spec file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses and validates a spec from raw YAML bytes.
//
// Decoding is strict: fields not declared on a node are rejected rather
// than silently dropped, and duplicate source keys are an error.
func LoadFromBytes(data []byte) (*Tree, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("spec file is empty")
	}

	// Top-level keys are source keys, so they land in the inline map; the
	// strict decoder still rejects unknown fields inside each node.
	//
	// yaml.v3's ,inline only accepts a map keyed by the literal string
	// type, so the raw decode target uses string keys and is converted to
	// SourceKey afterwards.
	var raw struct {
		Sources map[string]*Source `yaml:",inline"`
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil && err != io.EOF {
		return nil, fmt.Errorf("invalid spec YAML: %w", err)
	}

	tree := &Tree{Sources: map[SourceKey]*Source{}}
	for k, v := range raw.Sources {
		tree.Sources[SourceKey(k)] = v
	}
	if err := Validate(tree); err != nil {
		return nil, err
	}
	return tree, nil
}
