// Package spec defines the declarative build specification: a mapping from
// source key to node descriptor (source kind, dependency edges, build
// parameters). It owns parsing, strict validation, and the canonical
// serialised form.
package spec

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// SourceKey identifies one build node. Keys are chosen by the user, unique
// across the spec, and stable across runs.
type SourceKey string

func (k SourceKey) String() string { return string(k) }

// SourceType is the kind of source a node is built from.
type SourceType string

const (
	// SourceGit is a git working tree, either a local path or a URL to clone.
	SourceGit SourceType = "git"

	// SourceSRPM is a prebuilt source RPM. Reserved: the surface syntax is
	// accepted but acquisition is not implemented.
	SourceSRPM SourceType = "srpm"
)

// Dependency is one edge to another source key.
//
// A direct-only edge (surface syntax: leading '~' on the key) is staged only
// when it is a direct edge of the build being prepared; it is not inherited
// by further descendants. Direct-only edges participate in scheduling
// readiness and fingerprinting exactly like regular edges.
type Dependency struct {
	Key        SourceKey
	DirectOnly bool
}

// ParseDependency parses the surface form of a dependency reference.
func ParseDependency(s string) Dependency {
	if strings.HasPrefix(s, "~") {
		return Dependency{Key: SourceKey(s[1:]), DirectOnly: true}
	}
	return Dependency{Key: SourceKey(s)}
}

// String returns the surface form, including the '~' prefix for
// direct-only edges.
func (d Dependency) String() string {
	if d.DirectOnly {
		return "~" + string(d.Key)
	}
	return string(d.Key)
}

// UnmarshalYAML decodes a dependency from its surface scalar form.
func (d *Dependency) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("dependency must be a string: %w", err)
	}
	if s == "" || s == "~" {
		return fmt.Errorf("dependency key is empty")
	}
	*d = ParseDependency(s)
	return nil
}

// MarshalYAML encodes a dependency back to its surface scalar form.
func (d Dependency) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Source is one node descriptor as declared in the spec file.
type Source struct {
	// Type selects the source kind ("git" or "srpm").
	Type SourceType `yaml:"source"`

	// URL is a remote to clone into the workspace sources area. Supports the
	// ${NAME} template, substituted with the node's source key. file:// URLs
	// are treated as local paths. Exactly one of URL or Path must be set for
	// git sources.
	URL string `yaml:"url,omitempty"`

	// Path is a local working tree (git) or a source RPM file (srpm).
	// Supports the ${NAME} template.
	Path string `yaml:"path,omitempty"`

	// Dependencies are the node's direct edges, in declared order.
	Dependencies []Dependency `yaml:"dependencies,omitempty"`

	// BuildParams are extra tokens forwarded to the build backend, in
	// declared order. Order is preserved for fingerprinting.
	BuildParams []string `yaml:"build_params,omitempty"`
}

// Tree is the parsed specification: every declared node, keyed by source key.
type Tree struct {
	Sources map[SourceKey]*Source
}

// Keys returns all declared source keys in sorted order.
func (t *Tree) Keys() []SourceKey {
	keys := make([]SourceKey, 0, len(t.Sources))
	for k := range t.Sources {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Get returns the node for key, or an error naming the missing key.
func (t *Tree) Get(key SourceKey) (*Source, error) {
	src, ok := t.Sources[key]
	if !ok {
		return nil, &UnknownKeyError{Key: key}
	}
	return src, nil
}

// MarshalYAML emits the canonical serialised form: a mapping with sorted
// source keys and dependencies in declared surface syntax. Loading the
// output yields an identical tree.
func (t *Tree) MarshalYAML() (any, error) {
	root := &yaml.Node{Kind: yaml.MappingNode}
	for _, key := range t.Keys() {
		keyNode := &yaml.Node{}
		if err := keyNode.Encode(string(key)); err != nil {
			return nil, err
		}
		valNode := &yaml.Node{}
		if err := valNode.Encode(t.Sources[key]); err != nil {
			return nil, err
		}
		root.Content = append(root.Content, keyNode, valNode)
	}
	return root, nil
}

// Marshal returns the canonical YAML bytes for the tree.
func (t *Tree) Marshal() ([]byte, error) {
	b, err := yaml.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal spec: %w", err)
	}
	return b, nil
}
