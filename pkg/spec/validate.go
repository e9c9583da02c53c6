package spec

import (
	"fmt"
	"strings"
)

// UnknownKeyError reports a reference to a source key that is not declared
// in the spec.
type UnknownKeyError struct {
	Key        SourceKey
	ReferredBy SourceKey
}

func (e *UnknownKeyError) Error() string {
	if e.ReferredBy != "" {
		return fmt.Sprintf("source %q not found in spec (referenced by %q)", e.Key, e.ReferredBy)
	}
	return fmt.Sprintf("source %q not found in spec", e.Key)
}

// CycleError reports a dependency cycle. Path holds the keys along the
// cycle, ending at the key that closed it.
type CycleError struct {
	Path []SourceKey
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Path))
	for i, k := range e.Path {
		parts[i] = string(k)
	}
	return fmt.Sprintf("dependency cycle: %s", strings.Join(parts, " -> "))
}

// Validate checks the declared tree for structural errors: invalid source
// descriptors, dangling dependency references, and cycles. It does not
// touch the filesystem.
func Validate(t *Tree) error {
	for key, src := range t.Sources {
		if err := validateSource(key, src); err != nil {
			return err
		}
		for _, dep := range src.Dependencies {
			if _, ok := t.Sources[dep.Key]; !ok {
				return &UnknownKeyError{Key: dep.Key, ReferredBy: key}
			}
			if dep.Key == key {
				return &CycleError{Path: []SourceKey{key, key}}
			}
		}
	}

	// DFS cycle detection over the whole declared graph, not just the root
	// closure: a cycle anywhere in the file is a configuration error.
	state := make(map[SourceKey]int, len(t.Sources)) // 0 unvisited, 1 on stack, 2 done
	var visit func(key SourceKey, path []SourceKey) error
	visit = func(key SourceKey, path []SourceKey) error {
		switch state[key] {
		case 1:
			return &CycleError{Path: append(path, key)}
		case 2:
			return nil
		}
		state[key] = 1
		for _, dep := range t.Sources[key].Dependencies {
			if err := visit(dep.Key, append(path, key)); err != nil {
				return err
			}
		}
		state[key] = 2
		return nil
	}
	for _, key := range t.Keys() {
		if err := visit(key, nil); err != nil {
			return err
		}
	}
	return nil
}

func validateSource(key SourceKey, src *Source) error {
	if src == nil {
		return fmt.Errorf("source %q has no descriptor", key)
	}
	switch src.Type {
	case SourceGit:
		if src.URL == "" && src.Path == "" {
			return fmt.Errorf("source %q: git source requires url or path", key)
		}
		if src.URL != "" && src.Path != "" {
			return fmt.Errorf("source %q: git source must set exactly one of url, path", key)
		}
	case SourceSRPM:
		if src.Path == "" {
			return fmt.Errorf("source %q: srpm source requires path", key)
		}
		if src.URL != "" {
			return fmt.Errorf("source %q: srpm source does not take url", key)
		}
	case "":
		return fmt.Errorf("source %q: missing source kind", key)
	default:
		return fmt.Errorf("source %q: unknown source kind %q (valid: git, srpm)", key, src.Type)
	}
	return nil
}
