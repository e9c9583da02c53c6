// Package fingerprint derives content-addressed build keys. A build key is
// a pure function of everything that can affect a build's output: the
// source key, the source tree content hash, the build parameters in
// declared order, and the build keys of all direct dependencies in
// declared order (with each edge's direct-only flag).
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/spectreeops/spectree/pkg/graph"
	"github.com/spectreeops/spectree/pkg/spec"
)

// DigestLen is the number of hex characters of the SHA-256 digest kept in
// a build key.
const DigestLen = 32

// encodingVersion is folded into every digest so a change to the canonical
// encoding re-keys all builds instead of silently colliding with old ones.
const encodingVersion = "spectree.build.v1"

// BuildKey is the content-addressed identity of one build attempt.
type BuildKey struct {
	SourceKey spec.SourceKey
	Digest    string
}

// String returns the canonical form <source-key>-<digest>, which is also
// the workspace directory name for the build.
func (k BuildKey) String() string {
	return fmt.Sprintf("%s-%s", k.SourceKey, k.Digest)
}

// DirName is the workspace directory name for the build.
func (k BuildKey) DirName() string { return k.String() }

// IsZero reports whether the key is unset.
func (k BuildKey) IsZero() bool { return k.Digest == "" }

// hashWriter appends length-prefixed fields to a SHA-256 state, so that no
// two distinct field sequences can produce the same byte stream.
type hashWriter struct {
	h interface{ Write(p []byte) (int, error) }
}

func (w hashWriter) field(s string) {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(s)))
	_, _ = w.h.Write(lenBuf[:n])
	_, _ = w.h.Write([]byte(s))
}

func (w hashWriter) flag(b bool) {
	if b {
		_, _ = w.h.Write([]byte{1})
	} else {
		_, _ = w.h.Write([]byte{0})
	}
}

// DepInput is one direct dependency's contribution to a build key.
type DepInput struct {
	Key        spec.SourceKey
	DirectOnly bool
	BuildKey   BuildKey
}

// Compute derives the build key for a single node from its inputs.
// Dependency edges must be passed in declared order; the encoding is a
// total function of the inputs, and any change to any input changes the
// resulting key.
func Compute(key spec.SourceKey, contentHash string, buildParams []string, deps []DepInput) BuildKey {
	h := sha256.New()
	w := hashWriter{h: h}

	w.field(encodingVersion)
	w.field(string(key))
	w.field(contentHash)

	w.field(fmt.Sprintf("%d", len(buildParams)))
	for _, p := range buildParams {
		w.field(p)
	}

	w.field(fmt.Sprintf("%d", len(deps)))
	for _, d := range deps {
		w.field(string(d.Key))
		w.flag(d.DirectOnly)
		w.field(d.BuildKey.String())
	}

	digest := hex.EncodeToString(h.Sum(nil))[:DigestLen]
	return BuildKey{SourceKey: key, Digest: digest}
}

// ComputeGraph derives build keys for every node in the graph whose whole
// dependency subtree has a content hash, traversing leaves upward. Nodes
// with a missing content hash (failed acquisition), and every node that
// depends on one, are left out of the result.
func ComputeGraph(g *graph.Graph, contentHashes map[int]string) map[int]BuildKey {
	keys := make(map[int]BuildKey, len(g.Nodes))
	for _, idx := range g.TopoOrder() {
		node := g.Nodes[idx]
		hash, ok := contentHashes[idx]
		if !ok {
			continue
		}
		deps := make([]DepInput, 0, len(node.Deps))
		complete := true
		for _, e := range node.Deps {
			depKey, ok := keys[e.To]
			if !ok {
				complete = false
				break
			}
			deps = append(deps, DepInput{
				Key:        g.Nodes[e.To].Key,
				DirectOnly: e.DirectOnly,
				BuildKey:   depKey,
			})
		}
		if !complete {
			continue
		}
		keys[idx] = Compute(node.Key, hash, node.Source.BuildParams, deps)
	}
	return keys
}
