// Package backend defines the build backend protocol and its
// implementations: null (testing), mock (local chroot), docker
// (container), and copr (remote hosted).
//
// A backend performs exactly one operation: build a node from its staged
// inputs into an output directory. The scheduler's contract is that after
// a successful Build, dependents may proceed; whether artifacts exist
// locally is backend-specific.
package backend

import (
	"context"
	"fmt"

	"github.com/spectreeops/spectree/pkg/fingerprint"
	"github.com/spectreeops/spectree/pkg/spec"
)

// Request carries everything a backend may need to build one node.
type Request struct {
	// Key is the node's content-addressed build key.
	Key fingerprint.BuildKey

	// SourceKey is the node's declared key.
	SourceKey spec.SourceKey

	// BuildParams are the node's declared parameter tokens, in order.
	BuildParams []string

	// WorkTree is the node's materialised source tree.
	WorkTree string

	// DepsDir is the staged dependency repository, or empty when the
	// backend does not consume local deps.
	DepsDir string

	// BuildDir receives the build artifacts for backends that publish
	// locally.
	BuildDir string

	// StagingDir is the staging root that holds BuildDir, DepsDir and the
	// generated source RPM.
	StagingDir string

	// TargetOS selects the build target environment (e.g. "epel10").
	TargetOS string

	// SRPM generates (once) and returns the path of the node's source RPM.
	// Backends that do not need one never call it.
	SRPM func(ctx context.Context) (string, error)
}

// Backend builds one node from staged inputs.
type Backend interface {
	// Name identifies the backend in logs and errors.
	Name() string

	// WantsDepsRepo reports whether the node's deps closure should be
	// staged locally before Build.
	WantsDepsRepo() bool

	// LocalArtifacts reports whether a successful Build populates
	// Request.BuildDir, and therefore whether the build is published into
	// the workspace.
	LocalArtifacts() bool

	// Build performs the build. A nil return means dependents may proceed.
	Build(ctx context.Context, req *Request) error
}

// Failure wraps a backend error with the node it failed on.
type Failure struct {
	Backend   string
	SourceKey spec.SourceKey
	Err       error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s backend failed for %q: %v", f.Backend, f.SourceKey, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }
