// Package workspace owns the on-disk layout shared by all builds:
//
//	<root>/
//	  sources/<source-key>/            cloned remotes
//	  builds/<build-key>/
//	    deps/                          staged dependency repo
//	    deps/repodata/                 repo index
//	    build/                         published artifacts
//	    srpm/                          generated source RPM
//
// A build is prepared in a hidden staging directory next to its final
// location and published with a single rename, so the existence of
// builds/<build-key> always implies a complete, successful build.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spectreeops/spectree/pkg/fingerprint"
)

// Workspace is the filesystem root for sources and builds.
type Workspace struct {
	root   string
	logger *zap.Logger
}

// New returns a Workspace rooted at dir. Call Init before use.
func New(dir string, logger *zap.Logger) *Workspace {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Workspace{root: dir, logger: logger}
}

// Init creates the workspace skeleton.
func (w *Workspace) Init() error {
	for _, d := range []string{w.root, w.SourcesDir(), w.BuildsDir()} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create workspace dir %s: %w", d, err)
		}
	}
	w.logger.Debug("workspace ready", zap.String("root", w.root))
	return nil
}

// Root returns the workspace root directory.
func (w *Workspace) Root() string { return w.root }

// SourcesDir is where URL sources are cloned.
func (w *Workspace) SourcesDir() string { return filepath.Join(w.root, "sources") }

// BuildsDir holds one directory per published build key.
func (w *Workspace) BuildsDir() string { return filepath.Join(w.root, "builds") }

// FinalDir is the published location for a build key.
func (w *Workspace) FinalDir(key fingerprint.BuildKey) string {
	return filepath.Join(w.BuildsDir(), key.DirName())
}

// ArtifactDir is the published build/ directory for a build key.
func (w *Workspace) ArtifactDir(key fingerprint.BuildKey) string {
	return filepath.Join(w.FinalDir(key), "build")
}

// Published reports whether the build key has been published. Publication
// is atomic, so a present directory is a complete successful build.
func (w *Workspace) Published(key fingerprint.BuildKey) bool {
	_, err := os.Stat(w.FinalDir(key))
	return err == nil
}

// Staging is an unpublished build directory. It holds the same layout as
// the final directory and is renamed into place on success.
type Staging struct {
	ws  *Workspace
	key fingerprint.BuildKey
	dir string
}

// NewStaging creates a fresh staging directory for the build key with
// empty build/ and deps/ subdirectories.
func (w *Workspace) NewStaging(key fingerprint.BuildKey) (*Staging, error) {
	nonce := strings.SplitN(uuid.NewString(), "-", 2)[0]
	dir := filepath.Join(w.BuildsDir(), fmt.Sprintf(".staging-%s-%s", key.DirName(), nonce))
	for _, d := range []string{dir, filepath.Join(dir, "build"), filepath.Join(dir, "deps")} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create staging dir %s: %w", d, err)
		}
	}
	return &Staging{ws: w, key: key, dir: dir}, nil
}

// Dir is the staging root.
func (s *Staging) Dir() string { return s.dir }

// BuildDir is the staged artifacts directory, populated by the backend.
func (s *Staging) BuildDir() string { return filepath.Join(s.dir, "build") }

// DepsDir is the staged dependency repository.
func (s *Staging) DepsDir() string { return filepath.Join(s.dir, "deps") }

// SRPMDir is where the generated source RPM is placed.
func (s *Staging) SRPMDir() string { return filepath.Join(s.dir, "srpm") }

// Publish atomically moves the staging directory into its final build-key
// location. If another worker published the same key first, the staging
// directory is discarded and the existing publication wins.
func (s *Staging) Publish() error {
	final := s.ws.FinalDir(s.key)
	if err := os.Rename(s.dir, final); err != nil {
		if s.ws.Published(s.key) {
			s.ws.logger.Debug("already published concurrently", zap.String("build_key", s.key.String()))
			return s.Remove()
		}
		return fmt.Errorf("publish %s: %w", s.key, err)
	}
	s.ws.logger.Debug("published", zap.String("build_key", s.key.String()))
	return nil
}

// Remove deletes the staging directory and everything under it.
func (s *Staging) Remove() error {
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("remove staging %s: %w", s.dir, err)
	}
	return nil
}
