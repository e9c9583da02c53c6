// Package gitsrc materialises working trees for build nodes and derives
// their content hashes from git's native tree identity.
package gitsrc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/spectreeops/spectree/pkg/runner"
	"github.com/spectreeops/spectree/pkg/spec"
)

// ErrSRPMNotSupported is returned for the reserved srpm source kind.
var ErrSRPMNotSupported = errors.New("srpm sources are not yet supported")

// UncleanError reports a working tree with uncommitted or untracked
// changes. Building from a dirty tree would make the content hash lie.
type UncleanError struct {
	Key  spec.SourceKey
	Path string
}

func (e *UncleanError) Error() string {
	return fmt.Sprintf("working tree for %q has uncommitted changes: %s", e.Key, e.Path)
}

// WorkTree is a materialised source: a local path and the stable content
// hash of its tree at HEAD.
type WorkTree struct {
	Path string

	// Hash is the git tree object hash for HEAD. It is stable across
	// clones of the same content and changes with any committed change.
	Hash string
}

// Acquirer resolves source descriptors to working trees. URL sources are
// cloned under <sourcesDir>/<key> once per run and updated on reuse.
type Acquirer struct {
	sourcesDir string
	sh         runner.Shell
	logger     *zap.Logger
}

// New returns an Acquirer cloning into sourcesDir.
func New(sourcesDir string, logger *zap.Logger) *Acquirer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Acquirer{
		sourcesDir: sourcesDir,
		sh:         runner.New(sourcesDir, logger),
		logger:     logger,
	}
}

// expand substitutes the ${NAME} template with the node's source key.
func expand(s string, key spec.SourceKey) string {
	return strings.ReplaceAll(s, "${NAME}", string(key))
}

// ResolvePath returns the local working tree path for a source without
// cloning or updating anything. Used when the tree is already materialised.
func (a *Acquirer) ResolvePath(key spec.SourceKey, src *spec.Source) (string, error) {
	switch src.Type {
	case spec.SourceGit:
		if src.Path != "" {
			return filepath.Abs(expand(src.Path, key))
		}
		url := expand(src.URL, key)
		if strings.HasPrefix(url, "file://") {
			return strings.TrimPrefix(url, "file://"), nil
		}
		return filepath.Join(a.sourcesDir, string(key)), nil
	case spec.SourceSRPM:
		return "", ErrSRPMNotSupported
	default:
		return "", fmt.Errorf("source %q: unknown source kind %q", key, src.Type)
	}
}

// Acquire materialises the working tree for a node and returns it with its
// content hash. For URL sources the clone is created or updated; the tree
// must be clean or an UncleanError is returned.
func (a *Acquirer) Acquire(ctx context.Context, key spec.SourceKey, src *spec.Source) (*WorkTree, error) {
	path, err := a.ResolvePath(key, src)
	if err != nil {
		return nil, err
	}

	if src.Type == spec.SourceGit && src.Path == "" && !strings.HasPrefix(expand(src.URL, key), "file://") {
		if err := a.cloneOrUpdate(ctx, key, expand(src.URL, key), path); err != nil {
			return nil, err
		}
	}

	clean, err := a.isClean(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("check working tree for %q: %w", key, err)
	}
	if !clean {
		return nil, &UncleanError{Key: key, Path: path}
	}

	hash, err := a.treeHash(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("tree hash for %q: %w", key, err)
	}
	a.logger.Debug("acquired source", zap.String("key", string(key)), zap.String("path", path), zap.String("tree", hash))
	return &WorkTree{Path: path, Hash: hash}, nil
}

func (a *Acquirer) cloneOrUpdate(ctx context.Context, key spec.SourceKey, url, path string) error {
	if _, err := os.Stat(path); err == nil {
		a.logger.Info("updating clone", zap.String("key", string(key)))
		sh := runner.New(path, a.logger)
		if _, err := sh.Output(ctx, "git fetch origin"); err != nil {
			return fmt.Errorf("fetch %q: %w", key, err)
		}
		if _, err := sh.Output(ctx, "git reset --hard origin/HEAD"); err != nil {
			return fmt.Errorf("reset %q: %w", key, err)
		}
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat clone dir for %q: %w", key, err)
	}

	if err := os.MkdirAll(a.sourcesDir, 0o755); err != nil {
		return fmt.Errorf("create sources dir: %w", err)
	}
	a.logger.Info("cloning", zap.String("key", string(key)), zap.String("url", url))
	script := fmt.Sprintf("git clone %s %s", runner.Quote(url), runner.Quote(path))
	if _, err := a.sh.Output(ctx, script); err != nil {
		return fmt.Errorf("clone %q: %w", key, err)
	}
	return nil
}

func (a *Acquirer) isClean(ctx context.Context, path string) (bool, error) {
	sh := runner.New(path, a.logger)
	out, err := sh.Output(ctx, "git status --porcelain")
	if err != nil {
		return false, err
	}
	return out == "", nil
}

func (a *Acquirer) treeHash(ctx context.Context, path string) (string, error) {
	sh := runner.New(path, a.logger)
	return sh.Output(ctx, "git rev-parse 'HEAD^{tree}'")
}
