package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/spectreeops/spectree/pkg/fingerprint"
	"github.com/spectreeops/spectree/pkg/runner"
)

// DefaultRepoIndexCommand builds the package repository index over the
// staged dependency directory.
const DefaultRepoIndexCommand = "createrepo_c ."

// Stager prepares a build's deps/ directory: the artifacts of every
// closure ancestor are hardlinked in and indexed as a package repository.
type Stager struct {
	ws       *Workspace
	indexCmd string
	logger   *zap.Logger
}

// NewStager returns a Stager. indexCmd overrides the repo index tool
// invocation; empty selects DefaultRepoIndexCommand.
func NewStager(ws *Workspace, indexCmd string, logger *zap.Logger) *Stager {
	if indexCmd == "" {
		indexCmd = DefaultRepoIndexCommand
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stager{ws: ws, indexCmd: indexCmd, logger: logger}
}

// Stage populates st's deps/ directory with the published artifacts of the
// given closure ancestors and runs the repo index tool over it. Each
// ancestor appears under deps/<ancestor-build-key>/.
//
// Artifacts are hardlinked for speed and disk reuse; a cross-device link
// failure falls back to a plain copy, and any other link failure is an
// error.
func (s *Stager) Stage(ctx context.Context, st *Staging, closure []fingerprint.BuildKey) error {
	for _, ancestor := range closure {
		srcDir := s.ws.ArtifactDir(ancestor)
		if _, err := os.Stat(srcDir); err != nil {
			return fmt.Errorf("dependency artifacts missing for %s: %w", ancestor, err)
		}
		dstDir := filepath.Join(st.DepsDir(), ancestor.DirName())
		if err := linkTree(srcDir, dstDir); err != nil {
			return fmt.Errorf("stage %s: %w", ancestor, err)
		}
		s.logger.Debug("staged dependency", zap.String("build_key", st.key.String()), zap.String("dep", ancestor.String()))
	}

	sh := runner.New(st.DepsDir(), s.logger)
	if _, err := sh.Output(ctx, s.indexCmd); err != nil {
		return fmt.Errorf("repo index for %s: %w", st.key, err)
	}
	return nil
}

// linkTree recreates src's directory structure under dst, hardlinking
// every regular file and copying where linking fails across devices.
func linkTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			// Symlinks and specials are not meaningful in an RPM repo.
			return nil
		}
		if err := os.Link(path, target); err != nil {
			if errors.Is(err, syscall.EXDEV) {
				return copyFile(path, target)
			}
			return err
		}
		return nil
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
