package backend

import (
	"context"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/spectreeops/spectree/pkg/runner"
)

// Mock builds with the mock chroot tool: the staged deps directory is
// added as an auxiliary repo and the result directory is the staging
// build/ directory, which is then published by the caller.
type Mock struct {
	sh     runner.Shell
	logger *zap.Logger
}

// NewMock returns the mock backend running in workDir.
func NewMock(workDir string, logger *zap.Logger) *Mock {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mock{sh: runner.New(workDir, logger), logger: logger}
}

func (m *Mock) Name() string         { return "mock" }
func (m *Mock) WantsDepsRepo() bool  { return true }
func (m *Mock) LocalArtifacts() bool { return true }

func (m *Mock) Build(ctx context.Context, req *Request) error {
	srpm, err := req.SRPM(ctx)
	if err != nil {
		return &Failure{Backend: m.Name(), SourceKey: req.SourceKey, Err: err}
	}

	args := []string{"mock", "--resultdir", runner.Quote(req.BuildDir)}
	if req.DepsDir != "" {
		if hasStagedDeps(req.DepsDir) {
			args = append(args, "--addrepo", runner.Quote(req.DepsDir))
		}
	}
	for _, p := range req.BuildParams {
		args = append(args, runner.Quote(p))
	}
	args = append(args, runner.Quote(srpm))

	script := strings.Join(args, " ")
	m.logger.Info("building with mock", zap.String("build_key", req.Key.String()))
	if err := m.sh.Run(ctx, script); err != nil {
		return &Failure{Backend: m.Name(), SourceKey: req.SourceKey, Err: err}
	}
	return nil
}

// hasStagedDeps reports whether the deps directory contains anything
// beyond the repo index of an empty closure. mock rejects a repo with no
// packages on some configurations, so an empty closure is simply omitted.
func hasStagedDeps(depsDir string) bool {
	entries, err := os.ReadDir(depsDir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.IsDir() && e.Name() != "repodata" {
			return true
		}
	}
	return false
}
