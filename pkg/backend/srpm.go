package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/spectreeops/spectree/pkg/runner"
	"github.com/spectreeops/spectree/pkg/spec"
)

// GenerateSRPM builds the node's source RPM from its working tree into
// outDir using fedpkg, and returns the path of the single generated file.
//
// fedpkg is run in the working tree so the dist-git layout (spec file plus
// sources) is picked up; the release selects the target's macros.
func GenerateSRPM(ctx context.Context, logger *zap.Logger, key spec.SourceKey, workTree, targetOS, outDir string) (string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("create srpm dir: %w", err)
	}

	sh := runner.New(workTree, logger)
	script := fmt.Sprintf("fedpkg --release %s srpm --define %s",
		runner.Quote(targetOS),
		runner.Quote(fmt.Sprintf("_srcrpmdir %s", outDir)))
	if _, err := sh.Output(ctx, script); err != nil {
		return "", fmt.Errorf("fedpkg srpm for %q: %w", key, err)
	}

	return FindSRPM(outDir, key)
}

// FindSRPM locates the single source RPM for key under dir. Zero matches
// or more than one are errors: the SRPM is the unit handed to every
// concrete build tool, so ambiguity here would build the wrong thing.
func FindSRPM(dir string, key spec.SourceKey) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read srpm dir: %w", err)
	}
	var matches []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".rpm" {
			continue
		}
		if strings.Contains(name, ".src.") && strings.HasPrefix(name, string(key)) {
			matches = append(matches, filepath.Join(dir, name))
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no source RPM for %q in %s", key, dir)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("multiple source RPMs for %q: %v", key, matches)
	}
}
