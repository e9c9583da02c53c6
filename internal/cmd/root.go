// Package cmd wires the CLI surface to the orchestrator.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/spectreeops/spectree/internal/config"
	"github.com/spectreeops/spectree/internal/observability"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build-time version metadata (set via ldflags).
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// appConfig is loaded once in the root PersistentPreRunE and shared by
// every command.
var appConfig *config.Config

var rootCmd = &cobra.Command{
	Use:   "spectree",
	Short: "Build dependent RPM packages from a YAML specification",
	Long: `spectree builds a cluster of interdependent source RPM packages in
topological order, in parallel, reusing prior results whenever nothing
that affects a build has changed.

Each source in the specification is fingerprinted from its git tree
content, its build parameters and the fingerprints of its dependencies;
the resulting build key addresses the build directory in the workspace.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cmd.Context())
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
		}
		appConfig = cfg
		if err := observability.Init(cfg.Logging.Level); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Failed to initialize logging", err)
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the CLI. The returned error carries the process exit code;
// extract it with ExitCode.
func Execute(ctx context.Context) error {
	defer observability.Sync()
	rootCmd.Version = fmt.Sprintf("%s (%s, %s)", versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
	return rootCmd.ExecuteContext(ctx)
}

// codedError pairs a CLI error with its process exit code.
type codedError struct {
	code int
	msg  string
	err  error
}

func (e *codedError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s (exit code %d)", e.msg, e.code)
	}
	return fmt.Sprintf("%s: %v (exit code %d)", e.msg, e.err, e.code)
}

func (e *codedError) Unwrap() error { return e.err }

// exitError creates an error that will cause the CLI to exit with the
// given code.
func exitError(code int, message string, err error) error {
	return &codedError{code: code, msg: message, err: err}
}

// ExitCode maps an Execute error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var coded *codedError
	if errors.As(err, &coded) {
		return coded.code
	}
	return 1
}
