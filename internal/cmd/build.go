package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/spectreeops/spectree/internal/observability"
	"github.com/spectreeops/spectree/internal/server"
	"github.com/spectreeops/spectree/pkg/backend"
	"github.com/spectreeops/spectree/pkg/coprstate"
	"github.com/spectreeops/spectree/pkg/mirror"
	"github.com/spectreeops/spectree/pkg/orchestrator"
	"github.com/spectreeops/spectree/pkg/spec"
)

var buildCmd = &cobra.Command{
	Use:   "build <spec-file> <workspace> <root-source>",
	Short: "Build a root source and its dependency closure",
	Long: `Build the given root source and every ancestor it depends on, in
topological order, caching by build key.

Examples:
  spectree build tree.yaml ./workspace myapp
  spectree build tree.yaml ./workspace myapp --backend null
  spectree build tree.yaml ./workspace myapp --backend docker --target-os epel10
  spectree build tree.yaml ./workspace myapp --backend copr \
      --copr-project team/nightly --copr-state-file copr-state.json`,
	Args: cobra.ExactArgs(3),
	RunE: runBuild,
}

var (
	buildBackendName string
	buildTargetOS    string
	buildJobs        int
	buildKeepFailed  bool
	buildStatusAddr  string
	buildMirrorURI   string

	buildCoprProject     string
	buildCoprStateFile   string
	buildExcludeChroots  []string
	buildCoprAssumeBuilt string
	buildDebugPrepare    bool
)

func init() {
	rootCmd.AddCommand(buildCmd)

	buildCmd.Flags().StringVarP(&buildBackendName, "backend", "b", "mock", "Builder backend (mock|null|docker|copr)")
	buildCmd.Flags().StringVar(&buildTargetOS, "target-os", "", "Target OS (e.g. epel10); autodetected from /etc/os-release when empty")
	buildCmd.Flags().IntVarP(&buildJobs, "jobs", "j", 0, "Max concurrent builds (0=number of CPUs)")
	buildCmd.Flags().BoolVar(&buildKeepFailed, "keep-failed", false, "Keep failed staging directories for inspection")
	buildCmd.Flags().StringVar(&buildStatusAddr, "status-addr", "", "Serve run status on host:port while building")
	buildCmd.Flags().StringVar(&buildMirrorURI, "mirror", "", "Mirror published artifacts to s3://bucket[/prefix]")

	buildCmd.Flags().StringVar(&buildCoprProject, "copr-project", "", "Copr project to submit builds under (copr backend)")
	buildCmd.Flags().StringVar(&buildCoprStateFile, "copr-state-file", "", "Durable remote-build state file (copr backend)")
	buildCmd.Flags().StringArrayVar(&buildExcludeChroots, "exclude-chroot", nil, "Chroot glob to ignore in remote results (repeatable)")
	buildCmd.Flags().StringVar(&buildCoprAssumeBuilt, "copr-assume-built", "", "Regex of source keys assumed already built remotely")
	buildCmd.Flags().BoolVar(&buildDebugPrepare, "debug-prepare", false, "Stop after source preparation and keep the tree (docker backend)")
}

func runBuild(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	specFile, workspaceDir, rootSource := args[0], args[1], args[2]

	be, cleanup, err := createBackend(ctx, workspaceDir)
	if err != nil {
		return err
	}
	defer cleanup()

	opts := orchestrator.Options{
		SpecFile:       specFile,
		WorkspaceDir:   workspaceDir,
		Root:           spec.SourceKey(rootSource),
		Backend:        be,
		TargetOS:       buildTargetOS,
		Jobs:           jobsOrDefault(),
		KeepFailed:     buildKeepFailed,
		BackendTimeout: appConfig.Backend.Timeout,
		Logger:         observability.Logger,
	}

	if buildMirrorURI != "" {
		up, err := mirror.New(ctx, mirror.Config{URI: buildMirrorURI}, observability.Logger)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid mirror destination", err)
		}
		opts.Mirror = up
	}

	o, err := orchestrator.New(ctx, opts)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Configuration error", err)
	}

	if buildStatusAddr != "" {
		stop, err := startStatusServer(ctx, buildStatusAddr, o)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid status address", err)
		}
		defer stop()
	}

	report, runErr := o.Run(ctx)
	printReport(report)

	switch {
	case runErr == nil:
		return nil
	case errors.Is(runErr, context.Canceled):
		return exitError(foundry.ExitSignalInt, "Build cancelled", runErr)
	default:
		return exitError(foundry.ExitExternalServiceUnavailable, "Build failed", runErr)
	}
}

func jobsOrDefault() int {
	if buildJobs > 0 {
		return buildJobs
	}
	return appConfig.Workers
}

// createBackend builds the selected backend, returning a cleanup to run
// after the build (closing the copr state store).
func createBackend(ctx context.Context, workspaceDir string) (backend.Backend, func(), error) {
	noop := func() {}
	log := observability.Logger

	switch buildBackendName {
	case "null":
		return backend.NewNull(log), noop, nil

	case "mock":
		return backend.NewMock(workspaceDir, log), noop, nil

	case "docker":
		if buildTargetOS == "" {
			detected, err := backend.DetectBaseOS()
			if err != nil {
				return nil, noop, exitError(foundry.ExitInvalidArgument, "Cannot determine target OS", err)
			}
			buildTargetOS = detected
		}
		return backend.NewDocker(workspaceDir, backend.DockerOptions{DebugPrepare: buildDebugPrepare}, log), noop, nil

	case "copr":
		if buildCoprProject == "" {
			return nil, noop, exitError(foundry.ExitInvalidArgument, "Missing required flag", fmt.Errorf("--copr-project is required for the copr backend"))
		}
		if buildCoprStateFile == "" {
			return nil, noop, exitError(foundry.ExitInvalidArgument, "Missing required flag", fmt.Errorf("--copr-state-file is required for the copr backend"))
		}

		var assumeBuilt *regexp.Regexp
		if buildCoprAssumeBuilt != "" {
			re, err := regexp.Compile(buildCoprAssumeBuilt)
			if err != nil {
				return nil, noop, exitError(foundry.ExitInvalidArgument, "Invalid --copr-assume-built regex", err)
			}
			assumeBuilt = re
		}

		store, err := coprstate.Open(buildCoprStateFile)
		if err != nil {
			return nil, noop, exitError(foundry.ExitFileReadError, "Cannot open copr state file", err)
		}
		cleanup := func() {
			if err := store.Close(); err != nil {
				observability.CLILogger.Error("Failed to flush copr state file", zap.Error(err))
			}
		}

		be, err := backend.NewCopr(workspaceDir, backend.CoprOptions{
			Project:        buildCoprProject,
			Store:          store,
			AssumeBuilt:    assumeBuilt,
			ExcludeChroots: buildExcludeChroots,
			PollInitial:    appConfig.Copr.PollInitial,
			PollMax:        appConfig.Copr.PollMax,
			Limiter:        rate.NewLimiter(rate.Every(appConfig.Copr.RateEvery), 1),
		}, log)
		if err != nil {
			cleanup()
			return nil, noop, exitError(foundry.ExitInvalidArgument, "Invalid copr backend configuration", err)
		}
		return be, cleanup, nil

	default:
		return nil, noop, exitError(foundry.ExitInvalidArgument, "Unknown backend",
			fmt.Errorf("invalid builder backend %q (valid: mock, null, docker, copr)", buildBackendName))
	}
}

func startStatusServer(ctx context.Context, addr string, o *orchestrator.Orchestrator) (func(), error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", portStr, err)
	}

	srv := server.New(host, port)
	srv.SetNodesSnapshot(func() any { return o.Snapshot() })

	srvCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Start(srvCtx); err != nil {
			observability.CLILogger.Warn("Status server stopped", zap.Error(err))
		}
	}()
	return func() { cancel(); <-done }, nil
}

func printReport(report *orchestrator.Report) {
	if report == nil {
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SOURCE\tSTATUS\tBUILD KEY\tNOTE")
	for _, n := range report.Nodes {
		note := ""
		switch {
		case n.Cached:
			note = "cached"
		case n.Error != "":
			note = n.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", n.SourceKey, n.Status, n.BuildKey, note)
	}
	_ = w.Flush()
}
