package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/spectreeops/spectree/internal/observability"
	"github.com/spectreeops/spectree/pkg/backend"
	"github.com/spectreeops/spectree/pkg/orchestrator"
	"github.com/spectreeops/spectree/pkg/spec"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <spec-file> <workspace> <root-source>",
	Short: "Resolve and fingerprint the closure without building",
	Long: `Resolve the root source's dependency closure, acquire every working
tree and print each node's build key and staged deps closure. Nothing is
built; the workspace is only used for source clones.

Examples:
  spectree resolve tree.yaml ./workspace myapp`,
	Args: cobra.ExactArgs(3),
	RunE: runResolve,
}

func init() {
	rootCmd.AddCommand(resolveCmd)
}

func runResolve(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	specFile, workspaceDir, rootSource := args[0], args[1], args[2]

	o, err := orchestrator.New(ctx, orchestrator.Options{
		SpecFile:     specFile,
		WorkspaceDir: workspaceDir,
		Root:         spec.SourceKey(rootSource),
		Backend:      backend.NewNull(observability.Logger),
		Logger:       observability.Logger,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Configuration error", err)
	}

	g := o.Graph()
	plans := o.Plans()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SOURCE\tBUILD KEY\tDEPS CLOSURE")
	for _, idx := range g.TopoOrder() {
		node := g.Nodes[idx]
		plan := plans[idx]

		buildKey := "(unavailable)"
		if !plan.Key.IsZero() {
			buildKey = plan.Key.String()
		}

		var closure []string
		for _, anc := range g.DepsClosure(idx) {
			closure = append(closure, string(g.Nodes[anc].Key))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", node.Key, buildKey, strings.Join(closure, ","))
	}
	if err := w.Flush(); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
	}

	for idx, plan := range plans {
		if plan.PreErr != nil {
			return exitError(foundry.ExitInvalidArgument,
				fmt.Sprintf("Source %q cannot be fingerprinted", g.Nodes[idx].Key), plan.PreErr)
		}
	}
	return nil
}
