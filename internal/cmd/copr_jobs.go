package cmd

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/spectreeops/spectree/pkg/coprstate"
)

var coprJobsCmd = &cobra.Command{
	Use:   "copr-jobs",
	Short: "List recorded remote builds from a copr state file",
	Long: `Print every remote build recorded in the given state file: its job id,
last observed status and per-chroot states.

Examples:
  spectree copr-jobs --copr-state-file copr-state.json`,
	Args: cobra.NoArgs,
	RunE: runCoprJobs,
}

var coprJobsStateFile string

func init() {
	rootCmd.AddCommand(coprJobsCmd)

	coprJobsCmd.Flags().StringVar(&coprJobsStateFile, "copr-state-file", "", "Durable remote-build state file")
	_ = coprJobsCmd.MarkFlagRequired("copr-state-file")
}

func runCoprJobs(cmd *cobra.Command, args []string) error {
	store, err := coprstate.Open(coprJobsStateFile)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Cannot open copr state file", err)
	}
	defer func() { _ = store.Close() }()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BUILD KEY\tJOB\tSTATUS\tLAST SEEN\tCHROOTS")
	for _, key := range store.Keys() {
		rec, _ := store.Get(key)

		job := "-"
		if rec.JobID != 0 {
			job = fmt.Sprintf("%d", rec.JobID)
		}
		chroots := "-"
		if len(rec.Chroots) > 0 {
			names := make([]string, 0, len(rec.Chroots))
			for name := range rec.Chroots {
				names = append(names, name)
			}
			sort.Strings(names)
			for i, name := range names {
				names[i] = name + "=" + rec.Chroots[name]
			}
			chroots = strings.Join(names, ",")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			key, job, rec.Status, rec.LastSeenAt.UTC().Format(time.RFC3339), chroots)
	}
	if err := w.Flush(); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
	}
	return nil
}
