package cli

import (
	"io"
	"log"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Config  string
}

// NewRootCommand creates the sirsim command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "sirsim",
		Short: "Parallel spatial SIR epidemic simulator",
		Long: `sirsim simulates an SIR epidemic on agents scattered over the unit square.

The population is split into shards, one per worker. Workers run in-process
or as separate "sirsim worker" processes reached over TCP, and every step is
a full barrier across all of them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log per-step kernel transitions")
	cmd.PersistentFlags().StringVar(&opts.Config, "config", "", "path to a .toml or .yaml config file")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewWorkerCommand(opts))
	cmd.AddCommand(NewRunsCommand(opts))
	cmd.AddCommand(NewStepsCommand(opts))

	return cmd
}

func newLogger(w io.Writer) *log.Logger {
	return log.New(w, "", log.LstdFlags)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
