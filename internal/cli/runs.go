package cli

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"sirsim/internal/report"
	sqlitestore "sirsim/internal/store/sqlite"
)

type RunsOptions struct {
	*RootOptions
	Database string
	Limit    int
}

func NewRunsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List runs recorded in a database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openExistingStore(cmd, opts.Database)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(cmd.Context(), opts.Limit)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list runs", err)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tPOPULATION\tSTEPS\tWORKERS\tSEED\tCREATED")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
					r.ID, r.Status, r.Population, r.Steps, r.Workers, r.Seed, r.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum number of runs (0 for all)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

type StepsOptions struct {
	*RootOptions
	Database string
	Format   string
}

func NewStepsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StepsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "steps <run-id>",
		Short: "Print the stored census of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := report.ParseFormat(opts.Format)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid format", err)
			}
			store, err := openExistingStore(cmd, opts.Database)
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				if errors.Is(err, sqlitestore.ErrRunNotFound) {
					return WrapExitError(ExitCommandError, "unknown run", err)
				}
				return WrapExitError(ExitFailure, "failed to load run", err)
			}
			steps, err := store.ListSteps(cmd.Context(), run.ID)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to load steps", err)
			}

			sink := report.NewWriterSink(cmd.OutOrStdout(), format)
			if err := sink.Begin(cmd.Context(), run); err != nil {
				return err
			}
			for _, s := range steps {
				if err := sink.Write(cmd.Context(), s); err != nil {
					return err
				}
			}
			return sink.Finish(cmd.Context(), run.Status, nil)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.Format, "format", "csv", "output format (csv|json|columns|legacy)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

// openExistingStore refuses to create a database that is only being read.
func openExistingStore(cmd *cobra.Command, dbPath string) (*sqlitestore.Store, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("database %s not found", dbPath), err)
	}
	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	if err := store.Migrate(cmd.Context()); err != nil {
		_ = store.Close()
		return nil, WrapExitError(ExitCommandError, "failed to migrate database", err)
	}
	return store, nil
}
