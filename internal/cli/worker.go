package cli

import (
	"fmt"
	"net"

	"github.com/spf13/cobra"

	"sirsim/internal/cluster/netrpc"
	"sirsim/internal/worker"
)

type WorkerOptions struct {
	*RootOptions
	Listen string
	ID     string
}

func NewWorkerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WorkerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Serve one shard to a remote coordinator over TCP",
		Long: `Start a worker process. A coordinator started with
"sirsim run --transport rpc --peers <addr>,..." assigns it one shard and
drives it step by step. When the coordinator disconnects the shard is dropped
and the worker waits for the next run.

Example:
  sirsim worker --listen :7101`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(cmd.ErrOrStderr())
			lis, err := net.Listen("tcp", opts.Listen)
			if err != nil {
				return WrapExitError(ExitCommandError, fmt.Sprintf("failed to listen on %s", opts.Listen), err)
			}
			id := firstNonEmpty(opts.ID, lis.Addr().String())
			srv, err := netrpc.NewServer(worker.New(id, opts.Verbose, logger), logger)
			if err != nil {
				_ = lis.Close()
				return WrapExitError(ExitCommandError, "failed to start worker", err)
			}
			if err := srv.Serve(cmd.Context(), lis); err != nil {
				return WrapExitError(ExitFailure, "worker stopped", err)
			}
			logger.Printf("worker stopped id=%s", id)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", ":7101", "tcp address to listen on")
	cmd.Flags().StringVar(&opts.ID, "id", "", "worker name used in logs (default: listen address)")

	return cmd
}
