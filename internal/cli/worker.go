package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/craftswarm/craftswarm/internal/worker"
)

// workerCmd is the entry point of every worker process. The supervisor
// re-executes this binary with "worker" and speaks the ipc protocol on
// stdin and stdout; stderr carries the worker's log.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run a single worker process (started by the supervisor)",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := worker.LoadOptions()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return worker.Serve(ctx, os.Stdin, os.Stdout, opts, nil)
	},
}
