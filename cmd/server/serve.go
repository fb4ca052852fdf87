package main

import (
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var withWorker bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, gRPC and websocket API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			return a.Serve(cmd.Context(), withWorker)
		},
	}
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "also consume the task queue in this process (always on without REDIS_ADDR)")
	return cmd
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume the durable task queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			return a.RunWorker(cmd.Context())
		},
	}
}
