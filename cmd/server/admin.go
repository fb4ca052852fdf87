package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	var seed bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, logger, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Migrate(cmd.Context(), seed); err != nil {
				return err
			}
			logger.Info().Bool("seed", seed).Msg("schema applied")
			return nil
		},
	}
	cmd.Flags().BoolVar(&seed, "seed", false, "insert sample stores, products and stock into an empty catalog")
	return cmd
}

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage API users",
	}

	var admin bool
	add := &cobra.Command{
		Use:   "add <username> <password>",
		Short: "Create an API user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, logger, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.AddUser(cmd.Context(), args[0], args[1], admin); err != nil {
				return err
			}
			logger.Info().Str("username", args[0]).Bool("admin", admin).Msg("user created")
			return nil
		},
	}
	add.Flags().BoolVar(&admin, "admin", false, "grant admin rights")

	cmd.AddCommand(add)
	return cmd
}

func newDeadLetterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deadletter",
		Aliases: []string{"dlq"},
		Short:   "Inspect and replay tasks that could not be applied",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered tasks, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			dls, err := a.Stock.DeadLetters(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TASK\tSTORE\tPRODUCT\tDELTA\tREASON\tFAILED AT\tERROR")
			for _, dl := range dls {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\t%s\t%s\n",
					dl.Task.ID, dl.Task.StoreID, dl.Task.ProductID, dl.Task.Delta,
					dl.Reason, dl.FailedAt.Format(time.RFC3339), dl.Error)
			}
			return w.Flush()
		},
	}

	var all bool
	replay := &cobra.Command{
		Use:   "replay [task-id...]",
		Short: "Put dead-lettered tasks back on the queue",
		Args: func(cmd *cobra.Command, args []string) error {
			if all != (len(args) == 0) {
				return errors.New("pass task ids or --all, not both")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a, logger, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if all {
				dls, err := a.Stock.DeadLetters(cmd.Context())
				if err != nil {
					return err
				}
				for _, dl := range dls {
					args = append(args, dl.Task.ID)
				}
			}

			for _, id := range args {
				if _, err := a.Stock.Replay(cmd.Context(), id); err != nil {
					return err
				}
				logger.Info().Str("task_id", id).Msg("task replayed")
			}
			return nil
		},
	}

	replay.Flags().BoolVar(&all, "all", false, "replay every dead-lettered task")

	cmd.AddCommand(list, replay)
	return cmd
}
