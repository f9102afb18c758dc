package main

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/techplay/ab-cli/internal/variant"
)

var (
	resetExperiment string
	resetVisitor    string
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Expire a visitor's stored variant so the next assignment re-randomizes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if resetExperiment == "" || resetVisitor == "" {
			return eris.New("--experiment and --visitor are required")
		}

		env, err := initEnv(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close(context.Background())

		assigner := variant.NewAssigner(variant.NewKVStore(env.Store, resetVisitor))
		if err := assigner.Reset(ctx, resetExperiment); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "reset %s for %s\n", resetExperiment, resetVisitor)
		return nil
	},
}

func init() {
	resetCmd.Flags().StringVar(&resetExperiment, "experiment", "", "experiment key")
	resetCmd.Flags().StringVar(&resetVisitor, "visitor", "", "visitor ID")
	rootCmd.AddCommand(resetCmd)
}
