package main

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/techplay/ab-cli/internal/report"
)

var (
	reportJSON bool
	reportXLSX string
)

var reportCmd = &cobra.Command{
	Use:   "report [experiment...]",
	Short: "Show per-variant assignment, impression, click and conversion stats",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close(context.Background())

		keys := args
		if len(keys) == 0 {
			keys = env.Registry.Keys()
		}
		if len(keys) == 0 {
			return eris.New("no experiments given and none configured")
		}

		reports, err := report.NewCollector(env.Store).CollectAll(ctx, keys)
		if err != nil {
			return err
		}

		if reportXLSX != "" {
			if err := report.SaveXLSX(reportXLSX, reports); err != nil {
				return err
			}
			zap.L().Info("report workbook written", zap.String("path", reportXLSX), zap.Int("experiments", len(reports)))
			return nil
		}
		if reportJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(reports)
		}
		return report.Render(cmd.OutOrStdout(), reports)
	},
}

func init() {
	reportCmd.Flags().BoolVar(&reportJSON, "json", false, "print reports as JSON")
	reportCmd.Flags().StringVar(&reportXLSX, "xlsx", "", "write reports to an .xlsx workbook at this path")
	rootCmd.AddCommand(reportCmd)
}
