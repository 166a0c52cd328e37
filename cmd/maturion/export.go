package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/maturion/maturion/internal/services"
)

var (
	exportScope    string
	exportGrouping string
	exportItem     string
	exportFormat   string
	exportOut      string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write an interchange document or archive to disk",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		params := services.ExportParams{
			Scope:       services.Scope(exportScope),
			GroupingKey: exportGrouping,
			ItemCode:    exportItem,
			Progress: func(pct int, msg string) {
				a.log.Info("export progress", zap.Int("percent", pct), zap.String("step", msg))
			},
		}

		var res *services.ExportResult
		switch exportFormat {
		case "archive":
			res, err = a.exports.ExportArchive(cmd.Context(), params)
		case "json":
			res, err = a.exports.ExportJSON(cmd.Context(), params)
		default:
			return fmt.Errorf("unknown format %q (want json or archive)", exportFormat)
		}
		if err != nil {
			return err
		}

		out := exportOut
		if out == "" {
			out = res.Filename
		}
		if err := os.WriteFile(out, res.Data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", out, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", out, len(res.Data))
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportScope, "scope", "full", "export scope: full, grouping or item")
	exportCmd.Flags().StringVar(&exportGrouping, "grouping", "", "grouping key (scope=grouping)")
	exportCmd.Flags().StringVar(&exportItem, "item", "", "item code (scope=item)")
	exportCmd.Flags().StringVar(&exportFormat, "format", "json", "output format: json or archive")
	exportCmd.Flags().StringVar(&exportOut, "out", "", "output path (default: generated filename)")
}
