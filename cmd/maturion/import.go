package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/maturion/maturion/internal/services"
)

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Merge an interchange document or archive into the local store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		raw, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read %s: %w", args[0], err)
		}

		progress := func(pct int, msg string) {
			a.log.Info("import progress", zap.Int("percent", pct), zap.String("step", msg))
		}

		var result *services.MergeResult
		if strings.HasSuffix(args[0], ".zip") {
			result, err = a.imports.ImportArchive(cmd.Context(), raw, progress)
		} else {
			result, err = a.imports.ImportJSON(cmd.Context(), raw, progress)
		}
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "imported: %d current, %d history, %d skipped, %d attachments restored\n",
			result.ImportedAsCurrent, result.ImportedAsHistory, result.Skipped, result.AttachmentsRestored)
		for _, e := range result.Errors {
			fmt.Fprintf(out, "error: %s\n", e)
		}
		if !result.Success {
			return fmt.Errorf("import finished with %d item errors", len(result.Errors))
		}
		return nil
	},
}
