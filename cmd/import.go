package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/vocab-cli/internal/importer"
)

var (
	importFormat     string
	importSheet      string
	importSheetIndex int
	importBatchSize  int
)

var importCmd = &cobra.Command{
	Use:   "import <file-or-url>",
	Short: "Import a word list (TSV or XLSX) into the store",
	Long:  "Reads word<TAB>...<TAB>level<TAB>hint rows and inserts every word not already stored. Re-importing the same list is a no-op.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("store"); err != nil {
			return err
		}

		var format importer.Format
		switch importFormat {
		case "":
		case string(importer.FormatTSV), string(importer.FormatXLSX):
			format = importer.Format(importFormat)
		default:
			return eris.Errorf("unknown format %q (want tsv or xlsx)", importFormat)
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		im := importer.New(st, importer.Options{
			Format:    format,
			Sheet:     importer.XLSXOptions{SheetIndex: importSheetIndex, SheetName: importSheet},
			BatchSize: importBatchSize,
			Retry:     retryConfig(),
		})

		res, err := im.Import(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "import word list")
		}

		zap.L().Info("import complete",
			zap.String("source", args[0]),
			zap.Int("rows", res.Rows),
			zap.Int("inserted", res.Inserted),
			zap.Int("existing", res.Existing()),
			zap.Int("duplicates", res.Duplicates),
			zap.Int("skipped", res.Skipped),
		)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importFormat, "format", "", "input format: tsv or xlsx (default: detect from extension)")
	importCmd.Flags().StringVar(&importSheet, "sheet", "", "XLSX sheet name (default: first sheet)")
	importCmd.Flags().IntVar(&importSheetIndex, "sheet-index", 0, "XLSX sheet index when --sheet is not set")
	importCmd.Flags().IntVar(&importBatchSize, "batch-size", 1000, "rows per insert")
	rootCmd.AddCommand(importCmd)
}
