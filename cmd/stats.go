package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/vocab-cli/internal/model"
)

var statsRuns int

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-stage progress and recent batch runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		stats, err := st.Stats(ctx)
		if err != nil {
			return eris.Wrap(err, "stats")
		}
		runs, err := st.ListBatchRuns(ctx, statsRuns)
		if err != nil {
			return eris.Wrap(err, "list batch runs")
		}

		out := cmd.OutOrStdout()
		formatStats(out, stats)
		if len(runs) > 0 {
			_, _ = fmt.Fprintln(out)
			formatBatchRuns(out, runs)
		}
		return nil
	},
}

func init() {
	statsCmd.Flags().IntVar(&statsRuns, "runs", 10, "number of recent batch runs to show")
	rootCmd.AddCommand(statsCmd)
}

// formatStats writes the per-stage counters to w.
func formatStats(out io.Writer, s model.StageStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "TOTAL\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "CLASSIFIED\t%d\t(%.1f%%)\n", s.Classified, s.PercentClassify)
	_, _ = fmt.Fprintf(w, "CLASSIFY ERRORS\t%d\n", s.ClassifyFailed)
	_, _ = fmt.Fprintf(w, "KEPT\t%d\n", s.Kept)
	_, _ = fmt.Fprintf(w, "DISCARDED\t%d\n", s.Discarded)
	_, _ = fmt.Fprintf(w, "TRANSLATED\t%d\t(%.1f%%)\n", s.Translated, s.PercentTranslate)
	_, _ = fmt.Fprintf(w, "TRANSLATE ERRORS\t%d\n", s.TranslateFailed)
	_ = w.Flush()
}

// formatBatchRuns writes a tabular representation of batch runs to w.
func formatBatchRuns(out io.Writer, runs []model.BatchRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTAGE\tMODEL\tSTARTED\tDURATION\tITEMS\tCHUNKS\tFAILED")
	_, _ = fmt.Fprintln(w, "--\t-----\t-----\t-------\t--------\t-----\t------\t------")

	for _, r := range runs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			shortID(r.ID),
			r.Stage,
			r.Model,
			r.StartedAt.Format("2006-01-02 15:04"),
			r.FinishedAt.Sub(r.StartedAt).Round(time.Second),
			r.Items,
			r.Chunks,
			r.Failed,
		)
	}
	_ = w.Flush()
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
