package main

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/vocab-cli/internal/model"
	"github.com/sells-group/vocab-cli/internal/store"
)

var resetStage string

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Re-queue items for another pass",
}

// resetAction opens the store, runs fn and logs the affected row count.
func resetAction(use, short string, fn func(ctx context.Context, st store.Store) (int, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			n, err := fn(ctx, st)
			if err != nil {
				return eris.Wrapf(err, "reset %s", use)
			}
			zap.L().Info("reset complete", zap.String("action", use), zap.Int("affected", n))
			return nil
		},
	}
}

var resetErrorsCmd = resetAction("errors", "Move failed items back to unprocessed",
	func(ctx context.Context, st store.Store) (int, error) {
		stages, err := stagesFor(resetStage)
		if err != nil {
			return 0, err
		}
		total := 0
		for _, stage := range stages {
			n, err := st.RetryErrors(ctx, stage)
			if err != nil {
				return total, err
			}
			total += n
		}
		return total, nil
	})

// stagesFor expands the --stage flag; "all" selects both stages.
func stagesFor(raw string) ([]model.Stage, error) {
	if raw == "all" {
		return []model.Stage{model.StageClassify, model.StageTranslate}, nil
	}
	stage, ok := model.ParseStage(raw)
	if !ok {
		return nil, eris.Errorf("unknown stage %q (want classify, translate or all)", raw)
	}
	return []model.Stage{stage}, nil
}

func init() {
	resetErrorsCmd.Flags().StringVar(&resetStage, "stage", "classify", "stage to retry: classify, translate or all")
	resetCmd.AddCommand(
		resetErrorsCmd,
		resetAction("discards", "Send discarded items back through classification",
			func(ctx context.Context, st store.Store) (int, error) { return st.ResetDiscards(ctx) }),
		resetAction("translations", "Re-queue every kept item for translation",
			func(ctx context.Context, st store.Store) (int, error) { return st.ResetTranslations(ctx) }),
	)
	rootCmd.AddCommand(resetCmd)
}
