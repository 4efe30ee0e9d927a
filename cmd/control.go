package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/vocab-cli/internal/model"
)

var controlCmd = &cobra.Command{
	Use:   "control",
	Short: "Read or flip the worker control switch",
}

func runStateCmd(use, short string, state model.RunState) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			if err := st.SetRunState(cmd.Context(), state); err != nil {
				return eris.Wrap(err, "set run state")
			}
			zap.L().Info("control switch updated", zap.String("status", string(state)))
			return nil
		},
	}
}

var controlModelCmd = &cobra.Command{
	Use:   "model <model-id>",
	Short: "Set the model used from the next iteration on",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.SetModel(cmd.Context(), args[0]); err != nil {
			return eris.Wrap(err, "set model")
		}
		zap.L().Info("model updated", zap.String("model", args[0]))
		return nil
	},
}

var controlStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the control switch",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		ctl, err := st.GetControl(cmd.Context())
		if err != nil {
			return eris.Wrap(err, "get control")
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "status: %s\nmodel:  %s\n", ctl.RunState, ctl.Model)
		return nil
	},
}

func init() {
	controlCmd.AddCommand(
		runStateCmd("pause", "Stop dequeuing after the in-flight super-batch", model.RunStatePaused),
		runStateCmd("resume", "Start or continue dequeuing", model.RunStateRunning),
		controlModelCmd,
		controlStatusCmd,
	)
	rootCmd.AddCommand(controlCmd)
}
