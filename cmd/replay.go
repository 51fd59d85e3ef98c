package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/signalnine/railsweep/internal/sweep"
	"github.com/spf13/cobra"
)

var (
	flagReplayFile  string
	flagReplayRail  string
	flagReplayDwell time.Duration
)

func newReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Apply a list of voltages to a rail, then restore nominal",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, hal, err := loadHAL()
			if err != nil {
				return err
			}
			defer closeHAL(hal)

			rc, ok := hal.Rail(flagReplayRail)
			if !ok {
				return fmt.Errorf("unknown rail %q", flagReplayRail)
			}
			if rc.Limits.Nominal == nil {
				return fmt.Errorf("%w for rail %s", sweep.ErrNoNominal, flagReplayRail)
			}

			f, err := os.Open(flagReplayFile)
			if err != nil {
				return err
			}
			voltages, err := sweep.LoadVoltages(f)
			f.Close()
			if err != nil {
				return fmt.Errorf("reading %s: %w", flagReplayFile, err)
			}

			applied, err := sweep.Replay(cmd.Context(), hal, flagReplayRail, voltages, flagReplayDwell, *rc.Limits.Nominal,
				sweep.WithLogger(logger), sweep.WithProgress(cmd.OutOrStdout()))
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d/%d voltages\n", applied, len(voltages))
			return err
		},
	}
	cmd.Flags().StringVar(&flagReplayFile, "file", "", "file with one voltage per line")
	cmd.Flags().StringVar(&flagReplayRail, "rail", "VCCINT", "rail to drive")
	cmd.Flags().DurationVar(&flagReplayDwell, "dwell", sweep.DefaultDwell, "time to hold each voltage")
	cmd.MarkFlagRequired("file")
	return cmd
}
