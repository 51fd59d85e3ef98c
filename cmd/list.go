package cmd

import (
	"fmt"

	"github.com/signalnine/railsweep/internal/config"
	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List rails and workloads of the selected board",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			board, err := cfg.Board()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Board: %s (%s)\n", cfg.SelectedBoard, board.Name)
			fmt.Fprintln(out, "\nRails:")
			for _, name := range board.RailNames() {
				r := board.Rails[name]
				mode := "rw"
				if !r.Writable() {
					mode = "ro"
				}
				fmt.Fprintf(out, "  - %s [%s, %s]", name, r.DriverType, mode)
				if r.Writable() {
					fmt.Fprintf(out, " %.3f-%.3fV", r.Limits.Min, r.Limits.Max)
				}
				if r.Limits.Nominal != nil {
					fmt.Fprintf(out, " nominal %.3fV", *r.Limits.Nominal)
				}
				fmt.Fprintln(out)
			}
			fmt.Fprintln(out, "\nWorkloads:")
			for _, name := range cfg.WorkloadNames() {
				w := cfg.Workloads[name]
				fmt.Fprintf(out, "  - %s -> %s: %s\n", name, w.TargetRail, w.Command())
			}
			return nil
		},
	}
}
