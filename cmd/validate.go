package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config and show which rail handles resolved",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, hal, err := loadHAL()
			if err != nil {
				return err
			}
			defer closeHAL(hal)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config OK: board %s, %d rails, %d workloads\n\n",
				cfg.SelectedBoard, len(hal.Rails()), len(hal.Workloads()))
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RAIL\tDRIVER\tWRITABLE\tHANDLE")
			for _, s := range hal.Status() {
				handle := s.Handle
				if !s.Resolved {
					handle = "(absent)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%v\t%s\n", s.Name, s.Driver, s.Writable, handle)
			}
			return tw.Flush()
		},
	}
}
