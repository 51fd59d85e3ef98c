package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/signalnine/railsweep/internal/sysfs"
	"github.com/spf13/cobra"
)

var flagScanRoot string

func newScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List hwmon sensors and their raw readings",
		RunE: func(cmd *cobra.Command, args []string) error {
			sensors := sysfs.ListSensors(flagScanRoot)
			if len(sensors) == 0 {
				return fmt.Errorf("no hwmon sensors under %s", flagScanRoot)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DIR\tNAME\tVOLTAGE\tCURRENT\tPOWER")
			for _, s := range sensors {
				fmt.Fprintf(tw, "%s\t%s\t%dmV\t%dmA\t%duW\n", s.Dir, s.Name, s.VoltageMV, s.CurrentMA, s.PowerUW)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&flagScanRoot, "root", sysfs.HwmonRoot, "hwmon class directory")
	return cmd
}
