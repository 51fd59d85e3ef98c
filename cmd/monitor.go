package cmd

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/signalnine/railsweep/internal/metrics"
	"github.com/signalnine/railsweep/internal/monitor"
	"github.com/spf13/cobra"
)

var (
	flagMonitorRail     string
	flagMonitorAll      bool
	flagMonitorInterval time.Duration
	flagMonitorCount    int
	flagMonitorMetrics  string
)

func newMonitorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Print live rail telemetry without changing any setpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, hal, err := loadHAL()
			if err != nil {
				return err
			}
			defer closeHAL(hal)

			var rails []string
			switch {
			case flagMonitorAll:
				rails = hal.Rails()
			case flagMonitorRail != "":
				if _, ok := hal.Rail(flagMonitorRail); !ok {
					return fmt.Errorf("unknown rail %q", flagMonitorRail)
				}
				rails = []string{flagMonitorRail}
			default:
				return fmt.Errorf("one of --rail or --all is required")
			}

			ctx := cmd.Context()
			reg := prometheus.NewRegistry()
			rec := metrics.New(reg)
			addr := cfg.Metrics.Addr
			if flagMonitorMetrics != "" {
				addr = flagMonitorMetrics
			}
			if addr != "" {
				go func() {
					if err := metrics.Serve(ctx, addr, reg, logger); err != nil {
						logger.Error("metrics server", "addr", addr, "error", err)
					}
				}()
			}
			return monitor.Run(ctx, hal, rails, flagMonitorInterval, cmd.OutOrStdout(),
				monitor.WithLogger(logger),
				monitor.WithObserver(rec),
				monitor.WithTicks(flagMonitorCount),
			)
		},
	}
	cmd.Flags().StringVar(&flagMonitorRail, "rail", "", "rail to monitor")
	cmd.Flags().BoolVar(&flagMonitorAll, "all", false, "monitor every rail of the board")
	cmd.Flags().DurationVar(&flagMonitorInterval, "interval", monitor.DefaultInterval, "polling interval")
	cmd.Flags().IntVar(&flagMonitorCount, "count", 0, "stop after this many polls (0 = until interrupted)")
	cmd.Flags().StringVar(&flagMonitorMetrics, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}
