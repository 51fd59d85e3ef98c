package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/signalnine/railsweep/internal/config"
	"github.com/signalnine/railsweep/internal/rail"
	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
	logger    = slog.Default()
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "railsweep",
		Short:        "Undervolting sweeps and rail telemetry for FPGA boards",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			l, err := newLogger(cmd.ErrOrStderr(), logLevel, logFormat)
			if err != nil {
				return err
			}
			logger = l
			slog.SetDefault(l)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "board_data.json", "config file path")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	root.AddCommand(newSweepCmd())
	root.AddCommand(newMonitorCmd())
	root.AddCommand(newReplayCmd())
	root.AddCommand(newScanCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newReportCmd())
	root.AddCommand(newValidateCmd())
	return root
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q (want text or json)", format)
	}
}

// loadHAL loads the config and builds the rail layer for its selected
// board. The caller closes the HAL.
func loadHAL() (*config.Config, *rail.HAL, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	hal, err := rail.New(cfg, rail.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	return cfg, hal, nil
}

func closeHAL(hal *rail.HAL) {
	if err := hal.Close(); err != nil {
		logger.Warn("closing buses", "error", err)
	}
}

