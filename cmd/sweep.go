package cmd

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/signalnine/railsweep/internal/metrics"
	"github.com/signalnine/railsweep/internal/result"
	"github.com/signalnine/railsweep/internal/runner"
	"github.com/signalnine/railsweep/internal/sweep"
	"github.com/spf13/cobra"
)

var (
	flagModel       string
	flagStepSize    float64
	flagMaxSteps    int
	flagResultsDir  string
	flagMetricsAddr string
	flagSkipWarmup  bool
)

func newSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Step a rail down from nominal while running a workload",
		RunE:  runSweep,
	}
	cmd.Flags().StringVar(&flagModel, "model", "", `workload to run, or "all"`)
	cmd.Flags().Float64Var(&flagStepSize, "step-size", 0, "override the coarse step in volts")
	cmd.Flags().IntVar(&flagMaxSteps, "max-steps", 0, "override the safety step limit")
	cmd.Flags().StringVar(&flagResultsDir, "results-dir", "", "override the results directory")
	cmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&flagSkipWarmup, "skip-warmup", false, "skip the unrecorded warm-up run")
	cmd.MarkFlagRequired("model")
	return cmd
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, hal, err := loadHAL()
	if err != nil {
		return err
	}
	defer closeHAL(hal)

	if flagStepSize > 0 {
		cfg.Sweep.CoarseStep = flagStepSize
	}
	if flagMaxSteps > 0 {
		cfg.Sweep.MaxSteps = flagMaxSteps
	}
	if flagResultsDir != "" {
		cfg.Results.Dir = flagResultsDir
	}
	if flagMetricsAddr != "" {
		cfg.Metrics.Addr = flagMetricsAddr
	}

	workloads := []string{flagModel}
	if flagModel == "all" {
		workloads = hal.Workloads()
	}
	for _, name := range workloads {
		if _, ok := hal.Workload(name); !ok {
			return fmt.Errorf("%w: %s", sweep.ErrUnknownWorkload, name)
		}
	}

	runDir, err := result.CreateRunDir(cfg.Results.Dir)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Run directory: %s\n", runDir)
	store := &result.Store{BaseDir: cfg.Results.Dir, RunDir: runDir}

	ctx := cmd.Context()
	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)
	if cfg.Metrics.Addr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr, reg, logger); err != nil {
				logger.Error("metrics server", "addr", cfg.Metrics.Addr, "error", err)
			}
		}()
	}

	params := sweep.ParamsFromConfig(cfg.Sweep)
	params.SkipWarmup = flagSkipWarmup
	orch := sweep.New(hal, runner.Dispatcher{}, store, params,
		sweep.WithLogger(logger),
		sweep.WithRecorder(rec),
		sweep.WithProgress(cmd.OutOrStdout()),
		sweep.WithBoard(hal.Board().Name),
	)

	var aborted []string
	for _, name := range workloads {
		rep, err := orch.Run(ctx, name)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\n%s: %s after %d steps (%s), last %.3fV\n",
			rep.Workload, rep.State, rep.Steps, rep.Reason, rep.LastVoltage)
		if rep.ResetFailed {
			fmt.Fprintf(cmd.OutOrStdout(), "WARNING: %s was not restored to %.3fV\n", rep.Rail, rep.Nominal)
		}
		if rep.State == sweep.Aborted {
			aborted = append(aborted, fmt.Sprintf("%s (%s)", rep.Workload, rep.Reason))
			if ctx.Err() != nil {
				break
			}
		}
	}
	if len(aborted) > 0 {
		return fmt.Errorf("sweep aborted: %v", aborted)
	}
	return nil
}
