// Package sweep drives a rail down from nominal voltage one step at a
// time, running a workload at every step and recording how it fared.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/signalnine/railsweep/internal/clock"
	"github.com/signalnine/railsweep/internal/config"
	"github.com/signalnine/railsweep/internal/metrics"
	"github.com/signalnine/railsweep/internal/result"
	"github.com/signalnine/railsweep/internal/runner"
	"github.com/signalnine/railsweep/internal/telemetry"
)

var (
	ErrUnknownWorkload = errors.New("unknown workload")
	ErrUnknownRail     = errors.New("unknown target rail")
	ErrNoNominal       = errors.New("no nominal voltage")
)

// Reasons recorded on the report.
const (
	ReasonMinimumReached = "minimum voltage reached"
	ReasonSafetyLimit    = "safety limit"
	ReasonInterrupted    = "interrupted"
)

// HAL is the part of the rail layer a sweep uses.
type HAL interface {
	telemetry.Reader
	SetVoltage(rail string, volts float64) error
	Rail(name string) (config.Rail, bool)
	Workload(name string) (*config.Workload, bool)
}

// Store persists step logs, summaries and the run record.
type Store interface {
	WriteStepLog(workload string, voltage float64, records []result.StepRecord) (string, error)
	AppendSummary(workload string, row result.SummaryRow) (string, error)
	SaveRunMeta(meta *result.RunMeta) error
}

// Report is the outcome of one sweep. State is Completed or Aborted.
type Report struct {
	RunID       string    `json:"run_id"`
	Workload    string    `json:"workload"`
	Rail        string    `json:"rail"`
	Nominal     float64   `json:"nominal_v"`
	Min         float64   `json:"min_v"`
	Steps       int       `json:"steps"`
	State       State     `json:"state"`
	Reason      string    `json:"reason"`
	LastVoltage float64   `json:"last_voltage"`
	ResetFailed bool      `json:"reset_failed,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

type settings struct {
	logger   *slog.Logger
	clock    clock.Clock
	recorder *metrics.Recorder
	progress io.Writer
	board    string
}

type Option func(*settings)

func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

func WithClock(c clock.Clock) Option {
	return func(s *settings) { s.clock = c }
}

func WithRecorder(r *metrics.Recorder) Option {
	return func(s *settings) { s.recorder = r }
}

// WithProgress sets where per-step progress lines are printed.
func WithProgress(w io.Writer) Option {
	return func(s *settings) { s.progress = w }
}

// WithBoard names the board in the persisted run record.
func WithBoard(name string) Option {
	return func(s *settings) { s.board = name }
}

func newSettings(opts []Option) settings {
	s := settings{
		logger:   slog.Default(),
		clock:    clock.Real(),
		progress: io.Discard,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

func (s *settings) printf(format string, args ...any) {
	fmt.Fprintf(s.progress, format, args...)
}

// sleep waits d or until ctx is done.
func (s *settings) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.clock.After(d):
		return nil
	}
}

// Orchestrator runs sweeps. It is not safe for concurrent Run calls;
// one sweep drives one rail at a time.
type Orchestrator struct {
	settings
	hal    HAL
	exec   runner.Executor
	store  Store
	params Params
}

func New(hal HAL, exec runner.Executor, store Store, params Params, opts ...Option) *Orchestrator {
	if params.MaxSteps <= 0 {
		params.MaxSteps = 500
	}
	return &Orchestrator{
		settings: newSettings(opts),
		hal:      hal,
		exec:     exec,
		store:    store,
		params:   params,
	}
}

// target holds what a sweep resolved before touching the rail.
type target struct {
	workload *config.Workload
	rail     string
	nominal  float64
	min      float64
}

func (o *Orchestrator) resolve(name string) (*target, error) {
	w, ok := o.hal.Workload(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkload, name)
	}
	rc, ok := o.hal.Rail(w.TargetRail)
	if !ok {
		return nil, fmt.Errorf("%w: %s (workload %s)", ErrUnknownRail, w.TargetRail, name)
	}
	t := &target{workload: w, rail: w.TargetRail, min: rc.Limits.Min}
	switch {
	case w.NominalVoltage != nil:
		t.nominal = *w.NominalVoltage
	case rc.Limits.Nominal != nil:
		t.nominal = *rc.Limits.Nominal
	default:
		return nil, fmt.Errorf("%w for rail %s", ErrNoNominal, t.rail)
	}
	return t, nil
}

// Run sweeps the named workload's rail. An error means the sweep could
// not start and the rail was not touched; once stepping begins the
// outcome is in the Report and the rail is always set back to nominal.
func (o *Orchestrator) Run(ctx context.Context, workload string) (*Report, error) {
	t, err := o.resolve(workload)
	if err != nil {
		return nil, err
	}
	rep := &Report{
		RunID:       uuid.NewString(),
		Workload:    workload,
		Rail:        t.rail,
		Nominal:     t.nominal,
		Min:         t.min,
		State:       Idle,
		LastVoltage: t.nominal,
		StartedAt:   o.clock.Now(),
	}
	o.printf("\n=== Starting Sweep: %s on %s ===\n", workload, t.rail)
	o.printf("Cmd: %s\n", t.workload.Command())

	rep.State, rep.Reason = o.stepDown(ctx, t, rep)
	o.reset(t, rep)

	rep.FinishedAt = o.clock.Now()
	if err := o.store.SaveRunMeta(&result.RunMeta{
		RunID:       rep.RunID,
		Board:       o.board,
		Workload:    rep.Workload,
		Rail:        rep.Rail,
		NominalV:    rep.Nominal,
		MinV:        rep.Min,
		StartedAt:   rep.StartedAt,
		FinishedAt:  rep.FinishedAt,
		Steps:       rep.Steps,
		State:       rep.State.String(),
		Reason:      rep.Reason,
		LastVoltage: rep.LastVoltage,
	}); err != nil {
		o.logger.Error("saving run metadata", "run_id", rep.RunID, "error", err)
	}
	return rep, nil
}

// stepDown runs the warm-up and the step loop and returns the terminal
// state.
func (o *Orchestrator) stepDown(ctx context.Context, t *target, rep *Report) (State, string) {
	if !o.params.SkipWarmup {
		o.printf("Performing warm-up run...\n")
		if _, err := o.exec.Run(ctx, t.workload); err != nil && ctx.Err() != nil {
			return Aborted, ReasonInterrupted
		}
		o.printf("Warm-up complete. Starting experiment loop...\n")
	}

	rep.State = SteppingDown
	v := t.nominal
	for v >= t.min-boundTolerance {
		if rep.Steps > o.params.MaxSteps {
			o.printf("Safety limit reached (%d steps). Stopping.\n", o.params.MaxSteps)
			return Completed, ReasonSafetyLimit
		}
		if ctx.Err() != nil {
			return Aborted, ReasonInterrupted
		}

		o.printf("\n--- Step %d: Setting %.3fV ---\n", rep.Steps, v)
		o.recorder.SetSetpoint(t.workload.Name, v)
		if err := o.hal.SetVoltage(t.rail, v); err != nil {
			o.printf("Aborting sweep due to voltage set failure.\n")
			return Aborted, fmt.Sprintf("voltage write failed: %v", err)
		}
		rep.LastVoltage = v

		if err := o.sleep(ctx, o.params.SettleDelay); err != nil {
			return Aborted, ReasonInterrupted
		}

		if state, reason, done := o.step(ctx, t, v); done {
			return state, reason
		}
		rep.Steps++

		if InFineMode(v, t.min, o.params) {
			o.printf("[Auto-Scaling] Fine mode active. Decreasing by %gV\n", o.params.FineStep)
		}
		v = NextVoltage(v, t.min, o.params)
	}
	return Completed, ReasonMinimumReached
}

// step runs the workload once at v with a fresh sampler and persists
// the result. done is set when the sweep must end.
func (o *Orchestrator) step(ctx context.Context, t *target, v float64) (state State, reason string, done bool) {
	w := t.workload
	sampler := telemetry.Start(ctx, o.hal, t.rail, o.params.SampleInterval,
		telemetry.WithClock(o.clock),
		telemetry.WithLogger(o.logger),
		telemetry.WithObserver(o.recorder),
	)

	res, err := o.exec.Run(ctx, w)
	if err != nil {
		sampler.Stop()
		if ctx.Err() != nil {
			return Aborted, ReasonInterrupted, true
		}
		o.printf("Execution exception: %v\n", err)
		return Aborted, fmt.Sprintf("workload invocation failed: %v", err), true
	}

	accuracy, ok := runner.ExtractAccuracy(w.Pattern(), res.Output)
	if !ok {
		o.logger.Warn("could not find accuracy in workload output", "workload", w.Name, "pattern", w.Regex)
	}
	status := runner.Classify(w, res)
	if runner.IsSuccess(status) {
		o.printf("Result: %s | Time: %.2fs | Accuracy: %.6f\n", status, res.Duration.Seconds(), accuracy)
	} else {
		o.printf("Result: %s\n", status)
	}

	samples := sampler.Stop()
	records := make([]result.StepRecord, len(samples))
	for i, s := range samples {
		records[i] = result.StepRecord{Sample: s, Accuracy: accuracy}
	}
	if path, err := o.store.WriteStepLog(w.Name, v, records); err != nil {
		o.logger.Error("writing step log", "workload", w.Name, "voltage", v, "error", err)
	} else if path != "" {
		o.printf("Saved: %s\n", path)
	}
	row := result.NewSummaryRow(o.clock.Now(), v, accuracy, status, res.Duration, records)
	if path, err := o.store.AppendSummary(w.Name, row); err != nil {
		o.logger.Error("appending summary", "workload", w.Name, "voltage", v, "error", err)
	} else {
		o.printf("Summary updated: %s\n", path)
	}
	o.recorder.ObserveStep(w.Name, status, res.Duration)
	return 0, "", false
}

// reset returns the rail to nominal. It runs exactly once per sweep
// that got past resolve; a failure is logged and not retried.
func (o *Orchestrator) reset(t *target, rep *Report) {
	final := rep.State
	rep.State = Resetting
	o.printf("\n=== Resetting %s to nominal %.3fV ===\n", t.rail, t.nominal)
	if err := o.hal.SetVoltage(t.rail, t.nominal); err != nil {
		rep.ResetFailed = true
		o.logger.Error("reset to nominal failed", "rail", t.rail, "nominal", t.nominal, "error", err)
	}
	o.recorder.SetSetpoint(t.workload.Name, t.nominal)
	rep.State = final
}
