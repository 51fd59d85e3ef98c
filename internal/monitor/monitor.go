// Package monitor polls rail telemetry and prints one line per rail
// per tick, without touching any setpoint.
package monitor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/signalnine/railsweep/internal/clock"
	"github.com/signalnine/railsweep/internal/runner"
	"github.com/signalnine/railsweep/internal/telemetry"
)

// DefaultInterval is the polling period when none is given.
const DefaultInterval = 500 * time.Millisecond

type settings struct {
	clock    clock.Clock
	logger   *slog.Logger
	observer telemetry.Observer
	ticks    int
}

type Option func(*settings)

func WithClock(c clock.Clock) Option {
	return func(s *settings) { s.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithObserver forwards every reading, e.g. to a metrics recorder.
func WithObserver(o telemetry.Observer) Option {
	return func(s *settings) { s.observer = o }
}

// WithTicks stops the loop after n polls. Zero means run until ctx is done.
func WithTicks(n int) Option {
	return func(s *settings) { s.ticks = n }
}

type reading struct {
	sample telemetry.Sample
	err    error
}

// Run polls rails every interval until ctx is cancelled. All rails are
// read concurrently on each tick. With a single rail, a failed read
// ends the loop and is returned; with several, the failure is printed
// and polling continues.
func Run(ctx context.Context, r telemetry.Reader, rails []string, interval time.Duration, w io.Writer, opts ...Option) error {
	if len(rails) == 0 {
		return fmt.Errorf("no rails to monitor")
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := settings{clock: clock.Real(), logger: slog.Default()}
	for _, opt := range opts {
		opt(&s)
	}

	fmt.Fprintf(w, "%-8s  %-12s  %10s  %10s  %10s\n", "TIME", "RAIL", "VOLTAGE", "CURRENT", "POWER")
	for tick := 0; s.ticks == 0 || tick < s.ticks; tick++ {
		if tick > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-s.clock.After(interval):
			}
		}
		readings := poll(ctx, r, rails)
		if ctx.Err() != nil {
			return nil
		}
		stamp := s.clock.Now().Format("15:04:05")
		for i, rail := range rails {
			rd := readings[i]
			if rd.err != nil {
				if s.observer != nil {
					s.observer.ObserveReadFailure(rail, rd.err)
				}
				fmt.Fprintf(w, "%-8s  %-12s  unavailable (%s)\n", stamp, rail, telemetry.FailureReason(rd.err))
				if len(rails) == 1 {
					return fmt.Errorf("monitoring %s: %w", rail, rd.err)
				}
				s.logger.Debug("rail read failed", "rail", rail, "error", rd.err)
				continue
			}
			if s.observer != nil {
				s.observer.ObserveSample(rail, rd.sample)
			}
			fmt.Fprintf(w, "%-8s  %-12s  %9.4fV  %9.4fA  %9.4fW\n",
				stamp, rail, rd.sample.VoltageV, rd.sample.CurrentA, rd.sample.PowerW)
		}
	}
	return nil
}

func poll(ctx context.Context, r telemetry.Reader, rails []string) []reading {
	readings := make([]reading, len(rails))
	jobs := make([]runner.Job, len(rails))
	for i, rail := range rails {
		jobs[i] = func() error {
			s, err := r.ReadTelemetry(rail)
			readings[i] = reading{sample: s, err: err}
			return nil
		}
	}
	runner.RunPool(ctx, len(rails), jobs)
	return readings
}
