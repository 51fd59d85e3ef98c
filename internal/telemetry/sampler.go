package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/signalnine/railsweep/internal/clock"
)

// DefaultInterval is the polling period used during a sweep step.
const DefaultInterval = 250 * time.Millisecond

// Observer is notified of every read the sampler makes.
type Observer interface {
	ObserveSample(rail string, s Sample)
	ObserveReadFailure(rail string, err error)
}

type Option func(*Sampler)

func WithClock(c clock.Clock) Option {
	return func(s *Sampler) { s.clock = c }
}

func WithObserver(o Observer) Option {
	return func(s *Sampler) { s.observer = o }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Sampler) { s.logger = l }
}

// Sampler polls one rail on its own goroutine. The goroutine owns the
// sample slice until Stop, which receives it over a channel.
type Sampler struct {
	reader   Reader
	rail     string
	interval time.Duration
	clock    clock.Clock
	observer Observer
	logger   *slog.Logger

	stop     chan struct{}
	done     chan []Sample
	stopOnce sync.Once
	samples  []Sample
}

// Start launches a sampler for rail. The first read happens
// immediately; later reads are interval apart.
func Start(ctx context.Context, r Reader, rail string, interval time.Duration, opts ...Option) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := &Sampler{
		reader:   r,
		rail:     rail,
		interval: interval,
		clock:    clock.Real(),
		logger:   slog.Default(),
		stop:     make(chan struct{}),
		done:     make(chan []Sample, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.loop(ctx)
	return s
}

func (s *Sampler) loop(ctx context.Context) {
	var samples []Sample
	for {
		sample, err := s.reader.ReadTelemetry(s.rail)
		if err != nil {
			s.logger.Debug("telemetry read failed", "rail", s.rail, "error", err)
			if s.observer != nil {
				s.observer.ObserveReadFailure(s.rail, err)
			}
		} else {
			sample.Timestamp = s.clock.Now()
			samples = append(samples, sample)
			if s.observer != nil {
				s.observer.ObserveSample(s.rail, sample)
			}
		}

		select {
		case <-s.stop:
			s.done <- samples
			return
		case <-ctx.Done():
			s.done <- samples
			return
		case <-s.clock.After(s.interval):
		}
	}
}

// Stop ends sampling, waits for the goroutine to exit and returns the
// samples it collected in read order. Repeated calls return the same
// slice.
func (s *Sampler) Stop() []Sample {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.samples = <-s.done
	})
	return s.samples
}
