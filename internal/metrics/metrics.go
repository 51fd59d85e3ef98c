// Package metrics exports rail telemetry and sweep progress in the
// Prometheus text format.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signalnine/railsweep/internal/telemetry"
)

// Recorder holds the collectors. A nil *Recorder is valid and records
// nothing.
type Recorder struct {
	voltage      *prometheus.GaugeVec
	current      *prometheus.GaugeVec
	power        *prometheus.GaugeVec
	readFailures *prometheus.CounterVec
	steps        *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	setpoint     *prometheus.GaugeVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		voltage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "railsweep_rail_voltage_volts",
			Help: "Last voltage read from the rail.",
		}, []string{"rail"}),
		current: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "railsweep_rail_current_amps",
			Help: "Last current read from the rail.",
		}, []string{"rail"}),
		power: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "railsweep_rail_power_watts",
			Help: "Last power read from the rail.",
		}, []string{"rail"}),
		readFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "railsweep_telemetry_read_failures_total",
			Help: "Telemetry reads that produced no sample, by reason.",
		}, []string{"rail", "reason"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "railsweep_sweep_steps_total",
			Help: "Completed sweep steps by workload and outcome.",
		}, []string{"workload", "status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "railsweep_workload_duration_seconds",
			Help:    "Wall-clock duration of each workload run.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"workload"}),
		setpoint: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "railsweep_sweep_setpoint_volts",
			Help: "Voltage most recently requested by the sweep.",
		}, []string{"workload"}),
	}
	reg.MustRegister(
		r.voltage,
		r.current,
		r.power,
		r.readFailures,
		r.steps,
		r.stepDuration,
		r.setpoint,
	)
	return r
}

func (r *Recorder) ObserveSample(rail string, s telemetry.Sample) {
	if r == nil {
		return
	}
	r.voltage.WithLabelValues(rail).Set(s.VoltageV)
	r.current.WithLabelValues(rail).Set(s.CurrentA)
	r.power.WithLabelValues(rail).Set(s.PowerW)
}

func (r *Recorder) ObserveReadFailure(rail string, err error) {
	if r == nil {
		return
	}
	r.readFailures.WithLabelValues(rail, telemetry.FailureReason(err)).Inc()
}

func (r *Recorder) ObserveStep(workload, status string, duration time.Duration) {
	if r == nil {
		return
	}
	r.steps.WithLabelValues(workload, status).Inc()
	r.stepDuration.WithLabelValues(workload).Observe(duration.Seconds())
}

func (r *Recorder) SetSetpoint(workload string, volts float64) {
	if r == nil {
		return
	}
	r.setpoint.WithLabelValues(workload).Set(volts)
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("serving metrics", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
