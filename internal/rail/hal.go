// Package rail binds the rails of the selected board to their hardware
// handles and exposes the two operations every caller uses:
// ReadTelemetry and SetVoltage.
package rail

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/signalnine/railsweep/internal/config"
	"github.com/signalnine/railsweep/internal/smbus"
	"github.com/signalnine/railsweep/internal/telemetry"
)

// controller is one driver variant bound to its runtime handle.
type controller interface {
	read() (telemetry.Sample, error)
	write(volts float64) error
	// handle describes the resolved bus or path; empty means absent.
	handle() string
}

type binding struct {
	cfg  config.Rail
	ctrl controller
}

type busKey struct {
	id    int
	force bool
}

type Option func(*HAL)

func WithLogger(l *slog.Logger) Option {
	return func(h *HAL) { h.logger = l }
}

// WithBusOpener replaces smbus.Open, typically with a fake bus.
func WithBusOpener(open smbus.Opener) Option {
	return func(h *HAL) { h.openBus = open }
}

// HAL owns the rail controllers of one board and the workload catalog.
// Discovery happens once, in New.
type HAL struct {
	cfg     *config.Config
	board   *config.Board
	rails   map[string]*binding
	buses   map[busKey]smbus.Bus
	logger  *slog.Logger
	openBus smbus.Opener
}

// RailStatus reports how a rail was bound at construction.
type RailStatus struct {
	Name     string            `json:"name"`
	Driver   config.DriverType `json:"driver"`
	Handle   string            `json:"handle,omitempty"`
	Resolved bool              `json:"resolved"`
	Writable bool              `json:"writable"`
}

// New builds a HAL for cfg's selected board. Only an unknown board is
// fatal here; cfg is expected to have passed config.Load validation.
// Missing buses and sensors are logged and leave the handle absent.
func New(cfg *config.Config, opts ...Option) (*HAL, error) {
	board, err := cfg.Board()
	if err != nil {
		return nil, err
	}
	h := &HAL{
		cfg:     cfg,
		board:   board,
		rails:   make(map[string]*binding, len(board.Rails)),
		buses:   make(map[busKey]smbus.Bus),
		logger:  slog.Default(),
		openBus: smbus.Open,
	}
	for _, opt := range opts {
		opt(h)
	}

	for _, name := range board.RailNames() {
		rc := board.Rails[name]
		rc.Name = name
		ctrl, err := h.bind(rc)
		if err != nil {
			return nil, fmt.Errorf("rail %s: %w", name, err)
		}
		h.rails[name] = &binding{cfg: rc, ctrl: ctrl}
	}
	return h, nil
}

func (h *HAL) bind(rc config.Rail) (controller, error) {
	switch rc.DriverType {
	case config.DriverPMBus:
		return newPMBus(rc, h.bus(rc), h.logger), nil
	case config.DriverRawI2C:
		return newRawI2C(rc, h.bus(rc), h.logger), nil
	case config.DriverSysfsRegulator:
		return newRegulator(rc, h.logger), nil
	case config.DriverSysfsMonitor:
		return newMonitor(rc, h.logger), nil
	default:
		return nil, fmt.Errorf("unknown driver_type %q", rc.DriverType)
	}
}

// bus opens the rail's SMBus once per (id, force) pair. A failed open
// is logged and yields nil.
func (h *HAL) bus(rc config.Rail) smbus.Bus {
	if rc.Connection.BusID == nil {
		return nil
	}
	key := busKey{id: *rc.Connection.BusID, force: rc.Connection.Force}
	if b, ok := h.buses[key]; ok {
		return b
	}
	b, err := h.openBus(key.id, key.force)
	if err != nil {
		h.logger.Warn("could not open SMBus", "rail", rc.Name, "bus", key.id, "error", err)
		return nil
	}
	h.buses[key] = b
	return b
}

// ReadTelemetry takes one reading of rail. Failures are returned as
// *telemetry.NoSampleError.
func (h *HAL) ReadTelemetry(rail string) (telemetry.Sample, error) {
	b, ok := h.rails[rail]
	if !ok {
		return telemetry.Sample{}, &telemetry.NoSampleError{Rail: rail, Reason: telemetry.ReasonUnknownRail}
	}
	s, err := b.ctrl.read()
	if err != nil {
		var nse *telemetry.NoSampleError
		if errors.As(err, &nse) {
			nse.Rail = rail
			return telemetry.Sample{}, nse
		}
		return telemetry.Sample{}, &telemetry.NoSampleError{Rail: rail, Reason: telemetry.ReasonIO, Err: err}
	}
	return s, nil
}

// SetVoltage requests volts on rail. The request is checked against the
// rail's limits before any I/O.
func (h *HAL) SetVoltage(rail string, volts float64) error {
	b, ok := h.rails[rail]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRail, rail)
	}
	lim := b.cfg.Limits
	if !(volts >= lim.Min && volts <= lim.Max) {
		h.logger.Warn("voltage request outside limits",
			"rail", rail, "volts", volts, "min", lim.Min, "max", lim.Max)
		return fmt.Errorf("%w: %.4fV not in [%.3f, %.3f] for %s", ErrOutOfBounds, volts, lim.Min, lim.Max, rail)
	}
	if b.cfg.DriverType == config.DriverSysfsMonitor {
		return fmt.Errorf("%w: %s is %s", ErrUnsupported, rail, b.cfg.DriverType)
	}
	if b.cfg.ReadOnly {
		return fmt.Errorf("%w: %s", ErrReadOnly, rail)
	}
	if b.ctrl.handle() == "" {
		return fmt.Errorf("%w: %s", ErrHandleAbsent, rail)
	}
	if err := b.ctrl.write(volts); err != nil {
		h.logger.Error("voltage write failed", "rail", rail, "volts", volts, "error", err)
		return fmt.Errorf("setting %s to %.4fV: %w", rail, volts, err)
	}
	return nil
}

// Rail returns the configuration of a rail on the selected board.
func (h *HAL) Rail(name string) (config.Rail, bool) {
	b, ok := h.rails[name]
	if !ok {
		return config.Rail{}, false
	}
	return b.cfg, true
}

// Rails returns the rail names in sorted order.
func (h *HAL) Rails() []string {
	return h.board.RailNames()
}

// Workload returns a copy of a catalog entry with its name filled in.
func (h *HAL) Workload(name string) (*config.Workload, bool) {
	w, ok := h.cfg.Workloads[name]
	if !ok {
		return nil, false
	}
	w.Name = name
	return &w, true
}

func (h *HAL) Workloads() []string {
	return h.cfg.WorkloadNames()
}

func (h *HAL) Board() *config.Board {
	return h.board
}

// Sweep returns the sweep settings from the loaded config.
func (h *HAL) Sweep() config.Sweep {
	return h.cfg.Sweep
}

func (h *HAL) Status() []RailStatus {
	out := make([]RailStatus, 0, len(h.rails))
	for _, name := range h.Rails() {
		b := h.rails[name]
		handle := b.ctrl.handle()
		out = append(out, RailStatus{
			Name:     name,
			Driver:   b.cfg.DriverType,
			Handle:   handle,
			Resolved: handle != "",
			Writable: b.cfg.Writable(),
		})
	}
	return out
}

// Close releases every open bus.
func (h *HAL) Close() error {
	var errs []error
	for key, b := range h.buses {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing bus %d: %w", key.id, err))
		}
	}
	h.buses = map[busKey]smbus.Bus{}
	return errors.Join(errs...)
}

func ioFailure(err error) error {
	return &telemetry.NoSampleError{Reason: telemetry.ReasonIO, Err: err}
}

func decodeFailure(err error) error {
	return &telemetry.NoSampleError{Reason: telemetry.ReasonDecode, Err: err}
}

func handleAbsent() error {
	return &telemetry.NoSampleError{Reason: telemetry.ReasonHandleAbsent}
}
