package rail

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/signalnine/railsweep/internal/codec"
	"github.com/signalnine/railsweep/internal/config"
	"github.com/signalnine/railsweep/internal/smbus"
	"github.com/signalnine/railsweep/internal/telemetry"
)

// pmbusRail reads and programs a PMBus regulator with word transfers.
type pmbusRail struct {
	bus    smbus.Bus
	busID  int
	addr   uint8
	readV  uint8
	readI  uint8
	hasI   bool
	setV   uint8
	format config.Format
}

func newPMBus(rc config.Rail, bus smbus.Bus, logger *slog.Logger) *pmbusRail {
	p := &pmbusRail{bus: bus, format: rc.Format}
	if rc.Connection.BusID != nil {
		p.busID = *rc.Connection.BusID
	}
	if rc.Connection.Address != nil {
		p.addr = uint8(*rc.Connection.Address)
	}
	p.readV, _ = rc.Command("read_voltage")
	p.readI, p.hasI = rc.Command("read_current")
	p.setV, _ = rc.Command("set_voltage")

	if p.hasI {
		switch rc.Format.CurrentMode {
		case config.ModeLinear11, config.ModeLinear16Fixed:
		default:
			logger.Warn("unrecognized current_mode, current will read as 0",
				"rail", rc.Name, "current_mode", rc.Format.CurrentMode)
		}
	}
	return p
}

func (p *pmbusRail) handle() string {
	if p.bus == nil {
		return ""
	}
	return fmt.Sprintf("i2c-%d@0x%02x", p.busID, p.addr)
}

func (p *pmbusRail) read() (telemetry.Sample, error) {
	if p.bus == nil {
		return telemetry.Sample{}, handleAbsent()
	}
	raw, err := p.bus.ReadWordData(p.addr, p.readV)
	if err != nil {
		return telemetry.Sample{}, ioFailure(fmt.Errorf("reading voltage register 0x%02x: %w", p.readV, err))
	}
	v := p.voltage(raw)

	var i float64
	if p.hasI {
		rawI, err := p.bus.ReadWordData(p.addr, p.readI)
		if err != nil {
			return telemetry.Sample{}, ioFailure(fmt.Errorf("reading current register 0x%02x: %w", p.readI, err))
		}
		i = p.current(rawI)
	}

	if !finite(v) || !finite(i) {
		return telemetry.Sample{}, decodeFailure(fmt.Errorf("decoded V=%v I=%v", v, i))
	}
	return telemetry.Sample{VoltageV: v, CurrentA: i, PowerW: v * i}, nil
}

func (p *pmbusRail) voltage(raw uint16) float64 {
	switch p.format.VoltageMode {
	case config.ModeLinear16Fixed:
		return codec.DecodeScaled(float64(raw), p.format.ScaleFactor)
	case config.ModeLinear11:
		return codec.DecodeLinear11(raw)
	default:
		return codec.DecodeLinear16(raw, p.format.LinearExponent())
	}
}

func (p *pmbusRail) current(raw uint16) float64 {
	switch p.format.CurrentMode {
	case config.ModeLinear11:
		return codec.DecodeLinear11(raw)
	case config.ModeLinear16Fixed:
		return codec.DecodeScaled(float64(raw), p.format.CurrentScaleFactor)
	default:
		return 0
	}
}

func (p *pmbusRail) write(volts float64) error {
	scale := codec.Linear16Scale(p.format.LinearExponent())
	if p.format.VoltageMode == config.ModeLinear16Fixed {
		scale = p.format.ScaleFactor
	}
	word := codec.EncodeScaled(volts, scale)
	if err := p.bus.WriteWordData(p.addr, p.setV, word); err != nil {
		return fmt.Errorf("writing 0x%04x to register 0x%02x: %w", word, p.setV, err)
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
