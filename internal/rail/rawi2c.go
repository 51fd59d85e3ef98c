package rail

import (
	"fmt"
	"log/slog"

	"github.com/signalnine/railsweep/internal/codec"
	"github.com/signalnine/railsweep/internal/config"
	"github.com/signalnine/railsweep/internal/smbus"
	"github.com/signalnine/railsweep/internal/telemetry"
)

// defaultUpdateValue is written to update_reg when update_value is not
// declared.
const defaultUpdateValue = 0x01

// rawI2CRail programs a VID ladder register. It has no telemetry path.
type rawI2CRail struct {
	bus       smbus.Bus
	busID     int
	addr      uint8
	vidReg    uint8
	updReg    uint8
	hasUpdate bool
	updValue  uint8
	base      float64
	step      float64
	logger    *slog.Logger
}

func newRawI2C(rc config.Rail, bus smbus.Bus, logger *slog.Logger) *rawI2CRail {
	r := &rawI2CRail{bus: bus, step: rc.Format.StepV, updValue: defaultUpdateValue, logger: logger.With("rail", rc.Name)}
	if rc.Connection.BusID != nil {
		r.busID = *rc.Connection.BusID
	}
	if rc.Connection.Address != nil {
		r.addr = uint8(*rc.Connection.Address)
	}
	if rc.Format.BaseV != nil {
		r.base = *rc.Format.BaseV
	}
	r.vidReg, _ = rc.Command("voltage_reg")
	r.updReg, r.hasUpdate = rc.Command("update_reg")
	if v, ok := rc.Command("update_value"); ok {
		r.updValue = v
	}
	return r
}

func (r *rawI2CRail) handle() string {
	if r.bus == nil {
		return ""
	}
	return fmt.Sprintf("i2c-%d@0x%02x", r.busID, r.addr)
}

func (r *rawI2CRail) read() (telemetry.Sample, error) {
	if r.bus == nil {
		return telemetry.Sample{}, handleAbsent()
	}
	return telemetry.Sample{}, &telemetry.NoSampleError{Reason: telemetry.ReasonUnsupported}
}

// write stages the VID code, then commits it through update_reg when
// the device needs a trigger. The ladder voltage the code selects is
// logged, since it can differ from the request by up to half a step.
func (r *rawI2CRail) write(volts float64) error {
	code := codec.EncodeVID(volts, r.base, r.step)
	if err := r.bus.WriteByteData(r.addr, r.vidReg, code); err != nil {
		return fmt.Errorf("staging VID 0x%02x: %w", code, err)
	}
	if r.hasUpdate {
		if err := r.bus.WriteByteData(r.addr, r.updReg, r.updValue); err != nil {
			return fmt.Errorf("committing VID via register 0x%02x: %w", r.updReg, err)
		}
	}
	r.logger.Debug("VID written", "requested_v", volts, "code", code,
		"effective_v", codec.DecodeVID(code, r.base, r.step))
	return nil
}
