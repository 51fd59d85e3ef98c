package sweep

import (
	"math"
	"time"

	"github.com/signalnine/railsweep/internal/config"
)

// The loop runs while the setpoint is at least min - boundTolerance.
const boundTolerance = 1e-4

// Params controls step sizes and pacing of a sweep.
type Params struct {
	CoarseStep     float64
	FineStep       float64
	FineMargin     float64
	SettleDelay    time.Duration
	SampleInterval time.Duration
	MaxSteps       int
	SkipWarmup     bool
}

func ParamsFromConfig(s config.Sweep) Params {
	return Params{
		CoarseStep:     s.CoarseStep,
		FineStep:       s.FineStep,
		FineMargin:     s.FineMargin,
		SettleDelay:    s.SettleDelay(),
		SampleInterval: s.SampleInterval(),
		MaxSteps:       s.MaxSteps,
	}
}

// NextVoltage returns the setpoint after v. Within FineMargin of min
// the fine step applies; the check is made on every call. The result
// is rounded to microvolts so repeated subtraction does not drift.
func NextVoltage(v, min float64, p Params) float64 {
	step := p.CoarseStep
	if InFineMode(v, min, p) {
		step = p.FineStep
	}
	return roundMicro(v - step)
}

// InFineMode reports whether the next step from v uses the fine step.
func InFineMode(v, min float64, p Params) bool {
	return v <= min+p.FineMargin+1e-9
}

func roundMicro(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
