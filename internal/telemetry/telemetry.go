// Package telemetry defines rail readings and the background sampler
// that collects them while a workload runs.
package telemetry

import (
	"errors"
	"fmt"
	"time"
)

// Sample is one reading of a rail. Fields a driver cannot decode are 0.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	VoltageV  float64   `json:"voltage_v"`
	CurrentA  float64   `json:"current_a"`
	PowerW    float64   `json:"power_w"`
}

// Reader is the read half of the rail HAL.
type Reader interface {
	ReadTelemetry(rail string) (Sample, error)
}

// Reason classifies why a read produced no sample.
type Reason int

const (
	ReasonUnknownRail Reason = iota
	ReasonHandleAbsent
	ReasonUnsupported
	ReasonIO
	ReasonDecode
)

func (r Reason) String() string {
	switch r {
	case ReasonUnknownRail:
		return "unknown_rail"
	case ReasonHandleAbsent:
		return "handle_absent"
	case ReasonUnsupported:
		return "unsupported"
	case ReasonIO:
		return "io"
	case ReasonDecode:
		return "decode"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// NoSampleError reports a failed read. It is never fatal; callers log
// or count it and move on.
type NoSampleError struct {
	Rail   string
	Reason Reason
	Err    error
}

func (e *NoSampleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rail %s: no sample (%s): %v", e.Rail, e.Reason, e.Err)
	}
	return fmt.Sprintf("rail %s: no sample (%s)", e.Rail, e.Reason)
}

func (e *NoSampleError) Unwrap() error { return e.Err }

// FailureReason returns the reason label of a read error, or "other"
// when err is not a NoSampleError.
func FailureReason(err error) string {
	var nse *NoSampleError
	if errors.As(err, &nse) {
		return nse.Reason.String()
	}
	return "other"
}
