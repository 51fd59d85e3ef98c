package sweep

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// DefaultDwell is how long Replay holds each voltage.
const DefaultDwell = 500 * time.Millisecond

// Setter is the write half of the rail layer.
type Setter interface {
	SetVoltage(rail string, volts float64) error
}

// Replay applies voltages to rail in order, holding each for dwell, and
// always finishes by setting nominal. It stops at the first failed
// write or when ctx is done, and returns how many voltages were
// applied.
func Replay(ctx context.Context, hal Setter, rail string, voltages []float64, dwell time.Duration, nominal float64, opts ...Option) (applied int, err error) {
	s := newSettings(opts)
	if dwell <= 0 {
		dwell = DefaultDwell
	}
	defer func() {
		s.printf("Resetting %s to nominal %.3fV\n", rail, nominal)
		if rerr := hal.SetVoltage(rail, nominal); rerr != nil {
			s.logger.Error("reset to nominal failed", "rail", rail, "nominal", nominal, "error", rerr)
		}
	}()

	for i, v := range voltages {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		s.printf("[%d/%d] %s -> %.4fV\n", i+1, len(voltages), rail, v)
		if err := hal.SetVoltage(rail, v); err != nil {
			return applied, fmt.Errorf("replay step %d: %w", i+1, err)
		}
		applied++
		if err := s.sleep(ctx, dwell); err != nil {
			return applied, err
		}
	}
	return applied, nil
}

// LoadVoltages reads one voltage per line. Blank lines and lines
// starting with # are skipped.
func LoadVoltages(r io.Reader) ([]float64, error) {
	var out []float64
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, v)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
