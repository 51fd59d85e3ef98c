package rail_test

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/signalnine/railsweep/internal/config"
	"github.com/signalnine/railsweep/internal/rail"
	"github.com/signalnine/railsweep/internal/smbus"
	"github.com/signalnine/railsweep/internal/telemetry"
)

type write struct {
	addr, reg uint8
	value     uint16
	byteWrite bool
}

// fakeBus records writes and serves reads from a register map.
type fakeBus struct {
	words   map[uint8]uint16
	writes  []write
	readErr error
	failReg map[uint8]bool
	closed  bool
}

func (b *fakeBus) ReadWordData(addr, reg uint8) (uint16, error) {
	if b.readErr != nil {
		return 0, b.readErr
	}
	return b.words[reg], nil
}

func (b *fakeBus) WriteWordData(addr, reg uint8, value uint16) error {
	if b.failReg[reg] {
		return errors.New("nack")
	}
	b.writes = append(b.writes, write{addr: addr, reg: reg, value: value})
	return nil
}

func (b *fakeBus) WriteByteData(addr, reg, value uint8) error {
	if b.failReg[reg] {
		return errors.New("nack")
	}
	b.writes = append(b.writes, write{addr: addr, reg: reg, value: uint16(value), byteWrite: true})
	return nil
}

func (b *fakeBus) Close() error {
	b.closed = true
	return nil
}

func opener(buses map[int]*fakeBus) smbus.Opener {
	return func(id int, force bool) (smbus.Bus, error) {
		b, ok := buses[id]
		if !ok {
			return nil, fmt.Errorf("no bus %d", id)
		}
		return b, nil
	}
}

func ptr[T any](v T) *T { return &v }

func hexp(v uint16) *config.Hex {
	h := config.Hex(v)
	return &h
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHAL(t *testing.T, rails map[string]config.Rail, buses map[int]*fakeBus) *rail.HAL {
	t.Helper()
	cfg := &config.Config{
		SelectedBoard: "b",
		Boards:        map[string]config.Board{"b": {Name: "Test", Rails: rails}},
	}
	h, err := rail.New(cfg, rail.WithBusOpener(opener(buses)), rail.WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func pmbusRail(mode string, scale float64, currentMode string) config.Rail {
	return config.Rail{
		DriverType: config.DriverPMBus,
		Connection: config.Connection{BusID: ptr(3), Address: hexp(0x13)},
		Commands: map[string]config.Hex{
			"read_voltage": 0x8B,
			"read_current": 0x8C,
			"set_voltage":  0x21,
		},
		Format: config.Format{VoltageMode: mode, ScaleFactor: scale, CurrentMode: currentMode, CurrentScaleFactor: 256},
		Limits: config.Limits{Min: 0.55, Max: 0.9, Nominal: ptr(0.85)},
	}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestNewUnknownBoard(t *testing.T) {
	cfg := &config.Config{SelectedBoard: "x", Boards: map[string]config.Board{}}
	if _, err := rail.New(cfg); err == nil {
		t.Fatal("expected error for unknown board")
	}
}

func TestPMBusRead(t *testing.T) {
	tests := []struct {
		name        string
		mode        string
		scale       float64
		currentMode string
		rawV, rawI  uint16
		wantV       float64
		wantI       float64
	}{
		{"fixed scale with linear11 current", config.ModeLinear16Fixed, 4096, config.ModeLinear11, 3482, 0xD3C0, 3482.0 / 4096, 960.0 / 64},
		{"linear16 default exponent", config.ModeLinear16, 0, config.ModeLinear16Fixed, 3072, 512, 0.75, 2},
		{"unrecognized current mode reads zero", config.ModeLinear16, 0, "direct", 3072, 0xFFFF, 0.75, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := &fakeBus{words: map[uint8]uint16{0x8B: tt.rawV, 0x8C: tt.rawI}}
			h := newHAL(t, map[string]config.Rail{"VCCINT": pmbusRail(tt.mode, tt.scale, tt.currentMode)}, map[int]*fakeBus{3: bus})
			s, err := h.ReadTelemetry("VCCINT")
			if err != nil {
				t.Fatalf("ReadTelemetry: %v", err)
			}
			if !approx(s.VoltageV, tt.wantV) || !approx(s.CurrentA, tt.wantI) || !approx(s.PowerW, tt.wantV*tt.wantI) {
				t.Errorf("got %+v, want V=%v I=%v", s, tt.wantV, tt.wantI)
			}
		})
	}
}

func TestReadFailures(t *testing.T) {
	failing := &fakeBus{readErr: errors.New("bus timeout")}
	rails := map[string]config.Rail{
		"FAILING": pmbusRail(config.ModeLinear16, 0, config.ModeLinear11),
		"ABSENT": {
			DriverType: config.DriverSysfsMonitor,
			Connection: config.Connection{DriverMatch: "nothing", SearchDir: t.TempDir()},
		},
		"VID": {
			DriverType: config.DriverRawI2C,
			Connection: config.Connection{BusID: ptr(3), Address: hexp(0x60)},
			Commands:   map[string]config.Hex{"voltage_reg": 0x21},
			Format:     config.Format{BaseV: ptr(0.6), StepV: 0.005},
			Limits:     config.Limits{Min: 0.6, Max: 0.9},
		},
	}
	h := newHAL(t, rails, map[int]*fakeBus{3: failing})

	tests := []struct {
		rail string
		want telemetry.Reason
	}{
		{"FAILING", telemetry.ReasonIO},
		{"ABSENT", telemetry.ReasonHandleAbsent},
		{"VID", telemetry.ReasonUnsupported},
		{"MISSING", telemetry.ReasonUnknownRail},
	}
	for _, tt := range tests {
		t.Run(tt.rail, func(t *testing.T) {
			_, err := h.ReadTelemetry(tt.rail)
			var nse *telemetry.NoSampleError
			if !errors.As(err, &nse) {
				t.Fatalf("expected NoSampleError, got %v", err)
			}
			if nse.Reason != tt.want || nse.Rail != tt.rail {
				t.Errorf("got reason %s rail %s, want %s %s", nse.Reason, nse.Rail, tt.want, tt.rail)
			}
		})
	}
}

func TestSetVoltageOutOfBoundsNeverWrites(t *testing.T) {
	bus := &fakeBus{}
	h := newHAL(t, map[string]config.Rail{"VCCINT": pmbusRail(config.ModeLinear16Fixed, 4096, config.ModeLinear11)}, map[int]*fakeBus{3: bus})

	for _, v := range []float64{0.5499, 0.0, -1, 0.9001, 1.2, math.Inf(1), math.NaN()} {
		if err := h.SetVoltage("VCCINT", v); !errors.Is(err, rail.ErrOutOfBounds) {
			t.Errorf("SetVoltage(%v) = %v, want ErrOutOfBounds", v, err)
		}
	}
	if len(bus.writes) != 0 {
		t.Fatalf("out-of-bounds requests reached the bus: %+v", bus.writes)
	}
}

func TestPMBusWrite(t *testing.T) {
	tests := []struct {
		name  string
		mode  string
		scale float64
		volts float64
		want  uint16
	}{
		{"fixed scale", config.ModeLinear16Fixed, 4096, 0.85, 3482},
		{"linear16 exponent", config.ModeLinear16, 0, 0.75, 3072},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := &fakeBus{}
			h := newHAL(t, map[string]config.Rail{"VCCINT": pmbusRail(tt.mode, tt.scale, config.ModeLinear11)}, map[int]*fakeBus{3: bus})
			if err := h.SetVoltage("VCCINT", tt.volts); err != nil {
				t.Fatalf("SetVoltage: %v", err)
			}
			if len(bus.writes) != 1 {
				t.Fatalf("got %d writes, want 1", len(bus.writes))
			}
			w := bus.writes[0]
			if w.addr != 0x13 || w.reg != 0x21 || w.value != tt.want || w.byteWrite {
				t.Errorf("write = %+v, want word 0x%04x to 0x21", w, tt.want)
			}
		})
	}
}

func TestPMBusWriteFailure(t *testing.T) {
	bus := &fakeBus{failReg: map[uint8]bool{0x21: true}}
	h := newHAL(t, map[string]config.Rail{"VCCINT": pmbusRail(config.ModeLinear16Fixed, 4096, config.ModeLinear11)}, map[int]*fakeBus{3: bus})
	err := h.SetVoltage("VCCINT", 0.8)
	if err == nil || !strings.Contains(err.Error(), "nack") {
		t.Fatalf("expected wrapped nack, got %v", err)
	}
}

func TestRawI2CTwoPhaseWrite(t *testing.T) {
	vid := config.Rail{
		DriverType: config.DriverRawI2C,
		Connection: config.Connection{BusID: ptr(1), Address: hexp(0x60)},
		Commands:   map[string]config.Hex{"voltage_reg": 0x21, "update_reg": 0x22},
		Format:     config.Format{BaseV: ptr(0.6), StepV: 0.005},
		Limits:     config.Limits{Min: 0.6, Max: 0.9},
	}
	committed := vid
	committed.Commands = map[string]config.Hex{"voltage_reg": 0x21, "update_reg": 0x22, "update_value": 0x80}
	stageOnly := vid
	stageOnly.Commands = map[string]config.Hex{"voltage_reg": 0x21}

	tests := []struct {
		name string
		rc   config.Rail
		want []write
	}{
		{"default commit value", vid, []write{{0x60, 0x21, 10, true}, {0x60, 0x22, 0x01, true}}},
		{"declared commit value", committed, []write{{0x60, 0x21, 10, true}, {0x60, 0x22, 0x80, true}}},
		{"no update register", stageOnly, []write{{0x60, 0x21, 10, true}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := &fakeBus{}
			h := newHAL(t, map[string]config.Rail{"VID": tt.rc}, map[int]*fakeBus{1: bus})
			if err := h.SetVoltage("VID", 0.65); err != nil {
				t.Fatalf("SetVoltage: %v", err)
			}
			if fmt.Sprint(bus.writes) != fmt.Sprint(tt.want) {
				t.Errorf("writes = %+v, want %+v", bus.writes, tt.want)
			}
		})
	}
}

func TestRawI2CLogsEffectiveVoltage(t *testing.T) {
	var buf bytes.Buffer
	cfg := &config.Config{
		SelectedBoard: "b",
		Boards: map[string]config.Board{"b": {Rails: map[string]config.Rail{
			"VID": {
				DriverType: config.DriverRawI2C,
				Connection: config.Connection{BusID: ptr(1), Address: hexp(0x60)},
				Commands:   map[string]config.Hex{"voltage_reg": 0x21},
				Format:     config.Format{BaseV: ptr(0.6), StepV: 0.005},
				Limits:     config.Limits{Min: 0.6, Max: 0.9},
			},
		}}},
	}
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h, err := rail.New(cfg, rail.WithBusOpener(opener(map[int]*fakeBus{1: {}})), rail.WithLogger(logger))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// 0.652 rounds to code 10, which selects 0.65.
	if err := h.SetVoltage("VID", 0.652); err != nil {
		t.Fatalf("SetVoltage: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"rail=VID", "code=10", "effective_v=0.65"} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %q:\n%s", want, out)
		}
	}
}

func TestSetVoltageRejections(t *testing.T) {
	readOnly := pmbusRail(config.ModeLinear16, 0, config.ModeLinear11)
	readOnly.ReadOnly = true
	monitor := config.Rail{
		DriverType: config.DriverSysfsMonitor,
		Connection: config.Connection{DriverMatch: "x", SearchDir: t.TempDir()},
		Limits:     config.Limits{Min: 0, Max: 1},
	}
	absent := pmbusRail(config.ModeLinear16, 0, config.ModeLinear11)
	absent.Connection.BusID = ptr(7)

	bus := &fakeBus{}
	h := newHAL(t, map[string]config.Rail{"RO": readOnly, "MON": monitor, "ABSENT": absent}, map[int]*fakeBus{3: bus})

	tests := []struct {
		rail string
		want error
	}{
		{"RO", rail.ErrReadOnly},
		{"MON", rail.ErrUnsupported},
		{"ABSENT", rail.ErrHandleAbsent},
		{"NOPE", rail.ErrUnknownRail},
	}
	for _, tt := range tests {
		if err := h.SetVoltage(tt.rail, 0.8); !errors.Is(err, tt.want) {
			t.Errorf("SetVoltage(%s) = %v, want %v", tt.rail, err, tt.want)
		}
	}
	if len(bus.writes) != 0 {
		t.Errorf("rejected writes reached the bus: %+v", bus.writes)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestSysfsRegulator(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "regulator.3", "name"), "VDD_CORE\n")
	writeFile(t, filepath.Join(root, "regulator.3", "microvolts"), "850000\n")
	literal := filepath.Join(root, "vccint")
	writeFile(t, literal, "720000\n")

	rails := map[string]config.Rail{
		"BYNAME": {
			DriverType: config.DriverSysfsRegulator,
			Connection: config.Connection{RegulatorName: "vdd_core", SearchDir: root, SysfsPath: literal},
			Limits:     config.Limits{Min: 0.6, Max: 0.9},
		},
		"BYPATH": {
			DriverType: config.DriverSysfsRegulator,
			Connection: config.Connection{SysfsPath: literal},
			Format:     config.Format{UnitDiv: 1000},
			Limits:     config.Limits{Min: 0.6, Max: 900},
		},
		"MISSING": {
			DriverType: config.DriverSysfsRegulator,
			Connection: config.Connection{SysfsPath: filepath.Join(root, "nope")},
			Limits:     config.Limits{Min: 0.6, Max: 0.9},
		},
	}
	h := newHAL(t, rails, nil)

	s, err := h.ReadTelemetry("BYNAME")
	if err != nil || !approx(s.VoltageV, 0.85) || s.CurrentA != 0 || s.PowerW != 0 {
		t.Errorf("BYNAME read = %+v, %v", s, err)
	}
	if err := h.SetVoltage("BYNAME", 0.8); err != nil {
		t.Fatalf("SetVoltage: %v", err)
	}
	got, _ := os.ReadFile(filepath.Join(root, "regulator.3", "microvolts"))
	if string(got) != "800000" {
		t.Errorf("microvolts = %q, want 800000", got)
	}

	s, err = h.ReadTelemetry("BYPATH")
	if err != nil || !approx(s.VoltageV, 720) {
		t.Errorf("BYPATH read = %+v, %v", s, err)
	}

	if err := h.SetVoltage("MISSING", 0.8); !errors.Is(err, rail.ErrHandleAbsent) {
		t.Errorf("SetVoltage(MISSING) = %v, want ErrHandleAbsent", err)
	}

	status := h.Status()
	if len(status) != 3 || status[0].Name != "BYNAME" || !status[0].Resolved || status[2].Resolved {
		t.Errorf("unexpected status %+v", status)
	}
}

func TestSysfsRegulatorReadFailures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "microvolts")
	writeFile(t, path, "850000\n")
	h := newHAL(t, map[string]config.Rail{
		"VCCINT": {
			DriverType: config.DriverSysfsRegulator,
			Connection: config.Connection{SysfsPath: path},
			Limits:     config.Limits{Min: 0.6, Max: 0.9},
		},
	}, nil)

	writeFile(t, path, "n/a\n")
	_, err := h.ReadTelemetry("VCCINT")
	var nse *telemetry.NoSampleError
	if !errors.As(err, &nse) || nse.Reason != telemetry.ReasonDecode {
		t.Errorf("garbage read = %v, want decode failure", err)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	_, err = h.ReadTelemetry("VCCINT")
	if !errors.As(err, &nse) || nse.Reason != telemetry.ReasonIO {
		t.Errorf("missing file read = %v, want io failure", err)
	}
}

func TestSysfsMonitor(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "hwmon0", "name"), "ina226_u16\n")
	writeFile(t, filepath.Join(root, "hwmon4", "name"), "ina226_u79\n")
	writeFile(t, filepath.Join(root, "hwmon4", "in2_input"), "850\n")
	writeFile(t, filepath.Join(root, "hwmon4", "curr1_input"), "4000\n")
	writeFile(t, filepath.Join(root, "hwmon4", "power1_input"), "3500000\n")
	writeFile(t, filepath.Join(root, "hwmon4", "garbage"), "n/a\n")

	base := config.Rail{
		DriverType: config.DriverSysfsMonitor,
		Connection: config.Connection{DriverMatch: "u79", SearchDir: root},
	}
	withPower := base
	withPower.Files = config.Files{
		Voltage: "in2_input", VoltageDiv: 1000,
		Current: "curr1_input", CurrentDiv: 1000,
		Power: "power1_input", PowerDiv: 1e6,
	}
	derived := base
	derived.Files = config.Files{Voltage: "in2_input", VoltageDiv: 1000, Current: "curr1_input", CurrentDiv: 1000}
	undivided := base
	undivided.Files = config.Files{Voltage: "in2_input"}
	broken := base
	broken.Files = config.Files{Voltage: "garbage"}

	h := newHAL(t, map[string]config.Rail{"P": withPower, "D": derived, "U": undivided, "B": broken}, nil)

	tests := []struct {
		rail    string
		v, i, p float64
	}{
		{"P", 0.85, 4, 3.5},
		{"D", 0.85, 4, 3.4},
		{"U", 850, 0, 0},
	}
	for _, tt := range tests {
		s, err := h.ReadTelemetry(tt.rail)
		if err != nil {
			t.Fatalf("%s: %v", tt.rail, err)
		}
		if !approx(s.VoltageV, tt.v) || !approx(s.CurrentA, tt.i) || !approx(s.PowerW, tt.p) {
			t.Errorf("%s: got %+v, want V=%v I=%v P=%v", tt.rail, s, tt.v, tt.i, tt.p)
		}
	}

	_, err := h.ReadTelemetry("B")
	if reason := telemetry.FailureReason(err); reason != "decode" {
		t.Errorf("broken attribute reason = %q, want decode", reason)
	}
}

func TestBusSharedAndClosed(t *testing.T) {
	bus := &fakeBus{}
	second := pmbusRail(config.ModeLinear16, 0, config.ModeLinear11)
	second.Connection.Address = hexp(0x14)
	h := newHAL(t, map[string]config.Rail{
		"A": pmbusRail(config.ModeLinear16, 0, config.ModeLinear11),
		"B": second,
	}, map[int]*fakeBus{3: bus})

	if err := h.SetVoltage("A", 0.8); err != nil {
		t.Fatal(err)
	}
	if err := h.SetVoltage("B", 0.8); err != nil {
		t.Fatal(err)
	}
	if len(bus.writes) != 2 || bus.writes[0].addr != 0x13 || bus.writes[1].addr != 0x14 {
		t.Errorf("writes = %+v", bus.writes)
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if !bus.closed {
		t.Error("bus not closed")
	}
}

func TestCatalogAccessors(t *testing.T) {
	cfg := &config.Config{
		SelectedBoard: "b",
		Boards: map[string]config.Board{"b": {Rails: map[string]config.Rail{
			"Z": {DriverType: config.DriverSysfsMonitor, Connection: config.Connection{DriverMatch: "z", SearchDir: t.TempDir()}},
			"A": {DriverType: config.DriverSysfsMonitor, Connection: config.Connection{DriverMatch: "a", SearchDir: t.TempDir()}},
		}}},
		Workloads: map[string]config.Workload{"ResNet18": {Executable: "true", Regex: "(x)"}},
	}
	h, err := rail.New(cfg, rail.WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(h.Rails(), ","); got != "A,Z" {
		t.Errorf("Rails = %s", got)
	}
	if rc, ok := h.Rail("Z"); !ok || rc.Name != "Z" {
		t.Errorf("Rail(Z) = %+v, %v", rc, ok)
	}
	w, ok := h.Workload("ResNet18")
	if !ok || w.Name != "ResNet18" {
		t.Errorf("Workload = %+v, %v", w, ok)
	}
	if _, ok := h.Workload("nope"); ok {
		t.Error("expected unknown workload")
	}
}
