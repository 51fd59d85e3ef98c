package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/signalnine/railsweep/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "board.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadJSON(t *testing.T) {
	cfg, err := config.Load("../../testdata/board.json")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	board, err := cfg.Board()
	if err != nil {
		t.Fatalf("Board: %v", err)
	}
	if board.Name != "Xilinx ZCU102" {
		t.Errorf("board name = %q", board.Name)
	}
	vccint := board.Rails["VCCINT"]
	if vccint.Name != "VCCINT" || vccint.DriverType != config.DriverPMBus {
		t.Errorf("unexpected VCCINT rail %+v", vccint)
	}
	if *vccint.Connection.Address != 0x13 {
		t.Errorf("address = %v, want 0x13", *vccint.Connection.Address)
	}
	if reg, ok := vccint.Command("read_voltage"); !ok || reg != 0x8B {
		t.Errorf("read_voltage = %#x, %v", reg, ok)
	}
	if vccint.Limits.Nominal == nil || *vccint.Limits.Nominal != 0.85 {
		t.Error("expected nominal 0.85")
	}
	if got := board.Rails["VCCBRAM"].Format.LinearExponent(); got != -12 {
		t.Errorf("default exponent = %d, want -12", got)
	}

	w := cfg.Workloads["ResNet18"]
	if w.Name != "ResNet18" || w.Command() != "python3 classify.py --model resnet18" {
		t.Errorf("unexpected workload %+v", w)
	}
	if len(w.IgnoreExitCodes) != 1 || w.IgnoreExitCodes[0] != config.DefaultIgnoredExitCode {
		t.Errorf("ignore_exit_codes = %v, want [-6]", w.IgnoreExitCodes)
	}
	if w.Pattern() == nil {
		t.Error("expected compiled pattern")
	}
	if sq := cfg.Workloads["SqueezeNet"]; sq.Timeout().Seconds() != 600 {
		t.Errorf("timeout = %v", sq.Timeout())
	}
	if got := cfg.WorkloadNames(); strings.Join(got, ",") != "ResNet18,SqueezeNet" {
		t.Errorf("WorkloadNames = %v", got)
	}
}

func TestLoadMinimalDefaults(t *testing.T) {
	cfg, err := config.Load("../../testdata/minimal.yaml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	s := cfg.Sweep
	if s.CoarseStep != 0.01 || s.FineStep != 0.001 || s.FineMargin != 0.02 || s.MaxSteps != 500 {
		t.Errorf("unexpected sweep defaults %+v", s)
	}
	if s.SettleDelay().Seconds() != 1 || s.SampleInterval().Milliseconds() != 250 {
		t.Errorf("unexpected delays %v %v", s.SettleDelay(), s.SampleInterval())
	}
	if cfg.Results.Dir != "results" {
		t.Errorf("results dir = %q", cfg.Results.Dir)
	}
	if cfg.Workloads["echo"].TargetRail != "VCCINT" {
		t.Error("expected default target rail VCCINT")
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := config.Load("nonexistent.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadInvalid(t *testing.T) {
	if _, err := config.Load("../../testdata/invalid.yaml"); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestHexForms(t *testing.T) {
	path := writeConfig(t, `
selected_board: b
boards:
  b:
    rails:
      R:
        driver_type: raw_i2c
        connection: {bus_id: 1, address: 0x60}
        commands: {voltage_reg: "21", update_reg: "0X22"}
        format: {base_v: 0.6, step_v: 0.005}
        limits: {min: 0.6, max: 0.9}
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	r := cfg.Boards["b"].Rails["R"]
	if *r.Connection.Address != 0x60 {
		t.Errorf("address = %v", *r.Connection.Address)
	}
	if reg, _ := r.Command("voltage_reg"); reg != 0x21 {
		t.Errorf("voltage_reg = %#x, want 0x21", reg)
	}
	if reg, _ := r.Command("update_reg"); reg != 0x22 {
		t.Errorf("update_reg = %#x, want 0x22", reg)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		board   string
		rails   string
		extra   string
		wantErr string
	}{
		{
			name:    "unknown board",
			rails:   "      R: {driver_type: sysfs_monitor, connection: {driver_match: x}}\n",
			board:   "nope",
			wantErr: `selected board "nope" not found`,
		},
		{
			name:    "pmbus missing bus",
			rails:   "      R: {driver_type: pmbus, connection: {address: '0x13'}, commands: {read_voltage: '0x8B', set_voltage: '0x21'}, limits: {min: 0.5, max: 0.9}}\n",
			wantErr: "connection.bus_id is required",
		},
		{
			name:    "pmbus missing set_voltage",
			rails:   "      R: {driver_type: pmbus, connection: {bus_id: 1, address: '0x13'}, commands: {read_voltage: '0x8B'}, limits: {min: 0.5, max: 0.9}}\n",
			wantErr: "commands.set_voltage is required",
		},
		{
			name:    "pmbus fixed without scale",
			rails:   "      R: {driver_type: pmbus, read_only: true, connection: {bus_id: 1, address: '0x13'}, commands: {read_voltage: '0x8B'}, format: {voltage_mode: linear16_fixed}}\n",
			wantErr: "format.scale_factor is required",
		},
		{
			name:    "pmbus unknown voltage mode",
			rails:   "      R: {driver_type: pmbus, read_only: true, connection: {bus_id: 1, address: '0x13'}, commands: {read_voltage: '0x8B'}, format: {voltage_mode: linear_16}}\n",
			wantErr: `unknown format.voltage_mode "linear_16"`,
		},
		{
			name:    "raw_i2c missing step",
			rails:   "      R: {driver_type: raw_i2c, connection: {bus_id: 1, address: '0x60'}, commands: {voltage_reg: '0x21'}, format: {base_v: 0.6}, limits: {min: 0.6, max: 0.9}}\n",
			wantErr: "format.base_v and format.step_v are required",
		},
		{
			name:    "regulator without target",
			rails:   "      R: {driver_type: sysfs_regulator, limits: {min: 0.6, max: 0.9}}\n",
			wantErr: "regulator_name or connection.sysfs_path is required",
		},
		{
			name:    "monitor without match",
			rails:   "      R: {driver_type: sysfs_monitor}\n",
			wantErr: "driver_match is required",
		},
		{
			name:    "default driver is monitor",
			rails:   "      R: {connection: {}}\n",
			wantErr: "driver_match is required",
		},
		{
			name:    "unknown driver",
			rails:   "      R: {driver_type: spi, connection: {driver_match: x}}\n",
			wantErr: `unknown driver_type "spi"`,
		},
		{
			name:    "writable without limits",
			rails:   "      R: {driver_type: sysfs_regulator, connection: {sysfs_path: /x}}\n",
			wantErr: "limits.max is required",
		},
		{
			name:    "nominal outside limits",
			rails:   "      R: {driver_type: sysfs_regulator, connection: {sysfs_path: /x}, limits: {min: 0.6, max: 0.9, nominal: 0.95}}\n",
			wantErr: "nominal 0.950 outside",
		},
		{
			name:    "min above max",
			rails:   "      R: {driver_type: sysfs_regulator, connection: {sysfs_path: /x}, limits: {min: 0.95, max: 0.9}}\n",
			wantErr: "min 0.950 exceeds max",
		},
		{
			name:    "workload without capture group",
			rails:   "      R: {driver_type: sysfs_monitor, connection: {driver_match: x}}\n",
			extra:   "workloads:\n  w: {executable: echo, regex: 'acc'}\n",
			wantErr: "has no capture group",
		},
		{
			name:    "workload bad regex",
			rails:   "      R: {driver_type: sysfs_monitor, connection: {driver_match: x}}\n",
			extra:   "workloads:\n  w: {executable: echo, regex: '(['}\n",
			wantErr: "compiling regex",
		},
		{
			name:    "workload without executable",
			rails:   "      R: {driver_type: sysfs_monitor, connection: {driver_match: x}}\n",
			extra:   "workloads:\n  w: {regex: '(x)'}\n",
			wantErr: "executable is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			board := tt.board
			if board == "" {
				board = "b"
			}
			header := "selected_board: " + board + "\nboards:\n  b:\n    rails:\n"
			path := writeConfig(t, header+tt.rails+tt.extra)
			_, err := config.Load(path)
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}
