package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalnine/railsweep/internal/codec"
)

type DriverType string

const (
	DriverPMBus          DriverType = "pmbus"
	DriverRawI2C         DriverType = "raw_i2c"
	DriverSysfsRegulator DriverType = "sysfs_regulator"
	DriverSysfsMonitor   DriverType = "sysfs_monitor"
)

// Voltage and current encodings a PMBus rail may declare.
const (
	ModeLinear16Fixed = "linear16_fixed"
	ModeLinear16      = "linear16"
	ModeLinear11      = "linear11"
)

// DefaultIgnoredExitCode is the exit status of a workload killed by
// SIGABRT during GUI teardown after it has already reported a result.
const DefaultIgnoredExitCode = -6

type Config struct {
	SelectedBoard string              `yaml:"selected_board"`
	Boards        map[string]Board    `yaml:"boards"`
	Workloads     map[string]Workload `yaml:"workloads"`
	Sweep         Sweep               `yaml:"sweep"`
	Results       Results             `yaml:"results"`
	Metrics       Metrics             `yaml:"metrics"`
}

type Board struct {
	Name  string          `yaml:"name"`
	Rails map[string]Rail `yaml:"rails"`
}

type Rail struct {
	Name       string         `yaml:"-"`
	DriverType DriverType     `yaml:"driver_type"`
	Connection Connection     `yaml:"connection"`
	Commands   map[string]Hex `yaml:"commands"`
	Format     Format         `yaml:"format"`
	Files      Files          `yaml:"files"`
	Limits     Limits         `yaml:"limits"`
	ReadOnly   bool           `yaml:"read_only"`
}

type Connection struct {
	BusID         *int   `yaml:"bus_id"`
	Address       *Hex   `yaml:"address"`
	Force         bool   `yaml:"force"`
	RegulatorName string `yaml:"regulator_name"`
	SysfsPath     string `yaml:"sysfs_path"`
	SearchDir     string `yaml:"search_dir"`
	DriverMatch   string `yaml:"driver_match"`
}

type Format struct {
	VoltageMode        string   `yaml:"voltage_mode"`
	ScaleFactor        float64  `yaml:"scale_factor"`
	Exponent           *int     `yaml:"exponent"`
	CurrentMode        string   `yaml:"current_mode"`
	CurrentScaleFactor float64  `yaml:"current_scale_factor"`
	BaseV              *float64 `yaml:"base_v"`
	StepV              float64  `yaml:"step_v"`
	UnitDiv            float64  `yaml:"unit_div"`
}

// Files names the hwmon attributes of a sysfs_monitor rail. A zero
// divisor means 1.
type Files struct {
	Voltage    string  `yaml:"voltage"`
	VoltageDiv float64 `yaml:"voltage_div"`
	Current    string  `yaml:"current"`
	CurrentDiv float64 `yaml:"current_div"`
	Power      string  `yaml:"power"`
	PowerDiv   float64 `yaml:"power_div"`
}

type Limits struct {
	Min     float64  `yaml:"min"`
	Max     float64  `yaml:"max"`
	Nominal *float64 `yaml:"nominal"`
}

type Workload struct {
	Name            string     `yaml:"-"`
	TargetRail      string     `yaml:"target_rail"`
	NominalVoltage  *float64   `yaml:"nominal_voltage"`
	Executable      string     `yaml:"executable"`
	Args            string     `yaml:"args"`
	Cwd             string     `yaml:"cwd"`
	Regex           string     `yaml:"regex"`
	TimeoutSeconds  float64    `yaml:"timeout_seconds"`
	IgnoreExitCodes []int      `yaml:"ignore_exit_codes"`
	Container       *Container `yaml:"container"`

	pattern *regexp.Regexp
}

// Container runs the workload in an image instead of on the host.
type Container struct {
	Image      string            `yaml:"image"`
	Privileged bool              `yaml:"privileged"`
	Devices    []string          `yaml:"devices"`
	Binds      []string          `yaml:"binds"`
	Env        map[string]string `yaml:"env"`
}

type Sweep struct {
	CoarseStep            float64 `yaml:"coarse_step"`
	FineStep              float64 `yaml:"fine_step"`
	FineMargin            float64 `yaml:"fine_margin"`
	SettleSeconds         float64 `yaml:"settle_seconds"`
	SampleIntervalSeconds float64 `yaml:"sample_interval_seconds"`
	MaxSteps              int     `yaml:"max_steps"`
}

type Results struct {
	Dir string `yaml:"dir"`
}

type Metrics struct {
	Addr string `yaml:"addr"`
}

// Hex is a register or device address written as a hex string
// ("0x8B" or "8B") in the config document.
type Hex uint16

func (h *Hex) UnmarshalYAML(value *yaml.Node) error {
	s := strings.TrimSpace(value.Value)
	var (
		v   uint64
		err error
	)
	if value.Tag == "!!int" {
		v, err = strconv.ParseUint(s, 0, 16)
	} else {
		s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
		v, err = strconv.ParseUint(s, 16, 16)
	}
	if err != nil {
		return fmt.Errorf("line %d: invalid hex value %q", value.Line, value.Value)
	}
	*h = Hex(v)
	return nil
}

func (h Hex) String() string {
	return fmt.Sprintf("%#02x", uint16(h))
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Board returns the selected board.
func (c *Config) Board() (*Board, error) {
	b, ok := c.Boards[c.SelectedBoard]
	if c.SelectedBoard == "" || !ok {
		return nil, fmt.Errorf("selected board %q not found", c.SelectedBoard)
	}
	return &b, nil
}

// WorkloadNames returns the workload catalog in sorted order.
func (c *Config) WorkloadNames() []string {
	names := make([]string, 0, len(c.Workloads))
	for name := range c.Workloads {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Config) applyDefaults() {
	for id, b := range c.Boards {
		if b.Name == "" {
			b.Name = id
		}
		for name, r := range b.Rails {
			r.Name = name
			if r.DriverType == "" {
				r.DriverType = DriverSysfsMonitor
			}
			b.Rails[name] = r
		}
		c.Boards[id] = b
	}
	for name, w := range c.Workloads {
		w.Name = name
		if w.TargetRail == "" {
			w.TargetRail = "VCCINT"
		}
		if w.IgnoreExitCodes == nil {
			w.IgnoreExitCodes = []int{DefaultIgnoredExitCode}
		}
		c.Workloads[name] = w
	}

	s := &c.Sweep
	if s.CoarseStep == 0 {
		s.CoarseStep = 0.01
	}
	if s.FineStep == 0 {
		s.FineStep = 0.001
	}
	if s.FineMargin == 0 {
		s.FineMargin = 0.02
	}
	if s.SettleSeconds == 0 {
		s.SettleSeconds = 1.0
	}
	if s.SampleIntervalSeconds == 0 {
		s.SampleIntervalSeconds = 0.25
	}
	if s.MaxSteps == 0 {
		s.MaxSteps = 500
	}
	if c.Results.Dir == "" {
		c.Results.Dir = "results"
	}
}

func validate(cfg *Config) error {
	if len(cfg.Boards) == 0 {
		return fmt.Errorf("no boards defined")
	}
	board, err := cfg.Board()
	if err != nil {
		return err
	}
	for _, name := range board.RailNames() {
		r := board.Rails[name]
		if err := validateRail(&r); err != nil {
			return fmt.Errorf("rail %q: %w", name, err)
		}
	}
	for _, name := range cfg.WorkloadNames() {
		w := cfg.Workloads[name]
		if err := validateWorkload(&w); err != nil {
			return fmt.Errorf("workload %q: %w", name, err)
		}
		cfg.Workloads[name] = w
	}
	s := cfg.Sweep
	if s.CoarseStep < 0 || s.FineStep < 0 || s.FineMargin < 0 {
		return fmt.Errorf("sweep: step sizes and fine_margin must not be negative")
	}
	if s.MaxSteps < 0 {
		return fmt.Errorf("sweep: max_steps must not be negative")
	}
	return nil
}

func validateRail(r *Rail) error {
	conn := r.Connection
	switch r.DriverType {
	case DriverPMBus:
		if err := requireBus(conn); err != nil {
			return err
		}
		if err := requireCommands(r, "read_voltage"); err != nil {
			return err
		}
		if !r.ReadOnly {
			if err := requireCommands(r, "set_voltage"); err != nil {
				return err
			}
		}
		switch r.Format.VoltageMode {
		case "", ModeLinear16, ModeLinear16Fixed, ModeLinear11:
		default:
			return fmt.Errorf("unknown format.voltage_mode %q", r.Format.VoltageMode)
		}
		if r.Format.VoltageMode == ModeLinear16Fixed && r.Format.ScaleFactor <= 0 {
			return fmt.Errorf("format.scale_factor is required for voltage_mode %s", ModeLinear16Fixed)
		}
		if r.Format.CurrentMode == ModeLinear16Fixed && r.Format.CurrentScaleFactor <= 0 {
			return fmt.Errorf("format.current_scale_factor is required for current_mode %s", ModeLinear16Fixed)
		}
	case DriverRawI2C:
		if err := requireBus(conn); err != nil {
			return err
		}
		if err := requireCommands(r, "voltage_reg"); err != nil {
			return err
		}
		if r.Format.BaseV == nil || r.Format.StepV <= 0 {
			return fmt.Errorf("format.base_v and format.step_v are required for raw_i2c")
		}
	case DriverSysfsRegulator:
		if conn.RegulatorName == "" && conn.SysfsPath == "" {
			return fmt.Errorf("connection.regulator_name or connection.sysfs_path is required for sysfs_regulator")
		}
	case DriverSysfsMonitor:
		if conn.DriverMatch == "" {
			return fmt.Errorf("connection.driver_match is required for sysfs_monitor")
		}
	default:
		return fmt.Errorf("unknown driver_type %q", r.DriverType)
	}

	lim := r.Limits
	if lim.Min > lim.Max && lim.Max != 0 {
		return fmt.Errorf("limits: min %.3f exceeds max %.3f", lim.Min, lim.Max)
	}
	if lim.Nominal != nil && (*lim.Nominal < lim.Min || *lim.Nominal > lim.Max) {
		return fmt.Errorf("limits: nominal %.3f outside [%.3f, %.3f]", *lim.Nominal, lim.Min, lim.Max)
	}
	if r.Writable() && lim.Max <= 0 {
		return fmt.Errorf("limits.max is required for a writable %s rail", r.DriverType)
	}
	return nil
}

func requireBus(conn Connection) error {
	if conn.BusID == nil {
		return fmt.Errorf("connection.bus_id is required")
	}
	if conn.Address == nil {
		return fmt.Errorf("connection.address is required")
	}
	return nil
}

func requireCommands(r *Rail, names ...string) error {
	for _, n := range names {
		if _, ok := r.Commands[n]; !ok {
			return fmt.Errorf("commands.%s is required for %s", n, r.DriverType)
		}
	}
	return nil
}

func validateWorkload(w *Workload) error {
	if w.Executable == "" && w.Container == nil {
		return fmt.Errorf("executable is required")
	}
	if w.Container != nil && w.Container.Image == "" {
		return fmt.Errorf("container.image is required")
	}
	if w.Regex == "" {
		return fmt.Errorf("regex is required")
	}
	re, err := regexp.Compile(w.Regex)
	if err != nil {
		return fmt.Errorf("compiling regex: %w", err)
	}
	if re.NumSubexp() < 1 {
		return fmt.Errorf("regex %q has no capture group", w.Regex)
	}
	if w.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout_seconds must not be negative")
	}
	w.pattern = re
	return nil
}

// RailNames returns the board's rails in sorted order.
func (b *Board) RailNames() []string {
	names := make([]string, 0, len(b.Rails))
	for name := range b.Rails {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Writable reports whether SetVoltage may touch this rail.
func (r *Rail) Writable() bool {
	return r.DriverType != DriverSysfsMonitor && !r.ReadOnly
}

// Command returns a register from the command map.
func (r *Rail) Command(name string) (uint8, bool) {
	h, ok := r.Commands[name]
	return uint8(h), ok
}

// LinearExponent returns the declared LINEAR16 exponent, defaulting to
// -12 (VOUT_MODE 0x14).
func (f Format) LinearExponent() int {
	if f.Exponent == nil {
		return codec.DefaultExponent
	}
	return *f.Exponent
}

// Pattern returns the compiled accuracy regex. Workloads built outside
// Load compile it on first use; nil means the regex is invalid.
func (w *Workload) Pattern() *regexp.Regexp {
	if w.pattern == nil && w.Regex != "" {
		if re, err := regexp.Compile(w.Regex); err == nil {
			w.pattern = re
		}
	}
	return w.pattern
}

// Command is the shell command line the workload runs.
func (w *Workload) Command() string {
	return strings.TrimSpace(w.Executable + " " + w.Args)
}

func (w *Workload) Timeout() time.Duration {
	return time.Duration(w.TimeoutSeconds * float64(time.Second))
}

func (s Sweep) SettleDelay() time.Duration {
	return time.Duration(s.SettleSeconds * float64(time.Second))
}

func (s Sweep) SampleInterval() time.Duration {
	return time.Duration(s.SampleIntervalSeconds * float64(time.Second))
}
