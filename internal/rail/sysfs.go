package rail

import (
	"errors"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/signalnine/railsweep/internal/config"
	"github.com/signalnine/railsweep/internal/sysfs"
	"github.com/signalnine/railsweep/internal/telemetry"
)

const defaultUnitDiv = 1e6

// regulatorRail drives a kernel regulator's microvolts attribute.
type regulatorRail struct {
	path    string
	unitDiv float64
}

// newRegulator resolves the microvolts file. A regulator_name is
// searched for and, when given, the literal sysfs_path is not consulted.
func newRegulator(rc config.Rail, logger *slog.Logger) *regulatorRail {
	r := &regulatorRail{unitDiv: rc.Format.UnitDiv}
	if r.unitDiv == 0 {
		r.unitDiv = defaultUnitDiv
	}
	conn := rc.Connection
	switch {
	case conn.RegulatorName != "":
		root := conn.SearchDir
		if root == "" {
			root = sysfs.RegulatorRoot
		}
		if path, ok := sysfs.FindRegulator(root, conn.RegulatorName); ok {
			r.path = path
		} else {
			logger.Warn("regulator not found", "rail", rc.Name, "regulator_name", conn.RegulatorName, "search_dir", root)
		}
	case conn.SysfsPath != "":
		if _, err := os.Stat(conn.SysfsPath); err == nil {
			r.path = conn.SysfsPath
		} else {
			logger.Warn("regulator path does not exist", "rail", rc.Name, "path", conn.SysfsPath)
		}
	}
	return r
}

func (r *regulatorRail) handle() string { return r.path }

func (r *regulatorRail) read() (telemetry.Sample, error) {
	if r.path == "" {
		return telemetry.Sample{}, handleAbsent()
	}
	v, err := readFloat(r.path)
	if err != nil {
		return telemetry.Sample{}, err
	}
	return telemetry.Sample{VoltageV: v / r.unitDiv}, nil
}

func (r *regulatorRail) write(volts float64) error {
	return sysfs.WriteInt(r.path, int64(math.Round(volts*r.unitDiv)))
}

// monitorRail reads an hwmon sensor. It never accepts writes.
type monitorRail struct {
	dir   string
	files config.Files
}

func newMonitor(rc config.Rail, logger *slog.Logger) *monitorRail {
	m := &monitorRail{files: rc.Files}
	root := rc.Connection.SearchDir
	if root == "" {
		root = sysfs.HwmonRoot
	}
	if dir, ok := sysfs.FindHwmon(root, rc.Connection.DriverMatch); ok {
		m.dir = dir
	} else {
		logger.Warn("monitor driver not found", "rail", rc.Name, "driver_match", rc.Connection.DriverMatch, "search_dir", root)
	}
	return m
}

func (m *monitorRail) handle() string { return m.dir }

func (m *monitorRail) read() (telemetry.Sample, error) {
	if m.dir == "" {
		return telemetry.Sample{}, handleAbsent()
	}
	var s telemetry.Sample
	var err error
	if s.VoltageV, err = m.attr(m.files.Voltage, m.files.VoltageDiv); err != nil {
		return telemetry.Sample{}, err
	}
	if s.CurrentA, err = m.attr(m.files.Current, m.files.CurrentDiv); err != nil {
		return telemetry.Sample{}, err
	}
	if m.files.Power != "" {
		if s.PowerW, err = m.attr(m.files.Power, m.files.PowerDiv); err != nil {
			return telemetry.Sample{}, err
		}
	} else {
		s.PowerW = s.VoltageV * s.CurrentA
	}
	return s, nil
}

// attr reads one scaled attribute; an undeclared file reads as 0.
func (m *monitorRail) attr(name string, div float64) (float64, error) {
	if name == "" {
		return 0, nil
	}
	if div == 0 {
		div = 1
	}
	v, err := readFloat(filepath.Join(m.dir, name))
	if err != nil {
		return 0, err
	}
	return v / div, nil
}

func (m *monitorRail) write(float64) error { return ErrUnsupported }

// readFloat reads a numeric attribute, classifying a parse error as a
// decode failure and anything else as I/O.
func readFloat(path string) (float64, error) {
	v, err := sysfs.ReadFloat(path)
	var numErr *strconv.NumError
	switch {
	case err == nil:
		return v, nil
	case errors.As(err, &numErr):
		return 0, decodeFailure(err)
	default:
		return 0, ioFailure(err)
	}
}
