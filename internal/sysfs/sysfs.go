// Package sysfs locates and reads the hwmon sensors and voltage
// regulators the kernel exposes under /sys/class.
package sysfs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Default search roots.
const (
	HwmonRoot     = "/sys/class/hwmon"
	RegulatorRoot = "/sys/class/regulator"
)

// FindHwmon returns the first hwmon* directory under root whose name
// file contains match. Directories are visited in lexical order.
func FindHwmon(root, match string) (string, bool) {
	if match == "" {
		return "", false
	}
	for _, dir := range globSorted(root, "hwmon*") {
		name, err := ReadString(filepath.Join(dir, "name"))
		if err != nil {
			continue
		}
		if strings.Contains(name, match) {
			return dir, true
		}
	}
	return "", false
}

// FindRegulator returns the microvolts file of the first regulator.*
// directory under root whose name contains target, ignoring case.
func FindRegulator(root, target string) (string, bool) {
	if target == "" {
		return "", false
	}
	target = strings.ToLower(target)
	for _, dir := range globSorted(root, "regulator.*") {
		name, err := ReadString(filepath.Join(dir, "name"))
		if err != nil {
			continue
		}
		if strings.Contains(strings.ToLower(name), target) {
			return filepath.Join(dir, "microvolts"), true
		}
	}
	return "", false
}

// ReadString reads a sysfs attribute and trims surrounding whitespace.
func ReadString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// ReadFloat reads a numeric sysfs attribute.
func ReadFloat(path string) (float64, error) {
	s, err := ReadString(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", path, err)
	}
	return v, nil
}

// WriteInt writes an integer attribute as decimal text.
func WriteInt(path string, v int64) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(strconv.FormatInt(v, 10)); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}

// Sensor is one hwmon device with the first raw reading of each kind,
// in the kernel's units (mV, mA, uW). Missing readings are zero.
type Sensor struct {
	Dir       string `json:"dir"`
	Name      string `json:"name"`
	VoltageMV int64  `json:"voltage_mv"`
	CurrentMA int64  `json:"current_ma"`
	PowerUW   int64  `json:"power_uw"`
}

// ListSensors enumerates every hwmon device under root.
func ListSensors(root string) []Sensor {
	var sensors []Sensor
	for _, dir := range globSorted(root, "hwmon*") {
		name, err := ReadString(filepath.Join(dir, "name"))
		if err != nil {
			continue
		}
		sensors = append(sensors, Sensor{
			Dir:       dir,
			Name:      name,
			VoltageMV: firstInt(dir, "in*_input"),
			CurrentMA: firstInt(dir, "curr*_input"),
			PowerUW:   firstInt(dir, "power*_input"),
		})
	}
	return sensors
}

func firstInt(dir, pattern string) int64 {
	matches := globSorted(dir, pattern)
	if len(matches) == 0 {
		return 0
	}
	s, err := ReadString(matches[0])
	if err != nil {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func globSorted(dir, pattern string) []string {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil
	}
	sort.Strings(matches)
	return matches
}
