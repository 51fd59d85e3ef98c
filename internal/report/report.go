package report

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/signalnine/railsweep/internal/result"
	"github.com/signalnine/railsweep/internal/runner"
)

// WorkloadSummary condenses one summary_<workload>.csv.
type WorkloadSummary struct {
	Workload         string  `json:"workload"`
	Steps            int     `json:"steps"`
	Successes        int     `json:"successes"`
	Crashes          int     `json:"crashes"`
	BaselineVoltage  float64 `json:"baseline_voltage"`
	BaselineAccuracy float64 `json:"baseline_accuracy"`
	// LowestPassing is the lowest voltage with a successful status;
	// NaN (null in JSON) when no step succeeded.
	LowestPassing float64 `json:"-"`
	// FirstCrash is the highest voltage that crashed; NaN when none did.
	FirstCrash  float64 `json:"-"`
	MeanPowerW  float64 `json:"mean_power_w"`
	MinAccuracy float64 `json:"min_accuracy"`
}

func (s WorkloadSummary) MarshalJSON() ([]byte, error) {
	type plain WorkloadSummary
	return json.Marshal(struct {
		plain
		LowestPassing *float64 `json:"lowest_passing_voltage"`
		FirstCrash    *float64 `json:"first_crash_voltage"`
	}{plain(s), optional(s.LowestPassing), optional(s.FirstCrash)})
}

// Generate reads every summary_*.csv in baseDir and writes a report.
func Generate(baseDir, format string, w io.Writer) error {
	paths, err := filepath.Glob(filepath.Join(baseDir, "summary_*.csv"))
	if err != nil {
		return err
	}
	sort.Strings(paths)

	var summaries []WorkloadSummary
	for _, path := range paths {
		rows, err := result.ReadSummary(path)
		if err != nil {
			return err
		}
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), "summary_"), ".csv")
		summaries = append(summaries, Summarize(name, rows))
	}

	switch format {
	case "markdown":
		return writeMarkdown(summaries, w)
	case "json":
		return writeJSON(summaries, w)
	default:
		return writeTable(summaries, w)
	}
}

// Summarize aggregates the rows of one workload. The baseline is the
// row at the highest voltage.
func Summarize(workload string, rows []result.SummaryRow) WorkloadSummary {
	s := WorkloadSummary{
		Workload:      workload,
		Steps:         len(rows),
		LowestPassing: math.NaN(),
		FirstCrash:    math.NaN(),
	}
	if len(rows) == 0 {
		return s
	}
	var power float64
	s.BaselineVoltage = math.Inf(-1)
	s.MinAccuracy = math.Inf(1)
	for _, r := range rows {
		power += r.AvgPowerW
		if r.Voltage > s.BaselineVoltage {
			s.BaselineVoltage = r.Voltage
			s.BaselineAccuracy = r.Accuracy
		}
		if runner.IsSuccess(r.Status) {
			s.Successes++
			if math.IsNaN(s.LowestPassing) || r.Voltage < s.LowestPassing {
				s.LowestPassing = r.Voltage
			}
			s.MinAccuracy = math.Min(s.MinAccuracy, r.Accuracy)
		} else {
			s.Crashes++
			if math.IsNaN(s.FirstCrash) || r.Voltage > s.FirstCrash {
				s.FirstCrash = r.Voltage
			}
		}
	}
	if s.Successes == 0 {
		s.MinAccuracy = 0
	}
	s.MeanPowerW = power / float64(len(rows))
	return s
}

func writeTable(summaries []WorkloadSummary, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WORKLOAD\tSTEPS\tPASS\tCRASH\tBASELINE\tLOWEST PASS\tFIRST CRASH\tMEAN POWER")
	fmt.Fprintln(tw, strings.Repeat("-", 90))
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%.4f @ %.3fV\t%s\t%s\t%.3fW\n",
			s.Workload, s.Steps, s.Successes, s.Crashes, s.BaselineAccuracy, s.BaselineVoltage,
			volts(s.LowestPassing), volts(s.FirstCrash), s.MeanPowerW)
	}
	return tw.Flush()
}

func writeMarkdown(summaries []WorkloadSummary, w io.Writer) error {
	fmt.Fprintln(w, "| Workload | Steps | Pass | Crash | Baseline | Lowest Pass | First Crash | Mean Power |")
	fmt.Fprintln(w, "|---|---|---|---|---|---|---|---|")
	for _, s := range summaries {
		fmt.Fprintf(w, "| %s | %d | %d | %d | %.4f @ %.3fV | %s | %s | %.3fW |\n",
			s.Workload, s.Steps, s.Successes, s.Crashes, s.BaselineAccuracy, s.BaselineVoltage,
			volts(s.LowestPassing), volts(s.FirstCrash), s.MeanPowerW)
	}
	return nil
}

func writeJSON(summaries []WorkloadSummary, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if summaries == nil {
		summaries = []WorkloadSummary{}
	}
	return enc.Encode(summaries)
}

func volts(v float64) string {
	if math.IsNaN(v) {
		return "-"
	}
	return fmt.Sprintf("%.3fV", v)
}

func optional(v float64) *float64 {
	if math.IsNaN(v) {
		return nil
	}
	return &v
}
