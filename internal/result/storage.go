package result

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	summaryTimeLayout = "2006-01-02 15:04:05"
	metaFile          = "run.json"
)

var (
	logHeader     = []string{"timestamp", "voltage_v", "current_a", "power_w", "accuracy"}
	summaryHeader = []string{"timestamp", "voltage", "accuracy", "status", "duration", "avg_power_watts", "avg_current_amps"}
)

// CreateRunDir creates base/runs/<UTC stamp> and points base/latest at
// it.
func CreateRunDir(baseDir string) (string, error) {
	runsDir := filepath.Join(baseDir, "runs")
	stamp := time.Now().UTC().Format("2006-01-02T15-04-05")
	runDir := filepath.Join(runsDir, stamp)
	runDir, err := filepath.Abs(runDir)
	if err != nil {
		return "", fmt.Errorf("resolving run dir: %w", err)
	}
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", fmt.Errorf("creating run dir: %w", err)
	}
	latest := filepath.Join(baseDir, "latest")
	os.Remove(latest)
	if err := os.Symlink(runDir, latest); err != nil {
		return "", fmt.Errorf("creating latest symlink: %w", err)
	}
	return runDir, nil
}

// Store writes per-step logs and run metadata into RunDir and keeps the
// cumulative per-workload summaries in BaseDir.
type Store struct {
	BaseDir string
	RunDir  string
}

// StepLogPath names the raw log of one voltage step.
func (s *Store) StepLogPath(workload string, voltage float64) string {
	return filepath.Join(s.RunDir, fmt.Sprintf("log_%s_%.3fV.csv", workload, voltage))
}

// SummaryPath names the cumulative summary of a workload.
func (s *Store) SummaryPath(workload string) string {
	return filepath.Join(s.BaseDir, "summary_"+workload+".csv")
}

// WriteStepLog writes the samples of one step. No file is created when
// records is empty.
func (s *Store) WriteStepLog(workload string, voltage float64, records []StepRecord) (string, error) {
	if len(records) == 0 {
		return "", nil
	}
	path := s.StepLogPath(workload, voltage)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating step log: %w", err)
	}
	w := csv.NewWriter(f)
	w.Write(logHeader)
	for _, r := range records {
		w.Write([]string{
			strconv.FormatFloat(float64(r.Timestamp.Unix())+float64(r.Timestamp.Nanosecond())/1e9, 'f', 6, 64),
			formatFloat(r.VoltageV),
			formatFloat(r.CurrentA),
			formatFloat(r.PowerW),
			formatFloat(r.Accuracy),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return "", fmt.Errorf("writing step log: %w", err)
	}
	return path, f.Close()
}

// AppendSummary adds row to the workload's summary, writing the header
// when the file is new.
func (s *Store) AppendSummary(workload string, row SummaryRow) (string, error) {
	path := s.SummaryPath(workload)
	_, statErr := os.Stat(path)
	exists := statErr == nil

	if err := os.MkdirAll(s.BaseDir, 0o755); err != nil {
		return "", fmt.Errorf("creating results dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("opening summary: %w", err)
	}
	w := csv.NewWriter(f)
	if !exists {
		w.Write(summaryHeader)
	}
	w.Write([]string{
		row.Timestamp.Format(summaryTimeLayout),
		fmt.Sprintf("%.4f", row.Voltage),
		formatFloat(row.Accuracy),
		row.Status,
		fmt.Sprintf("%.2f", row.Duration.Seconds()),
		fmt.Sprintf("%.4f", row.AvgPowerW),
		fmt.Sprintf("%.4f", row.AvgCurrentA),
	})
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return "", fmt.Errorf("writing summary: %w", err)
	}
	return path, f.Close()
}

// NewSummaryRow averages power and current over records. Both averages
// are 0 when records is empty.
func NewSummaryRow(now time.Time, voltage, accuracy float64, status string, duration time.Duration, records []StepRecord) SummaryRow {
	row := SummaryRow{
		Timestamp: now,
		Voltage:   voltage,
		Accuracy:  accuracy,
		Status:    status,
		Duration:  duration,
	}
	if len(records) == 0 {
		return row
	}
	var power, current float64
	for _, r := range records {
		power += r.PowerW
		current += r.CurrentA
	}
	row.AvgPowerW = power / float64(len(records))
	row.AvgCurrentA = current / float64(len(records))
	return row
}

// ReadSummary parses a summary file written by AppendSummary.
func ReadSummary(path string) ([]SummaryRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening summary: %w", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	col := make(map[string]int, len(records[0]))
	for i, name := range records[0] {
		col[name] = i
	}
	for _, name := range summaryHeader {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("%s: missing column %q", path, name)
		}
	}

	rows := make([]SummaryRow, 0, len(records)-1)
	for n, rec := range records[1:] {
		var row SummaryRow
		var perr error
		num := func(name string) float64 {
			v, err := strconv.ParseFloat(rec[col[name]], 64)
			if err != nil && perr == nil {
				perr = err
			}
			return v
		}
		row.Voltage = num("voltage")
		row.Accuracy = num("accuracy")
		row.Duration = time.Duration(num("duration") * float64(time.Second))
		row.AvgPowerW = num("avg_power_watts")
		row.AvgCurrentA = num("avg_current_amps")
		row.Status = rec[col["status"]]
		if ts, err := time.ParseInLocation(summaryTimeLayout, rec[col["timestamp"]], time.Local); err == nil {
			row.Timestamp = ts
		}
		if perr != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, n+2, perr)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// SaveRunMeta writes meta into the store's run directory.
func (s *Store) SaveRunMeta(meta *RunMeta) error {
	return WriteRunMeta(s.RunDir, meta)
}

func WriteRunMeta(runDir string, meta *RunMeta) error {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("creating run dir: %w", err)
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling meta: %w", err)
	}
	return os.WriteFile(filepath.Join(runDir, metaFile), data, 0o644)
}

func ReadRunMeta(path string) (*RunMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading meta: %w", err)
	}
	var meta RunMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parsing meta: %w", err)
	}
	return &meta, nil
}

// ListRunMeta returns the metadata of every run under baseDir, oldest
// first. Runs without metadata are skipped.
func ListRunMeta(baseDir string) ([]*RunMeta, error) {
	dirs, err := filepath.Glob(filepath.Join(baseDir, "runs", "*", metaFile))
	if err != nil {
		return nil, err
	}
	var metas []*RunMeta
	for _, path := range dirs {
		meta, err := ReadRunMeta(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		metas = append(metas, meta)
	}
	return metas, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
