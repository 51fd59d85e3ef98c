package result

import (
	"time"

	"github.com/signalnine/railsweep/internal/telemetry"
)

// StepRecord is one telemetry sample annotated with the accuracy the
// step's workload reported.
type StepRecord struct {
	telemetry.Sample
	Accuracy float64
}

// SummaryRow is the per-step line of summary_<workload>.csv.
type SummaryRow struct {
	Timestamp   time.Time
	Voltage     float64
	Accuracy    float64
	Status      string
	Duration    time.Duration
	AvgPowerW   float64
	AvgCurrentA float64
}

// RunMeta describes one sweep and how it ended.
type RunMeta struct {
	RunID       string    `json:"run_id"`
	Board       string    `json:"board"`
	Workload    string    `json:"workload"`
	Rail        string    `json:"rail"`
	NominalV    float64   `json:"nominal_v"`
	MinV        float64   `json:"min_v"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Steps       int       `json:"steps"`
	State       string    `json:"state"`
	Reason      string    `json:"reason,omitempty"`
	LastVoltage float64   `json:"last_voltage"`
}
