package sweep

import "fmt"

// State is the orchestrator's position in a sweep.
type State int

const (
	Idle State = iota
	SteppingDown
	Aborted
	Completed
	Resetting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case SteppingDown:
		return "SteppingDown"
	case Aborted:
		return "Aborted"
	case Completed:
		return "Completed"
	case Resetting:
		return "Resetting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText makes State readable in JSON reports.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
