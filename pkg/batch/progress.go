package batch

import (
	"encoding/json"
	"time"
)

type State int

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Done is true for the three terminal states
func (s State) Done() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Progress is reported after every group.
// ETA is extrapolated from the average time per image so far, so it is only an estimate,
// and a poor one when there are few groups.
type Progress struct {
	Processed   int           // Images completed
	Total       int           // Images in the run
	Percent     float64       // 0..100
	Group       int           // Groups completed
	TotalGroups int           // Groups in the run
	Elapsed     time.Duration // Time since the run started
	ETA         time.Duration // Estimated time remaining
}

type progressJSON struct {
	Processed   int     `json:"processed"`
	Total       int     `json:"total"`
	Percent     float64 `json:"percent"`
	Group       int     `json:"group"`
	TotalGroups int     `json:"totalGroups"`
	Elapsed     float64 `json:"elapsed"` // seconds
	ETA         float64 `json:"eta"`     // seconds
}

func (p Progress) MarshalJSON() ([]byte, error) {
	return json.Marshal(progressJSON{
		Processed:   p.Processed,
		Total:       p.Total,
		Percent:     p.Percent,
		Group:       p.Group,
		TotalGroups: p.TotalGroups,
		Elapsed:     p.Elapsed.Seconds(),
		ETA:         p.ETA.Seconds(),
	})
}

func makeProgress(processed, total, group, totalGroups int, elapsed time.Duration) Progress {
	p := Progress{
		Processed:   processed,
		Total:       total,
		Group:       group,
		TotalGroups: totalGroups,
		Elapsed:     elapsed,
	}
	if total > 0 {
		p.Percent = 100 * float64(processed) / float64(total)
	}
	if processed > 0 {
		perImage := float64(elapsed) / float64(processed)
		p.ETA = time.Duration(perImage * float64(total-processed))
	}
	return p
}
