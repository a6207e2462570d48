package sequence

import (
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/quantumlab/labseq/capture"
)

// Status is the overall outcome of a run
type Status int

const (
	// Succeeded runs triggered every repetition and retrieved every planned frame
	Succeeded Status = iota
	// AbortedBeforeTrigger runs stopped before a trigger was issued
	AbortedBeforeTrigger
	// CompletedWithFrameLosses runs fired at least once but lost frames or
	// stopped before their last repetition
	CompletedWithFrameLosses
)

func (s Status) String() string {
	switch s {
	case Succeeded:
		return "Succeeded"
	case AbortedBeforeTrigger:
		return "AbortedBeforeTrigger"
	case CompletedWithFrameLosses:
		return "CompletedWithFrameLosses"
	default:
		return "Unknown"
	}
}

// MarshalText renders the status by name
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name
func (s *Status) UnmarshalText(b []byte) error {
	for _, st := range []Status{Succeeded, AbortedBeforeTrigger, CompletedWithFrameLosses} {
		if strings.EqualFold(string(b), st.String()) {
			*s = st
			return nil
		}
	}
	return errors.Errorf("unknown status %q", string(b))
}

// ChannelRecord describes what one generator channel was loaded and armed with
type ChannelRecord struct {
	Channel  string  `json:"channel"`
	Column   string  `json:"column"`
	Wave     string  `json:"wave"`
	Points   int     `json:"points"`
	Checksum uint16  `json:"crc"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	State    string  `json:"state"`
}

// Repetition holds what was drained after one trigger
type Repetition struct {
	Index   int                    `json:"index"`
	FiredAt time.Time              `json:"firedAt"`
	Cameras []capture.CameraRecord `json:"cameras"`
	Files   []string               `json:"files,omitempty"`
}

// Lost is the number of frames lost across every camera
func (r Repetition) Lost() int {
	n := 0
	for _, c := range r.Cameras {
		n += c.Lost()
	}
	return n
}

// Report is the record of one run
type Report struct {
	RunID    string    `json:"runId"`
	Status   Status    `json:"status"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`

	Channels    []ChannelRecord `json:"channels"`
	Repetitions []Repetition    `json:"repetitions"`

	// Error describes why the run stopped early
	Error string `json:"error,omitempty"`
	err   error
}

// Err is the error that stopped the run early, nil if every repetition ran
func (r *Report) Err() error {
	return r.err
}

// Lost is the number of frames lost across every repetition
func (r *Report) Lost() int {
	n := 0
	for _, rep := range r.Repetitions {
		n += rep.Lost()
	}
	return n
}

func (r *Report) abort(err error) {
	r.err = err
	r.Error = err.Error()
}

// settle derives the status.  A run stopped before any trigger fired is
// AbortedBeforeTrigger; one stopped after a repetition was drained keeps
// that repetition and counts as a loss.
func (r *Report) settle() {
	switch {
	case r.err != nil && len(r.Repetitions) == 0:
		r.Status = AbortedBeforeTrigger
	case r.err != nil || r.Lost() > 0:
		r.Status = CompletedWithFrameLosses
	default:
		r.Status = Succeeded
	}
}
