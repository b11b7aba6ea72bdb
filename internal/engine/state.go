package engine

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/NodePath81/rmbt/internal/session"
)

// Phase is the run's current test phase.
type Phase int32

const (
	PhaseWait Phase = iota
	PhaseInit
	PhasePing
	PhaseDown
	PhaseInitUp
	PhaseUp
	PhaseEnd
	PhaseError
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseWait:
		return "WAIT"
	case PhaseInit:
		return "INIT"
	case PhasePing:
		return "PING"
	case PhaseDown:
		return "DOWN"
	case PhaseInitUp:
		return "INIT_UP"
	case PhaseUp:
		return "UP"
	case PhaseEnd:
		return "END"
	case PhaseError:
		return "ERROR"
	case PhaseAborted:
		return "ABORTED"
	default:
		return fmt.Sprintf("PHASE(%d)", int32(p))
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(text []byte) error {
	for c := PhaseWait; c <= PhaseAborted; c++ {
		if c.String() == string(text) {
			*p = c
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", text)
}

// State is the run state shared by workers and status readers.
type State struct {
	phase    atomic.Int32
	fallback atomic.Bool
	progress []*session.Progress
}

func newState(workers int) *State {
	st := &State{progress: make([]*session.Progress, workers)}
	for i := range st.progress {
		st.progress[i] = &session.Progress{}
	}
	return st
}

func (s *State) Phase() Phase {
	return Phase(s.phase.Load())
}

func (s *State) setPhase(p Phase) {
	s.phase.Store(int32(p))
}

func (s *State) Fallback() bool {
	return s.fallback.Load()
}

// WorkerProgress is one worker's live counters.
type WorkerProgress struct {
	Bytes int64         `json:"bytes"`
	Time  time.Duration `json:"time"`
}

// Status is a point-in-time view of a run. Per-worker counters are read
// one at a time and need not come from the same instant.
type Status struct {
	Phase    Phase            `json:"phase"`
	Fallback bool             `json:"fallback"`
	Workers  []WorkerProgress `json:"workers"`
	// Bps sums every worker's bytes over its own elapsed time.
	Bps float64 `json:"bps"`
}

func (s *State) Snapshot() Status {
	st := Status{
		Phase:    s.Phase(),
		Fallback: s.Fallback(),
		Workers:  make([]WorkerProgress, len(s.progress)),
	}
	for i, p := range s.progress {
		bytes, nanos := p.Load()
		st.Workers[i] = WorkerProgress{Bytes: bytes, Time: time.Duration(nanos)}
		if nanos > 0 {
			st.Bps += float64(bytes) * 8 / time.Duration(nanos).Seconds()
		}
	}
	return st
}
