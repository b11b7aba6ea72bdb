package engine

import (
	"github.com/NodePath81/rmbt/internal/util"
)

// StatusSink receives run events. Calls may come from any worker goroutine.
type StatusSink interface {
	PhaseChanged(phase Phase)
	Diagnostic(worker int, msg string)
	// Aborted is called once when a run ends on an error or cancellation.
	Aborted(err error)
}

type logSink struct {
	logger util.Logger
}

// NewLogSink logs phase changes at info and diagnostics at debug.
func NewLogSink(logger util.Logger) StatusSink {
	if logger == nil {
		logger = util.DiscardLogger()
	}
	return logSink{logger: logger}
}

func (s logSink) PhaseChanged(phase Phase) {
	s.logger.Info("phase changed", "phase", phase.String())
}

func (s logSink) Diagnostic(worker int, msg string) {
	s.logger.Debug(msg, "worker", worker)
}

func (s logSink) Aborted(err error) {
	s.logger.Warn("test aborted", "error", err)
}

type multiSink []StatusSink

// MultiSink fans events out to every non-nil sink.
func MultiSink(sinks ...StatusSink) StatusSink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multiSink) PhaseChanged(phase Phase) {
	for _, s := range m {
		s.PhaseChanged(phase)
	}
}

func (m multiSink) Diagnostic(worker int, msg string) {
	for _, s := range m {
		s.Diagnostic(worker, msg)
	}
}

func (m multiSink) Aborted(err error) {
	for _, s := range m {
		s.Aborted(err)
	}
}
