// Package engine runs a multi-connection RMBT test. Workers move through
// the phases in lockstep, separated by a shared barrier, and their results
// are merged when all have finished.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/NodePath81/rmbt/internal/results"
	"github.com/NodePath81/rmbt/internal/session"
	"github.com/NodePath81/rmbt/internal/transport"
	"github.com/NodePath81/rmbt/internal/util"
)

const (
	// DefaultFallbackThreshold is the highest calibration chunk count that
	// still means the link is too slow for more than one worker.
	DefaultFallbackThreshold = 4
	DefaultPingCount         = 5
)

// Params describe one run.
type Params struct {
	Host  string
	Port  int
	Token string
	// PretestDuration bounds each calibration burst.
	PretestDuration time.Duration
	// Duration is the length of the timed download and upload in seconds.
	Duration int
	Workers  int
}

func (p Params) validate() error {
	if p.Host == "" {
		return errors.New("host is required")
	}
	if p.Port <= 0 || p.Port > 65535 {
		return fmt.Errorf("port %d out of range", p.Port)
	}
	if p.Duration < 1 {
		return errors.New("duration must be >= 1s")
	}
	if p.PretestDuration <= 0 {
		return errors.New("pretest duration must be > 0")
	}
	if p.Workers < 1 {
		return errors.New("workers must be >= 1")
	}
	return nil
}

type Options struct {
	// Session carries protocol timing knobs. Host, port and token are taken
	// from Params.
	Session session.Config
	Dialer  session.Dialer

	RingCapacity      int
	MinDelta          time.Duration
	FallbackThreshold int
	PingCount         int

	Sink   StatusSink
	Logger util.Logger
}

func (o *Options) setDefaults() {
	if o.Dialer == nil {
		o.Dialer = &transport.Dialer{}
	}
	if o.RingCapacity <= 0 {
		o.RingCapacity = results.DefaultRingCapacity
	}
	if o.MinDelta <= 0 {
		o.MinDelta = results.DefaultMinDelta
	}
	if o.FallbackThreshold <= 0 {
		o.FallbackThreshold = DefaultFallbackThreshold
	}
	if o.PingCount <= 0 {
		o.PingCount = DefaultPingCount
	}
	if o.Logger == nil {
		o.Logger = util.DiscardLogger()
	}
	if o.Sink == nil {
		o.Sink = NewLogSink(o.Logger)
	}
}

type Engine struct {
	params  Params
	opts    Options
	testID  string
	state   *State
	barrier *Barrier

	mu      sync.Mutex
	partial []results.ThreadResult
	ran     bool
}

func New(params Params, opts Options) (*Engine, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	opts.setDefaults()
	opts.Session.Host = params.Host
	opts.Session.Port = params.Port
	opts.Session.Token = params.Token
	return &Engine{
		params:  params,
		opts:    opts,
		testID:  uuid.NewString(),
		state:   newState(params.Workers),
		barrier: NewBarrier(params.Workers),
	}, nil
}

func (e *Engine) TestID() string {
	return e.testID
}

// Status returns the live state of the run.
func (e *Engine) Status() Status {
	return e.state.Snapshot()
}

// Partial returns what every finished worker gathered so far, including
// workers that failed.
func (e *Engine) Partial() []results.ThreadResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]results.ThreadResult(nil), e.partial...)
}

// Run executes the test once. The first worker failure aborts the run and is
// returned; cancellation of ctx returns ctx.Err(). A failed run still returns
// the run identity and every worker's partial result in Threads, without
// merged speeds.
func (e *Engine) Run(ctx context.Context) (results.TestResult, error) {
	e.mu.Lock()
	if e.ran {
		e.mu.Unlock()
		return results.TestResult{}, errors.New("engine already ran")
	}
	e.ran = true
	e.mu.Unlock()

	started := time.Now()
	e.opts.Logger.Info("starting test", "test_id", e.testID, "host", e.params.Host, "port", e.params.Port,
		"workers", e.params.Workers, "duration", e.params.Duration)

	contributions := make([]*results.ThreadResult, e.params.Workers)
	g, gctx := errgroup.WithContext(ctx)
	for id := 0; id < e.params.Workers; id++ {
		id := id
		g.Go(func() error {
			res, contributes, err := e.runWorker(gctx, id)
			if contributes {
				contributions[id] = &res
			}
			return err
		})
	}
	err := g.Wait()
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		if ctx.Err() != nil {
			e.setPhase(PhaseAborted)
		} else {
			e.setPhase(PhaseError)
		}
		e.opts.Sink.Aborted(err)
		partial := e.base(started)
		partial.Threads = e.Partial()
		sort.Slice(partial.Threads, func(i, j int) bool {
			return partial.Threads[i].WorkerID < partial.Threads[j].WorkerID
		})
		return partial, err
	}

	threads := make([]results.ThreadResult, 0, len(contributions))
	for _, c := range contributions {
		if c != nil {
			threads = append(threads, *c)
		}
	}
	res := results.Merge(e.base(started), threads)
	e.setPhase(PhaseEnd)
	e.opts.Logger.Info("test finished", "test_id", e.testID,
		"down", util.FormatBitsPerSecond(res.Down.Bps), "up", util.FormatBitsPerSecond(res.Up.Bps),
		"ping", util.FormatLatency(res.ShortestPing))
	return res, nil
}

func (e *Engine) base(started time.Time) results.TestResult {
	return results.TestResult{
		TestID:    e.testID,
		Host:      e.params.Host,
		Port:      e.params.Port,
		StartedAt: started,
		Duration:  e.params.Duration,
		Workers:   e.params.Workers,
		Fallback:  e.state.Fallback(),
	}
}

func (e *Engine) setPhase(p Phase) {
	e.state.setPhase(p)
	e.opts.Sink.PhaseChanged(p)
}

func (e *Engine) diag(worker int, format string, args ...any) {
	e.opts.Sink.Diagnostic(worker, fmt.Sprintf(format, args...))
}

func (e *Engine) recordPartial(res results.ThreadResult) {
	e.mu.Lock()
	e.partial = append(e.partial, res)
	e.mu.Unlock()
}
