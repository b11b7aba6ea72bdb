package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NodePath81/rmbt/internal/results"
	"github.com/NodePath81/rmbt/internal/session"
	"github.com/NodePath81/rmbt/internal/testserver"
	"github.com/NodePath81/rmbt/internal/transport"
)

type recordingSink struct {
	mu      sync.Mutex
	phases  []Phase
	diags   []string
	aborted []error
}

func (s *recordingSink) PhaseChanged(p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phases = append(s.phases, p)
}

func (s *recordingSink) Diagnostic(worker int, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.diags = append(s.diags, msg)
}

func (s *recordingSink) Aborted(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = append(s.aborted, err)
}

func (s *recordingSink) Phases() []Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Phase(nil), s.phases...)
}

type failingDialer struct {
	inner  session.Dialer
	calls  atomic.Int32
	failOn int32
}

func (d *failingDialer) Dial(ctx context.Context, host string, port int) (*transport.Conn, error) {
	if d.calls.Add(1) == d.failOn {
		return nil, errors.New("connection refused")
	}
	return d.inner.Dial(ctx, host, port)
}

func startServer(t *testing.T, cfg testserver.Config) *testserver.Server {
	t.Helper()
	srv, err := testserver.Start(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func newEngine(t *testing.T, srv *testserver.Server, workers int, pretest time.Duration, opts Options) (*Engine, *recordingSink) {
	t.Helper()
	host, port := srv.Addr()
	sink := &recordingSink{}
	opts.Sink = sink
	e, err := New(Params{
		Host:            host,
		Port:            port,
		PretestDuration: pretest,
		Duration:        1,
		Workers:         workers,
	}, opts)
	require.NoError(t, err)
	return e, sink
}

func TestRunSingleWorkerFastLink(t *testing.T) {
	srv := startServer(t, testserver.Config{ChunkSize: 4096})
	e, sink := newEngine(t, srv, 1, 2*time.Second, Options{})

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	require.False(t, res.Fallback)
	require.Equal(t, e.TestID(), res.TestID)
	require.Len(t, res.Threads, 1)

	thread := res.Threads[0]
	require.Len(t, thread.Pings, DefaultPingCount)
	require.Greater(t, thread.ShortestPing, time.Duration(0))
	require.NotEmpty(t, thread.Down)
	require.NotEmpty(t, thread.Up)
	require.NotEmpty(t, thread.ConnectionID)
	require.Equal(t, "NONE", thread.Conn.Encryption)
	require.Greater(t, res.Down.Bps, 0.0)
	require.Greater(t, res.Up.Bps, 0.0)
	require.Greater(t, res.TotalDown, res.Down.Bytes-1)

	require.Equal(t, []Phase{PhaseInit, PhasePing, PhaseDown, PhaseInitUp, PhaseUp, PhaseEnd}, sink.Phases())
	require.Equal(t, PhaseEnd, e.Status().Phase)
	require.Len(t, e.Status().Workers, 1)
}

func TestFallbackDecision(t *testing.T) {
	cases := []struct {
		name         string
		chunkRate    float64
		wantFallback bool
	}{
		{name: "two chunks per calibration", chunkRate: 4, wantFallback: true},
		{name: "four chunks per calibration", chunkRate: 8, wantFallback: false},
		{name: "eight chunks per calibration", chunkRate: 16, wantFallback: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := startServer(t, testserver.Config{ChunkSize: 1024, ChunkRate: tc.chunkRate})
			e, _ := newEngine(t, srv, 2, 500*time.Millisecond, Options{})

			res, err := e.Run(context.Background())
			require.NoError(t, err)
			require.Equal(t, tc.wantFallback, res.Fallback)
			require.Len(t, e.Partial(), 2)
			if tc.wantFallback {
				require.Len(t, res.Threads, 1)
				require.Equal(t, 0, res.Threads[0].WorkerID)
				require.Equal(t, int64(1), srv.Stats().Downloads)
				require.Equal(t, int64(1), srv.Stats().Uploads)
			} else {
				require.Len(t, res.Threads, 2)
				require.Equal(t, int64(2), srv.Stats().Downloads)
			}
			require.Equal(t, int64(DefaultPingCount), srv.Stats().Pings)
		})
	}
}

func TestGreetingMismatchNeverEntersBarrier(t *testing.T) {
	srv := startServer(t, testserver.Config{Greeting: "RMBTv0.1"})
	e, sink := newEngine(t, srv, 1, 500*time.Millisecond, Options{})

	_, err := e.Run(context.Background())
	require.ErrorIs(t, err, session.ErrProtocol)
	require.Equal(t, 0, e.barrier.Trips())
	require.Equal(t, PhaseError, e.Status().Phase)
	require.Len(t, sink.aborted, 1)
	require.Len(t, e.Partial(), 1)
}

func TestDownloadCutoffReconnectsOnce(t *testing.T) {
	srv := startServer(t, testserver.Config{NeverTerminate: true})
	e, _ := newEngine(t, srv, 1, 200*time.Millisecond, Options{
		Session: session.Config{DownloadGrace: 100 * time.Millisecond},
	})

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Threads, 1)
	require.Equal(t, 1, res.Threads[0].Reconnects)
	require.Equal(t, int64(2), srv.Stats().Handshakes)
	require.Equal(t, int64(1), srv.Stats().Uploads)
}

func TestWorkerFailureAbortsRun(t *testing.T) {
	srv := startServer(t, testserver.Config{})
	dialer := &failingDialer{inner: &transport.Dialer{Timeout: time.Second}, failOn: 2}
	e, sink := newEngine(t, srv, 3, 300*time.Millisecond, Options{Dialer: dialer})

	type outcome struct {
		res results.TestResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := e.Run(context.Background())
		done <- outcome{res, err}
	}()
	var got outcome
	select {
	case got = <-done:
		require.ErrorIs(t, got.err, session.ErrConnectionLost)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not abort")
	}
	require.Equal(t, e.TestID(), got.res.TestID)
	require.Len(t, got.res.Threads, 3)
	for i, thread := range got.res.Threads {
		require.Equal(t, i, thread.WorkerID)
	}
	require.Zero(t, got.res.Down.Bps)
	require.True(t, e.barrier.Broken())
	require.Equal(t, PhaseError, e.Status().Phase)
	require.Len(t, sink.aborted, 1)
	require.Len(t, e.Partial(), 3)
}

func TestRunCancelled(t *testing.T) {
	srv := startServer(t, testserver.Config{ChunkRate: 20})
	e, _ := newEngine(t, srv, 2, 5*time.Second, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := e.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, PhaseAborted, e.Status().Phase)
}

func TestRunOnlyOnce(t *testing.T) {
	srv := startServer(t, testserver.Config{Greeting: "nope"})
	e, _ := newEngine(t, srv, 1, 100*time.Millisecond, Options{})
	_, _ = e.Run(context.Background())
	_, err := e.Run(context.Background())
	require.Error(t, err)
}

func TestParamsValidation(t *testing.T) {
	valid := Params{Host: "h", Port: 1, PretestDuration: time.Second, Duration: 1, Workers: 1}
	require.NoError(t, valid.validate())

	bad := []Params{
		{Port: 1, PretestDuration: time.Second, Duration: 1, Workers: 1},
		{Host: "h", Port: 0, PretestDuration: time.Second, Duration: 1, Workers: 1},
		{Host: "h", Port: 1, PretestDuration: time.Second, Duration: 0, Workers: 1},
		{Host: "h", Port: 1, Duration: 1, Workers: 1},
		{Host: "h", Port: 1, PretestDuration: time.Second, Duration: 1},
	}
	for _, p := range bad {
		_, err := New(p, Options{})
		require.Error(t, err)
	}
}

func TestSnapshotSumsWorkerRates(t *testing.T) {
	st := newState(2)
	st.progress[0].Set(1000, int64(time.Second))
	st.progress[1].Set(500, int64(500*time.Millisecond))
	st.fallback.Store(true)
	st.setPhase(PhaseDown)

	snap := st.Snapshot()
	require.Equal(t, PhaseDown, snap.Phase)
	require.True(t, snap.Fallback)
	require.InDelta(t, 16000, snap.Bps, 0.001)
}

func TestPhaseTextRoundTrip(t *testing.T) {
	var p Phase
	require.NoError(t, p.UnmarshalText([]byte("INIT_UP")))
	require.Equal(t, PhaseInitUp, p)
	require.Error(t, p.UnmarshalText([]byte("SIDEWAYS")))
}

func TestTerminatedDownloadKeepsConnection(t *testing.T) {
	srv := startServer(t, testserver.Config{})
	e, _ := newEngine(t, srv, 2, 300*time.Millisecond, Options{})

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	require.False(t, res.Fallback)
	require.Len(t, res.Threads, 2)
	for _, thread := range res.Threads {
		require.Zero(t, thread.Reconnects, "worker %d", thread.WorkerID)
	}
	require.Equal(t, int64(2), srv.Stats().Handshakes)
	require.Equal(t, int64(2), srv.Stats().Downloads)
}
