package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/NodePath81/rmbt/internal/results"
	"github.com/NodePath81/rmbt/internal/session"
)

// worker is one connection's pass through the test phases.
type worker struct {
	e        *Engine
	id       int
	sess     *session.Session
	progress *session.Progress
	res      results.ThreadResult
}

// runWorker reports whether the worker's result belongs in the merged
// result. Cancellation and a barrier broken by a sibling end the worker
// without an error of its own.
func (e *Engine) runWorker(ctx context.Context, id int) (results.ThreadResult, bool, error) {
	logger := e.opts.Logger.With("worker", id)
	w := &worker{
		e:        e,
		id:       id,
		progress: e.state.progress[id],
		res: results.ThreadResult{
			WorkerID:     id,
			ConnectionID: uuid.NewString(),
		},
	}
	w.sess = session.New(e.opts.Session, e.opts.Dialer, w.progress, logger)

	contributes, err := w.run(ctx)

	w.res.TotalDown, w.res.TotalUp = w.sess.Totals()
	w.res.Reconnects = w.sess.Reconnects()
	_ = w.sess.Close()
	e.recordPartial(w.res)

	if err == nil {
		return w.res, contributes, nil
	}
	if errors.Is(err, ErrBarrierBroken) || ctx.Err() != nil {
		logger.Debug("worker stopped", "reason", err)
		return w.res, false, nil
	}
	e.barrier.Break()
	logger.Error("worker failed", "error", err)
	e.diag(id, "failed: %v", err)
	return w.res, false, fmt.Errorf("worker %d: %w", id, err)
}

func (w *worker) setPhase(p Phase) {
	if w.id == 0 {
		w.e.setPhase(p)
	}
}

func (w *worker) newRing() *results.Ring {
	return results.NewRing(w.e.opts.RingCapacity, w.e.opts.MinDelta)
}

func (w *worker) run(ctx context.Context) (bool, error) {
	e := w.e
	params := e.params

	w.setPhase(PhaseInit)
	if err := w.sess.Connect(ctx); err != nil {
		return false, fmt.Errorf("connect: %w", err)
	}
	w.captureConn()

	chunks, err := w.sess.PretestDownload(ctx, params.PretestDuration)
	if err != nil {
		return false, fmt.Errorf("download calibration: %w", err)
	}
	e.diag(w.id, "download calibration reached %d chunks", chunks)
	if w.id == 0 && chunks <= e.opts.FallbackThreshold {
		e.state.fallback.Store(true)
		e.diag(w.id, "link too slow, falling back to one connection")
	}
	if err := e.barrier.Wait(ctx); err != nil {
		return false, err
	}

	fallback := e.state.Fallback()
	if fallback && w.id != 0 {
		return false, nil
	}
	// Barriers are skipped once only worker 0 is left.
	rendezvous := func() error {
		if fallback {
			return nil
		}
		return e.barrier.Wait(ctx)
	}

	w.setPhase(PhasePing)
	if err := rendezvous(); err != nil {
		return false, err
	}
	if w.id == 0 {
		if err := w.ping(ctx); err != nil {
			return false, err
		}
	}
	if err := rendezvous(); err != nil {
		return false, err
	}

	w.setPhase(PhaseDown)
	w.progress.Reset()
	down := w.newRing()
	reconnect, err := w.sess.Download(ctx, params.Duration, down)
	w.res.Down = down.Samples()
	if err != nil {
		return false, fmt.Errorf("download: %w", err)
	}
	if reconnect {
		e.diag(w.id, "download not terminated by server, reconnecting")
		if err := w.sess.Reconnect(ctx); err != nil {
			return false, fmt.Errorf("reconnect: %w", err)
		}
	}

	w.setPhase(PhaseInitUp)
	if err := rendezvous(); err != nil {
		return false, err
	}
	w.progress.Reset()
	chunks, err = w.sess.PretestUpload(ctx, params.PretestDuration)
	if err != nil {
		return false, fmt.Errorf("upload calibration: %w", err)
	}
	e.diag(w.id, "upload calibration reached %d chunks", chunks)

	w.setPhase(PhaseUp)
	w.progress.Reset()
	if err := rendezvous(); err != nil {
		return false, err
	}
	up := w.newRing()
	outcome, err := w.sess.Upload(ctx, params.Duration, up)
	w.res.Up = up.Samples()
	w.res.UploadOutcome = outcome.Outcome.String()
	if err != nil {
		return false, fmt.Errorf("upload: %w", err)
	}
	if outcome.Err != nil {
		e.diag(w.id, "upload watcher: %v", outcome.Err)
	}

	if info, err := w.sess.TCPInfo(); err == nil {
		w.res.TCPRTT = info.RTT
		w.res.TCPRetransmits = info.Retransmits
	}
	return true, nil
}

func (w *worker) ping(ctx context.Context) error {
	for i := 0; i < w.e.opts.PingCount; i++ {
		p, err := w.sess.Ping(ctx)
		if err != nil {
			return fmt.Errorf("ping: %w", err)
		}
		if !p.Valid {
			w.e.diag(w.id, "ping %d invalid", i+1)
		}
		w.res.Pings = append(w.res.Pings, p)
	}
	w.res.ShortestPing, _ = results.ShortestPing(w.res.Pings)
	return nil
}

func (w *worker) captureConn() {
	info := w.sess.Info()
	w.res.Conn = results.ConnInfo{
		LocalAddr:  info.LocalAddr,
		RemoteAddr: info.RemoteAddr,
		ServerPort: info.ServerPort,
		Encryption: info.Encryption,
	}
}
