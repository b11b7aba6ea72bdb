package session

import (
	"context"
	"fmt"
	"time"

	"github.com/NodePath81/rmbt/internal/protocol"
	"github.com/NodePath81/rmbt/internal/results"
)

// Upload runs a timed upload of seconds. Server acknowledgements are
// recorded into ring by a watcher goroutine while chunks are written. After
// the final chunk the watcher is asked to finish once caught up, then forced,
// then cancelled; a cancelled watcher still counts as a completed upload.
func (s *Session) Upload(ctx context.Context, seconds int, ring *results.Ring) (UploadResult, error) {
	if seconds < 1 {
		return UploadResult{}, fmt.Errorf("upload duration must be >= 1s")
	}
	if err := s.connected(); err != nil {
		return UploadResult{}, err
	}
	stop := s.conn.Watch(ctx)
	defer stop()

	if err := s.expectAccept(ctx); err != nil {
		return UploadResult{}, err
	}
	if err := s.conn.WriteLine(protocol.CmdPut); err != nil {
		return UploadResult{}, ioError(ctx, "send PUT", err)
	}
	if err := s.expectLine(ctx, protocol.ReplyOK); err != nil {
		return UploadResult{}, err
	}

	duration := time.Duration(seconds) * time.Second
	w := newWatcher(s.conn, ring, s.progress, duration-s.cfg.UploadDiscard)
	go w.run(ctx)

	if err := s.writeUpload(ctx, duration); err != nil {
		w.cancel()
		return UploadResult{}, err
	}

	settle := time.NewTimer(s.cfg.UploadSettle)
	select {
	case <-settle.C:
	case <-ctx.Done():
		settle.Stop()
		w.cancel()
		return UploadResult{}, ctx.Err()
	}

	w.terminateIfEnough.Store(true)
	res, ok := w.wait(ctx, s.cfg.UploadWait)
	if !ok {
		s.logger.Debug("upload watcher still running, forcing stop")
		w.terminateNow.Store(true)
		res, ok = w.wait(ctx, s.cfg.UploadForceWait)
	}
	if !ok {
		s.logger.Debug("upload watcher did not stop, cancelling")
		res = w.cancel()
	}
	if err := ctx.Err(); err != nil {
		return UploadResult{Outcome: UploadCancelled}, err
	}
	if fatalWatchErr(res) {
		return UploadResult{Outcome: res.outcome, Err: res.err}, res.err
	}
	return UploadResult{Outcome: res.outcome, Err: res.err}, nil
}

func (s *Session) writeUpload(ctx context.Context, duration time.Duration) error {
	last := len(s.buf) - 1
	s.buf[last] = protocol.MarkerContinue
	start := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		final := time.Since(start) > duration
		if final {
			s.buf[last] = protocol.MarkerTerminate
		}
		if err := s.conn.WriteChunk(s.buf); err != nil {
			return ioError(ctx, "write chunk", err)
		}
		if final {
			break
		}
	}
	if err := s.conn.Flush(); err != nil {
		return ioError(ctx, "flush upload", err)
	}
	return nil
}
