package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/NodePath81/rmbt/internal/protocol"
	"github.com/NodePath81/rmbt/internal/results"
	"github.com/NodePath81/rmbt/internal/transport"
)

// UploadOutcome says how the upload acknowledgement watcher finished.
type UploadOutcome int

const (
	// UploadGraceful: caught up past the enough threshold after the write
	// loop asked it to finish.
	UploadGraceful UploadOutcome = iota
	// UploadForced: stopped on the first acknowledgement after the forced
	// stop flag was set.
	UploadForced
	// UploadNoByteCount: the server sent a bare TIME line.
	UploadNoByteCount
	// UploadCancelled: neither stop flag took effect in time and the read
	// was interrupted.
	UploadCancelled
	// UploadFailed: the watcher hit an unparsable line or lost the
	// connection.
	UploadFailed
)

func (o UploadOutcome) String() string {
	switch o {
	case UploadGraceful:
		return "graceful"
	case UploadForced:
		return "forced"
	case UploadNoByteCount:
		return "no-byte-count"
	case UploadCancelled:
		return "cancelled"
	case UploadFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

type watchResult struct {
	outcome UploadOutcome
	err     error
}

// watcher consumes upload acknowledgements on the read side while the
// session writes chunks.
type watcher struct {
	conn     *transport.Conn
	ring     *results.Ring
	progress *Progress
	// enough is the server time, in nanoseconds, past which a caught-up
	// watcher may stop.
	enough int64

	terminateIfEnough atomic.Bool
	terminateNow      atomic.Bool
	cancelled         atomic.Bool

	done chan watchResult
}

func newWatcher(conn *transport.Conn, ring *results.Ring, progress *Progress, enough time.Duration) *watcher {
	if enough < 0 {
		enough = 0
	}
	return &watcher{
		conn:     conn,
		ring:     ring,
		progress: progress,
		enough:   int64(enough),
		done:     make(chan watchResult, 1),
	}
}

func (w *watcher) run(ctx context.Context) {
	w.done <- w.loop(ctx)
}

func (w *watcher) loop(ctx context.Context) watchResult {
	for {
		line, err := w.conn.ReadLine()
		if err != nil {
			if w.cancelled.Load() && isTimeout(err) {
				return watchResult{outcome: UploadCancelled}
			}
			if ctx.Err() != nil {
				return watchResult{outcome: UploadCancelled, err: ctx.Err()}
			}
			return watchResult{outcome: UploadFailed, err: fmt.Errorf("read ack: %w: %w", ErrConnectionLost, err)}
		}
		ack, err := protocol.ParseAck(line)
		if err != nil {
			return watchResult{outcome: UploadFailed, err: fmt.Errorf("%w: %w", ErrProtocol, err)}
		}
		if !ack.HasBytes {
			return watchResult{outcome: UploadNoByteCount}
		}
		w.ring.Add(ack.Bytes, ack.Nanos)
		w.progress.Set(ack.Bytes, ack.Nanos)

		if w.terminateNow.Load() {
			return watchResult{outcome: UploadForced}
		}
		if w.terminateIfEnough.Load() && ack.Nanos > w.enough {
			return watchResult{outcome: UploadGraceful}
		}
	}
}

// wait blocks until the watcher finishes, d elapses or ctx is done.
func (w *watcher) wait(ctx context.Context, d time.Duration) (watchResult, bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case res := <-w.done:
		return res, true
	case <-timer.C:
		return watchResult{}, false
	case <-ctx.Done():
		return w.cancel(), true
	}
}

// cancel interrupts a pending read and waits for the watcher to exit.
func (w *watcher) cancel() watchResult {
	w.cancelled.Store(true)
	_ = w.conn.SetReadDeadline(time.Now())
	return <-w.done
}

// UploadResult reports how the upload phase ended. Err carries a watcher
// failure that did not abort the phase.
type UploadResult struct {
	Outcome UploadOutcome
	Err     error
}

func fatalWatchErr(res watchResult) bool {
	return res.err != nil && !errors.Is(res.err, ErrProtocol)
}
