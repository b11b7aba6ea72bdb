package session

import (
	"context"
	"fmt"
	"time"

	"github.com/NodePath81/rmbt/internal/protocol"
	"github.com/NodePath81/rmbt/internal/results"
)

// Download runs a timed download of seconds and records samples into ring.
// It returns reconnect=true when the stream was cut off by time rather than
// by the terminating chunk; the connection must then be replaced before it
// is used again.
func (s *Session) Download(ctx context.Context, seconds int, ring *results.Ring) (reconnect bool, err error) {
	if seconds < 1 {
		return false, fmt.Errorf("download duration must be >= 1s")
	}
	if err := s.connected(); err != nil {
		return false, err
	}
	stop := s.conn.Watch(ctx)
	defer stop()

	if err := s.expectAccept(ctx); err != nil {
		return false, err
	}

	start := time.Now()
	latestEnd := start.Add(time.Duration(seconds)*time.Second + s.cfg.DownloadGrace)
	if err := s.conn.WriteLine(protocol.GetTimeLine(seconds)); err != nil {
		return false, ioError(ctx, "send GETTIME", err)
	}
	if err := s.conn.SetReadDeadline(latestEnd); err != nil {
		return false, ioError(ctx, "set read deadline", err)
	}

	scanner := protocol.NewMarkerScanner(s.chunkSize)
	terminated := false
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		read, err := s.conn.Read(s.buf)
		if read > 0 {
			terminated = scanner.Scan(s.buf[:read])
			nanos := time.Since(start).Nanoseconds()
			ring.Add(scanner.Total(), nanos)
			s.progress.Set(scanner.Total(), nanos)
		}
		if terminated {
			break
		}
		if err != nil {
			if isTimeout(err) && ctx.Err() == nil {
				break
			}
			return false, ioError(ctx, "read download", err)
		}
		if !time.Now().Before(latestEnd) {
			break
		}
	}
	end := time.Now()
	if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
		return false, ioError(ctx, "clear read deadline", err)
	}
	// Clearing the deadline may have undone a cancellation.
	if err := ctx.Err(); err != nil {
		return false, err
	}

	if err := s.conn.WriteLine(protocol.ReplyOK); err != nil {
		return false, ioError(ctx, "send OK", err)
	}
	nanos := end.Sub(start).Nanoseconds()
	ring.Add(scanner.Total(), nanos)
	s.progress.Set(scanner.Total(), nanos)

	if !terminated {
		s.logger.Debug("download cut off before terminator", "bytes", scanner.Total())
		return true, nil
	}
	if _, err := s.readTime(ctx); err != nil {
		return false, err
	}
	return false, nil
}
