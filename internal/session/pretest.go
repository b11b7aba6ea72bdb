package session

import (
	"context"
	"fmt"
	"time"

	"github.com/NodePath81/rmbt/internal/protocol"
)

// DownloadChunks requests n chunks and reads until the terminating chunk.
func (s *Session) DownloadChunks(ctx context.Context, n int) error {
	if n < 1 {
		return fmt.Errorf("chunk count must be >= 1")
	}
	if err := s.connected(); err != nil {
		return err
	}
	stop := s.conn.Watch(ctx)
	defer stop()

	if err := s.expectAccept(ctx); err != nil {
		return err
	}
	if err := s.conn.WriteLine(protocol.GetChunksLine(n)); err != nil {
		return ioError(ctx, "send GETCHUNKS", err)
	}
	scanner := protocol.NewMarkerScanner(s.chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		read, err := s.conn.Read(s.buf)
		if read > 0 && scanner.Scan(s.buf[:read]) {
			break
		}
		if err != nil {
			return ioError(ctx, "read chunks", err)
		}
	}
	if err := s.conn.WriteLine(protocol.ReplyOK); err != nil {
		return ioError(ctx, "send OK", err)
	}
	_, err := s.readTime(ctx)
	return err
}

// UploadChunks sends n chunks without asking for a result.
func (s *Session) UploadChunks(ctx context.Context, n int) error {
	if n < 1 {
		return fmt.Errorf("chunk count must be >= 1")
	}
	if err := s.connected(); err != nil {
		return err
	}
	stop := s.conn.Watch(ctx)
	defer stop()

	if err := s.expectAccept(ctx); err != nil {
		return err
	}
	if err := s.conn.WriteLine(protocol.CmdPutNoResult); err != nil {
		return ioError(ctx, "send PUTNORESULT", err)
	}
	if err := s.expectLine(ctx, protocol.ReplyOK); err != nil {
		return err
	}
	last := len(s.buf) - 1
	s.buf[last] = protocol.MarkerContinue
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i == n-1 {
			s.buf[last] = protocol.MarkerTerminate
		}
		if err := s.conn.WriteChunk(s.buf); err != nil {
			return ioError(ctx, "write chunk", err)
		}
	}
	if err := s.conn.Flush(); err != nil {
		return ioError(ctx, "flush chunks", err)
	}
	_, err := s.readTime(ctx)
	return err
}

// PretestDownload runs the download calibration burst for d and returns the
// chunk count the doubling reached. One exchange always happens.
func (s *Session) PretestDownload(ctx context.Context, d time.Duration) (int, error) {
	return s.pretest(ctx, d, s.DownloadChunks)
}

// PretestUpload is the upload counterpart of PretestDownload.
func (s *Session) PretestUpload(ctx context.Context, d time.Duration) (int, error) {
	return s.pretest(ctx, d, s.UploadChunks)
}

func (s *Session) pretest(ctx context.Context, d time.Duration, exchange func(context.Context, int) error) (int, error) {
	end := time.Now().Add(d)
	chunks := 1
	for {
		if err := exchange(ctx, chunks); err != nil {
			return chunks, err
		}
		chunks *= 2
		if !time.Now().Before(end) {
			return chunks, nil
		}
	}
}
