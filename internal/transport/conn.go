// Package transport wraps a plain or TLS stream socket with byte counters,
// a line reader and a chunk writer sharing one buffered read side.
package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"time"
)

const (
	readBufferSize  = 64 * 1024
	writeBufferSize = 64 * 1024
	maxLineBytes    = 4096
)

// ErrLineTooLong reports a server line that exceeds maxLineBytes.
var ErrLineTooLong = errors.New("line too long")

// countingConn counts bytes as they cross the socket boundary.
type countingConn struct {
	net.Conn
	rx atomic.Int64
	tx atomic.Int64
}

func (c *countingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.rx.Add(int64(n))
	return n, err
}

func (c *countingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.tx.Add(int64(n))
	return n, err
}

// Conn is one measurement connection. Reads of lines and raw chunk data go
// through the same buffered reader so no byte is lost between the two.
// Conn is not safe for concurrent readers; one reader and one writer may run
// at the same time.
type Conn struct {
	raw     net.Conn
	counted *countingConn
	r       *bufio.Reader
	w       *bufio.Writer
	info    Info
}

// Info describes the endpoints and security of an established connection.
type Info struct {
	LocalAddr  string
	RemoteAddr string
	ServerPort int
	// Encryption is "NONE" for plain TCP or "<version> (<cipher suite>)".
	Encryption string
}

// NewConn wraps an established connection. Counting starts at zero.
func NewConn(raw net.Conn, info Info) *Conn {
	counted := &countingConn{Conn: raw}
	if info.LocalAddr == "" && raw.LocalAddr() != nil {
		info.LocalAddr = raw.LocalAddr().String()
	}
	if info.RemoteAddr == "" && raw.RemoteAddr() != nil {
		info.RemoteAddr = raw.RemoteAddr().String()
	}
	if info.Encryption == "" {
		info.Encryption = "NONE"
	}
	return &Conn{
		raw:     raw,
		counted: counted,
		r:       bufio.NewReaderSize(counted, readBufferSize),
		w:       bufio.NewWriterSize(counted, writeBufferSize),
		info:    info,
	}
}

func (c *Conn) Info() Info {
	return c.info
}

// ReadLine returns the next newline-terminated line without its terminator.
func (c *Conn) ReadLine() (string, error) {
	var sb strings.Builder
	for {
		frag, err := c.r.ReadSlice('\n')
		sb.Write(frag)
		if sb.Len() > maxLineBytes {
			return "", ErrLineTooLong
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err == io.EOF && sb.Len() > 0 {
			err = io.ErrUnexpectedEOF
		}
		return "", err
	}
	return strings.TrimRight(sb.String(), "\r\n"), nil
}

// Read reads raw bytes, draining buffered data first.
func (c *Conn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// WriteLine writes line plus a newline and flushes.
func (c *Conn) WriteLine(line string) error {
	if _, err := c.w.WriteString(line); err != nil {
		return err
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return err
	}
	return c.w.Flush()
}

// WriteChunk queues a raw chunk. Call Flush to push it to the socket.
func (c *Conn) WriteChunk(p []byte) error {
	_, err := c.w.Write(p)
	return err
}

func (c *Conn) Flush() error {
	return c.w.Flush()
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.raw.SetReadDeadline(t)
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.raw.SetWriteDeadline(t)
}

// Received is the number of bytes read from the socket since NewConn.
func (c *Conn) Received() int64 {
	return c.counted.rx.Load()
}

// Sent is the number of bytes written to the socket since NewConn.
func (c *Conn) Sent() int64 {
	return c.counted.tx.Load()
}

// Watch interrupts blocked reads and writes once ctx is done by moving both
// deadlines into the past. The returned stop function detaches the watch.
func (c *Conn) Watch(ctx context.Context) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		past := time.Unix(1, 0)
		_ = c.raw.SetReadDeadline(past)
		_ = c.raw.SetWriteDeadline(past)
	})
}

func (c *Conn) Close() error {
	return c.raw.Close()
}

// NetConn exposes the underlying connection, unwrapping TLS.
func (c *Conn) NetConn() net.Conn {
	type netConner interface{ NetConn() net.Conn }
	if nc, ok := c.raw.(netConner); ok {
		return nc.NetConn()
	}
	return c.raw
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
