// Package session runs the RMBT protocol over one measurement connection:
// the handshake, calibration bursts, ping, timed download and timed upload.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/NodePath81/rmbt/internal/protocol"
	"github.com/NodePath81/rmbt/internal/transport"
	"github.com/NodePath81/rmbt/internal/util"
)

const (
	DefaultDownloadGrace   = time.Second
	DefaultUploadSettle    = 100 * time.Millisecond
	DefaultUploadWait      = 3 * time.Second
	DefaultUploadForceWait = 250 * time.Millisecond
	// DefaultUploadDiscard is subtracted from the upload duration to get the
	// server time after which a caught-up watcher may stop.
	DefaultUploadDiscard = 2 * time.Second
)

// Dialer opens the transport for a session.
type Dialer interface {
	Dial(ctx context.Context, host string, port int) (*transport.Conn, error)
}

type Config struct {
	Host     string
	Port     int
	Token    string
	Greeting string

	// DownloadGrace and UploadDiscard take their defaults when zero. A
	// negative value turns them off.
	DownloadGrace   time.Duration
	UploadSettle    time.Duration
	UploadWait      time.Duration
	UploadForceWait time.Duration
	UploadDiscard   time.Duration
}

func (c *Config) setDefaults() {
	if c.Greeting == "" {
		c.Greeting = protocol.DefaultGreeting
	}
	switch {
	case c.DownloadGrace == 0:
		c.DownloadGrace = DefaultDownloadGrace
	case c.DownloadGrace < 0:
		c.DownloadGrace = 0
	}
	if c.UploadSettle <= 0 {
		c.UploadSettle = DefaultUploadSettle
	}
	if c.UploadWait <= 0 {
		c.UploadWait = DefaultUploadWait
	}
	if c.UploadForceWait <= 0 {
		c.UploadForceWait = DefaultUploadForceWait
	}
	switch {
	case c.UploadDiscard == 0:
		c.UploadDiscard = DefaultUploadDiscard
	case c.UploadDiscard < 0:
		c.UploadDiscard = 0
	}
}

// Session is one worker's connection state. It is used by a single
// goroutine, apart from the upload watcher it starts itself.
type Session struct {
	cfg    Config
	dialer Dialer
	logger util.Logger

	conn      *transport.Conn
	chunkSize int
	buf       []byte

	// Byte totals of connections already closed.
	closedDown int64
	closedUp   int64
	reconnects int

	progress *Progress
}

func New(cfg Config, dialer Dialer, progress *Progress, logger util.Logger) *Session {
	cfg.setDefaults()
	if logger == nil {
		logger = util.DiscardLogger()
	}
	return &Session{
		cfg:      cfg,
		dialer:   dialer,
		logger:   logger,
		progress: progress,
	}
}

// Connect dials the server and performs the handshake.
func (s *Session) Connect(ctx context.Context) error {
	if s.conn != nil {
		return fmt.Errorf("session already connected")
	}
	conn, err := s.dialer.Dial(ctx, s.cfg.Host, s.cfg.Port)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}
	s.conn = conn
	info := conn.Info()
	s.logger.Debug("connected", "local", info.LocalAddr, "remote", info.RemoteAddr, "encryption", info.Encryption)

	stop := conn.Watch(ctx)
	defer stop()
	if err := s.handshake(ctx); err != nil {
		return err
	}
	s.logger.Debug("handshake complete", "chunk_size", s.chunkSize)
	return nil
}

func (s *Session) handshake(ctx context.Context) error {
	line, err := s.conn.ReadLine()
	if err != nil {
		return ioError(ctx, "read greeting", err)
	}
	if line != s.cfg.Greeting {
		return protocolError("got greeting %q, expected %q", line, s.cfg.Greeting)
	}
	if err := s.expectAccept(ctx); err != nil {
		return err
	}
	if err := s.conn.WriteLine(protocol.TokenLine(s.cfg.Token)); err != nil {
		return ioError(ctx, "send token", err)
	}
	if err := s.expectLine(ctx, protocol.ReplyOK); err != nil {
		return err
	}
	line, err = s.conn.ReadLine()
	if err != nil {
		return ioError(ctx, "read chunk size", err)
	}
	n, err := protocol.ParseChunkSize(line)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	s.chunkSize = n
	if len(s.buf) != n {
		s.buf = make([]byte, n)
	}
	return nil
}

// Reconnect closes the current connection and repeats the handshake on a
// new one. Byte totals carry over.
func (s *Session) Reconnect(ctx context.Context) error {
	s.closeConn()
	s.reconnects++
	s.logger.Debug("reconnecting")
	return s.Connect(ctx)
}

func (s *Session) Close() error {
	return s.closeConn()
}

func (s *Session) closeConn() error {
	if s.conn == nil {
		return nil
	}
	s.closedDown += s.conn.Received()
	s.closedUp += s.conn.Sent()
	err := s.conn.Close()
	s.conn = nil
	return err
}

// Totals returns bytes received and sent over every connection the session
// has opened.
func (s *Session) Totals() (down, up int64) {
	down, up = s.closedDown, s.closedUp
	if s.conn != nil {
		down += s.conn.Received()
		up += s.conn.Sent()
	}
	return down, up
}

func (s *Session) Reconnects() int {
	return s.reconnects
}

func (s *Session) ChunkSize() int {
	return s.chunkSize
}

// Info describes the current connection.
func (s *Session) Info() transport.Info {
	if s.conn == nil {
		return transport.Info{}
	}
	return s.conn.Info()
}

// TCPInfo reads kernel TCP statistics of the current connection.
func (s *Session) TCPInfo() (transport.TCPInfo, error) {
	if s.conn == nil {
		return transport.TCPInfo{}, transport.ErrTCPInfoUnsupported
	}
	return transport.ReadTCPInfo(s.conn)
}

func (s *Session) expectAccept(ctx context.Context) error {
	line, err := s.conn.ReadLine()
	if err != nil {
		return ioError(ctx, "read accept", err)
	}
	if !protocol.IsAccept(line) {
		return protocolError("got %q, expected ACCEPT", line)
	}
	return nil
}

func (s *Session) expectLine(ctx context.Context, want string) error {
	line, err := s.conn.ReadLine()
	if err != nil {
		return ioError(ctx, "read "+want, err)
	}
	if line != want {
		return protocolError("got %q, expected %s", line, want)
	}
	return nil
}

// readTime reads a "TIME <nanos>" line.
func (s *Session) readTime(ctx context.Context) (int64, error) {
	line, err := s.conn.ReadLine()
	if err != nil {
		return 0, ioError(ctx, "read time", err)
	}
	nanos, err := protocol.FindTime(line)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return nanos, nil
}

func (s *Session) connected() error {
	if s.conn == nil {
		return fmt.Errorf("%w: not connected", ErrConnectionLost)
	}
	return nil
}
