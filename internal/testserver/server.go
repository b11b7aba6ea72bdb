// Package testserver is a small RMBT measurement server for loopback tests
// and local development. Its knobs reproduce slow links and misbehaving
// servers.
package testserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/conduitio/bwlimit"

	"github.com/NodePath81/rmbt/internal/protocol"
	"github.com/NodePath81/rmbt/internal/util"
)

const (
	defaultChunkSize   = 4096
	defaultAckInterval = 50 * time.Millisecond
	readBufferSize     = 64 * 1024

	acceptToken    = "ACCEPT TOKEN QUIT"
	acceptCommands = "ACCEPT GETCHUNKS GETTIME PUT PUTNORESULT PING QUIT"

	// BareAckNanos is the server time sent when BareTimeAck is set.
	BareAckNanos = 500000000
)

type Config struct {
	// Greeting defaults to protocol.DefaultGreeting.
	Greeting string
	// Token, when set, must match the client's TOKEN line.
	Token     string
	ChunkSize int
	// ChunkRate limits download chunks per second. Zero is unlimited.
	ChunkRate float64
	// UploadLimit caps how fast the server reads from each client in bytes
	// per second. Zero is unlimited.
	UploadLimit int64
	// NeverTerminate makes GETTIME stream without ever sending the final
	// chunk.
	NeverTerminate bool
	// SuppressUploadAcks makes PUT read data without sending any line.
	SuppressUploadAcks bool
	// BareTimeAck makes PUT answer with one bare TIME line and nothing else.
	BareTimeAck bool
	AckInterval time.Duration
	Logger      util.Logger
}

// Stats counts what clients asked for.
type Stats struct {
	Handshakes int64
	Pings      int64
	Downloads  int64
	Uploads    int64
}

type Server struct {
	cfg Config
	ln  net.Listener

	handshakes atomic.Int64
	pings      atomic.Int64
	downloads  atomic.Int64
	uploads    atomic.Int64

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func New(cfg Config) *Server {
	if cfg.Greeting == "" {
		cfg.Greeting = protocol.DefaultGreeting
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.AckInterval <= 0 {
		cfg.AckInterval = defaultAckInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = util.DiscardLogger()
	}
	return &Server{cfg: cfg, conns: make(map[net.Conn]struct{})}
}

// Start listens on a loopback port and serves in the background.
func Start(cfg Config) (*Server, error) {
	s := New(cfg)
	if err := s.Listen("127.0.0.1:0"); err != nil {
		return nil, err
	}
	go func() {
		_ = s.Serve(context.Background())
	}()
	return s, nil
}

func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	if s.cfg.UploadLimit > 0 {
		ln = bwlimit.NewListener(ln, 0, bwlimit.Byte(s.cfg.UploadLimit))
	}
	s.ln = ln
	return nil
}

// Addr returns the listening host and port.
func (s *Server) Addr() (string, int) {
	addr := s.ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

// Serve accepts connections until ctx is done or the server is closed.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		return errors.New("server not listening")
	}
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	s.cfg.Logger.Info("rmbt test server listening", "addr", s.ln.Addr().String(), "chunk_size", s.cfg.ChunkSize)
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		if !s.track(conn) {
			_ = conn.Close()
			return nil
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			if err := s.handle(conn); err != nil && !errors.Is(err, io.EOF) {
				s.cfg.Logger.Debug("connection ended", "remote", conn.RemoteAddr().String(), "error", err)
			}
		}()
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

// Close stops accepting, closes open connections and waits for handlers.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *Server) Stats() Stats {
	return Stats{
		Handshakes: s.handshakes.Load(),
		Pings:      s.pings.Load(),
		Downloads:  s.downloads.Load(),
		Uploads:    s.uploads.Load(),
	}
}

type peer struct {
	conn  net.Conn
	r     *bufio.Reader
	w     *bufio.Writer
	chunk []byte
}

func (p *peer) writeLine(line string) error {
	if _, err := p.w.WriteString(line + "\n"); err != nil {
		return err
	}
	return p.w.Flush()
}

func (p *peer) readLine() (string, error) {
	line, err := p.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (s *Server) handle(conn net.Conn) error {
	p := &peer{
		conn:  conn,
		r:     bufio.NewReaderSize(conn, readBufferSize),
		w:     bufio.NewWriter(conn),
		chunk: make([]byte, s.cfg.ChunkSize),
	}
	if err := p.writeLine(s.cfg.Greeting); err != nil {
		return err
	}
	if err := p.writeLine(acceptToken); err != nil {
		return err
	}
	line, err := p.readLine()
	if err != nil {
		return err
	}
	token, ok := strings.CutPrefix(line, "TOKEN ")
	if !ok || (s.cfg.Token != "" && token != s.cfg.Token) {
		_ = p.writeLine("ERR")
		return fmt.Errorf("rejected token line %q", line)
	}
	if err := p.writeLine(protocol.ReplyOK); err != nil {
		return err
	}
	s.handshakes.Add(1)
	if err := p.writeLine(protocol.ChunkSizeHeader + " " + strconv.Itoa(s.cfg.ChunkSize)); err != nil {
		return err
	}

	for {
		if err := p.writeLine(acceptCommands); err != nil {
			return err
		}
		line, err := p.readLine()
		if err != nil {
			return err
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			return fmt.Errorf("empty command")
		}
		switch fields[0] {
		case "GETCHUNKS":
			n, err := intArg(fields)
			if err != nil {
				return err
			}
			if err := s.getChunks(p, n); err != nil {
				return err
			}
		case "GETTIME":
			s.downloads.Add(1)
			n, err := intArg(fields)
			if err != nil {
				return err
			}
			if err := s.getTime(p, time.Duration(n)*time.Second); err != nil {
				return err
			}
		case protocol.CmdPutNoResult:
			if err := s.put(p, false); err != nil {
				return err
			}
		case protocol.CmdPut:
			s.uploads.Add(1)
			if err := s.put(p, true); err != nil {
				return err
			}
		case protocol.CmdPing:
			s.pings.Add(1)
			if err := s.ping(p); err != nil {
				return err
			}
		case protocol.CmdQuit:
			return nil
		default:
			_ = p.writeLine("ERR")
			return fmt.Errorf("unknown command %q", line)
		}
	}
}

func intArg(fields []string) (int, error) {
	if len(fields) != 2 {
		return 0, fmt.Errorf("%s expects one argument", fields[0])
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%s: invalid argument %q", fields[0], fields[1])
	}
	return n, nil
}

func (s *Server) writeChunk(p *peer, lim *limiter, marker byte) error {
	lim.wait()
	p.chunk[len(p.chunk)-1] = marker
	if _, err := p.w.Write(p.chunk); err != nil {
		return err
	}
	if lim != nil {
		return p.w.Flush()
	}
	return nil
}

func (s *Server) finishBurst(p *peer, start time.Time) error {
	if err := p.w.Flush(); err != nil {
		return err
	}
	line, err := p.readLine()
	if err != nil {
		return err
	}
	if line != protocol.ReplyOK {
		return fmt.Errorf("expected OK, got %q", line)
	}
	return p.writeLine(timeLine(time.Since(start)))
}

func (s *Server) getChunks(p *peer, n int) error {
	start := time.Now()
	lim := newLimiter(s.cfg.ChunkRate)
	for i := 0; i < n; i++ {
		marker := protocol.MarkerContinue
		if i == n-1 {
			marker = protocol.MarkerTerminate
		}
		if err := s.writeChunk(p, lim, marker); err != nil {
			return err
		}
	}
	return s.finishBurst(p, start)
}

func (s *Server) getTime(p *peer, d time.Duration) error {
	start := time.Now()
	lim := newLimiter(s.cfg.ChunkRate)
	for s.cfg.NeverTerminate || time.Since(start) < d {
		if err := s.writeChunk(p, lim, protocol.MarkerContinue); err != nil {
			return err
		}
	}
	if err := s.writeChunk(p, lim, protocol.MarkerTerminate); err != nil {
		return err
	}
	return s.finishBurst(p, start)
}

// put reads one upload. PUTNORESULT answers with a TIME line at the end;
// PUT also sends periodic byte counts unless a knob silences it. A silenced
// PUT drains the connection until the client goes away.
func (s *Server) put(p *peer, timed bool) error {
	if err := p.writeLine(protocol.ReplyOK); err != nil {
		return err
	}
	silent := timed && (s.cfg.SuppressUploadAcks || s.cfg.BareTimeAck)
	if timed && !s.cfg.SuppressUploadAcks && s.cfg.BareTimeAck {
		if err := p.writeLine(timeLine(BareAckNanos)); err != nil {
			return err
		}
	}
	acks := timed && !silent

	start := time.Now()
	lastAck := start
	scanner := protocol.NewMarkerScanner(s.cfg.ChunkSize)
	buf := make([]byte, readBufferSize)
	for {
		n, err := p.r.Read(buf)
		if n > 0 && scanner.Scan(buf[:n]) {
			break
		}
		if err != nil {
			return err
		}
		if acks && time.Since(lastAck) >= s.cfg.AckInterval {
			lastAck = time.Now()
			if err := p.writeLine(ackLine(time.Since(start), scanner.Total())); err != nil {
				return err
			}
		}
	}
	if silent {
		if _, err := io.Copy(io.Discard, p.r); err != nil {
			return err
		}
		return io.EOF
	}
	if acks {
		if err := p.writeLine(ackLine(time.Since(start), scanner.Total())); err != nil {
			return err
		}
	}
	return p.writeLine(timeLine(time.Since(start)))
}

func (s *Server) ping(p *peer) error {
	start := time.Now()
	if err := p.writeLine(protocol.ReplyPong); err != nil {
		return err
	}
	line, err := p.readLine()
	if err != nil {
		return err
	}
	if line != protocol.ReplyOK {
		return fmt.Errorf("expected OK, got %q", line)
	}
	return p.writeLine(timeLine(time.Since(start)))
}

func timeLine(d time.Duration) string {
	return "TIME " + strconv.FormatInt(d.Nanoseconds(), 10)
}

func ackLine(d time.Duration, bytes int64) string {
	return timeLine(d) + " BYTES " + strconv.FormatInt(bytes, 10)
}
