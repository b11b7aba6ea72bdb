package session

import (
	"context"
	"time"

	"github.com/NodePath81/rmbt/internal/protocol"
	"github.com/NodePath81/rmbt/internal/results"
)

// Ping runs one PING exchange. A reply of the wrong shape yields an invalid
// sample rather than an error; only transport failures are errors.
func (s *Session) Ping(ctx context.Context) (results.Ping, error) {
	if err := s.connected(); err != nil {
		return results.Ping{}, err
	}
	stop := s.conn.Watch(ctx)
	defer stop()

	line, err := s.conn.ReadLine()
	if err != nil {
		return results.Ping{}, ioError(ctx, "read accept", err)
	}
	if !protocol.IsAccept(line) {
		s.logger.Debug("ping got unexpected line", "line", line)
		return results.Ping{}, nil
	}

	start := time.Now()
	if err := s.conn.WriteLine(protocol.CmdPing); err != nil {
		return results.Ping{}, ioError(ctx, "send PING", err)
	}
	line, err = s.conn.ReadLine()
	if err != nil {
		return results.Ping{}, ioError(ctx, "read PONG", err)
	}
	client := time.Since(start)
	if err := s.conn.WriteLine(protocol.ReplyOK); err != nil {
		return results.Ping{}, ioError(ctx, "send OK", err)
	}
	if line != protocol.ReplyPong {
		s.logger.Debug("ping got unexpected reply", "line", line)
		return results.Ping{}, nil
	}

	line, err = s.conn.ReadLine()
	if err != nil {
		return results.Ping{}, ioError(ctx, "read time", err)
	}
	server, err := protocol.FindTime(line)
	if err != nil {
		s.logger.Debug("ping got malformed time", "line", line)
		return results.Ping{}, nil
	}
	s.logger.Debug("ping", "client", client, "server", time.Duration(server))
	return results.Ping{Client: client, Server: time.Duration(server), Valid: true}, nil
}
