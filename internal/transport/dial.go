package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/NodePath81/rmbt/internal/util"
)

const defaultDialTimeout = 10 * time.Second

// Dialer opens measurement connections. A nil TLSConfig dials plain TCP.
type Dialer struct {
	Timeout   time.Duration
	TLSConfig *tls.Config
}

func (d *Dialer) Dial(ctx context.Context, host string, port int) (*Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	addr := util.NetJoin(host, port)
	nd := &net.Dialer{Timeout: timeout}

	if d.TLSConfig == nil {
		raw, err := nd.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return NewConn(raw, Info{ServerPort: port}), nil
	}

	cfg := d.TLSConfig.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	td := &tls.Dialer{NetDialer: nd, Config: cfg}
	raw, err := td.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tls dial %s: %w", addr, err)
	}
	state := raw.(*tls.Conn).ConnectionState()
	return NewConn(raw, Info{ServerPort: port, Encryption: Encryption(state)}), nil
}

// Encryption formats a TLS connection state as "<version> (<cipher suite>)".
func Encryption(state tls.ConnectionState) string {
	return fmt.Sprintf("%s (%s)", tls.VersionName(state.Version), tls.CipherSuiteName(state.CipherSuite))
}
