// Package status serves live run status over a websocket and Prometheus
// metrics over HTTP.
package status

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NodePath81/rmbt/internal/config"
	"github.com/NodePath81/rmbt/internal/util"
)

const (
	wsTokenPrefix     = "rmbt-token."
	wsPrimaryProtocol = "rmbt"
	wsWriteWait       = 10 * time.Second
	wsPongWait        = 60 * time.Second
	wsPingInterval    = 30 * time.Second
)

// Server exposes /status and, when enabled, /metrics.
type Server struct {
	cfg     config.StatusConfig
	hub     *Hub
	metrics *Metrics
	logger  util.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewServer builds a server. metrics may be nil.
func NewServer(cfg config.StatusConfig, hub *Hub, metrics *Metrics, logger util.Logger) *Server {
	if logger == nil {
		logger = util.DiscardLogger()
	}
	return &Server{cfg: cfg, hub: hub, metrics: metrics, logger: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.metrics != nil && s.cfg.Metrics.IsEnabled() {
		mux.HandleFunc("/metrics", s.handleMetrics)
	}
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	addr := util.NetJoin(s.cfg.BindAddr, s.cfg.BindPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.server = srv
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server error", "error", err)
		}
	}()
	s.logger.Info("status server started", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address once Start succeeded.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.checkAuth(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.metrics.Handler().ServeHTTP(w, r)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.checkStatusAuth(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	upgrader := websocket.Upgrader{
		CheckOrigin:  sameOrigin,
		Subprotocols: []string{wsPrimaryProtocol},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	c := &client{send: make(chan []byte, 32)}
	s.hub.register(c)

	var cleanupOnce sync.Once
	done := make(chan struct{})
	cleanup := func() {
		cleanupOnce.Do(func() {
			close(done)
			_ = conn.Close()
			s.hub.unregister(c)
		})
	}

	// Reads only drive pong handling and notice a closed peer.
	go func() {
		defer cleanup()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer cleanup()
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			case data, ok := <-c.send:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(wsWriteWait))
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}
		}
	}()
}

// authorized reports whether r carries the configured token. An empty
// token leaves the endpoints open. /status also accepts the token as a
// websocket subprotocol since browsers cannot set headers on upgrades.
func (s *Server) authorized(r *http.Request, viaProtocol bool) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	got, ok := requestToken(r, viaProtocol)
	return ok && tokensMatch(got, s.cfg.AuthToken)
}

func (s *Server) checkAuth(r *http.Request) bool {
	return s.authorized(r, false)
}

func (s *Server) checkStatusAuth(r *http.Request) bool {
	return s.authorized(r, true)
}

// TokenProtocol encodes token as a websocket subprotocol accepted by /status.
func TokenProtocol(token string) string {
	return wsTokenPrefix + base64.RawURLEncoding.EncodeToString([]byte(token))
}

// requestToken looks in the Authorization header first, then in the
// offered subprotocols when viaProtocol is set.
func requestToken(r *http.Request, viaProtocol bool) (string, bool) {
	if rest, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); found {
		if tok := strings.TrimSpace(rest); tok != "" {
			return tok, true
		}
	}
	if !viaProtocol {
		return "", false
	}
	for _, proto := range websocket.Subprotocols(r) {
		encoded, found := strings.CutPrefix(proto, wsTokenPrefix)
		if !found || encoded == "" {
			continue
		}
		if raw, err := base64.RawURLEncoding.DecodeString(encoded); err == nil && len(raw) > 0 {
			return string(raw), true
		}
	}
	return "", false
}

// tokensMatch compares fixed-size digests so timing leaks neither the
// content nor the length of the configured token.
func tokensMatch(got, want string) bool {
	a := sha256.Sum256([]byte(got))
	b := sha256.Sum256([]byte(want))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// sameOrigin admits non-browser clients and pages served from the host
// being upgraded.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}
