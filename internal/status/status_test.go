package status

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/NodePath81/rmbt/internal/config"
	"github.com/NodePath81/rmbt/internal/engine"
	"github.com/NodePath81/rmbt/internal/results"
)

func newTestServer(t *testing.T, token string) (*httptest.Server, *Hub, *Metrics) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := NewHub(ctx.Done())
	metrics := NewMetrics()
	srv := NewServer(config.StatusConfig{AuthToken: token}, hub, metrics, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, hub, metrics
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/status"
}

func readMessage(t *testing.T, conn *websocket.Conn) message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestStatusStreamsEvents(t *testing.T) {
	ts, hub, _ := newTestServer(t, "")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.PhaseChanged(engine.PhaseDown)
	msg := readMessage(t, conn)
	require.Equal(t, "phase", msg.Type)
	require.Equal(t, "DOWN", msg.Phase)
	require.Equal(t, 1, msg.SchemaVersion)

	hub.Diagnostic(2, "reconnecting")
	msg = readMessage(t, conn)
	require.Equal(t, "diagnostic", msg.Type)
	require.NotNil(t, msg.Worker)
	require.Equal(t, 2, *msg.Worker)
	require.Equal(t, "reconnecting", msg.Message)

	hub.Progress(engine.Status{Phase: engine.PhaseUp, Bps: 1e6, Workers: []engine.WorkerProgress{{Bytes: 10}}})
	msg = readMessage(t, conn)
	require.Equal(t, "progress", msg.Type)
	require.Equal(t, "UP", msg.Phase)
	require.NotNil(t, msg.Status)
	require.Equal(t, 1e6, msg.Status.Bps)
	require.Len(t, msg.Status.Workers, 1)

	hub.Aborted(errors.New("worker 1: connection lost"))
	msg = readMessage(t, conn)
	require.Equal(t, "aborted", msg.Type)
	require.Equal(t, "worker 1: connection lost", msg.Error)
}

func TestStatusUnregistersOnClose(t *testing.T) {
	ts, hub, _ := newTestServer(t, "")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStatusAuth(t *testing.T) {
	ts, _, _ := newTestServer(t, "secret")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	header := http.Header{}
	header.Set("Authorization", "Bearer secret")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
	require.NoError(t, err)
	conn.Close()

	dialer := websocket.Dialer{Subprotocols: []string{wsPrimaryProtocol, TokenProtocol("secret")}}
	conn, resp, err = dialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	require.Equal(t, wsPrimaryProtocol, resp.Header.Get("Sec-Websocket-Protocol"))
	conn.Close()

	dialer = websocket.Dialer{Subprotocols: []string{wsPrimaryProtocol, TokenProtocol("wrong")}}
	_, _, err = dialer.Dial(wsURL(ts), nil)
	require.Error(t, err)
}

func TestStreamProgressStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(ctx.Done())
	calls := make(chan struct{}, 16)
	runCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.StreamProgress(runCtx, 10*time.Millisecond, func() engine.Status {
			select {
			case calls <- struct{}{}:
			default:
			}
			return engine.Status{}
		})
		close(done)
	}()
	<-calls
	stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("StreamProgress did not return")
	}
}

func scrape(t *testing.T, ts *httptest.Server, token string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/metrics", nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestMetricsExport(t *testing.T) {
	ts, _, metrics := newTestServer(t, "secret")

	code, _ := scrape(t, ts, "")
	require.Equal(t, http.StatusUnauthorized, code)

	metrics.Update(engine.Status{
		Phase:    engine.PhaseDown,
		Fallback: true,
		Bps:      8000,
		Workers:  []engine.WorkerProgress{{Bytes: 500}, {Bytes: 700}},
	})
	metrics.Diagnostic(0, "x")
	metrics.Finished(results.TestResult{
		Down:         results.Speed{Bps: 1e7},
		Up:           results.Speed{Bps: 2e6},
		ShortestPing: 15 * time.Millisecond,
	})

	code, body := scrape(t, ts, "secret")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, `rmbt_phase{phase="DOWN"} 1`)
	require.Contains(t, body, `rmbt_phase{phase="WAIT"} 0`)
	require.Contains(t, body, "rmbt_fallback 1")
	require.Contains(t, body, "rmbt_throughput_bps 8000")
	require.Contains(t, body, `rmbt_worker_bytes{worker="1"} 700`)
	require.Contains(t, body, "rmbt_diagnostics_total 1")
	require.Contains(t, body, `rmbt_runs_total{outcome="completed"} 1`)
	require.Contains(t, body, "rmbt_last_download_bps 1e+07")
	require.Contains(t, body, "rmbt_last_ping_seconds 0.015")
}

func TestMetricsPhaseSink(t *testing.T) {
	m := NewMetrics()
	m.PhaseChanged(engine.PhaseUp)
	m.Aborted(errors.New("boom"))

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			key := mf.GetName()
			for _, lp := range metric.GetLabel() {
				key += "/" + lp.GetValue()
			}
			switch {
			case metric.GetGauge() != nil:
				values[key] = metric.GetGauge().GetValue()
			case metric.GetCounter() != nil:
				values[key] = metric.GetCounter().GetValue()
			}
		}
	}
	require.Equal(t, 1.0, values["rmbt_phase/UP"])
	require.Equal(t, 0.0, values["rmbt_phase/WAIT"])
	require.Equal(t, 1.0, values["rmbt_runs_total/aborted"])
}

func TestTokensMatch(t *testing.T) {
	require.True(t, tokensMatch("abc", "abc"))
	require.False(t, tokensMatch("abc", "abd"))
	require.False(t, tokensMatch("abc", "abcd"))
	require.False(t, tokensMatch("", "abc"))
}

func TestRequestToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	_, ok := requestToken(req, true)
	require.False(t, ok)

	req.Header.Set("Authorization", "Basic abc")
	_, ok = requestToken(req, true)
	require.False(t, ok)

	req.Header.Set("Authorization", "Bearer   ")
	_, ok = requestToken(req, false)
	require.False(t, ok)

	req.Header.Set("Authorization", "Bearer  tok ")
	tok, ok := requestToken(req, false)
	require.True(t, ok)
	require.Equal(t, "tok", tok)

	req = httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Sec-Websocket-Protocol", wsPrimaryProtocol+", "+wsTokenPrefix+"!!, "+TokenProtocol("from-proto"))
	_, ok = requestToken(req, false)
	require.False(t, ok)
	tok, ok = requestToken(req, true)
	require.True(t, ok)
	require.Equal(t, "from-proto", tok)
}

func TestSameOrigin(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://status.local/status", nil)
	req.Host = "example.net:8080"
	require.True(t, sameOrigin(req))

	req.Header.Set("Origin", "http://EXAMPLE.net:8080")
	require.True(t, sameOrigin(req))

	req.Header.Set("Origin", "http://example.net:9090")
	require.False(t, sameOrigin(req))

	req.Header.Set("Origin", "null")
	require.False(t, sameOrigin(req))
}
