package app

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NodePath81/rmbt/internal/config"
	"github.com/NodePath81/rmbt/internal/testserver"
	"github.com/NodePath81/rmbt/internal/transport"
	"github.com/NodePath81/rmbt/internal/util"
)

func testConfig(t *testing.T, srv *testserver.Server) config.Config {
	t.Helper()
	cfg := config.Default()
	host, port := srv.Addr()
	cfg.Server.Host = host
	cfg.Server.Port = port
	cfg.Test.Workers = 1
	cfg.Test.Duration = 1
	cfg.Test.PretestDuration = config.Duration(500 * time.Millisecond)
	cfg.Test.Upload.Wait = config.Duration(500 * time.Millisecond)
	cfg.Archive.Path = filepath.Join(t.TempDir(), "rmbt.db")
	return cfg
}

func startServer(t *testing.T) *testserver.Server {
	t.Helper()
	srv, err := testserver.Start(testserver.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func TestRunArchivesResult(t *testing.T) {
	srv := startServer(t)
	cfg := testConfig(t, srv)

	rt, err := NewRuntime(cfg, nil)
	require.NoError(t, err)
	defer rt.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := rt.Run(ctx)
	require.NoError(t, err)
	require.Greater(t, res.Down.Bps, 0.0)
	require.NotNil(t, res.Path)
	require.Equal(t, "127.0.0.1", res.Path.ServerIP)

	recent, err := rt.Archive().Recent(ctx, 5)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, res.TestID, recent[0].TestID)
}

func TestRunWithStatusServer(t *testing.T) {
	srv := startServer(t)
	cfg := testConfig(t, srv)
	enabled := true
	disabled := false
	cfg.Status.Enabled = &enabled
	cfg.Status.BindPort = 0
	cfg.Archive.Enabled = &disabled

	rt, err := NewRuntime(cfg, nil)
	require.NoError(t, err)
	defer rt.Close()
	require.Nil(t, rt.Archive())

	res, err := rt.Run(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, res.Threads)
}

func TestRunRequiresHost(t *testing.T) {
	cfg := config.Default()
	disabled := false
	cfg.Archive.Enabled = &disabled
	rt, err := NewRuntime(cfg, nil)
	require.NoError(t, err)
	defer rt.Close()
	_, err = rt.Run(context.Background())
	require.Error(t, err)
}

func TestServeStopsOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Serve.BindAddr = "127.0.0.1"
	cfg.Serve.BindPort = 0
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, cfg, util.DiscardLogger()) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

type refusingDialer struct{}

func (refusingDialer) Dial(context.Context, string, int) (*transport.Conn, error) {
	return nil, errors.New("connection refused")
}

func TestRunFailureReturnsPartialResult(t *testing.T) {
	srv := startServer(t)
	cfg := testConfig(t, srv)
	cfg.Test.Workers = 2

	rt, err := NewRuntime(cfg, nil)
	require.NoError(t, err)
	defer rt.Close()
	rt.dialer = refusingDialer{}

	res, err := rt.Run(context.Background())
	require.Error(t, err)
	require.NotEmpty(t, res.TestID)
	require.Equal(t, 2, res.Workers)
	require.Len(t, res.Threads, 2)
	for i, thread := range res.Threads {
		require.Equal(t, i, thread.WorkerID)
		require.NotEmpty(t, thread.ConnectionID)
		require.Zero(t, thread.TotalDown)
	}

	recent, err := rt.Archive().Recent(context.Background(), 5)
	require.NoError(t, err)
	require.Empty(t, recent)
}
