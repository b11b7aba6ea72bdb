package transport

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func pipe(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return NewConn(client, Info{ServerPort: 5231}), server
}

func TestReadLineThenRawKeepsBufferedBytes(t *testing.T) {
	conn, server := pipe(t)
	go func() {
		_, _ = server.Write([]byte("RMBTv0.3\r\nACCEPT TOKEN QUIT\n\x01\x02\x03\xff"))
	}()

	line, err := conn.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "RMBTv0.3", line)
	line, err = conn.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "ACCEPT TOKEN QUIT", line)

	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x02, 0x03, 0xff}, buf)
	require.Equal(t, int64(len("RMBTv0.3\r\nACCEPT TOKEN QUIT\n")+4), conn.Received())
}

func TestWriteCountsAfterFlush(t *testing.T) {
	conn, server := pipe(t)
	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 10)
		_, _ = io.ReadFull(server, buf)
		got <- buf
	}()

	require.NoError(t, conn.WriteChunk([]byte{0, 0, 0, 0, 0xff}))
	require.Equal(t, int64(0), conn.Sent())
	require.NoError(t, conn.WriteLine("PING"))
	require.NoError(t, conn.WriteChunk([]byte{})) // no-op
	require.Equal(t, []byte{0, 0, 0, 0, 0xff, 'P', 'I', 'N', 'G', '\n'}, <-got)
	require.Equal(t, int64(10), conn.Sent())
}

func TestReadLineEOF(t *testing.T) {
	conn, server := pipe(t)
	go func() {
		_, _ = server.Write([]byte("partial"))
		_ = server.Close()
	}()
	_, err := conn.ReadLine()
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestWatchInterruptsRead(t *testing.T) {
	conn, _ := pipe(t)
	ctx, cancel := context.WithCancel(context.Background())
	stop := conn.Watch(ctx)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.ReadLine()
		errCh <- err
	}()
	cancel()

	select {
	case err := <-errCh:
		require.True(t, IsTimeout(err), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("read was not interrupted")
	}
}

func TestDialPlainLoopback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		_, _ = c.Write([]byte("hello\n"))
		_ = c.Close()
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	d := &Dialer{Timeout: time.Second}
	conn, err := d.Dial(context.Background(), "127.0.0.1", port)
	require.NoError(t, err)
	defer conn.Close()

	require.Equal(t, "NONE", conn.Info().Encryption)
	require.Equal(t, port, conn.Info().ServerPort)
	line, err := conn.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "hello", line)

	info, err := ReadTCPInfo(conn)
	if err == ErrTCPInfoUnsupported {
		t.Skip("tcp info unsupported on this platform")
	}
	require.NoError(t, err)
	require.GreaterOrEqual(t, info.RTT, time.Duration(0))
}
