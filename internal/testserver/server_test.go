package testserver

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func dialRaw(t *testing.T, s *Server) (net.Conn, *bufio.Reader) {
	t.Helper()
	host, port := s.Addr()
	conn, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, bufio.NewReader(conn)
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimRight(line, "\n")
}

func TestHandshakeAndPing(t *testing.T) {
	s, err := Start(Config{Token: "secret", ChunkSize: 1024})
	require.NoError(t, err)
	defer s.Close()

	conn, r := dialRaw(t, s)
	require.Equal(t, "RMBTv0.3", readLine(t, r))
	require.True(t, strings.HasPrefix(readLine(t, r), "ACCEPT "))
	_, err = conn.Write([]byte("TOKEN secret\n"))
	require.NoError(t, err)
	require.Equal(t, "OK", readLine(t, r))
	require.Equal(t, "CHUNKSIZE 1024", readLine(t, r))

	require.True(t, strings.HasPrefix(readLine(t, r), "ACCEPT "))
	_, err = conn.Write([]byte("PING\n"))
	require.NoError(t, err)
	require.Equal(t, "PONG", readLine(t, r))
	_, err = conn.Write([]byte("OK\n"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(readLine(t, r), "TIME "))

	require.Equal(t, int64(1), s.Stats().Handshakes)
	require.Equal(t, int64(1), s.Stats().Pings)
}

func TestRejectsWrongToken(t *testing.T) {
	s, err := Start(Config{Token: "secret"})
	require.NoError(t, err)
	defer s.Close()

	conn, r := dialRaw(t, s)
	readLine(t, r)
	readLine(t, r)
	_, err = conn.Write([]byte("TOKEN nope\n"))
	require.NoError(t, err)
	require.Equal(t, "ERR", readLine(t, r))
	require.Equal(t, int64(0), s.Stats().Handshakes)
}

func TestLimiterPacesChunks(t *testing.T) {
	lim := newLimiter(100)
	start := time.Now()
	for i := 0; i < 10; i++ {
		lim.wait()
	}
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, 95*time.Millisecond)

	var none *limiter
	none.wait()
	require.Nil(t, newLimiter(0))
}

func TestUploadLimitedListenerServes(t *testing.T) {
	s, err := Start(Config{UploadLimit: 64 * 1024})
	require.NoError(t, err)
	defer s.Close()

	host, port := s.Addr()
	require.Equal(t, "127.0.0.1", host)
	require.Positive(t, port)

	conn, r := dialRaw(t, s)
	require.Equal(t, "RMBTv0.3", readLine(t, r))
	readLine(t, r)
	_, err = conn.Write([]byte("TOKEN any\n"))
	require.NoError(t, err)
	require.Equal(t, "OK", readLine(t, r))
	require.Equal(t, "CHUNKSIZE 4096", readLine(t, r))
}
