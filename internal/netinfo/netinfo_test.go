package netinfo

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/NodePath81/rmbt/internal/results"
)

func TestLookupLoopback(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("route lookup is linux only")
	}
	route, err := Lookup("127.0.0.1")
	if err != nil {
		t.Skipf("netlink unavailable: %v", err)
	}
	require.Equal(t, "lo", route.Interface)
	require.Empty(t, route.Gateway)
}

func TestLookupInvalidAddress(t *testing.T) {
	_, err := Lookup("not-an-ip")
	require.Error(t, err)
}

func TestAnnotateWithoutServerIP(t *testing.T) {
	path := &results.PathInfo{}
	require.NoError(t, Annotate(path))
	require.Empty(t, path.Interface)
	require.NoError(t, Annotate(nil))
}
