package geo

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/NodePath81/rmbt/internal/results"
)

func TestOpenWithoutDatabases(t *testing.T) {
	r, err := Open("", "")
	require.NoError(t, err)
	require.False(t, r.Enabled())

	info, err := r.Lookup(net.ParseIP("192.0.2.1"))
	require.NoError(t, err)
	require.Equal(t, Info{}, info)

	path := &results.PathInfo{ServerIP: "192.0.2.1"}
	require.NoError(t, r.Annotate(path))
	require.Empty(t, path.Country)
	require.NoError(t, r.Close())
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.mmdb"), "")
	require.Error(t, err)
}

func TestOpenCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.mmdb")
	require.NoError(t, os.WriteFile(path, []byte("not a maxmind database"), 0o600))
	_, err := Open("", path)
	require.Error(t, err)
}

func TestNilResolver(t *testing.T) {
	var r *Resolver
	require.False(t, r.Enabled())
	info, err := r.Lookup(net.ParseIP("192.0.2.1"))
	require.NoError(t, err)
	require.Equal(t, Info{}, info)
	require.NoError(t, r.Close())
}
