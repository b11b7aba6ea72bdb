// Package netinfo reports which local route reaches the measurement server.
package netinfo

import (
	"errors"

	"github.com/NodePath81/rmbt/internal/results"
)

var ErrUnsupported = errors.New("route lookup not supported on this platform")

// Route is the kernel's chosen path toward one destination.
type Route struct {
	Interface string
	SourceIP  string
	Gateway   string
}

// Annotate fills the route fields of path from its ServerIP.
func Annotate(path *results.PathInfo) error {
	if path == nil || path.ServerIP == "" {
		return nil
	}
	route, err := Lookup(path.ServerIP)
	if err != nil {
		return err
	}
	path.Interface = route.Interface
	path.SourceIP = route.SourceIP
	path.Gateway = route.Gateway
	return nil
}
