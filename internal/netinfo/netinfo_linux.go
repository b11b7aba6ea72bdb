//go:build linux

package netinfo

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// Lookup asks the kernel for the route to dst.
func Lookup(dst string) (Route, error) {
	ip := net.ParseIP(dst)
	if ip == nil {
		return Route{}, fmt.Errorf("invalid address %q", dst)
	}
	routes, err := netlink.RouteGet(ip)
	if err != nil {
		return Route{}, fmt.Errorf("route get %s: %w", dst, err)
	}
	if len(routes) == 0 {
		return Route{}, fmt.Errorf("no route to %s", dst)
	}
	r := routes[0]
	var out Route
	if r.Src != nil {
		out.SourceIP = r.Src.String()
	}
	if r.Gw != nil {
		out.Gateway = r.Gw.String()
	}
	if r.LinkIndex > 0 {
		link, err := netlink.LinkByIndex(r.LinkIndex)
		if err != nil {
			return out, fmt.Errorf("link %d: %w", r.LinkIndex, err)
		}
		out.Interface = link.Attrs().Name
	}
	return out, nil
}
