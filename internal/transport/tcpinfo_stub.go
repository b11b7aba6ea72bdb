//go:build !linux

package transport

func ReadTCPInfo(c *Conn) (TCPInfo, error) {
	return TCPInfo{}, ErrTCPInfoUnsupported
}
