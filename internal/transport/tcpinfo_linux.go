//go:build linux

package transport

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// ReadTCPInfo reads TCP_INFO from the socket under c.
func ReadTCPInfo(c *Conn) (TCPInfo, error) {
	tcpConn, ok := c.NetConn().(*net.TCPConn)
	if !ok {
		return TCPInfo{}, ErrTCPInfoUnsupported
	}
	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		return TCPInfo{}, fmt.Errorf("syscall conn: %w", err)
	}

	var info *unix.TCPInfo
	var sockErr error
	if err := rawConn.Control(func(fd uintptr) {
		info, sockErr = unix.GetsockoptTCPInfo(int(fd), unix.IPPROTO_TCP, unix.TCP_INFO)
	}); err != nil {
		return TCPInfo{}, fmt.Errorf("control syscall: %w", err)
	}
	if sockErr != nil {
		return TCPInfo{}, fmt.Errorf("getsockopt TCP_INFO: %w", sockErr)
	}
	if info == nil {
		return TCPInfo{}, fmt.Errorf("getsockopt TCP_INFO: nil info")
	}

	segments := uint64(info.Data_segs_out)
	if segments == 0 {
		segments = uint64(info.Segs_out)
	}
	return TCPInfo{
		RTT:          time.Duration(info.Rtt) * time.Microsecond,
		RTTVar:       time.Duration(info.Rttvar) * time.Microsecond,
		Retransmits:  uint64(info.Total_retrans),
		SegmentsSent: segments,
	}, nil
}
