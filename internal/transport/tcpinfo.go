package transport

import (
	"errors"
	"time"
)

// ErrTCPInfoUnsupported is returned where TCP_INFO cannot be read.
var ErrTCPInfoUnsupported = errors.New("tcp info unsupported")

// TCPInfo is a subset of the kernel's TCP_INFO for one connection.
type TCPInfo struct {
	RTT          time.Duration
	RTTVar       time.Duration
	Retransmits  uint64
	SegmentsSent uint64
}
