package protocol

// MarkerScanner follows chunk boundaries across arbitrary read sizes and
// reports the continuation marker of every chunk that completes.
type MarkerScanner struct {
	chunkSize int
	total     int64
	last      byte
}

func NewMarkerScanner(chunkSize int) *MarkerScanner {
	return &MarkerScanner{chunkSize: chunkSize}
}

// Scan consumes p, the next bytes of the stream. It returns true once a
// completed chunk carries MarkerTerminate; bytes after that chunk are not
// inspected.
func (m *MarkerScanner) Scan(p []byte) bool {
	if m.chunkSize <= 0 || len(p) == 0 {
		return false
	}
	pos := m.chunkSize - 1 - int(m.total%int64(m.chunkSize))
	m.total += int64(len(p))
	for ; pos < len(p); pos += m.chunkSize {
		m.last = p[pos]
		if m.last == MarkerTerminate {
			return true
		}
	}
	return false
}

// Total is the number of bytes scanned so far.
func (m *MarkerScanner) Total() int64 {
	return m.total
}

// Last is the marker of the most recently completed chunk.
func (m *MarkerScanner) Last() byte {
	return m.last
}

// Terminated reports whether the most recent completed chunk was final.
func (m *MarkerScanner) Terminated() bool {
	return m.last == MarkerTerminate
}
