package session

import "sync/atomic"

// Progress is the live byte count and elapsed time of a worker's active
// phase. The two fields are updated independently; readers may observe a
// bytes value from one update and a time value from the next.
type Progress struct {
	bytes atomic.Int64
	nanos atomic.Int64
}

func (p *Progress) Set(bytes, nanos int64) {
	if p == nil {
		return
	}
	p.bytes.Store(bytes)
	p.nanos.Store(nanos)
}

func (p *Progress) Reset() {
	p.Set(0, 0)
}

func (p *Progress) Load() (bytes, nanos int64) {
	if p == nil {
		return 0, 0
	}
	return p.bytes.Load(), p.nanos.Load()
}
