package results

import (
	"sync"
	"time"
)

const (
	DefaultRingCapacity = 20
	DefaultMinDelta     = 100 * time.Millisecond

	minRingCapacity = 2
)

// Sample is a cumulative byte count at an elapsed time since phase start.
type Sample struct {
	Bytes int64 `json:"bytes"`
	Nanos int64 `json:"nanos"`
}

func (s Sample) Elapsed() time.Duration {
	return time.Duration(s.Nanos)
}

// Ring keeps the first sample of a phase plus the most recent samples that
// are more than minDelta apart. A sample within minDelta of the last
// retained sample replaces it. The first sample is pinned and never
// replaced, so a sample within minDelta of it while no other sample is
// retained is dropped.
type Ring struct {
	mu       sync.Mutex
	minDelta int64

	anchor    Sample
	hasAnchor bool

	slots []Sample
	head  int // index of the oldest slot
	count int
}

// NewRing returns a ring exposing at most capacity samples. Capacities
// below two are raised to two so the first and the latest sample both fit.
func NewRing(capacity int, minDelta time.Duration) *Ring {
	if capacity < minRingCapacity {
		capacity = minRingCapacity
	}
	if minDelta < 0 {
		minDelta = 0
	}
	return &Ring{
		minDelta: int64(minDelta),
		slots:    make([]Sample, capacity-1),
	}
}

func (r *Ring) Add(bytes, nanos int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Sample{Bytes: bytes, Nanos: nanos}
	if !r.hasAnchor {
		r.anchor = s
		r.hasAnchor = true
		return
	}
	prev := r.anchor
	if r.count > 0 {
		prev = r.slots[r.tail()]
	}
	if nanos-prev.Nanos <= r.minDelta {
		if r.count > 0 {
			r.slots[r.tail()] = s
		}
		return
	}
	if r.count < len(r.slots) {
		r.count++
	} else {
		r.head = (r.head + 1) % len(r.slots)
	}
	r.slots[r.tail()] = s
}

func (r *Ring) tail() int {
	return (r.head + r.count - 1) % len(r.slots)
}

// Len is the number of exposed samples.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasAnchor {
		return 0
	}
	return r.count + 1
}

// Last returns the most recently recorded sample.
func (r *Ring) Last() (Sample, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasAnchor {
		return Sample{}, false
	}
	if r.count == 0 {
		return r.anchor, true
	}
	return r.slots[r.tail()], true
}

// Samples returns a copy of the exposed samples, oldest first.
func (r *Ring) Samples() []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasAnchor {
		return nil
	}
	out := make([]Sample, 0, r.count+1)
	out = append(out, r.anchor)
	for i := 0; i < r.count; i++ {
		out = append(out, r.slots[(r.head+i)%len(r.slots)])
	}
	return out
}
