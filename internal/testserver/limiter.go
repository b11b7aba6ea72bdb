package testserver

import "time"

// limiter paces chunks at a constant rate. Each wait ends when the current
// chunk's slot is over, so n chunks take n/rate seconds. Idle time is not
// banked.
type limiter struct {
	interval time.Duration
	next     time.Time
}

func newLimiter(chunksPerSecond float64) *limiter {
	if chunksPerSecond <= 0 {
		return nil
	}
	return &limiter{interval: time.Duration(float64(time.Second) / chunksPerSecond)}
}

func (l *limiter) wait() {
	if l == nil {
		return
	}
	now := time.Now()
	if l.next.Before(now) {
		l.next = now
	}
	l.next = l.next.Add(l.interval)
	if d := time.Until(l.next); d > 0 {
		time.Sleep(d)
	}
}
