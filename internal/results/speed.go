package results

import (
	"math"
	"sort"
	"time"
)

const (
	trimFraction  = 0.1
	peakWindowDur = time.Second
)

// Speed is the aggregate throughput of one direction.
type Speed struct {
	Bytes int64 `json:"bytes"`
	Nanos int64 `json:"nanos"`
	// Bps is Bytes*8 over Nanos. It is the reported speed.
	Bps float64 `json:"bps"`

	TrimmedMeanBps float64 `json:"trimmed_mean_bps"`
	P90Bps         float64 `json:"p90_bps"`
	Peak1sBps      float64 `json:"peak_1s_bps"`
}

// TotalSpeed merges per-worker sample curves. Each curve is linearly
// interpolated at the smallest final time among the curves, and the bytes at
// that instant are summed. Empty curves do not contribute.
func TotalSpeed(curves [][]Sample) Speed {
	var end int64 = -1
	active := make([][]Sample, 0, len(curves))
	for _, c := range curves {
		if len(c) == 0 {
			continue
		}
		last := c[len(c)-1].Nanos
		if end < 0 || last < end {
			end = last
		}
		active = append(active, c)
	}
	if len(active) == 0 || end <= 0 {
		return Speed{}
	}

	var bytes float64
	for _, c := range active {
		bytes += bytesAt(c, end)
	}
	sp := Speed{
		Bytes: int64(math.Round(bytes)),
		Nanos: end,
		Bps:   bytes * 8 / time.Duration(end).Seconds(),
	}

	times, cumulative := aggregate(active, end)
	sp.TrimmedMeanBps, sp.P90Bps, sp.Peak1sBps = seriesStats(times, cumulative)
	return sp
}

// bytesAt interpolates a cumulative curve at nanos. The curve starts at
// (0, 0) implicitly.
func bytesAt(c []Sample, nanos int64) float64 {
	prev := Sample{}
	for _, s := range c {
		if s.Nanos >= nanos {
			if s.Nanos == prev.Nanos {
				return float64(s.Bytes)
			}
			frac := float64(nanos-prev.Nanos) / float64(s.Nanos-prev.Nanos)
			return float64(prev.Bytes) + frac*float64(s.Bytes-prev.Bytes)
		}
		prev = s
	}
	return float64(prev.Bytes)
}

// aggregate sums all curves at every sample time up to end.
func aggregate(curves [][]Sample, end int64) ([]float64, []float64) {
	set := map[int64]struct{}{end: {}}
	for _, c := range curves {
		for _, s := range c {
			if s.Nanos > 0 && s.Nanos <= end {
				set[s.Nanos] = struct{}{}
			}
		}
	}
	stamps := make([]int64, 0, len(set))
	for n := range set {
		stamps = append(stamps, n)
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i] < stamps[j] })

	times := make([]float64, 0, len(stamps))
	cumulative := make([]float64, 0, len(stamps))
	for _, n := range stamps {
		var sum float64
		for _, c := range curves {
			sum += bytesAt(c, n)
		}
		times = append(times, time.Duration(n).Seconds())
		cumulative = append(cumulative, sum)
	}
	return times, cumulative
}

func seriesStats(times, cumulative []float64) (trimmed, p90, peak float64) {
	rates := make([]float64, 0, len(times))
	prevT, prevB := 0.0, 0.0
	for i := range times {
		dt := times[i] - prevT
		if dt > 0 {
			rates = append(rates, (cumulative[i]-prevB)*8/dt)
		}
		prevT, prevB = times[i], cumulative[i]
	}
	if len(rates) == 0 {
		return 0, 0, 0
	}
	sort.Float64s(rates)
	trimmed = trimmedAverage(rates, trimFraction)
	p90 = quantile(rates, 0.90)
	peak = windowPeak(times, cumulative, peakWindowDur.Seconds())
	return trimmed, p90, peak
}

// trimmedAverage drops frac of sorted from each end before averaging. It
// falls back to the plain average when nothing would remain.
func trimmedAverage(sorted []float64, frac float64) float64 {
	kept := sorted
	if frac > 0 && frac < 0.5 {
		if cut := int(float64(len(sorted)) * frac); 2*cut < len(sorted) {
			kept = sorted[cut : len(sorted)-cut]
		}
	}
	if len(kept) == 0 {
		return 0
	}
	var sum float64
	for _, v := range kept {
		sum += v
	}
	return sum / float64(len(kept))
}

// quantile interpolates between the closest ranks of sorted.
func quantile(sorted []float64, q float64) float64 {
	n := len(sorted)
	switch {
	case n == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[n-1]
	}
	pos := q * float64(n-1)
	lo := int(pos)
	if lo+1 >= n {
		return sorted[n-1]
	}
	return sorted[lo] + (pos-float64(lo))*(sorted[lo+1]-sorted[lo])
}

// windowPeak is the highest rate over any span of exactly width seconds
// that ends on a sample. The series starts at (0, 0) implicitly and is
// interpolated at the span's left edge.
func windowPeak(times, cumulative []float64, width float64) float64 {
	if width <= 0 || len(times) == 0 || len(times) != len(cumulative) {
		return 0
	}
	var peak float64
	for i, end := range times {
		from := end - width
		if from < 0 {
			continue
		}
		rate := (cumulative[i] - cumulativeAt(times, cumulative, from)) * 8 / width
		if rate > peak {
			peak = rate
		}
	}
	return peak
}

func cumulativeAt(times, cumulative []float64, t float64) float64 {
	j := sort.SearchFloat64s(times, t)
	if j < len(times) && times[j] == t {
		return cumulative[j]
	}
	prevT, prevB := 0.0, 0.0
	if j > 0 {
		prevT, prevB = times[j-1], cumulative[j-1]
	}
	if j == len(times) || times[j] == prevT {
		return prevB
	}
	return prevB + (t-prevT)/(times[j]-prevT)*(cumulative[j]-prevB)
}
