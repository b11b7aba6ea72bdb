package results

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sec(f float64) int64 {
	return int64(f * float64(time.Second))
}

func TestTotalSpeedInterpolatesAtCommonEnd(t *testing.T) {
	a := []Sample{{Bytes: 1000, Nanos: sec(1)}, {Bytes: 2000, Nanos: sec(2)}}
	b := []Sample{{Bytes: 500, Nanos: sec(1)}, {Bytes: 1000, Nanos: sec(1.5)}}

	sp := TotalSpeed([][]Sample{a, b, nil})
	require.Equal(t, sec(1.5), sp.Nanos)
	require.Equal(t, int64(2500), sp.Bytes)
	require.InDelta(t, 2500*8/1.5, sp.Bps, 0.01)
}

func TestTotalSpeedConstantRateStats(t *testing.T) {
	c := []Sample{
		{Bytes: 1000, Nanos: sec(1)},
		{Bytes: 2000, Nanos: sec(2)},
		{Bytes: 3000, Nanos: sec(3)},
	}
	sp := TotalSpeed([][]Sample{c})
	require.InDelta(t, 8000, sp.Bps, 0.01)
	require.InDelta(t, 8000, sp.TrimmedMeanBps, 0.01)
	require.InDelta(t, 8000, sp.P90Bps, 0.01)
	require.InDelta(t, 8000, sp.Peak1sBps, 0.01)
}

func TestTotalSpeedEmpty(t *testing.T) {
	require.Equal(t, Speed{}, TotalSpeed(nil))
	require.Equal(t, Speed{}, TotalSpeed([][]Sample{{}, {}}))
}

func TestMergeUsesValidPingsOnly(t *testing.T) {
	threads := []ThreadResult{
		{WorkerID: 1, TotalDown: 10, TotalUp: 20},
		{
			WorkerID: 0,
			Pings: []Ping{
				{Valid: false},
				{Client: 3 * time.Millisecond, Valid: true},
				{Client: 2 * time.Millisecond, Valid: true},
				{Client: 5 * time.Millisecond, Valid: true},
			},
			TotalDown: 1,
			TotalUp:   2,
			Down:      []Sample{{Bytes: 1000, Nanos: sec(1)}},
		},
	}
	res := Merge(TestResult{TestID: "t"}, threads)
	require.Equal(t, "t", res.TestID)
	require.Equal(t, 0, res.Threads[0].WorkerID)
	require.Equal(t, 2*time.Millisecond, res.ShortestPing)
	require.Equal(t, 3*time.Millisecond, res.MedianPing)
	require.Equal(t, int64(11), res.TotalDown)
	require.Equal(t, int64(22), res.TotalUp)
	require.InDelta(t, 8000, res.Down.Bps, 0.01)
	require.Equal(t, Speed{}, res.Up)
}

func TestShortestPingNoneValid(t *testing.T) {
	_, ok := ShortestPing([]Ping{{Valid: false}})
	require.False(t, ok)
}

func TestTrimmedAverage(t *testing.T) {
	sorted := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 100}
	require.InDelta(t, 5.5, trimmedAverage(sorted, 0.1), 1e-9)
	require.InDelta(t, 14.5, trimmedAverage(sorted, 0), 1e-9)
	require.InDelta(t, 14.5, trimmedAverage(sorted, 0.5), 1e-9)
	require.InDelta(t, 3, trimmedAverage([]float64{3}, 0.4), 1e-9)
	require.Zero(t, trimmedAverage(nil, 0.1))
}

func TestQuantileInterpolates(t *testing.T) {
	sorted := []float64{10, 20, 30, 40, 50}
	require.InDelta(t, 30, quantile(sorted, 0.5), 1e-9)
	require.InDelta(t, 46, quantile(sorted, 0.9), 1e-9)
	require.Equal(t, 10.0, quantile(sorted, 0))
	require.Equal(t, 50.0, quantile(sorted, 1))
	require.Equal(t, 7.0, quantile([]float64{7}, 0.9))
	require.Zero(t, quantile(nil, 0.9))
}

func TestWindowPeakFindsBurst(t *testing.T) {
	// 1000 B/s except 4000 bytes between 2s and 2.5s.
	times := []float64{1, 2, 2.5, 3, 4}
	cumulative := []float64{1000, 2000, 6000, 6500, 7500}

	// Best full second ends at 3s: 6500 - 2000 bytes.
	require.InDelta(t, 4500*8, windowPeak(times, cumulative, 1), 1e-6)
	// Ending at 2.5s the left edge interpolates to 1500 bytes at 1.5s.
	require.InDelta(t, (6000-1500)*8, windowPeak(times[:3], cumulative[:3], 1), 1e-6)
	require.Zero(t, windowPeak(times, cumulative, 10))
	require.Zero(t, windowPeak(times, cumulative[:2], 1))
}
