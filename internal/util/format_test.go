package util

import (
	"testing"
	"time"
)

func TestFormatBitsPerSecond(t *testing.T) {
	cases := map[float64]string{
		0:          "0.00 bps",
		999:        "999 bps",
		12_500:     "12.5 Kbps",
		94_300_000: "94.3 Mbps",
	}
	for in, want := range cases {
		if got := FormatBitsPerSecond(in); got != want {
			t.Fatalf("FormatBitsPerSecond(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestFormatLatency(t *testing.T) {
	if got := FormatLatency(0); got != "-" {
		t.Fatalf("FormatLatency(0) = %q, want -", got)
	}
	if got := FormatLatency(1500 * time.Microsecond); got != "1.500 ms" {
		t.Fatalf("FormatLatency(1.5ms) = %q", got)
	}
}
