package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func burst(chunkSize, chunks int) []byte {
	out := make([]byte, chunkSize*chunks)
	for i := 0; i < chunks; i++ {
		out[(i+1)*chunkSize-1] = MarkerContinue
	}
	out[len(out)-1] = MarkerTerminate
	return out
}

func TestMarkerScannerDetectsTerminatorAtAnyOffset(t *testing.T) {
	const chunkSize = 16
	stream := burst(chunkSize, 5)

	for readSize := 1; readSize <= len(stream); readSize++ {
		s := NewMarkerScanner(chunkSize)
		terminated := false
		for off := 0; off < len(stream) && !terminated; off += readSize {
			end := off + readSize
			if end > len(stream) {
				end = len(stream)
			}
			terminated = s.Scan(stream[off:end])
			if !terminated {
				require.Less(t, end, len(stream), "read size %d missed terminator", readSize)
			}
		}
		require.True(t, terminated, "read size %d", readSize)
		require.True(t, s.Terminated())
		require.Equal(t, int64(len(stream)), s.Total())
	}
}

func TestMarkerScannerMultipleChunksPerRead(t *testing.T) {
	const chunkSize = 8
	s := NewMarkerScanner(chunkSize)
	// Three full chunks plus a partial one; none terminate.
	require.False(t, s.Scan(make([]byte, chunkSize*3+3)))
	require.Equal(t, MarkerContinue, s.Last())

	// The rest of the fourth chunk ends with the terminator.
	tail := make([]byte, chunkSize-3)
	tail[len(tail)-1] = MarkerTerminate
	require.True(t, s.Scan(tail))
}

func TestMarkerScannerIgnoresPayloadBytes(t *testing.T) {
	const chunkSize = 4
	s := NewMarkerScanner(chunkSize)
	chunk := []byte{0xFF, 0xFF, 0xFF, MarkerContinue}
	require.False(t, s.Scan(chunk))
	require.False(t, s.Terminated())
}
