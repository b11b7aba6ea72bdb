// Package protocol holds the RMBT wire vocabulary: command lines, reply
// parsers and the chunk continuation marker.
package protocol

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	// DefaultGreeting is the version line a compatible server sends first.
	DefaultGreeting = "RMBTv0.3"

	AcceptPrefix    = "ACCEPT "
	ReplyOK         = "OK"
	ReplyPong       = "PONG"
	ChunkSizeHeader = "CHUNKSIZE"

	CmdPutNoResult = "PUTNORESULT"
	CmdPut         = "PUT"
	CmdPing        = "PING"
	CmdQuit        = "QUIT"

	// MarkerContinue in a chunk's last byte means more chunks follow.
	MarkerContinue byte = 0x00
	// MarkerTerminate in a chunk's last byte ends the current burst or phase.
	MarkerTerminate byte = 0xFF

	// MinChunkSize and MaxChunkSize bound the CHUNKSIZE a server may announce.
	MinChunkSize = 1
	MaxChunkSize = 4 * 1024 * 1024
)

// ErrMalformed reports a server line that does not have the expected shape.
var ErrMalformed = errors.New("malformed line")

var (
	timeBytesRe = regexp.MustCompile(`^TIME (\d+) BYTES (\d+)$`)
	timeRe      = regexp.MustCompile(`^TIME (\d+)$`)
	timeFindRe  = regexp.MustCompile(`TIME (\d+)`)
)

func TokenLine(token string) string {
	return "TOKEN " + token
}

func GetChunksLine(chunks int) string {
	return "GETCHUNKS " + strconv.Itoa(chunks)
}

func GetTimeLine(seconds int) string {
	return "GETTIME " + strconv.Itoa(seconds)
}

// IsAccept reports whether line is the server's ready prompt.
func IsAccept(line string) bool {
	return strings.HasPrefix(line, AcceptPrefix)
}

// ParseChunkSize parses "CHUNKSIZE <n>". Trailing fields after n are ignored.
func ParseChunkSize(line string) (int, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != ChunkSizeHeader {
		return 0, fmt.Errorf("%w: expected %s, got %q", ErrMalformed, ChunkSizeHeader, line)
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, fmt.Errorf("%w: invalid chunk size %q", ErrMalformed, fields[1])
	}
	if n < MinChunkSize || n > MaxChunkSize {
		return 0, fmt.Errorf("%w: chunk size %d out of range", ErrMalformed, n)
	}
	return n, nil
}

// FindTime extracts the first "TIME <nanos>" occurrence from a line.
func FindTime(line string) (int64, error) {
	m := timeFindRe.FindStringSubmatch(line)
	if m == nil {
		return 0, fmt.Errorf("%w: expected TIME, got %q", ErrMalformed, line)
	}
	return parseUint(m[1])
}

// Ack is one parsed upload acknowledgement line.
type Ack struct {
	Nanos int64
	Bytes int64
	// HasBytes is false for the bare "TIME <nanos>" summary form.
	HasBytes bool
}

// ParseAck parses an upload acknowledgement, trying the "TIME t BYTES b"
// shape before the bare "TIME t" shape.
func ParseAck(line string) (Ack, error) {
	if m := timeBytesRe.FindStringSubmatch(line); m != nil {
		nanos, err := parseUint(m[1])
		if err != nil {
			return Ack{}, err
		}
		bytes, err := parseUint(m[2])
		if err != nil {
			return Ack{}, err
		}
		return Ack{Nanos: nanos, Bytes: bytes, HasBytes: true}, nil
	}
	if m := timeRe.FindStringSubmatch(line); m != nil {
		nanos, err := parseUint(m[1])
		if err != nil {
			return Ack{}, err
		}
		return Ack{Nanos: nanos}, nil
	}
	return Ack{}, fmt.Errorf("%w: unexpected ack %q", ErrMalformed, line)
}

func parseUint(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return v, nil
}
