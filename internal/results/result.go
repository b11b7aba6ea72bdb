// Package results holds per-connection measurement results and merges them
// into one run result.
package results

import (
	"sort"
	"time"
)

// Ping is one PING round trip. Invalid pings carry zero durations.
type Ping struct {
	Client time.Duration `json:"client"`
	Server time.Duration `json:"server"`
	Valid  bool          `json:"valid"`
}

// ConnInfo describes the connection a worker measured over.
type ConnInfo struct {
	LocalAddr  string `json:"local_addr"`
	RemoteAddr string `json:"remote_addr"`
	ServerPort int    `json:"server_port"`
	Encryption string `json:"encryption"`
}

// ThreadResult is everything one worker measured.
type ThreadResult struct {
	WorkerID     int      `json:"worker_id"`
	ConnectionID string   `json:"connection_id"`
	Conn         ConnInfo `json:"conn"`

	Pings        []Ping        `json:"pings,omitempty"`
	ShortestPing time.Duration `json:"shortest_ping"`

	Down []Sample `json:"down,omitempty"`
	Up   []Sample `json:"up,omitempty"`

	// TotalDown and TotalUp count every byte on the worker's connections,
	// calibration and reconnects included.
	TotalDown  int64 `json:"total_down"`
	TotalUp    int64 `json:"total_up"`
	Reconnects int   `json:"reconnects"`

	// UploadOutcome names how the upload watcher finished.
	UploadOutcome string `json:"upload_outcome,omitempty"`

	TCPRTT         time.Duration `json:"tcp_rtt,omitempty"`
	TCPRetransmits uint64        `json:"tcp_retransmits,omitempty"`
}

// ShortestPing returns the smallest client round trip among valid pings.
func ShortestPing(pings []Ping) (time.Duration, bool) {
	var best time.Duration
	found := false
	for _, p := range pings {
		if !p.Valid {
			continue
		}
		if !found || p.Client < best {
			best = p.Client
			found = true
		}
	}
	return best, found
}

// MedianPing returns the median client round trip among valid pings.
func MedianPing(pings []Ping) time.Duration {
	values := make([]time.Duration, 0, len(pings))
	for _, p := range pings {
		if p.Valid {
			values = append(values, p.Client)
		}
	}
	if len(values) == 0 {
		return 0
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	mid := len(values) / 2
	if len(values)%2 == 1 {
		return values[mid]
	}
	return (values[mid-1] + values[mid]) / 2
}

// PathInfo annotates the route to the server. Every field is best effort.
type PathInfo struct {
	ServerIP  string `json:"server_ip,omitempty"`
	Country   string `json:"country,omitempty"`
	ASN       uint   `json:"asn,omitempty"`
	ASOrg     string `json:"as_org,omitempty"`
	Interface string `json:"interface,omitempty"`
	SourceIP  string `json:"source_ip,omitempty"`
	Gateway   string `json:"gateway,omitempty"`
}

// TestResult is the merged result of one run.
type TestResult struct {
	TestID    string    `json:"test_id"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"started_at"`
	Duration  int       `json:"duration"`
	Workers   int       `json:"workers"`
	Fallback  bool      `json:"fallback"`

	ShortestPing time.Duration `json:"shortest_ping"`
	MedianPing   time.Duration `json:"median_ping"`

	Down Speed `json:"down"`
	Up   Speed `json:"up"`

	TotalDown int64 `json:"total_down"`
	TotalUp   int64 `json:"total_up"`

	Path *PathInfo `json:"path,omitempty"`

	Threads []ThreadResult `json:"threads"`
}

// Merge combines worker results. Throughput per direction is computed at the
// latest time every contributing worker has reached.
func Merge(base TestResult, threads []ThreadResult) TestResult {
	out := base
	out.Threads = append([]ThreadResult(nil), threads...)
	sort.Slice(out.Threads, func(i, j int) bool { return out.Threads[i].WorkerID < out.Threads[j].WorkerID })

	var pings []Ping
	down := make([][]Sample, 0, len(threads))
	up := make([][]Sample, 0, len(threads))
	for _, t := range out.Threads {
		pings = append(pings, t.Pings...)
		down = append(down, t.Down)
		up = append(up, t.Up)
		out.TotalDown += t.TotalDown
		out.TotalUp += t.TotalUp
	}
	out.ShortestPing, _ = ShortestPing(pings)
	out.MedianPing = MedianPing(pings)
	out.Down = TotalSpeed(down)
	out.Up = TotalSpeed(up)
	return out
}
