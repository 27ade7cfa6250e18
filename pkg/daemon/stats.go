package daemon

import (
	"fmt"
	"sync/atomic"

	"github.com/jpillora/sizestr"
)

// Stats keeps the daemon's live counters. All methods are safe for
// concurrent use.
type Stats struct {
	tunnelsOpen     atomic.Int64
	tunnelsTotal    atomic.Int64
	tunnelsRejected atomic.Int64

	streamsOpen   atomic.Int64
	streamsTotal  atomic.Int64
	streamsFailed atomic.Int64

	bytesRelayed  atomic.Int64
	eventsDropped atomic.Int64
}

// NewStats creates zeroed Stats.
func NewStats() *Stats {
	return &Stats{}
}

func (s *Stats) TunnelOpened() {
	s.tunnelsOpen.Add(1)
	s.tunnelsTotal.Add(1)
}

func (s *Stats) TunnelClosed()   { s.tunnelsOpen.Add(-1) }
func (s *Stats) TunnelRejected() { s.tunnelsRejected.Add(1) }

// StreamAccepted counts an inbound stream entering routing.
func (s *Stats) StreamAccepted() {
	s.streamsOpen.Add(1)
	s.streamsTotal.Add(1)
}

// StreamOpened counts an outbound stream that completed its selector
// exchange.
func (s *Stats) StreamOpened() {
	s.streamsTotal.Add(1)
}

// StreamClosed counts an inbound stream leaving routing, however it
// ended.
func (s *Stats) StreamClosed() { s.streamsOpen.Add(-1) }

// StreamFailed counts a stream that was rejected or whose handler
// errored.
func (s *Stats) StreamFailed() {
	s.streamsFailed.Add(1)
}

// AddBytes accounts relayed payload bytes.
func (s *Stats) AddBytes(n int64) { s.bytesRelayed.Add(n) }

func (s *Stats) EventDropped() { s.eventsDropped.Add(1) }

// StatsSnapshot is a point-in-time copy of the counters, shaped for the
// status endpoint.
type StatsSnapshot struct {
	TunnelsOpen     int64  `json:"tunnels_open"`
	TunnelsTotal    int64  `json:"tunnels_total"`
	TunnelsRejected int64  `json:"tunnels_rejected"`
	StreamsOpen     int64  `json:"streams_open"`
	StreamsTotal    int64  `json:"streams_total"`
	StreamsFailed   int64  `json:"streams_failed"`
	BytesRelayed    int64  `json:"bytes_relayed"`
	BytesRelayedStr string `json:"bytes_relayed_str"`
	EventsDropped   int64  `json:"events_dropped"`
}

// Snapshot returns a consistent-enough copy of the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	bytes := s.bytesRelayed.Load()
	return StatsSnapshot{
		TunnelsOpen:     s.tunnelsOpen.Load(),
		TunnelsTotal:    s.tunnelsTotal.Load(),
		TunnelsRejected: s.tunnelsRejected.Load(),
		StreamsOpen:     s.streamsOpen.Load(),
		StreamsTotal:    s.streamsTotal.Load(),
		StreamsFailed:   s.streamsFailed.Load(),
		BytesRelayed:    bytes,
		BytesRelayedStr: sizestr.ToString(bytes),
		EventsDropped:   s.eventsDropped.Load(),
	}
}

// String summarizes the counters for logging, open/total per category.
func (s *Stats) String() string {
	return fmt.Sprintf("tunnels [%d/%d] streams [%d/%d] relayed %s",
		s.tunnelsOpen.Load(), s.tunnelsTotal.Load(),
		s.streamsOpen.Load(), s.streamsTotal.Load(),
		sizestr.ToString(s.bytesRelayed.Load()))
}
