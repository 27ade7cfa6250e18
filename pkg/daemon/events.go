package daemon

import (
	"time"

	"github.com/age-rs/snocat/pkg/tunnel"
)

// EventKind names a daemon lifecycle event.
type EventKind string

const (
	// EventTunnelUp: a tunnel completed authentication and joined the
	// active set.
	EventTunnelUp EventKind = "tunnel-up"
	// EventTunnelRejected: an incoming or dialed link failed
	// authentication and was closed.
	EventTunnelRejected EventKind = "tunnel-rejected"
	// EventTunnelDown: a tunnel left the active set.
	EventTunnelDown EventKind = "tunnel-down"
	// EventStreamRejected: an inbound stream could not be routed.
	EventStreamRejected EventKind = "stream-rejected"
	// EventServiceRegistered / EventServiceDeregistered: the service
	// registry changed.
	EventServiceRegistered   EventKind = "service-registered"
	EventServiceDeregistered EventKind = "service-deregistered"
)

// Event is one daemon lifecycle notification. Fields beyond Kind and
// Time are populated where they apply.
type Event struct {
	Kind     EventKind `json:"kind"`
	Time     time.Time `json:"time"`
	TunnelID tunnel.ID `json:"tunnel_id,omitempty"`
	Selector string    `json:"selector,omitempty"`
	Peer     string    `json:"peer,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

// Events returns the daemon's event channel. The channel is buffered and
// never blocks the daemon: events beyond a full buffer are dropped and
// counted. It is closed when the daemon finishes shutting down.
func (d *Daemon) Events() <-chan Event {
	return d.events
}

func (d *Daemon) emit(ev Event) {
	ev.Time = time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.eventsClosed {
		return
	}
	select {
	case d.events <- ev:
	default:
		d.stats.EventDropped()
	}
}
