package tunnel

import (
	"net"
	"sync"

	"github.com/age-rs/snocat/pkg/transport"
)

// Stream is one logical stream running over a tunnel. It carries the
// transport stream's full read/write/half-close surface plus tunnel
// bookkeeping: the owning tunnel, the stream's direction, and the service
// selector once routing has resolved it.
type Stream struct {
	transport.Stream

	tunnel *Tunnel
	dir    transport.Direction

	mu       sync.Mutex
	selector string

	finishOnce sync.Once
}

// Tunnel returns the tunnel this stream runs over.
func (s *Stream) Tunnel() *Tunnel { return s.tunnel }

// Direction reports whether this stream was opened locally or by the
// peer.
func (s *Stream) Direction() transport.Direction { return s.dir }

// Selector returns the service selector associated with the stream, or
// "" before routing has resolved one.
func (s *Stream) Selector() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selector
}

// SetSelector records the service selector the stream was routed with.
func (s *Stream) SetSelector(selector string) {
	s.mu.Lock()
	s.selector = selector
	s.mu.Unlock()
}

// Close closes the stream cleanly. The read side is released as well;
// use CloseWrite for a half-close.
func (s *Stream) Close() error {
	defer s.finish()
	return s.Stream.Close()
}

// Abort tears the stream down immediately in both directions.
func (s *Stream) Abort(code uint64) {
	defer s.finish()
	s.Stream.Abort(code)
}

func (s *Stream) finish() {
	s.finishOnce.Do(s.tunnel.streamFinished)
}

// LocalAddr returns the local address of the tunnel carrying the stream.
// Together with RemoteAddr it lets a Stream stand in where a net.Conn is
// expected.
func (s *Stream) LocalAddr() net.Addr { return s.tunnel.LocalAddr() }

// RemoteAddr returns the remote address of the tunnel carrying the
// stream.
func (s *Stream) RemoteAddr() net.Addr { return s.tunnel.RemoteAddr() }
