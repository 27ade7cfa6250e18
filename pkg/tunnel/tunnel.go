// Package tunnel implements the lifecycle of one authenticated,
// multiplexed connection between two peers. A Tunnel does not care which
// side dialed: its origin is recorded for observability, and every
// subsequent operation behaves identically for dialed and accepted
// tunnels.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"

	"github.com/age-rs/snocat/pkg/authn"
	"github.com/age-rs/snocat/pkg/transport"
)

var (
	// ErrNotEstablished is returned for stream operations on a tunnel that
	// has not completed authentication.
	ErrNotEstablished = errors.New("tunnel is not established")

	// ErrClosing is returned for new stream operations on a tunnel that is
	// draining; existing streams continue until the drain deadline.
	ErrClosing = errors.New("tunnel is closing")

	// ErrClosed is returned for operations on a closed tunnel.
	ErrClosed = errors.New("tunnel is closed")

	// ErrInvalidConfig is wrapped by errors reported for unusable tunnel
	// configuration.
	ErrInvalidConfig = errors.New("invalid tunnel configuration")
)

// State is a tunnel lifecycle state. Transitions are monotonic: a tunnel
// never revisits an earlier state, and Closed is terminal.
type State int

const (
	// StateConnecting: the transport link exists but authentication has
	// not begun.
	StateConnecting State = iota
	// StateAuthenticating: the peer's certificate chain is being
	// validated. No stream may be opened or accepted yet.
	StateAuthenticating
	// StateEstablished: bidirectional stream traffic is allowed.
	StateEstablished
	// StateClosing: existing streams are draining; new streams are
	// rejected.
	StateClosing
	// StateClosed: terminal. All streams have ended, cleanly or aborted.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Origin records which API path created a tunnel. It never changes the
// tunnel's behavior.
type Origin int

const (
	// OriginDialed tunnels were created by dialing out
	OriginDialed Origin = iota
	// OriginAccepted tunnels were created by accepting an inbound
	// connection
	OriginAccepted
)

func (o Origin) String() string {
	if o == OriginDialed {
		return "dialed"
	}
	return "accepted"
}

// ID uniquely identifies a tunnel while it is alive.
type ID string

// NewID allocates a fresh tunnel id.
func NewID() ID {
	return ID(uuid.NewString())
}

// Config configures a Tunnel.
type Config struct {
	// Authenticator validates the peer's certificate chain. Required.
	Authenticator *authn.Authenticator

	// HandshakeTimeout bounds Handshake. 0 means 30 seconds.
	HandshakeTimeout time.Duration

	// DrainTimeout bounds how long Close waits for in-flight streams to
	// finish before aborting them. 0 means 10 seconds.
	DrainTimeout time.Duration
}

// Tunnel is a sidedness-agnostic wrapper around one established transport
// link, owning its state machine and its stream open/accept operations.
type Tunnel struct {
	*asyncobj.Helper

	id     ID
	origin Origin
	link   transport.Link
	auth   *authn.Authenticator

	handshakeTimeout time.Duration
	drainTimeout     time.Duration

	stateMu       sync.Mutex
	state         State
	peer          *authn.PeerIdentity
	activeStreams int
	drainedChan   chan struct{}
}

// New creates a Tunnel in StateConnecting over an established transport
// link. The tunnel's origin is derived from the link's direction. The
// caller must drive the tunnel through Handshake before any stream
// traffic.
func New(lg logger.Logger, link transport.Link, cfg Config) (*Tunnel, error) {
	if cfg.Authenticator == nil {
		return nil, fmt.Errorf("%w: an authenticator is required", ErrInvalidConfig)
	}
	handshakeTimeout := cfg.HandshakeTimeout
	if handshakeTimeout == 0 {
		handshakeTimeout = 30 * time.Second
	}
	drainTimeout := cfg.DrainTimeout
	if drainTimeout == 0 {
		drainTimeout = 10 * time.Second
	}
	origin := OriginAccepted
	if link.Direction() == transport.DirOutbound {
		origin = OriginDialed
	}
	id := NewID()
	t := &Tunnel{
		id:               id,
		origin:           origin,
		link:             link,
		auth:             cfg.Authenticator,
		handshakeTimeout: handshakeTimeout,
		drainTimeout:     drainTimeout,
		state:            StateConnecting,
	}
	name := fmt.Sprintf("tunnel[%.8s %s %v]", string(id), origin, link.RemoteAddr())
	t.Helper = asyncobj.NewHelper(lg.ForkLogStr(name), t)
	t.SetIsActivated()

	// An unrecoverable transport failure forces the jump to Closed,
	// aborting in-flight streams.
	go func() {
		select {
		case <-t.link.Done():
			t.StartShutdown(transport.ErrLinkClosed)
		case <-t.ShutdownDoneChan():
		}
	}()

	return t, nil
}

// ID returns the tunnel id, unique while the tunnel is alive.
func (t *Tunnel) ID() ID { return t.id }

// Origin reports whether the tunnel was dialed or accepted.
func (t *Tunnel) Origin() Origin { return t.origin }

// State returns the current lifecycle state.
func (t *Tunnel) State() State {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.state
}

// Peer returns the authenticated peer identity, or nil before
// authentication completes.
func (t *Tunnel) Peer() *authn.PeerIdentity {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.peer
}

// LocalAddr returns the local address of the underlying link.
func (t *Tunnel) LocalAddr() net.Addr { return t.link.LocalAddr() }

// RemoteAddr returns the remote address of the underlying link.
func (t *Tunnel) RemoteAddr() net.Addr { return t.link.RemoteAddr() }

// advance moves the state machine forward to target. It returns false,
// changing nothing, if the tunnel has already reached or passed target;
// states are never revisited.
func (t *Tunnel) advance(target State) bool {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	if t.state >= target {
		return false
	}
	t.DLogf("%s -> %s", t.state, target)
	t.state = target
	return true
}

// Handshake authenticates the peer, driving the tunnel from
// StateConnecting through StateAuthenticating to StateEstablished. On
// failure the tunnel is shut down and reaches StateClosed; rejection is
// terminal, with no retry at this layer.
func (t *Tunnel) Handshake(ctx context.Context) error {
	if !t.advance(StateAuthenticating) {
		return ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, t.handshakeTimeout)
	defer cancel()

	type result struct {
		peer *authn.PeerIdentity
		err  error
	}
	resultChan := make(chan result, 1)
	go func() {
		peer, err := t.auth.Authenticate(t.link.PeerCertificates(), t.link.Direction())
		resultChan <- result{peer, err}
	}()

	var res result
	select {
	case res = <-resultChan:
	case <-ctx.Done():
		res.err = fmt.Errorf("handshake deadline exceeded: %w", ctx.Err())
	}
	if res.err != nil {
		t.StartShutdown(res.err)
		t.WaitShutdown()
		return res.err
	}

	t.stateMu.Lock()
	t.peer = res.peer
	t.stateMu.Unlock()
	t.advance(StateEstablished)
	t.ILogf("Established with peer %v", res.peer)
	return nil
}

// OpenStream opens a new logical stream on the tunnel. It may block until
// the transport grants a stream slot. Only an established tunnel accepts
// new streams; a closing tunnel rejects them while draining existing
// ones.
func (t *Tunnel) OpenStream(ctx context.Context) (*Stream, error) {
	if err := t.requireEstablished(); err != nil {
		return nil, err
	}
	ts, err := t.link.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	return t.adoptStream(ts, transport.DirOutbound), nil
}

// AcceptStream returns the next stream opened by the peer, in
// transport-assigned order. The sequence of accepted streams is finite
// only at connection close: once the tunnel leaves StateEstablished,
// AcceptStream fails and does not restart.
func (t *Tunnel) AcceptStream(ctx context.Context) (*Stream, error) {
	if err := t.requireEstablished(); err != nil {
		return nil, err
	}
	ts, err := t.link.AcceptStream(ctx)
	if err != nil {
		if t.State() >= StateClosing {
			return nil, ErrClosing
		}
		return nil, err
	}
	if t.State() >= StateClosing {
		// Arrived after draining began; refuse it rather than route it.
		ts.Abort(0)
		return nil, ErrClosing
	}
	return t.adoptStream(ts, transport.DirInbound), nil
}

func (t *Tunnel) requireEstablished() error {
	switch s := t.State(); {
	case s < StateEstablished:
		return ErrNotEstablished
	case s == StateClosing:
		return ErrClosing
	case s == StateClosed:
		return ErrClosed
	}
	return nil
}

func (t *Tunnel) adoptStream(ts transport.Stream, dir transport.Direction) *Stream {
	t.stateMu.Lock()
	t.activeStreams++
	t.stateMu.Unlock()
	return &Stream{Stream: ts, tunnel: t, dir: dir}
}

// streamFinished is called exactly once per adopted stream.
func (t *Tunnel) streamFinished() {
	t.stateMu.Lock()
	t.activeStreams--
	if t.activeStreams == 0 && t.drainedChan != nil {
		close(t.drainedChan)
		t.drainedChan = nil
	}
	t.stateMu.Unlock()
}

// ActiveStreams returns the number of logical streams currently open on
// the tunnel.
func (t *Tunnel) ActiveStreams() int {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.activeStreams
}

// Close initiates graceful shutdown: existing streams get a bounded grace
// period to drain, then the link and anything still in flight are
// aborted. Close blocks until the tunnel reaches StateClosed and returns
// the tunnel's completion status.
func (t *Tunnel) Close() error {
	return t.Helper.Close()
}

// HandleOnceShutdown will be called exactly once, in its own goroutine.
// It takes completionErr as an advisory completion value, actually shuts
// down, then returns the real completion value.
func (t *Tunnel) HandleOnceShutdown(completionErr error) error {
	t.advance(StateClosing)

	// Grace period for in-flight streams, unless the link is already dead
	// (there is nothing left to drain through).
	if t.linkAlive() {
		t.stateMu.Lock()
		var drained chan struct{}
		if t.activeStreams > 0 {
			drained = make(chan struct{})
			t.drainedChan = drained
		}
		t.stateMu.Unlock()

		if drained != nil {
			timer := time.NewTimer(t.drainTimeout)
			select {
			case <-drained:
				t.DLogf("All streams drained")
			case <-timer.C:
				t.WLogf("Drain deadline reached with %d streams in flight; aborting them", t.ActiveStreams())
			case <-t.link.Done():
			}
			timer.Stop()
		}
	}

	reason := "shutting down"
	if completionErr != nil {
		reason = completionErr.Error()
	}
	t.link.Close(reason)
	t.advance(StateClosed)
	t.ILogf("Closed (%v)", completionErr)
	return completionErr
}

func (t *Tunnel) linkAlive() bool {
	select {
	case <-t.link.Done():
		return false
	default:
		return true
	}
}
