// Package transport abstracts the secure multiplexed connection that
// tunnels are built on. A Link is one established encrypted connection
// between two peers that can carry many independent bidirectional streams;
// the QUIC binding is the production implementation, and an in-process
// loopback implementation is provided for same-process tunnels and tests.
//
// The transport is treated as a black box by everything above it: it is
// assumed to already provide encryption, ordering, and multiplexed
// framing. Peer certificate chains are exposed raw; chain validation is
// the authenticator's job, not the transport's.
package transport

import (
	"context"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"time"
)

// ErrInvalidConfig is wrapped by errors reported for invalid listen/dial
// parameters or transport configuration, before any network activity.
var ErrInvalidConfig = errors.New("invalid transport configuration")

// ErrLinkClosed is wrapped by errors returned from operations on a Link
// whose underlying connection has closed.
var ErrLinkClosed = errors.New("transport link closed")

// ErrStreamReset is wrapped by errors surfaced on a stream that was
// aborted, locally or by the peer, as opposed to reaching a clean end of
// stream.
var ErrStreamReset = errors.New("stream reset")

// Direction records whether a Link was obtained by dialing out or by
// accepting an inbound connection.
type Direction int

const (
	// DirOutbound is a dialed link
	DirOutbound Direction = iota
	// DirInbound is an accepted link
	DirInbound
)

func (d Direction) String() string {
	switch d {
	case DirOutbound:
		return "outbound"
	case DirInbound:
		return "inbound"
	}
	return "unknown"
}

// Stream is one bidirectional byte stream multiplexed within a Link. Read
// returns io.EOF at a clean end of stream; an abrupt peer reset or link
// failure surfaces as a non-EOF error, so consumers can distinguish the
// two.
type Stream interface {
	io.ReadWriteCloser

	// CloseWrite closes the write side only, delivering EOF to the remote
	// reader while local reads continue.
	CloseWrite() error

	// Abort tears down both directions immediately without waiting for
	// in-flight data. The remote side observes an error distinct from a
	// clean end of stream.
	Abort(code uint64)

	// StreamID returns the transport-assigned stream id, unique within the
	// owning Link and monotonic in accept order per direction.
	StreamID() int64

	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Link is one established secure multiplexed connection. A Link does not
// presuppose a dialer or acceptor role; both sides may open and accept
// streams.
type Link interface {
	// OpenStream opens a new outbound stream. It may block until the
	// transport grants a stream slot, or until ctx is done.
	OpenStream(ctx context.Context) (Stream, error)

	// AcceptStream returns the next stream opened by the peer, blocking
	// until one arrives, the link closes, or ctx is done. Streams are
	// delivered in transport-assigned order.
	AcceptStream(ctx context.Context) (Stream, error)

	// Direction reports whether this link was dialed or accepted.
	Direction() Direction

	// PeerCertificates returns the certificate chain the peer presented
	// during the transport handshake, leaf first. The transport does not
	// validate the chain.
	PeerCertificates() []*x509.Certificate

	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	// Close closes the link and all of its streams. reason is conveyed to
	// the peer where the transport supports it.
	Close(reason string) error

	// Done returns a channel that is closed once the link has closed for
	// any reason, local or remote.
	Done() <-chan struct{}
}

// Listener accepts inbound Links.
type Listener interface {
	// Accept blocks until an inbound link completes its transport
	// handshake, the listener closes, or ctx is done.
	Accept(ctx context.Context) (Link, error)

	Addr() net.Addr
	Close() error
}

// Dialer dials outbound Links.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Link, error)
}
