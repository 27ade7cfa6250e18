package transport

import (
	"context"
	"crypto/x509"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prep/socketpair"
)

// In-process loopback implementation of Link. A MemLink pair behaves like
// the two ends of one established connection: streams opened on one side
// arrive on the other side's AcceptStream, carried over unix socketpairs
// so flow control and half-close behave like real sockets. Used by tests
// and by same-process tunnels.

// memAddr is the net.Addr of a loopback link endpoint
type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

// memCore is the state shared by both ends of a loopback link pair
type memCore struct {
	mu      sync.Mutex
	streams []*memStreamPair
	closed  bool
	done    chan struct{}
}

// close tears down the link for both ends, aborting in-flight streams
// with reasonErr.
func (c *memCore) close(reasonErr error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	streams := c.streams
	c.streams = nil
	c.mu.Unlock()

	close(c.done)
	for _, pair := range streams {
		pair.abortBoth(reasonErr)
	}
}

// MemLink is one end of an in-process loopback link pair.
type MemLink struct {
	core      *memCore
	other     *MemLink
	dir       Direction
	name      string
	peerCerts []*x509.Certificate
	accept    chan *memStream
	nextID    atomic.Int64
}

var _ Link = (*MemLink)(nil)

// NewMemLinkPair creates the two ends of an in-process link. dialerCerts
// is the chain the "dialing" end presents (so it is what the accepting
// end's PeerCertificates returns), and acceptorCerts the reverse. Either
// may be nil for an unauthenticated pair.
func NewMemLinkPair(dialerCerts, acceptorCerts []*x509.Certificate) (dialed *MemLink, accepted *MemLink) {
	core := &memCore{done: make(chan struct{})}
	dialed = &MemLink{
		core:      core,
		dir:       DirOutbound,
		name:      "mem:dialer",
		peerCerts: acceptorCerts,
		accept:    make(chan *memStream, 16),
	}
	accepted = &MemLink{
		core:      core,
		dir:       DirInbound,
		name:      "mem:acceptor",
		peerCerts: dialerCerts,
		accept:    make(chan *memStream, 16),
	}
	dialed.other = accepted
	accepted.other = dialed
	return dialed, accepted
}

// OpenStream opens a new stream to the peer end. Stream ids follow the
// QUIC numbering convention for bidirectional streams: ids from the
// dialing end are 0 mod 4, ids from the accepting end are 1 mod 4.
func (l *MemLink) OpenStream(ctx context.Context) (Stream, error) {
	n := l.nextID.Add(1) - 1
	id := n * 4
	if l.dir == DirInbound {
		id++
	}

	c0, c1, err := socketpair.New("unix")
	if err != nil {
		return nil, fmt.Errorf("socketpair: %w", err)
	}
	pair := &memStreamPair{}
	near := &memStream{conn: c0, pair: pair, id: id}
	far := &memStream{conn: c1, pair: pair, id: id}
	pair.ends = [2]*memStream{near, far}

	l.core.mu.Lock()
	if l.core.closed {
		l.core.mu.Unlock()
		c0.Close()
		c1.Close()
		return nil, ErrLinkClosed
	}
	l.core.streams = append(l.core.streams, pair)
	l.core.mu.Unlock()

	select {
	case l.other.accept <- far:
		return near, nil
	case <-l.core.done:
		pair.abortBoth(ErrLinkClosed)
		return nil, ErrLinkClosed
	case <-ctx.Done():
		pair.abortBoth(ctx.Err())
		return nil, ctx.Err()
	}
}

// AcceptStream returns the next stream opened by the peer end.
func (l *MemLink) AcceptStream(ctx context.Context) (Stream, error) {
	select {
	case st := <-l.accept:
		return st, nil
	case <-l.core.done:
		return nil, ErrLinkClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *MemLink) Direction() Direction { return l.dir }

func (l *MemLink) PeerCertificates() []*x509.Certificate { return l.peerCerts }

func (l *MemLink) LocalAddr() net.Addr  { return memAddr(l.name) }
func (l *MemLink) RemoteAddr() net.Addr { return memAddr(l.other.name) }

// Close closes the link for both ends, aborting any in-flight streams.
func (l *MemLink) Close(reason string) error {
	l.core.close(fmt.Errorf("%w: %s", ErrLinkClosed, reason))
	return nil
}

func (l *MemLink) Done() <-chan struct{} { return l.core.done }

// memStreamPair holds state shared between the two ends of one loopback
// stream, so an abort on one end surfaces as an explicit error, not EOF,
// on the other.
type memStreamPair struct {
	mu       sync.Mutex
	abortErr error // set once by the first abort, any concrete type
	ends     [2]*memStream
}

func (p *memStreamPair) abortBoth(err error) {
	p.mu.Lock()
	if p.abortErr == nil {
		p.abortErr = err
	}
	p.mu.Unlock()
	for _, end := range p.ends {
		if end != nil {
			end.conn.Close()
		}
	}
}

func (p *memStreamPair) abortError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.abortErr
}

// memStream is one end of a loopback stream, backed by one side of a unix
// socketpair.
type memStream struct {
	conn net.Conn
	pair *memStreamPair
	id   int64
}

var _ Stream = (*memStream)(nil)

// checkAbort maps errors after an abort to the abort error, so the remote
// end of an aborted stream never mistakes the teardown for a clean EOF.
func (s *memStream) checkAbort(err error) error {
	if err == nil {
		return nil
	}
	if aerr := s.pair.abortError(); aerr != nil {
		return aerr
	}
	return err
}

func (s *memStream) Read(p []byte) (int, error) {
	n, err := s.conn.Read(p)
	return n, s.checkAbort(err)
}

func (s *memStream) Write(p []byte) (int, error) {
	n, err := s.conn.Write(p)
	return n, s.checkAbort(err)
}

func (s *memStream) Close() error {
	return s.conn.Close()
}

func (s *memStream) CloseWrite() error {
	if whc, ok := s.conn.(interface{ CloseWrite() error }); ok {
		return whc.CloseWrite()
	}
	return s.conn.Close()
}

func (s *memStream) Abort(code uint64) {
	s.pair.abortBoth(fmt.Errorf("%w: code %d", ErrStreamReset, code))
}

func (s *memStream) StreamID() int64 { return s.id }

func (s *memStream) SetDeadline(t time.Time) error      { return s.conn.SetDeadline(t) }
func (s *memStream) SetReadDeadline(t time.Time) error  { return s.conn.SetReadDeadline(t) }
func (s *memStream) SetWriteDeadline(t time.Time) error { return s.conn.SetWriteDeadline(t) }
