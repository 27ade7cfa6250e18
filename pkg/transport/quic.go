package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sammck-go/logger"
)

// ALPN is the application protocol name negotiated on every QUIC link.
const ALPN = "snocat"

// QUICConfig configures a QUIC transport instance.
type QUICConfig struct {
	// ServerTLS is the TLS configuration used for accepted links. Required
	// if Listen is used.
	ServerTLS *tls.Config

	// ClientTLS is the TLS configuration used for dialed links. Required
	// if Dial is used.
	ClientTLS *tls.Config

	// MaxIdleTimeout closes a link with no activity after this long.
	// 0 means 30 seconds.
	MaxIdleTimeout time.Duration

	// KeepAlivePeriod is the interval between keep-alive packets.
	// 0 means 10 seconds.
	KeepAlivePeriod time.Duration

	// HandshakeTimeout bounds the transport handshake. 0 means 30 seconds.
	HandshakeTimeout time.Duration

	// MaxIncomingStreams limits concurrent peer-opened streams per link.
	// 0 means 1024.
	MaxIncomingStreams int64
}

// NewTLSPair builds the server and client TLS configurations for QUIC
// links from a certificate source. getCert is consulted on every
// handshake, so the host may rotate the certificate without restarting.
//
// Peer chain validation is deliberately deferred to the tunnel
// authenticator (InsecureSkipVerify on the client side, RequireAnyClientCert
// on the server side) so that dialed and accepted links authenticate their
// peers through the identical code path.
func NewTLSPair(getCert func() (*tls.Certificate, error)) (serverTLS *tls.Config, clientTLS *tls.Config) {
	serverTLS = &tls.Config{
		MinVersion: tls.VersionTLS13,
		NextProtos: []string{ALPN},
		ClientAuth: tls.RequireAnyClientCert,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return getCert()
		},
	}
	clientTLS = &tls.Config{
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{ALPN},
		InsecureSkipVerify: true,
		GetClientCertificate: func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			return getCert()
		},
	}
	return serverTLS, clientTLS
}

// QUIC is the production transport: links are QUIC connections, streams
// are QUIC bidirectional streams.
//
// One shared quic.Transport over one UDP socket serves both Listen and
// Dial, so a peer that listens and dials presents a single local endpoint.
type QUIC struct {
	mu sync.Mutex

	logger logger.Logger

	serverTLS *tls.Config
	clientTLS *tls.Config
	qconf     *quic.Config

	qt      *quic.Transport
	udpConn *net.UDPConn
	closed  bool
}

var _ Dialer = (*QUIC)(nil)

// NewQUIC creates a QUIC transport. Configuration problems are reported
// here, before any network activity.
func NewQUIC(lg logger.Logger, cfg QUICConfig) (*QUIC, error) {
	if cfg.ServerTLS == nil && cfg.ClientTLS == nil {
		return nil, fmt.Errorf("%w: at least one of ServerTLS and ClientTLS is required", ErrInvalidConfig)
	}
	maxIdle := cfg.MaxIdleTimeout
	if maxIdle == 0 {
		maxIdle = 30 * time.Second
	}
	keepAlive := cfg.KeepAlivePeriod
	if keepAlive == 0 {
		keepAlive = 10 * time.Second
	}
	handshake := cfg.HandshakeTimeout
	if handshake == 0 {
		handshake = 30 * time.Second
	}
	maxStreams := cfg.MaxIncomingStreams
	if maxStreams == 0 {
		maxStreams = 1024
	}
	q := &QUIC{
		logger:    lg.ForkLogStr("quic"),
		serverTLS: cfg.ServerTLS,
		clientTLS: cfg.ClientTLS,
		qconf: &quic.Config{
			MaxIdleTimeout:       maxIdle,
			KeepAlivePeriod:      keepAlive,
			HandshakeIdleTimeout: handshake,
			MaxIncomingStreams:   maxStreams,
		},
	}
	return q, nil
}

// ensureSocket creates the shared UDP socket and quic.Transport on first
// use. laddr may be nil to bind an ephemeral port (dial before listen).
// Must be called with q.mu held.
func (q *QUIC) ensureSocket(laddr *net.UDPAddr) error {
	if q.udpConn != nil {
		return nil
	}
	if laddr == nil {
		laddr = &net.UDPAddr{}
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}
	q.udpConn = conn
	q.qt = &quic.Transport{Conn: conn}
	return nil
}

// Listen starts accepting inbound links on addr ("host:port"). The first
// Listen or Dial binds the shared UDP socket; a later Listen reuses it and
// ignores addr's port if already bound.
func (q *QUIC) Listen(addr string) (Listener, error) {
	if q.serverTLS == nil {
		return nil, fmt.Errorf("%w: ServerTLS is required to listen", ErrInvalidConfig)
	}
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: bad listen address %q: %s", ErrInvalidConfig, addr, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrLinkClosed
	}
	if err := q.ensureSocket(laddr); err != nil {
		return nil, err
	}
	ql, err := q.qt.Listen(q.serverTLS, q.qconf)
	if err != nil {
		return nil, fmt.Errorf("quic listen: %w", err)
	}
	q.logger.ILogf("Listening on %v", q.udpConn.LocalAddr())
	return &quicListener{ql: ql}, nil
}

// Dial establishes an outbound link to addr ("host:port"), reusing the
// shared UDP socket when one is already bound.
func (q *QUIC) Dial(ctx context.Context, addr string) (Link, error) {
	if q.clientTLS == nil {
		return nil, fmt.Errorf("%w: ClientTLS is required to dial", ErrInvalidConfig)
	}
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: bad dial address %q: %s", ErrInvalidConfig, addr, err)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrLinkClosed
	}
	if err := q.ensureSocket(nil); err != nil {
		q.mu.Unlock()
		return nil, err
	}
	qt := q.qt
	q.mu.Unlock()

	conn, err := qt.Dial(ctx, raddr, q.clientTLS, q.qconf)
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", addr, err)
	}
	q.logger.DLogf("Dialed %v from %v", conn.RemoteAddr(), conn.LocalAddr())
	return &quicLink{conn: conn, dir: DirOutbound}, nil
}

// Close closes the shared socket and every link derived from it.
func (q *QUIC) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	if q.qt != nil {
		q.qt.Close()
		q.qt = nil
	}
	if q.udpConn != nil {
		q.udpConn.Close()
		q.udpConn = nil
	}
	return nil
}

// quicListener wraps a quic.Listener with the Listener interface
type quicListener struct {
	ql     *quic.Listener
	closed atomic.Bool
}

func (l *quicListener) Accept(ctx context.Context) (Link, error) {
	conn, err := l.ql.Accept(ctx)
	if err != nil {
		if l.closed.Load() {
			return nil, ErrLinkClosed
		}
		return nil, err
	}
	return &quicLink{conn: conn, dir: DirInbound}, nil
}

func (l *quicListener) Addr() net.Addr {
	return l.ql.Addr()
}

func (l *quicListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	return l.ql.Close()
}

// quicLink wraps a quic.Conn with the Link interface
type quicLink struct {
	conn *quic.Conn
	dir  Direction
}

func (l *quicLink) OpenStream(ctx context.Context) (Stream, error) {
	st, err := l.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return &quicStream{st: st}, nil
}

func (l *quicLink) AcceptStream(ctx context.Context) (Stream, error) {
	st, err := l.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return &quicStream{st: st}, nil
}

func (l *quicLink) Direction() Direction {
	return l.dir
}

func (l *quicLink) PeerCertificates() []*x509.Certificate {
	return l.conn.ConnectionState().TLS.PeerCertificates
}

func (l *quicLink) LocalAddr() net.Addr {
	return l.conn.LocalAddr()
}

func (l *quicLink) RemoteAddr() net.Addr {
	return l.conn.RemoteAddr()
}

func (l *quicLink) Close(reason string) error {
	return l.conn.CloseWithError(0, reason)
}

func (l *quicLink) Done() <-chan struct{} {
	return l.conn.Context().Done()
}

// quicStream wraps a quic.Stream with the Stream interface
type quicStream struct {
	st *quic.Stream
}

func (s *quicStream) Read(p []byte) (int, error)  { return s.st.Read(p) }
func (s *quicStream) Write(p []byte) (int, error) { return s.st.Write(p) }

// Close closes both directions: the write side cleanly (EOF to the remote
// reader) and the read side by discarding anything still in flight.
func (s *quicStream) Close() error {
	err := s.st.Close()
	s.st.CancelRead(0)
	return err
}

// CloseWrite closes the write side only; quic.Stream.Close has exactly
// that meaning.
func (s *quicStream) CloseWrite() error {
	return s.st.Close()
}

func (s *quicStream) Abort(code uint64) {
	s.st.CancelWrite(quic.StreamErrorCode(code))
	s.st.CancelRead(quic.StreamErrorCode(code))
}

func (s *quicStream) StreamID() int64 {
	return int64(s.st.StreamID())
}

func (s *quicStream) SetDeadline(t time.Time) error      { return s.st.SetDeadline(t) }
func (s *quicStream) SetReadDeadline(t time.Time) error  { return s.st.SetReadDeadline(t) }
func (s *quicStream) SetWriteDeadline(t time.Time) error { return s.st.SetWriteDeadline(t) }
