package services

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"

	"github.com/age-rs/snocat/pkg/daemon"
	"github.com/age-rs/snocat/pkg/snocatnet"
)

// Binding is a local TCP listener wired to a remote service: every
// connection it accepts becomes one outbound tunnel stream for the
// configured selector, bridged until both sides finish. It is how local
// clients that know nothing about tunnels reach a peer's services.
type Binding struct {
	*asyncobj.Helper

	daemon         *daemon.Daemon
	listenAddr     string
	selector       string
	tunnelHint     string
	connectTimeout time.Duration

	listener net.Listener
}

// NewBinding creates a Binding from listenAddr to the peer service named
// by selector. tunnelHint picks the tunnel the same way daemon.Connect
// does; "" is fine with a single peer. connectTimeout bounds stream
// establishment per connection; 0 means 15 seconds.
func NewBinding(lg logger.Logger, d *daemon.Daemon, listenAddr, selector, tunnelHint string, connectTimeout time.Duration) *Binding {
	if connectTimeout == 0 {
		connectTimeout = 15 * time.Second
	}
	b := &Binding{
		daemon:         d,
		listenAddr:     listenAddr,
		selector:       selector,
		tunnelHint:     tunnelHint,
		connectTimeout: connectTimeout,
	}
	b.Helper = asyncobj.NewHelper(lg.ForkLog("bind %s->%s", listenAddr, selector), b)
	return b
}

// ListenAndServe binds the local listener and serves until the binding is
// shut down or ctx is canceled.
func (b *Binding) ListenAndServe(ctx context.Context) error {
	l, err := net.Listen("tcp", b.listenAddr)
	if err != nil {
		return b.DLogErrorf("Listen on %s failed: %s", b.listenAddr, err)
	}
	b.Lock.Lock()
	b.listener = l
	b.Lock.Unlock()
	b.SetIsActivated()
	b.ILogf("Forwarding %v to service %q", l.Addr(), b.selector)

	go func() {
		select {
		case <-ctx.Done():
			b.StartShutdown(ctx.Err())
		case <-b.ShutdownDoneChan():
		}
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if b.IsStartedShutdown() {
				err = nil
			}
			b.StartShutdown(err)
			return b.WaitShutdown()
		}
		go b.serveConn(ctx, conn)
	}
}

// Addr returns the bound listener address, or nil before ListenAndServe
// has bound it. Useful when listening on port 0.
func (b *Binding) Addr() net.Addr {
	b.Lock.Lock()
	defer b.Lock.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// serveConn carries one accepted local connection over one tunnel stream.
func (b *Binding) serveConn(ctx context.Context, conn net.Conn) {
	connectCtx, cancel := context.WithTimeout(ctx, b.connectTimeout)
	stream, err := b.daemon.Connect(connectCtx, b.selector, b.tunnelHint, nil)
	cancel()
	if err != nil {
		b.WLogf("Connect for %v failed: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	connPipe := snocatnet.NewNetConnPipe(b.Logger, conn)
	streamPipe := snocatnet.NewDuplexPipe(b.Logger, stream, fmt.Sprintf("<stream %d>", stream.StreamID()))
	bridge := snocatnet.NewBridge(b.Logger, connPipe, streamPipe, 0)
	err = bridge.WaitShutdown()

	sent := bridge.GetNumBytesWritten(1)
	received := bridge.GetNumBytesWritten(0)
	b.daemon.Stats().AddBytes(int64(sent + received))
	if err != nil {
		b.DLogf("Session for %v ended: sent %s, received %s: %v", conn.RemoteAddr(),
			sizestr.ToString(int64(sent)), sizestr.ToString(int64(received)), err)
	} else {
		b.DLogf("Session for %v done: sent %s, received %s", conn.RemoteAddr(),
			sizestr.ToString(int64(sent)), sizestr.ToString(int64(received)))
	}
}

// HandleOnceShutdown will be called exactly once, in its own goroutine.
// It takes completionErr as an advisory completion value, actually shuts
// down, then returns the real completion value.
func (b *Binding) HandleOnceShutdown(completionErr error) error {
	b.Lock.Lock()
	listener := b.listener
	b.Lock.Unlock()

	var err error
	if listener != nil {
		err = listener.Close()
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}
