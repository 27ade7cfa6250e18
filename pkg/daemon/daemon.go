// Package daemon ties the tunnel, routing, and transport layers together
// into one long-running peer. A Daemon owns a set of active tunnels, runs
// a stream accept loop for each, dispatches inbound streams through its
// service registry, and offers the outbound Connect API. Both sides of a
// deployment run the same Daemon; dialing versus accepting is recorded
// per tunnel but changes nothing else.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"

	"github.com/age-rs/snocat/pkg/authn"
	"github.com/age-rs/snocat/pkg/routing"
	"github.com/age-rs/snocat/pkg/transport"
	"github.com/age-rs/snocat/pkg/tunnel"
)

var (
	// ErrDaemonClosed is returned for operations on a daemon that has begun
	// shutting down.
	ErrDaemonClosed = errors.New("daemon is shut down")

	// ErrNoSuchTunnel is returned by Connect when the tunnel hint matches
	// no established tunnel.
	ErrNoSuchTunnel = errors.New("no matching established tunnel")

	// ErrAmbiguousTunnel is returned by Connect when no hint was given and
	// more than one established tunnel could carry the stream.
	ErrAmbiguousTunnel = errors.New("multiple established tunnels; a tunnel hint is required")
)

// Config configures a Daemon.
type Config struct {
	// Authenticator validates peer certificate chains for every tunnel.
	// Required.
	Authenticator *authn.Authenticator

	// HandshakeTimeout bounds tunnel authentication. 0 means 30 seconds.
	HandshakeTimeout time.Duration

	// DrainTimeout bounds the per-tunnel grace period for in-flight
	// streams at shutdown. 0 means 10 seconds.
	DrainTimeout time.Duration

	// HeaderTimeout bounds the routing frame exchange on new streams.
	// 0 means routing.DefaultHeaderTimeout.
	HeaderTimeout time.Duration

	// EventBuffer is the capacity of the Events channel. 0 means 64.
	// Events beyond a full buffer are dropped, never blocked on.
	EventBuffer int
}

// Daemon is a peer-capable tunneling daemon instance.
type Daemon struct {
	*asyncobj.Helper

	logger   logger.Logger
	cfg      Config
	registry *routing.Registry
	router   *routing.Router
	stats    *Stats

	// runCtx is canceled when shutdown begins; handlers and accept loops
	// hang off it.
	runCtx    context.Context
	runCancel context.CancelFunc

	mu        sync.Mutex
	tunnels   map[tunnel.ID]*tunnel.Tunnel
	listeners []transport.Listener
	serving   sync.WaitGroup

	events       chan Event
	eventsClosed bool
}

// New creates a Daemon. It does not listen or dial anything yet; attach
// transports with Serve and Dial, and services with Register.
func New(lg logger.Logger, cfg Config) (*Daemon, error) {
	if cfg.Authenticator == nil {
		return nil, fmt.Errorf("%w: an authenticator is required", tunnel.ErrInvalidConfig)
	}
	if cfg.EventBuffer == 0 {
		cfg.EventBuffer = 64
	}
	dlg := lg.ForkLogStr("daemon")
	registry := routing.NewRegistry(dlg)
	d := &Daemon{
		logger:   dlg,
		cfg:      cfg,
		registry: registry,
		router:   routing.NewRouter(dlg, registry, cfg.HeaderTimeout),
		stats:    NewStats(),
		tunnels:  make(map[tunnel.ID]*tunnel.Tunnel),
		events:   make(chan Event, cfg.EventBuffer),
	}
	d.runCtx, d.runCancel = context.WithCancel(context.Background())
	d.Helper = asyncobj.NewHelper(dlg, d)
	d.SetIsActivated()
	return d, nil
}

// Registry returns the daemon's service registry.
func (d *Daemon) Registry() *routing.Registry { return d.registry }

// Stats returns the daemon's live counters.
func (d *Daemon) Stats() *Stats { return d.stats }

// Register binds a service selector to a handler for inbound streams.
func (d *Daemon) Register(selector string, handler routing.Handler) error {
	if err := d.registry.Register(selector, handler); err != nil {
		return err
	}
	d.emit(Event{Kind: EventServiceRegistered, Selector: selector})
	return nil
}

// Deregister removes a service registration. Unknown selectors are a
// no-op. Streams already dispatched to the handler keep running.
func (d *Daemon) Deregister(selector string) {
	d.registry.Deregister(selector)
	d.emit(Event{Kind: EventServiceDeregistered, Selector: selector})
}

// ListServices returns a sorted snapshot of registered selectors.
func (d *Daemon) ListServices() []string {
	return d.registry.Selectors()
}

// AdmitLink adopts an established transport link as a tunnel: it runs
// authentication, adds the tunnel to the active set, and starts its
// stream accept loop. It is the single admission path for both dialed and
// accepted links. On authentication failure the link is closed and the
// error matches authn.ErrAuthFailed.
func (d *Daemon) AdmitLink(ctx context.Context, link transport.Link) (*tunnel.Tunnel, error) {
	if d.IsStartedShutdown() {
		link.Close("daemon is shut down")
		return nil, ErrDaemonClosed
	}
	t, err := tunnel.New(d.logger, link, tunnel.Config{
		Authenticator:    d.cfg.Authenticator,
		HandshakeTimeout: d.cfg.HandshakeTimeout,
		DrainTimeout:     d.cfg.DrainTimeout,
	})
	if err != nil {
		link.Close(err.Error())
		return nil, err
	}
	if err := t.Handshake(ctx); err != nil {
		d.stats.TunnelRejected()
		d.emit(Event{Kind: EventTunnelRejected, TunnelID: t.ID(), Detail: err.Error()})
		return nil, err
	}

	d.mu.Lock()
	if d.IsStartedShutdown() {
		d.mu.Unlock()
		t.Close()
		return nil, ErrDaemonClosed
	}
	d.tunnels[t.ID()] = t
	d.mu.Unlock()

	d.stats.TunnelOpened()
	d.emit(Event{Kind: EventTunnelUp, TunnelID: t.ID(), Peer: t.Peer().String()})
	d.ILogf("Tunnel %.8s up (%s, peer %v)", string(t.ID()), t.Origin(), t.Peer())

	d.serving.Add(2)
	go d.acceptStreams(t)
	go d.watchTunnel(t)
	return t, nil
}

// acceptStreams is the per-tunnel accept loop: every stream the peer
// opens is handed to the router on its own goroutine, so one slow
// handler never blocks admission of the next stream.
func (d *Daemon) acceptStreams(t *tunnel.Tunnel) {
	defer d.serving.Done()
	for {
		st, err := t.AcceptStream(d.runCtx)
		if err != nil {
			d.DLogf("Accept loop for tunnel %.8s ended: %v", string(t.ID()), err)
			return
		}
		d.stats.StreamAccepted()
		d.serving.Add(1)
		go func() {
			defer d.serving.Done()
			defer d.stats.StreamClosed()
			if err := d.router.ServeInbound(d.runCtx, st); err != nil {
				d.stats.StreamFailed()
				d.emit(Event{Kind: EventStreamRejected, TunnelID: t.ID(), Selector: st.Selector(), Detail: err.Error()})
			}
		}()
	}
}

// watchTunnel removes the tunnel from the active set once it is done, no
// matter which side or layer ended it.
func (d *Daemon) watchTunnel(t *tunnel.Tunnel) {
	defer d.serving.Done()
	<-t.ShutdownDoneChan()
	d.mu.Lock()
	delete(d.tunnels, t.ID())
	d.mu.Unlock()
	d.stats.TunnelClosed()
	detail := ""
	if err := t.WaitShutdown(); err != nil {
		detail = err.Error()
	}
	d.emit(Event{Kind: EventTunnelDown, TunnelID: t.ID(), Detail: detail})
	d.ILogf("Tunnel %.8s down", string(t.ID()))
}

// Dial establishes an outbound link with dialer and admits it. The
// returned tunnel is established and serving.
func (d *Daemon) Dial(ctx context.Context, dialer transport.Dialer, addr string) (*tunnel.Tunnel, error) {
	link, err := dialer.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return d.AdmitLink(ctx, link)
}

// Serve accepts inbound links from listener and admits each one. It
// blocks until the listener fails or the daemon shuts down; the daemon
// closes the listener during shutdown.
func (d *Daemon) Serve(listener transport.Listener) error {
	d.mu.Lock()
	if d.IsStartedShutdown() {
		d.mu.Unlock()
		listener.Close()
		return ErrDaemonClosed
	}
	d.listeners = append(d.listeners, listener)
	d.mu.Unlock()
	d.ILogf("Listening on %v", listener.Addr())

	for {
		link, err := listener.Accept(d.runCtx)
		if err != nil {
			if d.IsStartedShutdown() {
				return nil
			}
			return fmt.Errorf("accept on %v: %w", listener.Addr(), err)
		}
		d.serving.Add(1)
		go func() {
			defer d.serving.Done()
			if _, err := d.AdmitLink(d.runCtx, link); err != nil {
				d.WLogf("Inbound link from %v not admitted: %v", link.RemoteAddr(), err)
			}
		}()
	}
}

// Connect opens an outbound stream for selector over an established
// tunnel and completes the selector exchange; on success the stream is
// ready for payload. hint selects the tunnel: a tunnel id, a peer
// identity (common name or fingerprint prefix), or "" when exactly one
// established tunnel exists. A peer without the service fails fast with
// routing.ErrServiceNotFound.
func (d *Daemon) Connect(ctx context.Context, selector, hint string, meta map[string]string) (*tunnel.Stream, error) {
	t, err := d.resolveTunnel(hint)
	if err != nil {
		return nil, err
	}
	st, err := t.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	if err := d.router.OpenService(st, selector, meta); err != nil {
		d.stats.StreamFailed()
		return nil, err
	}
	d.stats.StreamOpened()
	return st, nil
}

// resolveTunnel picks the established tunnel a hint refers to. Exact
// tunnel id wins; otherwise the hint is matched against peer common
// names and fingerprint prefixes.
func (d *Daemon) resolveTunnel(hint string) (*tunnel.Tunnel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var candidates []*tunnel.Tunnel
	for _, t := range d.tunnels {
		if t.State() != tunnel.StateEstablished {
			continue
		}
		if hint == "" {
			candidates = append(candidates, t)
			continue
		}
		if string(t.ID()) == hint {
			return t, nil
		}
		if peer := t.Peer(); peer != nil {
			if peer.CommonName == hint || (len(hint) >= 8 && len(peer.Fingerprint) >= len(hint) && peer.Fingerprint[:len(hint)] == hint) {
				candidates = append(candidates, t)
			}
		}
	}
	switch len(candidates) {
	case 0:
		if hint == "" {
			return nil, ErrNoSuchTunnel
		}
		return nil, fmt.Errorf("hint %q: %w", hint, ErrNoSuchTunnel)
	case 1:
		return candidates[0], nil
	default:
		return nil, ErrAmbiguousTunnel
	}
}

// TunnelInfo is an observability snapshot of one active tunnel.
type TunnelInfo struct {
	ID            tunnel.ID `json:"id"`
	Origin        string    `json:"origin"`
	State         string    `json:"state"`
	Peer          string    `json:"peer,omitempty"`
	RemoteAddr    string    `json:"remote_addr"`
	ActiveStreams int       `json:"active_streams"`
}

// ListTunnels returns a snapshot of the active tunnel set.
func (d *Daemon) ListTunnels() []TunnelInfo {
	d.mu.Lock()
	tunnels := make([]*tunnel.Tunnel, 0, len(d.tunnels))
	for _, t := range d.tunnels {
		tunnels = append(tunnels, t)
	}
	d.mu.Unlock()

	infos := make([]TunnelInfo, 0, len(tunnels))
	for _, t := range tunnels {
		info := TunnelInfo{
			ID:            t.ID(),
			Origin:        t.Origin().String(),
			State:         t.State().String(),
			RemoteAddr:    t.RemoteAddr().String(),
			ActiveStreams: t.ActiveStreams(),
		}
		if peer := t.Peer(); peer != nil {
			info.Peer = peer.String()
		}
		infos = append(infos, info)
	}
	return infos
}

// CloseTunnel gracefully closes one tunnel by id.
func (d *Daemon) CloseTunnel(id tunnel.ID) error {
	d.mu.Lock()
	t, ok := d.tunnels[id]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("tunnel %q: %w", string(id), ErrNoSuchTunnel)
	}
	return t.Close()
}

// HandleOnceShutdown will be called exactly once, in its own goroutine.
// It takes completionErr as an advisory completion value, actually shuts
// down, then returns the real completion value. Listeners close first so
// no new tunnels are admitted, then every tunnel drains in parallel under
// its own drain deadline.
func (d *Daemon) HandleOnceShutdown(completionErr error) error {
	d.mu.Lock()
	listeners := d.listeners
	d.listeners = nil
	tunnels := make([]*tunnel.Tunnel, 0, len(d.tunnels))
	for _, t := range d.tunnels {
		tunnels = append(tunnels, t)
	}
	d.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}

	var wg sync.WaitGroup
	for _, t := range tunnels {
		wg.Add(1)
		go func(t *tunnel.Tunnel) {
			defer wg.Done()
			t.Close()
		}(t)
	}
	wg.Wait()

	d.runCancel()
	d.serving.Wait()

	d.mu.Lock()
	d.eventsClosed = true
	close(d.events)
	d.mu.Unlock()

	d.ILogf("Daemon shut down")
	return completionErr
}
