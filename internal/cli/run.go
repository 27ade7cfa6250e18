package cli

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sammck-go/logger"
	"github.com/spf13/cobra"

	"github.com/age-rs/snocat/pkg/authn"
	"github.com/age-rs/snocat/pkg/daemon"
	"github.com/age-rs/snocat/pkg/routing"
	"github.com/age-rs/snocat/pkg/services"
	"github.com/age-rs/snocat/pkg/transport"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the tunneling daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		return runDaemon(cfg)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runDaemon(cfg *Config) error {
	level := logger.StringToLogLevel(cfg.LogLevel)
	if level == logger.LogLevelUnknown {
		return fmt.Errorf("unknown log_level %q", cfg.LogLevel)
	}
	lg, err := logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithLogLevel(level),
		logger.WithPrefix("snocat"),
	)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}

	certStore, err := NewCertStore(lg, cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return err
	}

	var anchors *x509.CertPool
	if cfg.TrustAnchorFile != "" {
		pemBytes, err := os.ReadFile(cfg.TrustAnchorFile)
		if err != nil {
			return fmt.Errorf("read trust anchor %s: %w", cfg.TrustAnchorFile, err)
		}
		anchors, err = authn.LoadTrustAnchors(pemBytes)
		if err != nil {
			return err
		}
		lg.ILogf("Validating peers against custom trust anchor %s", cfg.TrustAnchorFile)
	} else {
		lg.ILogf("Validating peers against the system root store")
	}
	auth := authn.New(lg, authn.Config{TrustAnchors: anchors})

	d, err := daemon.New(lg, daemon.Config{
		Authenticator:    auth,
		HandshakeTimeout: cfg.HandshakeTimeout,
		DrainTimeout:     cfg.DrainTimeout,
	})
	if err != nil {
		return err
	}

	for _, svc := range cfg.Services {
		var handler routing.Handler
		switch svc.Type {
		case "echo":
			handler = services.NewEcho(lg)
		case "tcp":
			handler = services.NewTCPForwarder(lg, svc.Target, 0, d.Stats())
		case "socks":
			handler, err = services.NewSocks(lg)
			if err != nil {
				return err
			}
		}
		if err := d.Register(svc.Selector, handler); err != nil {
			return fmt.Errorf("register service %q: %w", svc.Selector, err)
		}
	}

	serverTLS, clientTLS := transport.NewTLSPair(certStore.Get)
	qt, err := transport.NewQUIC(lg, transport.QUICConfig{
		ServerTLS:        serverTLS,
		ClientTLS:        clientTLS,
		HandshakeTimeout: cfg.HandshakeTimeout,
	})
	if err != nil {
		return err
	}
	defer qt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := certStore.Watch(ctx); err != nil {
			lg.WLogf("Certificate watch ended: %v", err)
		}
	}()

	if cfg.Listen != "" {
		l, err := qt.Listen(cfg.Listen)
		if err != nil {
			return err
		}
		go func() {
			if err := d.Serve(l); err != nil {
				lg.ELogf("Listener failed: %v", err)
			}
		}()
	}

	for _, addr := range cfg.Peers {
		go maintainPeer(ctx, lg, d, qt, addr)
	}

	for _, bc := range cfg.Bindings {
		b := services.NewBinding(lg, d, bc.Listen, bc.Selector, bc.TunnelHint, 0)
		go func(listen string) {
			if err := b.ListenAndServe(ctx); err != nil {
				lg.ELogf("Binding %s failed: %v", listen, err)
			}
		}(bc.Listen)
	}

	if cfg.StatusAddr != "" {
		ss := daemon.NewStatusServer(lg, d, cfg.Debug)
		go func() {
			if err := ss.ListenAndServe(ctx, cfg.StatusAddr); err != nil {
				lg.WLogf("Status server ended: %v", err)
			}
		}()
	}

	go func() {
		for ev := range d.Events() {
			lg.DLogf("Event %s tunnel=%.8s selector=%q %s", ev.Kind, string(ev.TunnelID), ev.Selector, ev.Detail)
		}
	}()

	<-ctx.Done()
	lg.ILogf("Shutdown signal received; draining")
	return d.Close()
}

// maintainPeer keeps one outbound tunnel alive: it dials, waits for the
// tunnel to die, and redials with jittered exponential backoff that
// resets after each successful handshake.
func maintainPeer(ctx context.Context, lg logger.Logger, d *daemon.Daemon, dialer transport.Dialer, addr string) {
	plg := lg.ForkLog("peer %s", addr)
	b := &backoff.Backoff{
		Min:    500 * time.Millisecond,
		Max:    30 * time.Second,
		Jitter: true,
	}
	for {
		t, err := d.Dial(ctx, dialer, addr)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, daemon.ErrDaemonClosed) {
				return
			}
			delay := b.Duration()
			plg.WLogf("Dial failed: %v; retrying in %v", err, delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			continue
		}
		b.Reset()
		select {
		case <-t.ShutdownDoneChan():
			plg.WLogf("Tunnel ended; redialing")
		case <-ctx.Done():
			return
		}
	}
}
