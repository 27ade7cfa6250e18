package tunnel

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/sammck-go/logger"

	"github.com/age-rs/snocat/pkg/authn"
	"github.com/age-rs/snocat/pkg/transport"
)

func testLogger(t *testing.T) logger.Logger {
	lg, err := logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithLogLevel(logger.LogLevelDebug),
		logger.WithPrefix(t.Name()),
	)
	if err != nil {
		t.Fatalf("logger.New() returned error: %s", err)
	}
	return lg
}

// testPeers is a loopback tunnel pair before handshake, with identities
// issued by a shared CA.
type testPeers struct {
	dialed   *Tunnel
	accepted *Tunnel
	auth     *authn.Authenticator
}

func newTestPeers(t *testing.T, cfg Config) *testPeers {
	lg := testLogger(t)
	ca, err := authn.GenerateCA("test-ca", time.Hour)
	if err != nil {
		t.Fatalf("GenerateCA failed: %v", err)
	}
	certA, err := ca.Issue("peer-a", time.Hour)
	if err != nil {
		t.Fatalf("Issue peer-a failed: %v", err)
	}
	certB, err := ca.Issue("peer-b", time.Hour)
	if err != nil {
		t.Fatalf("Issue peer-b failed: %v", err)
	}

	dialedLink, acceptedLink := transport.NewMemLinkPair(
		[]*x509.Certificate{certA.Leaf},
		[]*x509.Certificate{certB.Leaf},
	)

	if cfg.Authenticator == nil {
		cfg.Authenticator = authn.New(lg, authn.Config{TrustAnchors: ca.Pool()})
	}
	dialed, err := New(lg, dialedLink, cfg)
	if err != nil {
		t.Fatalf("New(dialed) failed: %v", err)
	}
	accepted, err := New(lg, acceptedLink, cfg)
	if err != nil {
		t.Fatalf("New(accepted) failed: %v", err)
	}
	return &testPeers{dialed: dialed, accepted: accepted, auth: cfg.Authenticator}
}

func (p *testPeers) handshakeBoth(t *testing.T) {
	ctx := context.Background()
	if err := p.dialed.Handshake(ctx); err != nil {
		t.Fatalf("dialed handshake failed: %v", err)
	}
	if err := p.accepted.Handshake(ctx); err != nil {
		t.Fatalf("accepted handshake failed: %v", err)
	}
}

func TestHandshakeEstablishes(t *testing.T) {
	p := newTestPeers(t, Config{})
	defer p.dialed.Close()
	defer p.accepted.Close()

	if got := p.dialed.State(); got != StateConnecting {
		t.Errorf("initial state = %v, want connecting", got)
	}
	p.handshakeBoth(t)

	if got := p.dialed.State(); got != StateEstablished {
		t.Errorf("dialed state = %v, want established", got)
	}
	if got := p.dialed.Origin(); got != OriginDialed {
		t.Errorf("dialed origin = %v, want dialed", got)
	}
	if got := p.accepted.Origin(); got != OriginAccepted {
		t.Errorf("accepted origin = %v, want accepted", got)
	}
	if got := p.dialed.Peer().CommonName; got != "peer-b" {
		t.Errorf("dialed peer = %q, want peer-b", got)
	}
	if got := p.accepted.Peer().CommonName; got != "peer-a" {
		t.Errorf("accepted peer = %q, want peer-a", got)
	}
	if p.dialed.ID() == p.accepted.ID() {
		t.Error("both tunnels were assigned the same id")
	}
}

func TestStreamsRejectedBeforeEstablished(t *testing.T) {
	p := newTestPeers(t, Config{})
	defer p.dialed.Close()
	defer p.accepted.Close()

	ctx := context.Background()
	if _, err := p.dialed.OpenStream(ctx); !errors.Is(err, ErrNotEstablished) {
		t.Errorf("OpenStream before handshake returned %v, want ErrNotEstablished", err)
	}
	if _, err := p.dialed.AcceptStream(ctx); !errors.Is(err, ErrNotEstablished) {
		t.Errorf("AcceptStream before handshake returned %v, want ErrNotEstablished", err)
	}
}

func TestHandshakeFailureIsTerminal(t *testing.T) {
	lg := testLogger(t)
	wrongCA, err := authn.GenerateCA("wrong-ca", time.Hour)
	if err != nil {
		t.Fatalf("GenerateCA failed: %v", err)
	}
	p := newTestPeers(t, Config{
		Authenticator: authn.New(lg, authn.Config{TrustAnchors: wrongCA.Pool()}),
	})
	defer p.accepted.Close()

	err = p.dialed.Handshake(context.Background())
	if err == nil {
		t.Fatal("handshake succeeded against the wrong trust anchor")
	}
	if !errors.Is(err, authn.ErrAuthFailed) {
		t.Errorf("handshake error %v does not match ErrAuthFailed", err)
	}
	if got := p.dialed.State(); got != StateClosed {
		t.Errorf("state after rejected handshake = %v, want closed", got)
	}
	if _, err := p.dialed.OpenStream(context.Background()); err == nil {
		t.Error("OpenStream succeeded on a rejected tunnel")
	}
}

func TestStreamRoundTrip(t *testing.T) {
	p := newTestPeers(t, Config{})
	defer p.dialed.Close()
	defer p.accepted.Close()
	p.handshakeBoth(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload := []byte("hello through the tunnel")
	done := make(chan error, 1)
	go func() {
		st, err := p.accepted.AcceptStream(ctx)
		if err != nil {
			done <- err
			return
		}
		defer st.Close()
		if st.Direction() != transport.DirInbound {
			t.Errorf("accepted stream direction = %v, want inbound", st.Direction())
		}
		buf, err := io.ReadAll(st)
		if err != nil {
			done <- err
			return
		}
		if _, err := st.Write(buf); err != nil {
			done <- err
			return
		}
		done <- st.CloseWrite()
	}()

	st, err := p.dialed.OpenStream(ctx)
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	if st.Tunnel() != p.dialed {
		t.Error("stream does not report its owning tunnel")
	}
	if _, err := st.Write(payload); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := st.CloseWrite(); err != nil {
		t.Fatalf("CloseWrite failed: %v", err)
	}
	echoed, err := io.ReadAll(st)
	if err != nil {
		t.Fatalf("read echo failed: %v", err)
	}
	if !bytes.Equal(echoed, payload) {
		t.Errorf("echoed %q, want %q", echoed, payload)
	}
	if err := <-done; err != nil {
		t.Fatalf("accept side failed: %v", err)
	}
	st.Close()
}

func TestCloseWaitsForDrain(t *testing.T) {
	p := newTestPeers(t, Config{DrainTimeout: 5 * time.Second})
	defer p.accepted.Close()
	p.handshakeBoth(t)

	ctx := context.Background()
	st, err := p.dialed.OpenStream(ctx)
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	if got := p.dialed.ActiveStreams(); got != 1 {
		t.Fatalf("ActiveStreams = %d, want 1", got)
	}

	closeDone := make(chan error, 1)
	go func() {
		closeDone <- p.dialed.Close()
	}()

	// The tunnel must enter closing and hold there while the stream is
	// still active.
	deadline := time.After(2 * time.Second)
	for p.dialed.State() != StateClosing {
		select {
		case <-deadline:
			t.Fatalf("tunnel never reached closing; state = %v", p.dialed.State())
		case <-time.After(5 * time.Millisecond):
		}
	}
	if _, err := p.dialed.OpenStream(ctx); !errors.Is(err, ErrClosing) {
		t.Errorf("OpenStream while closing returned %v, want ErrClosing", err)
	}

	st.Close()
	if err := <-closeDone; err != nil {
		t.Errorf("Close returned %v", err)
	}
	if got := p.dialed.State(); got != StateClosed {
		t.Errorf("state after close = %v, want closed", got)
	}
}

func TestDrainDeadlineForcesClose(t *testing.T) {
	p := newTestPeers(t, Config{DrainTimeout: 100 * time.Millisecond})
	defer p.accepted.Close()
	p.handshakeBoth(t)

	st, err := p.dialed.OpenStream(context.Background())
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	_ = st // intentionally left open past the drain deadline

	start := time.Now()
	if err := p.dialed.Close(); err != nil {
		t.Errorf("Close returned %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Close took %v; drain deadline was not enforced", elapsed)
	}
	if got := p.dialed.State(); got != StateClosed {
		t.Errorf("state after forced close = %v, want closed", got)
	}
}

func TestLinkFailureClosesTunnel(t *testing.T) {
	p := newTestPeers(t, Config{})
	defer p.dialed.Close()
	defer p.accepted.Close()
	p.handshakeBoth(t)

	// Kill the transport out from under the dialed side.
	p.accepted.Close()

	select {
	case <-p.dialed.ShutdownDoneChan():
	case <-time.After(5 * time.Second):
		t.Fatal("tunnel did not close after its link died")
	}
	if got := p.dialed.State(); got != StateClosed {
		t.Errorf("state after link failure = %v, want closed", got)
	}
}
