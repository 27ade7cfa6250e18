package authn

import (
	"crypto/x509"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/sammck-go/logger"

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

func TestAuthenticateWithCustomAnchor(t *testing.T) {
	ca, err := GenerateCA("test-ca", time.Hour)
	if err != nil {
		t.Fatalf("GenerateCA failed: %v", err)
	}
	cert, err := ca.Issue("peer-a", time.Hour)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	a := New(testLogger(t), Config{TrustAnchors: ca.Pool()})
	if a.UsesWebPKI() {
		t.Error("authenticator with custom anchors reports WebPKI")
	}

	identity, err := a.Authenticate([]*x509.Certificate{cert.Leaf}, transport.DirInbound)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if identity.CommonName != "peer-a" {
		t.Errorf("CommonName = %q, want %q", identity.CommonName, "peer-a")
	}
	if len(identity.Fingerprint) != 64 {
		t.Errorf("Fingerprint %q is not a sha256 hex digest", identity.Fingerprint)
	}
}

func TestAuthenticateRejectsUnknownIssuer(t *testing.T) {
	ca, err := GenerateCA("trusted-ca", time.Hour)
	if err != nil {
		t.Fatalf("GenerateCA failed: %v", err)
	}
	otherCA, err := GenerateCA("other-ca", time.Hour)
	if err != nil {
		t.Fatalf("GenerateCA failed: %v", err)
	}
	cert, err := otherCA.Issue("impostor", time.Hour)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	a := New(testLogger(t), Config{TrustAnchors: ca.Pool()})
	_, err = a.Authenticate([]*x509.Certificate{cert.Leaf}, transport.DirOutbound)
	if err == nil {
		t.Fatal("Authenticate accepted a chain from an untrusted issuer")
	}
	if !errors.Is(err, ErrAuthFailed) {
		t.Errorf("error %v does not match ErrAuthFailed", err)
	}
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("error %v is not an *AuthError", err)
	}
	if authErr.Direction != transport.DirOutbound {
		t.Errorf("AuthError direction = %v, want outbound", authErr.Direction)
	}
}

func TestAuthenticateRejectsEmptyChain(t *testing.T) {
	ca, err := GenerateCA("test-ca", time.Hour)
	if err != nil {
		t.Fatalf("GenerateCA failed: %v", err)
	}
	a := New(testLogger(t), Config{TrustAnchors: ca.Pool()})
	if _, err := a.Authenticate(nil, transport.DirInbound); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("empty chain error %v does not match ErrAuthFailed", err)
	}
}

func TestAuthenticateSelfSignedPinned(t *testing.T) {
	cert, err := GenerateIdentity("solo-peer", time.Hour)
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert.Leaf)

	a := New(testLogger(t), Config{TrustAnchors: pool})
	identity, err := a.Authenticate([]*x509.Certificate{cert.Leaf}, transport.DirInbound)
	if err != nil {
		t.Fatalf("Authenticate failed for pinned self-signed cert: %v", err)
	}
	if identity.CommonName != "solo-peer" {
		t.Errorf("CommonName = %q, want %q", identity.CommonName, "solo-peer")
	}
}

func TestLoadTrustAnchors(t *testing.T) {
	ca, err := GenerateCA("test-ca", time.Hour)
	if err != nil {
		t.Fatalf("GenerateCA failed: %v", err)
	}
	pool, err := LoadTrustAnchors(ca.CertPEM())
	if err != nil {
		t.Fatalf("LoadTrustAnchors failed on valid PEM: %v", err)
	}
	if pool == nil {
		t.Fatal("LoadTrustAnchors returned nil pool")
	}

	if _, err := LoadTrustAnchors([]byte("not pem at all")); !errors.Is(err, ErrInvalidTrustAnchor) {
		t.Errorf("bad PEM error %v does not match ErrInvalidTrustAnchor", err)
	}
}
