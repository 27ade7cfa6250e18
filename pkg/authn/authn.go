// Package authn validates peer certificate chains for tunnels.
//
// A deployment configures exactly one trust model: an explicit custom
// trust anchor pool, or, absent one, the public WebPKI root store. When a
// custom anchor is configured it overrides WebPKI entirely; the two are
// never consulted together. The choice is deployment-wide, not
// per-connection, and authentication behaves identically for dialed and
// accepted tunnels.
package authn

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/sammck-go/logger"

	"github.com/age-rs/snocat/pkg/transport"
)

// ErrAuthFailed is matched (via errors.Is) by every authentication
// rejection. Rejection is terminal for the tunnel being authenticated; no
// retry happens below the daemon API.
var ErrAuthFailed = errors.New("peer authentication failed")

// ErrInvalidTrustAnchor is wrapped by errors reported for unusable trust
// anchor material, surfaced synchronously at configuration time.
var ErrInvalidTrustAnchor = errors.New("invalid trust anchor")

// AuthError reports why a peer was rejected and on which side of the
// connection the rejection happened.
type AuthError struct {
	Reason    string
	Direction transport.Direction
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("peer authentication failed (%s): %s", e.Direction, e.Reason)
}

func (e *AuthError) Is(target error) bool {
	return target == ErrAuthFailed
}

// PeerIdentity is the identity derived from a validated certificate
// chain.
type PeerIdentity struct {
	// CommonName is the subject common name of the leaf certificate.
	CommonName string

	// DNSNames are the subject alternative names of the leaf certificate.
	DNSNames []string

	// Fingerprint is the lowercase hex SHA-256 digest of the leaf
	// certificate in DER form.
	Fingerprint string

	// Expires is the leaf certificate's NotAfter time.
	Expires time.Time

	// Leaf is the validated leaf certificate.
	Leaf *x509.Certificate
}

// String returns a short identity name suitable for logging.
func (p *PeerIdentity) String() string {
	fp := p.Fingerprint
	if len(fp) > 12 {
		fp = fp[:12]
	}
	if p.CommonName == "" {
		return fp
	}
	return p.CommonName + "/" + fp
}

// Config configures an Authenticator.
type Config struct {
	// TrustAnchors is the custom trust anchor pool. If nil, chains are
	// validated against the public WebPKI root store instead.
	TrustAnchors *x509.CertPool
}

// Authenticator validates peer certificate chains.
type Authenticator struct {
	logger  logger.Logger
	anchors *x509.CertPool
}

// New creates an Authenticator.
func New(lg logger.Logger, cfg Config) *Authenticator {
	return &Authenticator{
		logger:  lg.ForkLogStr("authn"),
		anchors: cfg.TrustAnchors,
	}
}

// UsesWebPKI reports whether this authenticator validates against the
// public root store rather than a custom anchor.
func (a *Authenticator) UsesWebPKI() bool {
	return a.anchors == nil
}

// Authenticate validates a peer's certificate chain (leaf first) and
// derives its identity. direction records which side of the connection
// presented the chain, for reporting only; validation is identical both
// ways. Failure is an AuthError matching ErrAuthFailed.
func (a *Authenticator) Authenticate(chain []*x509.Certificate, direction transport.Direction) (*PeerIdentity, error) {
	if len(chain) == 0 {
		return nil, a.reject(direction, "peer presented no certificate")
	}
	leaf := chain[0]

	intermediates := x509.NewCertPool()
	for _, cert := range chain[1:] {
		intermediates.AddCert(cert)
	}
	opts := x509.VerifyOptions{
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	if a.anchors != nil {
		// Custom authority overrides WebPKI entirely; leaving Roots nil
		// would fall through to the system store.
		opts.Roots = a.anchors
	}

	if _, err := leaf.Verify(opts); err != nil {
		return nil, a.reject(direction, err.Error())
	}

	sum := sha256.Sum256(leaf.Raw)
	identity := &PeerIdentity{
		CommonName:  leaf.Subject.CommonName,
		DNSNames:    leaf.DNSNames,
		Fingerprint: hex.EncodeToString(sum[:]),
		Expires:     leaf.NotAfter,
		Leaf:        leaf,
	}
	a.logger.DLogf("Authenticated %s peer %v", direction, identity)
	return identity, nil
}

func (a *Authenticator) reject(direction transport.Direction, reason string) error {
	err := &AuthError{Reason: reason, Direction: direction}
	a.logger.WLogf("%s", err)
	return err
}

// LoadTrustAnchors parses one or more PEM-encoded CA certificates into a
// pool usable as Config.TrustAnchors. Unusable material is a
// configuration error, reported before any network activity.
func LoadTrustAnchors(pemBytes []byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, fmt.Errorf("%w: no CA certificates found in PEM data", ErrInvalidTrustAnchor)
	}
	return pool, nil
}
