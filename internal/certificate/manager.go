// Package certificate owns the issuer's digital certificate bundle: signing,
// mTLS client identity, and expiry enforcement. Key material never leaves
// this package's boundary.
package certificate

import (
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	domainerrors "fisco/pkg/domain-errors"
)

// Profile is the certificate's public face. It carries no key material and
// is safe to log and serialize.
type Profile struct {
	OwnerTaxID string
	Subject    string
	ExpiresAt  time.Time
}

// Manager validates the certificate on load and re-validates expiry on every
// signing or identity request, so a long-running process cannot keep
// operating on a certificate that expired mid-run.
type Manager struct {
	cert       tls.Certificate
	leaf       *x509.Certificate
	signer     crypto.Signer
	ownerTaxID string
	now        func() time.Time
}

// Option configures the Manager.
type Option func(*Manager)

// WithClock injects a clock for deterministic expiry testing.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// Load reads the PEM bundle from disk and validates it against the
// configured issuer tax ID.
func Load(certPath, keyPath, issuerTaxID string, opts ...Option) (*Manager, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, domainerrors.Wrap(err, domainerrors.CodeCertificate, "failed to read certificate")
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, domainerrors.Wrap(err, domainerrors.CodeCertificate, "failed to read private key")
	}
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, domainerrors.Wrap(err, domainerrors.CodeCertificate, "failed to parse key pair")
	}
	return New(pair, issuerTaxID, opts...)
}

// New builds a Manager from an already-parsed key pair.
func New(pair tls.Certificate, issuerTaxID string, opts ...Option) (*Manager, error) {
	leaf := pair.Leaf
	if leaf == nil {
		if len(pair.Certificate) == 0 {
			return nil, domainerrors.New(domainerrors.CodeCertificate, "key pair carries no certificate")
		}
		parsed, err := x509.ParseCertificate(pair.Certificate[0])
		if err != nil {
			return nil, domainerrors.Wrap(err, domainerrors.CodeCertificate, "failed to parse leaf certificate")
		}
		leaf = parsed
	}

	signer, ok := pair.PrivateKey.(crypto.Signer)
	if !ok {
		return nil, domainerrors.New(domainerrors.CodeCertificate, "private key cannot sign")
	}

	m := &Manager{
		cert:       pair,
		leaf:       leaf,
		signer:     signer,
		ownerTaxID: embeddedTaxID(leaf),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	if issuerTaxID != "" && m.ownerTaxID != issuerTaxID {
		return nil, domainerrors.New(
			domainerrors.CodeCertificate,
			fmt.Sprintf("certificate belongs to %q, configured issuer is %q", m.ownerTaxID, issuerTaxID),
		)
	}
	if err := m.checkValid(); err != nil {
		return nil, err
	}
	return m, nil
}

// Profile returns the loggable certificate summary.
func (m *Manager) Profile() Profile {
	return Profile{
		OwnerTaxID: m.ownerTaxID,
		Subject:    m.leaf.Subject.CommonName,
		ExpiresAt:  m.leaf.NotAfter,
	}
}

// Sign produces a SHA-256 signature over the payload. Expiry is re-checked
// on every call; an expired certificate fails closed before any signing.
func (m *Manager) Sign(payload []byte) ([]byte, error) {
	if err := m.checkValid(); err != nil {
		return nil, err
	}
	digest := sha256.Sum256(payload)
	sig, err := m.signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		return nil, domainerrors.Wrap(err, domainerrors.CodeCertificate, "signing failed")
	}
	return sig, nil
}

// TLSClientIdentity returns the client certificate for mutual TLS. Expiry is
// re-checked on every call.
func (m *Manager) TLSClientIdentity() (tls.Certificate, error) {
	if err := m.checkValid(); err != nil {
		return tls.Certificate{}, err
	}
	return m.cert, nil
}

// ExpiringSoon reports whether the certificate expires within the threshold.
// Advisory only; Sign and TLSClientIdentity keep working until expiry.
func (m *Manager) ExpiringSoon(threshold time.Duration) bool {
	return m.now().Add(threshold).After(m.leaf.NotAfter)
}

func (m *Manager) checkValid() error {
	now := m.now()
	if now.Before(m.leaf.NotBefore) {
		return domainerrors.New(domainerrors.CodeCertificate, "certificate not yet valid")
	}
	if !now.Before(m.leaf.NotAfter) {
		return domainerrors.New(domainerrors.CodeCertificate, "certificate expired")
	}
	return nil
}

// embeddedTaxID extracts the owner tax ID from the certificate subject.
// Corporate certificates carry it after the colon in the common name
// ("ACME LTDA:12345678000195"); a serial-number fallback covers test
// certificates minted without that convention.
func embeddedTaxID(leaf *x509.Certificate) string {
	cn := leaf.Subject.CommonName
	if idx := strings.LastIndex(cn, ":"); idx >= 0 {
		candidate := cn[idx+1:]
		if len(candidate) == 14 && isDigits(candidate) {
			return candidate
		}
	}
	if sn := leaf.Subject.SerialNumber; len(sn) == 14 && isDigits(sn) {
		return sn
	}
	return ""
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
