// Package trust implements the certificate trust policies applied to both the
// OPC UA endpoint and the broker transport.
package trust

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/ghalamif/AegisBridge/internal/ports"
)

const (
	ModeAlwaysAccept = "always_accept"
	ModeSystem       = "system"
	ModePinned       = "pinned"
)

var (
	// ErrRejected is returned from TLS verification when the policy refuses a peer.
	ErrRejected = errors.New("trust: certificate rejected by policy")
	// ErrNoPolicy is returned for every peer when a verifier has no policy.
	// Accepting unknown certificates must be chosen with AlwaysAccept.
	ErrNoPolicy = errors.New("trust: no trust policy configured")
)

// Config selects a policy. Mode has no default on purpose.
type Config struct {
	Mode         string   `yaml:"mode"`
	Fingerprints []string `yaml:"fingerprints"`
	CAFiles      []string `yaml:"ca_files"`
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeAlwaysAccept, ModeSystem:
		return nil
	case ModePinned:
		if len(c.Fingerprints) == 0 {
			return errors.New("pinned trust requires at least one fingerprint")
		}
		for _, fp := range c.Fingerprints {
			if _, err := hex.DecodeString(normalizeFingerprint(fp)); err != nil {
				return fmt.Errorf("fingerprint %q: %w", fp, err)
			}
		}
		return nil
	case "":
		return fmt.Errorf("trust.mode must be set explicitly (%s, %s or %s)", ModeAlwaysAccept, ModeSystem, ModePinned)
	default:
		return fmt.Errorf("unknown trust.mode %q", c.Mode)
	}
}

// New builds the policy described by cfg.
func New(cfg Config) (ports.TrustPolicy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Mode {
	case ModeAlwaysAccept:
		return AlwaysAccept{}, nil
	case ModePinned:
		return NewPinnedFingerprint(cfg.Fingerprints...), nil
	default:
		return NewSystemTrustStore(cfg.CAFiles...)
	}
}

// AlwaysAccept trusts every peer. It must be selected explicitly.
type AlwaysAccept struct{}

func (AlwaysAccept) Evaluate(ports.CertificateInfo) bool { return true }
func (AlwaysAccept) Name() string                        { return ModeAlwaysAccept }

// SystemTrustStore verifies the peer chain against the system roots plus any
// extra CA files.
type SystemTrustStore struct {
	roots *x509.CertPool
}

func NewSystemTrustStore(caFiles ...string) (*SystemTrustStore, error) {
	roots, err := x509.SystemCertPool()
	if err != nil {
		roots = x509.NewCertPool()
	}
	for _, caFile := range caFiles {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file %s: %w", caFile, err)
		}
		if !roots.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse CA certificate from %s: invalid PEM data", caFile)
		}
	}
	return &SystemTrustStore{roots: roots}, nil
}

func (s *SystemTrustStore) Evaluate(info ports.CertificateInfo) bool {
	leaf := info.Leaf
	if leaf == nil {
		if len(info.Raw) == 0 {
			return false
		}
		var err error
		if leaf, err = x509.ParseCertificate(info.Raw); err != nil {
			return false
		}
	}
	inter := x509.NewCertPool()
	for _, der := range info.Intermediates {
		if c, err := x509.ParseCertificate(der); err == nil {
			inter.AddCert(c)
		}
	}
	_, err := leaf.Verify(x509.VerifyOptions{
		Roots:         s.roots,
		Intermediates: inter,
		DNSName:       info.ServerName,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	return err == nil
}

func (s *SystemTrustStore) Name() string { return ModeSystem }

// PinnedFingerprint accepts only peers whose leaf certificate SHA-256 matches
// one of the configured fingerprints.
type PinnedFingerprint struct {
	pins map[string]struct{}
}

func NewPinnedFingerprint(fingerprints ...string) *PinnedFingerprint {
	pins := make(map[string]struct{}, len(fingerprints))
	for _, fp := range fingerprints {
		pins[normalizeFingerprint(fp)] = struct{}{}
	}
	return &PinnedFingerprint{pins: pins}
}

func (p *PinnedFingerprint) Evaluate(info ports.CertificateInfo) bool {
	raw := info.Raw
	if len(raw) == 0 && info.Leaf != nil {
		raw = info.Leaf.Raw
	}
	if len(raw) == 0 {
		return false
	}
	_, ok := p.pins[Fingerprint(raw)]
	return ok
}

func (p *PinnedFingerprint) Name() string { return ModePinned }

// Fingerprint returns the lowercase hex SHA-256 of a DER certificate.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

func normalizeFingerprint(fp string) string {
	fp = strings.ToLower(strings.TrimSpace(fp))
	return strings.NewReplacer(":", "", " ", "").Replace(fp)
}

// Verifier adapts a TrustPolicy to crypto/tls and remembers whether the last
// handshake was refused, so transports can classify connect failures.
type Verifier struct {
	policy     ports.TrustPolicy
	serverName string
	rejected   atomic.Bool
}

// NewVerifier binds policy to serverName. A nil policy refuses every peer.
func NewVerifier(policy ports.TrustPolicy, serverName string) *Verifier {
	return &Verifier{policy: policy, serverName: serverName}
}

// Check evaluates info against the policy and records a rejection.
func (v *Verifier) Check(info ports.CertificateInfo) error {
	if v.policy == nil {
		v.rejected.Store(true)
		return fmt.Errorf("%w: %w", ErrRejected, ErrNoPolicy)
	}
	if info.ServerName == "" {
		info.ServerName = v.serverName
	}
	if v.policy.Evaluate(info) {
		v.rejected.Store(false)
		return nil
	}
	v.rejected.Store(true)
	return fmt.Errorf("%w (%s)", ErrRejected, v.policy.Name())
}

// Rejected reports whether the most recent evaluation refused the peer.
func (v *Verifier) Rejected() bool { return v.rejected.Load() }

// TLSConfig returns a client config whose verification is delegated entirely
// to the policy.
func (v *Verifier) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         v.serverName,
		InsecureSkipVerify: true, // verification happens in VerifyPeerCertificate
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			info := ports.CertificateInfo{}
			if len(rawCerts) > 0 {
				info.Raw = rawCerts[0]
				info.Intermediates = rawCerts[1:]
			}
			return v.Check(info)
		},
	}
}

var (
	_ ports.TrustPolicy = AlwaysAccept{}
	_ ports.TrustPolicy = (*SystemTrustStore)(nil)
	_ ports.TrustPolicy = (*PinnedFingerprint)(nil)
)
