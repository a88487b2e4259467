package trust

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghalamif/AegisBridge/internal/ports"
)

// selfSigned returns a DER certificate for host that can act as its own root.
func selfSigned(t *testing.T, host string) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: host},
		DNSNames:              []string{host},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return der
}

func colonHex(fp string) string {
	parts := make([]string, 0, len(fp)/2)
	for i := 0; i < len(fp); i += 2 {
		parts = append(parts, fp[i:i+2])
	}
	return strings.ToUpper(strings.Join(parts, ":"))
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "missing mode", cfg: Config{}, want: "must be set explicitly"},
		{name: "unknown mode", cfg: Config{Mode: "trust_me"}, want: "unknown trust.mode"},
		{name: "pinned without pins", cfg: Config{Mode: ModePinned}, want: "at least one fingerprint"},
		{name: "pinned with garbage", cfg: Config{Mode: ModePinned, Fingerprints: []string{"zz"}}, want: "fingerprint"},
		{name: "always accept", cfg: Config{Mode: ModeAlwaysAccept}},
		{name: "system", cfg: Config{Mode: ModeSystem}},
		{name: "pinned", cfg: Config{Mode: ModePinned, Fingerprints: []string{"AB:cd:01"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestNewSelectsPolicyByMode(t *testing.T) {
	p, err := New(Config{Mode: ModeAlwaysAccept})
	require.NoError(t, err)
	assert.Equal(t, ModeAlwaysAccept, p.Name())
	assert.True(t, p.Evaluate(ports.CertificateInfo{}))

	p, err = New(Config{Mode: ModePinned, Fingerprints: []string{"00"}})
	require.NoError(t, err)
	assert.IsType(t, &PinnedFingerprint{}, p)

	p, err = New(Config{Mode: ModeSystem})
	require.NoError(t, err)
	assert.IsType(t, &SystemTrustStore{}, p)

	_, err = New(Config{})
	assert.Error(t, err)
}

func TestPinnedFingerprint(t *testing.T) {
	der := selfSigned(t, "plc.local")
	other := selfSigned(t, "plc.local")

	p := NewPinnedFingerprint(colonHex(Fingerprint(der)))
	assert.True(t, p.Evaluate(ports.CertificateInfo{Raw: der}))
	assert.False(t, p.Evaluate(ports.CertificateInfo{Raw: other}))
	assert.False(t, p.Evaluate(ports.CertificateInfo{}))

	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	assert.True(t, p.Evaluate(ports.CertificateInfo{Leaf: leaf}))
}

func TestSystemTrustStoreWithExtraCA(t *testing.T) {
	der := selfSigned(t, "broker.local")
	caFile := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(caFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))

	s, err := NewSystemTrustStore(caFile)
	require.NoError(t, err)
	assert.True(t, s.Evaluate(ports.CertificateInfo{Raw: der, ServerName: "broker.local"}))
	assert.False(t, s.Evaluate(ports.CertificateInfo{Raw: der, ServerName: "elsewhere.local"}))
	assert.False(t, s.Evaluate(ports.CertificateInfo{Raw: selfSigned(t, "broker.local"), ServerName: "broker.local"}))
	assert.False(t, s.Evaluate(ports.CertificateInfo{Raw: []byte("not a certificate")}))
}

func TestSystemTrustStoreBadCAFile(t *testing.T) {
	_, err := NewSystemTrustStore(filepath.Join(t.TempDir(), "missing.pem"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(bad, []byte("garbage"), 0o600))
	_, err = NewSystemTrustStore(bad)
	assert.ErrorContains(t, err, "invalid PEM")
}

func TestVerifierRecordsRejection(t *testing.T) {
	der := selfSigned(t, "broker.local")
	v := NewVerifier(NewPinnedFingerprint("00"), "broker.local")

	err := v.Check(ports.CertificateInfo{Raw: der})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRejected))
	assert.True(t, v.Rejected())

	v = NewVerifier(NewPinnedFingerprint(Fingerprint(der)), "broker.local")
	require.NoError(t, v.Check(ports.CertificateInfo{Raw: der}))
	assert.False(t, v.Rejected())
}

func TestVerifierTLSConfigDelegatesToPolicy(t *testing.T) {
	der := selfSigned(t, "broker.local")
	var seen ports.CertificateInfo
	policy := policyFunc(func(info ports.CertificateInfo) bool {
		seen = info
		return false
	})

	cfg := NewVerifier(policy, "broker.local").TLSConfig()
	assert.Equal(t, "broker.local", cfg.ServerName)
	require.NotNil(t, cfg.VerifyPeerCertificate)

	err := cfg.VerifyPeerCertificate([][]byte{der, []byte("intermediate")}, nil)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, der, seen.Raw)
	assert.Equal(t, [][]byte{[]byte("intermediate")}, seen.Intermediates)
	assert.Equal(t, "broker.local", seen.ServerName)
}

func TestNilPolicyRejectsEverything(t *testing.T) {
	der := selfSigned(t, "broker.local")
	v := NewVerifier(nil, "broker.local")

	err := v.Check(ports.CertificateInfo{Raw: der})
	assert.ErrorIs(t, err, ErrRejected)
	assert.ErrorIs(t, err, ErrNoPolicy)
	assert.True(t, v.Rejected())

	err = v.TLSConfig().VerifyPeerCertificate([][]byte{der}, nil)
	assert.ErrorIs(t, err, ErrNoPolicy)
}

type policyFunc func(ports.CertificateInfo) bool

func (f policyFunc) Evaluate(info ports.CertificateInfo) bool { return f(info) }
func (f policyFunc) Name() string                             { return "func" }
