package ports

import "crypto/x509"

// CertificateInfo is what a TrustPolicy sees of a peer during one connect attempt.
type CertificateInfo struct {
	ServerName string
	Raw        []byte
	// Intermediates holds any further DER certificates presented by the peer.
	Intermediates [][]byte
	Leaf          *x509.Certificate
}

type TrustPolicy interface {
	Evaluate(info CertificateInfo) bool
	Name() string
}
