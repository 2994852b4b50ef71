package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"
)

// SelfSignedCert is a throwaway certificate that is its own trust anchor.
type SelfSignedCert struct {
	Certificate tls.Certificate
	Leaf        *x509.Certificate
	CertPEM     []byte
	Pool        *x509.CertPool
}

// NewSelfSignedCert issues a certificate valid for hosts. Names that parse
// as IP addresses become IP SANs; everything else becomes a DNS SAN.
func NewSelfSignedCert(hosts ...string) (*SelfSignedCert, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: strings.Join(hosts, ","), Organization: []string{"httpool test"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	return &SelfSignedCert{
		Certificate: tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf},
		Leaf:        leaf,
		CertPEM:     pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		Pool:        pool,
	}, nil
}

// ClientTLSConfig returns a client TLS context that trusts only c.
func (c *SelfSignedCert) ClientTLSConfig() *tls.Config {
	return &tls.Config{RootCAs: c.Pool, MinVersion: tls.VersionTLS12}
}

// NewTLSServer starts an HTTPS server on a loopback port presenting cert.
// A nil handler answers 404 for every path.
func NewTLSServer(handler http.Handler, cert *SelfSignedCert) *httptest.Server {
	if handler == nil {
		handler = http.NotFoundHandler()
	}
	srv := httptest.NewUnstartedServer(handler)
	srv.TLS = &tls.Config{Certificates: []tls.Certificate{cert.Certificate}}
	srv.StartTLS()
	return srv
}

// WithHost rewrites the host of a loopback server URL, keeping its port.
// Use it to reach a server by "localhost" instead of its IP address.
func WithHost(serverURL, host string) string {
	return strings.Replace(serverURL, "127.0.0.1", host, 1)
}
