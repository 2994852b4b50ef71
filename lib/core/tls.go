package core

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	apperrors "github.com/songyanbo/http-client/lib/errors"
)

// LoadCertPool reads a PEM bundle into a certificate pool.
func LoadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfiguration, "reading CA file "+path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, apperrors.Configuration("no certificates found in CA file %s", path)
	}
	return pool, nil
}

// TLSConfig builds the client TLS context. It returns nil when TLS is
// disabled, in which case https endpoints are refused.
func (c *Config) TLSConfig() (*tls.Config, error) {
	if !c.TLS.Enabled {
		return nil, nil
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.TLS.InsecureSkipVerify, //nolint:gosec // opt-in for test endpoints
	}
	if c.TLS.CAFile != "" {
		pool, err := LoadCertPool(c.TLS.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
