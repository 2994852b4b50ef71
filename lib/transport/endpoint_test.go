package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/songyanbo/http-client/lib/errors"
)

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		raw    string
		key    string
		secure bool
		host   string
	}{
		{"http://example.com", "http://example.com:80", false, "example.com"},
		{"https://example.com", "https://example.com:443", true, "example.com"},
		{"HTTPS://Example.COM:8443/path?q=1", "https://example.com:8443", true, "example.com:8443"},
		{"http://127.0.0.1:8080", "http://127.0.0.1:8080", false, "127.0.0.1:8080"},
		{"http://[::1]:9000/", "http://[::1]:9000", false, "[::1]:9000"},
		{"https://[::1]", "https://[::1]:443", true, "[::1]"},
		{"  http://a.b  ", "http://a.b:80", false, "a.b"},
	}

	for _, tc := range tests {
		t.Run(tc.raw, func(t *testing.T) {
			ep, err := ParseEndpoint(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.key, ep.Key())
			assert.Equal(t, tc.secure, ep.Secure())
			assert.Equal(t, tc.host, ep.HostHeader())
			assert.Equal(t, ep.Key(), ep.String())
		})
	}
}

func TestParseEndpointRejectsMalformedKeys(t *testing.T) {
	bad := []string{
		"",
		"example.com",
		"ftp://example.com",
		"http://",
		"http://example.com:0",
		"http://example.com:70000",
		"http://example.com:port",
		"http://%zz",
	}

	for _, raw := range bad {
		t.Run(raw, func(t *testing.T) {
			_, err := ParseEndpoint(raw)
			require.Error(t, err)
			assert.True(t, apperrors.IsConfiguration(err), "expected configuration error, got %v", err)
		})
	}
}
