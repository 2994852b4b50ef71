package transport

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	apperrors "github.com/songyanbo/http-client/lib/errors"
)

// Supported endpoint schemes.
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

// Endpoint identifies a pool partition: one scheme, host and port.
type Endpoint struct {
	Scheme string
	Host   string
	Port   int
}

// ParseEndpoint normalizes raw into an Endpoint. raw may be a bare key
// ("https://example.com:443") or a full request URL; path, query and
// fragment are ignored. An unsupported scheme, missing host or bad port
// yields a configuration error.
func ParseEndpoint(raw string) (Endpoint, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Endpoint{}, apperrors.Wrap(apperrors.CodeConfiguration, "malformed endpoint key "+strconv.Quote(raw), err)
	}
	return EndpointFromURL(u)
}

// EndpointFromURL derives the Endpoint for a parsed request URL.
func EndpointFromURL(u *url.URL) (Endpoint, error) {
	if u == nil {
		return Endpoint{}, apperrors.Configuration("nil endpoint URL")
	}
	scheme := strings.ToLower(u.Scheme)
	var defaultPort int
	switch scheme {
	case SchemeHTTP:
		defaultPort = 80
	case SchemeHTTPS:
		defaultPort = 443
	default:
		return Endpoint{}, apperrors.Configuration("unsupported scheme %q in endpoint %q", u.Scheme, u.String())
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return Endpoint{}, apperrors.Configuration("missing host in endpoint %q", u.String())
	}

	port := defaultPort
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return Endpoint{}, apperrors.Configuration("invalid port %q in endpoint %q", p, u.String())
		}
		port = n
	}

	return Endpoint{Scheme: scheme, Host: host, Port: port}, nil
}

// Key returns the normalized "scheme://host:port" form used to partition the pool.
func (e Endpoint) Key() string {
	return e.Scheme + "://" + e.Address()
}

// Address returns the host:port pair to dial.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Secure reports whether connections to e require a TLS handshake.
func (e Endpoint) Secure() bool {
	return e.Scheme == SchemeHTTPS
}

// HostHeader returns the value for the Host request header, omitting the
// port when it is the scheme default.
func (e Endpoint) HostHeader() string {
	if (e.Scheme == SchemeHTTP && e.Port == 80) || (e.Scheme == SchemeHTTPS && e.Port == 443) {
		if strings.Contains(e.Host, ":") {
			return "[" + e.Host + "]"
		}
		return e.Host
	}
	return e.Address()
}

func (e Endpoint) String() string {
	return e.Key()
}
