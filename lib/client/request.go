package client

import (
	"bytes"
	"context"
	"net/http"
	"net/url"

	apperrors "github.com/songyanbo/http-client/lib/errors"
	"github.com/songyanbo/http-client/lib/transport"
)

// Request describes one HTTP/1.1 request to dispatch.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

// NewRequest builds a Request for rawURL. An empty method means GET.
func NewRequest(method, rawURL string, body []byte) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfiguration, "invalid request url", err)
	}
	if method == "" {
		method = http.MethodGet
	}
	return &Request{Method: method, URL: u, Header: make(http.Header), Body: body}, nil
}

// SetHeader sets a request header, replacing any existing values.
func (r *Request) SetHeader(key, value string) *Request {
	if r.Header == nil {
		r.Header = make(http.Header)
	}
	r.Header.Set(key, value)
	return r
}

// build renders r as a wire request for ep.
func (r *Request) build(ctx context.Context, ep transport.Endpoint, codec Compression, requestID, userAgent string) (*http.Request, error) {
	hreq, err := http.NewRequestWithContext(ctx, r.Method, r.URL.String(), bytes.NewReader(r.Body))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfiguration, "invalid request", err)
	}
	if len(r.Body) == 0 {
		hreq.Body = http.NoBody
		hreq.ContentLength = 0
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	hreq.Host = ep.HostHeader()
	if hreq.Header.Get("User-Agent") == "" && userAgent != "" {
		hreq.Header.Set("User-Agent", userAgent)
	}
	if hreq.Header.Get("Accept-Encoding") == "" {
		if v := codec.acceptEncoding(); v != "" {
			hreq.Header.Set("Accept-Encoding", v)
		}
	}
	if requestID != "" && hreq.Header.Get(RequestIDHeader) == "" {
		hreq.Header.Set(RequestIDHeader, requestID)
	}
	return hreq, nil
}
