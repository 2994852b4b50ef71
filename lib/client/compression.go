package client

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	apperrors "github.com/songyanbo/http-client/lib/errors"
)

// Compression selects the content coding the client asks servers for.
type Compression string

const (
	// CompressionAny leaves Accept-Encoding unset and takes the server's default.
	CompressionAny Compression = ""
	// CompressionIdentity asks for an uncompressed body.
	CompressionIdentity Compression = "identity"
	// CompressionGzip asks for gzip and decodes it transparently.
	CompressionGzip Compression = "gzip"
	// CompressionDeflate asks for deflate and decodes it transparently.
	CompressionDeflate Compression = "deflate"
)

// ParseCompression parses a codec name. "any" and "" both mean CompressionAny.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "any":
		return CompressionAny, nil
	case "identity":
		return CompressionIdentity, nil
	case "gzip":
		return CompressionGzip, nil
	case "deflate":
		return CompressionDeflate, nil
	default:
		return CompressionAny, apperrors.Configuration("unknown compression codec %q", s)
	}
}

func (c Compression) String() string {
	if c == CompressionAny {
		return "any"
	}
	return string(c)
}

func (c Compression) acceptEncoding() string {
	return string(c)
}

// decodeBody swaps resp.Body for a decoder when the response is gzip or
// deflate encoded. The returned closer releases the decoder; the raw body
// stays owned by the caller.
func decodeBody(resp *http.Response) (func(), error) {
	enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	raw := resp.Body
	if raw == nil || raw == http.NoBody || resp.ContentLength == 0 {
		return func() {}, nil
	}

	var (
		dec io.ReadCloser
		err error
	)
	switch enc {
	case "", "identity":
		return func() {}, nil
	case "gzip", "x-gzip":
		dec, err = gzip.NewReader(raw)
	case "deflate":
		dec, err = zlib.NewReader(raw)
	default:
		// Unknown codings are passed through for the consumer to handle.
		return func() {}, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeProtocol, fmt.Sprintf("invalid %s response body", enc), err)
	}

	resp.Body = dec
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return func() { _ = dec.Close() }, nil
}
