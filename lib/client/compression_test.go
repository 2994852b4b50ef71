package client

import (
	"bytes"
	"io"
	"net/http"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/songyanbo/http-client/lib/errors"
)

func TestParseCompression(t *testing.T) {
	tests := []struct {
		in   string
		want Compression
	}{
		{"", CompressionAny},
		{"any", CompressionAny},
		{"Identity", CompressionIdentity},
		{" gzip ", CompressionGzip},
		{"deflate", CompressionDeflate},
	}
	for _, tt := range tests {
		got, err := ParseCompression(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseCompression("br")
	assert.True(t, apperrors.IsConfiguration(err))
	assert.Equal(t, "any", CompressionAny.String())
	assert.Equal(t, "gzip", CompressionGzip.String())
}

func TestDecodeBodyInvalidGzip(t *testing.T) {
	resp := &http.Response{
		Header:        http.Header{"Content-Encoding": {"gzip"}},
		Body:          io.NopCloser(bytes.NewReader([]byte("not gzip at all"))),
		ContentLength: 15,
	}
	_, err := decodeBody(resp)
	assert.ErrorIs(t, err, apperrors.ErrProtocol)
}

func TestDecodeBodyPassThrough(t *testing.T) {
	resp := &http.Response{
		Header:        http.Header{"Content-Encoding": {"br"}},
		Body:          io.NopCloser(bytes.NewReader([]byte("raw"))),
		ContentLength: 3,
	}
	closeFn, err := decodeBody(resp)
	require.NoError(t, err)
	closeFn()
	assert.Equal(t, "br", resp.Header.Get("Content-Encoding"))
}

func TestDecodeBodyGzip(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, _ = gz.Write([]byte("payload"))
	require.NoError(t, gz.Close())

	resp := &http.Response{
		Header:        http.Header{"Content-Encoding": {"gzip"}, "Content-Length": {"99"}},
		Body:          io.NopCloser(&buf),
		ContentLength: int64(buf.Len()),
	}
	closeFn, err := decodeBody(resp)
	require.NoError(t, err)
	defer closeFn()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))
	assert.True(t, resp.Uncompressed)
	assert.EqualValues(t, -1, resp.ContentLength)
	assert.Empty(t, resp.Header.Get("Content-Length"))
}
