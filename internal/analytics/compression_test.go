package analytics

import (
	"bytes"
	"compress/gzip"
	"io"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompress_RoundTrip(t *testing.T) {
	body := bytes.Repeat([]byte(`{"event_type":"Page scroll"}`), 50)

	gz, enc, err := compress(CompressionGzip, body)
	require.NoError(t, err)
	assert.Equal(t, "gzip", enc)
	zr, err := gzip.NewReader(bytes.NewReader(gz))
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, body, plain)

	br, enc, err := compress(CompressionBrotli, body)
	require.NoError(t, err)
	assert.Equal(t, "br", enc)
	plain, err = io.ReadAll(brotli.NewReader(bytes.NewReader(br)))
	require.NoError(t, err)
	assert.Equal(t, body, plain)
	assert.Less(t, len(br), len(body))

	raw, enc, err := compress(CompressionNone, body)
	require.NoError(t, err)
	assert.Empty(t, enc)
	assert.Equal(t, body, raw)
}

func TestNormalizeCompression(t *testing.T) {
	for in, want := range map[string]string{
		"":         CompressionNone,
		"identity": CompressionNone,
		"GZIP":     CompressionGzip,
		" br ":     CompressionBrotli,
		"brotli":   CompressionBrotli,
	} {
		got, err := normalizeCompression(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := normalizeCompression("lz4")
	assert.Error(t, err)
}
