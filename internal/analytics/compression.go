package analytics

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

// Body encodings understood by HTTPWriter.
const (
	CompressionNone   = "none"
	CompressionGzip   = "gzip"
	CompressionBrotli = "br"
)

// Pools for compression writers to reduce allocation overhead.
var (
	gzipWriterPool = sync.Pool{
		New: func() interface{} {
			return gzip.NewWriter(io.Discard)
		},
	}
	brotliWriterPool = sync.Pool{
		New: func() interface{} {
			return brotli.NewWriterLevel(io.Discard, brotli.DefaultCompression)
		},
	}
)

// normalizeCompression maps user input onto a known encoding.
func normalizeCompression(name string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", CompressionNone, "identity":
		return CompressionNone, nil
	case CompressionGzip:
		return CompressionGzip, nil
	case CompressionBrotli, "brotli":
		return CompressionBrotli, nil
	default:
		return "", fmt.Errorf("unsupported compression %q", name)
	}
}

// compress encodes body with the named encoding. It returns the Content-Encoding
// value to send, which is empty for CompressionNone.
func compress(encoding string, body []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	switch encoding {
	case CompressionGzip:
		zw := gzipWriterPool.Get().(*gzip.Writer)
		defer gzipWriterPool.Put(zw)
		zw.Reset(&buf)
		if _, err := zw.Write(body); err != nil {
			return nil, "", fmt.Errorf("gzip write failed: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, "", fmt.Errorf("gzip close failed: %w", err)
		}
		return buf.Bytes(), "gzip", nil
	case CompressionBrotli:
		bw := brotliWriterPool.Get().(*brotli.Writer)
		defer brotliWriterPool.Put(bw)
		bw.Reset(&buf)
		if _, err := bw.Write(body); err != nil {
			return nil, "", fmt.Errorf("brotli write failed: %w", err)
		}
		if err := bw.Close(); err != nil {
			return nil, "", fmt.Errorf("brotli close failed: %w", err)
		}
		return buf.Bytes(), "br", nil
	default:
		return body, "", nil
	}
}
