// Package bodyutil provides HTTP request body decompression.
package bodyutil

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// ErrTooLarge is returned when a body exceeds the caller's limit, measured
// after decompression.
var ErrTooLarge = errors.New("request body too large")

// ErrUnsupportedEncoding is returned for a Content-Encoding other than
// gzip, zstd or identity.
var ErrUnsupportedEncoding = errors.New("unsupported Content-Encoding")

// zstdDec is a concurrent-safe zstd decoder.
var zstdDec *zstd.Decoder

func init() {
	var err error
	zstdDec, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(64<<20),
	)
	if err != nil {
		panic("bodyutil: init zstd decoder: " + err.Error())
	}
}

// ReadBody reads and decompresses an HTTP request body based on the
// Content-Encoding header value. Supports gzip, zstd, and identity.
// More than maxBytes of decompressed output fails with ErrTooLarge.
func ReadBody(body io.Reader, contentEncoding string, maxBytes int64) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "zstd":
		compressed, err := readLimited(body, maxBytes)
		if err != nil {
			return nil, fmt.Errorf("read compressed body: %w", err)
		}
		decompressed, err := zstdDec.DecodeAll(compressed, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress zstd body: %w", err)
		}
		if int64(len(decompressed)) > maxBytes {
			return nil, ErrTooLarge
		}
		return decompressed, nil

	case "gzip":
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("open gzip reader: %w", err)
		}
		defer func() { _ = gz.Close() }()
		return readLimited(gz, maxBytes)

	case "", "identity":
		return readLimited(body, maxBytes)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, contentEncoding)
	}
}

func readLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	buf, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(buf)) > maxBytes {
		return nil, ErrTooLarge
	}
	return buf, nil
}
