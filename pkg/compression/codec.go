package compression

// Body compression for the ASAP transports. Senders compress only when the
// serialized body is strictly larger than the negotiated threshold; receivers
// must treat decompression as hostile input and enforce the post-inflation
// ceiling.

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
)

// Content-Encoding tokens the runtime understands.
const (
	Identity = "identity"
	Gzip     = "gzip"
	Brotli   = "br"
)

// DefaultThreshold is the body size in bytes above which (strictly) senders
// compress.
const DefaultThreshold = 1024

var (
	ErrUnsupportedEncoding = fmt.Errorf("unsupported content encoding")
	ErrTooLarge            = fmt.Errorf("decompressed body exceeds size limit")
)

// AcceptHeader is the Accept-Encoding value advertising every algorithm the
// runtime can decode.
const AcceptHeader = "br, gzip"

// Negotiate picks the best encoding the peer accepts. Preference order is
// br > gzip > identity; an empty header means identity.
func Negotiate(acceptEncoding string) string {
	var hasGzip bool
	for _, token := range strings.Split(acceptEncoding, ",") {
		token = strings.TrimSpace(token)
		if i := strings.IndexByte(token, ';'); i >= 0 {
			token = strings.TrimSpace(token[:i])
		}
		switch token {
		case Brotli:
			return Brotli
		case Gzip, "*":
			hasGzip = true
		}
	}
	if hasGzip {
		return Gzip
	}
	return Identity
}

// ShouldCompress applies the strictly-greater-than threshold rule.
func ShouldCompress(size, threshold int) bool {
	return size > threshold
}

// Encode compresses data with the given encoding. Identity returns the input
// unchanged.
func Encode(data []byte, encoding string) ([]byte, error) {
	switch encoding {
	case Identity, "":
		return data, nil
	case Gzip:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case Brotli:
		var buf bytes.Buffer
		bw := brotli.NewWriter(&buf)
		if _, err := bw.Write(data); err != nil {
			return nil, err
		}
		if err := bw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, encoding)
	}
}

/*
Decode inflates data according to the encoding, enforcing maxSize on the
decompressed output. Exactly maxSize bytes is allowed; one byte more fails
with ErrTooLarge. The limit guards against decompression bombs, so it is
applied while reading rather than after.
*/
func Decode(data []byte, encoding string, maxSize int64) ([]byte, error) {
	switch encoding {
	case Identity, "":
		if maxSize > 0 && int64(len(data)) > maxSize {
			return nil, ErrTooLarge
		}
		return data, nil
	case Gzip:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("corrupt gzip data: %w", err)
		}
		defer zr.Close()
		return readLimited(zr, maxSize)
	case Brotli:
		return readLimited(brotli.NewReader(bytes.NewReader(data)), maxSize)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, encoding)
	}
}

func readLimited(r io.Reader, maxSize int64) ([]byte, error) {
	if maxSize <= 0 {
		return io.ReadAll(r)
	}

	out, err := io.ReadAll(io.LimitReader(r, maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("corrupt compressed data: %w", err)
	}
	if int64(len(out)) > maxSize {
		return nil, ErrTooLarge
	}
	return out, nil
}
