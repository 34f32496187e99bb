// Package compress encodes chunk blobs before upload. Encodings are
// recorded per chunk, so changing the configured encoding never breaks
// retrieval of existing files.
package compress

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// Encoding names a blob encoding
type Encoding string

const (
	None Encoding = "none"
	LZ4  Encoding = "lz4"
)

// ParseEncoding validates an encoding name. Empty selects None.
func ParseEncoding(name string) (Encoding, error) {
	switch Encoding(name) {
	case "", None:
		return None, nil
	case LZ4:
		return LZ4, nil
	default:
		return "", fmt.Errorf("unknown blob encoding: %q", name)
	}
}

// Encode returns data in the given encoding. None returns data unchanged.
func Encode(enc Encoding, data []byte) ([]byte, error) {
	switch enc {
	case "", None:
		return data, nil
	case LZ4:
		var buf bytes.Buffer
		writer := lz4.NewWriter(&buf)
		if _, err := writer.Write(data); err != nil {
			return nil, fmt.Errorf("lz4 compression failed: %w", err)
		}
		if err := writer.Close(); err != nil {
			return nil, fmt.Errorf("lz4 compression failed: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown blob encoding: %q", enc)
	}
}

// ErrTooLarge is returned by Decode when a blob inflates past its limit
var ErrTooLarge = errors.New("decoded blob exceeds limit")

// MaxEncodedSize bounds the encoded size of n bytes in any encoding
func MaxEncodedSize(n int64) int64 {
	return n + n/255 + 64<<10
}

// Decode reverses Encode. Decompression stops once the output passes
// limit bytes and fails with ErrTooLarge. None returns data unchanged.
func Decode(enc Encoding, data []byte, limit int64) ([]byte, error) {
	switch enc {
	case "", None:
		return data, nil
	case LZ4:
		var out bytes.Buffer
		out.Grow(int(min(limit, int64(len(data))*4)) + bytes.MinRead)
		n, err := out.ReadFrom(io.LimitReader(lz4.NewReader(bytes.NewReader(data)), limit+1))
		if err != nil {
			return nil, fmt.Errorf("lz4 decompression failed: %w", err)
		}
		if n > limit {
			return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)
		}
		return out.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown blob encoding: %q", enc)
	}
}
