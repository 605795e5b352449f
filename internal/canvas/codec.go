package canvas

import (
	"bytes"
	"compress/gzip"
	"encoding/hex"
	"fmt"
	"io"
)

// ParseColor converts a "#RRGGBB" string to RGB bytes. Hex digits are
// accepted in either case; anything else is rejected.
func ParseColor(s string) ([3]byte, error) {
	var rgb [3]byte
	if len(s) != 7 || s[0] != '#' {
		return rgb, fmt.Errorf("canvas: color %q is not #RRGGBB", s)
	}
	b, err := hex.DecodeString(s[1:])
	if err != nil {
		return rgb, fmt.Errorf("canvas: color %q is not #RRGGBB", s)
	}
	copy(rgb[:], b)
	return rgb, nil
}

// Compress gzips a raw bitmap into its stored form.
func Compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("canvas: compress bitmap: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("canvas: compress bitmap: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func Decompress(stored []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(stored))
	if err != nil {
		return nil, fmt.Errorf("canvas: decompress bitmap: %w", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("canvas: decompress bitmap: %w", err)
	}
	return raw, nil
}
