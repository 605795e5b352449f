// Package canvas owns the pixel grid shared by the edit pipeline and the
// HTTP snapshot surface: the raw RGB buffer, its content hash, the stored
// (gzip) form, color parsing, and PNG rendering.
package canvas

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Canvas is the server-authoritative raster: width*height pixels, 3 bytes
// per pixel (RGB), row-major. The applier is the sole writer; every other
// reader works from snapshots or the cache.
type Canvas struct {
	width  int
	height int
	pix    []byte
}

// New returns a canvas of the given dimensions with every pixel set to fill.
func New(width, height int, fill [3]byte) *Canvas {
	c := &Canvas{
		width:  width,
		height: height,
		pix:    make([]byte, width*height*3),
	}
	c.Fill(fill)
	return c
}

// FromBytes wraps an existing raw bitmap. The slice is adopted, not copied,
// and must be exactly width*height*3 bytes.
func FromBytes(width, height int, pix []byte) (*Canvas, error) {
	if want := width * height * 3; len(pix) != want {
		return nil, fmt.Errorf("canvas: bitmap is %d bytes, want %d (%dx%d)", len(pix), want, width, height)
	}
	return &Canvas{width: width, height: height, pix: pix}, nil
}

func (c *Canvas) Width() int  { return c.width }
func (c *Canvas) Height() int { return c.height }

// InBounds reports whether (x, y) addresses a pixel on this canvas.
func (c *Canvas) InBounds(x, y int) bool {
	return x >= 0 && x < c.width && y >= 0 && y < c.height
}

// Set writes one pixel. Out-of-range coordinates are ignored; bounds are
// enforced at ingress, this guards the buffer itself.
func (c *Canvas) Set(x, y int, rgb [3]byte) {
	if !c.InBounds(x, y) {
		return
	}
	i := (y*c.width + x) * 3
	c.pix[i] = rgb[0]
	c.pix[i+1] = rgb[1]
	c.pix[i+2] = rgb[2]
}

// At reads one pixel. Out-of-range coordinates return black.
func (c *Canvas) At(x, y int) [3]byte {
	var rgb [3]byte
	if !c.InBounds(x, y) {
		return rgb
	}
	i := (y*c.width + x) * 3
	rgb[0] = c.pix[i]
	rgb[1] = c.pix[i+1]
	rgb[2] = c.pix[i+2]
	return rgb
}

// Fill sets every pixel to rgb.
func (c *Canvas) Fill(rgb [3]byte) {
	if rgb[0] == rgb[1] && rgb[1] == rgb[2] {
		for i := range c.pix {
			c.pix[i] = rgb[0]
		}
		return
	}
	for i := 0; i < len(c.pix); i += 3 {
		c.pix[i] = rgb[0]
		c.pix[i+1] = rgb[1]
		c.pix[i+2] = rgb[2]
	}
}

// Bytes returns the live pixel buffer. The slice aliases the canvas;
// callers that need a stable copy use Snapshot.
func (c *Canvas) Bytes() []byte { return c.pix }

// Hash returns the lowercase hex SHA-256 of the raw pixel bytes.
func (c *Canvas) Hash() string {
	sum := sha256.Sum256(c.pix)
	return hex.EncodeToString(sum[:])
}

// Snapshot copies the current pixel bytes, for rollback or serving.
func (c *Canvas) Snapshot() []byte {
	snap := make([]byte, len(c.pix))
	copy(snap, c.pix)
	return snap
}

// Restore overwrites the canvas with a previously taken snapshot.
func (c *Canvas) Restore(snap []byte) error {
	if len(snap) != len(c.pix) {
		return fmt.Errorf("canvas: snapshot is %d bytes, want %d", len(snap), len(c.pix))
	}
	copy(c.pix, snap)
	return nil
}

// Clone returns an independent copy of the canvas.
func (c *Canvas) Clone() *Canvas {
	return &Canvas{width: c.width, height: c.height, pix: c.Snapshot()}
}
