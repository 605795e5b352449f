package canvas

import (
	"bytes"
	"image"
	"image/png"
)

// PNG renders the canvas as a PNG image for the snapshot endpoint.
func (c *Canvas) PNG() ([]byte, error) {
	img := image.NewNRGBA(image.Rect(0, 0, c.width, c.height))
	for y := 0; y < c.height; y++ {
		src := c.pix[y*c.width*3 : (y+1)*c.width*3]
		dst := img.Pix[y*img.Stride : y*img.Stride+c.width*4]
		for x := 0; x < c.width; x++ {
			dst[x*4] = src[x*3]
			dst[x*4+1] = src[x*3+1]
			dst[x*4+2] = src[x*3+2]
			dst[x*4+3] = 0xff
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
