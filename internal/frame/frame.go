// Package frame provides camera frames, frame sources and the crop buffers
// handed from the capture goroutine to the inference worker
package frame

import (
	"image"
	"image/draw"
	"time"
)

// Frame is a single preview frame
type Frame struct {
	Seq       int64
	Timestamp time.Time
	Width     int
	Height    int
	RGB       *image.RGBA
	Luma      []byte // One byte per pixel, row major
}

// New builds a frame from a decoded image. The pixels are copied into a
// zero-origin RGBA buffer and the luminance plane is derived from it.
func New(img image.Image, seq int64, ts time.Time) *Frame {
	b := img.Bounds()
	rgba, ok := img.(*image.RGBA)
	if !ok || b.Min != (image.Point{}) {
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	}

	return &Frame{
		Seq:       seq,
		Timestamp: ts,
		Width:     b.Dx(),
		Height:    b.Dy(),
		RGB:       rgba,
		Luma:      Luminance(rgba),
	}
}

// Luminance returns the Y plane of img using the same weights as color.GrayModel
func Luminance(img *image.RGBA) []byte {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]byte, w*h)

	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			r := uint32(row[x*4])
			g := uint32(row[x*4+1])
			bl := uint32(row[x*4+2])
			out[y*w+x] = uint8((19595*r + 38470*g + 7471*bl + 1<<15) >> 16)
		}
	}

	return out
}

// CopyLuma copies src into dst, reallocating dst when it is too small
func CopyLuma(dst, src []byte) []byte {
	if cap(dst) < len(src) {
		dst = make([]byte, len(src))
	}
	dst = dst[:len(src)]
	copy(dst, src)
	return dst
}
