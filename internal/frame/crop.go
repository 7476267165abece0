package frame

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"

	"github.com/Spatial-NVR/objdetect/internal/geometry"
)

// Cropper renders camera frames into the square model input
type Cropper struct {
	Interpolator draw.Interpolator
	Background   color.Color
}

// NewCropper returns a cropper using bilinear sampling on a black background
func NewCropper() *Cropper {
	return &Cropper{
		Interpolator: draw.BiLinear,
		Background:   color.Black,
	}
}

// Render draws src into dst through the frame to crop transform
func (c *Cropper) Render(dst *image.RGBA, src image.Image, frameToCrop geometry.Matrix) {
	draw.Draw(dst, dst.Bounds(), image.NewUniform(c.Background), image.Point{}, draw.Src)
	c.Interpolator.Transform(dst, frameToCrop.Aff3(), src, src.Bounds(), draw.Src, nil)
}

// BufferPool is a bounded set of crop buffers. A buffer taken with Get is
// owned by the caller until it is handed back with Put.
type BufferPool struct {
	size int
	free chan *image.RGBA
}

// NewBufferPool allocates n square buffers of the given side length
func NewBufferPool(n, size int) *BufferPool {
	if n < 1 {
		n = 1
	}

	p := &BufferPool{
		size: size,
		free: make(chan *image.RGBA, n),
	}
	for i := 0; i < n; i++ {
		p.free <- image.NewRGBA(image.Rect(0, 0, size, size))
	}
	return p
}

// Size returns the side length of the buffers
func (p *BufferPool) Size() int {
	return p.size
}

// Get takes a free buffer without blocking
func (p *BufferPool) Get() (*image.RGBA, bool) {
	select {
	case buf := <-p.free:
		return buf, true
	default:
		return nil, false
	}
}

// Put returns a buffer to the pool. Buffers of the wrong size are discarded.
func (p *BufferPool) Put(buf *image.RGBA) {
	if buf == nil || buf.Bounds().Dx() != p.size || buf.Bounds().Dy() != p.size {
		return
	}
	select {
	case p.free <- buf:
	default:
	}
}

// Available returns the number of free buffers
func (p *BufferPool) Available() int {
	return len(p.free)
}
