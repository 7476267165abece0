// Package geometry provides the affine transforms used to move boxes between
// camera frame, model crop and overlay canvas coordinates
package geometry

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"golang.org/x/image/math/f64"
)

var (
	// ErrDegenerate is returned when a source or destination size is not positive
	ErrDegenerate = errors.New("degenerate transform dimensions")
	// ErrSingular is returned when a matrix has no inverse
	ErrSingular = errors.New("matrix is not invertible")
)

const singularEpsilon = 1e-12

// Matrix is a 2D affine transform.
//
//	x' = A*x + B*y + TX
//	y' = C*x + D*y + TY
type Matrix struct {
	A, B, TX float64
	C, D, TY float64
}

// Identity returns the identity transform
func Identity() Matrix {
	return Matrix{A: 1, D: 1}
}

// Translate returns a translation matrix
func Translate(dx, dy float64) Matrix {
	return Matrix{A: 1, D: 1, TX: dx, TY: dy}
}

// Scale returns a scaling matrix
func Scale(sx, sy float64) Matrix {
	return Matrix{A: sx, D: sy}
}

// Rotate returns a rotation matrix for the given angle in degrees.
// Positive angles rotate clockwise in image space (y axis pointing down).
func Rotate(degrees float64) Matrix {
	sin, cos := sinCos(degrees)
	return Matrix{A: cos, B: -sin, C: sin, D: cos}
}

// sinCos snaps quarter turns to exact values so that 90 degree rotations
// map integer pixel coordinates to integer pixel coordinates.
func sinCos(degrees float64) (float64, float64) {
	d := math.Mod(degrees, 360)
	if d < 0 {
		d += 360
	}
	switch d {
	case 0:
		return 0, 1
	case 90:
		return 1, 0
	case 180:
		return 0, -1
	case 270:
		return -1, 0
	}
	rad := d * math.Pi / 180
	return math.Sin(rad), math.Cos(rad)
}

// Concat returns the transform that applies m first and then next
func (m Matrix) Concat(next Matrix) Matrix {
	return Matrix{
		A:  next.A*m.A + next.B*m.C,
		B:  next.A*m.B + next.B*m.D,
		TX: next.A*m.TX + next.B*m.TY + next.TX,
		C:  next.C*m.A + next.D*m.C,
		D:  next.C*m.B + next.D*m.D,
		TY: next.C*m.TX + next.D*m.TY + next.TY,
	}
}

// Determinant returns the determinant of the linear part
func (m Matrix) Determinant() float64 {
	return m.A*m.D - m.B*m.C
}

// Invert returns the algebraic inverse of m
func (m Matrix) Invert() (Matrix, error) {
	det := m.Determinant()
	if math.Abs(det) < singularEpsilon || math.IsNaN(det) || math.IsInf(det, 0) {
		return Matrix{}, ErrSingular
	}

	return Matrix{
		A:  m.D / det,
		B:  -m.B / det,
		TX: (m.B*m.TY - m.D*m.TX) / det,
		C:  -m.C / det,
		D:  m.A / det,
		TY: (m.C*m.TX - m.A*m.TY) / det,
	}, nil
}

// MapPoint transforms a single point
func (m Matrix) MapPoint(x, y float64) (float64, float64) {
	return m.A*x + m.B*y + m.TX, m.C*x + m.D*y + m.TY
}

// MapRect transforms the four corners of r and returns their bounding box
func (m Matrix) MapRect(r Rect) Rect {
	xs := [4]float64{}
	ys := [4]float64{}
	xs[0], ys[0] = m.MapPoint(r.Left, r.Top)
	xs[1], ys[1] = m.MapPoint(r.Right, r.Top)
	xs[2], ys[2] = m.MapPoint(r.Right, r.Bottom)
	xs[3], ys[3] = m.MapPoint(r.Left, r.Bottom)

	out := Rect{Left: xs[0], Top: ys[0], Right: xs[0], Bottom: ys[0]}
	for i := 1; i < 4; i++ {
		out.Left = math.Min(out.Left, xs[i])
		out.Right = math.Max(out.Right, xs[i])
		out.Top = math.Min(out.Top, ys[i])
		out.Bottom = math.Max(out.Bottom, ys[i])
	}
	return out
}

// Aff3 returns m in the layout expected by golang.org/x/image/draw
func (m Matrix) Aff3() f64.Aff3 {
	return f64.Aff3{m.A, m.B, m.TX, m.C, m.D, m.TY}
}

// String implements fmt.Stringer
func (m Matrix) String() string {
	return fmt.Sprintf("[%.4f %.4f %.4f; %.4f %.4f %.4f]", m.A, m.B, m.TX, m.C, m.D, m.TY)
}

// TransformationMatrix returns the transform from a srcW x srcH image to a
// dstW x dstH image, rotating by rotation degrees around the image center.
// When maintainAspect is set, the source is scaled uniformly so that the
// destination is filled completely; some of the source may fall off the edge.
func TransformationMatrix(srcW, srcH, dstW, dstH, rotation int, maintainAspect bool) Matrix {
	m := Identity()

	if rotation != 0 {
		if rotation%90 != 0 {
			slog.Default().With("component", "geometry").Warn("Rotation is not a multiple of 90", "rotation", rotation)
		}
		// Center the image on the origin and rotate around it
		m = m.Concat(Translate(-float64(srcW)/2, -float64(srcH)/2))
		m = m.Concat(Rotate(float64(rotation)))
	}

	// Account for the rotation already applied when working out the scale
	transpose := (absInt(rotation)+90)%180 == 0
	inW, inH := srcW, srcH
	if transpose {
		inW, inH = srcH, srcW
	}

	if inW != dstW || inH != dstH {
		sx := float64(dstW) / float64(inW)
		sy := float64(dstH) / float64(inH)
		if maintainAspect {
			s := math.Max(sx, sy)
			m = m.Concat(Scale(s, s))
		} else {
			m = m.Concat(Scale(sx, sy))
		}
	}

	if rotation != 0 {
		m = m.Concat(Translate(float64(dstW)/2, float64(dstH)/2))
	}

	return m
}

// TransformPair holds a forward transform and its inverse
type TransformPair struct {
	Forward Matrix
	Inverse Matrix
}

// NewTransformPair computes the frame to crop transform and its inverse
func NewTransformPair(srcW, srcH, dstW, dstH, rotation int, maintainAspect bool) (TransformPair, error) {
	if srcW <= 0 || srcH <= 0 || dstW <= 0 || dstH <= 0 {
		return TransformPair{}, fmt.Errorf("%w: %dx%d -> %dx%d", ErrDegenerate, srcW, srcH, dstW, dstH)
	}

	forward := TransformationMatrix(srcW, srcH, dstW, dstH, rotation, maintainAspect)
	inverse, err := forward.Invert()
	if err != nil {
		return TransformPair{}, fmt.Errorf("failed to invert %s: %w", forward, err)
	}

	return TransformPair{Forward: forward, Inverse: inverse}, nil
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
