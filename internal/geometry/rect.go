package geometry

import "math"

// Rect is an axis aligned box in pixel coordinates
type Rect struct {
	Left   float64 `json:"left" yaml:"left"`
	Top    float64 `json:"top" yaml:"top"`
	Right  float64 `json:"right" yaml:"right"`
	Bottom float64 `json:"bottom" yaml:"bottom"`
}

// Width returns the width of the box
func (r Rect) Width() float64 {
	return r.Right - r.Left
}

// Height returns the height of the box
func (r Rect) Height() float64 {
	return r.Bottom - r.Top
}

// Empty reports whether the box has no area
func (r Rect) Empty() bool {
	return r.Right <= r.Left || r.Bottom <= r.Top
}

// Area returns the area of the box, zero when empty
func (r Rect) Area() float64 {
	if r.Empty() {
		return 0
	}
	return r.Width() * r.Height()
}

// Center returns the center point of the box
func (r Rect) Center() (float64, float64) {
	return (r.Left + r.Right) / 2, (r.Top + r.Bottom) / 2
}

// Sorted returns r with Left <= Right and Top <= Bottom
func (r Rect) Sorted() Rect {
	if r.Left > r.Right {
		r.Left, r.Right = r.Right, r.Left
	}
	if r.Top > r.Bottom {
		r.Top, r.Bottom = r.Bottom, r.Top
	}
	return r
}

// Intersect returns the overlapping region of r and other
func (r Rect) Intersect(other Rect) Rect {
	out := Rect{
		Left:   math.Max(r.Left, other.Left),
		Top:    math.Max(r.Top, other.Top),
		Right:  math.Min(r.Right, other.Right),
		Bottom: math.Min(r.Bottom, other.Bottom),
	}
	if out.Empty() {
		return Rect{}
	}
	return out
}

// IoU calculates Intersection over Union with another box
func (r Rect) IoU(other Rect) float64 {
	intersection := r.Intersect(other).Area()
	if intersection == 0 {
		return 0
	}

	union := r.Area() + other.Area() - intersection
	if union == 0 {
		return 0
	}

	return intersection / union
}

// OverlapOfSmaller returns the intersection area divided by the area of the
// smaller of the two boxes
func (r Rect) OverlapOfSmaller(other Rect) float64 {
	intersection := r.Intersect(other).Area()
	if intersection == 0 {
		return 0
	}

	smaller := math.Min(r.Area(), other.Area())
	if smaller == 0 {
		return 0
	}

	return intersection / smaller
}
