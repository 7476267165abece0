package geometry

import (
	"errors"
	"math"
	"testing"
)

const tolerance = 1e-9

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestTransformationMatrix_NoRotation(t *testing.T) {
	m := TransformationMatrix(640, 480, 300, 300, 0, false)

	tests := []struct {
		name         string
		x, y         float64
		wantX, wantY float64
	}{
		{"origin", 0, 0, 0, 0},
		{"far corner", 640, 480, 300, 300},
		{"center", 320, 240, 150, 150},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x, y := m.MapPoint(tt.x, tt.y)
			if !almostEqual(x, tt.wantX) || !almostEqual(y, tt.wantY) {
				t.Errorf("MapPoint(%v, %v) = (%v, %v), want (%v, %v)", tt.x, tt.y, x, y, tt.wantX, tt.wantY)
			}
		})
	}
}

func TestTransformationMatrix_Rotate90(t *testing.T) {
	m := TransformationMatrix(640, 480, 300, 300, 90, false)

	// Top-left of the frame lands in the top-right of the crop
	x, y := m.MapPoint(0, 0)
	if !almostEqual(x, 300) || !almostEqual(y, 0) {
		t.Errorf("MapPoint(0, 0) = (%v, %v), want (300, 0)", x, y)
	}

	x, y = m.MapPoint(640, 480)
	if !almostEqual(x, 0) || !almostEqual(y, 300) {
		t.Errorf("MapPoint(640, 480) = (%v, %v), want (0, 300)", x, y)
	}

	x, y = m.MapPoint(320, 240)
	if !almostEqual(x, 150) || !almostEqual(y, 150) {
		t.Errorf("center mapped to (%v, %v), want (150, 150)", x, y)
	}
}

func TestTransformationMatrix_SameSizeIsIdentity(t *testing.T) {
	m := TransformationMatrix(300, 300, 300, 300, 0, false)
	if m != Identity() {
		t.Errorf("Expected identity, got %s", m)
	}
}

func TestTransformationMatrix_MaintainAspect(t *testing.T) {
	m := TransformationMatrix(640, 480, 300, 300, 0, true)

	// Uniform scale by the larger factor 300/480
	if !almostEqual(m.A, 0.625) || !almostEqual(m.D, 0.625) {
		t.Errorf("Expected uniform scale 0.625, got %s", m)
	}
}

func TestRoundTrip(t *testing.T) {
	sizes := []struct {
		srcW, srcH, dstW, dstH int
	}{
		{640, 480, 300, 300},
		{480, 640, 300, 300},
		{1920, 1080, 416, 416},
		{17, 3, 5, 11},
	}
	rotations := []int{0, 90, 180, 270, -90, 45}
	points := [][2]float64{{0, 0}, {10.5, 20.25}, {639, 479}, {-3, 1000}}

	for _, s := range sizes {
		for _, rot := range rotations {
			for _, aspect := range []bool{false, true} {
				pair, err := NewTransformPair(s.srcW, s.srcH, s.dstW, s.dstH, rot, aspect)
				if err != nil {
					t.Fatalf("NewTransformPair(%v, %d, %v) failed: %v", s, rot, aspect, err)
				}
				for _, p := range points {
					fx, fy := pair.Forward.MapPoint(p[0], p[1])
					bx, by := pair.Inverse.MapPoint(fx, fy)
					if math.Abs(bx-p[0]) > 1e-6 || math.Abs(by-p[1]) > 1e-6 {
						t.Errorf("size %v rot %d aspect %v: (%v, %v) round-tripped to (%v, %v)",
							s, rot, aspect, p[0], p[1], bx, by)
					}
				}
			}
		}
	}
}

func TestNewTransformPair_Degenerate(t *testing.T) {
	tests := []struct {
		name                   string
		srcW, srcH, dstW, dstH int
	}{
		{"zero source width", 0, 480, 300, 300},
		{"zero source height", 640, 0, 300, 300},
		{"zero crop", 640, 480, 0, 0},
		{"negative", -640, 480, 300, 300},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTransformPair(tt.srcW, tt.srcH, tt.dstW, tt.dstH, 90, false)
			if !errors.Is(err, ErrDegenerate) {
				t.Errorf("Expected ErrDegenerate, got %v", err)
			}
		})
	}
}

func TestMatrix_InvertSingular(t *testing.T) {
	_, err := Scale(0, 1).Invert()
	if !errors.Is(err, ErrSingular) {
		t.Errorf("Expected ErrSingular, got %v", err)
	}
}

func TestMatrix_Concat(t *testing.T) {
	// Translate then scale: (1,1) -> (3,4) -> (6,12)
	m := Translate(2, 3).Concat(Scale(2, 3))
	x, y := m.MapPoint(1, 1)
	if !almostEqual(x, 6) || !almostEqual(y, 12) {
		t.Errorf("MapPoint(1, 1) = (%v, %v), want (6, 12)", x, y)
	}
}

func TestMatrix_MapRect(t *testing.T) {
	r := Rect{Left: 10, Top: 20, Right: 30, Bottom: 60}

	t.Run("scale", func(t *testing.T) {
		got := Scale(2, 0.5).MapRect(r)
		want := Rect{Left: 20, Top: 10, Right: 60, Bottom: 30}
		if got != want {
			t.Errorf("MapRect = %+v, want %+v", got, want)
		}
	})

	t.Run("rotation keeps box ordered", func(t *testing.T) {
		got := Rotate(90).MapRect(r)
		if got.Left > got.Right || got.Top > got.Bottom {
			t.Errorf("MapRect returned unordered box %+v", got)
		}
		if !almostEqual(got.Width(), r.Height()) || !almostEqual(got.Height(), r.Width()) {
			t.Errorf("Expected width/height to swap, got %+v", got)
		}
	})
}

func TestMatrix_Aff3(t *testing.T) {
	m := Matrix{A: 1, B: 2, TX: 3, C: 4, D: 5, TY: 6}
	aff := m.Aff3()
	for i, want := range []float64{1, 2, 3, 4, 5, 6} {
		if math.Abs(aff[i]-want) > tolerance {
			t.Errorf("Aff3[%d] = %v, want %v", i, aff[i], want)
		}
	}
}
