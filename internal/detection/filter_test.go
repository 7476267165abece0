package detection

import (
	"testing"

	"github.com/Spatial-NVR/objdetect/internal/geometry"
)

func rect(l, t, r, b float64) *geometry.Rect {
	return &geometry.Rect{Left: l, Top: t, Right: r, Bottom: b}
}

func TestFilterResults_Threshold(t *testing.T) {
	results := []Recognition{
		{ID: "0", Title: "person", Confidence: 0.59, Location: rect(0, 0, 10, 10)},
		{ID: "1", Title: "dog", Confidence: 0.6, Location: rect(0, 0, 10, 10)},
		{ID: "2", Title: "cat", Confidence: 0.95, Location: rect(0, 0, 10, 10)},
		{ID: "3", Title: "car", Confidence: 0.1, Location: rect(0, 0, 10, 10)},
	}

	got := FilterResults(results, DefaultMinConfidence, geometry.Identity())

	if len(got) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(got))
	}
	for _, r := range got {
		if r.Confidence < DefaultMinConfidence {
			t.Errorf("Result %s below threshold: %f", r.Title, r.Confidence)
		}
	}
	if got[0].Title != "dog" || got[1].Title != "cat" {
		t.Errorf("Expected input order [dog cat], got [%s %s]", got[0].Title, got[1].Title)
	}
}

func TestFilterResults_MapsThroughInverse(t *testing.T) {
	pair, err := geometry.NewTransformPair(640, 480, 300, 300, 90, false)
	if err != nil {
		t.Fatalf("NewTransformPair failed: %v", err)
	}

	frameBox := geometry.Rect{Left: 100, Top: 50, Right: 300, Bottom: 200}
	cropBox := pair.Forward.MapRect(frameBox)

	results := []Recognition{{Title: "person", Confidence: 0.9, Location: &cropBox}}
	got := FilterResults(results, DefaultMinConfidence, pair.Inverse)

	if len(got) != 1 {
		t.Fatalf("Expected 1 result, got %d", len(got))
	}

	want := pair.Inverse.MapRect(cropBox)
	if *got[0].Location != want {
		t.Errorf("Location = %+v, want %+v", *got[0].Location, want)
	}
	if !almostEqualRect(*got[0].Location, frameBox) {
		t.Errorf("Expected location back in frame space %+v, got %+v", frameBox, *got[0].Location)
	}
}

func TestFilterResults_DoesNotMutateInput(t *testing.T) {
	loc := rect(10, 10, 20, 20)
	results := []Recognition{{Title: "person", Confidence: 0.9, Location: loc}}

	got := FilterResults(results, 0.5, geometry.Scale(2, 2))

	if *loc != (geometry.Rect{Left: 10, Top: 10, Right: 20, Bottom: 20}) {
		t.Errorf("Input location was mutated: %+v", *loc)
	}
	if got[0].Location == loc {
		t.Error("Expected a new location, got the input pointer")
	}
	if *got[0].Location != (geometry.Rect{Left: 20, Top: 20, Right: 40, Bottom: 40}) {
		t.Errorf("Unexpected mapped location %+v", *got[0].Location)
	}
}

func TestFilterResults_SkipsMissingLocation(t *testing.T) {
	results := []Recognition{
		{Title: "person", Confidence: 0.99},
		{Title: "dog", Confidence: 0.99, Location: rect(0, 0, 1, 1)},
	}

	got := FilterResults(results, 0.6, geometry.Identity())
	if len(got) != 1 || got[0].Title != "dog" {
		t.Errorf("Expected only dog, got %v", got)
	}
}

func TestFilterResults_Empty(t *testing.T) {
	got := FilterResults(nil, 0.6, geometry.Identity())
	if got == nil {
		t.Error("Expected non-nil slice")
	}
	if len(got) != 0 {
		t.Errorf("Expected empty result, got %d", len(got))
	}
}

func almostEqualRect(a, b geometry.Rect) bool {
	const eps = 1e-6
	d := func(x, y float64) bool { return x-y < eps && y-x < eps }
	return d(a.Left, b.Left) && d(a.Top, b.Top) && d(a.Right, b.Right) && d(a.Bottom, b.Bottom)
}
