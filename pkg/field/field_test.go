package field

import (
	"math"
	"slices"
	"testing"

	"xpinn-pbe/internal/domain"
)

// quadratic is p0·|x|² + p1.
type quadratic struct{}

func (quadratic) NumParams() int { return 2 }

func (quadratic) Forward(params []float64, x domain.Point) float64 {
	return params[0]*x.Dot(x) + params[1]
}

func newQuadratic(t *testing.T, p0, p1, scale float64) *Field {
	t.Helper()
	f, err := NewField(quadratic{}, []float64{p0, p1}, scale)
	if err != nil {
		t.Fatalf("new field: %v", err)
	}
	return f
}

func TestFieldDerivatives(t *testing.T) {
	f := newQuadratic(t, 2, 1, 1)
	x := domain.Point{0.5, -1, 2}

	if got, want := f.Value(x), 2*x.Dot(x)+1; math.Abs(got-want) > 1e-12 {
		t.Fatalf("value: got %v want %v", got, want)
	}
	g := f.Gradient(x)
	for i := range g {
		if want := 4 * x[i]; math.Abs(g[i]-want) > 1e-6 {
			t.Fatalf("gradient[%d]: got %v want %v", i, g[i], want)
		}
	}
	if got := f.Laplacian(x); math.Abs(got-12) > 1e-3 {
		t.Fatalf("laplacian: got %v want 12", got)
	}
}

func TestFieldScaleNormalizesInput(t *testing.T) {
	f := newQuadratic(t, 1, 0, 2)
	x := domain.Point{2, 0, 0}
	if got := f.Value(x); math.Abs(got-1) > 1e-12 {
		t.Fatalf("scaled value: got %v want 1", got)
	}
	if got := f.Laplacian(x); math.Abs(got-1.5) > 1e-3 {
		t.Fatalf("scaled laplacian: got %v want 1.5", got)
	}
}

func TestNewFieldValidation(t *testing.T) {
	if _, err := NewField(nil, nil, 1); err == nil {
		t.Fatal("expected error for nil network")
	}
	if _, err := NewField(quadratic{}, []float64{1}, 1); err == nil {
		t.Fatal("expected error for wrong parameter count")
	}
	if _, err := NewField(quadratic{}, []float64{1, 0}, 0); err == nil {
		t.Fatal("expected error for zero scale")
	}
}

func TestDualFieldRejectsSharedField(t *testing.T) {
	f := newQuadratic(t, 1, 0, 1)
	if _, err := NewDualField(f, f); err == nil {
		t.Fatal("expected error for shared field")
	}
	if _, err := NewDualField(f, nil); err == nil {
		t.Fatal("expected error for missing exterior field")
	}
}

func TestDualFieldWithLeavesOriginalUntouched(t *testing.T) {
	dual, err := NewDualField(newQuadratic(t, 1, 0, 1), newQuadratic(t, 3, 0, 1))
	if err != nil {
		t.Fatalf("new dual field: %v", err)
	}
	x := domain.Point{1, 0, 0}

	other := dual.With(domain.Interior, []float64{5, 0})
	if got := other.Value(domain.Interior, x); got != 5 {
		t.Fatalf("with interior: got %v want 5", got)
	}
	if got := dual.Value(domain.Interior, x); got != 1 {
		t.Fatalf("original interior changed: %v", got)
	}
	if got := other.Value(domain.Exterior, x); got != 3 {
		t.Fatalf("exterior should be shared: got %v", got)
	}
}

func TestDualFieldConcatSplit(t *testing.T) {
	dual, err := NewDualField(newQuadratic(t, 1, 2, 1), newQuadratic(t, 3, 4, 1))
	if err != nil {
		t.Fatalf("new dual field: %v", err)
	}
	x := dual.Concat()
	if !slices.Equal(x, []float64{1, 2, 3, 4}) {
		t.Fatalf("concat: %v", x)
	}
	in, out := dual.Split(x)
	if !slices.Equal(in, []float64{1, 2}) || !slices.Equal(out, []float64{3, 4}) {
		t.Fatalf("split: %v %v", in, out)
	}

	if err := dual.SetParams(domain.Exterior, []float64{7}); err == nil {
		t.Fatal("expected error for wrong parameter count")
	}
	if err := dual.SetParams(domain.Exterior, []float64{7, 8}); err != nil {
		t.Fatalf("set params: %v", err)
	}
	if got := dual.Snapshot()[domain.Exterior]; !slices.Equal(got, []float64{7, 8}) {
		t.Fatalf("snapshot: %v", got)
	}
}
