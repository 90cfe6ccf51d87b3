package nn

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestGemvMatchesGonum(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	rows, cols := 9, 13
	w := make([]float32, rows*cols)
	x := make([]float32, cols)
	b := make([]float32, rows)
	for i := range w {
		w[i] = float32(rng.NormFloat64())
	}
	for i := range x {
		x[i] = float32(rng.NormFloat64())
	}
	for i := range b {
		b[i] = float32(rng.NormFloat64())
	}

	y := make([]float32, rows)
	gemv(y, w, x, b, rows, cols)

	w64 := mat.NewDense(rows, cols, toF64(w))
	x64 := mat.NewVecDense(cols, toF64(x))
	var want mat.VecDense
	want.MulVec(w64, x64)
	for i := 0; i < rows; i++ {
		exp := want.AtVec(i) + float64(b[i])
		if math.Abs(float64(y[i])-exp) > 1e-4 {
			t.Fatalf("gemv row %d: got %g want %g", i, y[i], exp)
		}
	}
}

func TestGemvTMatchesGonum(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	rows, cols := 7, 5
	w := make([]float32, rows*cols)
	d := make([]float32, rows)
	for i := range w {
		w[i] = float32(rng.NormFloat64())
	}
	for i := range d {
		d[i] = float32(rng.NormFloat64())
	}

	y := make([]float32, cols)
	gemvT(y, w, d, rows, cols)

	w64 := mat.NewDense(rows, cols, toF64(w))
	d64 := mat.NewVecDense(rows, toF64(d))
	var want mat.VecDense
	want.MulVec(w64.T(), d64)
	for j := 0; j < cols; j++ {
		if math.Abs(float64(y[j])-want.AtVec(j)) > 1e-4 {
			t.Fatalf("gemvT col %d: got %g want %g", j, y[j], want.AtVec(j))
		}
	}
}

func toF64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func TestSoftmaxProperties(t *testing.T) {
	v := []float32{1.5, -2, 0.25, 4, 4}
	softmaxInPlace(v)
	var sum float64
	for _, p := range v {
		if p < 0 {
			t.Fatalf("negative probability %g", p)
		}
		sum += float64(p)
	}
	if math.Abs(sum-1) > 1e-5 {
		t.Fatalf("softmax sums to %g", sum)
	}
	if v[3] != v[4] {
		t.Fatalf("equal logits got unequal mass: %g vs %g", v[3], v[4])
	}
}

func TestSoftmaxInfCollapse(t *testing.T) {
	v := []float32{0, float32(math.Inf(1)), 3}
	softmaxInPlace(v)
	if v[1] != 1 || v[0] != 0 || v[2] != 0 {
		t.Fatalf("+inf logit should take all mass, got %v", v)
	}
}

func TestLayerNormBackwardNumeric(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	n := 6
	x := make([]float32, n)
	gamma := make([]float32, n)
	dOut := make([]float32, n)
	for i := 0; i < n; i++ {
		x[i] = float32(rng.NormFloat64())
		gamma[i] = 1 + 0.1*float32(rng.NormFloat64())
		dOut[i] = float32(rng.NormFloat64())
	}

	out := make([]float32, n)
	mean, inv := layerNormForward(out, x, gamma, nil, normEps)
	dX := make([]float32, n)
	layerNormBackward(dX, dOut, x, gamma, nil, nil, mean, inv)

	// Central differences on the scalar loss sum(dOut .* y(x)).
	const h = 1e-3
	for i := 0; i < n; i++ {
		orig := x[i]
		x[i] = orig + h
		layerNormForward(out, x, gamma, nil, normEps)
		up := weightedSum(out, dOut)
		x[i] = orig - h
		layerNormForward(out, x, gamma, nil, normEps)
		dn := weightedSum(out, dOut)
		x[i] = orig
		num := (up - dn) / (2 * h)
		if math.Abs(num-float64(dX[i])) > 5e-3 {
			t.Fatalf("dX[%d]: analytic %g numeric %g", i, dX[i], num)
		}
	}
}

func TestLayerNormBackwardDoesNotAllocate(t *testing.T) {
	const n = 32
	x := make([]float32, n)
	gamma := make([]float32, n)
	out := make([]float32, n)
	dOut := make([]float32, n)
	dX := make([]float32, n)
	gGamma := make([]float32, n)
	gBeta := make([]float32, n)
	for i := 0; i < n; i++ {
		x[i] = float32(i%7) - 3
		gamma[i] = 1
		dOut[i] = float32(i%5) * 0.1
	}
	mean, inv := layerNormForward(out, x, gamma, nil, normEps)

	allocs := testing.AllocsPerRun(100, func() {
		layerNormBackward(dX, dOut, x, gamma, gGamma, gBeta, mean, inv)
	})
	if allocs != 0 {
		t.Fatalf("layer-norm backward allocated %.1f times per run, want 0", allocs)
	}
}

func TestRMSNormBackwardNumeric(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	n := 6
	x := make([]float32, n)
	gamma := make([]float32, n)
	dOut := make([]float32, n)
	for i := 0; i < n; i++ {
		x[i] = float32(rng.NormFloat64())
		gamma[i] = 1 + 0.1*float32(rng.NormFloat64())
		dOut[i] = float32(rng.NormFloat64())
	}

	out := make([]float32, n)
	inv := rmsNormForward(out, x, gamma, normEps)
	dX := make([]float32, n)
	rmsNormBackward(dX, dOut, x, gamma, nil, inv)

	const h = 1e-3
	for i := 0; i < n; i++ {
		orig := x[i]
		x[i] = orig + h
		rmsNormForward(out, x, gamma, normEps)
		up := weightedSum(out, dOut)
		x[i] = orig - h
		rmsNormForward(out, x, gamma, normEps)
		dn := weightedSum(out, dOut)
		x[i] = orig
		num := (up - dn) / (2 * h)
		if math.Abs(num-float64(dX[i])) > 5e-3 {
			t.Fatalf("dX[%d]: analytic %g numeric %g", i, dX[i], num)
		}
	}
}

func weightedSum(y, w []float32) float64 {
	var s float64
	for i := range y {
		s += float64(y[i]) * float64(w[i])
	}
	return s
}

func TestClampf(t *testing.T) {
	if got := clampf(12, 10); got != 10 {
		t.Fatalf("clampf(12,10) = %g", got)
	}
	if got := clampf(-12, 10); got != -10 {
		t.Fatalf("clampf(-12,10) = %g", got)
	}
	if got := clampf(3, 10); got != 3 {
		t.Fatalf("clampf(3,10) = %g", got)
	}
}
