package tensor

import (
	"math"
	"testing"
)

func TestLinear(t *testing.T) {
	w := NewMatFromData(2, 3, []float32{
		1, 2, 3,
		4, 5, 6,
	})
	x := []float32{1, 0, -1}
	b := []float32{0.5, -0.5}
	y := make([]float32, 2)

	Linear(y, &w, b, x)

	want := []float32{1 - 3 + 0.5, 4 - 6 - 0.5}
	for i := range want {
		if y[i] != want[i] {
			t.Fatalf("y[%d] = %v, want %v", i, y[i], want[i])
		}
	}
}

func TestSoftmaxSumsToOne(t *testing.T) {
	x := []float32{1, 2, 3, 4, -10}
	Softmax(x)
	var sum float32
	for i, v := range x {
		if v < 0 || v > 1 {
			t.Fatalf("probability out of range at %d: %v", i, v)
		}
		sum += v
	}
	if math.Abs(float64(sum-1)) > 1e-5 {
		t.Fatalf("softmax sum = %v, want 1", sum)
	}
	if Argmax(x) != 3 {
		t.Fatalf("softmax should preserve argmax, got %d", Argmax(x))
	}
}

func TestLayerNormMoments(t *testing.T) {
	x := []float32{3, -1, 4, 1, 5, -9, 2, 6}
	gamma := ones(len(x))
	beta := make([]float32, len(x))
	y := make([]float32, len(x))

	LayerNorm(y, x, gamma, beta, 1e-5)

	var mean, varsum float32
	for _, v := range y {
		mean += v
	}
	mean /= float32(len(y))
	for _, v := range y {
		varsum += (v - mean) * (v - mean)
	}
	varsum /= float32(len(y))

	if math.Abs(float64(mean)) > 1e-5 {
		t.Fatalf("normalized mean = %v, want 0", mean)
	}
	if math.Abs(float64(varsum-1)) > 1e-3 {
		t.Fatalf("normalized variance = %v, want 1", varsum)
	}
}

// Gradient checks: compare analytic backward passes against central finite
// differences of a scalar objective sum(f(x) * weight).

const (
	fdStep = 1e-2
	fdTol  = 5e-3
)

func TestLinearBackwardGradcheck(t *testing.T) {
	w := NewMat(3, 4)
	FillNormal(&w, 1, 0.5)
	b := []float32{0.1, -0.2, 0.3}
	x := []float32{0.5, -1, 0.25, 2}
	up := []float32{1, -0.5, 0.75} // upstream gradient

	dx := make([]float32, len(x))
	dw := NewMat(3, 4)
	db := make([]float32, len(b))
	LinearBackward(dx, &dw, db, &w, x, up)

	obj := func() float32 {
		y := make([]float32, 3)
		Linear(y, &w, b, x)
		return Dot(y, up)
	}
	for i := range x {
		checkGrad(t, "dx", i, dx[i], &x[i], obj)
	}
	for i := range w.Data {
		checkGrad(t, "dw", i, dw.Data[i], &w.Data[i], obj)
	}
	for i := range b {
		checkGrad(t, "db", i, db[i], &b[i], obj)
	}
}

func TestLayerNormBackwardGradcheck(t *testing.T) {
	x := []float32{0.5, -1.5, 2, 0.25}
	gamma := []float32{1.1, 0.9, 1.0, 1.2}
	beta := []float32{0, 0.1, -0.1, 0.2}
	up := []float32{0.7, -0.3, 1, 0.5}

	y := make([]float32, len(x))
	mean, rstd := LayerNorm(y, x, gamma, beta, 1e-5)

	dx := make([]float32, len(x))
	dgamma := make([]float32, len(x))
	dbeta := make([]float32, len(x))
	LayerNormBackward(dx, dgamma, dbeta, x, gamma, up, mean, rstd)

	obj := func() float32 {
		out := make([]float32, len(x))
		LayerNorm(out, x, gamma, beta, 1e-5)
		return Dot(out, up)
	}
	for i := range x {
		checkGrad(t, "dx", i, dx[i], &x[i], obj)
	}
	for i := range gamma {
		checkGrad(t, "dgamma", i, dgamma[i], &gamma[i], obj)
	}
	for i := range beta {
		checkGrad(t, "dbeta", i, dbeta[i], &beta[i], obj)
	}
}

func TestGELUBackwardGradcheck(t *testing.T) {
	x := []float32{-2, -0.5, 0, 0.5, 2}
	up := []float32{1, 1, 1, 1, 1}

	dx := make([]float32, len(x))
	GELUBackward(dx, x, up)

	obj := func() float32 {
		y := make([]float32, len(x))
		GELU(y, x)
		return Dot(y, up)
	}
	for i := range x {
		checkGrad(t, "dx", i, dx[i], &x[i], obj)
	}
}

func checkGrad(t *testing.T, name string, i int, analytic float32, p *float32, obj func() float32) {
	t.Helper()
	orig := *p
	*p = orig + fdStep
	plus := obj()
	*p = orig - fdStep
	minus := obj()
	*p = orig

	numeric := (plus - minus) / (2 * fdStep)
	if math.Abs(float64(numeric-analytic)) > fdTol {
		t.Fatalf("%s[%d]: analytic %v vs numeric %v", name, i, analytic, numeric)
	}
}

func ones(n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = 1
	}
	return v
}
