package tensor

import "math"

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// Axpy computes dst += a*x element-wise.
func Axpy(dst []float32, a float32, x []float32) {
	for i := range dst {
		dst[i] += a * x[i]
	}
}

// Scale multiplies x by a element-wise.
func Scale(x []float32, a float32) {
	for i := range x {
		x[i] *= a
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Linear computes y = W*x + b where W is [out x in], x has length in and
// y has length out. b may be nil.
func Linear(y []float32, w *Mat, b, x []float32) {
	if len(x) != w.C || len(y) != w.R {
		panic("Linear: dimension mismatch")
	}
	for o := 0; o < w.R; o++ {
		y[o] = Dot(w.Row(o), x)
	}
	if b != nil {
		Add(y, b)
	}
}

// LinearBackward accumulates the gradients of Linear. Given the upstream
// gradient dy it adds W^T*dy into dx, dy(x)^T into dw and dy into db.
// dx, dw and db may each be nil when that gradient is not needed.
func LinearBackward(dx []float32, dw *Mat, db []float32, w *Mat, x, dy []float32) {
	for o := 0; o < w.R; o++ {
		g := dy[o]
		if g == 0 {
			continue
		}
		if dw != nil {
			Axpy(dw.Row(o), g, x)
		}
		if dx != nil {
			Axpy(dx, g, w.Row(o))
		}
		if db != nil {
			db[o] += g
		}
	}
}

// LayerNorm normalizes x to zero mean and unit variance, then scales by
// gamma and shifts by beta: y = (x-mean)*rstd*gamma + beta. It returns the
// mean and reciprocal standard deviation needed by LayerNormBackward.
func LayerNorm(y, x, gamma, beta []float32, eps float32) (mean, rstd float32) {
	n := float32(len(x))
	var sum float32
	for _, v := range x {
		sum += v
	}
	mean = sum / n

	var varsum float32
	for _, v := range x {
		d := v - mean
		varsum += d * d
	}
	rstd = float32(1.0 / math.Sqrt(float64(varsum/n+eps)))

	for i := range x {
		y[i] = (x[i]-mean)*rstd*gamma[i] + beta[i]
	}
	return mean, rstd
}

// LayerNormBackward accumulates gradients of LayerNorm into dx, dgamma and
// dbeta given the upstream gradient dy and the mean/rstd returned by the
// forward pass.
func LayerNormBackward(dx, dgamma, dbeta, x, gamma, dy []float32, mean, rstd float32) {
	n := float32(len(x))

	// xhat = (x-mean)*rstd; g = gamma*dy
	var gMean, gxMean float32
	for i := range x {
		xhat := (x[i] - mean) * rstd
		g := gamma[i] * dy[i]
		gMean += g
		gxMean += g * xhat
	}
	gMean /= n
	gxMean /= n

	for i := range x {
		xhat := (x[i] - mean) * rstd
		g := gamma[i] * dy[i]
		if dx != nil {
			dx[i] += rstd * (g - gMean - xhat*gxMean)
		}
		if dgamma != nil {
			dgamma[i] += dy[i] * xhat
		}
		if dbeta != nil {
			dbeta[i] += dy[i]
		}
	}
}

const geluScale = 0.7978845608028654 // sqrt(2/pi)

// GELU applies the tanh-approximated Gaussian Error Linear Unit to x,
// writing the result into y.
func GELU(y, x []float32) {
	for i, v := range x {
		u := float64(geluScale) * (float64(v) + 0.044715*float64(v)*float64(v)*float64(v))
		y[i] = float32(0.5 * float64(v) * (1 + math.Tanh(u)))
	}
}

// GELUBackward accumulates the gradient of GELU into dx.
func GELUBackward(dx, x, dy []float32) {
	for i, v := range x {
		xv := float64(v)
		u := geluScale * (xv + 0.044715*xv*xv*xv)
		t := math.Tanh(u)
		du := geluScale * (1 + 3*0.044715*xv*xv)
		grad := 0.5*(1+t) + 0.5*xv*(1-t*t)*du
		dx[i] += dy[i] * float32(grad)
	}
}

// Softmax applies the softmax function to x in place, using max subtraction
// for numerical stability.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// LogSumExp returns log(sum(exp(x))) computed stably.
func LogSumExp(x []float32) float32 {
	if len(x) == 0 {
		panic("LogSumExp: empty slice")
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		sum += math.Exp(float64(x[i] - maxv))
	}
	return maxv + float32(math.Log(sum))
}

// Argmax returns the index of the maximum value in x. It panics on an
// empty slice.
func Argmax(x []float32) int {
	if len(x) == 0 {
		panic("Argmax: empty slice")
	}
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}

// Zero clears x.
func Zero(x []float32) {
	for i := range x {
		x[i] = 0
	}
}
