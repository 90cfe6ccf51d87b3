package nn

import "math"

// gemv computes y = W·x + b where W is row-major [rows, cols]. b may be nil.
func gemv(y, w, x, b []float32, rows, cols int) {
	for r := 0; r < rows; r++ {
		sum := float32(0)
		if b != nil {
			sum = b[r]
		}
		row := w[r*cols : (r+1)*cols]
		for c := 0; c < cols; c++ {
			sum += row[c] * x[c]
		}
		y[r] = sum
	}
}

// gemvT computes y += Wᵀ·x for row-major W [rows, cols]: y has length cols,
// x has length rows. Used for backpropagating deltas through a transition.
func gemvT(y, w, x []float32, rows, cols int) {
	for r := 0; r < rows; r++ {
		v := x[r]
		if v == 0 {
			continue
		}
		row := w[r*cols : (r+1)*cols]
		for c := 0; c < cols; c++ {
			y[c] += row[c] * v
		}
	}
}

// axpy computes y += a·x.
func axpy(a float32, x, y []float32) {
	for i := range x {
		y[i] += a * x[i]
	}
}

// dotf computes the dot product of two equal-length vectors.
func dotf(a, b []float32) float32 {
	sum := float32(0)
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// outerAcc accumulates g += δ·aᵀ into row-major g [len(delta), len(act)].
func outerAcc(g, delta, act []float32) {
	cols := len(act)
	for r := range delta {
		d := delta[r]
		if d == 0 {
			continue
		}
		row := g[r*cols : (r+1)*cols]
		for c := 0; c < cols; c++ {
			row[c] += d * act[c]
		}
	}
}

// softmaxInPlace turns logits into probabilities with the stable
// subtract-max formulation. Non-finite maxima collapse onto the argmax.
func softmaxInPlace(v []float32) {
	if len(v) == 0 {
		return
	}
	maxVal := v[0]
	maxIdx := 0
	for i, x := range v {
		if x > maxVal {
			maxVal = x
			maxIdx = i
		}
	}
	if math.IsInf(float64(maxVal), 1) {
		for i := range v {
			v[i] = 0
		}
		v[maxIdx] = 1
		return
	}
	sum := float32(0)
	for i, x := range v {
		e := float32(math.Exp(float64(x - maxVal)))
		v[i] = e
		sum += e
	}
	if sum == 0 {
		v[maxIdx] = 1
		return
	}
	for i := range v {
		v[i] /= sum
	}
}

// layerNormForward normalizes x into out and returns the cached mean and
// inverse sigma needed by the backward pass. beta may be nil (gamma-only).
func layerNormForward(out, x, gamma, beta []float32, eps float32) (mean, invStd float32) {
	n := len(x)
	var sum float64
	for _, v := range x {
		sum += float64(v)
	}
	mu := sum / float64(n)
	var varSum float64
	for _, v := range x {
		d := float64(v) - mu
		varSum += d * d
	}
	inv := 1.0 / math.Sqrt(varSum/float64(n)+float64(eps))
	for i, v := range x {
		norm := (float64(v) - mu) * inv
		o := norm * float64(gamma[i])
		if beta != nil {
			o += float64(beta[i])
		}
		out[i] = float32(o)
	}
	return float32(mu), float32(inv)
}

// layerNormBackward maps dOut to dX using the cached statistics and
// accumulates gamma/beta gradients. dX may alias dOut.
func layerNormBackward(dX, dOut, x, gamma []float32, gGamma, gBeta []float32, mean, invStd float32) {
	n := len(x)
	fn := float64(n)
	mu := float64(mean)
	inv := float64(invStd)

	var sumDy, sumDyXhat float64
	for i := 0; i < n; i++ {
		xhat := (float64(x[i]) - mu) * inv
		dy := float64(dOut[i]) * float64(gamma[i])
		sumDy += dy
		sumDyXhat += dy * xhat
	}
	for i := 0; i < n; i++ {
		xhat := (float64(x[i]) - mu) * inv
		if gGamma != nil {
			gGamma[i] += dOut[i] * float32(xhat)
		}
		if gBeta != nil {
			gBeta[i] += dOut[i]
		}
		dy := float64(dOut[i]) * float64(gamma[i])
		dX[i] = float32(inv * (dy - sumDy/fn - xhat*sumDyXhat/fn))
	}
}

// rmsNormForward normalizes x by its root-mean-square; only gamma is
// learnable. Returns the cached inverse RMS.
func rmsNormForward(out, x, gamma []float32, eps float32) (invRMS float32) {
	n := len(x)
	var sumSq float64
	for _, v := range x {
		sumSq += float64(v) * float64(v)
	}
	inv := 1.0 / math.Sqrt(sumSq/float64(n)+float64(eps))
	for i, v := range x {
		out[i] = float32(float64(v) * inv * float64(gamma[i]))
	}
	return float32(inv)
}

// rmsNormBackward maps dOut to dX for RMSNorm and accumulates the gamma
// gradient. dX may alias dOut.
func rmsNormBackward(dX, dOut, x, gamma, gGamma []float32, invRMS float32) {
	n := len(x)
	inv := float64(invRMS)
	var sumDyWX float64
	for i := 0; i < n; i++ {
		sumDyWX += float64(dOut[i]) * float64(gamma[i]) * float64(x[i])
	}
	coef := sumDyWX * inv * inv / float64(n)
	for i := 0; i < n; i++ {
		if gGamma != nil {
			gGamma[i] += dOut[i] * float32(float64(x[i])*inv)
		}
		dX[i] = float32(inv * (float64(dOut[i])*float64(gamma[i]) - coef*float64(x[i])))
	}
}

// allFinite reports whether every element of v is finite.
func allFinite(v []float32) bool {
	for _, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return false
		}
	}
	return true
}

// clampf clamps v to [-limit, limit].
func clampf(v, limit float32) float32 {
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}
