package nn

import "math"

// activate applies the activation function to a pre-activation value.
func activate(v float32, act Activation) float32 {
	switch act {
	case ActTanh:
		return float32(math.Tanh(float64(v)))
	case ActTanhP:
		// Hard tanh: linear inside [-1, 1], saturated outside.
		if v > 1 {
			return 1
		}
		if v < -1 {
			return -1
		}
		return v
	case ActSigmoid:
		return 1.0 / (1.0 + float32(math.Exp(float64(-v))))
	case ActSigmoidP:
		// Hard sigmoid: 0.25·v + 0.5 clamped to [0, 1].
		s := 0.25*v + 0.5
		if s > 1 {
			return 1
		}
		if s < 0 {
			return 0
		}
		return s
	case ActLinear:
		return v
	case ActReLU:
		if v < 0 {
			return 0
		}
		return v
	case ActLeaky:
		if v < 0 {
			return v * 0.01
		}
		return v
	case ActStep:
		if v >= 0 {
			return 1
		}
		return 0
	default:
		return v
	}
}

// activateDerivative computes dφ/dv at the pre-activation value.
func activateDerivative(v float32, act Activation) float32 {
	switch act {
	case ActTanh:
		t := float32(math.Tanh(float64(v)))
		return 1.0 - t*t
	case ActTanhP:
		if v > 1 || v < -1 {
			return 0
		}
		return 1
	case ActSigmoid:
		s := 1.0 / (1.0 + float32(math.Exp(float64(-v))))
		return s * (1.0 - s)
	case ActSigmoidP:
		if v > 2 || v < -2 {
			return 0
		}
		return 0.25
	case ActLinear:
		return 1
	case ActReLU:
		if v > 0 {
			return 1
		}
		return 0
	case ActLeaky:
		if v >= 0 {
			return 1
		}
		return 0.01
	case ActStep:
		return 0
	default:
		return 1
	}
}

// silu computes x·sigmoid(x), the gate of SwiGLU.
func silu(v float32) float32 {
	return v / (1.0 + float32(math.Exp(float64(-v))))
}

// siluDerivative computes d/dx of silu at v.
func siluDerivative(v float32) float32 {
	s := 1.0 / (1.0 + float32(math.Exp(float64(-v))))
	return s * (1 + v*(1-s))
}

// gelu is the tanh approximation of the Gaussian error linear unit.
func gelu(v float32) float32 {
	x := float64(v)
	return float32(0.5 * x * (1 + math.Tanh(0.7978845608028654*(x+0.044715*x*x*x))))
}

// geluDerivative computes d/dx of the tanh-approximated GELU at v.
func geluDerivative(v float32) float32 {
	x := float64(v)
	inner := 0.7978845608028654 * (x + 0.044715*x*x*x)
	t := math.Tanh(inner)
	dInner := 0.7978845608028654 * (1 + 3*0.044715*x*x)
	return float32(0.5*(1+t) + 0.5*x*(1-t*t)*dInner)
}

// sigmoidf is the plain logistic function used by the recurrent gates.
func sigmoidf(x float32) float32 {
	return 1.0 / (1.0 + float32(math.Exp(float64(-x))))
}
