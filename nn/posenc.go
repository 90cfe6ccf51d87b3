package nn

import "math"

// posEncCache holds the precomputed tables of the positional encodings.
// Training owns one cache under the run lock; every inference session owns
// its own so that inference never mutates the network.
type posEncCache struct {
	// Sinusoidal: inverse denominators 10000^(-2i/dModel), i < dModel/2.
	sinInvDenom []float64
	dModel      int

	// RoPE: per-pair inverse frequencies theta^(-2i/ropeDim), i < ropeDim/2.
	ropeInvFreq []float64
	ropeDim     int
}

func newPosEncCache(spec *TransformerSpec) *posEncCache {
	c := &posEncCache{}
	switch spec.PosEnc {
	case PosEncSinusoidal:
		c.dModel = spec.DModel
		half := spec.DModel / 2
		c.sinInvDenom = make([]float64, half)
		for i := 0; i < half; i++ {
			c.sinInvDenom[i] = math.Pow(10000.0, -2.0*float64(i)/float64(spec.DModel))
		}
	case PosEncRoPE:
		c.ropeDim = spec.RotaryDim()
		half := c.ropeDim / 2
		c.ropeInvFreq = make([]float64, half)
		for i := 0; i < half; i++ {
			c.ropeInvFreq[i] = math.Pow(spec.Theta(), -2.0*float64(i)/float64(c.ropeDim))
		}
	}
	return c
}

// addSinusoidal adds PE(pos) to h in place, h of length dModel.
func (c *posEncCache) addSinusoidal(h []float32, pos int) {
	for i, inv := range c.sinInvDenom {
		angle := float64(pos) * inv
		h[2*i] += float32(math.Sin(angle))
		if 2*i+1 < len(h) {
			h[2*i+1] += float32(math.Cos(angle))
		}
	}
}

// applyRoPE rotates the leading ropeDim dimensions of each head of vec in
// (even, odd) pairs. vec is one position's projection laid out
// [nHeads × headDim].
func (c *posEncCache) applyRoPE(vec []float32, nHeads, headDim, pos int) {
	half := c.ropeDim / 2
	for head := 0; head < nHeads; head++ {
		off := head * headDim
		for i := 0; i < half; i++ {
			angle := float64(pos) * c.ropeInvFreq[i]
			cos := float32(math.Cos(angle))
			sin := float32(math.Sin(angle))
			x := vec[off+2*i]
			y := vec[off+2*i+1]
			vec[off+2*i] = x*cos - y*sin
			vec[off+2*i+1] = x*sin + y*cos
		}
	}
}

// applyRoPEGrad maps a gradient through the rotation: the inverse rotation,
// since the rotation matrix is orthonormal.
func (c *posEncCache) applyRoPEGrad(grad []float32, nHeads, headDim, pos int) {
	half := c.ropeDim / 2
	for head := 0; head < nHeads; head++ {
		off := head * headDim
		for i := 0; i < half; i++ {
			angle := float64(pos) * c.ropeInvFreq[i]
			cos := float32(math.Cos(angle))
			sin := float32(math.Sin(angle))
			x := grad[off+2*i]
			y := grad[off+2*i+1]
			grad[off+2*i] = x*cos + y*sin
			grad[off+2*i+1] = -x*sin + y*cos
		}
	}
}
