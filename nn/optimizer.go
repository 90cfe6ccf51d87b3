package nn

import (
	"fmt"
	"math"
)

// lossScaleState tracks dynamic loss scaling for mixed-precision training.
type lossScaleState struct {
	scale       float32
	goodSteps   int
	backoffs    int // consecutive backoffs while pinned at the minimum
}

func newLossScaleState(cfg *MixedPrecisionConfig) lossScaleState {
	s := cfg.LossScale
	if s <= 0 {
		s = 65536
	}
	return lossScaleState{scale: s}
}

// lossScaleFactor is the factor applied to output deltas under mixed
// precision. The optimizer divides it back out before stepping, so a
// finite scaled gradient round-trips exactly.
func (n *Network) lossScaleFactor() float32 {
	if n.cfg.MixedPrecision.Enabled && n.ls.scale > 0 {
		return n.ls.scale
	}
	return 1
}

func (m *MixedPrecisionConfig) growth() float32 {
	if m.GrowthFactor > 0 {
		return m.GrowthFactor
	}
	return 2
}

func (m *MixedPrecisionConfig) backoff() float32 {
	if m.BackoffFactor > 0 {
		return m.BackoffFactor
	}
	return 0.5
}

func (m *MixedPrecisionConfig) growthEvery() int {
	if m.GrowthInterval > 0 {
		return m.GrowthInterval
	}
	return 2000
}

func (m *MixedPrecisionConfig) scaleMin() float32 {
	if m.LossScaleMin > 0 {
		return m.LossScaleMin
	}
	return 1
}

func (m *MixedPrecisionConfig) scaleMax() float32 {
	if m.LossScaleMax > 0 {
		return m.LossScaleMax
	}
	return 1 << 24
}

func (m *MixedPrecisionConfig) backoffLimit() int {
	if m.MaxBackoffs > 0 {
		return m.MaxBackoffs
	}
	return 50
}

// perElementClip resolves the per-element gradient clamp: negative
// disables, zero keeps the default of 10.
func (c *TrainingConfig) perElementClip() float32 {
	if c.PerElementGradClip < 0 {
		return 0
	}
	if c.PerElementGradClip == 0 {
		return 10
	}
	return c.PerElementGradClip
}

func (c *TrainingConfig) beta1() float32 {
	if c.AdamBeta1 > 0 {
		return c.AdamBeta1
	}
	return 0.9
}

func (c *TrainingConfig) beta2() float32 {
	if c.AdamBeta2 > 0 {
		return c.AdamBeta2
	}
	return 0.999
}

func (c *TrainingConfig) adamEps() float32 {
	if c.AdamEpsilon > 0 {
		return c.AdamEpsilon
	}
	return 1e-8
}

// applyUpdate performs one optimizer step over every tensor: unscale
// (mixed precision), global-norm clip, per-element clip, then SGD-momentum
// or AdamW. Gradients are divided by batchCount so accumulated minibatch
// gradients average rather than sum. Returns the pre-clip global gradient
// norm and the clip scale that was applied.
//
// With loss scaling on, a non-finite gradient anywhere skips the update,
// backs the scale off, and returns without touching parameters. The run
// fails once the scale has been pinned at its minimum for the configured
// number of consecutive backoffs.
func (p *ParamStore) applyUpdate(skel *Skeleton, cfg *TrainingConfig, ls *lossScaleState, lrMul float32, batchCount int) (gradNorm, gradScale float32, err error) {
	if batchCount <= 0 {
		batchCount = 1
	}
	invBatch := 1.0 / float32(batchCount)

	mp := cfg.MixedPrecision.Enabled
	invLossScale := float32(1)
	if mp && ls.scale > 0 {
		invLossScale = 1.0 / ls.scale
	}

	// First pass: unscale and check finiteness, accumulating the norm.
	var normSq float64
	finite := true
	p.forEach(func(t *Tensor) {
		for i, g := range t.Grad {
			g *= invBatch
			if mp {
				g *= invLossScale
			}
			if math.IsNaN(float64(g)) || math.IsInf(float64(g), 0) {
				finite = false
			}
			t.Grad[i] = g
			normSq += float64(g) * float64(g)
		}
	})

	if !finite {
		if !mp {
			return 0, 1, fmt.Errorf("%w: non-finite gradient outside mixed precision", ErrInternal)
		}
		cfgMP := &cfg.MixedPrecision
		atMin := ls.scale <= cfgMP.scaleMin()
		ls.scale *= cfgMP.backoff()
		if ls.scale < cfgMP.scaleMin() {
			ls.scale = cfgMP.scaleMin()
		}
		ls.goodSteps = 0
		if atMin {
			ls.backoffs++
			if ls.backoffs >= cfgMP.backoffLimit() {
				return 0, 1, fmt.Errorf("%w: loss scale exhausted after %d backoffs at minimum %g",
					ErrInternal, ls.backoffs, cfgMP.scaleMin())
			}
		} else {
			ls.backoffs = 0
		}
		p.zeroGradients()
		return 0, 1, nil
	}

	gradNorm = float32(math.Sqrt(normSq))
	gradScale = 1
	if cfg.GlobalGradClipNorm > 0 && gradNorm > cfg.GlobalGradClipNorm {
		gradScale = cfg.GlobalGradClipNorm / gradNorm
	}
	elemClip := cfg.perElementClip()

	adam := cfg.Optimizer == OptAdamW
	if adam {
		p.adamStep++
	}
	beta1 := cfg.beta1()
	beta2 := cfg.beta2()
	eps := cfg.adamEps()
	bc1 := 1 - float32(math.Pow(float64(beta1), float64(p.adamStep)))
	bc2 := 1 - float32(math.Pow(float64(beta2), float64(p.adamStep)))

	p.forEach(func(t *Tensor) {
		lr := skel.LearningRate
		if t.lrOverride > 0 {
			lr = t.lrOverride
		}
		lr *= lrMul
		mf := skel.Momentum
		if t.momOverride > 0 {
			mf = t.momOverride
		}
		wd := skel.WeightDecay
		if t.wdOverride > 0 {
			wd = t.wdOverride
		}
		if t.noDecay {
			wd = 0
		}

		t.ensureMoments(adam)
		for i := range t.Data {
			g := t.Grad[i] * gradScale
			if elemClip > 0 {
				g = clampf(g, elemClip)
			}
			w := t.Data[i]
			if adam {
				t.M[i] = beta1*t.M[i] + (1-beta1)*g
				t.V2[i] = beta2*t.V2[i] + (1-beta2)*g*g
				mHat := t.M[i] / bc1
				vHat := t.V2[i] / bc2
				t.Data[i] = w - lr*(mHat/(float32(math.Sqrt(float64(vHat)))+eps)+wd*w)
			} else {
				t.M[i] = mf*t.M[i] + lr*(g+wd*w)
				t.Data[i] = w - t.M[i]
			}
		}
	})

	if mp {
		cfgMP := &cfg.MixedPrecision
		ls.goodSteps++
		ls.backoffs = 0
		if ls.goodSteps >= cfgMP.growthEvery() {
			ls.scale *= cfgMP.growth()
			if ls.scale > cfgMP.scaleMax() {
				ls.scale = cfgMP.scaleMax()
			}
			ls.goodSteps = 0
		}
		p.materializeMirrors(cfgMP.DType)
	}

	p.zeroGradients()
	return gradNorm, gradScale, nil
}
