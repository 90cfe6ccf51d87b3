package nn

// dffScratch holds the per-run activation buffers of the feed-forward
// path: activations a[0..L], pre-activations z[t] per transition, deltas,
// and the dropout masks drawn for the current forward pass. Buffers are
// sized once per run and reused for every sample.
type dffScratch struct {
	acts   [][]float32 // acts[0] is the (masked) input row
	pre    [][]float32 // pre[t] is z of transition t
	deltas [][]float32 // deltas[t] is dL/dz of transition t
	masks  [][]float32 // masks[i] scales acts[i]; nil when no dropout
}

func (n *Network) ensureDFFScratch() {
	trans := n.params.transitions
	if n.dffS != nil && len(n.dffS.pre) == len(trans) && len(n.dffS.acts[0]) == trans[0].In {
		return
	}
	s := &dffScratch{
		acts:   make([][]float32, len(trans)+1),
		pre:    make([][]float32, len(trans)),
		deltas: make([][]float32, len(trans)),
		masks:  make([][]float32, len(trans)+1),
	}
	s.acts[0] = make([]float32, trans[0].In)
	for t := range trans {
		s.acts[t+1] = make([]float32, trans[t].Out)
		s.pre[t] = make([]float32, trans[t].Out)
		s.deltas[t] = make([]float32, trans[t].Out)
	}
	n.dffS = s
}

// dropRate returns the dropout rate applied to activation level i: the
// input rate for i==0, the producing layer's rate for hidden levels, and
// zero for the output level.
func (n *Network) dropRate(level, levels int) float32 {
	if level == 0 {
		return n.skel.InputDropout
	}
	if level == levels-1 {
		return 0
	}
	return n.params.transitions[level-1].Dropout
}

// dffForward runs one sample through the MLP. In training mode dropout
// masks are drawn fresh and kept for the backward pass; in test mode all
// masks are identity. Returns the output activation view.
func (n *Network) dffForward(row []float32, mode RunMode) []float32 {
	s := n.dffS
	levels := len(s.acts)
	copy(s.acts[0], row)
	n.applyDropout(0, levels, mode)

	last := len(n.params.transitions) - 1
	for t := range n.params.transitions {
		tr := &n.params.transitions[t]
		gemv(s.pre[t], tr.W.Data, s.acts[t], tr.B.Data, tr.Out, tr.In)
		if t == last {
			// The head is linear into softmax or identity; the output
			// layer's activation setting is not applied.
			copy(s.acts[t+1], s.pre[t])
		} else {
			for i, z := range s.pre[t] {
				s.acts[t+1][i] = activate(z, tr.Activation)
			}
		}
		n.applyDropout(t+1, levels, mode)
	}

	out := s.acts[levels-1]
	if n.skel.OutputKind != OutputRegression {
		softmaxInPlace(out)
	}
	return out
}

func (n *Network) applyDropout(level, levels int, mode RunMode) {
	s := n.dffS
	rate := n.dropRate(level, levels)
	if mode != RunTrain || rate <= 0 {
		s.masks[level] = nil
		return
	}
	if s.masks[level] == nil || len(s.masks[level]) != len(s.acts[level]) {
		s.masks[level] = make([]float32, len(s.acts[level]))
	}
	scale := 1.0 / (1.0 - rate)
	for i := range s.acts[level] {
		if n.rng.Float32() < rate {
			s.masks[level][i] = 0
			s.acts[level][i] = 0
		} else {
			s.masks[level][i] = scale
			s.acts[level][i] *= scale
		}
	}
}

// dffLossDelta computes the output delta dL/dz for the configured output
// kind, folds the sample into the epoch metrics, and leaves the delta in
// the last scratch slot.
func (n *Network) dffLossDelta(out, target []float32) {
	last := len(n.params.transitions) - 1
	delta := n.dffS.deltas[last]

	switch n.skel.OutputKind {
	case OutputRegression:
		for i := range out {
			delta[i] = out[i] - target[i]
			n.metrics.addRegression(out[i], target[i])
		}

	case OutputClassification:
		for i := range out {
			delta[i] = out[i] - target[i]
		}
		n.metrics.addClassification(argmax(out), argmax(target))

	case OutputKL:
		const eps = 1e-7
		for i := range out {
			q := target[i]
			if q < eps {
				q = eps
			} else if q > 1-eps {
				q = 1 - eps
			}
			delta[i] = out[i] - q
		}
		n.metrics.addClassification(argmax(out), argmax(target))
	}

	if sf := n.lossScaleFactor(); sf != 1 {
		for i := range delta {
			delta[i] *= sf
		}
	}
}

// dffBackward propagates the output delta back through every transition,
// accumulating weight and bias gradients. Dropout masks drawn in the
// forward pass are reapplied on the way back.
func (n *Network) dffBackward() {
	s := n.dffS
	trans := n.params.transitions
	for t := len(trans) - 1; t >= 0; t-- {
		tr := &trans[t]
		delta := s.deltas[t]
		outerAcc(tr.W.Grad, delta, s.acts[t])
		axpy(1, delta, tr.B.Grad)

		if t == 0 {
			break
		}
		prev := s.deltas[t-1]
		for i := range prev {
			prev[i] = 0
		}
		gemvT(prev, tr.W.Data, delta, tr.Out, tr.In)
		if m := s.masks[t]; m != nil {
			for i := range prev {
				prev[i] *= m[i]
			}
		}
		for i := range prev {
			prev[i] *= activateDerivative(s.pre[t-1][i], trans[t-1].Activation)
		}
	}
}

// dffStep runs one sample end to end: forward, loss, and in training mode
// backward with a minibatch-boundary update.
func (n *Network) dffStep(row, target []float32, mode RunMode) error {
	out := n.dffForward(row, mode)
	n.dffLossDelta(out, target)
	if mode != RunTrain {
		return nil
	}
	n.dffBackward()
	n.batchCount++
	return n.maybeUpdate(false)
}

func argmax(v []float32) int {
	best := 0
	for i, x := range v {
		if x > v[best] {
			best = i
		}
	}
	return best
}

// spotCheckFinite validates up to eight spread-out rows of the dataset for
// non-finite values, honoring the fixed-shape fast path: shapes are never
// validated by materializing every row.
func spotCheckFinite(ds Dataset) error {
	size := ds.TrainSize()
	if size == 0 {
		return nil
	}
	checks := 8
	if size < checks {
		checks = size
	}
	stride := size / checks
	if stride == 0 {
		stride = 1
	}
	for i := 0; i < size; i += stride {
		if !allFinite(ds.TrainRow(i)) {
			return errNonFiniteRow(i)
		}
	}
	return nil
}

func errNonFiniteRow(i int) error {
	return &rowError{row: i}
}

type rowError struct{ row int }

func (e *rowError) Error() string { return "non-finite value in dataset row" }
func (e *rowError) Unwrap() error { return ErrInvalidArgument }
func (e *rowError) Row() int      { return e.row }
