package nn

import "math"

// recBlockScratch holds one hidden block's unrolled window state. All
// buffers are [win]-indexed and reused across windows; h and c carry one
// extra leading slot for the state entering the window.
type recBlockScratch struct {
	xs    [][]float32 // [win][in] block inputs
	gates [][]float32 // [win][G·h] activated gate values
	h     [][]float32 // [win+1][h]; h[0] is the carry-in
	c     [][]float32 // [win+1][h]; LSTM cell state, nil otherwise
	dx    [][]float32 // [win][in] input gradients, fed to the block below

	hCarry []float32
	cCarry []float32

	// Backward-pass work vectors, reused across windows.
	dh     []float32 // [h] hidden gradient flowing backward in time
	dc     []float32 // [h] cell gradient, LSTM only
	dPre   []float32 // [G·h] gate pre-activation deltas
	dhPrev []float32 // [h] GRU gradient to the previous hidden state
	drh    []float32 // [h] GRU gradient w.r.t. r⊙hPrev
}

// recScratch is the per-run scratch of the recurrent path.
type recScratch struct {
	blocks []recBlockScratch
	win    int
	pos    int // steps accumulated in the current window

	dhTop [][]float32 // [win][hTop] readout gradients per step
	outY  []float32
	delta []float32 // readout loss delta, reused per step
}

func (n *Network) ensureRecScratch() {
	win := n.skel.Window(n.cfg.TBPTTWindow)
	if n.recS != nil && n.recS.win == win && len(n.recS.blocks) == len(n.params.hidden) {
		return
	}
	s := &recScratch{win: win}
	s.blocks = make([]recBlockScratch, len(n.params.hidden))
	gates := gateCount(n.arch)
	for l := range n.params.hidden {
		b := &n.params.hidden[l]
		bs := &s.blocks[l]
		bs.xs = make2D(win, b.In)
		bs.gates = make2D(win, gates*b.Hidden)
		bs.h = make2D(win+1, b.Hidden)
		bs.dx = make2D(win, b.In)
		bs.hCarry = make([]float32, b.Hidden)
		bs.dh = make([]float32, b.Hidden)
		bs.dPre = make([]float32, gates*b.Hidden)
		if n.arch == ArchLSTM {
			bs.c = make2D(win+1, b.Hidden)
			bs.cCarry = make([]float32, b.Hidden)
			bs.dc = make([]float32, b.Hidden)
		}
		if n.arch == ArchGRU {
			bs.dhPrev = make([]float32, b.Hidden)
			bs.drh = make([]float32, b.Hidden)
		}
	}
	top := n.params.hidden[len(n.params.hidden)-1].Hidden
	s.dhTop = make2D(win, top)
	s.outY = make([]float32, n.params.outputSize)
	s.delta = make([]float32, n.params.outputSize)
	n.recS = s
}

func make2D(rows, cols int) [][]float32 {
	m := make([][]float32, rows)
	for i := range m {
		m[i] = make([]float32, cols)
	}
	return m
}

// resetSequence zeroes the hidden and cell carries at a sequence boundary
// and discards any partially filled window.
func (n *Network) resetSequence() {
	s := n.recS
	s.pos = 0
	for l := range s.blocks {
		bs := &s.blocks[l]
		zero(bs.hCarry)
		if bs.cCarry != nil {
			zero(bs.cCarry)
		}
	}
}

func zero(v []float32) {
	for i := range v {
		v[i] = 0
	}
}

// recStepForward advances all hidden blocks by one timestep at window slot
// w, writing each block's new hidden state and returning the top state.
func (n *Network) recStepForward(row []float32, w int) []float32 {
	s := n.recS
	x := row
	for l := range n.params.hidden {
		blk := &n.params.hidden[l]
		bs := &s.blocks[l]
		copy(bs.xs[w], x)
		if w == 0 {
			copy(bs.h[0], bs.hCarry)
			if bs.c != nil {
				copy(bs.c[0], bs.cCarry)
			}
		}
		hPrev := bs.h[w]
		hNext := bs.h[w+1]
		g := bs.gates[w]
		h := blk.Hidden

		switch n.arch {
		case ArchRNN:
			// h_t = tanh(Wx·x + Wh·h_prev + b)
			for i := 0; i < h; i++ {
				sum := blk.Bias.Data[i]
				sum += dotf(blk.Wx.Data[i*blk.In:(i+1)*blk.In], x)
				sum += dotf(blk.Wh.Data[i*h:(i+1)*h], hPrev)
				v := float32(math.Tanh(float64(sum)))
				g[i] = v
				hNext[i] = v
			}

		case ArchGRU:
			// Gate order: z, r, candidate.
			for gate := 0; gate < 2; gate++ {
				off := gate * h
				for i := 0; i < h; i++ {
					sum := blk.Bias.Data[off+i]
					sum += dotf(blk.Wx.Data[(off+i)*blk.In:(off+i+1)*blk.In], x)
					sum += dotf(blk.Wh.Data[(off+i)*h:(off+i+1)*h], hPrev)
					g[off+i] = sigmoidf(sum)
				}
			}
			off := 2 * h
			for i := 0; i < h; i++ {
				sum := blk.Bias.Data[off+i]
				sum += dotf(blk.Wx.Data[(off+i)*blk.In:(off+i+1)*blk.In], x)
				row := blk.Wh.Data[(off+i)*h : (off+i+1)*h]
				for j := 0; j < h; j++ {
					sum += row[j] * g[h+j] * hPrev[j] // reset-gated state
				}
				g[off+i] = float32(math.Tanh(float64(sum)))
			}
			for i := 0; i < h; i++ {
				z := g[i]
				hNext[i] = (1-z)*hPrev[i] + z*g[off+i]
			}

		case ArchLSTM:
			// Gate order: i, f, o, g.
			cPrev := bs.c[w]
			cNext := bs.c[w+1]
			for gate := 0; gate < 4; gate++ {
				off := gate * h
				for i := 0; i < h; i++ {
					sum := blk.Bias.Data[off+i]
					sum += dotf(blk.Wx.Data[(off+i)*blk.In:(off+i+1)*blk.In], x)
					sum += dotf(blk.Wh.Data[(off+i)*h:(off+i+1)*h], hPrev)
					if gate == 3 {
						g[off+i] = float32(math.Tanh(float64(sum)))
					} else {
						g[off+i] = sigmoidf(sum)
					}
				}
			}
			for i := 0; i < h; i++ {
				cNext[i] = g[h+i]*cPrev[i] + g[i]*g[3*h+i]
				hNext[i] = g[2*h+i] * float32(math.Tanh(float64(cNext[i])))
			}
		}

		x = hNext
	}
	return x
}

// recReadout projects the top hidden state through the output block and
// applies the output head.
func (n *Network) recReadout(hTop []float32) []float32 {
	out := n.params.out
	gemv(n.recS.outY, out.Why.Data, hTop, out.By.Data, n.params.outputSize, len(hTop))
	if n.skel.OutputKind != OutputRegression {
		softmaxInPlace(n.recS.outY)
	}
	return n.recS.outY
}

// recLossDelta computes the readout delta, folds metrics, accumulates the
// output-block gradients, and stores Whyᵀ·δ as the top hidden gradient for
// window slot w.
func (n *Network) recLossDelta(y, target, hTop []float32, w int, train bool) {
	delta := n.recS.delta
	switch n.skel.OutputKind {
	case OutputRegression:
		for i := range y {
			delta[i] = y[i] - target[i]
			n.metrics.addRegression(y[i], target[i])
		}
	default:
		for i := range y {
			delta[i] = y[i] - target[i]
		}
		n.metrics.addClassification(argmax(y), argmax(target))
	}
	if !train {
		return
	}
	if sf := n.lossScaleFactor(); sf != 1 {
		for i := range delta {
			delta[i] *= sf
		}
	}
	out := n.params.out
	outerAcc(out.Why.Grad, delta, hTop)
	axpy(1, delta, out.By.Grad)
	dh := n.recS.dhTop[w]
	zero(dh)
	gemvT(dh, out.Why.Data, delta, len(delta), len(hTop))
}

// recBackwardWindow unrolls the last `steps` timesteps backward through
// the block stack, accumulating gradients with per-element clipping at
// each step, then carries the final hidden state into the next window.
func (n *Network) recBackwardWindow(steps int) {
	s := n.recS
	clip := n.cfg.perElementClip()
	gates := gateCount(n.arch)

	// dOut[w] for the top block starts as the readout gradients; for lower
	// blocks it is the dx of the block above.
	dOut := s.dhTop
	for l := len(n.params.hidden) - 1; l >= 0; l-- {
		blk := &n.params.hidden[l]
		bs := &s.blocks[l]
		h := blk.Hidden

		for w := 0; w < steps; w++ {
			zero(bs.dx[w])
		}
		dh := bs.dh
		dc := bs.dc
		dPre := bs.dPre
		zero(dh)
		if dc != nil {
			zero(dc)
		}

		for w := steps - 1; w >= 0; w-- {
			axpy(1, dOut[w], dh)
			hPrev := bs.h[w]
			g := bs.gates[w]
			zero(dPre)

			switch n.arch {
			case ArchRNN:
				for i := 0; i < h; i++ {
					d := dh[i] * (1 - g[i]*g[i])
					if clip > 0 {
						d = clampf(d, clip)
					}
					dPre[i] = d
				}

			case ArchGRU:
				hc := g[2*h:]
				dhPrev := bs.dhPrev
				drh := bs.drh
				zero(dhPrev)
				zero(drh)
				for i := 0; i < h; i++ {
					z := g[i]
					dz := dh[i] * (hc[i] - hPrev[i])
					dhc := dh[i] * z
					dhPrev[i] += dh[i] * (1 - z)
					dcp := dhc * (1 - hc[i]*hc[i])
					if clip > 0 {
						dcp = clampf(dcp, clip)
					}
					dPre[2*h+i] = dcp
					dzp := dz * z * (1 - z)
					if clip > 0 {
						dzp = clampf(dzp, clip)
					}
					dPre[i] = dzp
				}
				// Candidate hidden weights see the reset-gated state.
				for i := 0; i < h; i++ {
					d := dPre[2*h+i]
					if d == 0 {
						continue
					}
					row := blk.Wh.Data[(2*h+i)*h : (2*h+i+1)*h]
					for j := 0; j < h; j++ {
						drh[j] += row[j] * d
					}
				}
				for i := 0; i < h; i++ {
					r := g[h+i]
					dr := drh[i] * hPrev[i]
					dhPrev[i] += drh[i] * r
					drp := dr * r * (1 - r)
					if clip > 0 {
						drp = clampf(drp, clip)
					}
					dPre[h+i] = drp
				}
				copy(dh, dhPrev)

			case ArchLSTM:
				cPrev := bs.c[w]
				cNext := bs.c[w+1]
				for i := 0; i < h; i++ {
					o := g[2*h+i]
					ct := float32(math.Tanh(float64(cNext[i])))
					do := dh[i] * ct
					dc[i] += dh[i] * o * (1 - ct*ct)
					di := dc[i] * g[3*h+i]
					df := dc[i] * cPrev[i]
					dg := dc[i] * g[i]
					dc[i] *= g[h+i] // propagate to c_{t-1}

					dip := di * g[i] * (1 - g[i])
					dfp := df * g[h+i] * (1 - g[h+i])
					dop := do * o * (1 - o)
					dgp := dg * (1 - g[3*h+i]*g[3*h+i])
					if clip > 0 {
						dip, dfp = clampf(dip, clip), clampf(dfp, clip)
						dop, dgp = clampf(dop, clip), clampf(dgp, clip)
					}
					dPre[i] = dip
					dPre[h+i] = dfp
					dPre[2*h+i] = dop
					dPre[3*h+i] = dgp
				}
			}

			// Accumulate packed-gate gradients and propagate downward.
			x := bs.xs[w]
			if n.arch != ArchGRU {
				zero(dh)
			}
			for gi := 0; gi < gates*h; gi++ {
				d := dPre[gi]
				if d == 0 {
					continue
				}
				blk.Bias.Grad[gi] += d
				wRow := blk.Wx.Data[gi*blk.In : (gi+1)*blk.In]
				gRow := blk.Wx.Grad[gi*blk.In : (gi+1)*blk.In]
				for j := 0; j < blk.In; j++ {
					gRow[j] += d * x[j]
					bs.dx[w][j] += wRow[j] * d
				}
				isCand := n.arch == ArchGRU && gi >= 2*h
				hRow := blk.Wh.Data[gi*h : (gi+1)*h]
				ghRow := blk.Wh.Grad[gi*h : (gi+1)*h]
				for j := 0; j < h; j++ {
					src := hPrev[j]
					if isCand {
						src = g[h+j] * hPrev[j]
					} else if n.arch != ArchGRU {
						// dh for non-GRU paths accumulates here.
						dh[j] += hRow[j] * d
					}
					ghRow[j] += d * src
				}
				if n.arch == ArchGRU && !isCand {
					// z and r gates feed hPrev directly.
					for j := 0; j < h; j++ {
						dh[j] += hRow[j] * d
					}
				}
			}
		}
		dOut = bs.dx
	}

	// Carry the window-final state forward.
	for l := range s.blocks {
		bs := &s.blocks[l]
		copy(bs.hCarry, bs.h[steps])
		if bs.c != nil {
			copy(bs.cCarry, bs.c[steps])
		}
	}
}

// recStep processes one timestep of a sequence: forward, readout, loss,
// and a TBPTT backward flush when the window fills. seqEnd forces a flush
// with the partial window.
func (n *Network) recStep(row, target []float32, seqEnd bool, mode RunMode) error {
	s := n.recS
	hTop := n.recStepForward(row, s.pos)
	y := n.recReadout(hTop)
	n.recLossDelta(y, target, hTop, s.pos, mode == RunTrain)
	s.pos++

	if mode != RunTrain {
		if s.pos == s.win || seqEnd {
			// Evaluation still carries state across windows.
			for l := range s.blocks {
				bs := &s.blocks[l]
				copy(bs.hCarry, bs.h[s.pos])
				if bs.c != nil {
					copy(bs.cCarry, bs.c[s.pos])
				}
			}
			s.pos = 0
		}
		return nil
	}

	if s.pos == s.win || seqEnd {
		steps := s.pos
		n.recBackwardWindow(steps)
		s.pos = 0
		n.batchCount += steps
		return n.maybeUpdate(false)
	}
	return nil
}
