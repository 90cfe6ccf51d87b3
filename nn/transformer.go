package nn

import "math"

const normEps = 1e-5

// tfLayerScratch caches one block's forward activations for the whole
// unrolled sequence so the backward pass can replay them. Attention
// probabilities are not cached; they are recomputed from Q and K.
type tfLayerScratch struct {
	xin   [][]float32 // [T][d] block input
	n1    [][]float32 // [T][d] pre-attention norm output
	stat1 [][2]float32
	q     [][]float32 // [T][d] post-RoPE queries
	k     [][]float32 // [T][dKV] post-RoPE keys
	v     [][]float32 // [T][dKV]
	att   [][]float32 // [T][d] concatenated head contexts
	xmid  [][]float32 // [T][d] after the attention residual
	n2    [][]float32 // [T][d] pre-FFN norm output
	stat2 [][2]float32
	ffPre [][]float32 // [T][dFF] or [T][2·dFF] for gated FFNs
	ffAct [][]float32 // [T][dFF]
}

type tfScratch struct {
	cap    int
	layers []tfLayerScratch
	final  [][]float32 // [T][d] last block output
	logits []float32

	// Backward buffers, reused across positions.
	dx    [][]float32 // [T][d] gradient flowing into a block
	dq    [][]float32
	dk    [][]float32
	dv    [][]float32
	dn    []float32
	dmid  []float32
	dff   []float32
	dpre  []float32
	probs []float32
	dprob []float32
	dh    []float32
}

func (n *Network) ensureTFScratch() {
	spec := &n.skel.Transformer
	T := spec.MaxSeqLen
	if T <= 0 {
		T = 128
	}
	if n.tfS != nil && n.tfS.cap == T && len(n.tfS.layers) == spec.NLayers {
		return
	}
	d := spec.DModel
	dKV := spec.DModelKV()
	ffPre := spec.DFF
	if spec.FFN == FFNSwiGLU {
		ffPre = 2 * spec.DFF
	}
	s := &tfScratch{cap: T}
	s.layers = make([]tfLayerScratch, spec.NLayers)
	for l := range s.layers {
		ls := &s.layers[l]
		ls.xin = make2D(T, d)
		ls.n1 = make2D(T, d)
		ls.stat1 = make([][2]float32, T)
		ls.q = make2D(T, d)
		ls.k = make2D(T, dKV)
		ls.v = make2D(T, dKV)
		ls.att = make2D(T, d)
		ls.xmid = make2D(T, d)
		ls.n2 = make2D(T, d)
		ls.stat2 = make([][2]float32, T)
		ls.ffPre = make2D(T, ffPre)
		ls.ffAct = make2D(T, spec.DFF)
	}
	s.final = make2D(T, d)
	s.logits = make([]float32, n.params.outputSize)
	s.dx = make2D(T, d)
	s.dq = make2D(T, d)
	s.dk = make2D(T, dKV)
	s.dv = make2D(T, dKV)
	s.dn = make([]float32, d)
	s.dmid = make([]float32, d)
	s.dff = make([]float32, spec.DFF)
	s.dpre = make([]float32, ffPre)
	s.probs = make([]float32, T)
	s.dprob = make([]float32, T)
	s.dh = make([]float32, d)
	n.tfS = s
	if n.pe == nil {
		n.pe = newPosEncCache(spec)
	}
}

// tfEmbed writes the embedded input for position t into dst. Token mode
// looks the row up in the embedding table, vector mode projects through
// the input projection. Sinusoidal encoding is added here; RoPE is applied
// inside attention.
func (n *Network) tfEmbed(dst []float32, row []float32, tok int) {
	tf := n.params.tf
	spec := &n.skel.Transformer
	if spec.TokenLM {
		d := spec.DModel
		copy(dst, tf.Embed.Data[tok*d:(tok+1)*d])
	} else {
		gemv(dst, tf.WIn.Data, row, tf.BIn.Data, spec.DModel, len(row))
	}
}

func (n *Network) tfNormForward(out, x, gamma, beta []float32) (a, b float32) {
	if n.skel.Transformer.Norm == NormRMS {
		inv := rmsNormForward(out, x, gamma, normEps)
		return 0, inv
	}
	mean, inv := layerNormForward(out, x, gamma, beta, normEps)
	return mean, inv
}

func (n *Network) tfNormBackward(dX, dOut, x []float32, g, gb *Tensor, stat [2]float32) {
	if n.skel.Transformer.Norm == NormRMS {
		rmsNormBackward(dX, dOut, x, g.Data, g.Grad, stat[1])
		return
	}
	var gBeta []float32
	if gb != nil {
		gBeta = gb.Grad
	}
	layerNormBackward(dX, dOut, x, g.Data, g.Grad, gBeta, stat[0], stat[1])
}

// tfForward runs the block stack over positions [0,T). rows carries vector
// inputs, toks carries token ids; exactly one is used depending on the
// mode. The final hidden states land in s.final.
func (n *Network) tfForward(rows [][]float32, toks []int, T int) {
	spec := &n.skel.Transformer
	s := n.tfS
	d := spec.DModel
	dKV := spec.DModelKV()
	nHeads := spec.NHeads
	kvHeads := spec.KVHeads()
	headDim := spec.HeadDim()
	group := nHeads / kvHeads
	scale := float32(1.0 / math.Sqrt(float64(headDim)))
	causal := n.arch == ArchTransformerDecoder
	rope := spec.PosEnc == PosEncRoPE

	for t := 0; t < T; t++ {
		x := s.layers[0].xin[t]
		if spec.TokenLM {
			n.tfEmbed(x, nil, toks[t])
		} else {
			n.tfEmbed(x, rows[t], 0)
		}
		if spec.PosEnc == PosEncSinusoidal {
			n.pe.addSinusoidal(x, t)
		}
	}

	for l := range n.params.tf.Blocks {
		blk := &n.params.tf.Blocks[l]
		ls := &s.layers[l]

		for t := 0; t < T; t++ {
			var bq, bk, bv []float32
			if blk.Bq != nil {
				bq, bk, bv = blk.Bq.Data, blk.Bk.Data, blk.Bv.Data
			}
			m, inv := n.tfNormForward(ls.n1[t], ls.xin[t], blk.Ln1G.Data, betaData(blk.Ln1B))
			ls.stat1[t] = [2]float32{m, inv}
			gemv(ls.q[t], blk.Wq.Data, ls.n1[t], bq, d, d)
			gemv(ls.k[t], blk.Wk.Data, ls.n1[t], bk, dKV, d)
			gemv(ls.v[t], blk.Wv.Data, ls.n1[t], bv, dKV, d)
			if rope {
				n.pe.applyRoPE(ls.q[t], nHeads, headDim, t)
				n.pe.applyRoPE(ls.k[t], kvHeads, headDim, t)
			}
		}

		for t := 0; t < T; t++ {
			limit := T
			if causal {
				limit = t + 1
			}
			for h := 0; h < nHeads; h++ {
				kvh := h / group
				qv := ls.q[t][h*headDim : (h+1)*headDim]
				ctx := ls.att[t][h*headDim : (h+1)*headDim]
				probs := s.probs[:limit]
				for u := 0; u < limit; u++ {
					probs[u] = dotf(qv, ls.k[u][kvh*headDim:(kvh+1)*headDim]) * scale
				}
				softmaxInPlace(probs)
				zero(ctx)
				for u := 0; u < limit; u++ {
					axpy(probs[u], ls.v[u][kvh*headDim:(kvh+1)*headDim], ctx)
				}
			}
		}

		for t := 0; t < T; t++ {
			var bo []float32
			if blk.Bo != nil {
				bo = blk.Bo.Data
			}
			gemv(ls.xmid[t], blk.Wo.Data, ls.att[t], bo, d, d)
			axpy(1, ls.xin[t], ls.xmid[t])

			m, inv := n.tfNormForward(ls.n2[t], ls.xmid[t], blk.Ln2G.Data, betaData(blk.Ln2B))
			ls.stat2[t] = [2]float32{m, inv}

			gemv(ls.ffPre[t], blk.W1.Data, ls.n2[t], blk.B1.Data, len(ls.ffPre[t]), d)
			n.tfFFNActivate(ls.ffAct[t], ls.ffPre[t])

			var out []float32
			if l == len(s.layers)-1 {
				out = s.final[t]
			} else {
				out = s.layers[l+1].xin[t]
			}
			gemv(out, blk.W2.Data, ls.ffAct[t], blk.B2.Data, d, spec.DFF)
			axpy(1, ls.xmid[t], out)
		}
	}
}

func betaData(t *Tensor) []float32 {
	if t == nil {
		return nil
	}
	return t.Data
}

func (n *Network) tfFFNActivate(act, pre []float32) {
	dFF := len(act)
	if n.skel.Transformer.FFN == FFNSwiGLU {
		for i := 0; i < dFF; i++ {
			act[i] = silu(pre[i]) * pre[dFF+i]
		}
		return
	}
	for i := 0; i < dFF; i++ {
		act[i] = gelu(pre[i])
	}
}

func (n *Network) tfFFNBackward(dPre, dAct, pre []float32) {
	dFF := len(dAct)
	if n.skel.Transformer.FFN == FFNSwiGLU {
		for i := 0; i < dFF; i++ {
			dPre[i] = dAct[i] * pre[dFF+i] * siluDerivative(pre[i])
			dPre[dFF+i] = dAct[i] * silu(pre[i])
		}
		return
	}
	for i := 0; i < dFF; i++ {
		dPre[i] = dAct[i] * geluDerivative(pre[i])
	}
}

// tfLogits projects the final hidden state at one position into the output
// logits. Token LMs with tied embeddings score against the embedding rows.
func (n *Network) tfLogits(dst, h []float32) {
	tf := n.params.tf
	spec := &n.skel.Transformer
	if spec.TokenLM && spec.TieEmbeddings {
		d := spec.DModel
		for v := range dst {
			dst[v] = dotf(tf.Embed.Data[v*d:(v+1)*d], h) + tf.LMBias.Data[v]
		}
		return
	}
	gemv(dst, tf.WOut.Data, h, tf.BOut.Data, len(dst), spec.DModel)
}

// tfHeadBackward maps the logit gradient at one position back to the
// hidden gradient and accumulates the head parameters.
func (n *Network) tfHeadBackward(dh, dLogits, h []float32) {
	tf := n.params.tf
	spec := &n.skel.Transformer
	zero(dh)
	if spec.TokenLM && spec.TieEmbeddings {
		d := spec.DModel
		for v, g := range dLogits {
			if g == 0 {
				continue
			}
			row := tf.Embed.Data[v*d : (v+1)*d]
			grow := tf.Embed.Grad[v*d : (v+1)*d]
			for i := 0; i < d; i++ {
				dh[i] += g * row[i]
				grow[i] += g * h[i]
			}
			tf.LMBias.Grad[v] += g
		}
		return
	}
	outerAcc(tf.WOut.Grad, dLogits, h)
	axpy(1, dLogits, tf.BOut.Grad)
	gemvT(dh, tf.WOut.Data, dLogits, len(dLogits), spec.DModel)
}

// tfBackward replays the stack in reverse from the per-position output
// gradients in s.dx, accumulating every parameter gradient and the input
// embedding gradients.
func (n *Network) tfBackward(rows [][]float32, toks []int, T int) {
	spec := &n.skel.Transformer
	s := n.tfS
	d := spec.DModel
	dKV := spec.DModelKV()
	nHeads := spec.NHeads
	kvHeads := spec.KVHeads()
	headDim := spec.HeadDim()
	group := nHeads / kvHeads
	scale := float32(1.0 / math.Sqrt(float64(headDim)))
	causal := n.arch == ArchTransformerDecoder
	rope := spec.PosEnc == PosEncRoPE

	for l := len(n.params.tf.Blocks) - 1; l >= 0; l-- {
		blk := &n.params.tf.Blocks[l]
		ls := &s.layers[l]

		for t := 0; t < T; t++ {
			// FFN and second residual. s.dx[t] is the gradient w.r.t. the
			// block output; the residual passes it straight to xmid.
			dOut := s.dx[t]
			outerAcc(blk.W2.Grad, dOut, ls.ffAct[t])
			axpy(1, dOut, blk.B2.Grad)
			zero(s.dff)
			gemvT(s.dff, blk.W2.Data, dOut, d, spec.DFF)

			n.tfFFNBackward(s.dpre[:len(ls.ffPre[t])], s.dff, ls.ffPre[t])
			outerAcc(blk.W1.Grad, s.dpre[:len(ls.ffPre[t])], ls.n2[t])
			axpy(1, s.dpre[:len(ls.ffPre[t])], blk.B1.Grad)
			zero(s.dn)
			gemvT(s.dn, blk.W1.Data, s.dpre[:len(ls.ffPre[t])], len(ls.ffPre[t]), d)

			copy(s.dmid, dOut)
			n.tfNormBackward(s.dn, s.dn, ls.xmid[t], blk.Ln2G, blk.Ln2B, ls.stat2[t])
			axpy(1, s.dn, s.dmid)

			// Attention output projection. dx[t] becomes the gradient
			// w.r.t. xin through the first residual.
			outerAcc(blk.Wo.Grad, s.dmid, ls.att[t])
			if blk.Bo != nil {
				axpy(1, s.dmid, blk.Bo.Grad)
			}
			copy(s.dx[t], s.dmid)
			// datt lands in dq's buffer row temporarily.
			zero(s.dq[t])
			gemvT(s.dq[t], blk.Wo.Data, s.dmid, d, d)
		}

		// Attention backward. s.dq currently holds datt; rebuild the
		// probabilities per (t, head) and scatter into dq/dk/dv.
		for t := 0; t < T; t++ {
			zero(s.dk[t])
			zero(s.dv[t])
		}
		for t := 0; t < T; t++ {
			limit := T
			if causal {
				limit = t + 1
			}
			datt := s.dq[t]
			for h := 0; h < nHeads; h++ {
				kvh := h / group
				qv := ls.q[t][h*headDim : (h+1)*headDim]
				dctx := datt[h*headDim : (h+1)*headDim]
				probs := s.probs[:limit]
				for u := 0; u < limit; u++ {
					probs[u] = dotf(qv, ls.k[u][kvh*headDim:(kvh+1)*headDim]) * scale
				}
				softmaxInPlace(probs)

				dprob := s.dprob[:limit]
				var dot float32
				for u := 0; u < limit; u++ {
					dprob[u] = dotf(dctx, ls.v[u][kvh*headDim:(kvh+1)*headDim])
					dot += probs[u] * dprob[u]
				}
				dqv := s.dh[h*headDim : (h+1)*headDim]
				zero(dqv)
				for u := 0; u < limit; u++ {
					p := probs[u]
					axpy(p, dctx, s.dv[u][kvh*headDim:(kvh+1)*headDim])
					ds := p * (dprob[u] - dot) * scale
					if ds == 0 {
						continue
					}
					axpy(ds, ls.k[u][kvh*headDim:(kvh+1)*headDim], dqv)
					axpy(ds, qv, s.dk[u][kvh*headDim:(kvh+1)*headDim])
				}
			}
			// s.dh now holds the full dq for position t; overwrite the
			// datt buffer with it.
			copy(s.dq[t], s.dh[:d])
			if rope {
				n.pe.applyRoPEGrad(s.dq[t], nHeads, headDim, t)
			}
		}
		if rope {
			for u := 0; u < T; u++ {
				n.pe.applyRoPEGrad(s.dk[u], kvHeads, headDim, u)
			}
		}

		// Project q/k/v gradients back through the norms into xin.
		for t := 0; t < T; t++ {
			outerAcc(blk.Wq.Grad, s.dq[t], ls.n1[t])
			outerAcc(blk.Wk.Grad, s.dk[t], ls.n1[t])
			outerAcc(blk.Wv.Grad, s.dv[t], ls.n1[t])
			if blk.Bq != nil {
				axpy(1, s.dq[t], blk.Bq.Grad)
				axpy(1, s.dk[t], blk.Bk.Grad)
				axpy(1, s.dv[t], blk.Bv.Grad)
			}
			zero(s.dn)
			gemvT(s.dn, blk.Wq.Data, s.dq[t], d, d)
			gemvT(s.dn, blk.Wk.Data, s.dk[t], dKV, d)
			gemvT(s.dn, blk.Wv.Data, s.dv[t], dKV, d)
			n.tfNormBackward(s.dn, s.dn, ls.xin[t], blk.Ln1G, blk.Ln1B, ls.stat1[t])
			axpy(1, s.dn, s.dx[t])
		}
	}

	// Input gradients: embedding rows or the input projection. The
	// sinusoidal encoding is additive and contributes nothing here.
	tf := n.params.tf
	if spec.TokenLM {
		for t := 0; t < T; t++ {
			grow := tf.Embed.Grad[toks[t]*d : (toks[t]+1)*d]
			axpy(1, s.dx[t], grow)
		}
		return
	}
	for t := 0; t < T; t++ {
		outerAcc(tf.WIn.Grad, s.dx[t], rows[t])
		axpy(1, s.dx[t], tf.BIn.Grad)
	}
}

// tfRunSpan processes one sequence span in chunks of MaxSeqLen, computing
// the loss at every position that has a target. Returns the number of
// positions that contributed gradients.
func (n *Network) tfRunSpan(ds Dataset, span Span, mode RunMode) (int, error) {
	spec := &n.skel.Transformer
	s := n.tfS
	T := s.cap
	total := 0

	for off := 0; off < span.Length; off += T {
		chunk := span.Length - off
		if chunk > T {
			chunk = T
		}
		var rows [][]float32
		var toks []int
		if spec.TokenLM {
			toks = make([]int, chunk)
			for i := 0; i < chunk; i++ {
				toks[i] = n.tokenAt(ds, mode, span.Start+off+i)
			}
		} else {
			rows = make([][]float32, chunk)
			for i := 0; i < chunk; i++ {
				r, _ := dsRow(ds, mode, span.Start+off+i)
				rows[i] = r
			}
		}

		n.tfForward(rows, toks, chunk)

		count, err := n.tfLossAndGrad(ds, span, off, chunk, rows, toks, mode)
		if err != nil {
			return total, err
		}
		total += count

		if mode == RunTrain && count > 0 {
			n.tfBackward(rows, toks, chunk)
		}
	}
	return total, nil
}

func (n *Network) tokenAt(ds Dataset, mode RunMode, i int) int {
	if mode == RunTrain {
		if tok, ok := ds.TokenID(i); ok {
			return tok
		}
		return int(ds.TrainRow(i)[0])
	}
	return int(ds.TestRow(i)[0])
}

// tfLossAndGrad computes per-position deltas into s.dx (via the head
// backward) and folds metrics. Token LMs predict the next token; vector
// datasets score each position against its expected row.
func (n *Network) tfLossAndGrad(ds Dataset, span Span, off, T int, rows [][]float32, toks []int, mode RunMode) (int, error) {
	spec := &n.skel.Transformer
	s := n.tfS
	train := mode == RunTrain
	count := 0

	for t := 0; t < T; t++ {
		var targetTok = -1
		var targetVec []float32
		if spec.TokenLM {
			next := span.Start + off + t + 1
			if off+t+1 >= span.Length {
				if train {
					zero(s.dx[t])
				}
				continue
			}
			targetTok = n.tokenAt(ds, mode, next)
			if spec.PadTokenID >= 0 && targetTok == spec.PadTokenID {
				if train {
					zero(s.dx[t])
				}
				continue
			}
		} else {
			_, targetVec = dsRow(ds, mode, span.Start+off+t)
		}

		if spec.TokenLM && spec.SampledNegatives > 0 && train {
			n.tfSampledStep(s.final[t], targetTok, s.dx[t])
			count++
			continue
		}

		n.tfLogits(s.logits, s.final[t])
		softmaxOK := n.skel.OutputKind != OutputRegression || spec.TokenLM

		if spec.TokenLM {
			softmaxInPlace(s.logits)
			p := float64(s.logits[targetTok])
			if p < 1e-12 {
				p = 1e-12
			}
			n.metrics.addNLL(-math.Log(p))
			n.metrics.addClassification(argmax(s.logits), targetTok)
			if train {
				s.logits[targetTok] -= 1
				if sf := n.lossScaleFactor(); sf != 1 {
					for i := range s.logits {
						s.logits[i] *= sf
					}
				}
				n.tfHeadBackward(s.dx[t], s.logits, s.final[t])
			}
		} else {
			if softmaxOK {
				softmaxInPlace(s.logits)
				n.metrics.addClassification(argmax(s.logits), argmax(targetVec))
			}
			delta := make([]float32, len(s.logits))
			for i := range s.logits {
				delta[i] = s.logits[i] - targetVec[i]
				if !softmaxOK {
					n.metrics.addRegression(s.logits[i], targetVec[i])
				}
			}
			if train {
				if sf := n.lossScaleFactor(); sf != 1 {
					for i := range delta {
						delta[i] *= sf
					}
				}
				n.tfHeadBackward(s.dx[t], delta, s.final[t])
			}
		}
		count++
	}

	if spec.TokenLM && spec.SampledNegatives > 0 && train {
		n.metrics.BiasedLoss = true
	}
	return count, nil
}

// tfSampledStep trains one position against the target and a uniform
// negative sample of the vocabulary instead of the full softmax. The
// resulting loss is biased; perplexity is not reported for such runs.
func (n *Network) tfSampledStep(h []float32, target int, dh []float32) {
	spec := &n.skel.Transformer
	tf := n.params.tf
	k := spec.SampledNegatives
	vocab := spec.VocabSize
	d := spec.DModel

	cand := make([]int, 0, k+1)
	cand = append(cand, target)
	for len(cand) < k+1 {
		v := n.rng.Intn(vocab)
		if v != target {
			cand = append(cand, v)
		}
	}

	logits := make([]float32, len(cand))
	for i, v := range cand {
		if spec.TieEmbeddings {
			logits[i] = dotf(tf.Embed.Data[v*d:(v+1)*d], h) + tf.LMBias.Data[v]
		} else {
			logits[i] = dotf(tf.WOut.Data[v*d:(v+1)*d], h) + tf.BOut.Data[v]
		}
	}
	softmaxInPlace(logits)
	p := float64(logits[0])
	if p < 1e-12 {
		p = 1e-12
	}
	n.metrics.addNLL(-math.Log(p))
	logits[0] -= 1
	if sf := n.lossScaleFactor(); sf != 1 {
		for i := range logits {
			logits[i] *= sf
		}
	}

	zero(dh)
	for i, v := range cand {
		g := logits[i]
		if g == 0 {
			continue
		}
		if spec.TieEmbeddings {
			row := tf.Embed.Data[v*d : (v+1)*d]
			grow := tf.Embed.Grad[v*d : (v+1)*d]
			for j := 0; j < d; j++ {
				dh[j] += g * row[j]
				grow[j] += g * h[j]
			}
			tf.LMBias.Grad[v] += g
		} else {
			row := tf.WOut.Data[v*d : (v+1)*d]
			grow := tf.WOut.Grad[v*d : (v+1)*d]
			for j := 0; j < d; j++ {
				dh[j] += g * row[j]
				grow[j] += g * h[j]
			}
			tf.BOut.Grad[v] += g
		}
	}
}
