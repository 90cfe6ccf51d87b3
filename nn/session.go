package nn

import (
	"fmt"
	"math"
)

// kvSlab stores one layer's cached keys or values for one session in a
// single dtype. Half-precision slabs round on store and widen on load.
type kvSlab struct {
	dtype KVDType
	f32   []float32
	u16   []uint16
}

func newKVSlab(dtype KVDType, capacity int) kvSlab {
	s := kvSlab{dtype: dtype}
	if dtype == KVF32 {
		s.f32 = make([]float32, capacity)
	} else {
		s.u16 = make([]uint16, capacity)
	}
	return s
}

func (s *kvSlab) store(off int, vec []float32) {
	if s.dtype == KVF32 {
		copy(s.f32[off:off+len(vec)], vec)
		return
	}
	for i, v := range vec {
		s.u16[off+i] = encodeLowp(v, s.dtype)
	}
}

func (s *kvSlab) load(off int, dst []float32) {
	if s.dtype == KVF32 {
		copy(dst, s.f32[off:off+len(dst)])
		return
	}
	for i := range dst {
		dst[i] = decodeLowp(s.u16[off+i], s.dtype)
	}
}

func (s *kvSlab) zeroRange(off, n int) {
	if s.dtype == KVF32 {
		for i := 0; i < n; i++ {
			s.f32[off+i] = 0
		}
		return
	}
	for i := 0; i < n; i++ {
		s.u16[off+i] = 0
	}
}

// SessionConfig configures a decode session.
type SessionConfig struct {
	MaxLen  int     // context capacity; 0 means the model's MaxSeqLen
	KVDType KVDType // cache precision
}

// LMSession holds the KV cache and scratch of one incremental decode
// stream. A session reads the network's weights but owns all of its own
// mutable state; concurrent sessions over one trained network are safe as
// long as no run is started. Appending past MaxLen fails with
// ErrInvalidState.
type LMSession struct {
	n      *Network
	dtype  KVDType
	maxLen int
	curLen int

	k []kvSlab // per layer, maxLen·dKV
	v []kvSlab

	masked []int // positions excluded from attention

	pe *posEncCache

	// Decode scratch.
	x, n1, xmid, n2 []float32
	q, att          []float32
	kRow, vRow      []float32
	ffPre, ffAct    []float32
	probs           []float32
	logits          []float32
}

// NewSession creates an incremental decode session over a trained or
// loaded transformer. The parameter store must already be built.
func (n *Network) NewSession(cfg SessionConfig) (*LMSession, error) {
	if !n.arch.IsTransformer() {
		return nil, fmt.Errorf("%w: sessions require a transformer architecture", ErrInvalidArgument)
	}
	if !n.params.Initialized() {
		return nil, fmt.Errorf("%w: parameters not built; train or load a model first", ErrInvalidState)
	}
	spec := &n.skel.Transformer
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = spec.MaxSeqLen
	}
	if maxLen <= 0 {
		return nil, fmt.Errorf("%w: session needs a positive context capacity", ErrInvalidArgument)
	}
	if cfg.KVDType < KVF32 || cfg.KVDType > KVBF16 {
		return nil, fmt.Errorf("%w: unknown kv dtype %d", ErrInvalidArgument, cfg.KVDType)
	}

	d := spec.DModel
	dKV := spec.DModelKV()
	ffPre := spec.DFF
	if spec.FFN == FFNSwiGLU {
		ffPre = 2 * spec.DFF
	}
	s := &LMSession{
		n:      n,
		dtype:  cfg.KVDType,
		maxLen: maxLen,
		k:      make([]kvSlab, spec.NLayers),
		v:      make([]kvSlab, spec.NLayers),
		pe:     newPosEncCache(spec),
		x:      make([]float32, d),
		n1:     make([]float32, d),
		xmid:   make([]float32, d),
		n2:     make([]float32, d),
		q:      make([]float32, d),
		att:    make([]float32, d),
		kRow:   make([]float32, dKV),
		vRow:   make([]float32, dKV),
		ffPre:  make([]float32, ffPre),
		ffAct:  make([]float32, spec.DFF),
		probs:  make([]float32, maxLen),
		logits: make([]float32, n.params.outputSize),
	}
	for l := 0; l < spec.NLayers; l++ {
		s.k[l] = newKVSlab(cfg.KVDType, maxLen*dKV)
		s.v[l] = newKVSlab(cfg.KVDType, maxLen*dKV)
	}
	return s, nil
}

// Len returns the number of cached positions.
func (s *LMSession) Len() int { return s.curLen }

// MaxLen returns the context capacity.
func (s *LMSession) MaxLen() int { return s.maxLen }

// Reset discards the cached context, keeping the allocation.
func (s *LMSession) Reset() { s.curLen = 0 }

// Append feeds one token through the stack at the next position,
// extending the KV cache. When out is non-nil the logits over the
// vocabulary are written into it.
func (s *LMSession) Append(tok int, out []float32) error {
	n := s.n
	spec := &n.skel.Transformer
	if s.curLen >= s.maxLen {
		return fmt.Errorf("%w: session is full at %d positions", ErrInvalidState, s.maxLen)
	}
	if spec.TokenLM && (tok < 0 || tok >= spec.VocabSize) {
		return fmt.Errorf("%w: token %d outside vocabulary of %d", ErrInvalidArgument, tok, spec.VocabSize)
	}
	pos := s.curLen
	s.decodeAt(tok, pos, true)
	s.curLen++
	if out != nil {
		n.tfLogits(s.logits, s.x)
		copy(out, s.logits)
	}
	return nil
}

// AppendMasked stores the position's keys and values but leaves it out of
// every later attention window. Batched decoding uses it to keep lockstep
// position counters across streams of different lengths.
func (s *LMSession) AppendMasked() error {
	if s.curLen >= s.maxLen {
		return fmt.Errorf("%w: session is full at %d positions", ErrInvalidState, s.maxLen)
	}
	spec := &s.n.skel.Transformer
	dKV := spec.DModelKV()
	for l := range s.k {
		s.k[l].zeroRange(s.curLen*dKV, dKV)
		s.v[l].zeroRange(s.curLen*dKV, dKV)
	}
	s.masked = append(s.masked, s.curLen)
	s.curLen++
	return nil
}

// decodeAt runs the block stack for a single position against the cached
// context. The final hidden state is left in s.x.
func (s *LMSession) decodeAt(tok, pos int, store bool) {
	n := s.n
	spec := &n.skel.Transformer
	d := spec.DModel
	dKV := spec.DModelKV()
	nHeads := spec.NHeads
	kvHeads := spec.KVHeads()
	headDim := spec.HeadDim()
	group := nHeads / kvHeads
	scale := float32(1.0 / math.Sqrt(float64(headDim)))
	rope := spec.PosEnc == PosEncRoPE

	n.tfEmbed(s.x, nil, tok)
	if spec.PosEnc == PosEncSinusoidal {
		s.pe.addSinusoidal(s.x, pos)
	}

	for l := range n.params.tf.Blocks {
		blk := &n.params.tf.Blocks[l]
		var bq, bk, bv, bo []float32
		if blk.Bq != nil {
			bq, bk, bv = blk.Bq.Data, blk.Bk.Data, blk.Bv.Data
		}
		if blk.Bo != nil {
			bo = blk.Bo.Data
		}

		n.tfNormForward(s.n1, s.x, blk.Ln1G.Data, betaData(blk.Ln1B))
		gemv(s.q, blk.Wq.Data, s.n1, bq, d, d)
		gemv(s.kRow, blk.Wk.Data, s.n1, bk, dKV, d)
		gemv(s.vRow, blk.Wv.Data, s.n1, bv, dKV, d)
		if rope {
			s.pe.applyRoPE(s.q, nHeads, headDim, pos)
			s.pe.applyRoPE(s.kRow, kvHeads, headDim, pos)
		}
		if store {
			s.k[l].store(pos*dKV, s.kRow)
			s.v[l].store(pos*dKV, s.vRow)
		}

		zero(s.att)
		limit := pos + 1
		for h := 0; h < nHeads; h++ {
			kvh := h / group
			qv := s.q[h*headDim : (h+1)*headDim]
			probs := s.probs[:limit]
			for u := 0; u < limit; u++ {
				s.k[l].load(u*dKV+kvh*headDim, s.kRow[:headDim])
				probs[u] = dotf(qv, s.kRow[:headDim]) * scale
			}
			s.maskInvalid(probs)
			softmaxInPlace(probs)
			ctx := s.att[h*headDim : (h+1)*headDim]
			for u := 0; u < limit; u++ {
				if probs[u] == 0 {
					continue
				}
				s.v[l].load(u*dKV+kvh*headDim, s.vRow[:headDim])
				axpy(probs[u], s.vRow[:headDim], ctx)
			}
		}

		gemv(s.xmid, blk.Wo.Data, s.att, bo, d, d)
		axpy(1, s.x, s.xmid)

		n.tfNormForward(s.n2, s.xmid, blk.Ln2G.Data, betaData(blk.Ln2B))
		gemv(s.ffPre, blk.W1.Data, s.n2, blk.B1.Data, len(s.ffPre), d)
		n.tfFFNActivate(s.ffAct, s.ffPre)
		gemv(s.x, blk.W2.Data, s.ffAct, blk.B2.Data, d, spec.DFF)
		axpy(1, s.xmid, s.x)
	}
}

// maskInvalid pins masked positions to -inf before the softmax.
func (s *LMSession) maskInvalid(scores []float32) {
	if len(s.masked) == 0 {
		return
	}
	for _, pos := range s.masked {
		if pos < len(scores) {
			scores[pos] = float32(math.Inf(-1))
		}
	}
}

// LMBatchSession runs several independent decode streams in lockstep,
// one KV cache per slot. Slots advance selectively: inactive slots are
// skipped entirely and keep their position counters.
type LMBatchSession struct {
	slots []*LMSession
}

// NewBatchSession creates nSlots independent sessions sharing the
// network's weights.
func (n *Network) NewBatchSession(nSlots int, cfg SessionConfig) (*LMBatchSession, error) {
	if nSlots <= 0 {
		return nil, fmt.Errorf("%w: need at least one slot", ErrInvalidArgument)
	}
	b := &LMBatchSession{slots: make([]*LMSession, nSlots)}
	for i := range b.slots {
		s, err := n.NewSession(cfg)
		if err != nil {
			return nil, err
		}
		b.slots[i] = s
	}
	return b, nil
}

// Slots returns the slot count.
func (b *LMBatchSession) Slots() int { return len(b.slots) }

// Slot returns the session behind slot i.
func (b *LMBatchSession) Slot(i int) *LMSession { return b.slots[i] }

// Append advances every active slot by one token. toks, active and out
// are indexed by slot; out rows may be nil for slots whose logits are not
// needed this step.
func (b *LMBatchSession) Append(toks []int, active []bool, out [][]float32) error {
	if len(toks) != len(b.slots) || len(active) != len(b.slots) {
		return fmt.Errorf("%w: batch width %d does not match %d slots", ErrInvalidArgument, len(toks), len(b.slots))
	}
	for i, s := range b.slots {
		if !active[i] {
			continue
		}
		var dst []float32
		if out != nil {
			dst = out[i]
		}
		if err := s.Append(toks[i], dst); err != nil {
			return fmt.Errorf("slot %d: %w", i, err)
		}
	}
	return nil
}

// ResetSlot clears one slot's context and zeroes its cache so stale keys
// can never leak into a reused slot.
func (b *LMBatchSession) ResetSlot(i int) {
	s := b.slots[i]
	spec := &s.n.skel.Transformer
	dKV := spec.DModelKV()
	for l := range s.k {
		s.k[l].zeroRange(0, s.curLen*dKV)
		s.v[l].zeroRange(0, s.curLen*dKV)
	}
	s.masked = s.masked[:0]
	s.curLen = 0
}
