package nn

import (
	"fmt"
	"math"
	"math/rand"
)

// Tensor is one named, packed, row-major parameter buffer together with its
// gradient, optimizer moments, and optional low-precision mirror. Tensors
// are the single source of truth for all model state; everything else
// (mirrors, caches, persisted blobs) derives from them.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float32
	Grad  []float32

	// M is the SGD velocity or the AdamW first moment; V2 is the AdamW
	// second moment. Allocated lazily with the same shape as Data.
	M  []float32
	V2 []float32

	// Mirror holds the low-precision copy when mixed precision is on.
	Mirror []uint16

	// Gamma tensors are excluded from weight decay, like biases.
	noDecay bool

	// Per-layer hyperparameter overrides; zero falls back to the
	// skeleton-level value.
	lrOverride  float32
	momOverride float32
	wdOverride  float32
}

func newTensor(name string, shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Tensor{
		Name:  name,
		Shape: shape,
		Data:  make([]float32, n),
		Grad:  make([]float32, n),
	}
}

func newBias(name string, n int) *Tensor {
	t := newTensor(name, n)
	t.noDecay = true
	return t
}

// Len returns the element count.
func (t *Tensor) Len() int { return len(t.Data) }

func (t *Tensor) ensureMoments(second bool) {
	if t.M == nil {
		t.M = make([]float32, len(t.Data))
	}
	if second && t.V2 == nil {
		t.V2 = make([]float32, len(t.Data))
	}
}

// gateCount returns the number of packed recurrent gates per architecture.
func gateCount(arch ArchKind) int {
	switch arch {
	case ArchGRU:
		return 3 // z, r, candidate
	case ArchLSTM:
		return 4 // i, f, o, g
	default:
		return 1
	}
}

// Transition is one fully-connected DFF hop mapping in -> out.
type Transition struct {
	W *Tensor // [out, in]
	B *Tensor // [out]

	In, Out    int
	Activation Activation
	Dropout    float32
	Layer      int // skeleton layer index, for per-layer hyperparameters
}

// HiddenBlock is one recurrent layer with weights packed by gate:
// Wx [G·h, in], Wh [G·h, h], Bias [G·h].
type HiddenBlock struct {
	Wx   *Tensor
	Wh   *Tensor
	Bias *Tensor

	In, Hidden int
}

// OutputBlock is the readout of a recurrent stack.
type OutputBlock struct {
	Why *Tensor // [out, hidden]
	By  *Tensor // [out]
}

// TransformerBlock holds one pre-norm transformer block. Norm betas and
// projection biases are nil when the configuration does not use them.
type TransformerBlock struct {
	Ln1G, Ln1B *Tensor
	Wq, Bq     *Tensor // [dModel, dModel]
	Wk, Bk     *Tensor // [dModelKV, dModel]
	Wv, Bv     *Tensor // [dModelKV, dModel]
	Wo, Bo     *Tensor // [dModel, dModel]
	Ln2G, Ln2B *Tensor
	W1, B1     *Tensor // [dFF or 2·dFF, dModel]
	W2, B2     *Tensor // [dModel, dFF]
}

// TransformerParams holds the global projections around the block stack.
type TransformerParams struct {
	WIn, BIn   *Tensor // [dModel, inputSize]; nil in token-LM mode
	Embed      *Tensor // [vocab, dModel]; token-LM mode only
	LMBias     *Tensor // [vocab]; tied-embedding head bias
	WOut, BOut *Tensor // [outSize, dModel]; nil when embeddings are tied
	Blocks     []TransformerBlock
}

// ParamStore owns every parameter tensor of one network. It is built
// lazily on the first run, once the dataset's feature count is known.
type ParamStore struct {
	arch       ArchKind
	inputSize  int
	outputSize int

	transitions []Transition
	hidden      []HiddenBlock
	out         OutputBlock
	tf          *TransformerParams

	initialized bool
	adamStep    int

	mirrored    bool
	mirrorDType KVDType
}

// Initialized reports whether the store has been built.
func (p *ParamStore) Initialized() bool { return p.initialized }

// InputSize returns the feature count the store was built for.
func (p *ParamStore) InputSize() int { return p.inputSize }

// build allocates all tensors for the architecture described by skel with
// the given input feature count. It does not initialize values.
func (p *ParamStore) build(arch ArchKind, skel *Skeleton, inputSize int) error {
	if inputSize <= 0 && !skel.Transformer.TokenLM {
		return fmt.Errorf("%w: cannot size parameters for input width %d", ErrBuildFailed, inputSize)
	}
	p.arch = arch
	p.inputSize = inputSize
	p.outputSize = skel.OutputSize()
	if p.outputSize <= 0 {
		return fmt.Errorf("%w: skeleton declares no output layer", ErrBuildFailed)
	}

	switch {
	case arch == ArchDFF:
		if len(skel.Layers) == 0 {
			return fmt.Errorf("%w: dff skeleton has no layers", ErrBuildFailed)
		}
		in := inputSize
		p.transitions = make([]Transition, len(skel.Layers))
		for i, l := range skel.Layers {
			if l.Size <= 0 {
				return fmt.Errorf("%w: layer %d has size %d", ErrBuildFailed, i, l.Size)
			}
			w := newTensor(fmt.Sprintf("dff.t%d.w", i), l.Size, in)
			b := newBias(fmt.Sprintf("dff.t%d.b", i), l.Size)
			w.lrOverride, b.lrOverride = l.LearningRate, l.LearningRate
			w.momOverride, b.momOverride = l.Momentum, l.Momentum
			w.wdOverride = l.WeightDecay
			p.transitions[i] = Transition{
				W:          w,
				B:          b,
				In:         in,
				Out:        l.Size,
				Activation: l.Activation,
				Dropout:    l.Dropout,
				Layer:      i,
			}
			in = l.Size
		}

	case arch.IsRecurrent():
		gates := gateCount(arch)
		nHidden := len(skel.Layers) - 1
		if nHidden < 1 {
			nHidden = 1
		}
		p.hidden = make([]HiddenBlock, nHidden)
		in := inputSize
		for i := 0; i < nHidden; i++ {
			h := skel.HiddenSize
			if i < len(skel.Layers)-1 && skel.Layers[i].Size > 0 {
				h = skel.Layers[i].Size
			}
			if h <= 0 {
				return fmt.Errorf("%w: recurrent hidden size is %d", ErrBuildFailed, h)
			}
			p.hidden[i] = HiddenBlock{
				Wx:     newTensor(fmt.Sprintf("rec.h%d.wx", i), gates*h, in),
				Wh:     newTensor(fmt.Sprintf("rec.h%d.wh", i), gates*h, h),
				Bias:   newBias(fmt.Sprintf("rec.h%d.b", i), gates*h),
				In:     in,
				Hidden: h,
			}
			in = h
		}
		p.out = OutputBlock{
			Why: newTensor("rec.out.w", p.outputSize, in),
			By:  newBias("rec.out.b", p.outputSize),
		}

	case arch.IsTransformer():
		spec := &skel.Transformer
		if spec.DModel <= 0 || spec.NHeads <= 0 || spec.NLayers <= 0 {
			return fmt.Errorf("%w: transformer dims d_model=%d n_heads=%d n_layers=%d",
				ErrBuildFailed, spec.DModel, spec.NHeads, spec.NLayers)
		}
		if spec.DModel%spec.NHeads != 0 {
			return fmt.Errorf("%w: d_model %d not divisible by n_heads %d",
				ErrInvalidArgument, spec.DModel, spec.NHeads)
		}
		if spec.NKVHeads > 0 && spec.NHeads%spec.NKVHeads != 0 {
			return fmt.Errorf("%w: n_kv_heads %d does not divide n_heads %d",
				ErrInvalidArgument, spec.NKVHeads, spec.NHeads)
		}
		tf := &TransformerParams{}
		d := spec.DModel
		dKV := spec.DModelKV()
		if spec.TokenLM {
			if spec.VocabSize <= 0 {
				return fmt.Errorf("%w: token LM with vocab size %d", ErrInvalidArgument, spec.VocabSize)
			}
			tf.Embed = newTensor("tf.embed", spec.VocabSize, d)
			if spec.TieEmbeddings {
				tf.LMBias = newBias("tf.lm_bias", spec.VocabSize)
			} else {
				tf.WOut = newTensor("tf.out.w", spec.VocabSize, d)
				tf.BOut = newBias("tf.out.b", spec.VocabSize)
			}
		} else {
			tf.WIn = newTensor("tf.in.w", d, inputSize)
			tf.BIn = newBias("tf.in.b", d)
			tf.WOut = newTensor("tf.out.w", p.outputSize, d)
			tf.BOut = newBias("tf.out.b", p.outputSize)
		}
		ffW := spec.DFF
		if spec.FFN == FFNSwiGLU {
			ffW = 2 * spec.DFF
		}
		tf.Blocks = make([]TransformerBlock, spec.NLayers)
		for i := range tf.Blocks {
			pre := fmt.Sprintf("tf.blk%d.", i)
			blk := TransformerBlock{
				Ln1G: gammaTensor(pre+"ln1.g", d),
				Wq:   newTensor(pre+"wq", d, d),
				Wk:   newTensor(pre+"wk", dKV, d),
				Wv:   newTensor(pre+"wv", dKV, d),
				Wo:   newTensor(pre+"wo", d, d),
				Ln2G: gammaTensor(pre+"ln2.g", d),
				W1:   newTensor(pre+"w1", ffW, d),
				B1:   newBias(pre+"b1", ffW),
				W2:   newTensor(pre+"w2", d, spec.DFF),
				B2:   newBias(pre+"b2", d),
			}
			if spec.Norm == NormLayer {
				blk.Ln1B = newBias(pre+"ln1.b", d)
				blk.Ln2B = newBias(pre+"ln2.b", d)
			}
			if spec.AttnBias {
				blk.Bq = newBias(pre+"bq", d)
				blk.Bk = newBias(pre+"bk", dKV)
				blk.Bv = newBias(pre+"bv", dKV)
				blk.Bo = newBias(pre+"bo", d)
			}
			tf.Blocks[i] = blk
		}
		p.tf = tf

	default:
		return fmt.Errorf("%w: unknown architecture %d", ErrInvalidArgument, arch)
	}

	p.initialized = true
	return nil
}

func gammaTensor(name string, n int) *Tensor {
	t := newTensor(name, n)
	t.noDecay = true
	for i := range t.Data {
		t.Data[i] = 1
	}
	return t
}

// forEach visits every tensor in canonical order. Persistence, the
// optimizer, and the read-only inspector all walk this order.
func (p *ParamStore) forEach(fn func(t *Tensor)) {
	for i := range p.transitions {
		fn(p.transitions[i].W)
		fn(p.transitions[i].B)
	}
	for i := range p.hidden {
		fn(p.hidden[i].Wx)
		fn(p.hidden[i].Wh)
		fn(p.hidden[i].Bias)
	}
	if p.out.Why != nil {
		fn(p.out.Why)
		fn(p.out.By)
	}
	if p.tf != nil {
		if p.tf.WIn != nil {
			fn(p.tf.WIn)
			fn(p.tf.BIn)
		}
		if p.tf.Embed != nil {
			fn(p.tf.Embed)
		}
		if p.tf.LMBias != nil {
			fn(p.tf.LMBias)
		}
		for i := range p.tf.Blocks {
			b := &p.tf.Blocks[i]
			for _, t := range []*Tensor{
				b.Ln1G, b.Ln1B, b.Wq, b.Bq, b.Wk, b.Bk, b.Wv, b.Bv,
				b.Wo, b.Bo, b.Ln2G, b.Ln2B, b.W1, b.B1, b.W2, b.B2,
			} {
				if t != nil {
					fn(t)
				}
			}
		}
		if p.tf.WOut != nil {
			fn(p.tf.WOut)
			fn(p.tf.BOut)
		}
	}
}

// tensorByName resolves a tensor in the canonical walk, or nil.
func (p *ParamStore) tensorByName(name string) *Tensor {
	var found *Tensor
	p.forEach(func(t *Tensor) {
		if t.Name == name {
			found = t
		}
	})
	return found
}

// initRandom fills all weight matrices from rng with the requested scheme.
// Biases stay zero; gammas stay one; the LSTM forget-gate bias is set to
// one so fresh cells remember by default.
func (p *ParamStore) initRandom(rng *rand.Rand, kind InitKind) {
	p.forEach(func(t *Tensor) {
		if t.noDecay {
			return // biases and gammas keep their construction values
		}
		fanOut, fanIn := fans(t)
		switch kind {
		case InitXavierNormal:
			std := math.Sqrt(2.0 / float64(fanIn+fanOut))
			for i := range t.Data {
				t.Data[i] = float32(rng.NormFloat64() * std)
			}
		case InitScaledNormal:
			for i := range t.Data {
				t.Data[i] = float32(rng.NormFloat64() * 0.02)
			}
		default: // InitXavierUniform
			limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
			for i := range t.Data {
				t.Data[i] = float32((rng.Float64()*2 - 1) * limit)
			}
		}
	})
	if p.arch == ArchLSTM {
		// Packed gate order is i, f, o, g: the forget slice is the second.
		for i := range p.hidden {
			h := p.hidden[i].Hidden
			for j := h; j < 2*h; j++ {
				p.hidden[i].Bias.Data[j] = 1
			}
		}
	}
}

func fans(t *Tensor) (fanOut, fanIn int) {
	if len(t.Shape) >= 2 {
		return t.Shape[0], t.Shape[1]
	}
	return t.Len(), t.Len()
}

// zeroGradients clears every gradient buffer.
func (p *ParamStore) zeroGradients() {
	p.forEach(func(t *Tensor) {
		for i := range t.Grad {
			t.Grad[i] = 0
		}
	})
}

// materializeMirrors (re)encodes every weight into the low-precision
// mirror. Called after construction and after every applied update while
// mixed precision is enabled.
func (p *ParamStore) materializeMirrors(dtype KVDType) {
	p.mirrored = true
	p.mirrorDType = dtype
	p.forEach(func(t *Tensor) {
		if t.Mirror == nil || len(t.Mirror) != len(t.Data) {
			t.Mirror = make([]uint16, len(t.Data))
		}
		for i, v := range t.Data {
			t.Mirror[i] = encodeLowp(v, dtype)
		}
	})
}

// dropMirrors releases low-precision mirrors.
func (p *ParamStore) dropMirrors() {
	p.mirrored = false
	p.forEach(func(t *Tensor) { t.Mirror = nil })
}

// paramCount returns the total number of parameters.
func (p *ParamStore) paramCount() int {
	n := 0
	p.forEach(func(t *Tensor) { n += t.Len() })
	return n
}

// TensorInfo is a read-only description of one parameter tensor.
type TensorInfo struct {
	Name     string
	Shape    []int
	Elements int
}

// Inspect walks the tensors in canonical order without exposing mutable
// state. fn receives a read-only copy of the data slice header; the caller
// must not write through it.
func (n *Network) Inspect(fn func(info TensorInfo, data []float32)) {
	n.params.forEach(func(t *Tensor) {
		shape := make([]int, len(t.Shape))
		copy(shape, t.Shape)
		fn(TensorInfo{Name: t.Name, Shape: shape, Elements: t.Len()}, t.Data)
	})
}
