package nn

import "time"

// ArchKind selects the network architecture. The values are fixed by the
// on-disk protocol and must not be reordered.
type ArchKind int

const (
	ArchDFF                ArchKind = 0
	ArchRNN                ArchKind = 1
	ArchGRU                ArchKind = 2
	ArchLSTM               ArchKind = 3
	ArchTransformerEncoder ArchKind = 4
	ArchTransformerDecoder ArchKind = 5
)

func (a ArchKind) String() string {
	switch a {
	case ArchDFF:
		return "dff"
	case ArchRNN:
		return "rnn"
	case ArchGRU:
		return "gru"
	case ArchLSTM:
		return "lstm"
	case ArchTransformerEncoder:
		return "transformer_encoder"
	case ArchTransformerDecoder:
		return "transformer_decoder"
	default:
		return "unknown"
	}
}

// IsRecurrent reports whether the architecture trains with truncated BPTT.
func (a ArchKind) IsRecurrent() bool {
	return a == ArchRNN || a == ArchGRU || a == ArchLSTM
}

// IsTransformer reports whether the architecture is a transformer stack.
func (a ArchKind) IsTransformer() bool {
	return a == ArchTransformerEncoder || a == ArchTransformerDecoder
}

// RunMode distinguishes training passes from evaluation passes.
type RunMode int

const (
	RunTrain    RunMode = 0
	RunTest     RunMode = 1
	RunValidate RunMode = 2
)

// OutputKind selects the output layer and loss.
type OutputKind int

const (
	OutputRegression     OutputKind = 0 // linear output, MSE
	OutputClassification OutputKind = 1 // softmax output, cross-entropy
	OutputKL             OutputKind = 2 // softmax output, KL against a target distribution
)

// Activation selects the per-layer nonlinearity.
type Activation int

const (
	ActTanh     Activation = 0
	ActTanhP    Activation = 1 // piecewise tanh approximation
	ActSigmoid  Activation = 2
	ActSigmoidP Activation = 3 // piecewise sigmoid approximation
	ActLinear   Activation = 4
	ActReLU     Activation = 5
	ActLeaky    Activation = 6
	ActStep     Activation = 7
)

// PosEncoding selects the transformer positional encoding scheme.
type PosEncoding int

const (
	PosEncNone       PosEncoding = 0
	PosEncSinusoidal PosEncoding = 1
	PosEncRoPE       PosEncoding = 2
)

// NormKind selects the transformer normalization layer.
type NormKind int

const (
	NormLayer NormKind = 0
	NormRMS   NormKind = 1
)

// FFNKind selects the transformer feed-forward variant.
type FFNKind int

const (
	FFNMLP    FFNKind = 0
	FFNSwiGLU FFNKind = 1
)

// KVDType selects the storage precision of KV caches and low-precision
// weight mirrors.
type KVDType int

const (
	KVF32  KVDType = 0
	KVF16  KVDType = 1
	KVBF16 KVDType = 2
)

func (d KVDType) String() string {
	switch d {
	case KVF32:
		return "F32"
	case KVF16:
		return "F16"
	case KVBF16:
		return "BF16"
	default:
		return "unknown"
	}
}

// InitKind selects the random weight initialization scheme.
type InitKind int

const (
	InitXavierUniform InitKind = 0
	InitXavierNormal  InitKind = 1
	InitScaledNormal  InitKind = 2
)

// OptimizerKind selects the parameter update rule.
type OptimizerKind int

const (
	OptSGD   OptimizerKind = 0 // SGD with momentum
	OptAdamW OptimizerKind = 1 // AdamW with bias correction
)

// ScheduleKind selects the learning-rate schedule.
type ScheduleKind int

const (
	ScheduleConstant    ScheduleKind = 0
	ScheduleStep        ScheduleKind = 1
	ScheduleExponential ScheduleKind = 2
	ScheduleCosine      ScheduleKind = 3
)

// LayerSpec describes one layer of the skeleton: its width and the
// hyperparameters that may be overridden per layer. Zero-valued
// hyperparameters fall back to the skeleton-level defaults. The last
// layer is the output head; its Activation is ignored because the head
// is always linear into softmax or identity.
type LayerSpec struct {
	Size         int        `json:"size"`
	Activation   Activation `json:"activation"`
	LearningRate float32    `json:"learning_rate,omitempty"`
	Momentum     float32    `json:"momentum,omitempty"`
	WeightDecay  float32    `json:"weight_decay,omitempty"`
	Dropout      float32    `json:"dropout,omitempty"`
}

// TransformerSpec carries the transformer-specific dimensions and feature
// flags. DModel must equal NHeads*headDim; NKVHeads must divide NHeads.
type TransformerSpec struct {
	DModel    int         `json:"d_model"`
	NHeads    int         `json:"n_heads"`
	NKVHeads  int         `json:"n_kv_heads,omitempty"` // 0 means NHeads (standard MHA)
	NLayers   int         `json:"n_layers"`
	DFF       int         `json:"d_ff"`
	MaxSeqLen int         `json:"max_seq_len"`
	PosEnc    PosEncoding `json:"pos_enc"`
	Norm      NormKind    `json:"norm"`
	FFN       FFNKind     `json:"ffn"`
	RoPETheta float64     `json:"rope_theta,omitempty"` // 0 means 10000
	RoPEDim   int         `json:"rope_dim,omitempty"`   // 0 means headDim, rounded down to even
	AttnBias  bool        `json:"attn_bias,omitempty"`

	// Token-LM mode: rows are token ids, logits span the vocabulary.
	TokenLM          bool `json:"token_lm,omitempty"`
	VocabSize        int  `json:"vocab_size,omitempty"`
	TieEmbeddings    bool `json:"tie_embeddings,omitempty"`
	PadTokenID       int  `json:"pad_token_id,omitempty"` // <0 disables pad masking
	SampledNegatives int  `json:"sampled_negatives,omitempty"`
}

// HeadDim returns the per-head dimension.
func (t *TransformerSpec) HeadDim() int {
	if t.NHeads == 0 {
		return 0
	}
	return t.DModel / t.NHeads
}

// KVHeads returns the effective number of key/value heads.
func (t *TransformerSpec) KVHeads() int {
	if t.NKVHeads > 0 {
		return t.NKVHeads
	}
	return t.NHeads
}

// DModelKV returns the width of the K and V projections.
func (t *TransformerSpec) DModelKV() int {
	return t.KVHeads() * t.HeadDim()
}

// Theta returns the RoPE base, defaulting to 10000.
func (t *TransformerSpec) Theta() float64 {
	if t.RoPETheta > 0 {
		return t.RoPETheta
	}
	return 10000.0
}

// RotaryDim returns the even number of dimensions RoPE rotates per head.
func (t *TransformerSpec) RotaryDim() int {
	d := t.RoPEDim
	if d <= 0 {
		d = t.HeadDim()
	}
	return d &^ 1
}

// Skeleton is the architecture descriptor a Network is built from. The
// network clones and owns its skeleton; mutating the original after
// construction has no effect.
type Skeleton struct {
	Layers       []LayerSpec     `json:"layers"` // hidden layers, then the output layer
	OutputKind   OutputKind      `json:"output_kind"`
	InputDropout float32         `json:"input_dropout,omitempty"`
	LearningRate float32         `json:"learning_rate"`
	Momentum     float32         `json:"momentum,omitempty"`
	WeightDecay  float32         `json:"weight_decay,omitempty"`
	HiddenSize   int             `json:"hidden_size,omitempty"`  // recurrent architectures
	TBPTTWindow  int             `json:"tbptt_window,omitempty"` // default truncation window
	Transformer  TransformerSpec `json:"transformer,omitempty"`
}

// Clone returns a deep copy of the skeleton.
func (s *Skeleton) Clone() *Skeleton {
	c := *s
	c.Layers = make([]LayerSpec, len(s.Layers))
	copy(c.Layers, s.Layers)
	return &c
}

// OutputSize returns the width of the output layer, or the vocabulary size
// for token LMs.
func (s *Skeleton) OutputSize() int {
	if s.Transformer.TokenLM {
		return s.Transformer.VocabSize
	}
	if len(s.Layers) == 0 {
		return 0
	}
	return s.Layers[len(s.Layers)-1].Size
}

// LayerLR resolves the learning rate for layer i.
func (s *Skeleton) LayerLR(i int) float32 {
	if i >= 0 && i < len(s.Layers) && s.Layers[i].LearningRate > 0 {
		return s.Layers[i].LearningRate
	}
	return s.LearningRate
}

// LayerMomentum resolves the momentum factor for layer i.
func (s *Skeleton) LayerMomentum(i int) float32 {
	if i >= 0 && i < len(s.Layers) && s.Layers[i].Momentum > 0 {
		return s.Layers[i].Momentum
	}
	return s.Momentum
}

// LayerWeightDecay resolves the weight decay for layer i.
func (s *Skeleton) LayerWeightDecay(i int) float32 {
	if i >= 0 && i < len(s.Layers) && s.Layers[i].WeightDecay > 0 {
		return s.Layers[i].WeightDecay
	}
	return s.WeightDecay
}

// Window resolves the effective TBPTT window given a config override.
func (s *Skeleton) Window(override int) int {
	if override > 0 {
		return override
	}
	if s.TBPTTWindow > 0 {
		return s.TBPTTWindow
	}
	return 8
}

// ScheduleConfig describes the learning-rate schedule as a multiplier on
// the base learning rate, evaluated once per epoch.
type ScheduleConfig struct {
	Kind        ScheduleKind `json:"kind"`
	StepSize    int          `json:"step_size,omitempty"`    // step schedule: epochs per decay
	DecayFactor float32      `json:"decay_factor,omitempty"` // step/exponential decay factor
	TotalEpochs int          `json:"total_epochs,omitempty"` // cosine horizon
	MinMul      float32      `json:"min_mul,omitempty"`      // cosine floor
}

// MixedPrecisionConfig enables low-precision weight mirrors and dynamic
// loss scaling.
type MixedPrecisionConfig struct {
	Enabled        bool    `json:"enabled"`
	DType          KVDType `json:"dtype"`                         // F16 or BF16
	LossScale      float32 `json:"loss_scale,omitempty"`          // 0 means 65536
	GrowthFactor   float32 `json:"growth_factor,omitempty"`       // 0 means 2
	BackoffFactor  float32 `json:"backoff_factor,omitempty"`      // 0 means 0.5
	GrowthInterval int     `json:"growth_interval,omitempty"`     // 0 means 2000
	LossScaleMin   float32 `json:"loss_scale_min,omitempty"`      // 0 means 1
	LossScaleMax   float32 `json:"loss_scale_max,omitempty"`      // 0 means 1<<24
	MaxBackoffs    int     `json:"max_backoffs,omitempty"`        // 0 means 50
}

// TrainingConfig collects the run-level knobs of the update loop.
type TrainingConfig struct {
	MinibatchSize      int                  `json:"minibatch_size,omitempty"`        // 0 or 1: per-sample updates
	TBPTTWindow        int                  `json:"tbptt_window,omitempty"`          // overrides the skeleton default
	Optimizer          OptimizerKind        `json:"optimizer"`
	AdamBeta1          float32              `json:"adam_beta1,omitempty"`            // 0 means 0.9
	AdamBeta2          float32              `json:"adam_beta2,omitempty"`            // 0 means 0.999
	AdamEpsilon        float32              `json:"adam_epsilon,omitempty"`          // 0 means 1e-8
	GlobalGradClipNorm float32              `json:"global_grad_clip_norm,omitempty"` // <=0 disables
	PerElementGradClip float32              `json:"per_element_grad_clip,omitempty"` // <0 disables, 0 keeps default 10
	Schedule           ScheduleConfig       `json:"schedule"`
	MixedPrecision     MixedPrecisionConfig `json:"mixed_precision"`
}

// DefaultTrainingConfig returns the defaults the engine assumes when no
// config is supplied.
func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		MinibatchSize:      1,
		Optimizer:          OptSGD,
		PerElementGradClip: 10,
		Schedule:           ScheduleConfig{Kind: ScheduleConstant},
	}
}

// Terminator describes the early-termination contract polled between
// epochs. Zero values disable the corresponding cap.
type Terminator struct {
	MaxEpochs      int           `json:"max_epochs,omitempty"`
	MaxWallclock   time.Duration `json:"max_wallclock,omitempty"`
	TargetAccuracy float64       `json:"target_accuracy,omitempty"`
}

// TrainingCallbacks observe a run. OnEpochEnd returning true stops the run
// cleanly between epochs. Callbacks are invoked synchronously and are not
// retained past the call.
type TrainingCallbacks interface {
	OnRunStart(n *Network)
	OnEpochEnd(n *Network, epoch int, m *EpochMetrics) bool
	OnRunEnd(n *Network, err error)
}

// GenerateCallbacks stream generated tokens. OnToken returning false and
// ShouldStop returning true both cancel generation at token granularity.
type GenerateCallbacks interface {
	OnToken(tok int, pos int) bool
	ShouldStop() bool
}

// ServeCallbacks stream tokens from the continuous batcher.
type ServeCallbacks interface {
	OnToken(slot int, tok int, pos int)
	ShouldStopAll() bool
	ShouldStopRequest(slot int) bool
}
