package nn

import (
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
)

// TokenizerArtifacts is the opaque tokenizer sidecar attached to a network
// and persisted next to its weights. The engine never interprets the
// contents; the tokenizer package produces and consumes them.
type TokenizerArtifacts struct {
	Manifest []byte
	Vocab    []byte
}

// Network is the top-level training and inference object. A network is
// single-owner and not re-entrant: Train and Test hold the run lock for the
// whole run and a second call on the same instance fails with
// ErrInvalidState. Distinct instances are independent.
type Network struct {
	arch ArchKind
	skel *Skeleton

	cfg      TrainingConfig
	term     Terminator
	initKind InitKind

	seed int64
	rng  *rand.Rand

	params ParamStore
	ls     lossScaleState

	runMu   sync.Mutex
	running atomic.Bool

	metrics       EpochMetrics
	lastErr       error
	lastGradNorm  float32
	lastGradScale float32
	batchCount    int
	lrMul         float32

	logger *log.Logger
	tokArt *TokenizerArtifacts

	dffS  *dffScratch
	recS  *recScratch
	tfS   *tfScratch
	pe    *posEncCache
}

// New creates a network of the given architecture with an empty skeleton;
// the caller configures it through SetSkeleton before the first run.
func New(arch ArchKind) *Network {
	return NewWithSkeleton(arch, &Skeleton{LearningRate: 0.01})
}

// NewWithSkeleton creates a network from an architecture descriptor. The
// skeleton is cloned; the caller's copy stays untouched.
func NewWithSkeleton(arch ArchKind, skel *Skeleton) *Network {
	n := &Network{
		arch: arch,
		skel: skel.Clone(),
		cfg:  DefaultTrainingConfig(),
		seed: 1,
	}
	n.rng = rand.New(rand.NewSource(n.seed))
	n.ls = newLossScaleState(&n.cfg.MixedPrecision)
	return n
}

// Arch returns the architecture tag.
func (n *Network) Arch() ArchKind { return n.arch }

// Skeleton returns a copy of the descriptor the network owns.
func (n *Network) Skeleton() *Skeleton { return n.skel.Clone() }

// Metrics returns the metrics of the last completed epoch or test pass.
func (n *Network) Metrics() *EpochMetrics { return &n.metrics }

// LastError returns the first failure recorded by the last run, or nil.
func (n *Network) LastError() error { return n.lastErr }

// LastGradNorm returns the pre-clip global gradient norm of the last
// applied update and the clip scale that was applied to it.
func (n *Network) LastGradNorm() (norm, scale float32) {
	return n.lastGradNorm, n.lastGradScale
}

// mutate guards the mutable configuration accessors against use during a
// run.
func (n *Network) mutate() error {
	if n.running.Load() {
		return fmt.Errorf("%w: network is running", ErrInvalidState)
	}
	return nil
}

// SetSeed reseeds the network RNG. The seed also anchors the deterministic
// per-call RNG derivation used by generation.
func (n *Network) SetSeed(seed int64) error {
	if err := n.mutate(); err != nil {
		return err
	}
	n.seed = seed
	n.rng = rand.New(rand.NewSource(seed))
	return nil
}

// SetSkeleton replaces the architecture descriptor. Parameters already
// built are discarded and rebuilt lazily on the next run.
func (n *Network) SetSkeleton(skel *Skeleton) error {
	if err := n.mutate(); err != nil {
		return err
	}
	n.skel = skel.Clone()
	n.params = ParamStore{}
	n.dffS, n.recS, n.tfS, n.pe = nil, nil, nil, nil
	return nil
}

// SetTrainingConfig replaces the run-level training configuration.
func (n *Network) SetTrainingConfig(cfg TrainingConfig) error {
	if err := n.mutate(); err != nil {
		return err
	}
	n.cfg = cfg
	n.ls = newLossScaleState(&cfg.MixedPrecision)
	if !cfg.MixedPrecision.Enabled && n.params.mirrored {
		n.params.dropMirrors()
	}
	return nil
}

// TrainingConfig returns the active configuration.
func (n *Network) TrainingConfig() TrainingConfig { return n.cfg }

// SetTerminator replaces the early-termination contract.
func (n *Network) SetTerminator(t Terminator) error {
	if err := n.mutate(); err != nil {
		return err
	}
	n.term = t
	return nil
}

// SetSchedule replaces the learning-rate schedule.
func (n *Network) SetSchedule(s ScheduleConfig) error {
	if err := n.mutate(); err != nil {
		return err
	}
	n.cfg.Schedule = s
	return nil
}

// SetGlobalGradClipNorm sets the global L2 gradient clip; <=0 disables.
func (n *Network) SetGlobalGradClipNorm(clip float32) error {
	if err := n.mutate(); err != nil {
		return err
	}
	n.cfg.GlobalGradClipNorm = clip
	return nil
}

// SetPerElementGradClip sets the per-element gradient clamp; negative
// disables, zero restores the default of 10.
func (n *Network) SetPerElementGradClip(clip float32) error {
	if err := n.mutate(); err != nil {
		return err
	}
	n.cfg.PerElementGradClip = clip
	return nil
}

// SetInitKind selects the weight initialization scheme used when the
// parameter store is first built.
func (n *Network) SetInitKind(kind InitKind) error {
	if err := n.mutate(); err != nil {
		return err
	}
	n.initKind = kind
	return nil
}

// SetLogger attaches an optional structured logger. Failures stay silent
// on stdout either way; the logger only receives run-level records.
func (n *Network) SetLogger(l *log.Logger) { n.logger = l }

// SetTokenizerArtifacts attaches the tokenizer sidecar persisted with the
// model package.
func (n *Network) SetTokenizerArtifacts(a *TokenizerArtifacts) error {
	if err := n.mutate(); err != nil {
		return err
	}
	n.tokArt = a
	return nil
}

// TokenizerArtifacts returns the attached sidecar, or nil.
func (n *Network) TokenizerArtifacts() *TokenizerArtifacts { return n.tokArt }

func (n *Network) logf(format string, args ...any) {
	if n.logger != nil {
		n.logger.Printf(format, args...)
	}
}

// ensureParams builds and initializes the parameter store from the
// dataset's declared feature count on the first run.
func (n *Network) ensureParams(featureCount int) error {
	if n.params.Initialized() {
		if !n.skel.Transformer.TokenLM && n.params.InputSize() != featureCount {
			return fmt.Errorf("%w: parameters built for %d features, dataset has %d",
				ErrInvalidState, n.params.InputSize(), featureCount)
		}
		return nil
	}
	if err := n.params.build(n.arch, n.skel, featureCount); err != nil {
		return err
	}
	kind := n.initKind
	if n.arch.IsTransformer() && kind == InitXavierUniform {
		kind = InitScaledNormal
	}
	n.params.initRandom(n.rng, kind)
	if n.cfg.MixedPrecision.Enabled {
		n.params.materializeMirrors(n.cfg.MixedPrecision.DType)
	}
	n.logf("params built: arch=%s input=%d params=%d", n.arch, featureCount, n.params.paramCount())
	return nil
}
