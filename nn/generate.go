package nn

import (
	"fmt"
	"math/rand"
)

// GenerateConfig controls one generation call.
type GenerateConfig struct {
	MaxNewTokens int           `json:"max_new_tokens"`
	EOSTokenID   int           `json:"eos_token_id,omitempty"` // <0 disables
	StopTokenIDs []int         `json:"stop_token_ids,omitempty"`
	Sampler      SamplerConfig `json:"sampler"`
	// RNGSeedOverride pins the sampling RNG; 0 derives a seed from the
	// network seed and the prompt so repeated calls are reproducible.
	RNGSeedOverride int64 `json:"rng_seed_override,omitempty"`
	KVDType         KVDType
	MaxLen          int // context capacity; 0 means the model's MaxSeqLen
}

// deriveSeed mixes the network seed with the prompt so two calls with the
// same model and prompt draw the same sample stream.
func deriveSeed(base int64, prompt []int) int64 {
	h := uint64(base) * 0x9e3779b97f4a7c15
	for _, t := range prompt {
		h ^= uint64(t) + 0x9e3779b97f4a7c15 + (h << 6) + (h >> 2)
	}
	if h == 0 {
		h = 1
	}
	return int64(h)
}

func isStopToken(tok int, cfg *GenerateConfig) bool {
	if cfg.EOSTokenID >= 0 && tok == cfg.EOSTokenID {
		return true
	}
	for _, s := range cfg.StopTokenIDs {
		if tok == s {
			return true
		}
	}
	return false
}

// Generate decodes up to MaxNewTokens continuation tokens for the prompt
// using a fresh KV session. The callbacks argument may be nil. The prompt
// itself is not echoed into the result.
func (n *Network) Generate(prompt []int, cfg GenerateConfig, cb GenerateCallbacks) ([]int, error) {
	if len(prompt) == 0 {
		return nil, fmt.Errorf("%w: empty prompt", ErrInvalidArgument)
	}
	if cfg.MaxNewTokens <= 0 {
		return nil, fmt.Errorf("%w: max new tokens must be positive", ErrInvalidArgument)
	}
	if err := n.beginRun(); err != nil {
		return nil, err
	}
	defer n.endRun()

	if !n.params.Initialized() {
		return nil, fmt.Errorf("%w: parameters not built; train or load a model first", ErrInvalidState)
	}
	sess, err := n.NewSession(SessionConfig{MaxLen: cfg.MaxLen, KVDType: cfg.KVDType})
	if err != nil {
		return nil, err
	}

	seed := cfg.RNGSeedOverride
	if seed == 0 {
		seed = deriveSeed(n.seed, prompt)
	}
	rng := rand.New(rand.NewSource(seed))

	logits := make([]float32, n.params.outputSize)

	// Prefill: only the last prompt position needs logits.
	for i, tok := range prompt {
		var dst []float32
		if i == len(prompt)-1 {
			dst = logits
		}
		if err := sess.Append(tok, dst); err != nil {
			return nil, err
		}
	}

	out := make([]int, 0, cfg.MaxNewTokens)
	for len(out) < cfg.MaxNewTokens {
		if cb != nil && cb.ShouldStop() {
			break
		}
		tok := sampleToken(logits, &cfg.Sampler, rng)
		out = append(out, tok)
		pos := sess.Len()
		if cb != nil && !cb.OnToken(tok, pos) {
			break
		}
		if isStopToken(tok, &cfg) {
			break
		}
		if len(out) == cfg.MaxNewTokens {
			break
		}
		if sess.Len() >= sess.MaxLen() {
			break
		}
		if err := sess.Append(tok, logits); err != nil {
			return out, err
		}
	}
	return out, nil
}
