package nn

import (
	"math"
	"math/rand"
	"sort"
)

// SamplerConfig controls how the next token is drawn from the logits.
// Temperature <= 0 selects greedy decoding and ignores the other knobs.
// TopK and TopP compose: the top-k filter applies first, then the nucleus
// cut.
type SamplerConfig struct {
	Temperature float32 `json:"temperature,omitempty"`
	TopK        int     `json:"top_k,omitempty"`
	TopP        float32 `json:"top_p,omitempty"` // 0 or >=1 disables
	// TopPTopKCap bounds the candidate set the nucleus sort considers; 0
	// means 256. Raising it trades sort cost for fidelity on flat
	// distributions.
	TopPTopKCap int `json:"top_p_top_k_cap,omitempty"`
}

func (c *SamplerConfig) nucleusCap() int {
	if c.TopPTopKCap > 0 {
		return c.TopPTopKCap
	}
	return 256
}

// sampleToken draws one token from the logits according to the config.
// The logits slice is scratched in place.
func sampleToken(logits []float32, cfg *SamplerConfig, rng *rand.Rand) int {
	if cfg == nil || cfg.Temperature <= 0 {
		return argmax(logits)
	}
	invT := 1.0 / cfg.Temperature
	for i := range logits {
		logits[i] *= invT
	}

	k := cfg.TopK
	useTopP := cfg.TopP > 0 && cfg.TopP < 1
	if useTopP {
		limit := cfg.nucleusCap()
		if k <= 0 || k > limit {
			k = limit
		}
	}
	if k > 0 && k < len(logits) {
		return sampleFrom(topKCandidates(logits, k), cfg, useTopP, rng)
	}

	softmaxInPlace(logits)
	if useTopP {
		cands := make([]cand, len(logits))
		for i := range logits {
			cands[i] = cand{id: i, p: logits[i]}
		}
		sort.Slice(cands, func(a, b int) bool { return cands[a].p > cands[b].p })
		return nucleusDraw(cands, cfg.TopP, rng)
	}
	return categoricalDraw(logits, rng)
}

type cand struct {
	id int
	p  float32
}

// topKCandidates selects the k largest logits with a size-k min-heap on
// the logit value, so the full vocabulary is never sorted. The returned
// candidates are in heap order, not sorted.
func topKCandidates(logits []float32, k int) []cand {
	h := make([]cand, 0, k)
	siftDown := func(i int) {
		for {
			l := 2*i + 1
			if l >= len(h) {
				return
			}
			small := l
			if r := l + 1; r < len(h) && h[r].p < h[l].p {
				small = r
			}
			if h[i].p <= h[small].p {
				return
			}
			h[i], h[small] = h[small], h[i]
			i = small
		}
	}
	for i, v := range logits {
		if len(h) < k {
			h = append(h, cand{id: i, p: v})
			for c := len(h) - 1; c > 0; {
				parent := (c - 1) / 2
				if h[parent].p <= h[c].p {
					break
				}
				h[parent], h[c] = h[c], h[parent]
				c = parent
			}
		} else if v > h[0].p {
			h[0] = cand{id: i, p: v}
			siftDown(0)
		}
	}
	return h
}

func sampleFrom(cands []cand, cfg *SamplerConfig, useTopP bool, rng *rand.Rand) int {
	// Softmax over the surviving logits only.
	maxv := cands[0].p
	for _, c := range cands {
		if c.p > maxv {
			maxv = c.p
		}
	}
	var sum float64
	for i := range cands {
		e := math.Exp(float64(cands[i].p - maxv))
		cands[i].p = float32(e)
		sum += e
	}
	inv := float32(1.0 / sum)
	for i := range cands {
		cands[i].p *= inv
	}
	sort.Slice(cands, func(a, b int) bool { return cands[a].p > cands[b].p })
	if useTopP {
		return nucleusDraw(cands, cfg.TopP, rng)
	}
	r := rng.Float64()
	var acc float64
	for _, c := range cands {
		acc += float64(c.p)
		if r < acc {
			return c.id
		}
	}
	return cands[len(cands)-1].id
}

// nucleusDraw keeps the smallest prefix of the sorted candidates whose
// mass reaches topP, renormalizes, and draws from it.
func nucleusDraw(cands []cand, topP float32, rng *rand.Rand) int {
	var mass float64
	cut := len(cands)
	for i, c := range cands {
		mass += float64(c.p)
		if mass >= float64(topP) {
			cut = i + 1
			break
		}
	}
	cands = cands[:cut]
	r := rng.Float64() * mass
	var acc float64
	for _, c := range cands {
		acc += float64(c.p)
		if r < acc {
			return c.id
		}
	}
	return cands[len(cands)-1].id
}

func categoricalDraw(probs []float32, rng *rand.Rand) int {
	r := rng.Float64()
	var acc float64
	for i, p := range probs {
		acc += float64(p)
		if r < acc {
			return i
		}
	}
	return len(probs) - 1
}
