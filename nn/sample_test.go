package nn

import (
	"math/rand"
	"testing"
)

func TestGreedyWhenTemperatureZero(t *testing.T) {
	logits := []float32{0.1, 2.5, -1, 0.4}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 10; i++ {
		in := append([]float32(nil), logits...)
		if got := sampleToken(in, &SamplerConfig{}, rng); got != 1 {
			t.Fatalf("greedy pick = %d, want 1", got)
		}
	}
}

func TestTopKOneIsGreedy(t *testing.T) {
	logits := []float32{0.3, -0.2, 1.9, 0.5, 0.1}
	rng := rand.New(rand.NewSource(2))
	cfg := &SamplerConfig{Temperature: 1.3, TopK: 1}
	for i := 0; i < 20; i++ {
		in := append([]float32(nil), logits...)
		if got := sampleToken(in, cfg, rng); got != 2 {
			t.Fatalf("top-1 sample = %d, want 2", got)
		}
	}
}

func TestTopKRestrictsSupport(t *testing.T) {
	logits := []float32{5, 4, -10, -10, -10}
	rng := rand.New(rand.NewSource(3))
	cfg := &SamplerConfig{Temperature: 1, TopK: 2}
	for i := 0; i < 200; i++ {
		in := append([]float32(nil), logits...)
		got := sampleToken(in, cfg, rng)
		if got != 0 && got != 1 {
			t.Fatalf("top-2 sample escaped the support: %d", got)
		}
	}
}

func TestTopKSelectionKeepsLargest(t *testing.T) {
	logits := []float32{0.2, 3, -1, 7, 0.5, 2.9, -4, 1}
	got := topKCandidates(logits, 3)
	if len(got) != 3 {
		t.Fatalf("selected %d candidates, want 3", len(got))
	}
	want := map[int]bool{3: true, 1: true, 5: true} // logits 7, 3, 2.9
	for _, c := range got {
		if !want[c.id] {
			t.Fatalf("selection kept id %d (logit %g)", c.id, c.p)
		}
		delete(want, c.id)
	}
	if len(want) != 0 {
		t.Fatalf("selection missed ids %v", want)
	}
}

func TestTopPRestrictsSupport(t *testing.T) {
	// One dominant token: a tight nucleus must always return it.
	logits := []float32{10, 0, 0, 0, 0}
	rng := rand.New(rand.NewSource(4))
	cfg := &SamplerConfig{Temperature: 1, TopP: 0.5}
	for i := 0; i < 100; i++ {
		in := append([]float32(nil), logits...)
		if got := sampleToken(in, cfg, rng); got != 0 {
			t.Fatalf("nucleus sample escaped: %d", got)
		}
	}
}

func TestTemperatureSamplingCoversSupport(t *testing.T) {
	// Uniform logits at high temperature should hit every token.
	logits := []float32{0, 0, 0, 0}
	rng := rand.New(rand.NewSource(5))
	seen := make(map[int]bool)
	cfg := &SamplerConfig{Temperature: 1}
	for i := 0; i < 400; i++ {
		in := append([]float32(nil), logits...)
		seen[sampleToken(in, cfg, rng)] = true
	}
	if len(seen) != 4 {
		t.Fatalf("saw %d of 4 tokens under uniform sampling", len(seen))
	}
}

func TestSamplingDeterministicPerSeed(t *testing.T) {
	logits := []float32{1, 0.5, 0.2, 0.9, -0.3}
	cfg := &SamplerConfig{Temperature: 0.8, TopK: 3}
	draw := func() []int {
		rng := rand.New(rand.NewSource(42))
		out := make([]int, 16)
		for i := range out {
			in := append([]float32(nil), logits...)
			out[i] = sampleToken(in, cfg, rng)
		}
		return out
	}
	a, b := draw(), draw()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("draw %d differs between identical seeds: %d vs %d", i, a[i], b[i])
		}
	}
}

func TestDeriveSeedStable(t *testing.T) {
	a := deriveSeed(7, []int{1, 2, 3})
	b := deriveSeed(7, []int{1, 2, 3})
	c := deriveSeed(7, []int{1, 2, 4})
	if a != b {
		t.Fatal("same prompt produced different derived seeds")
	}
	if a == c {
		t.Fatal("different prompts produced the same derived seed")
	}
}
