package nn

import (
	"math"
	"testing"
)

func decoderSkeleton(vocab int, posEnc PosEncoding, norm NormKind, ffn FFNKind, kvHeads int) *Skeleton {
	return &Skeleton{
		LearningRate: 0.003,
		OutputKind:   OutputClassification,
		Transformer: TransformerSpec{
			DModel:        32,
			NHeads:        4,
			NKVHeads:      kvHeads,
			NLayers:       2,
			DFF:           64,
			MaxSeqLen:     16,
			PosEnc:        posEnc,
			Norm:          norm,
			FFN:           ffn,
			TokenLM:       true,
			VocabSize:     vocab,
			TieEmbeddings: true,
			PadTokenID:    -1,
		},
	}
}

func tokenCycle(n, vocab int) *SliceDataset {
	toks := make([]int, n)
	for i := range toks {
		toks[i] = i % vocab
	}
	return NewTokenDataset(toks, nil)
}

func trainDecoder(t *testing.T, skel *Skeleton, epochs int) *Network {
	t.Helper()
	net := NewWithSkeleton(ArchTransformerDecoder, skel)
	if err := net.SetSeed(13); err != nil {
		t.Fatal(err)
	}
	cfg := DefaultTrainingConfig()
	cfg.Optimizer = OptAdamW
	cfg.MinibatchSize = 16
	if err := net.SetTrainingConfig(cfg); err != nil {
		t.Fatal(err)
	}
	if err := net.Train(tokenCycle(64, 4), epochs, nil); err != nil {
		t.Fatalf("train: %v", err)
	}
	return net
}

func TestDecoderLearnsTokenCycle(t *testing.T) {
	net := trainDecoder(t, decoderSkeleton(4, PosEncRoPE, NormRMS, FFNSwiGLU, 0), 150)
	m := net.Metrics()
	if m.Accuracy < 0.9 {
		t.Fatalf("cycle accuracy %.3f, want >= 0.9", m.Accuracy)
	}
	if math.IsNaN(m.Perplexity) || m.Perplexity > 2 {
		t.Fatalf("perplexity %.3f, want <= 2", m.Perplexity)
	}
}

func TestDecoderSinusoidalLayerNormMLP(t *testing.T) {
	net := trainDecoder(t, decoderSkeleton(4, PosEncSinusoidal, NormLayer, FFNMLP, 0), 150)
	if acc := net.Metrics().Accuracy; acc < 0.9 {
		t.Fatalf("cycle accuracy %.3f, want >= 0.9", acc)
	}
}

func TestDecoderGroupedQueryAttention(t *testing.T) {
	net := trainDecoder(t, decoderSkeleton(4, PosEncRoPE, NormRMS, FFNSwiGLU, 2), 150)
	if acc := net.Metrics().Accuracy; acc < 0.9 {
		t.Fatalf("gqa cycle accuracy %.3f, want >= 0.9", acc)
	}
}

func TestCausalMasking(t *testing.T) {
	net := NewWithSkeleton(ArchTransformerDecoder, decoderSkeleton(6, PosEncRoPE, NormRMS, FFNSwiGLU, 0))
	if err := net.ensureParams(1); err != nil {
		t.Fatal(err)
	}
	net.ensureTFScratch()

	a := []int{1, 2, 3, 4}
	b := []int{1, 2, 5, 0} // same prefix, different suffix

	net.tfForward(nil, a, len(a))
	la := make([]float32, 6)
	net.tfLogits(la, net.tfS.final[1])

	net.tfForward(nil, b, len(b))
	lb := make([]float32, 6)
	net.tfLogits(lb, net.tfS.final[1])

	for i := range la {
		if la[i] != lb[i] {
			t.Fatalf("future tokens leaked into position 1: logit %d is %g vs %g", i, la[i], lb[i])
		}
	}
}

func TestEncoderAttendsForward(t *testing.T) {
	// A non-causal encoder must see later positions from earlier ones.
	skel := decoderSkeleton(6, PosEncSinusoidal, NormLayer, FFNMLP, 0)
	net := NewWithSkeleton(ArchTransformerEncoder, skel)
	if err := net.ensureParams(1); err != nil {
		t.Fatal(err)
	}
	net.ensureTFScratch()

	a := []int{1, 2, 3, 4}
	b := []int{1, 2, 5, 0}

	net.tfForward(nil, a, len(a))
	la := make([]float32, 6)
	net.tfLogits(la, net.tfS.final[0])

	net.tfForward(nil, b, len(b))
	lb := make([]float32, 6)
	net.tfLogits(lb, net.tfS.final[0])

	same := true
	for i := range la {
		if la[i] != lb[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("encoder position 0 ignored the rest of the sequence")
	}
}

func TestEncoderVectorRegression(t *testing.T) {
	// Identity task over 2-dim rows through a vector-input encoder.
	inputs := make([][]float32, 32)
	targets := make([][]float32, 32)
	for i := range inputs {
		v := float32(i) / 31
		inputs[i] = []float32{v, 1 - v}
		targets[i] = []float32{v}
	}
	ds := NewSliceDataset(inputs, targets)

	net := NewWithSkeleton(ArchTransformerEncoder, &Skeleton{
		LearningRate: 0.001,
		OutputKind:   OutputRegression,
		Layers:       []LayerSpec{{Size: 1}},
		Transformer: TransformerSpec{
			DModel:    16,
			NHeads:    2,
			NLayers:   1,
			DFF:       32,
			MaxSeqLen: 8,
			PosEnc:    PosEncSinusoidal,
			Norm:      NormLayer,
			FFN:       FFNMLP,
		},
	})
	cfg := DefaultTrainingConfig()
	cfg.Optimizer = OptAdamW
	cfg.MinibatchSize = 8
	if err := net.SetTrainingConfig(cfg); err != nil {
		t.Fatal(err)
	}
	if err := net.Train(ds, 20, nil); err != nil {
		t.Fatalf("warmup train: %v", err)
	}
	early := net.Metrics().MSE()
	if err := net.Train(ds, 200, nil); err != nil {
		t.Fatalf("train: %v", err)
	}
	if late := net.Metrics().MSE(); late >= early {
		t.Fatalf("encoder mse did not improve: %.6f -> %.6f", early, late)
	}
}

func TestSampledSoftmaxMarksBiasedLoss(t *testing.T) {
	skel := decoderSkeleton(8, PosEncRoPE, NormRMS, FFNSwiGLU, 0)
	skel.Transformer.SampledNegatives = 3
	net := NewWithSkeleton(ArchTransformerDecoder, skel)
	if err := net.Train(tokenCycle(32, 8), 2, nil); err != nil {
		t.Fatalf("train: %v", err)
	}
	m := net.Metrics()
	if !m.BiasedLoss {
		t.Fatal("sampled softmax run should mark the loss as biased")
	}
	if !math.IsNaN(m.Perplexity) {
		t.Fatalf("biased run perplexity should be NaN, got %g", m.Perplexity)
	}
}
