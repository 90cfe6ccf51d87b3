package nn

import (
	"errors"
	"math"
	"testing"
)

func buildDecoder(t *testing.T, kvHeads int) *Network {
	t.Helper()
	net := NewWithSkeleton(ArchTransformerDecoder, decoderSkeleton(8, PosEncRoPE, NormRMS, FFNSwiGLU, kvHeads))
	if err := net.SetSeed(99); err != nil {
		t.Fatal(err)
	}
	if err := net.ensureParams(1); err != nil {
		t.Fatal(err)
	}
	return net
}

// fullForwardLogits runs the whole prompt through the unrolled forward
// and returns the logits at the last position.
func fullForwardLogits(t *testing.T, net *Network, toks []int) []float32 {
	t.Helper()
	net.ensureTFScratch()
	net.tfForward(nil, toks, len(toks))
	out := make([]float32, net.params.outputSize)
	net.tfLogits(out, net.tfS.final[len(toks)-1])
	return out
}

func maxAbsDiff(a, b []float32) float64 {
	var worst float64
	for i := range a {
		d := math.Abs(float64(a[i] - b[i]))
		if d > worst {
			worst = d
		}
	}
	return worst
}

func TestSessionMatchesFullForwardF32(t *testing.T) {
	net := buildDecoder(t, 0)
	toks := []int{1, 4, 2, 7, 3, 3, 0, 5}
	want := fullForwardLogits(t, net, toks)

	sess, err := net.NewSession(SessionConfig{KVDType: KVF32})
	if err != nil {
		t.Fatal(err)
	}
	got := make([]float32, net.params.outputSize)
	for _, tok := range toks {
		if err := sess.Append(tok, got); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if d := maxAbsDiff(got, want); d > 1e-4 {
		t.Fatalf("f32 session diverged from full forward by %g", d)
	}
}

func TestSessionMatchesFullForwardHalf(t *testing.T) {
	for _, dtype := range []KVDType{KVF16, KVBF16} {
		net := buildDecoder(t, 2)
		toks := []int{2, 6, 1, 0, 7, 5}
		want := fullForwardLogits(t, net, toks)

		sess, err := net.NewSession(SessionConfig{KVDType: dtype})
		if err != nil {
			t.Fatal(err)
		}
		got := make([]float32, net.params.outputSize)
		for _, tok := range toks {
			if err := sess.Append(tok, got); err != nil {
				t.Fatalf("%v append: %v", dtype, err)
			}
		}
		// Half caches round keys and values; allow quantization slack.
		if d := maxAbsDiff(got, want); d > 5e-2 {
			t.Fatalf("%v session diverged from full forward by %g", dtype, d)
		}
	}
}

func TestSessionCapacity(t *testing.T) {
	net := buildDecoder(t, 0)
	sess, err := net.NewSession(SessionConfig{MaxLen: 2, KVDType: KVF32})
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.Append(1, nil); err != nil {
		t.Fatal(err)
	}
	if err := sess.Append(2, nil); err != nil {
		t.Fatal(err)
	}
	if err := sess.Append(3, nil); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("overfull append: got %v, want ErrInvalidState", err)
	}
}

func TestSessionRejectsBadToken(t *testing.T) {
	net := buildDecoder(t, 0)
	sess, err := net.NewSession(SessionConfig{KVDType: KVF32})
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.Append(1000, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("out-of-vocab token: got %v, want ErrInvalidArgument", err)
	}
}

func TestMaskedAppendInvisibleToAttention(t *testing.T) {
	// No position encoding: masked filler shifts later positions, which
	// must not matter when attention is the only place positions exist.
	net := NewWithSkeleton(ArchTransformerDecoder, decoderSkeleton(8, PosEncNone, NormRMS, FFNSwiGLU, 0))
	if err := net.SetSeed(99); err != nil {
		t.Fatal(err)
	}
	if err := net.ensureParams(1); err != nil {
		t.Fatal(err)
	}
	toks := []int{3, 1, 4}

	plain, err := net.NewSession(SessionConfig{KVDType: KVF32})
	if err != nil {
		t.Fatal(err)
	}
	want := make([]float32, net.params.outputSize)
	for _, tok := range toks {
		if err := plain.Append(tok, want); err != nil {
			t.Fatal(err)
		}
	}

	// Same stream with masked filler between the real tokens: the final
	// logits must be unchanged because masked positions carry no keys.
	padded, err := net.NewSession(SessionConfig{KVDType: KVF32})
	if err != nil {
		t.Fatal(err)
	}
	got := make([]float32, net.params.outputSize)
	if err := padded.Append(toks[0], nil); err != nil {
		t.Fatal(err)
	}
	if err := padded.AppendMasked(); err != nil {
		t.Fatal(err)
	}
	if err := padded.Append(toks[1], nil); err != nil {
		t.Fatal(err)
	}
	if err := padded.AppendMasked(); err != nil {
		t.Fatal(err)
	}
	if err := padded.Append(toks[2], got); err != nil {
		t.Fatal(err)
	}
	if d := maxAbsDiff(got, want); d > 1e-4 {
		t.Fatalf("masked filler changed the logits by %g", d)
	}
}

func TestBatchSessionSelectiveAdvance(t *testing.T) {
	net := buildDecoder(t, 0)
	batch, err := net.NewBatchSession(3, SessionConfig{KVDType: KVF32})
	if err != nil {
		t.Fatal(err)
	}

	toks := []int{5, 0, 0}
	active := []bool{true, false, true}
	if err := batch.Append(toks, active, nil); err != nil {
		t.Fatal(err)
	}
	if got := batch.Slot(0).Len(); got != 1 {
		t.Fatalf("slot 0 length %d, want 1", got)
	}
	if got := batch.Slot(1).Len(); got != 0 {
		t.Fatalf("inactive slot 1 advanced to %d", got)
	}
	if got := batch.Slot(2).Len(); got != 1 {
		t.Fatalf("slot 2 length %d, want 1", got)
	}

	batch.ResetSlot(2)
	if got := batch.Slot(2).Len(); got != 0 {
		t.Fatalf("reset slot 2 still at %d", got)
	}
}
