package nn

import (
	"errors"
	"testing"
)

func trainTinyLM(t *testing.T) *Network {
	t.Helper()
	return trainDecoder(t, decoderSkeleton(4, PosEncRoPE, NormRMS, FFNSwiGLU, 0), 150)
}

func TestGenerateProducesTokens(t *testing.T) {
	net := trainTinyLM(t)
	out, err := net.Generate([]int{0, 1}, GenerateConfig{
		MaxNewTokens: 8,
		EOSTokenID:   -1,
	}, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(out) != 8 {
		t.Fatalf("generated %d tokens, want 8", len(out))
	}
	for _, tok := range out {
		if tok < 0 || tok >= 4 {
			t.Fatalf("token %d outside vocabulary", tok)
		}
	}
}

func TestGenerateGreedyContinuesCycle(t *testing.T) {
	net := trainTinyLM(t)
	out, err := net.Generate([]int{0, 1, 2}, GenerateConfig{
		MaxNewTokens: 5,
		EOSTokenID:   -1,
	}, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	want := []int{3, 0, 1, 2, 3}
	for i, tok := range out {
		if tok != want[i] {
			t.Fatalf("continuation[%d] = %d, want %d (got %v)", i, tok, want[i], out)
		}
	}
}

func TestGenerateDeterministicForSeed(t *testing.T) {
	net := trainTinyLM(t)
	cfg := GenerateConfig{
		MaxNewTokens: 12,
		EOSTokenID:   -1,
		Sampler:      SamplerConfig{Temperature: 1.2},
	}
	a, err := net.Generate([]int{1, 2}, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := net.Generate([]int{1, 2}, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != len(b) {
		t.Fatalf("lengths differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("token %d differs across identical calls: %d vs %d", i, a[i], b[i])
		}
	}
}

func TestGenerateStopsOnEOS(t *testing.T) {
	net := trainTinyLM(t)
	// The trained cycle emits 3 after [0,1,2]; declare it EOS.
	out, err := net.Generate([]int{0, 1, 2}, GenerateConfig{
		MaxNewTokens: 10,
		EOSTokenID:   3,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0] != 3 {
		t.Fatalf("expected a single EOS token, got %v", out)
	}
}

type tokenLimiter struct {
	limit int
	seen  int
}

func (l *tokenLimiter) OnToken(tok, pos int) bool {
	l.seen++
	return l.seen < l.limit
}
func (l *tokenLimiter) ShouldStop() bool { return false }

func TestGenerateCallbackCancels(t *testing.T) {
	net := trainTinyLM(t)
	cb := &tokenLimiter{limit: 3}
	out, err := net.Generate([]int{0, 1}, GenerateConfig{
		MaxNewTokens: 10,
		EOSTokenID:   -1,
	}, cb)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 3 {
		t.Fatalf("callback cancel after 3 tokens, got %d", len(out))
	}
}

type nullServeCB struct{}

func (nullServeCB) OnToken(slot, tok, pos int)     {}
func (nullServeCB) ShouldStopAll() bool            { return false }
func (nullServeCB) ShouldStopRequest(slot int) bool { return false }

func TestGenerateBatchFourStreams(t *testing.T) {
	net := trainTinyLM(t)
	reqs := []ServeRequest{
		{Prompt: []int{0, 1, 2}, MaxNewTokens: 4, EOSTokenID: -1},
		{Prompt: []int{1, 2}, MaxNewTokens: 6, EOSTokenID: -1},
		{Prompt: []int{2, 3, 0, 1}, MaxNewTokens: 3, EOSTokenID: -1},
		{Prompt: []int{3}, MaxNewTokens: 5, EOSTokenID: -1},
	}
	results, err := net.GenerateBatch(reqs, 4, SessionConfig{KVDType: KVF32}, nullServeCB{})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	for i, res := range results {
		if len(res.Tokens) != reqs[i].MaxNewTokens {
			t.Fatalf("request %d generated %d tokens, want %d", i, len(res.Tokens), reqs[i].MaxNewTokens)
		}
		if !res.StoppedByLimit {
			t.Fatalf("request %d should report the token limit", i)
		}
	}
	// Greedy decode in a batch must match single-stream greedy decode.
	solo, err := net.Generate(reqs[0].Prompt, GenerateConfig{
		MaxNewTokens: reqs[0].MaxNewTokens,
		EOSTokenID:   -1,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := range solo {
		if solo[i] != results[0].Tokens[i] {
			t.Fatalf("batched token %d = %d, solo = %d", i, results[0].Tokens[i], solo[i])
		}
	}
}

func TestBatcherQueuesBeyondSlots(t *testing.T) {
	net := trainTinyLM(t)
	reqs := make([]ServeRequest, 6)
	for i := range reqs {
		reqs[i] = ServeRequest{Prompt: []int{i % 4}, MaxNewTokens: 3, EOSTokenID: -1}
	}
	results, err := net.GenerateBatch(reqs, 2, SessionConfig{KVDType: KVF32}, nil)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	for i, res := range results {
		if len(res.Tokens) != 3 {
			t.Fatalf("request %d generated %d tokens, want 3", i, len(res.Tokens))
		}
	}
}

func TestBatcherSubmitValidation(t *testing.T) {
	net := trainTinyLM(t)
	b, err := net.NewBatcher(1, SessionConfig{KVDType: KVF32})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Submit(ServeRequest{MaxNewTokens: 3}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("empty prompt: got %v", err)
	}
	if _, err := b.Submit(ServeRequest{Prompt: []int{1}}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("zero budget: got %v", err)
	}
	if _, err := b.Submit(ServeRequest{Prompt: []int{1}, MaxNewTokens: 2, EOSTokenID: -1}); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}
	if _, err := b.Submit(ServeRequest{Prompt: []int{2}, MaxNewTokens: 2, EOSTokenID: -1}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("full batcher: got %v", err)
	}
}
