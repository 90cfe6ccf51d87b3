package nn

import (
	"os"
	"path/filepath"
	"testing"
)

func TestModelSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	net := trainTinyLM(t)
	if err := net.SetTokenizerArtifacts(&TokenizerArtifacts{
		Manifest: []byte(`{"format_version":1}`),
		Vocab:    []byte(`{"vocab":{}}`),
	}); err != nil {
		t.Fatal(err)
	}
	if err := net.SaveModel(dir, "cycle"); err != nil {
		t.Fatalf("save: %v", err)
	}
	for _, f := range []string{"manifest.json", "nninfo.json", "weights.bin", "tokenizer/manifest.json", "tokenizer/vocab.json"} {
		if _, err := os.Stat(filepath.Join(dir, "models", "cycle", f)); err != nil {
			t.Fatalf("missing %s: %v", f, err)
		}
	}

	loaded, err := LoadModel(dir, "cycle")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Arch() != ArchTransformerDecoder {
		t.Fatalf("loaded arch %v", loaded.Arch())
	}
	if loaded.TokenizerArtifacts() == nil {
		t.Fatal("tokenizer sidecar not restored")
	}

	// Same prompt, same greedy continuation.
	cfg := GenerateConfig{MaxNewTokens: 6, EOSTokenID: -1}
	want, err := net.Generate([]int{0, 1}, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := loaded.Generate([]int{0, 1}, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := range want {
		if want[i] != got[i] {
			t.Fatalf("loaded model diverged at token %d: %d vs %d", i, got[i], want[i])
		}
	}
}

func TestLoadModelMissing(t *testing.T) {
	if _, err := LoadModel(t.TempDir(), "нет"); err == nil {
		t.Fatal("loading a missing model should fail")
	}
}

func TestCheckpointRoundTripWithOptimizerState(t *testing.T) {
	dir := t.TempDir()
	net := trainDecoder(t, decoderSkeleton(4, PosEncRoPE, NormRMS, FFNSwiGLU, 0), 20)
	if err := net.SaveCheckpoint(dir, "step20", CheckpointConfig{IncludeOptimizerState: true}); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}

	resumed, err := LoadCheckpoint(dir, "step20")
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if resumed.params.adamStep != net.params.adamStep {
		t.Fatalf("adam step %d, want %d", resumed.params.adamStep, net.params.adamStep)
	}

	// Weights and moments must match exactly.
	var mismatch string
	resumed.params.forEach(func(tn *Tensor) {
		orig := net.params.tensorByName(tn.Name)
		if orig == nil {
			mismatch = tn.Name + " missing in original"
			return
		}
		for i := range tn.Data {
			if tn.Data[i] != orig.Data[i] {
				mismatch = tn.Name + " data"
				return
			}
		}
		if (tn.M == nil) != (orig.M == nil) {
			mismatch = tn.Name + " momentum presence"
			return
		}
		for i := range tn.M {
			if tn.M[i] != orig.M[i] {
				mismatch = tn.Name + " momentum"
				return
			}
		}
	})
	if mismatch != "" {
		t.Fatalf("checkpoint mismatch: %s", mismatch)
	}
}

func TestCheckpointSharding(t *testing.T) {
	dir := t.TempDir()
	net := trainDecoder(t, decoderSkeleton(4, PosEncRoPE, NormRMS, FFNSwiGLU, 0), 5)
	if err := net.SaveCheckpoint(dir, "sharded", CheckpointConfig{MaxShardBytes: 4096}); err != nil {
		t.Fatalf("save: %v", err)
	}
	shards, err := filepath.Glob(filepath.Join(dir, "checkpoints", "sharded", "shard_*.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if len(shards) < 2 {
		t.Fatalf("expected multiple shards, got %d", len(shards))
	}
	for _, s := range shards {
		fi, err := os.Stat(s)
		if err != nil {
			t.Fatal(err)
		}
		if fi.Size() > 4096 {
			t.Fatalf("shard %s is %d bytes, over the limit", s, fi.Size())
		}
	}

	resumed, err := LoadCheckpoint(dir, "sharded")
	if err != nil {
		t.Fatalf("load sharded: %v", err)
	}
	if resumed.params.paramCount() != net.params.paramCount() {
		t.Fatalf("param count %d, want %d", resumed.params.paramCount(), net.params.paramCount())
	}
}

func TestCheckpointShardTamperDetected(t *testing.T) {
	dir := t.TempDir()
	net := trainDecoder(t, decoderSkeleton(4, PosEncRoPE, NormRMS, FFNSwiGLU, 0), 2)
	if err := net.SaveCheckpoint(dir, "tamper", CheckpointConfig{MaxShardBytes: 4096}); err != nil {
		t.Fatal(err)
	}
	shard := filepath.Join(dir, "checkpoints", "tamper", "shard_000.bin")
	data, err := os.ReadFile(shard)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(shard, data[:len(data)-8], 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCheckpoint(dir, "tamper"); err == nil {
		t.Fatal("truncated shard should fail to load")
	}
}
