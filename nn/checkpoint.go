package nn

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// CheckpointConfig controls how training state is written out.
type CheckpointConfig struct {
	// MaxShardBytes splits the weight blob across shard files no larger
	// than this; 0 writes a single shard.
	MaxShardBytes int64 `json:"max_shard_bytes,omitempty"`
	// IncludeOptimizerState persists the momentum and AdamW moment
	// buffers so training resumes bit-for-bit.
	IncludeOptimizerState bool `json:"include_optimizer_state"`
}

type checkpointManifest struct {
	FormatVersion  int      `json:"format_version"`
	Name           string   `json:"name"`
	Shards         []string `json:"shards"`
	ShardSizes     []int64  `json:"shard_sizes"`
	TotalBytes     int64    `json:"total_bytes"`
	OptimizerState bool     `json:"optimizer_state"`
	CreatedAt      string   `json:"created_at"`
}

// checkpointState is the non-tensor training state of a run.
type checkpointState struct {
	AdamStep  int     `json:"adam_step"`
	LossScale float32 `json:"loss_scale"`
	GoodSteps int     `json:"good_steps"`
	Backoffs  int     `json:"backoffs"`
}

func checkpointDir(root, name string) string {
	return filepath.Join(root, "checkpoints", name)
}

// SaveCheckpoint writes the full training state to
// <root>/checkpoints/<name>/: the reconstruction record, the optimizer
// scalars, and the tensor blob split into size-bounded shards.
func (n *Network) SaveCheckpoint(root, name string, cfg CheckpointConfig) error {
	if name == "" {
		return fmt.Errorf("%w: empty checkpoint name", ErrInvalidArgument)
	}
	if err := n.mutate(); err != nil {
		return err
	}
	if !n.params.Initialized() {
		return fmt.Errorf("%w: nothing to checkpoint; parameters not built", ErrInvalidState)
	}
	dir := checkpointDir(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	info := modelInfo{
		FormatVersion: modelFormatVersion,
		Arch:          n.arch,
		Skeleton:      n.skel,
		InputSize:     n.params.InputSize(),
		OutputSize:    n.params.outputSize,
		Seed:          n.seed,
		InitKind:      n.initKind,
		Training:      n.cfg,
	}
	if err := writeJSONFile(filepath.Join(dir, "nninfo.json"), &info); err != nil {
		return err
	}
	state := checkpointState{
		AdamStep:  n.params.adamStep,
		LossScale: n.ls.scale,
		GoodSteps: n.ls.goodSteps,
		Backoffs:  n.ls.backoffs,
	}
	if err := writeJSONFile(filepath.Join(dir, "state.json"), &state); err != nil {
		return err
	}

	var blob bytes.Buffer
	if err := writeTensorBlob(&blob, n.weightEntries(cfg.IncludeOptimizerState)); err != nil {
		return err
	}
	raw := blob.Bytes()

	shardSize := cfg.MaxShardBytes
	if shardSize <= 0 {
		shardSize = int64(len(raw))
	}
	var shards []string
	var sizes []int64
	for off := int64(0); off < int64(len(raw)); off += shardSize {
		end := off + shardSize
		if end > int64(len(raw)) {
			end = int64(len(raw))
		}
		name := fmt.Sprintf("shard_%03d.bin", len(shards))
		if err := os.WriteFile(filepath.Join(dir, name), raw[off:end], 0o644); err != nil {
			return err
		}
		shards = append(shards, name)
		sizes = append(sizes, end-off)
	}
	if len(shards) == 0 {
		// Zero-parameter stores cannot happen, but an empty blob still
		// gets one shard so the manifest is never shardless.
		name := "shard_000.bin"
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			return err
		}
		shards = append(shards, name)
		sizes = append(sizes, 0)
	}

	manifest := checkpointManifest{
		FormatVersion:  modelFormatVersion,
		Name:           name,
		Shards:         shards,
		ShardSizes:     sizes,
		TotalBytes:     int64(len(raw)),
		OptimizerState: cfg.IncludeOptimizerState,
		CreatedAt:      time.Now().UTC().Format(time.RFC3339),
	}
	return writeJSONFile(filepath.Join(dir, "manifest.json"), &manifest)
}

// LoadCheckpoint reconstructs a network and its optimizer state from a
// checkpoint directory. Shards are reassembled in manifest order and
// verified against the recorded sizes.
func LoadCheckpoint(root, name string) (*Network, error) {
	dir := checkpointDir(root, name)
	var manifest checkpointManifest
	if err := readJSONFile(filepath.Join(dir, "manifest.json"), &manifest); err != nil {
		return nil, fmt.Errorf("load checkpoint %q: %w", name, err)
	}
	var info modelInfo
	if err := readJSONFile(filepath.Join(dir, "nninfo.json"), &info); err != nil {
		return nil, fmt.Errorf("load checkpoint %q: %w", name, err)
	}
	if info.Skeleton == nil {
		return nil, fmt.Errorf("%w: checkpoint record has no skeleton", ErrInvalidState)
	}

	raw := make([]byte, 0, manifest.TotalBytes)
	for i, shard := range manifest.Shards {
		data, err := os.ReadFile(filepath.Join(dir, shard))
		if err != nil {
			return nil, fmt.Errorf("load checkpoint %q: %w", name, err)
		}
		if i < len(manifest.ShardSizes) && int64(len(data)) != manifest.ShardSizes[i] {
			return nil, fmt.Errorf("%w: shard %s is %d bytes, manifest says %d",
				ErrInvalidState, shard, len(data), manifest.ShardSizes[i])
		}
		raw = append(raw, data...)
	}
	if int64(len(raw)) != manifest.TotalBytes {
		return nil, fmt.Errorf("%w: reassembled %d bytes, manifest says %d",
			ErrInvalidState, len(raw), manifest.TotalBytes)
	}

	n := NewWithSkeleton(info.Arch, info.Skeleton)
	n.cfg = info.Training
	n.initKind = info.InitKind
	if err := n.SetSeed(info.Seed); err != nil {
		return nil, err
	}
	if err := n.params.build(n.arch, n.skel, info.InputSize); err != nil {
		return nil, err
	}

	blob, err := readTensorBlob(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %q: %w", name, err)
	}
	if err := n.loadWeights(blob, manifest.OptimizerState); err != nil {
		return nil, err
	}

	var state checkpointState
	if err := readJSONFile(filepath.Join(dir, "state.json"), &state); err == nil {
		n.params.adamStep = state.AdamStep
		n.ls.scale = state.LossScale
		n.ls.goodSteps = state.GoodSteps
		n.ls.backoffs = state.Backoffs
	}
	if n.ls.scale <= 0 {
		n.ls = newLossScaleState(&n.cfg.MixedPrecision)
	}
	if n.cfg.MixedPrecision.Enabled {
		n.params.materializeMirrors(n.cfg.MixedPrecision.DType)
	}
	return n, nil
}
