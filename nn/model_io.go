package nn

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"
)

// Tensor blobs are framed like safetensors: an 8-byte little-endian
// header length, a JSON header mapping tensor names to dtype, shape and
// byte offsets, then the packed little-endian payload.

type blobTensorHeader struct {
	DType       string `json:"dtype"`
	Shape       []int  `json:"shape"`
	DataOffsets [2]int `json:"data_offsets"`
}

type blobEntry struct {
	name  string
	shape []int
	data  []float32
}

func writeTensorBlob(w io.Writer, entries []blobEntry) error {
	header := make(map[string]blobTensorHeader, len(entries))
	offset := 0
	for _, e := range entries {
		nbytes := len(e.data) * 4
		header[e.name] = blobTensorHeader{
			DType:       "F32",
			Shape:       e.shape,
			DataOffsets: [2]int{offset, offset + nbytes},
		}
		offset += nbytes
	}
	hdr, err := json.Marshal(header)
	if err != nil {
		return err
	}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hdr)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	buf := make([]byte, 4096)
	for _, e := range entries {
		for off := 0; off < len(e.data); {
			chunk := len(e.data) - off
			if chunk > len(buf)/4 {
				chunk = len(buf) / 4
			}
			for i := 0; i < chunk; i++ {
				binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(e.data[off+i]))
			}
			if _, err := w.Write(buf[:chunk*4]); err != nil {
				return err
			}
			off += chunk
		}
	}
	return nil
}

func readTensorBlob(r io.Reader) (map[string]blobEntry, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("tensor blob header: %w", err)
	}
	hdrLen := binary.LittleEndian.Uint64(lenBuf[:])
	if hdrLen == 0 || hdrLen > 1<<30 {
		return nil, fmt.Errorf("%w: implausible blob header length %d", ErrInvalidState, hdrLen)
	}
	hdr := make([]byte, hdrLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, fmt.Errorf("tensor blob header: %w", err)
	}
	var header map[string]blobTensorHeader
	if err := json.Unmarshal(hdr, &header); err != nil {
		return nil, fmt.Errorf("tensor blob header: %w", err)
	}
	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	out := make(map[string]blobEntry, len(header))
	for name, h := range header {
		if h.DType != "F32" {
			return nil, fmt.Errorf("%w: tensor %q has dtype %s", ErrInvalidState, name, h.DType)
		}
		start, end := h.DataOffsets[0], h.DataOffsets[1]
		if start < 0 || end < start || end > len(payload) || (end-start)%4 != 0 {
			return nil, fmt.Errorf("%w: tensor %q has bad offsets [%d,%d)", ErrInvalidState, name, start, end)
		}
		data := make([]float32, (end-start)/4)
		for i := range data {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[start+i*4:]))
		}
		out[name] = blobEntry{name: name, shape: h.Shape, data: data}
	}
	return out, nil
}

// modelInfo is the reconstruction record saved next to the weights.
type modelInfo struct {
	FormatVersion int            `json:"format_version"`
	Arch          ArchKind       `json:"arch"`
	Skeleton      *Skeleton      `json:"skeleton"`
	InputSize     int            `json:"input_size"`
	OutputSize    int            `json:"output_size"`
	Seed          int64          `json:"seed"`
	InitKind      InitKind       `json:"init_kind"`
	Training      TrainingConfig `json:"training"`
}

type modelManifest struct {
	FormatVersion int      `json:"format_version"`
	Name          string   `json:"name"`
	Arch          string   `json:"arch"`
	ParamCount    int      `json:"param_count"`
	Files         []string `json:"files"`
	HasTokenizer  bool     `json:"has_tokenizer"`
	CreatedAt     string   `json:"created_at"`
}

const modelFormatVersion = 2

func modelDir(root, name string) string {
	return filepath.Join(root, "models", name)
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// SaveModel writes the network to <root>/models/<name>/: a manifest, the
// reconstruction record, the weight blob, and the tokenizer sidecar when
// one is attached.
func (n *Network) SaveModel(root, name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty model name", ErrInvalidArgument)
	}
	if err := n.mutate(); err != nil {
		return err
	}
	if !n.params.Initialized() {
		return fmt.Errorf("%w: nothing to save; parameters not built", ErrInvalidState)
	}
	dir := modelDir(root, name)
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

	var blob bytes.Buffer
	entries := n.weightEntries(false)
	if err := writeTensorBlob(&blob, entries); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "weights.bin"), blob.Bytes(), 0o644); err != nil {
		return err
	}

	files := []string{"manifest.json", "nninfo.json", "weights.bin"}
	if n.tokArt != nil {
		tokDir := filepath.Join(dir, "tokenizer")
		if err := os.MkdirAll(tokDir, 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(tokDir, "manifest.json"), n.tokArt.Manifest, 0o644); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(tokDir, "vocab.json"), n.tokArt.Vocab, 0o644); err != nil {
			return err
		}
		files = append(files, "tokenizer/manifest.json", "tokenizer/vocab.json")
	}

	manifest := modelManifest{
		FormatVersion: modelFormatVersion,
		Name:          name,
		Arch:          n.arch.String(),
		ParamCount:    n.params.paramCount(),
		Files:         files,
		HasTokenizer:  n.tokArt != nil,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
	}
	return writeJSONFile(filepath.Join(dir, "manifest.json"), &manifest)
}

// weightEntries collects the canonical tensor walk into blob entries.
// withMoments additionally emits the optimizer moments under .m and .v2
// suffixes.
func (n *Network) weightEntries(withMoments bool) []blobEntry {
	var entries []blobEntry
	n.params.forEach(func(t *Tensor) {
		entries = append(entries, blobEntry{name: t.Name, shape: t.Shape, data: t.Data})
		if withMoments {
			if t.M != nil {
				entries = append(entries, blobEntry{name: t.Name + ".m", shape: t.Shape, data: t.M})
			}
			if t.V2 != nil {
				entries = append(entries, blobEntry{name: t.Name + ".v2", shape: t.Shape, data: t.V2})
			}
		}
	})
	return entries
}

// loadWeights copies blob entries onto the built parameter store, matched
// by name and element count. Every parameter tensor must be present.
func (n *Network) loadWeights(blob map[string]blobEntry, withMoments bool) error {
	var loadErr error
	n.params.forEach(func(t *Tensor) {
		if loadErr != nil {
			return
		}
		e, ok := blob[t.Name]
		if !ok {
			loadErr = fmt.Errorf("%w: tensor %q missing from weights", ErrInvalidState, t.Name)
			return
		}
		if len(e.data) != len(t.Data) {
			loadErr = fmt.Errorf("%w: tensor %q has %d elements, expected %d",
				ErrInvalidState, t.Name, len(e.data), len(t.Data))
			return
		}
		copy(t.Data, e.data)
		if !withMoments {
			return
		}
		if m, ok := blob[t.Name+".m"]; ok {
			if len(m.data) != len(t.Data) {
				loadErr = fmt.Errorf("%w: moment %q.m has %d elements, expected %d",
					ErrInvalidState, t.Name, len(m.data), len(t.Data))
				return
			}
			t.M = make([]float32, len(t.Data))
			copy(t.M, m.data)
		}
		if v, ok := blob[t.Name+".v2"]; ok {
			if len(v.data) != len(t.Data) {
				loadErr = fmt.Errorf("%w: moment %q.v2 has %d elements, expected %d",
					ErrInvalidState, t.Name, len(v.data), len(t.Data))
				return
			}
			t.V2 = make([]float32, len(t.Data))
			copy(t.V2, v.data)
		}
	})
	return loadErr
}

// LoadModel reconstructs a network from <root>/models/<name>/. The
// returned network is ready for inference or further training.
func LoadModel(root, name string) (*Network, error) {
	dir := modelDir(root, name)
	var info modelInfo
	if err := readJSONFile(filepath.Join(dir, "nninfo.json"), &info); err != nil {
		return nil, fmt.Errorf("load model %q: %w", name, err)
	}
	if info.FormatVersion > modelFormatVersion {
		return nil, fmt.Errorf("%w: model format %d is newer than %d",
			ErrInvalidState, info.FormatVersion, modelFormatVersion)
	}
	if info.Skeleton == nil {
		return nil, fmt.Errorf("%w: model record has no skeleton", ErrInvalidState)
	}

	n := NewWithSkeleton(info.Arch, info.Skeleton)
	n.cfg = info.Training
	n.ls = newLossScaleState(&info.Training.MixedPrecision)
	n.initKind = info.InitKind
	if err := n.SetSeed(info.Seed); err != nil {
		return nil, err
	}
	if err := n.params.build(n.arch, n.skel, info.InputSize); err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(dir, "weights.bin"))
	if err != nil {
		return nil, fmt.Errorf("load model %q: %w", name, err)
	}
	defer f.Close()
	blob, err := readTensorBlob(f)
	if err != nil {
		return nil, fmt.Errorf("load model %q: %w", name, err)
	}
	if err := n.loadWeights(blob, false); err != nil {
		return nil, err
	}
	if n.cfg.MixedPrecision.Enabled {
		n.params.materializeMirrors(n.cfg.MixedPrecision.DType)
	}

	tokDir := filepath.Join(dir, "tokenizer")
	if man, err := os.ReadFile(filepath.Join(tokDir, "manifest.json")); err == nil {
		vocab, err := os.ReadFile(filepath.Join(tokDir, "vocab.json"))
		if err != nil {
			return nil, fmt.Errorf("load model %q tokenizer: %w", name, err)
		}
		n.tokArt = &TokenizerArtifacts{Manifest: man, Vocab: vocab}
	}
	return n, nil
}
