package tokenizer

import (
	"encoding/json"
	"fmt"
)

// The artifact pair is what the model store persists: a small manifest
// describing the tokenizer and the full vocabulary document. Both are
// opaque to the engine.

type artifactManifest struct {
	FormatVersion int    `json:"format_version"`
	Type          string `json:"type"`
	VocabSize     int    `json:"vocab_size"`
	SpecialTokens int    `json:"special_tokens"`
}

type artifactVocab struct {
	Vocab   map[string]int `json:"vocab"`
	Merges  []string       `json:"merges"`
	Special map[string]int `json:"special"`
}

const artifactFormatVersion = 1

// Artifacts serializes the tokenizer into the manifest and vocabulary
// documents persisted next to a model.
func (t *Tokenizer) Artifacts() (manifest, vocab []byte, err error) {
	man, err := json.MarshalIndent(artifactManifest{
		FormatVersion: artifactFormatVersion,
		Type:          "byte-level-bpe",
		VocabSize:     t.VocabSize(),
		SpecialTokens: len(t.special),
	}, "", "  ")
	if err != nil {
		return nil, nil, err
	}
	voc, err := json.Marshal(artifactVocab{
		Vocab:   t.vocab,
		Merges:  t.merges,
		Special: t.special,
	})
	if err != nil {
		return nil, nil, err
	}
	return man, voc, nil
}

// FromArtifacts reconstructs a tokenizer from a persisted artifact pair.
func FromArtifacts(manifest, vocab []byte) (*Tokenizer, error) {
	var man artifactManifest
	if err := json.Unmarshal(manifest, &man); err != nil {
		return nil, fmt.Errorf("parse tokenizer manifest: %w", err)
	}
	if man.FormatVersion > artifactFormatVersion {
		return nil, fmt.Errorf("tokenizer artifact format %d is newer than %d",
			man.FormatVersion, artifactFormatVersion)
	}
	var voc artifactVocab
	if err := json.Unmarshal(vocab, &voc); err != nil {
		return nil, fmt.Errorf("parse tokenizer vocabulary: %w", err)
	}
	t := newTokenizer()
	t.vocab = voc.Vocab
	t.merges = voc.Merges
	for tok, id := range voc.Vocab {
		t.reverse[id] = tok
	}
	for i, m := range voc.Merges {
		t.ranks[m] = i
	}
	if voc.Special != nil {
		t.special = voc.Special
	}
	return t, nil
}
