package tokenizer

import (
	"strings"
	"testing"
)

func trainedTokenizer(t *testing.T) *Tokenizer {
	t.Helper()
	corpus := []string{
		strings.Repeat("the quick brown fox jumps over the lazy dog. ", 10),
		"pack my box with five dozen liquor jugs",
	}
	tok, err := Train(corpus, TrainConfig{
		VocabSize:     400,
		SpecialTokens: []string{"<eos>", "<pad>"},
	})
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	return tok
}

func TestTrainEncodesDecodesRoundTrip(t *testing.T) {
	tok := trainedTokenizer(t)
	for _, text := range []string{
		"the quick brown fox",
		"a completely unseen sentence!",
		"tabs\tand\nnewlines survive",
	} {
		ids := tok.Encode(text)
		if len(ids) == 0 {
			t.Fatalf("no tokens for %q", text)
		}
		if got := tok.Decode(ids, false); got != text {
			t.Fatalf("round trip of %q gave %q", text, got)
		}
	}
}

func TestTrainLearnsMerges(t *testing.T) {
	tok := trainedTokenizer(t)
	if tok.VocabSize() <= 258 {
		t.Fatalf("vocab size %d, expected merges beyond bytes and specials", tok.VocabSize())
	}
	// A frequent corpus word should need far fewer tokens than bytes.
	ids := tok.Encode("the")
	if len(ids) >= 3 {
		t.Fatalf("frequent word still encodes to %d tokens", len(ids))
	}
}

func TestSpecialTokensEncodeWhole(t *testing.T) {
	tok := trainedTokenizer(t)
	eos, ok := tok.TokenID("<eos>")
	if !ok {
		t.Fatal("<eos> missing from the vocabulary")
	}
	ids := tok.Encode("fox<eos>dog")
	found := false
	for _, id := range ids {
		if id == eos {
			found = true
		}
	}
	if !found {
		t.Fatalf("embedded special token not matched whole: %v", ids)
	}
	if !tok.IsSpecial(eos) {
		t.Fatal("IsSpecial(<eos>) = false")
	}
	if got := tok.Decode(ids, true); strings.Contains(got, "<eos>") {
		t.Fatalf("skipSpecial decode kept the special token: %q", got)
	}
}

func TestArtifactsRoundTrip(t *testing.T) {
	tok := trainedTokenizer(t)
	man, voc, err := tok.Artifacts()
	if err != nil {
		t.Fatalf("artifacts: %v", err)
	}
	back, err := FromArtifacts(man, voc)
	if err != nil {
		t.Fatalf("from artifacts: %v", err)
	}
	if back.VocabSize() != tok.VocabSize() {
		t.Fatalf("vocab size %d, want %d", back.VocabSize(), tok.VocabSize())
	}
	text := "the quick brown fox<eos>"
	a := tok.Encode(text)
	b := back.Encode(text)
	if len(a) != len(b) {
		t.Fatalf("encoding lengths differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("token %d differs after artifact round trip: %d vs %d", i, a[i], b[i])
		}
	}
}

func TestLoadFromBytesHuggingFace(t *testing.T) {
	doc := `{
		"model": {
			"type": "BPE",
			"vocab": {"h": 0, "i": 1, "hi": 2, "<s>": 3},
			"merges": ["h i"]
		},
		"added_tokens": [{"id": 3, "content": "<s>", "special": true}]
	}`
	tok, err := LoadFromBytes([]byte(doc))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ids := tok.Encode("hi")
	if len(ids) != 1 || ids[0] != 2 {
		t.Fatalf("merge not applied: %v", ids)
	}
	if got := tok.Decode(ids, false); got != "hi" {
		t.Fatalf("decode gave %q", got)
	}
}

func TestLoadFromBytesRejectsEmptyVocab(t *testing.T) {
	if _, err := LoadFromBytes([]byte(`{"model":{"vocab":{}}}`)); err == nil {
		t.Fatal("empty vocabulary should be rejected")
	}
}

func TestTrainRejectsTinyVocab(t *testing.T) {
	if _, err := Train([]string{"abc"}, TrainConfig{VocabSize: 100}); err == nil {
		t.Fatal("vocab below the byte floor should be rejected")
	}
}
