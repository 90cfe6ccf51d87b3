package tokenizer

import (
	"fmt"
	"sort"
	"strings"
)

// TrainConfig controls vocabulary learning.
type TrainConfig struct {
	VocabSize     int      // total ids including bytes and specials
	SpecialTokens []string // reserved verbatim tokens, ids assigned first
}

// Train learns a byte-level BPE vocabulary from the corpus: the 256 byte
// tokens seed the vocabulary, then the most frequent adjacent pair is
// merged until VocabSize is reached or no pair repeats.
func Train(corpus []string, cfg TrainConfig) (*Tokenizer, error) {
	if cfg.VocabSize < 256+len(cfg.SpecialTokens) {
		return nil, fmt.Errorf("vocab size %d cannot hold 256 byte tokens and %d specials",
			cfg.VocabSize, len(cfg.SpecialTokens))
	}
	t := newTokenizer()

	nextID := 0
	for _, tok := range cfg.SpecialTokens {
		t.vocab[tok] = nextID
		t.reverse[nextID] = tok
		t.special[tok] = nextID
		nextID++
	}
	for b := 0; b < 256; b++ {
		tok := string(byteEncoder[b])
		t.vocab[tok] = nextID
		t.reverse[nextID] = tok
		nextID++
	}

	// Word frequency table over the pre-tokenized corpus, each word held
	// as its current merge state.
	type wordState struct {
		parts []string
		count int
	}
	freq := make(map[string]int)
	for _, doc := range corpus {
		for _, word := range t.pattern.FindAllString(doc, -1) {
			freq[toByteRunes(word)]++
		}
	}
	words := make([]*wordState, 0, len(freq))
	for w, c := range freq {
		words = append(words, &wordState{parts: splitRunes(w), count: c})
	}
	// Deterministic iteration order regardless of map layout.
	sort.Slice(words, func(a, b int) bool {
		return strings.Join(words[a].parts, "") < strings.Join(words[b].parts, "")
	})

	for nextID < cfg.VocabSize {
		pairCount := make(map[[2]string]int)
		for _, w := range words {
			for i := 0; i < len(w.parts)-1; i++ {
				pairCount[[2]string{w.parts[i], w.parts[i+1]}] += w.count
			}
		}
		var best [2]string
		bestCount := 1 // a pair must repeat to be worth a merge
		for pair, c := range pairCount {
			if c > bestCount || (c == bestCount && bestCount > 1 && lessPair(pair, best)) {
				best = pair
				bestCount = c
			}
		}
		if bestCount <= 1 {
			break
		}

		merged := best[0] + best[1]
		t.merges = append(t.merges, best[0]+" "+best[1])
		t.ranks[best[0]+" "+best[1]] = len(t.merges) - 1
		t.vocab[merged] = nextID
		t.reverse[nextID] = merged
		nextID++

		for _, w := range words {
			for i := 0; i < len(w.parts)-1; {
				if w.parts[i] == best[0] && w.parts[i+1] == best[1] {
					w.parts[i] = merged
					w.parts = append(w.parts[:i+1], w.parts[i+2:]...)
				} else {
					i++
				}
			}
		}
	}
	return t, nil
}

func lessPair(a, b [2]string) bool {
	if a[0] != b[0] {
		return a[0] < b[0]
	}
	return a[1] < b[1]
}
