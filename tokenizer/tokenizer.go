// Package tokenizer implements a byte-level BPE tokenizer compatible with
// the HuggingFace tokenizer.json vocabulary format. It produces the opaque
// artifact pair persisted next to trained language models.
package tokenizer

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// Tokenizer maps text to token ids and back using byte-level BPE.
type Tokenizer struct {
	vocab   map[string]int
	reverse map[int]string
	ranks   map[string]int // "first second" -> merge priority
	merges  []string
	special map[string]int

	pattern *regexp.Regexp
}

// Go's regexp has no negative lookahead, so this is the usual
// approximation of the GPT-2 pre-tokenization split.
const preTokenPattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`

func newTokenizer() *Tokenizer {
	return &Tokenizer{
		vocab:   make(map[string]int),
		reverse: make(map[int]string),
		ranks:   make(map[string]int),
		special: make(map[string]int),
		pattern: regexp.MustCompile(preTokenPattern),
	}
}

// byteEncoder maps raw bytes to the printable stand-in runes byte-level
// BPE vocabularies are written in (space becomes U+0120 and so on).
var byteEncoder = buildByteEncoder()
var byteDecoder = buildByteDecoder()

func buildByteEncoder() [256]rune {
	var enc [256]rune
	n := 0
	isPrintable := func(b int) bool {
		return (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
	}
	for b := 0; b < 256; b++ {
		if isPrintable(b) {
			enc[b] = rune(b)
		} else {
			enc[b] = rune(256 + n)
			n++
		}
	}
	return enc
}

func buildByteDecoder() map[rune]byte {
	dec := make(map[rune]byte, 256)
	for b, r := range byteEncoder {
		dec[r] = byte(b)
	}
	return dec
}

func toByteRunes(s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		sb.WriteRune(byteEncoder[s[i]])
	}
	return sb.String()
}

func fromByteRunes(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if b, ok := byteDecoder[r]; ok {
			sb.WriteByte(b)
		} else {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// hfTokenizerJSON is the subset of the HuggingFace tokenizer.json schema
// the loader understands.
type hfTokenizerJSON struct {
	Model struct {
		Type   string         `json:"type"`
		Vocab  map[string]int `json:"vocab"`
		Merges []string       `json:"merges"`
	} `json:"model"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

// LoadFromBytes parses a HuggingFace tokenizer.json document.
func LoadFromBytes(data []byte) (*Tokenizer, error) {
	var doc hfTokenizerJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse tokenizer json: %w", err)
	}
	if len(doc.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer json has an empty vocabulary")
	}
	t := newTokenizer()
	t.vocab = doc.Model.Vocab
	t.merges = doc.Model.Merges
	for tok, id := range t.vocab {
		t.reverse[id] = tok
	}
	for i, m := range doc.Model.Merges {
		t.ranks[m] = i
	}
	for _, added := range doc.AddedTokens {
		t.vocab[added.Content] = added.ID
		t.reverse[added.ID] = added.Content
		if added.Special {
			t.special[added.Content] = added.ID
		}
	}
	return t, nil
}

// LoadFromFile parses a HuggingFace tokenizer.json file.
func LoadFromFile(path string) (*Tokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tokenizer file: %w", err)
	}
	return LoadFromBytes(data)
}

// VocabSize returns the number of distinct token ids.
func (t *Tokenizer) VocabSize() int { return len(t.reverse) }

// TokenID looks up the id of an exact token string.
func (t *Tokenizer) TokenID(tok string) (int, bool) {
	id, ok := t.vocab[tok]
	return id, ok
}

// IsSpecial reports whether id belongs to a special token.
func (t *Tokenizer) IsSpecial(id int) bool {
	tok, ok := t.reverse[id]
	if !ok {
		return false
	}
	_, special := t.special[tok]
	return special
}

// Encode converts text to token ids. Special tokens embedded verbatim in
// the text are matched whole.
func (t *Tokenizer) Encode(text string) []int {
	if text == "" {
		return nil
	}
	var ids []int
	for _, segment := range t.splitSpecial(text) {
		if id, ok := t.special[segment]; ok {
			ids = append(ids, id)
			continue
		}
		for _, word := range t.pattern.FindAllString(segment, -1) {
			ids = append(ids, t.bpe(toByteRunes(word))...)
		}
	}
	return ids
}

// splitSpecial cuts the text around embedded special tokens so BPE never
// crosses them.
func (t *Tokenizer) splitSpecial(text string) []string {
	if len(t.special) == 0 {
		return []string{text}
	}
	specials := make([]string, 0, len(t.special))
	for tok := range t.special {
		specials = append(specials, tok)
	}
	sort.Slice(specials, func(a, b int) bool { return len(specials[a]) > len(specials[b]) })

	segments := []string{text}
	for _, tok := range specials {
		var next []string
		for _, seg := range segments {
			if _, isSpecial := t.special[seg]; isSpecial {
				next = append(next, seg)
				continue
			}
			for {
				idx := strings.Index(seg, tok)
				if idx < 0 {
					if seg != "" {
						next = append(next, seg)
					}
					break
				}
				if idx > 0 {
					next = append(next, seg[:idx])
				}
				next = append(next, tok)
				seg = seg[idx+len(tok):]
			}
		}
		segments = next
	}
	return segments
}

// bpe merges the word's characters bottom-up, always taking the lowest-
// ranked adjacent pair next.
func (t *Tokenizer) bpe(word string) []int {
	parts := splitRunes(word)
	for len(parts) > 1 {
		bestRank := -1
		bestIdx := -1
		for i := 0; i < len(parts)-1; i++ {
			r, ok := t.ranks[parts[i]+" "+parts[i+1]]
			if ok && (bestRank < 0 || r < bestRank) {
				bestRank = r
				bestIdx = i
			}
		}
		if bestIdx < 0 {
			break
		}
		merged := parts[bestIdx] + parts[bestIdx+1]
		parts = append(parts[:bestIdx], append([]string{merged}, parts[bestIdx+2:]...)...)
	}

	ids := make([]int, 0, len(parts))
	for _, p := range parts {
		if id, ok := t.vocab[p]; ok {
			ids = append(ids, id)
			continue
		}
		// Byte fallback for tokens outside the vocabulary.
		raw := fromByteRunes(p)
		for i := 0; i < len(raw); i++ {
			if id, ok := t.vocab[fmt.Sprintf("<0x%02X>", raw[i])]; ok {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func splitRunes(s string) []string {
	parts := make([]string, 0, len(s))
	for len(s) > 0 {
		_, size := utf8.DecodeRuneInString(s)
		if size == 0 {
			size = 1
		}
		parts = append(parts, s[:size])
		s = s[size:]
	}
	return parts
}

// Decode converts token ids back to text. Special tokens are dropped when
// skipSpecial is set.
func (t *Tokenizer) Decode(ids []int, skipSpecial bool) string {
	var sb strings.Builder
	for _, id := range ids {
		tok, ok := t.reverse[id]
		if !ok {
			continue
		}
		if skipSpecial {
			if _, special := t.special[tok]; special {
				continue
			}
		}
		sb.WriteString(tok)
	}
	return fromByteRunes(sb.String())
}
