// Package tokenizer implements the GPT-2 byte-level BPE scheme: text is
// mapped to a reversible unicode byte alphabet, split by the GPT-2
// pre-tokenizer pattern, then merged greedily by learned merge ranks.
package tokenizer

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

// EndOfText is the GPT-2 end-of-sequence marker. It is encoded as a single
// special token and never split by BPE.
const EndOfText = "<|endoftext|>"

// bigram is an adjacent pair of BPE symbols.
type bigram struct {
	left, right string
}

// Tokenizer is a GPT-2 byte-level BPE tokenizer. The BPE cache makes it
// unsafe for concurrent use.
type Tokenizer struct {
	encoder     map[string]int
	decoder     []string
	bpeRanks    map[bigram]int
	cache       map[string][]string
	byteEncoder map[byte]string
	byteDecoder map[string]byte
	pattern     *regexp.Regexp
	special     []string
	eosID       int
}

// New builds a tokenizer from a vocabulary (token string to id) and the
// merge list in rank order. The vocabulary must contain the end-of-text
// token.
func New(vocab map[string]int, merges []string) (*Tokenizer, error) {
	if len(vocab) == 0 {
		return nil, fmt.Errorf("tokenizer: empty vocabulary")
	}
	eosID, ok := vocab[EndOfText]
	if !ok {
		return nil, fmt.Errorf("tokenizer: vocabulary lacks %s", EndOfText)
	}

	maxID := 0
	for _, id := range vocab {
		if id < 0 {
			return nil, fmt.Errorf("tokenizer: negative token id %d", id)
		}
		if id > maxID {
			maxID = id
		}
	}
	decoder := make([]string, maxID+1)
	tokens := make([]string, 0, len(vocab))
	for tok, id := range vocab {
		decoder[id] = tok
		tokens = append(tokens, tok)
	}

	bpeRanks := make(map[bigram]int, len(merges))
	rank := 0
	for _, line := range merges {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, " ")
		if len(parts) != 2 {
			continue
		}
		bg := bigram{left: parts[0], right: parts[1]}
		if _, ok := bpeRanks[bg]; !ok {
			bpeRanks[bg] = rank
			rank++
		}
	}

	byteEncoder, byteDecoder := byteAlphabet()
	// Go regexp has no lookahead, so the trailing whitespace branch of the
	// reference pattern collapses into a plain \s+ match.
	pat := regexp.MustCompile(`'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`)

	return &Tokenizer{
		encoder:     vocab,
		decoder:     decoder,
		bpeRanks:    bpeRanks,
		cache:       make(map[string][]string),
		byteEncoder: byteEncoder,
		byteDecoder: byteDecoder,
		pattern:     pat,
		special:     specialTokens(tokens),
		eosID:       eosID,
	}, nil
}

// Load reads a GPT-2 vocabulary (vocab.json) and merge list (merges.txt)
// from disk.
func Load(vocabPath, mergesPath string) (*Tokenizer, error) {
	raw, err := os.ReadFile(vocabPath)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: reading vocabulary: %w", err)
	}
	var vocab map[string]int
	if err := json.Unmarshal(raw, &vocab); err != nil {
		return nil, fmt.Errorf("tokenizer: parsing %s: %w", vocabPath, err)
	}

	raw, err = os.ReadFile(mergesPath)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: reading merges: %w", err)
	}
	return New(vocab, strings.Split(string(raw), "\n"))
}

// VocabSize returns the number of token ids, including gaps.
func (t *Tokenizer) VocabSize() int { return len(t.decoder) }

// EOSID returns the id of the end-of-text token.
func (t *Tokenizer) EOSID() int { return t.eosID }

// Encode converts text into token ids. Special tokens embedded in the text
// are matched whole before the pre-tokenizer runs.
func (t *Tokenizer) Encode(text string) ([]int, error) {
	var ids []int
	for _, seg := range segmentText(text, t.special) {
		if seg.special {
			id, ok := t.encoder[seg.text]
			if !ok {
				return nil, fmt.Errorf("tokenizer: unknown special token %q", seg.text)
			}
			ids = append(ids, id)
			continue
		}
		for _, token := range t.pattern.FindAllString(seg.text, -1) {
			for _, piece := range t.bpe(t.byteEncode(token)) {
				id, ok := t.encoder[piece]
				if !ok {
					return nil, fmt.Errorf("tokenizer: unknown token %q", piece)
				}
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

// Decode converts token ids back into text.
func (t *Tokenizer) Decode(ids []int) (string, error) {
	var b []byte
	for _, id := range ids {
		if id < 0 || id >= len(t.decoder) {
			return "", fmt.Errorf("tokenizer: token id out of range: %d", id)
		}
		for _, r := range t.decoder[id] {
			if by, ok := t.byteDecoder[string(r)]; ok {
				b = append(b, by)
			} else {
				b = append(b, string(r)...)
			}
		}
	}
	return string(b), nil
}

// TokenString returns the raw vocabulary entry for id, or "" when out of
// range.
func (t *Tokenizer) TokenString(id int) string {
	if id < 0 || id >= len(t.decoder) {
		return ""
	}
	return t.decoder[id]
}

func (t *Tokenizer) byteEncode(s string) string {
	var b strings.Builder
	for _, by := range []byte(s) {
		b.WriteString(t.byteEncoder[by])
	}
	return b.String()
}

// bpe merges the runes of token into vocabulary symbols, always applying
// the lowest-ranked merge present until none apply.
func (t *Tokenizer) bpe(token string) []string {
	if v, ok := t.cache[token]; ok {
		return v
	}
	word := make([]string, 0, len(token))
	for _, r := range token {
		word = append(word, string(r))
	}
	for len(word) > 1 {
		best := bigram{}
		bestRank := -1
		for i := 1; i < len(word); i++ {
			bg := bigram{left: word[i-1], right: word[i]}
			if rank, ok := t.bpeRanks[bg]; ok && (bestRank < 0 || rank < bestRank) {
				best = bg
				bestRank = rank
			}
		}
		if bestRank < 0 {
			break
		}
		word = applyMerge(word, best)
	}
	t.cache[token] = word
	return word
}

// applyMerge joins every left/right occurrence of bg in word.
func applyMerge(word []string, bg bigram) []string {
	out := make([]string, 0, len(word))
	for i := 0; i < len(word); i++ {
		if i+1 < len(word) && word[i] == bg.left && word[i+1] == bg.right {
			out = append(out, word[i]+word[i+1])
			i++
		} else {
			out = append(out, word[i])
		}
	}
	return out
}

// specialTokens returns the vocabulary's <|...|> entries ordered longest
// first so segmentText prefers the longest match.
func specialTokens(vocab []string) []string {
	var out []string
	for _, tok := range vocab {
		if len(tok) >= 4 && strings.HasPrefix(tok, "<|") && strings.HasSuffix(tok, "|>") {
			out = append(out, tok)
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return len(out[a]) > len(out[b]) })
	return out
}

type segment struct {
	text    string
	special bool
}

// segmentText cuts text around whole special tokens so the pre-tokenizer
// never sees them.
func segmentText(text string, specials []string) []segment {
	if len(specials) == 0 || !strings.Contains(text, "<|") {
		return []segment{{text: text}}
	}
	var out []segment
	var plain strings.Builder
	for i := 0; i < len(text); {
		matched := ""
		for _, sp := range specials {
			if strings.HasPrefix(text[i:], sp) {
				matched = sp
				break
			}
		}
		if matched == "" {
			plain.WriteByte(text[i])
			i++
			continue
		}
		if plain.Len() > 0 {
			out = append(out, segment{text: plain.String()})
			plain.Reset()
		}
		out = append(out, segment{text: matched, special: true})
		i += len(matched)
	}
	if plain.Len() > 0 {
		out = append(out, segment{text: plain.String()})
	}
	return out
}

// byteAlphabet builds the reversible byte-to-rune mapping: printable latin
// bytes map to themselves and the rest are relocated above U+00FF.
func byteAlphabet() (map[byte]string, map[string]byte) {
	enc := make(map[byte]string, 256)
	dec := make(map[string]byte, 256)
	assign := func(b int, r rune) {
		s := string(r)
		enc[byte(b)] = s
		dec[s] = byte(b)
	}

	var direct [256]bool
	for _, span := range [][2]int{{'!', '~'}, {'¡', '¬'}, {'®', 'ÿ'}} {
		for b := span[0]; b <= span[1]; b++ {
			direct[b] = true
			assign(b, rune(b))
		}
	}
	next := rune(256)
	for b := 0; b < 256; b++ {
		if !direct[b] {
			assign(b, next)
			next++
		}
	}
	return enc, dec
}
