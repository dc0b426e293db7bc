package tokenizer

import (
	"fmt"
	"sort"
	"strings"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// DefaultBPEEncoding is the tiktoken encoding used by the subword tokenizer.
const DefaultBPEEncoding = "cl100k_base"

// Subword tokenizes with a fixed pre-defined BPE vocabulary (tiktoken) and
// remaps the raw encoding IDs onto a dense local ID space containing only
// the tokens observed in the corpus, plus UNK and BOS. This keeps the
// model's embedding table proportional to the corpus rather than the full
// 100k-entry encoding.
type Subword struct {
	encName    string
	enc        *tiktoken.Tiktoken
	bpeToLocal map[int]int
	localToBPE []int
}

// NewSubword builds a subword tokenizer over the BPE token IDs observed in
// the corpus.
func NewSubword(corpus string) (*Subword, error) {
	enc, err := tiktoken.GetEncoding(DefaultBPEEncoding)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: load encoding %s: %w", DefaultBPEEncoding, err)
	}
	seen := map[int]bool{}
	for _, id := range enc.EncodeOrdinary(corpus) {
		seen[id] = true
	}
	localToBPE := make([]int, 0, len(seen))
	for id := range seen {
		localToBPE = append(localToBPE, id)
	}
	sort.Ints(localToBPE)
	return newSubword(DefaultBPEEncoding, enc, localToBPE), nil
}

func newSubwordFromSpec(spec Spec) (*Subword, error) {
	encName := strings.TrimSpace(spec.BPEEncoding)
	if encName == "" {
		encName = DefaultBPEEncoding
	}
	enc, err := tiktoken.GetEncoding(encName)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: load encoding %s: %w", encName, err)
	}
	if len(spec.BPETokenIDs) == 0 {
		return nil, fmt.Errorf("tokenizer: subword spec has no token IDs")
	}
	return newSubword(encName, enc, append([]int(nil), spec.BPETokenIDs...)), nil
}

func newSubword(encName string, enc *tiktoken.Tiktoken, localToBPE []int) *Subword {
	bpeToLocal := make(map[int]int, len(localToBPE))
	for i, id := range localToBPE {
		bpeToLocal[id] = i
	}
	return &Subword{
		encName:    encName,
		enc:        enc,
		bpeToLocal: bpeToLocal,
		localToBPE: localToBPE,
	}
}

func (t *Subword) Kind() Kind { return KindSubword }

// VocabSize counts the observed BPE tokens plus UNK and BOS.
func (t *Subword) VocabSize() int { return len(t.localToBPE) + 2 }

// UnkID is a reserved vocabulary slot with no text form; the model may emit
// it, and Decode skips it.
func (t *Subword) UnkID() int { return len(t.localToBPE) }

func (t *Subword) BosID() int { return len(t.localToBPE) + 1 }

// Encode fails on subwords that were never observed at build time, so a
// caller gets an UnknownSymbolError instead of a lossy UNK substitution.
func (t *Subword) Encode(text string) ([]int, error) {
	raw := t.enc.EncodeOrdinary(text)
	out := make([]int, 0, len(raw))
	for _, id := range raw {
		local, ok := t.bpeToLocal[id]
		if !ok {
			return nil, &UnknownSymbolError{Symbol: t.enc.Decode([]int{id}), ID: -1}
		}
		out = append(out, local)
	}
	return out, nil
}

func (t *Subword) Decode(ids []int) (string, error) {
	raw := make([]int, 0, len(ids))
	for _, local := range ids {
		if local == t.UnkID() || local == t.BosID() {
			continue
		}
		if local < 0 || local >= len(t.localToBPE) {
			return "", &UnknownSymbolError{ID: local}
		}
		raw = append(raw, t.localToBPE[local])
	}
	return t.enc.Decode(raw), nil
}

func (t *Subword) Spec() Spec {
	return Spec{
		Kind:        KindSubword,
		BPEEncoding: t.encName,
		BPETokenIDs: append([]int(nil), t.localToBPE...),
	}
}
