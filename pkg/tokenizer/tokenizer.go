// Package tokenizer converts raw text to and from integer token ID
// sequences. Two interchangeable strategies are provided: a character-level
// tokenizer whose vocabulary is derived from the training corpus, and a
// subword tokenizer backed by a fixed tiktoken encoding remapped onto a
// dense local ID space.
package tokenizer

import (
	"fmt"
	"sort"
)

// Kind names a tokenization strategy.
type Kind string

const (
	KindChar    Kind = "char"
	KindSubword Kind = "subword"
)

// Tokenizer encodes text into local token IDs and decodes them back.
// Every ID produced is in [0, VocabSize()).
type Tokenizer interface {
	Kind() Kind
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
	VocabSize() int
	// BosID is the begin/end-of-sequence marker. It is always the last
	// ID of the vocabulary and never appears in Encode output.
	BosID() int
	Spec() Spec
}

// Spec is the persistable description of a tokenizer, stored in the dataset
// manifest and in every checkpoint so that a model can always be paired with
// the vocabulary it was trained on.
type Spec struct {
	Kind        Kind     `json:"kind"`
	Vocab       []string `json:"vocab,omitempty"`
	BPEEncoding string   `json:"bpe_encoding,omitempty"`
	BPETokenIDs []int    `json:"bpe_token_ids,omitempty"`
}

// FromSpec reconstructs a tokenizer from its persisted description.
func FromSpec(spec Spec) (Tokenizer, error) {
	switch spec.Kind {
	case KindChar:
		uchars, err := stringsToRunes(spec.Vocab)
		if err != nil {
			return nil, err
		}
		if len(uchars) == 0 {
			return nil, fmt.Errorf("tokenizer: char spec has empty vocab")
		}
		return newCharFromRunes(uchars), nil
	case KindSubword:
		return newSubwordFromSpec(spec)
	default:
		return nil, fmt.Errorf("tokenizer: unknown kind %q", spec.Kind)
	}
}

// New builds a tokenizer of the given kind from the training corpus.
func New(kind Kind, corpus string) (Tokenizer, error) {
	switch kind {
	case KindChar:
		return NewChar(corpus)
	case KindSubword:
		return NewSubword(corpus)
	default:
		return nil, fmt.Errorf("tokenizer: unknown kind %q (use %q or %q)", kind, KindChar, KindSubword)
	}
}

// UnknownSymbolError reports a symbol or token ID outside the vocabulary the
// tokenizer was built with. It occurs when encoding text containing
// characters never seen at build time, or when decoding IDs produced by a
// different vocabulary.
type UnknownSymbolError struct {
	Symbol string // offending character, empty for decode failures
	ID     int    // offending token ID, -1 for encode failures
}

func (e *UnknownSymbolError) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("tokenizer: symbol %q is not in the vocabulary", e.Symbol)
	}
	return fmt.Sprintf("tokenizer: token ID %d is not in the vocabulary", e.ID)
}

func runesToStrings(rs []rune) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = string(r)
	}
	return out
}

func stringsToRunes(ss []string) ([]rune, error) {
	out := make([]rune, 0, len(ss))
	for _, s := range ss {
		r := []rune(s)
		if len(r) != 1 {
			return nil, fmt.Errorf("tokenizer: invalid vocab token %q: expected one rune", s)
		}
		out = append(out, r[0])
	}
	return out, nil
}

func sortedRunes(set map[rune]bool) []rune {
	out := make([]rune, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
