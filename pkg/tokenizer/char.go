package tokenizer

// Char is a character-level tokenizer. Its vocabulary is the set of
// distinct runes observed in the training corpus, sorted ascending so the
// same corpus always yields the same ID assignment. Round-trips are
// lossless: Decode(Encode(text)) == text for any text drawn from the
// vocabulary.
type Char struct {
	charToID map[rune]int
	idToChar []rune
}

// NewChar builds a character tokenizer from the corpus.
func NewChar(corpus string) (*Char, error) {
	set := map[rune]bool{}
	for _, r := range corpus {
		set[r] = true
	}
	return newCharFromRunes(sortedRunes(set)), nil
}

func newCharFromRunes(uchars []rune) *Char {
	charToID := make(map[rune]int, len(uchars))
	for i, r := range uchars {
		charToID[r] = i
	}
	return &Char{charToID: charToID, idToChar: uchars}
}

func (t *Char) Kind() Kind { return KindChar }

// VocabSize includes the BOS marker appended after the character IDs.
func (t *Char) VocabSize() int { return len(t.idToChar) + 1 }

func (t *Char) BosID() int { return len(t.idToChar) }

func (t *Char) Encode(text string) ([]int, error) {
	out := make([]int, 0, len(text))
	for _, r := range text {
		id, ok := t.charToID[r]
		if !ok {
			return nil, &UnknownSymbolError{Symbol: string(r), ID: -1}
		}
		out = append(out, id)
	}
	return out, nil
}

func (t *Char) Decode(ids []int) (string, error) {
	out := make([]rune, 0, len(ids))
	for _, id := range ids {
		if id == t.BosID() {
			continue
		}
		if id < 0 || id >= len(t.idToChar) {
			return "", &UnknownSymbolError{ID: id}
		}
		out = append(out, t.idToChar[id])
	}
	return string(out), nil
}

func (t *Char) Spec() Spec {
	return Spec{Kind: KindChar, Vocab: runesToStrings(t.idToChar)}
}
