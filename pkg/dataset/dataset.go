// Package dataset turns raw text into persisted binary token streams plus a
// manifest, and serves random training batches from them. Streams are
// little-endian fixed-width integers (nanoGPT's train.bin/val.bin layout) so
// they can be inspected and reused by other tooling.
package dataset

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/shadow01a/mini-nanoGPT/pkg/tokenizer"
)

const (
	TrainFile    = "train.bin"
	ValFile      = "val.bin"
	ManifestFile = "meta.json"

	// DefaultValidationFraction is the trailing share of tokens reserved
	// for the validation split when one is requested.
	DefaultValidationFraction = 0.1
)

// Manifest describes a built dataset: which tokenizer produced it, how large
// the splits are, and how the streams are encoded on disk.
type Manifest struct {
	RunID              string         `json:"run_id"`
	CreatedAt          string         `json:"created_at"`
	Tokenizer          tokenizer.Spec `json:"tokenizer"`
	VocabSize          int            `json:"vocab_size"`
	TrainTokens        int            `json:"train_tokens"`
	ValTokens          int            `json:"val_tokens"`
	TokenWidth         int            `json:"token_width"` // bytes per token: 2 or 4
	ValidationFraction float64        `json:"validation_fraction"`
}

// BuildOptions selects the tokenizer and split behaviour for Build.
type BuildOptions struct {
	TokenizerKind      tokenizer.Kind
	UseValidationSplit bool
	ValidationFraction float64 // 0 means DefaultValidationFraction
	OutDir             string
}

// InsufficientDataError reports a split too small to yield a single context
// window. Required is always BlockSize+1 because each window needs a target
// for its final position.
type InsufficientDataError struct {
	Split    string
	Required int
	Actual   int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("dataset: %s split has %d tokens but at least %d are required (block_size + 1); reduce block_size or add more data",
		e.Split, e.Actual, e.Required)
}

// Dataset is a built (or loaded) pair of token streams. Streams are
// immutable once built; training and evaluation only ever read them.
type Dataset struct {
	Dir      string
	Manifest Manifest

	train []int
	val   []int
}

// Build tokenizes text once, splits off the trailing validation fraction
// when requested, and persists both streams plus the manifest under
// opts.OutDir.
func Build(text string, opts BuildOptions) (*Dataset, error) {
	if text == "" {
		return nil, fmt.Errorf("dataset: input text is empty")
	}
	tok, err := tokenizer.New(opts.TokenizerKind, text)
	if err != nil {
		return nil, err
	}
	ids, err := tok.Encode(text)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("dataset: input produced no tokens")
	}

	frac := opts.ValidationFraction
	if frac == 0 {
		frac = DefaultValidationFraction
	}
	if frac < 0 || frac >= 1 {
		return nil, fmt.Errorf("dataset: validation_fraction %v out of range (0, 1)", frac)
	}

	train := ids
	var val []int
	if opts.UseValidationSplit {
		// Order-preserving trailing split: sequential context survives
		// inside each stream.
		cut := len(ids) - int(float64(len(ids))*frac)
		if cut < 1 {
			cut = 1
		}
		train, val = ids[:cut], ids[cut:]
	}

	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return nil, err
	}
	width := tokenWidth(tok.VocabSize())
	if err := writeTokens(filepath.Join(opts.OutDir, TrainFile), train, width); err != nil {
		return nil, err
	}
	if opts.UseValidationSplit {
		if err := writeTokens(filepath.Join(opts.OutDir, ValFile), val, width); err != nil {
			return nil, err
		}
	}

	man := Manifest{
		RunID:              uuid.NewString(),
		CreatedAt:          time.Now().Format(time.RFC3339),
		Tokenizer:          tok.Spec(),
		VocabSize:          tok.VocabSize(),
		TrainTokens:        len(train),
		ValTokens:          len(val),
		TokenWidth:         width,
		ValidationFraction: frac,
	}
	if !opts.UseValidationSplit {
		man.ValidationFraction = 0
	}
	if err := writeManifest(filepath.Join(opts.OutDir, ManifestFile), man); err != nil {
		return nil, err
	}

	return &Dataset{Dir: opts.OutDir, Manifest: man, train: train, val: val}, nil
}

// Load reads a previously built dataset from dir.
func Load(dir string) (*Dataset, error) {
	man, err := readManifest(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("dataset: read manifest: %w", err)
	}
	train, err := readTokens(filepath.Join(dir, TrainFile), man.TokenWidth)
	if err != nil {
		return nil, fmt.Errorf("dataset: read train stream: %w", err)
	}
	var val []int
	if man.ValTokens > 0 {
		val, err = readTokens(filepath.Join(dir, ValFile), man.TokenWidth)
		if err != nil {
			return nil, fmt.Errorf("dataset: read val stream: %w", err)
		}
	}
	return &Dataset{Dir: dir, Manifest: man, train: train, val: val}, nil
}

// HasValidation reports whether a validation stream was built.
func (d *Dataset) HasValidation() bool { return len(d.val) > 0 }

// Split returns the named token stream ("train" or "val").
func (d *Dataset) Split(name string) ([]int, error) {
	switch name {
	case "train":
		return d.train, nil
	case "val":
		if !d.HasValidation() {
			return nil, fmt.Errorf("dataset: no validation split was built")
		}
		return d.val, nil
	default:
		return nil, fmt.Errorf("dataset: unknown split %q", name)
	}
}

// EnsureWindow verifies the split can yield at least one blockSize window
// plus its shifted target. block_size is a training-time parameter, so this
// check is deferred until training or evaluation starts.
func EnsureWindow(split string, tokens []int, blockSize int) error {
	required := blockSize + 1
	if len(tokens) < required {
		return &InsufficientDataError{Split: split, Required: required, Actual: len(tokens)}
	}
	return nil
}

// Batch samples batchSize contiguous windows with replacement. Window starts
// are uniform over [0, len(tokens)-blockSize-1] so every position is
// reachable. xs[i] is the context, ys[i] the same window shifted by one.
func Batch(rng *rand.Rand, split string, tokens []int, batchSize, blockSize int) (xs, ys [][]int, err error) {
	if err := EnsureWindow(split, tokens, blockSize); err != nil {
		return nil, nil, err
	}
	maxStart := len(tokens) - blockSize
	xs = make([][]int, batchSize)
	ys = make([][]int, batchSize)
	for i := 0; i < batchSize; i++ {
		start := rng.Intn(maxStart)
		xs[i] = tokens[start : start+blockSize]
		ys[i] = tokens[start+1 : start+1+blockSize]
	}
	return xs, ys, nil
}

func tokenWidth(vocabSize int) int {
	if vocabSize >= 1<<16 {
		return 4
	}
	return 2
}
