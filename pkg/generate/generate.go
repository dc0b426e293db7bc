// Package generate performs autoregressive sampling from a trained
// checkpoint. The engine is read-only with respect to model weights, so a
// single engine can serve many sequential Generate calls.
package generate

import (
	"fmt"
	"math/rand"

	"github.com/shadow01a/mini-nanoGPT/pkg/checkpoint"
	"github.com/shadow01a/mini-nanoGPT/pkg/model"
	"github.com/shadow01a/mini-nanoGPT/pkg/tokenizer"
)

// Options controls one generation call.
type Options struct {
	MaxNewTokens int
	// Temperature scales logits before sampling. 0 selects greedy
	// decoding, which is fully deterministic regardless of Seed.
	Temperature float64
	// TopK restricts sampling to the k most probable tokens; <= 0
	// disables the restriction.
	TopK int
	Seed int64
}

// DefaultOptions mirrors the sampling defaults used during training demos.
func DefaultOptions() Options {
	return Options{
		MaxNewTokens: 200,
		Temperature:  0.8,
		TopK:         0,
		Seed:         42,
	}
}

// Engine pairs a model with the tokenizer it was trained with.
type Engine struct {
	m   *model.Model
	tok tokenizer.Tokenizer
}

// NewFromCheckpoint reconstructs model and tokenizer from a persisted
// checkpoint. The checkpoint's own architecture fields are authoritative.
func NewFromCheckpoint(ck *checkpoint.Checkpoint) (*Engine, error) {
	tok, err := tokenizer.FromSpec(ck.Tokenizer)
	if err != nil {
		return nil, err
	}
	m, err := model.FromWeights(ck.Config.Config, ck.Weights)
	if err != nil {
		return nil, err
	}
	if m.Config().VocabSize != tok.VocabSize() {
		return nil, fmt.Errorf("generate: model vocab %d does not match tokenizer vocab %d",
			m.Config().VocabSize, tok.VocabSize())
	}
	return &Engine{m: m, tok: tok}, nil
}

// New wraps an already-loaded model and tokenizer.
func New(m *model.Model, tok tokenizer.Tokenizer) *Engine {
	return &Engine{m: m, tok: tok}
}

// Generate produces up to opts.MaxNewTokens continuation tokens for prompt
// and returns the decoded prompt plus completion. Generation stops early if
// the model emits the sequence marker. Prompts longer than the context
// window are truncated to their trailing tokens.
func (e *Engine) Generate(prompt string, opts Options) (string, error) {
	if opts.MaxNewTokens < 1 {
		return "", fmt.Errorf("generate: max new tokens must be >= 1")
	}
	if opts.Temperature < 0 {
		return "", fmt.Errorf("generate: temperature must be >= 0")
	}

	promptIDs, err := e.tok.Encode(prompt)
	if err != nil {
		return "", err
	}
	blockSize := e.m.Config().BlockSize
	// Reserve one slot for the leading sequence marker.
	if len(promptIDs) > blockSize-1 {
		promptIDs = promptIDs[len(promptIDs)-(blockSize-1):]
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	bos := e.tok.BosID()

	// Sequences start at the marker so an empty prompt still conditions
	// the model on a valid context.
	context := append([]int{bos}, promptIDs...)
	cache := model.NewKVCache(e.m.Config().NLayer)
	var logits []*model.Value
	for pos, id := range context {
		logits = e.m.Forward(id, pos, cache)
	}

	generated := make([]int, 0, opts.MaxNewTokens)
	for len(generated) < opts.MaxNewTokens {
		next := model.Sample(rng, logits, opts.Temperature, opts.TopK)
		if next == bos {
			break
		}
		generated = append(generated, next)

		context = append(context, next)
		if len(context) >= blockSize {
			// Context window exhausted: slide forward and rebuild the
			// cache over the trailing window.
			context = context[len(context)-(blockSize-1):]
			cache = model.NewKVCache(e.m.Config().NLayer)
			for pos, id := range context[:len(context)-1] {
				e.m.Forward(id, pos, cache)
			}
		}
		logits = e.m.Forward(next, cache.Len(), cache)
	}

	completion, err := e.tok.Decode(generated)
	if err != nil {
		return "", err
	}
	return prompt + completion, nil
}
