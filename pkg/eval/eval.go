// Package eval scores a model over a held-out split. A single-seed
// evaluation is deterministic; evaluation-only mode repeats the same
// procedure under several seeds to expose sampling variance instead of
// trusting one seed's number.
package eval

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/shadow01a/mini-nanoGPT/pkg/dataset"
	"github.com/shadow01a/mini-nanoGPT/pkg/model"
)

// SeedLoss is one seed's evaluation outcome.
type SeedLoss struct {
	Seed int64   `json:"seed"`
	Loss float64 `json:"loss"`
}

// Result is the loss distribution over all evaluated seeds.
type Result struct {
	MeanLoss float64    `json:"mean_loss"`
	PerSeed  []SeedLoss `json:"per_seed"`
}

// Evaluator samples evaluation windows from a split. The model handle it is
// given must be an independent copy, never the live training state.
type Evaluator struct {
	BatchSize int // windows per batch
	Batches   int // batches averaged per seed
}

// Evaluate scores the split under numSeeds distinct seeds (seed+1 ... seed+n,
// matching the training seed offset convention). numSeeds <= 1 runs a single
// deterministic pass seeded with baseSeed directly. The split is rejected
// before any batch construction if it cannot yield a single window.
func (e Evaluator) Evaluate(m *model.Model, splitName string, tokens []int, numSeeds int, baseSeed int64) (Result, error) {
	blockSize := m.Config().BlockSize
	if err := dataset.EnsureWindow(splitName, tokens, blockSize); err != nil {
		return Result{}, err
	}
	batchSize := e.BatchSize
	if batchSize < 1 {
		batchSize = 1
	}
	batches := e.Batches
	if batches < 1 {
		batches = 1
	}

	var seeds []int64
	if numSeeds <= 1 {
		seeds = []int64{baseSeed}
	} else {
		for i := 1; i <= numSeeds; i++ {
			seeds = append(seeds, baseSeed+int64(i))
		}
	}

	res := Result{PerSeed: make([]SeedLoss, 0, len(seeds))}
	sum := 0.0
	for _, seed := range seeds {
		loss, err := e.splitLoss(m, splitName, tokens, rand.New(rand.NewSource(seed)))
		if err != nil {
			return Result{}, err
		}
		res.PerSeed = append(res.PerSeed, SeedLoss{Seed: seed, Loss: loss})
		sum += loss
	}
	res.MeanLoss = sum / float64(len(seeds))
	return res, nil
}

// SplitLoss is the single-pass loss used by the training loop's periodic
// evaluation; the caller supplies the RNG so sampling stays reproducible.
func (e Evaluator) SplitLoss(m *model.Model, splitName string, tokens []int, rng *rand.Rand) (float64, error) {
	if err := dataset.EnsureWindow(splitName, tokens, m.Config().BlockSize); err != nil {
		return 0, err
	}
	return e.splitLoss(m, splitName, tokens, rng)
}

func (e Evaluator) splitLoss(m *model.Model, splitName string, tokens []int, rng *rand.Rand) (float64, error) {
	batchSize := e.BatchSize
	if batchSize < 1 {
		batchSize = 1
	}
	batches := e.Batches
	if batches < 1 {
		batches = 1
	}
	total := 0.0
	n := 0
	for b := 0; b < batches; b++ {
		xs, ys, err := dataset.Batch(rng, splitName, tokens, batchSize, m.Config().BlockSize)
		if err != nil {
			return 0, err
		}
		for i := range xs {
			loss, err := m.WindowLoss(xs[i], ys[i])
			if err != nil {
				return 0, err
			}
			if math.IsNaN(loss.Data) || math.IsInf(loss.Data, 0) {
				return 0, fmt.Errorf("eval: non-finite loss on %s split", splitName)
			}
			total += loss.Data
			n++
		}
	}
	return total / float64(n), nil
}
