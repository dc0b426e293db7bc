package eval

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/shadow01a/mini-nanoGPT/pkg/dataset"
	"github.com/shadow01a/mini-nanoGPT/pkg/model"
)

func testModel(t *testing.T) *model.Model {
	t.Helper()
	cfg := model.Config{VocabSize: 16, BlockSize: 8, NLayer: 1, NHead: 2, NEmbd: 4}
	m, err := model.New(cfg, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("model.New: %v", err)
	}
	return m
}

func testTokens(n, vocab int) []int {
	tokens := make([]int, n)
	for i := range tokens {
		tokens[i] = i % vocab
	}
	return tokens
}

func TestEvaluateMultiSeed(t *testing.T) {
	m := testModel(t)
	tokens := testTokens(200, 16)
	ev := Evaluator{BatchSize: 2, Batches: 2}

	res, err := ev.Evaluate(m, "val", tokens, 5, 42)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(res.PerSeed) != 5 {
		t.Fatalf("expected 5 per-seed losses, got %d", len(res.PerSeed))
	}
	sum := 0.0
	for i, sl := range res.PerSeed {
		// Seeds are offsets from the base seed, one per evaluation.
		if sl.Seed != 42+int64(i)+1 {
			t.Fatalf("seed %d = %d, want %d", i, sl.Seed, 42+int64(i)+1)
		}
		if math.IsNaN(sl.Loss) || sl.Loss <= 0 {
			t.Fatalf("implausible loss for seed %d: %v", sl.Seed, sl.Loss)
		}
		sum += sl.Loss
	}
	if math.Abs(res.MeanLoss-sum/5) > 1e-12 {
		t.Fatalf("mean %v != average of per-seed losses %v", res.MeanLoss, sum/5)
	}
}

func TestEvaluateSingleSeedIsDeterministic(t *testing.T) {
	m := testModel(t)
	tokens := testTokens(200, 16)
	ev := Evaluator{BatchSize: 2, Batches: 2}

	a, err := ev.Evaluate(m, "val", tokens, 1, 7)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	b, err := ev.Evaluate(m, "val", tokens, 1, 7)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(a.PerSeed) != 1 || a.PerSeed[0].Seed != 7 {
		t.Fatalf("single-seed evaluation should use the base seed: %+v", a.PerSeed)
	}
	if a.MeanLoss != b.MeanLoss {
		t.Fatalf("same seed gave different losses: %v vs %v", a.MeanLoss, b.MeanLoss)
	}
}

func TestEvaluateRejectsShortSplit(t *testing.T) {
	m := testModel(t)
	_, err := Evaluator{}.Evaluate(m, "val", testTokens(5, 16), 3, 1)
	var ins *dataset.InsufficientDataError
	if !errors.As(err, &ins) {
		t.Fatalf("expected InsufficientDataError, got %v", err)
	}
	if ins.Split != "val" {
		t.Fatalf("error should name the split: %+v", ins)
	}
}

func TestSplitLossUsesCallerRNG(t *testing.T) {
	m := testModel(t)
	tokens := testTokens(200, 16)
	ev := Evaluator{BatchSize: 2, Batches: 1}

	a, err := ev.SplitLoss(m, "train", tokens, rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatalf("SplitLoss: %v", err)
	}
	b, err := ev.SplitLoss(m, "train", tokens, rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatalf("SplitLoss: %v", err)
	}
	if a != b {
		t.Fatalf("identical RNGs gave different losses: %v vs %v", a, b)
	}
}
