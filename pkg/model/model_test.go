package model

import (
	"math"
	"math/rand"
	"testing"
)

func testConfig() Config {
	return Config{VocabSize: 12, BlockSize: 8, NLayer: 2, NHead: 2, NEmbd: 8}
}

func newTestModel(t *testing.T, seed int64) *Model {
	t.Helper()
	m, err := New(testConfig(), rand.New(rand.NewSource(seed)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestConfigValidate(t *testing.T) {
	bad := []Config{
		{VocabSize: 0, BlockSize: 8, NLayer: 1, NHead: 2, NEmbd: 8},
		{VocabSize: 10, BlockSize: 1, NLayer: 1, NHead: 2, NEmbd: 8},
		{VocabSize: 10, BlockSize: 8, NLayer: 0, NHead: 2, NEmbd: 8},
		{VocabSize: 10, BlockSize: 8, NLayer: 1, NHead: 3, NEmbd: 8}, // 8 % 3 != 0
	}
	for i, cfg := range bad {
		if err := cfg.Validate(); err == nil {
			t.Errorf("case %d: expected validation error for %+v", i, cfg)
		}
	}
	if err := testConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestSameSeedSameInit(t *testing.T) {
	a := newTestModel(t, 42)
	b := newTestModel(t, 42)
	aw, bw := a.Weights(), b.Weights()
	for name, mat := range aw {
		for i, row := range mat {
			for j, v := range row {
				if bw[name][i][j] != v {
					t.Fatalf("%s[%d][%d] differs across identical seeds", name, i, j)
				}
			}
		}
	}
}

func TestForwardLogitsShape(t *testing.T) {
	m := newTestModel(t, 1)
	cache := NewKVCache(testConfig().NLayer)
	logits := m.Forward(0, 0, cache)
	if len(logits) != testConfig().VocabSize {
		t.Fatalf("expected %d logits, got %d", testConfig().VocabSize, len(logits))
	}
	if cache.Len() != 1 {
		t.Fatalf("cache should hold 1 position, got %d", cache.Len())
	}
	m.Forward(1, 1, cache)
	if cache.Len() != 2 {
		t.Fatalf("cache should hold 2 positions, got %d", cache.Len())
	}
}

func TestWindowLossFiniteAndNearUniform(t *testing.T) {
	m := newTestModel(t, 7)
	x := []int{0, 1, 2, 3}
	y := []int{1, 2, 3, 4}
	loss, err := m.WindowLoss(x, y)
	if err != nil {
		t.Fatalf("WindowLoss: %v", err)
	}
	if math.IsNaN(loss.Data) || math.IsInf(loss.Data, 0) {
		t.Fatalf("non-finite loss %v", loss.Data)
	}
	// Freshly initialized small weights give near-uniform predictions, so
	// the loss should sit near ln(vocab).
	uniform := math.Log(float64(testConfig().VocabSize))
	if math.Abs(loss.Data-uniform) > 1.0 {
		t.Fatalf("initial loss %.4f too far from ln(vocab)=%.4f", loss.Data, uniform)
	}
}

func TestWindowLossRejectsBadWindows(t *testing.T) {
	m := newTestModel(t, 7)
	if _, err := m.WindowLoss(nil, nil); err == nil {
		t.Fatal("expected error for empty window")
	}
	if _, err := m.WindowLoss([]int{0, 1}, []int{1}); err == nil {
		t.Fatal("expected error for mismatched lengths")
	}
	long := make([]int, testConfig().BlockSize+1)
	if _, err := m.WindowLoss(long, long); err == nil {
		t.Fatal("expected error for window exceeding block size")
	}
}

func TestBackwardPopulatesGradients(t *testing.T) {
	m := newTestModel(t, 3)
	loss, err := m.WindowLoss([]int{0, 1, 2}, []int{1, 2, 3})
	if err != nil {
		t.Fatalf("WindowLoss: %v", err)
	}
	Backward(loss)

	nonZero := 0
	for _, p := range m.Params() {
		if p.Grad != 0 {
			nonZero++
		}
	}
	if nonZero == 0 {
		t.Fatal("backward produced no gradients")
	}

	m.ZeroGrad()
	for _, p := range m.Params() {
		if p.Grad != 0 {
			t.Fatal("ZeroGrad left gradients behind")
		}
	}
}

func TestBackwardNumericalGradient(t *testing.T) {
	// f(a, b) = (a*b + a)^2 has df/da = 2(a*b + a)(b + 1).
	a, b := V(1.5), V(-0.7)
	f := Pow(Add(Mul(a, b), a), 2)
	Backward(f)

	inner := 1.5*-0.7 + 1.5
	want := 2 * inner * (-0.7 + 1)
	if math.Abs(a.Grad-want) > 1e-9 {
		t.Fatalf("df/da = %v, want %v", a.Grad, want)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	m := newTestModel(t, 9)
	c := m.Clone()

	before := c.Weights()["wte"][0][0]
	m.Matrix("wte")[0][0].Data = 99

	if c.Matrix("wte")[0][0].Data != before {
		t.Fatal("clone shares storage with the original")
	}
	if c.NumParams() != m.NumParams() {
		t.Fatalf("clone has %d params, original %d", c.NumParams(), m.NumParams())
	}
}

func TestSetWeightsMatchesSource(t *testing.T) {
	a := newTestModel(t, 1)
	b := newTestModel(t, 2)
	if err := b.SetWeights(a.Weights()); err != nil {
		t.Fatalf("SetWeights: %v", err)
	}
	if b.Matrix("lm_head")[0][0].Data != a.Matrix("lm_head")[0][0].Data {
		t.Fatal("weights not copied")
	}
}

func TestParamsOrderIsStable(t *testing.T) {
	m := newTestModel(t, 4)
	names := m.ParamNames()
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Fatalf("parameter names not sorted: %q >= %q", names[i-1], names[i])
		}
	}
	p1 := m.Params()
	p2 := m.Params()
	if len(p1) != len(p2) || p1[0] != p2[0] || p1[len(p1)-1] != p2[len(p2)-1] {
		t.Fatal("Params order is not stable across calls")
	}
}

func TestFromWeightsRejectsWrongShape(t *testing.T) {
	m := newTestModel(t, 5)
	w := m.Weights()
	delete(w, "wte")
	if _, err := FromWeights(testConfig(), w); err == nil {
		t.Fatal("expected error for missing embedding matrix")
	}
}
