package train

import (
	"math"
	"testing"
)

func TestWarmupRampsLinearly(t *testing.T) {
	s := Schedule{Type: "cosine", BaseLR: 1.0, MinLR: 0.1, WarmupSteps: 10, DecaySteps: 100}
	prev := 0.0
	for step := 0; step < 10; step++ {
		lr := s.LR(step)
		if lr <= prev || lr > s.BaseLR {
			t.Fatalf("warmup not monotonically increasing: step %d lr %v (prev %v)", step, lr, prev)
		}
		prev = lr
	}
}

func TestCosineDecayEndpoints(t *testing.T) {
	s := Schedule{Type: "cosine", BaseLR: 1.0, MinLR: 0.1, WarmupSteps: 10, DecaySteps: 100}
	if lr := s.LR(10); math.Abs(lr-1.0) > 1e-9 {
		t.Fatalf("lr at end of warmup = %v, want base 1.0", lr)
	}
	if lr := s.LR(100); math.Abs(lr-0.1) > 1e-9 {
		t.Fatalf("lr at decay end = %v, want min 0.1", lr)
	}
	if lr := s.LR(500); lr != 0.1 {
		t.Fatalf("lr past decay = %v, want min 0.1", lr)
	}
	mid := s.LR(55)
	if mid <= 0.1 || mid >= 1.0 {
		t.Fatalf("mid-decay lr %v should be strictly between min and base", mid)
	}
}

func TestLinearDecay(t *testing.T) {
	s := Schedule{Type: "linear", BaseLR: 1.0, MinLR: 0.0, WarmupSteps: 0, DecaySteps: 100}
	if lr := s.LR(50); math.Abs(lr-0.5) > 0.02 {
		t.Fatalf("linear halfway lr = %v, want ~0.5", lr)
	}
	if lr := s.LR(200); lr != 0 {
		t.Fatalf("linear past decay = %v, want 0", lr)
	}
}

func TestStepDecay(t *testing.T) {
	s := Schedule{Type: "step", BaseLR: 1.0, MinLR: 0.001, WarmupSteps: 0, StepSize: 10, StepGamma: 0.5}
	if lr := s.LR(5); lr != 1.0 {
		t.Fatalf("lr before first decay = %v, want 1.0", lr)
	}
	if lr := s.LR(15); lr != 0.5 {
		t.Fatalf("lr after one decay = %v, want 0.5", lr)
	}
	if lr := s.LR(25); lr != 0.25 {
		t.Fatalf("lr after two decays = %v, want 0.25", lr)
	}
	if lr := s.LR(1000); lr != 0.001 {
		t.Fatalf("step decay must floor at min lr, got %v", lr)
	}
}

func TestPolynomialDecay(t *testing.T) {
	s := Schedule{Type: "polynomial", BaseLR: 1.0, MinLR: 0.0, WarmupSteps: 0, DecaySteps: 100, PolyPower: 2}
	if lr := s.LR(0); math.Abs(lr-1.0) > 1e-9 {
		t.Fatalf("lr at start = %v, want 1.0", lr)
	}
	if lr := s.LR(50); math.Abs(lr-0.25) > 1e-9 {
		t.Fatalf("quadratic halfway lr = %v, want 0.25", lr)
	}
	if lr := s.LR(150); lr != 0 {
		t.Fatalf("lr past decay = %v, want 0", lr)
	}
}

func TestConstantSchedules(t *testing.T) {
	for _, typ := range []string{"none", "constant_with_warmup", ""} {
		s := Schedule{Type: typ, BaseLR: 0.01, WarmupSteps: 5}
		if lr := s.LR(100); lr != 0.01 {
			t.Fatalf("%q schedule lr = %v, want base", typ, lr)
		}
	}
}

func TestBatchSeedIsPureAndDistinct(t *testing.T) {
	if batchSeed(42, 3, 0) != batchSeed(42, 3, 0) {
		t.Fatal("batchSeed must be deterministic")
	}
	seen := map[int64]bool{}
	for step := 0; step < 20; step++ {
		for micro := 0; micro < 4; micro++ {
			s := batchSeed(42, step, micro)
			if seen[s] {
				t.Fatalf("seed collision at step %d micro %d", step, micro)
			}
			seen[s] = true
		}
	}
}
