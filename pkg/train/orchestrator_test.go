package train

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/shadow01a/mini-nanoGPT/pkg/checkpoint"
	"github.com/shadow01a/mini-nanoGPT/pkg/config"
	"github.com/shadow01a/mini-nanoGPT/pkg/dataset"
	"github.com/shadow01a/mini-nanoGPT/pkg/events"
	"github.com/shadow01a/mini-nanoGPT/pkg/tokenizer"
)

const testCorpus = "the quick brown fox jumps over the lazy dog. " +
	"pack my box with five dozen liquor jugs. " +
	"how vexingly quick daft zebras jump. " +
	"sphinx of black quartz, judge my vow. "

func testTrainConfig(out string) config.Config {
	cfg := config.Default()
	cfg.BlockSize = 8
	cfg.NLayer = 1
	cfg.NHead = 2
	cfg.NEmbd = 4
	cfg.BatchSize = 2
	cfg.MaxSteps = 4
	cfg.EvalInterval = 2
	cfg.LogInterval = 1
	cfg.SaveInterval = 0
	cfg.EvalBatches = 1
	cfg.WarmupSteps = 1
	cfg.DecaySteps = 4
	cfg.OutDir = out
	return cfg
}

func buildTrainDataset(t *testing.T) *dataset.Dataset {
	t.Helper()
	ds, err := dataset.Build(strings.Repeat(testCorpus, 4), dataset.BuildOptions{
		TokenizerKind:      tokenizer.KindChar,
		UseValidationSplit: true,
		ValidationFraction: 0.1,
		OutDir:             t.TempDir(),
	})
	if err != nil {
		t.Fatalf("dataset.Build: %v", err)
	}
	return ds
}

func runToCompletion(t *testing.T, cfg config.Config, ds *dataset.Dataset) (*Orchestrator, *checkpoint.Store, []events.ProgressEvent) {
	t.Helper()
	store := checkpoint.NewStore(cfg.OutDir)
	bus := events.NewBus(1024)
	orch := New(cfg, ds, store, bus)
	if err := orch.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	bus.Close()
	var evs []events.ProgressEvent
	for ev := range bus.Events() {
		evs = append(evs, ev)
	}
	return orch, store, evs
}

func TestRunCompletesAndCheckpoints(t *testing.T) {
	ds := buildTrainDataset(t)
	cfg := testTrainConfig(t.TempDir())
	orch, store, evs := runToCompletion(t, cfg, ds)

	if orch.State() != StateCompleted {
		t.Fatalf("state = %s, want COMPLETED", orch.State())
	}
	if orch.Step() != cfg.MaxSteps {
		t.Fatalf("completed at step %d, want %d", orch.Step(), cfg.MaxSteps)
	}

	ck, err := store.Load()
	if err != nil {
		t.Fatalf("Load final checkpoint: %v", err)
	}
	if ck.Step != cfg.MaxSteps {
		t.Fatalf("checkpoint step %d, want %d", ck.Step, cfg.MaxSteps)
	}
	if ck.Optimizer == nil || ck.Optimizer.Step != cfg.MaxSteps {
		t.Fatal("checkpoint must carry optimizer state for resume")
	}
	if ck.Tokenizer.Kind != tokenizer.KindChar {
		t.Fatal("checkpoint must embed the tokenizer spec")
	}

	if len(evs) == 0 {
		t.Fatal("no progress events published")
	}
	last := evs[len(evs)-1]
	if !last.Terminal || last.Err != "" || last.Checkpoint == "" {
		t.Fatalf("final event should be a clean terminal with checkpoint path: %+v", last)
	}
	prev := -1
	for _, ev := range evs {
		if ev.Step < prev {
			t.Fatalf("event steps regressed: %d after %d", ev.Step, prev)
		}
		prev = ev.Step
		if ev.Phase == events.PhaseTrain && !ev.Terminal && ev.TrainLoss == nil {
			t.Fatalf("train event without loss: %+v", ev)
		}
	}

	// Periodic evaluation ran and was persisted.
	h, err := store.LoadHistory()
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(h.TrainSteps) != 2 || len(h.ValSteps) != 2 {
		t.Fatalf("expected 2 eval points, got %d/%d", len(h.TrainSteps), len(h.ValSteps))
	}
}

func TestResumeMatchesUninterruptedRun(t *testing.T) {
	ds := buildTrainDataset(t)

	// Reference: 8 uninterrupted steps.
	full := testTrainConfig(t.TempDir())
	full.MaxSteps = 8
	_, fullStore, _ := runToCompletion(t, full, ds)
	want, err := fullStore.Load()
	if err != nil {
		t.Fatalf("load reference: %v", err)
	}

	// Interrupted: 4 steps, then resume to 8 in the same directory.
	dir := t.TempDir()
	first := testTrainConfig(dir)
	first.MaxSteps = 4
	runToCompletion(t, first, ds)

	second := testTrainConfig(dir)
	second.MaxSteps = 8
	second.InitMode = config.InitResume
	orch, store, _ := runToCompletion(t, second, ds)
	if orch.Step() != 8 {
		t.Fatalf("resumed run finished at step %d, want 8", orch.Step())
	}
	got, err := store.Load()
	if err != nil {
		t.Fatalf("load resumed: %v", err)
	}

	if got.Step != want.Step {
		t.Fatalf("step %d != %d", got.Step, want.Step)
	}
	for name, mat := range want.Weights {
		for i, row := range mat {
			for j, v := range row {
				if math.Abs(got.Weights[name][i][j]-v) > 1e-12 {
					t.Fatalf("%s[%d][%d]: resumed %v != uninterrupted %v",
						name, i, j, got.Weights[name][i][j], v)
				}
			}
		}
	}
}

func TestResumeRejectsArchChange(t *testing.T) {
	ds := buildTrainDataset(t)
	dir := t.TempDir()
	cfg := testTrainConfig(dir)
	runToCompletion(t, cfg, ds)

	changed := cfg
	changed.NEmbd = 8
	changed.InitMode = config.InitResume
	orch := New(changed, ds, checkpoint.NewStore(dir), events.NewBus(16))
	err := orch.Run(context.Background())
	var mismatch *checkpoint.ConfigMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected ConfigMismatchError, got %v", err)
	}
	if orch.State() != StateFailed {
		t.Fatalf("state = %s, want FAILED", orch.State())
	}
}

func TestPretrainedInitStartsAtStepZero(t *testing.T) {
	ds := buildTrainDataset(t)
	preDir := t.TempDir()
	pre := testTrainConfig(preDir)
	runToCompletion(t, pre, ds)

	cfg := testTrainConfig(t.TempDir())
	cfg.MaxSteps = 2
	cfg.InitMode = config.InitPretrained
	cfg.PretrainedDir = preDir
	orch, store, _ := runToCompletion(t, cfg, ds)
	if orch.Step() != 2 {
		t.Fatalf("pretrained run finished at step %d, want 2", orch.Step())
	}
	ck, _ := store.Load()
	if ck.Optimizer.Step != 2 {
		t.Fatalf("optimizer restarted from fresh moments, expected 2 updates, got %d", ck.Optimizer.Step)
	}
}

func TestCancellationWritesFinalCheckpoint(t *testing.T) {
	ds := buildTrainDataset(t)
	cfg := testTrainConfig(t.TempDir())
	cfg.MaxSteps = 500
	store := checkpoint.NewStore(cfg.OutDir)
	bus := events.NewBus(1024)
	orch := New(cfg, ds, store, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- orch.Run(ctx)
		bus.Close()
	}()

	// Stop after the first observed step.
	for ev := range bus.Events() {
		if ev.Step >= 1 {
			cancel()
			break
		}
	}

	var err error
	select {
	case err = <-done:
	case <-time.After(2 * time.Minute):
		t.Fatal("run did not stop after cancellation")
	}
	var cancelled *CancellationError
	if !errors.As(err, &cancelled) {
		t.Fatalf("expected CancellationError, got %v", err)
	}
	if orch.State() != StateCancelled {
		t.Fatalf("state = %s, want CANCELLED", orch.State())
	}

	ck, loadErr := store.Load()
	if loadErr != nil {
		t.Fatalf("cancelled run must leave a loadable checkpoint: %v", loadErr)
	}
	if ck.Step != cancelled.Step {
		t.Fatalf("checkpoint step %d != cancellation step %d", ck.Step, cancelled.Step)
	}
	if ck.Step < 1 || ck.Step >= cfg.MaxSteps {
		t.Fatalf("cancellation step %d out of expected range", ck.Step)
	}
}

// Step is read from other goroutines (the TUI polls it) while Run mutates
// it, so the counter must be race-free under the race detector.
func TestStepReadableWhileRunning(t *testing.T) {
	ds := buildTrainDataset(t)
	cfg := testTrainConfig(t.TempDir())
	cfg.MaxSteps = 500
	store := checkpoint.NewStore(cfg.OutDir)
	bus := events.NewBus(1024)
	orch := New(cfg, ds, store, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- orch.Run(ctx)
		bus.Close()
	}()
	go func() {
		for ev := range bus.Events() {
			_ = ev
		}
	}()

	deadline := time.Now().Add(2 * time.Minute)
	for orch.Step() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("step counter never advanced")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Minute):
		t.Fatal("run did not stop after cancellation")
	}
	if got := orch.Step(); got < 2 {
		t.Fatalf("final step %d, want >= 2", got)
	}
}

func TestInsufficientDataFailsAtTrainingStart(t *testing.T) {
	ds, err := dataset.Build("tiny", dataset.BuildOptions{
		TokenizerKind:      tokenizer.KindChar,
		UseValidationSplit: false,
		OutDir:             t.TempDir(),
	})
	if err != nil {
		t.Fatalf("dataset.Build: %v", err)
	}

	cfg := testTrainConfig(t.TempDir())
	cfg.BlockSize = 8 // 4 tokens cannot produce an 8+1 window
	orch := New(cfg, ds, checkpoint.NewStore(cfg.OutDir), events.NewBus(16))
	runErr := orch.Run(context.Background())
	var ins *dataset.InsufficientDataError
	if !errors.As(runErr, &ins) {
		t.Fatalf("expected InsufficientDataError, got %v", runErr)
	}
	if ins.Required != 9 || ins.Actual != 4 {
		t.Fatalf("unexpected detail: %+v", ins)
	}
	if orch.State() != StateFailed {
		t.Fatalf("state = %s, want FAILED", orch.State())
	}
}

func TestWorldSizeTwoMatchesSingleWorker(t *testing.T) {
	ds := buildTrainDataset(t)

	single := testTrainConfig(t.TempDir())
	single.MaxSteps = 3
	single.GradAccumSteps = 2
	_, singleStore, _ := runToCompletion(t, single, ds)
	want, _ := singleStore.Load()

	multi := testTrainConfig(t.TempDir())
	multi.MaxSteps = 3
	multi.GradAccumSteps = 2
	multi.WorldSize = 2
	_, multiStore, _ := runToCompletion(t, multi, ds)
	got, _ := multiStore.Load()

	// Sharding only changes summation order, so the averaged gradients
	// agree up to floating point noise.
	for name, mat := range want.Weights {
		for i, row := range mat {
			for j, v := range row {
				if math.Abs(got.Weights[name][i][j]-v) > 1e-9 {
					t.Fatalf("%s[%d][%d]: world=2 %v != world=1 %v",
						name, i, j, got.Weights[name][i][j], v)
				}
			}
		}
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateIdle:      "IDLE",
		StatePreparing: "PREPARING",
		StateRunning:   "RUNNING",
		StateCompleted: "COMPLETED",
		StateFailed:    "FAILED",
		StateCancelled: "CANCELLED",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Errorf("State(%d).String() = %s, want %s", s, s.String(), want)
		}
	}
}
