// Package train owns the training loop: batch sampling, the
// forward/backward/update step, periodic evaluation, checkpoint writes and
// progress event emission. The loop runs wherever the caller puts it
// (usually a dedicated goroutine); it never blocks on the progress channel
// and observes cancellation only at step boundaries.
package train

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/shadow01a/mini-nanoGPT/pkg/checkpoint"
	"github.com/shadow01a/mini-nanoGPT/pkg/config"
	"github.com/shadow01a/mini-nanoGPT/pkg/dataset"
	"github.com/shadow01a/mini-nanoGPT/pkg/eval"
	"github.com/shadow01a/mini-nanoGPT/pkg/events"
	"github.com/shadow01a/mini-nanoGPT/pkg/model"
)

// State is the orchestrator lifecycle.
type State int32

const (
	StateIdle State = iota
	StatePreparing
	StateRunning
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StatePreparing:
		return "PREPARING"
	case StateRunning:
		return "RUNNING"
	case StateCompleted:
		return "COMPLETED"
	case StateFailed:
		return "FAILED"
	case StateCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// noValLoss is the best-val sentinel used before any validation pass has
// run, matching the original trainer's convention.
const noValLoss = 1e9

// Orchestrator drives a single training run. The live model and optimizer
// state are exclusively owned by Run's goroutine; nothing else may touch
// them while the run is in flight.
type Orchestrator struct {
	cfg   config.Config
	ds    *dataset.Dataset
	store *checkpoint.Store
	bus   *events.Bus

	state atomic.Int32
	step  atomic.Int64

	m       *model.Model
	opt     *adam
	group   *workerGroup
	sched   Schedule
	ev      eval.Evaluator
	bestVal float64
	history *checkpoint.History
}

func New(cfg config.Config, ds *dataset.Dataset, store *checkpoint.Store, bus *events.Bus) *Orchestrator {
	return &Orchestrator{
		cfg:   cfg,
		ds:    ds,
		store: store,
		bus:   bus,
	}
}

// State can be read from any goroutine.
func (o *Orchestrator) State() State { return State(o.state.Load()) }

func (o *Orchestrator) setState(s State) { o.state.Store(int32(s)) }

// Step reports the number of completed optimization steps. Like State it
// can be read from any goroutine while Run is in flight.
func (o *Orchestrator) Step() int { return int(o.step.Load()) }

// Run executes the full lifecycle:
// IDLE -> PREPARING -> RUNNING -> COMPLETED | FAILED | CANCELLED.
// Cancellation is cooperative: ctx is checked once per step boundary, an
// in-flight update always completes, and a final checkpoint of the last
// completed step is written before the transition to CANCELLED.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.setState(StatePreparing)
	if err := o.prepare(); err != nil {
		o.fail(err)
		return err
	}

	o.setState(StateRunning)
	start := time.Now()
	startStep := o.Step()

	trainTokens, _ := o.ds.Split("train")
	var valTokens []int
	if o.ds.HasValidation() {
		valTokens, _ = o.ds.Split("val")
	}
	params := o.m.Params()
	accum := o.cfg.GradAccumSteps

	for o.Step() < o.cfg.MaxSteps {
		if ctx.Err() != nil {
			return o.cancel()
		}

		grads := make([]float64, len(params))
		trainLoss := 0.0
		for micro := 0; micro < accum; micro++ {
			rng := rand.New(rand.NewSource(batchSeed(o.cfg.Seed, o.Step(), micro)))
			xs, ys, err := dataset.Batch(rng, "train", trainTokens, o.cfg.BatchSize, o.cfg.BlockSize)
			if err != nil {
				o.fail(err)
				return err
			}
			g, loss, err := o.group.gradients(xs, ys)
			if err != nil {
				var ierr *NumericalInstabilityError
				if errors.As(err, &ierr) {
					ierr.Step = o.Step()
				}
				o.fail(err)
				return err
			}
			if math.IsNaN(loss) || math.IsInf(loss, 0) {
				ierr := &NumericalInstabilityError{Step: o.Step(), Loss: loss}
				o.fail(ierr)
				return ierr
			}
			for i := range grads {
				grads[i] += g[i] / float64(accum)
			}
			trainLoss += loss / float64(accum)
		}

		lr := o.sched.LR(o.Step())
		o.opt.step(params, grads, lr)
		o.step.Add(1)

		elapsed := time.Since(start)
		eta := etaFor(elapsed, o.Step()-startStep, o.cfg.MaxSteps-o.Step())

		if o.cfg.LogInterval > 0 && (o.Step()%o.cfg.LogInterval == 0 || o.Step() == o.cfg.MaxSteps) {
			o.bus.Publish(events.ProgressEvent{
				Phase:     events.PhaseTrain,
				Step:      o.Step(),
				Total:     o.cfg.MaxSteps,
				TrainLoss: events.F(trainLoss),
				LR:        lr,
				Elapsed:   elapsed,
				ETA:       eta,
			})
		}

		if o.cfg.EvalInterval > 0 && o.Step()%o.cfg.EvalInterval == 0 {
			if err := o.evaluate(trainTokens, valTokens, elapsed, eta); err != nil {
				o.fail(err)
				return err
			}
		}

		if o.cfg.SaveInterval > 0 && o.Step()%o.cfg.SaveInterval == 0 {
			ck := o.snapshot()
			if err := o.store.SaveStep(ck); err != nil {
				o.fail(err)
				return err
			}
			if err := o.store.Save(ck); err != nil {
				o.fail(err)
				return err
			}
		}
	}

	if err := o.persist(); err != nil {
		o.fail(err)
		return err
	}
	o.setState(StateCompleted)
	o.bus.Publish(events.ProgressEvent{
		Phase:      events.PhaseTrain,
		Step:       o.Step(),
		Total:      o.cfg.MaxSteps,
		Elapsed:    time.Since(start),
		Terminal:   true,
		Checkpoint: o.store.Path(),
		Message:    "training complete",
	})
	return nil
}

// prepare validates dataset sufficiency eagerly and resolves the
// initialization mode.
func (o *Orchestrator) prepare() error {
	if err := o.cfg.Validate(); err != nil {
		return err
	}

	trainTokens, err := o.ds.Split("train")
	if err != nil {
		return err
	}
	if err := dataset.EnsureWindow("train", trainTokens, o.cfg.BlockSize); err != nil {
		return err
	}
	if o.ds.HasValidation() {
		valTokens, _ := o.ds.Split("val")
		if err := dataset.EnsureWindow("val", valTokens, o.cfg.BlockSize); err != nil {
			return err
		}
	}

	arch := model.Config{
		VocabSize: o.ds.Manifest.VocabSize,
		BlockSize: o.cfg.BlockSize,
		NLayer:    o.cfg.NLayer,
		NHead:     o.cfg.NHead,
		NEmbd:     o.cfg.NEmbd,
	}
	if err := arch.Validate(); err != nil {
		return err
	}

	o.bestVal = noValLoss
	o.history = &checkpoint.History{}

	switch o.cfg.InitMode {
	case config.InitFresh:
		rng := rand.New(rand.NewSource(o.cfg.Seed))
		m, err := model.New(arch, rng)
		if err != nil {
			return err
		}
		o.m = m
		o.opt = newAdam(m.NumParams(), o.cfg.Beta1, o.cfg.Beta2, o.cfg.AdamEps, o.cfg.WeightDecay)

	case config.InitResume:
		ck, err := o.store.LoadResume(arch)
		if err != nil {
			return err
		}
		m, err := model.FromWeights(arch, ck.Weights)
		if err != nil {
			return err
		}
		o.m = m
		o.opt = newAdam(m.NumParams(), o.cfg.Beta1, o.cfg.Beta2, o.cfg.AdamEps, o.cfg.WeightDecay)
		if ck.Optimizer != nil {
			if err := o.opt.restore(m, ck.Optimizer); err != nil {
				return err
			}
		}
		o.step.Store(int64(ck.Step))
		if ck.BestValLoss > 0 {
			o.bestVal = ck.BestValLoss
		}
		if h, err := o.store.LoadHistory(); err == nil {
			o.history = h
		}

	case config.InitPretrained:
		pre := checkpoint.NewStore(o.cfg.PretrainedDir)
		ck, err := pre.LoadPretrained(arch)
		if err != nil {
			return err
		}
		m, err := model.FromWeights(arch, ck.Weights)
		if err != nil {
			return err
		}
		o.m = m
		o.opt = newAdam(m.NumParams(), o.cfg.Beta1, o.cfg.Beta2, o.cfg.AdamEps, o.cfg.WeightDecay)
	}

	o.group = newWorkerGroup(o.m, o.cfg.WorldSize)
	o.sched = Schedule{
		Type:        o.cfg.LRSchedule,
		BaseLR:      o.cfg.LearningRate,
		MinLR:       o.cfg.MinLR,
		WarmupSteps: o.cfg.WarmupSteps,
		DecaySteps:  o.cfg.DecaySteps,
		StepSize:    o.cfg.StepSize,
		StepGamma:   o.cfg.StepGamma,
		PolyPower:   o.cfg.PolyPower,
	}
	o.ev = eval.Evaluator{BatchSize: o.cfg.BatchSize, Batches: o.cfg.EvalBatches}
	return nil
}

// evaluate runs the periodic train/val loss measurement, updates the loss
// history and keeps the best-validation checkpoint.
func (o *Orchestrator) evaluate(trainTokens, valTokens []int, elapsed, eta time.Duration) error {
	rng := rand.New(rand.NewSource(batchSeed(o.cfg.Seed, o.Step(), -1)))
	trainLoss, err := o.ev.SplitLoss(o.m, "train", trainTokens, rng)
	if err != nil {
		return err
	}
	ev := events.ProgressEvent{
		Phase:     events.PhaseEval,
		Step:      o.Step(),
		Total:     o.cfg.MaxSteps,
		TrainLoss: events.F(trainLoss),
		Elapsed:   elapsed,
		ETA:       eta,
	}
	o.history.TrainSteps = append(o.history.TrainSteps, o.Step())
	o.history.TrainLosses = append(o.history.TrainLosses, trainLoss)

	if valTokens != nil {
		valLoss, err := o.ev.SplitLoss(o.m, "val", valTokens, rng)
		if err != nil {
			return err
		}
		ev.ValLoss = events.F(valLoss)
		o.history.ValSteps = append(o.history.ValSteps, o.Step())
		o.history.ValLosses = append(o.history.ValLosses, valLoss)

		if valLoss < o.bestVal {
			o.bestVal = valLoss
			if err := o.store.SaveBest(o.snapshot()); err != nil {
				return err
			}
			ev.Checkpoint = o.store.BestPath()
		}
	}

	// The latest checkpoint advances at every evaluation point, so the
	// best and most recent artifacts are both always on disk.
	if err := o.store.Save(o.snapshot()); err != nil {
		return err
	}
	if err := o.store.SaveHistory(o.history); err != nil {
		return err
	}
	o.bus.Publish(ev)
	return nil
}

// cancel writes the final checkpoint of the last completed step and
// transitions to CANCELLED.
func (o *Orchestrator) cancel() error {
	cerr := &CancellationError{Step: o.Step()}
	if err := o.persist(); err != nil {
		o.fail(err)
		return err
	}
	o.setState(StateCancelled)
	o.bus.Publish(events.ProgressEvent{
		Phase:      events.PhaseTrain,
		Step:       o.Step(),
		Total:      o.cfg.MaxSteps,
		Terminal:   true,
		Err:        cerr.Error(),
		Checkpoint: o.store.Path(),
		Message:    "training stopped, checkpoint saved",
	})
	return cerr
}

// fail emits a terminal error event carrying the last valid checkpoint
// reference. The on-disk checkpoint is left intact.
func (o *Orchestrator) fail(err error) {
	o.setState(StateFailed)
	ev := events.ProgressEvent{
		Phase:    events.PhaseTrain,
		Step:     o.Step(),
		Total:    o.cfg.MaxSteps,
		Terminal: true,
		Err:      err.Error(),
	}
	if o.store.Exists() {
		ev.Checkpoint = o.store.Path()
	}
	o.bus.Publish(ev)
}

// persist writes the latest checkpoint and loss history.
func (o *Orchestrator) persist() error {
	if err := o.store.Save(o.snapshot()); err != nil {
		return err
	}
	return o.store.SaveHistory(o.history)
}

// snapshot captures the current training state as a checkpoint.
func (o *Orchestrator) snapshot() *checkpoint.Checkpoint {
	return &checkpoint.Checkpoint{
		Config: checkpoint.TrainingConfig{
			Config:         o.m.Config(),
			BatchSize:      o.cfg.BatchSize,
			LearningRate:   o.cfg.LearningRate,
			MaxSteps:       o.cfg.MaxSteps,
			EvalInterval:   o.cfg.EvalInterval,
			LogInterval:    o.cfg.LogInterval,
			SaveInterval:   o.cfg.SaveInterval,
			GradAccumSteps: o.cfg.GradAccumSteps,
			Seed:           o.cfg.Seed,
			WorldSize:      o.cfg.WorldSize,
			LRSchedule:     o.cfg.LRSchedule,
			WarmupSteps:    o.cfg.WarmupSteps,
			DecaySteps:     o.cfg.DecaySteps,
			MinLR:          o.cfg.MinLR,
			StepSize:       o.cfg.StepSize,
			StepGamma:      o.cfg.StepGamma,
			PolyPower:      o.cfg.PolyPower,
		},
		Tokenizer:   o.ds.Manifest.Tokenizer,
		Weights:     o.m.Weights(),
		Optimizer:   o.opt.export(o.m),
		Step:        o.Step(),
		BestValLoss: o.bestVal,
	}
}

// batchSeed derives the sampling RNG for a (step, micro-batch) pair from
// the run seed, so a resumed run replays the exact batch sequence an
// uninterrupted run would have seen.
func batchSeed(seed int64, step, micro int) int64 {
	return seed + int64(step)*1_000_003 + int64(micro+1)*7_919
}

func etaFor(elapsed time.Duration, done, remaining int) time.Duration {
	if done <= 0 || remaining <= 0 {
		return 0
	}
	perStep := elapsed / time.Duration(done)
	return perStep * time.Duration(remaining)
}
