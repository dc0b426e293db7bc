package train

import (
	"fmt"
	"math"
	"sync"

	"github.com/shadow01a/mini-nanoGPT/pkg/model"
)

// workerGroup is the data-parallel worker abstraction. Each worker owns a
// full model replica; a step hands every worker a disjoint shard of the
// batch, gradients are averaged at the reduction barrier, and only the
// orchestrator (the group's single caller) updates weights and performs
// checkpoint/event writes.
type workerGroup struct {
	master   *model.Model
	replicas []*model.Model
}

func newWorkerGroup(master *model.Model, size int) *workerGroup {
	replicas := make([]*model.Model, size)
	replicas[0] = master
	for i := 1; i < size; i++ {
		replicas[i] = master.Clone()
	}
	return &workerGroup{master: master, replicas: replicas}
}

func (g *workerGroup) size() int { return len(g.replicas) }

// sync pushes the master's current weights into every replica. A no-op for
// world size 1.
func (g *workerGroup) sync() {
	if len(g.replicas) == 1 {
		return
	}
	weights := g.master.Weights()
	for i := 1; i < len(g.replicas); i++ {
		// Shapes always match: replicas are clones of the master.
		_ = g.replicas[i].SetWeights(weights)
	}
}

// gradients computes the batch-averaged gradient vector and mean loss for
// one micro-batch. Window i goes to worker i%size, so shards are disjoint
// and cover the batch. The returned gradient is aligned with
// master.Params().
func (g *workerGroup) gradients(xs, ys [][]int) ([]float64, float64, error) {
	g.sync()

	size := len(g.replicas)
	losses := make([]float64, size)
	counts := make([]int, size)
	errs := make([]error, size)

	var wg sync.WaitGroup
	for w := 0; w < size; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			replica := g.replicas[w]
			replica.ZeroGrad()
			for i := w; i < len(xs); i += size {
				loss, err := replica.WindowLoss(xs[i], ys[i])
				if err != nil {
					errs[w] = err
					return
				}
				if math.IsNaN(loss.Data) || math.IsInf(loss.Data, 0) {
					errs[w] = &NumericalInstabilityError{Loss: loss.Data}
					return
				}
				model.Backward(loss)
				losses[w] += loss.Data
				counts[w]++
			}
		}(w)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, 0, err
		}
	}

	// Reduction barrier: average the per-replica gradient sums over the
	// whole batch.
	total := 0
	lossSum := 0.0
	for w := 0; w < size; w++ {
		total += counts[w]
		lossSum += losses[w]
	}
	if total == 0 {
		return nil, 0, fmt.Errorf("train: empty batch")
	}

	grads := make([]float64, g.master.NumParams())
	for w := 0; w < size; w++ {
		params := g.replicas[w].Params()
		for i, p := range params {
			grads[i] += p.Grad
		}
	}
	inv := 1 / float64(total)
	for i := range grads {
		grads[i] *= inv
	}
	return grads, lossSum * inv, nil
}
