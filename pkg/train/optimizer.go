package train

import (
	"fmt"
	"math"

	"github.com/shadow01a/mini-nanoGPT/pkg/checkpoint"
	"github.com/shadow01a/mini-nanoGPT/pkg/model"
)

// adam holds Adam moments flattened in the model's fixed parameter order so
// they survive checkpointing exactly.
type adam struct {
	beta1, beta2, eps, weightDecay float64

	m, v  []float64
	steps int
}

func newAdam(numParams int, beta1, beta2, eps, weightDecay float64) *adam {
	return &adam{
		beta1:       beta1,
		beta2:       beta2,
		eps:         eps,
		weightDecay: weightDecay,
		m:           make([]float64, numParams),
		v:           make([]float64, numParams),
	}
}

// step applies one Adam update given the already-reduced gradient vector.
func (a *adam) step(params []*model.Value, grads []float64, lr float64) {
	a.steps++
	bias1 := 1 - math.Pow(a.beta1, float64(a.steps))
	bias2 := 1 - math.Pow(a.beta2, float64(a.steps))
	for i, p := range params {
		g := grads[i] + a.weightDecay*p.Data
		a.m[i] = a.beta1*a.m[i] + (1-a.beta1)*g
		a.v[i] = a.beta2*a.v[i] + (1-a.beta2)*g*g
		mHat := a.m[i] / bias1
		vHat := a.v[i] / bias2
		p.Data -= lr * mHat / (math.Sqrt(vHat) + a.eps)
	}
}

// export reshapes the flat moment slices into the model's named-matrix
// layout for persistence.
func (a *adam) export(m *model.Model) *checkpoint.OptimizerState {
	return &checkpoint.OptimizerState{
		M:    unflatten(m, a.m),
		V:    unflatten(m, a.v),
		Step: a.steps,
	}
}

// restore loads persisted moments back into flat slices.
func (a *adam) restore(m *model.Model, st *checkpoint.OptimizerState) error {
	flatM, err := flatten(m, st.M)
	if err != nil {
		return fmt.Errorf("train: restore optimizer momentum: %w", err)
	}
	flatV, err := flatten(m, st.V)
	if err != nil {
		return fmt.Errorf("train: restore optimizer variance: %w", err)
	}
	a.m = flatM
	a.v = flatV
	a.steps = st.Step
	return nil
}

func unflatten(m *model.Model, flat []float64) checkpoint.WeightMap {
	out := make(checkpoint.WeightMap)
	idx := 0
	for _, name := range m.ParamNames() {
		mat := m.Matrix(name)
		rows := make([][]float64, len(mat))
		for i, row := range mat {
			r := make([]float64, len(row))
			copy(r, flat[idx:idx+len(row)])
			idx += len(row)
			rows[i] = r
		}
		out[name] = rows
	}
	return out
}

func flatten(m *model.Model, wm checkpoint.WeightMap) ([]float64, error) {
	flat := make([]float64, 0, m.NumParams())
	for _, name := range m.ParamNames() {
		mat, ok := wm[name]
		if !ok {
			return nil, fmt.Errorf("missing state for %q", name)
		}
		want := m.Matrix(name)
		if len(mat) != len(want) {
			return nil, fmt.Errorf("state for %q has %d rows, expected %d", name, len(mat), len(want))
		}
		for i, row := range mat {
			if len(row) != len(want[i]) {
				return nil, fmt.Errorf("state for %q row %d has wrong width", name, i)
			}
			flat = append(flat, row...)
		}
	}
	return flat, nil
}
