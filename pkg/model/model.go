package model

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

const initStd = 0.08

// Config is the architecture of a model. It is stored in every checkpoint;
// a checkpoint whose Config disagrees with the requested one cannot be
// resumed.
type Config struct {
	VocabSize int `json:"vocab_size"`
	BlockSize int `json:"block_size"`
	NLayer    int `json:"n_layer"`
	NHead     int `json:"n_head"`
	NEmbd     int `json:"n_embd"`
}

func (c Config) Validate() error {
	if c.NLayer < 1 || c.NEmbd < 1 || c.NHead < 1 {
		return fmt.Errorf("model: n_layer, n_embd and n_head must all be >= 1")
	}
	if c.BlockSize < 2 {
		return fmt.Errorf("model: block_size must be >= 2")
	}
	if c.NEmbd%c.NHead != 0 {
		return fmt.Errorf("model: n_embd (%d) must be divisible by n_head (%d)", c.NEmbd, c.NHead)
	}
	if c.VocabSize < 2 {
		return fmt.Errorf("model: vocab_size must be >= 2")
	}
	return nil
}

// Model owns the live weight matrices. A Model is exclusively owned by
// whoever created it; generation and evaluation work on independent copies
// loaded from a checkpoint, never on a model that is being trained.
type Model struct {
	cfg   Config
	state map[string][][]*Value
	names []string // sorted matrix names, fixing parameter order
}

// New initializes a fresh model with normal(0, initStd) weights drawn from
// rng.
func New(cfg Config, rng *rand.Rand) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	state := map[string][][]*Value{
		"wte":     matrix(rng, cfg.VocabSize, cfg.NEmbd),
		"wpe":     matrix(rng, cfg.BlockSize, cfg.NEmbd),
		"lm_head": matrix(rng, cfg.VocabSize, cfg.NEmbd),
	}
	for i := 0; i < cfg.NLayer; i++ {
		state[fmt.Sprintf("layer%d.attn_wq", i)] = matrix(rng, cfg.NEmbd, cfg.NEmbd)
		state[fmt.Sprintf("layer%d.attn_wk", i)] = matrix(rng, cfg.NEmbd, cfg.NEmbd)
		state[fmt.Sprintf("layer%d.attn_wv", i)] = matrix(rng, cfg.NEmbd, cfg.NEmbd)
		state[fmt.Sprintf("layer%d.attn_wo", i)] = matrix(rng, cfg.NEmbd, cfg.NEmbd)
		state[fmt.Sprintf("layer%d.mlp_fc1", i)] = matrix(rng, 4*cfg.NEmbd, cfg.NEmbd)
		state[fmt.Sprintf("layer%d.mlp_fc2", i)] = matrix(rng, cfg.NEmbd, 4*cfg.NEmbd)
	}
	return &Model{cfg: cfg, state: state, names: sortedNames(state)}, nil
}

// FromWeights reconstructs a model from exported weights.
func FromWeights(cfg Config, weights map[string][][]float64) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	state := make(map[string][][]*Value, len(weights))
	for name, mat := range weights {
		rows := make([][]*Value, len(mat))
		for i, row := range mat {
			r := make([]*Value, len(row))
			for j, v := range row {
				r[j] = V(v)
			}
			rows[i] = r
		}
		state[name] = rows
	}
	if _, ok := state["wte"]; !ok {
		return nil, fmt.Errorf("model: weights are missing the token embedding matrix")
	}
	if len(state["wte"]) != cfg.VocabSize {
		return nil, fmt.Errorf("model: token embedding has %d rows, vocab_size is %d", len(state["wte"]), cfg.VocabSize)
	}
	return &Model{cfg: cfg, state: state, names: sortedNames(state)}, nil
}

// Clone makes an independent copy sharing nothing with the receiver. Used
// for per-worker replicas in distributed training.
func (m *Model) Clone() *Model {
	clone, _ := FromWeights(m.cfg, m.Weights())
	return clone
}

func (m *Model) Config() Config { return m.cfg }

// Weights exports the raw weight data, suitable for checkpointing.
func (m *Model) Weights() map[string][][]float64 {
	out := make(map[string][][]float64, len(m.state))
	for name, mat := range m.state {
		rows := make([][]float64, len(mat))
		for i, row := range mat {
			r := make([]float64, len(row))
			for j, v := range row {
				r[j] = v.Data
			}
			rows[i] = r
		}
		out[name] = rows
	}
	return out
}

// SetWeights overwrites the live weight data in place, keeping graph node
// identities stable. Shapes must match.
func (m *Model) SetWeights(weights map[string][][]float64) error {
	for name, mat := range weights {
		dst, ok := m.state[name]
		if !ok || len(dst) != len(mat) {
			return fmt.Errorf("model: weight matrix %q shape mismatch", name)
		}
		for i, row := range mat {
			if len(dst[i]) != len(row) {
				return fmt.Errorf("model: weight matrix %q shape mismatch", name)
			}
			for j, v := range row {
				dst[i][j].Data = v
			}
		}
	}
	return nil
}

// ParamNames returns the matrix names in the fixed iteration order.
func (m *Model) ParamNames() []string { return m.names }

// Matrix returns a named weight matrix.
func (m *Model) Matrix(name string) [][]*Value { return m.state[name] }

// Params returns every scalar parameter, flattened in ParamNames order so
// the optimizer's moment slices always line up across save/restore.
func (m *Model) Params() []*Value {
	var params []*Value
	for _, name := range m.names {
		for _, row := range m.state[name] {
			params = append(params, row...)
		}
	}
	return params
}

func (m *Model) NumParams() int {
	n := 0
	for _, mat := range m.state {
		for _, row := range mat {
			n += len(row)
		}
	}
	return n
}

// KVCache holds per-layer attention keys and values for incremental
// decoding. A cache belongs to exactly one sequence.
type KVCache struct {
	keys   [][][]*Value
	values [][][]*Value
}

func NewKVCache(nLayer int) *KVCache {
	return &KVCache{
		keys:   make([][][]*Value, nLayer),
		values: make([][][]*Value, nLayer),
	}
}

// Len is the number of positions already processed.
func (c *KVCache) Len() int {
	if len(c.keys) == 0 {
		return 0
	}
	return len(c.keys[0])
}

// Forward runs one token through the network at position posID, appending
// this position's keys/values to the cache, and returns the logits over the
// vocabulary.
func (m *Model) Forward(tokenID, posID int, cache *KVCache) []*Value {
	cfg := m.cfg
	headDim := cfg.NEmbd / cfg.NHead

	tokEmb := m.state["wte"][tokenID]
	posEmb := m.state["wpe"][posID]
	x := make([]*Value, len(tokEmb))
	for i := range tokEmb {
		x[i] = Add(tokEmb[i], posEmb[i])
	}
	x = rmsnorm(x)

	for li := 0; li < cfg.NLayer; li++ {
		xResidual := x
		x = rmsnorm(x)
		q := linear(x, m.state[fmt.Sprintf("layer%d.attn_wq", li)])
		k := linear(x, m.state[fmt.Sprintf("layer%d.attn_wk", li)])
		v := linear(x, m.state[fmt.Sprintf("layer%d.attn_wv", li)])
		cache.keys[li] = append(cache.keys[li], k)
		cache.values[li] = append(cache.values[li], v)

		xAttn := make([]*Value, 0, cfg.NEmbd)
		for h := 0; h < cfg.NHead; h++ {
			hs := h * headDim
			qH := q[hs : hs+headDim]

			steps := len(cache.keys[li])
			attnLogits := make([]*Value, steps)
			for t := 0; t < steps; t++ {
				kH := cache.keys[li][t][hs : hs+headDim]
				score := V(0)
				for j := 0; j < headDim; j++ {
					score = Add(score, Mul(qH[j], kH[j]))
				}
				attnLogits[t] = Div(score, V(math.Sqrt(float64(headDim))))
			}
			attnWeights := softmax(attnLogits)

			headOut := make([]*Value, headDim)
			for j := 0; j < headDim; j++ {
				s := V(0)
				for t := 0; t < steps; t++ {
					s = Add(s, Mul(attnWeights[t], cache.values[li][t][hs+j]))
				}
				headOut[j] = s
			}
			xAttn = append(xAttn, headOut...)
		}

		x = linear(xAttn, m.state[fmt.Sprintf("layer%d.attn_wo", li)])
		for i := range x {
			x[i] = Add(x[i], xResidual[i])
		}

		xResidual = x
		x = rmsnorm(x)
		x = linear(x, m.state[fmt.Sprintf("layer%d.mlp_fc1", li)])
		for i := range x {
			x[i] = ReLU(x[i])
		}
		x = linear(x, m.state[fmt.Sprintf("layer%d.mlp_fc2", li)])
		for i := range x {
			x[i] = Add(x[i], xResidual[i])
		}
	}

	return linear(x, m.state["lm_head"])
}

// WindowLoss computes the mean next-token cross-entropy over a context
// window: logits at position t are scored against y[t].
func (m *Model) WindowLoss(x, y []int) (*Value, error) {
	if len(x) == 0 || len(x) != len(y) {
		return nil, fmt.Errorf("model: window and targets must be equal non-zero length")
	}
	if len(x) > m.cfg.BlockSize {
		return nil, fmt.Errorf("model: window length %d exceeds block_size %d", len(x), m.cfg.BlockSize)
	}
	cache := NewKVCache(m.cfg.NLayer)
	loss := V(0)
	for pos := range x {
		logits := m.Forward(x[pos], pos, cache)
		probs := softmax(logits)
		loss = Add(loss, Neg(Log(probs[y[pos]])))
	}
	return Mul(V(1/float64(len(x))), loss), nil
}

// ZeroGrad clears accumulated gradients on every parameter.
func (m *Model) ZeroGrad() {
	for _, mat := range m.state {
		for _, row := range mat {
			for _, p := range row {
				p.Grad = 0
			}
		}
	}
}

func matrix(rng *rand.Rand, nout, nin int) [][]*Value {
	m := make([][]*Value, nout)
	for o := 0; o < nout; o++ {
		row := make([]*Value, nin)
		for i := 0; i < nin; i++ {
			row[i] = V(rng.NormFloat64() * initStd)
		}
		m[o] = row
	}
	return m
}

func sortedNames(state map[string][][]*Value) []string {
	names := make([]string, 0, len(state))
	for name := range state {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
