// Package checkpoint persists and restores model checkpoints: weights,
// optimizer state, training position and the configuration snapshot they
// were produced under. Writes are atomic (temp file + rename) so an
// interrupted run never leaves a partially written artifact, and the best
// validation checkpoint is kept separately from the latest one.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shadow01a/mini-nanoGPT/pkg/model"
	"github.com/shadow01a/mini-nanoGPT/pkg/tokenizer"
)

const (
	// Version is written into every checkpoint for forward compatibility.
	Version = 2

	CheckpointFile = "ckpt.json"
	BestDir        = "best_checkpoint"
	LossHistory    = "loss_history.json"
)

// TrainingConfig is the immutable snapshot of tunable parameters stored
// alongside a checkpoint. Resume compares the architectural fields against
// the currently requested ones and refuses on any mismatch.
type TrainingConfig struct {
	model.Config

	BatchSize      int     `json:"batch_size"`
	LearningRate   float64 `json:"learning_rate"`
	MaxSteps       int     `json:"max_steps"`
	EvalInterval   int     `json:"eval_interval"`
	LogInterval    int     `json:"log_interval"`
	SaveInterval   int     `json:"save_interval"`
	GradAccumSteps int     `json:"gradient_accumulation_steps"`
	Seed           int64   `json:"seed"`
	WorldSize      int     `json:"distributed_world_size"`

	LRSchedule  string  `json:"lr_scheduler_type"`
	WarmupSteps int     `json:"warmup_iters"`
	DecaySteps  int     `json:"lr_decay_iters"`
	MinLR       float64 `json:"min_lr"`
	StepSize    int     `json:"step_size"`
	StepGamma   float64 `json:"step_gamma"`
	PolyPower   float64 `json:"polynomial_power"`
}

// Checkpoint is a complete persisted training state.
type Checkpoint struct {
	Version     int             `json:"version"`
	CreatedAt   string          `json:"created_at"`
	Config      TrainingConfig  `json:"config"`
	Tokenizer   tokenizer.Spec  `json:"tokenizer"`
	Weights     WeightMap       `json:"state"`
	Optimizer   *OptimizerState `json:"optimizer,omitempty"`
	Step        int             `json:"step"`
	BestValLoss float64         `json:"best_val_loss"`
}

// WeightMap mirrors the model's named weight matrices.
type WeightMap = map[string][][]float64

// OptimizerState carries Adam's first and second moments keyed by weight
// matrix name, plus the update count used for bias correction.
type OptimizerState struct {
	M    WeightMap `json:"m"`
	V    WeightMap `json:"v"`
	Step int       `json:"step"`
}

// ConfigMismatchError reports a stored configuration that is structurally
// incompatible with the architecture currently requested.
type ConfigMismatchError struct {
	Field     string
	Stored    any
	Requested any
}

func (e *ConfigMismatchError) Error() string {
	return fmt.Sprintf("checkpoint: stored %s (%v) does not match requested %s (%v); delete the output directory or adjust the configuration",
		e.Field, e.Stored, e.Field, e.Requested)
}

// Store reads and writes checkpoints under a single output directory.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) Dir() string { return s.dir }

// Path is where the latest checkpoint lives.
func (s *Store) Path() string { return filepath.Join(s.dir, CheckpointFile) }

// BestPath is where the lowest-validation-loss checkpoint lives. It is only
// ever replaced by a strictly better run, never destructively overwritten
// by a worse one.
func (s *Store) BestPath() string { return filepath.Join(s.dir, BestDir, CheckpointFile) }

// StepPath is the periodic per-step checkpoint location.
func (s *Store) StepPath(step int) string {
	return filepath.Join(s.dir, fmt.Sprintf("step_%d", step), CheckpointFile)
}

func (s *Store) Exists() bool {
	_, err := os.Stat(s.Path())
	return err == nil
}

// Save writes the latest checkpoint atomically.
func (s *Store) Save(ck *Checkpoint) error {
	return writeCheckpoint(s.Path(), ck)
}

// SaveBest records a new best-validation checkpoint.
func (s *Store) SaveBest(ck *Checkpoint) error {
	return writeCheckpoint(s.BestPath(), ck)
}

// SaveStep writes a periodic checkpoint into its own step directory.
func (s *Store) SaveStep(ck *Checkpoint) error {
	return writeCheckpoint(s.StepPath(ck.Step), ck)
}

// Load reads the latest checkpoint without any compatibility checks.
func (s *Store) Load() (*Checkpoint, error) {
	return readCheckpoint(s.Path())
}

// LoadResume restores a checkpoint for exact training continuation: the
// step counter and optimizer state come back verbatim. The stored
// architecture must match the requested one.
func (s *Store) LoadResume(want model.Config) (*Checkpoint, error) {
	ck, err := readCheckpoint(s.Path())
	if err != nil {
		return nil, err
	}
	if err := checkArch(ck.Config.Config, want); err != nil {
		return nil, err
	}
	return ck, nil
}

// LoadPretrained restores parameters only: optimizer state and the step
// counter are discarded so training restarts from step zero with fresh
// moments. This is a distinct mode from resume by design.
func (s *Store) LoadPretrained(want model.Config) (*Checkpoint, error) {
	ck, err := readCheckpoint(s.Path())
	if err != nil {
		return nil, err
	}
	if err := checkArch(ck.Config.Config, want); err != nil {
		return nil, err
	}
	ck.Optimizer = nil
	ck.Step = 0
	ck.BestValLoss = 0
	return ck, nil
}

func checkArch(stored, want model.Config) error {
	if stored.BlockSize != want.BlockSize {
		return &ConfigMismatchError{Field: "block_size", Stored: stored.BlockSize, Requested: want.BlockSize}
	}
	if stored.VocabSize != want.VocabSize {
		return &ConfigMismatchError{Field: "vocab_size", Stored: stored.VocabSize, Requested: want.VocabSize}
	}
	if stored.NLayer != want.NLayer {
		return &ConfigMismatchError{Field: "n_layer", Stored: stored.NLayer, Requested: want.NLayer}
	}
	if stored.NHead != want.NHead {
		return &ConfigMismatchError{Field: "n_head", Stored: stored.NHead, Requested: want.NHead}
	}
	if stored.NEmbd != want.NEmbd {
		return &ConfigMismatchError{Field: "n_embd", Stored: stored.NEmbd, Requested: want.NEmbd}
	}
	return nil
}

func writeCheckpoint(path string, ck *Checkpoint) error {
	if ck.Version == 0 {
		ck.Version = Version
	}
	if ck.CreatedAt == "" {
		ck.CreatedAt = time.Now().Format(time.RFC3339)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(ck, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".ckpt-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func readCheckpoint(path string) (*Checkpoint, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ck Checkpoint
	if err := json.Unmarshal(b, &ck); err != nil {
		return nil, fmt.Errorf("checkpoint: decode %s: %w", path, err)
	}
	if err := ck.Config.Config.Validate(); err != nil {
		return nil, fmt.Errorf("checkpoint: invalid stored config: %w", err)
	}
	if len(ck.Weights) == 0 {
		return nil, fmt.Errorf("checkpoint: %s has no weights", path)
	}
	return &ck, nil
}

// History is the persisted loss curve, kept next to the checkpoint so a
// resumed run's plot continues where it stopped.
type History struct {
	TrainSteps  []int     `json:"train_plot_steps"`
	TrainLosses []float64 `json:"train_plot_losses"`
	ValSteps    []int     `json:"val_plot_steps"`
	ValLosses   []float64 `json:"val_plot_losses"`
}

func (s *Store) SaveHistory(h *History) error {
	b, err := json.Marshal(h)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir, LossHistory), b, 0o644)
}

func (s *Store) LoadHistory() (*History, error) {
	b, err := os.ReadFile(filepath.Join(s.dir, LossHistory))
	if err != nil {
		if os.IsNotExist(err) {
			return &History{}, nil
		}
		return nil, err
	}
	var h History
	if err := json.Unmarshal(b, &h); err != nil {
		return nil, err
	}
	return &h, nil
}
