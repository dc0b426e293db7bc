// Package config is the tunable-parameter surface of the trainer. Defaults
// follow the original application; every field can be overridden from the
// environment, and the CLI layers flags on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// InitMode selects how model state is initialized at training start.
type InitMode string

const (
	InitFresh      InitMode = "fresh"
	InitResume     InitMode = "resume"
	InitPretrained InitMode = "pretrained"
)

const maxSeed = int64(1)<<32 - 1

// Config is the full set of recognized options.
type Config struct {
	// Data preparation
	TokenizerKind      string  `json:"tokenizer_kind"` // "char" or "subword"
	UseValidationSplit bool    `json:"use_validation_split"`
	ValidationFraction float64 `json:"validation_fraction"`
	DataDir            string  `json:"data_dir"`

	// Architecture
	BlockSize int `json:"block_size"`
	NLayer    int `json:"n_layer"`
	NHead     int `json:"n_head"`
	NEmbd     int `json:"n_embd"`

	// Optimization
	BatchSize      int     `json:"batch_size"`
	LearningRate   float64 `json:"learning_rate"`
	MaxSteps       int     `json:"max_steps"`
	WeightDecay    float64 `json:"weight_decay"`
	Beta1          float64 `json:"beta1"`
	Beta2          float64 `json:"beta2"`
	AdamEps        float64 `json:"adam_eps"`
	GradAccumSteps int     `json:"gradient_accumulation_steps"`

	// Learning rate schedule
	LRSchedule  string  `json:"lr_scheduler_type"` // none|cosine|linear|step|polynomial|constant_with_warmup
	WarmupSteps int     `json:"warmup_iters"`
	DecaySteps  int     `json:"lr_decay_iters"`
	MinLR       float64 `json:"min_lr"`
	StepSize    int     `json:"step_size"`
	StepGamma   float64 `json:"step_gamma"`
	PolyPower   float64 `json:"polynomial_power"`

	// Orchestration
	InitMode      InitMode `json:"init_mode"`
	OutDir        string   `json:"output_dir"`
	PretrainedDir string   `json:"pretrained_dir,omitempty"`
	EvalInterval  int      `json:"eval_interval"`
	LogInterval   int      `json:"log_interval"`
	SaveInterval  int      `json:"save_interval"`
	EvalBatches   int      `json:"eval_batches"`
	Seed          int64    `json:"seed"`
	WorldSize     int      `json:"distributed_world_size"`
	NumEvalSeeds  int      `json:"num_eval_seeds"`

	// Generation
	Temperature  float64 `json:"temperature"`
	TopK         int     `json:"top_k"`
	MaxNewTokens int     `json:"max_new_tokens"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		TokenizerKind:      "char",
		UseValidationSplit: true,
		ValidationFraction: 0.1,
		DataDir:            "data",

		BlockSize: 64,
		NLayer:    2,
		NHead:     4,
		NEmbd:     32,

		BatchSize:      8,
		LearningRate:   1e-2,
		MaxSteps:       1000,
		WeightDecay:    0,
		Beta1:          0.85,
		Beta2:          0.99,
		AdamEps:        1e-8,
		GradAccumSteps: 1,

		LRSchedule:  "cosine",
		WarmupSteps: 20,
		DecaySteps:  1000,
		MinLR:       1e-4,
		StepSize:    100,
		StepGamma:   0.5,
		PolyPower:   1,

		InitMode:     InitFresh,
		OutDir:       "out",
		EvalInterval: 50,
		LogInterval:  10,
		SaveInterval: 0,
		EvalBatches:  4,
		Seed:         42,
		WorldSize:    1,
		NumEvalSeeds: 0,

		Temperature:  0.6,
		TopK:         40,
		MaxNewTokens: 180,
	}
}

// FromEnv overlays environment variables onto c.
func (c Config) FromEnv() Config {
	c.TokenizerKind = envStr("TOKENIZER_KIND", c.TokenizerKind)
	c.UseValidationSplit = envBool("USE_VALIDATION_SPLIT", c.UseValidationSplit)
	c.ValidationFraction = envFloat("VALIDATION_FRACTION", c.ValidationFraction)
	c.DataDir = envStr("DATA_DIR", c.DataDir)

	c.BlockSize = envInt("BLOCK_SIZE", c.BlockSize)
	c.NLayer = envInt("N_LAYER", c.NLayer)
	c.NHead = envInt("N_HEAD", c.NHead)
	c.NEmbd = envInt("N_EMBD", c.NEmbd)

	c.BatchSize = envInt("BATCH_SIZE", c.BatchSize)
	c.LearningRate = envFloat("LEARNING_RATE", c.LearningRate)
	c.MaxSteps = envInt("MAX_STEPS", c.MaxSteps)
	c.WeightDecay = envFloat("WEIGHT_DECAY", c.WeightDecay)
	c.Beta1 = envFloat("BETA1", c.Beta1)
	c.Beta2 = envFloat("BETA2", c.Beta2)
	c.AdamEps = envFloat("EPS_ADAM", c.AdamEps)
	c.GradAccumSteps = envInt("GRAD_ACCUM_STEPS", c.GradAccumSteps)

	c.LRSchedule = envStr("LR_SCHEDULER_TYPE", c.LRSchedule)
	c.WarmupSteps = envInt("WARMUP_ITERS", c.WarmupSteps)
	c.DecaySteps = envInt("LR_DECAY_ITERS", c.DecaySteps)
	c.MinLR = envFloat("MIN_LR", c.MinLR)
	c.StepSize = envInt("STEP_SIZE", c.StepSize)
	c.StepGamma = envFloat("STEP_GAMMA", c.StepGamma)
	c.PolyPower = envFloat("POLYNOMIAL_POWER", c.PolyPower)

	c.InitMode = InitMode(envStr("INIT_MODE", string(c.InitMode)))
	c.OutDir = envStr("OUT_DIR", c.OutDir)
	c.PretrainedDir = envStr("PRETRAINED_DIR", c.PretrainedDir)
	c.EvalInterval = envInt("EVAL_INTERVAL", c.EvalInterval)
	c.LogInterval = envInt("LOG_INTERVAL", c.LogInterval)
	c.SaveInterval = envInt("SAVE_INTERVAL", c.SaveInterval)
	c.Seed = int64(envInt("SEED", int(c.Seed)))
	c.WorldSize = envInt("WORLD_SIZE", c.WorldSize)
	c.NumEvalSeeds = envInt("NUM_EVAL_SEEDS", c.NumEvalSeeds)

	c.Temperature = envFloat("TEMPERATURE", c.Temperature)
	c.TopK = envInt("TOP_K", c.TopK)
	c.MaxNewTokens = envInt("MAX_NEW_TOKENS", c.MaxNewTokens)
	return c
}

// Validate rejects configurations that would mask problems later.
func (c Config) Validate() error {
	if c.TokenizerKind != "char" && c.TokenizerKind != "subword" {
		return fmt.Errorf("config: tokenizer_kind must be char or subword, got %q", c.TokenizerKind)
	}
	if c.UseValidationSplit && (c.ValidationFraction <= 0 || c.ValidationFraction >= 1) {
		return fmt.Errorf("config: validation_fraction must be in (0, 1), got %v", c.ValidationFraction)
	}
	if c.BlockSize < 2 {
		return fmt.Errorf("config: block_size must be >= 2")
	}
	if c.NEmbd%c.NHead != 0 {
		return fmt.Errorf("config: n_embd must be divisible by n_head")
	}
	if c.BatchSize < 1 || c.MaxSteps < 1 || c.GradAccumSteps < 1 {
		return fmt.Errorf("config: batch_size, max_steps and gradient_accumulation_steps must be >= 1")
	}
	if c.Seed < 0 || c.Seed > maxSeed {
		return fmt.Errorf("config: seed must be between 0 and 2^32-1")
	}
	if c.WorldSize < 1 {
		return fmt.Errorf("config: distributed_world_size must be >= 1")
	}
	if c.WarmupSteps < 0 {
		return fmt.Errorf("config: warmup_iters must be >= 0")
	}
	switch c.LRSchedule {
	case "none", "constant_with_warmup":
	case "cosine", "linear", "polynomial":
		if c.DecaySteps <= c.WarmupSteps {
			return fmt.Errorf("config: lr_decay_iters (%d) must be greater than warmup_iters (%d)", c.DecaySteps, c.WarmupSteps)
		}
	case "step":
		if c.StepSize < 1 {
			return fmt.Errorf("config: step_size must be >= 1")
		}
	default:
		return fmt.Errorf("config: lr_scheduler_type must be none, cosine, linear, step, polynomial or constant_with_warmup, got %q", c.LRSchedule)
	}
	switch c.InitMode {
	case InitFresh, InitResume:
	case InitPretrained:
		if c.PretrainedDir == "" {
			return fmt.Errorf("config: init_mode pretrained requires pretrained_dir")
		}
	default:
		return fmt.Errorf("config: init_mode must be fresh, resume or pretrained, got %q", c.InitMode)
	}
	if c.Temperature < 0 {
		return fmt.Errorf("config: temperature must be >= 0")
	}
	if c.NumEvalSeeds < 0 || int64(c.NumEvalSeeds) > maxSeed {
		return fmt.Errorf("config: num_eval_seeds must be between 0 and 2^32-1")
	}
	return nil
}

func envStr(name, def string) string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	return v
}

func envInt(name string, def int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(name string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return n
}

func envBool(name string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}
