// Command mini-nanogpt is the pipeline front door: dataset preparation,
// training, evaluation, text generation and a small OpenAI-compatible
// inference server, all driven by the same configuration surface
// (environment variables overridden by flags).
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shadow01a/mini-nanoGPT/pkg/checkpoint"
	"github.com/shadow01a/mini-nanoGPT/pkg/config"
	"github.com/shadow01a/mini-nanoGPT/pkg/dataset"
	"github.com/shadow01a/mini-nanoGPT/pkg/eval"
	"github.com/shadow01a/mini-nanoGPT/pkg/events"
	"github.com/shadow01a/mini-nanoGPT/pkg/generate"
	"github.com/shadow01a/mini-nanoGPT/pkg/model"
	"github.com/shadow01a/mini-nanoGPT/pkg/tokenizer"
	"github.com/shadow01a/mini-nanoGPT/pkg/train"
)

func main() {
	cfg := config.Default().FromEnv()

	root := &cobra.Command{
		Use:           "mini-nanogpt",
		Short:         "Train and sample small GPT language models",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		prepareCmd(&cfg),
		trainCmd(&cfg),
		evalCmd(&cfg),
		generateCmd(&cfg),
		serveCmd(&cfg),
	)

	if err := root.Execute(); err != nil {
		log.Fatalf("mini-nanogpt: %v", err)
	}
}

func prepareCmd(cfg *config.Config) *cobra.Command {
	var input string
	cmd := &cobra.Command{
		Use:   "prepare",
		Short: "Tokenize a text file into binary train/val streams",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(input)
			if err != nil {
				return err
			}
			ds, err := dataset.Build(string(raw), dataset.BuildOptions{
				TokenizerKind:      tokenizer.Kind(cfg.TokenizerKind),
				UseValidationSplit: cfg.UseValidationSplit,
				ValidationFraction: cfg.ValidationFraction,
				OutDir:             cfg.DataDir,
			})
			if err != nil {
				return err
			}
			m := ds.Manifest
			log.Printf("dataset %s: vocab=%d train=%d val=%d tokens (%d bytes/token) -> %s",
				m.RunID, m.VocabSize, m.TrainTokens, m.ValTokens, m.TokenWidth, cfg.DataDir)
			return nil
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "input.txt", "raw text file to tokenize")
	addDataFlags(cmd, cfg)
	return cmd
}

func trainCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run the training loop, checkpointing into the output directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := dataset.Load(cfg.DataDir)
			if err != nil {
				return err
			}
			store := checkpoint.NewStore(cfg.OutDir)
			bus := events.NewBus(256)
			orch := train.New(*cfg, ds, store, bus)

			// SIGINT/SIGTERM stop training at the next step boundary;
			// the orchestrator writes a final checkpoint before exiting.
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			done := make(chan error, 1)
			go func() {
				done <- orch.Run(ctx)
				bus.Close()
			}()
			logEvents(bus)

			err = <-done
			var cancelled *train.CancellationError
			if err != nil && !errors.As(err, &cancelled) {
				return err
			}
			return nil
		},
	}
	addDataFlags(cmd, cfg)
	addTrainFlags(cmd, cfg)
	return cmd
}

func evalCmd(cfg *config.Config) *cobra.Command {
	var split string
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Measure checkpoint loss over one or more evaluation seeds",
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := dataset.Load(cfg.DataDir)
			if err != nil {
				return err
			}
			ck, err := checkpoint.NewStore(cfg.OutDir).Load()
			if err != nil {
				return err
			}
			m, err := model.FromWeights(ck.Config.Config, ck.Weights)
			if err != nil {
				return err
			}
			if split == "val" && !ds.HasValidation() {
				return fmt.Errorf("dataset at %s has no validation split", cfg.DataDir)
			}
			tokens, err := ds.Split(split)
			if err != nil {
				return err
			}
			ev := eval.Evaluator{BatchSize: cfg.BatchSize, Batches: cfg.EvalBatches}
			res, err := ev.Evaluate(m, split, tokens, cfg.NumEvalSeeds, cfg.Seed)
			if err != nil {
				return err
			}
			for _, sl := range res.PerSeed {
				log.Printf("[eval] seed=%d %s loss %.4f", sl.Seed, split, sl.Loss)
			}
			log.Printf("[eval] mean %s loss %.4f over %d seed(s)", split, res.MeanLoss, len(res.PerSeed))
			return nil
		},
	}
	cmd.Flags().StringVar(&split, "split", "val", "which split to evaluate (train or val)")
	cmd.Flags().IntVar(&cfg.NumEvalSeeds, "num-eval-seeds", cfg.NumEvalSeeds, "number of evaluation seeds")
	addDataFlags(cmd, cfg)
	return cmd
}

func generateCmd(cfg *config.Config) *cobra.Command {
	var prompt string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Sample text from a trained checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ck, err := checkpoint.NewStore(cfg.OutDir).Load()
			if err != nil {
				return err
			}
			eng, err := generate.NewFromCheckpoint(ck)
			if err != nil {
				return err
			}
			out, err := eng.Generate(prompt, generate.Options{
				MaxNewTokens: cfg.MaxNewTokens,
				Temperature:  cfg.Temperature,
				TopK:         cfg.TopK,
				Seed:         cfg.Seed,
			})
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "prompt to continue")
	cmd.Flags().Float64Var(&cfg.Temperature, "temperature", cfg.Temperature, "sampling temperature (0 = greedy)")
	cmd.Flags().IntVar(&cfg.TopK, "top-k", cfg.TopK, "restrict sampling to the k most likely tokens (0 = off)")
	cmd.Flags().IntVar(&cfg.MaxNewTokens, "max-new-tokens", cfg.MaxNewTokens, "maximum tokens to generate")
	cmd.Flags().StringVarP(&cfg.OutDir, "out-dir", "o", cfg.OutDir, "checkpoint directory")
	cmd.Flags().Int64Var(&cfg.Seed, "seed", cfg.Seed, "sampling RNG seed")
	return cmd
}

func addDataFlags(cmd *cobra.Command, cfg *config.Config) {
	cmd.Flags().StringVarP(&cfg.DataDir, "data-dir", "d", cfg.DataDir, "dataset directory")
	cmd.Flags().StringVarP(&cfg.OutDir, "out-dir", "o", cfg.OutDir, "checkpoint output directory")
	cmd.Flags().StringVar(&cfg.TokenizerKind, "tokenizer", cfg.TokenizerKind, "tokenizer kind (char or subword)")
	cmd.Flags().BoolVar(&cfg.UseValidationSplit, "val-split", cfg.UseValidationSplit, "reserve a trailing validation split")
	cmd.Flags().Float64Var(&cfg.ValidationFraction, "val-fraction", cfg.ValidationFraction, "fraction of tokens held out for validation")
}

func addTrainFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	f.IntVar(&cfg.BlockSize, "block-size", cfg.BlockSize, "context window length")
	f.IntVar(&cfg.NLayer, "n-layer", cfg.NLayer, "transformer layers")
	f.IntVar(&cfg.NHead, "n-head", cfg.NHead, "attention heads")
	f.IntVar(&cfg.NEmbd, "n-embd", cfg.NEmbd, "embedding width")
	f.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "windows per optimization step")
	f.Float64Var(&cfg.LearningRate, "lr", cfg.LearningRate, "base learning rate")
	f.IntVar(&cfg.MaxSteps, "max-steps", cfg.MaxSteps, "total optimization steps")
	f.StringVar(&cfg.LRSchedule, "lr-schedule", cfg.LRSchedule, "schedule: none|cosine|linear|step|polynomial|constant_with_warmup")
	f.StringVar((*string)(&cfg.InitMode), "init", string(cfg.InitMode), "fresh, resume or pretrained")
	f.StringVar(&cfg.PretrainedDir, "pretrained-dir", cfg.PretrainedDir, "checkpoint directory for --init pretrained")
	f.Int64Var(&cfg.Seed, "seed", cfg.Seed, "run seed")
	f.IntVar(&cfg.WorldSize, "world-size", cfg.WorldSize, "data-parallel worker count")
	f.IntVar(&cfg.EvalInterval, "eval-interval", cfg.EvalInterval, "steps between evaluations")
	f.IntVar(&cfg.SaveInterval, "save-interval", cfg.SaveInterval, "steps between step checkpoints (0 = off)")
}

const timeRound = 100 * time.Millisecond

// logEvents drains the progress bus into readable log lines until the bus
// closes.
func logEvents(bus *events.Bus) {
	for ev := range bus.Events() {
		switch {
		case ev.Terminal && ev.Err != "":
			log.Printf("[step %d/%d] %s (checkpoint: %s)", ev.Step, ev.Total, ev.Err, ev.Checkpoint)
		case ev.Terminal:
			log.Printf("[step %d/%d] %s -> %s", ev.Step, ev.Total, ev.Message, ev.Checkpoint)
		case ev.Phase == events.PhaseEval:
			line := fmt.Sprintf("[step %d/%d] eval train loss %.4f", ev.Step, ev.Total, *ev.TrainLoss)
			if ev.ValLoss != nil {
				line += fmt.Sprintf(", val loss %.4f", *ev.ValLoss)
			}
			if ev.Checkpoint != "" {
				line += " (new best)"
			}
			log.Print(line)
		default:
			log.Printf("[step %d/%d] loss %.4f, lr %.6f, elapsed %s, eta %s",
				ev.Step, ev.Total, *ev.TrainLoss, ev.LR,
				ev.Elapsed.Round(timeRound), ev.ETA.Round(timeRound))
		}
	}
}
