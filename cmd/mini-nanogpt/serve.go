package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/shadow01a/mini-nanoGPT/pkg/checkpoint"
	"github.com/shadow01a/mini-nanoGPT/pkg/config"
	"github.com/shadow01a/mini-nanoGPT/pkg/generate"
)

const servedModelID = "mini-nanogpt"

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	TopK        int           `json:"top_k"`
	Seed        int64         `json:"seed"`
}

type chatChoice struct {
	Message      chatMessage `json:"message"`
	Index        int         `json:"index"`
	FinishReason string      `json:"finish_reason"`
}

type chatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

type server struct {
	eng  *generate.Engine
	opts generate.Options
}

func serveCmd(cfg *config.Config) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a checkpoint behind an OpenAI-compatible chat endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ck, err := checkpoint.NewStore(cfg.OutDir).Load()
			if err != nil {
				return err
			}
			eng, err := generate.NewFromCheckpoint(ck)
			if err != nil {
				return err
			}
			s := &server{
				eng: eng,
				opts: generate.Options{
					MaxNewTokens: cfg.MaxNewTokens,
					Temperature:  cfg.Temperature,
					TopK:         cfg.TopK,
					Seed:         cfg.Seed,
				},
			}
			mux := http.NewServeMux()
			mux.HandleFunc("/v1/chat/completions", s.handleChat)
			mux.HandleFunc("/v1/models", s.handleModels)
			log.Printf("serving checkpoint from %s on %s", cfg.OutDir, addr)
			return http.ListenAndServe(addr, mux)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVarP(&cfg.OutDir, "out-dir", "o", cfg.OutDir, "checkpoint directory")
	cmd.Flags().Float64Var(&cfg.Temperature, "temperature", cfg.Temperature, "default sampling temperature")
	cmd.Flags().IntVar(&cfg.MaxNewTokens, "max-new-tokens", cfg.MaxNewTokens, "default completion length cap")
	return cmd
}

func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	opts := s.opts
	if req.Temperature > 0 {
		opts.Temperature = req.Temperature
	}
	if req.MaxTokens > 0 {
		opts.MaxNewTokens = req.MaxTokens
	}
	if req.TopK > 0 {
		opts.TopK = req.TopK
	}
	if req.Seed != 0 {
		opts.Seed = req.Seed
	}

	// Flatten the chat transcript into a plain prompt; the model has no
	// chat template of its own.
	var b strings.Builder
	for _, msg := range req.Messages {
		role := "User"
		if msg.Role == "assistant" {
			role = "Assistant"
		}
		fmt.Fprintf(&b, "%s: %s\n", role, msg.Content)
	}
	b.WriteString("Assistant: ")
	prompt := b.String()

	out, err := s.eng.Generate(prompt, opts)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	completion := strings.TrimPrefix(out, prompt)

	resp := chatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   servedModelID,
		Choices: []chatChoice{{
			Message:      chatMessage{Role: "assistant", Content: completion},
			FinishReason: "stop",
		}},
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func (s *server) handleModels(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	resp := map[string]any{
		"object": "list",
		"data": []map[string]any{{
			"id":       servedModelID,
			"object":   "model",
			"created":  time.Now().Unix(),
			"owned_by": "local",
		}},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("encode response: %v", err)
	}
}
