package llm

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-meditation/internal/config"
)

// Request describes a language model prompt.
type Request struct {
	RequestID   string
	SessionID   string
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float64
	TraceID     string
}

// Chunk represents streamed model output. The last chunk of a submission has
// Partial set to false.
type Chunk struct {
	SessionID        string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
	TraceID          string
}

// Generator defines a pluggable LLM backend. Generate blocks until the
// submission is done; cancelling ctx aborts it, and an error returned by
// consumer stops the stream.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// OptionsFromConfig builds request defaults from config.
func OptionsFromConfig(cfg config.LLMConfig) Request {
	return Request{MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature}
}

// FromConfig builds the local backend selected by cfg.Mode. Bus mode is wired
// separately because it needs a bus connection.
func FromConfig(cfg config.LLMConfig) (Generator, error) {
	switch cfg.Mode {
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	default:
		return NewMockGenerator(15 * time.Millisecond), nil
	}
}
