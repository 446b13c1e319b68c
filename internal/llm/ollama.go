package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultOllamaModel = "llama3.2:latest"

// OllamaGenerator streams completions from an Ollama server's /api/generate.
// Output is requested in JSON mode so the content parser sees a JSON object.
type OllamaGenerator struct {
	url    string
	model  string
	client *http.Client
}

func NewOllamaGenerator(endpoint, model string) *OllamaGenerator {
	if model == "" {
		model = defaultOllamaModel
	}
	return &OllamaGenerator{
		url:    strings.TrimRight(endpoint, "/") + "/api/generate",
		model:  model,
		client: http.DefaultClient,
	}
}

type ollamaGenerate struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Format  string         `json:"format,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaLine struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	Error           string `json:"error,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
}

func (g *OllamaGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	opts := map[string]any{}
	if req.Temperature > 0 {
		opts["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	}
	body, err := json.Marshal(ollamaGenerate{
		Model:   g.model,
		Prompt:  req.Prompt,
		System:  req.System,
		Stream:  true,
		Format:  "json",
		Options: opts,
	})
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := g.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ollama %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	started := time.Now()
	var prompt, completion int
	dec := json.NewDecoder(resp.Body)
	for {
		var line ollamaLine
		if err := dec.Decode(&line); err != nil {
			if errors.Is(err, io.EOF) {
				return errors.New("ollama stream ended before done")
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("decode ollama stream: %w", err)
		}
		if line.Error != "" {
			return fmt.Errorf("ollama: %s", line.Error)
		}
		if line.PromptEvalCount > 0 {
			prompt = line.PromptEvalCount
		}
		if line.EvalCount > 0 {
			completion = line.EvalCount
		}
		chunk := Chunk{
			SessionID:        req.SessionID,
			Content:          line.Response,
			Partial:          !line.Done,
			PromptTokens:     prompt,
			CompletionTokens: completion,
			Latency:          time.Since(started),
			TraceID:          req.TraceID,
		}
		if err := consumer(chunk); err != nil {
			return err
		}
		if line.Done {
			return nil
		}
	}
}
