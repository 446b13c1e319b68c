package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

type execGenerator struct {
	cmd []string
}

type execInput struct {
	RequestID   string  `json:"request_id,omitempty"`
	Prompt      string  `json:"prompt"`
	System      string  `json:"system,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// execLine is one line of command output. Lines that are not JSON objects
// with a content or error field are taken as raw content, so a command may
// print the model's own JSON verbatim.
type execLine struct {
	Content          string `json:"content"`
	Error            string `json:"error,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
}

// NewExecGenerator runs command once per submission, writing the request as
// JSON on stdin and streaming each stdout line back as a chunk.
func NewExecGenerator(command string) (Generator, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse llm command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("llm command empty")
	}
	return &execGenerator{cmd: args}, nil
}

func (g *execGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	input, err := json.Marshal(execInput{
		RequestID:   req.RequestID,
		Prompt:      req.Prompt,
		System:      req.System,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, g.cmd[0], g.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start llm command: %w", err)
	}

	// hold one line back so the last chunk can be marked final
	var pending *Chunk
	emitted := false
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		chunk, err := g.decode(scanner.Text(), req)
		if err != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return err
		}
		if chunk == nil {
			continue
		}
		chunk.Latency = time.Since(start)
		if pending != nil {
			if err := consumer(*pending); err != nil {
				_ = cmd.Process.Kill()
				_ = cmd.Wait()
				return err
			}
			emitted = true
		}
		pending = chunk
	}
	scanErr := scanner.Err()
	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("llm exec command failed: %w: %s", err, msg)
		}
		return fmt.Errorf("llm exec command failed: %w", err)
	}
	if scanErr != nil {
		return fmt.Errorf("read llm output: %w", scanErr)
	}
	if pending == nil {
		if emitted {
			return nil
		}
		return errors.New("llm exec command returned no content")
	}
	pending.Partial = false
	return consumer(*pending)
}

func (g *execGenerator) decode(line string, req Request) (*Chunk, error) {
	if strings.TrimSpace(line) == "" {
		return nil, nil
	}
	chunk := &Chunk{SessionID: req.SessionID, Partial: true, TraceID: req.TraceID}
	if out, ok := parseExecLine(line); ok {
		if out.Error != "" {
			return nil, errors.New(out.Error)
		}
		chunk.Content = out.Content
		chunk.PromptTokens = out.PromptTokens
		chunk.CompletionTokens = out.CompletionTokens
		return chunk, nil
	}
	chunk.Content = line + "\n"
	return chunk, nil
}

func parseExecLine(line string) (execLine, bool) {
	var out execLine
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return out, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		return out, false
	}
	_, hasContent := fields["content"]
	_, hasError := fields["error"]
	if !hasContent && !hasError {
		return out, false
	}
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return out, false
	}
	return out, true
}
