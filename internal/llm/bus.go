package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-meditation/internal/bus"
	"github.com/loqalabs/loqa-meditation/internal/protocol"
)

type busGenerator struct {
	bus     *bus.Client
	timeout time.Duration
}

// NewBusGenerator submits prompts to a generation Service over the bus and
// streams its responses back.
func NewBusGenerator(client *bus.Client, timeout time.Duration) Generator {
	return &busGenerator{bus: client, timeout: timeout}
}

func (g *busGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	id := req.RequestID
	if id == "" {
		id = uuid.NewString()
	}
	sub, err := g.bus.Conn().SubscribeSync(protocol.LLMResponseSubject(id))
	if err != nil {
		return fmt.Errorf("subscribe llm responses: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	err = g.bus.Publish(protocol.SubjectLLMRequest, protocol.LLMRequest{
		RequestID:   id,
		SessionID:   req.SessionID,
		Prompt:      req.Prompt,
		System:      req.System,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TraceID:     req.TraceID,
		Timestamp:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("publish llm request: %w", err)
	}

	for {
		msg, err := sub.NextMsgWithContext(ctx)
		if err != nil {
			g.cancel(id)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("receive llm response: %w", err)
		}
		var resp protocol.LLMResponse
		if err := json.Unmarshal(msg.Data, &resp); err != nil {
			g.cancel(id)
			return fmt.Errorf("decode llm response: %w", err)
		}
		if resp.Error != "" {
			return errors.New(resp.Error)
		}
		if err := consumer(Chunk{
			SessionID:        resp.SessionID,
			Content:          resp.Content,
			Partial:          !resp.Done,
			PromptTokens:     resp.PromptTokens,
			CompletionTokens: resp.CompletionTokens,
			Latency:          time.Duration(resp.LatencyMS) * time.Millisecond,
			TraceID:          req.TraceID,
		}); err != nil {
			g.cancel(id)
			return err
		}
		if resp.Done {
			return nil
		}
	}
}

func (g *busGenerator) cancel(id string) {
	_ = g.bus.Publish(protocol.SubjectLLMCancel, protocol.Cancel{ID: id})
}
