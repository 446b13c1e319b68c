package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-meditation/internal/bus"
	"github.com/loqalabs/loqa-meditation/internal/config"
	"github.com/loqalabs/loqa-meditation/internal/control"
	"github.com/loqalabs/loqa-meditation/internal/history"
	"github.com/loqalabs/loqa-meditation/internal/llm"
	"github.com/loqalabs/loqa-meditation/internal/lookahead"
	"github.com/loqalabs/loqa-meditation/internal/natsserver"
	"github.com/loqalabs/loqa-meditation/internal/tts"
)

// wire connects the bus, starts the optional generation and speech services
// and opens the history store.
func (r *Runtime) wire(ctx context.Context) error {
	cfg := r.cfg
	if cfg.Bus.Enabled {
		busCfg := cfg.Bus
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return err
		}
		r.nats = srv
		if srv != nil {
			busCfg.Servers = []string{srv.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.logger)
		if err != nil {
			return err
		}
		r.bus = client
	}

	if cfg.LLM.Serve {
		backend, err := llm.FromConfig(cfg.LLM)
		if err != nil {
			return fmt.Errorf("llm backend: %w", err)
		}
		r.llmSvc = llm.NewService(ctx, cfg.LLM, r.bus, backend, r.logger)
		if err := r.llmSvc.Start(); err != nil {
			return fmt.Errorf("start llm service: %w", err)
		}
	}

	if cfg.TTS.Mode != "bus" {
		synth, err := tts.SynthFromConfig(cfg.TTS)
		if err != nil {
			return fmt.Errorf("tts backend: %w", err)
		}
		r.synth = synth
	}
	if cfg.TTS.Serve {
		synth, err := tts.SynthFromConfig(serveBackend(cfg.TTS))
		if err != nil {
			return fmt.Errorf("tts backend: %w", err)
		}
		r.ttsSvc = tts.NewService(ctx, cfg.TTS, r.bus, synth, r.logger)
		if err := r.ttsSvc.Start(); err != nil {
			return fmt.Errorf("start tts service: %w", err)
		}
	}

	var gen llm.Generator
	if cfg.LLM.Mode == "bus" {
		gen = llm.NewBusGenerator(r.bus, time.Duration(cfg.LLM.TimeoutMS)*time.Millisecond)
	} else {
		local, err := llm.FromConfig(cfg.LLM)
		if err != nil {
			return fmt.Errorf("llm backend: %w", err)
		}
		gen = local
	}
	r.generator = lookahead.New(gen, lookahead.PolicyFromConfig(cfg.Generation), llm.OptionsFromConfig(cfg.LLM), r.logger)

	store, err := history.Open(ctx, cfg.History, r.logger)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	r.history = store

	r.control = control.NewService(ctx, r.bus, r.logger)
	if err := r.control.Start(); err != nil {
		return fmt.Errorf("start control: %w", err)
	}
	return nil
}

// serveBackend picks the synthesizer behind the bus speech service: a bus
// speaker mode still needs something local to answer requests.
func serveBackend(cfg config.TTSConfig) config.TTSConfig {
	if cfg.Mode == "bus" {
		cfg.Mode = "mock"
		if cfg.Command != "" {
			cfg.Mode = "exec"
		}
	}
	return cfg
}

// teardown releases everything wire acquired, in reverse order.
func (r *Runtime) teardown() {
	r.sessions.closeAll()
	if r.control != nil {
		r.control.Close()
	}
	if r.history != nil {
		if err := r.history.Close(); err != nil {
			r.logger.Warn("history close failed", slog.String("error", err.Error()))
		}
	}
	if r.ttsSvc != nil {
		r.ttsSvc.Close()
	}
	if r.llmSvc != nil {
		r.llmSvc.Close()
	}
	r.bus.Close()
	r.nats.Shutdown()
}
