package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

type execSynth struct {
	cmd        []string
	sampleRate int
	channels   int
}

type execRequest struct {
	UtteranceID string  `json:"utterance_id,omitempty"`
	Text        string  `json:"text"`
	Voice       string  `json:"voice,omitempty"`
	Rate        float64 `json:"rate,omitempty"`
	Pitch       float64 `json:"pitch,omitempty"`
	Volume      float64 `json:"volume,omitempty"`
	SampleRate  int     `json:"sample_rate"`
	Channels    int     `json:"channels"`
}

// execFrame is one stdout line: base64 PCM, optionally marked final.
type execFrame struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
	Error     string `json:"error,omitempty"`
}

// NewExecSynth runs command once per utterance with the request as JSON on
// stdin. The command answers with one JSON frame per line.
func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("tts command empty")
	}
	return &execSynth{cmd: args, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if err := e.run(ctx, req, chunks); err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

func (e *execSynth) run(ctx context.Context, req SynthRequest, chunks chan<- SynthChunk) error {
	input, err := json.Marshal(execRequest{
		UtteranceID: req.UtteranceID,
		Text:        req.Text,
		Voice:       req.Voice,
		Rate:        req.Rate,
		Pitch:       req.Pitch,
		Volume:      req.Volume,
		SampleRate:  e.sampleRate,
		Channels:    e.channels,
	})
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start tts command: %w", err)
	}
	abort := func(err error) error {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return err
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 256*1024), 8*1024*1024)
	sequence := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var frame execFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			return abort(fmt.Errorf("decode tts frame: %w", err))
		}
		if frame.Error != "" {
			return abort(errors.New(frame.Error))
		}
		pcm, err := base64.StdEncoding.DecodeString(frame.PCMBase64)
		if err != nil {
			return abort(fmt.Errorf("decode tts pcm: %w", err))
		}
		select {
		case chunks <- SynthChunk{
			SessionID:  req.SessionID,
			Sequence:   sequence,
			SampleRate: e.sampleRate,
			Channels:   e.channels,
			PCM:        pcm,
			Final:      frame.Final,
		}:
		case <-ctx.Done():
			return abort(ctx.Err())
		}
		sequence++
	}
	scanErr := scanner.Err()
	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("tts exec command failed: %w: %s", err, msg)
		}
		return fmt.Errorf("tts exec command failed: %w", err)
	}
	if scanErr != nil {
		return fmt.Errorf("read tts output: %w", scanErr)
	}
	if sequence == 0 {
		return errors.New("tts exec command produced no audio")
	}
	return nil
}
