package tts

import (
	"context"
	"time"
)

// maxMockPCM caps the silence buffer so long guidance stays cheap in tests.
const maxMockPCM = 1 << 20

// MockSynth "speaks" at a fixed pace per rune and returns one chunk of 16-bit
// silence matching that duration.
type MockSynth struct {
	sampleRate int
	channels   int
	perRune    time.Duration
}

func NewMockSynth(sampleRate, channels int, perRune time.Duration) *MockSynth {
	return &MockSynth{sampleRate: sampleRate, channels: channels, perRune: perRune}
}

// speakingTime is how long the text takes at the configured pace.
func (m *MockSynth) speakingTime(text string) time.Duration {
	return time.Duration(len([]rune(text))) * m.perRune
}

func (m *MockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	d := m.speakingTime(req.Text)
	go func() {
		defer close(chunks)
		defer close(errs)
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-timer.C:
		}
		size := int(d.Seconds()*float64(m.sampleRate)) * m.channels * 2
		if size > maxMockPCM {
			size = maxMockPCM
		}
		chunks <- SynthChunk{
			SessionID:  req.SessionID,
			SampleRate: m.sampleRate,
			Channels:   m.channels,
			PCM:        make([]byte, size),
			Final:      true,
		}
	}()
	return chunks, errs
}
