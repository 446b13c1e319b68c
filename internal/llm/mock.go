package llm

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"strings"
	"time"
)

var mockScripts = []struct {
	title    string
	guidance string
}{
	{"Arriving", "Find a comfortable position and let your eyes close. Take a slow breath in, and let it go. Notice the weight of your body, supported and still. There is nowhere else you need to be."},
	{"Following the Breath", "Bring your attention to the breath at the tip of your nose. Feel the cool air coming in, and the warm air leaving. When your mind wanders, gently return to the next breath."},
	{"Softening the Body", "Scan slowly from the top of your head down to your feet. Wherever you find tightness, breathe into it. Let your shoulders drop, your hands rest, your face soften."},
	{"Resting in Awareness", "Let go of any effort to control the breath. Simply rest in awareness of sounds, sensations, and thoughts as they come and go. You are the sky, and these are passing weather."},
	{"Closing", "Begin to deepen the breath. Feel the ground beneath you and the space around you. When you are ready, gently open your eyes, carrying this calm with you."},
}

type mockGenerator struct {
	delay time.Duration
}

// NewMockGenerator streams a canned JSON step word by word, pausing delay
// between tokens.
func NewMockGenerator(delay time.Duration) Generator { return &mockGenerator{delay: delay} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	h := fnv.New32a()
	_, _ = h.Write([]byte(req.Prompt))
	script := mockScripts[int(h.Sum32()%uint32(len(mockScripts)))]
	payload, err := json.Marshal(map[string]string{"title": script.title, "guidance": script.guidance})
	if err != nil {
		return err
	}

	start := time.Now()
	tokens := strings.SplitAfter(string(payload), " ")
	for i, token := range tokens {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.delay):
		}
		if err := consumer(Chunk{
			SessionID: req.SessionID,
			Content:   token,
			Partial:   i < len(tokens)-1,
			Latency:   time.Since(start),
			TraceID:   req.TraceID,
		}); err != nil {
			return err
		}
	}
	return nil
}
