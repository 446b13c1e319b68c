// Package playback speaks the sentences of the current segment in order and
// keeps the exact position needed to resume after a pause.
package playback

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-meditation/internal/config"
	"github.com/loqalabs/loqa-meditation/internal/segmenter"
	"github.com/loqalabs/loqa-meditation/internal/tts"
)

// Gaps holds the silence inserted after each pause class.
type Gaps struct {
	Terminal    time.Duration
	Question    time.Duration
	Clause      time.Duration
	Breath      time.Duration
	Enumeration time.Duration
}

func GapsFromConfig(cfg config.PlaybackConfig) Gaps {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return Gaps{
		Terminal:    ms(cfg.TerminalGapMS),
		Question:    ms(cfg.QuestionGapMS),
		Clause:      ms(cfg.ClauseGapMS),
		Breath:      ms(cfg.BreathGapMS),
		Enumeration: ms(cfg.EnumerationGapMS),
	}
}

// After returns the gap to leave after unit.
func (g Gaps) After(unit string) time.Duration {
	switch segmenter.PauseAfter(unit) {
	case segmenter.PauseTerminal:
		return g.Terminal
	case segmenter.PauseQuestion:
		return g.Question
	case segmenter.PauseBreath:
		return g.Breath
	case segmenter.PauseEnumeration:
		return g.Enumeration
	default:
		return g.Clause
	}
}

// Dispatcher hands asynchronous completions back to the goroutine that owns the
// Coordinator. Both methods must return without blocking on that goroutine.
type Dispatcher interface {
	SpeechEvent(ev tts.Event)
	GapElapsed(token uint64)
}

// Position identifies where playback is within the current segment.
type Position struct {
	// Sentence is the unit being spoken or last spoken, -1 before the first.
	Sentence int
	// Resume is the unit spoken first when playback continues.
	Resume int

	Text     string
	Speaking bool
}

// Coordinator is driven from a single goroutine; it is not safe for concurrent
// use. Completions arrive through the Dispatcher and must be passed back in via
// OnSpeech and OnGap.
type Coordinator struct {
	speaker  tts.Speaker
	dispatch Dispatcher
	voice    tts.Utterance
	gaps     Gaps
	logger   *slog.Logger

	units   []string
	live    bool
	next    int
	current int
	held    string

	playing  bool
	speaking string
	gapToken uint64
	gapTimer *time.Timer
	waiting  bool
}

// New returns an idle coordinator. voice supplies the voice, rate, pitch and
// volume of every utterance.
func New(speaker tts.Speaker, dispatch Dispatcher, voice tts.Utterance, gaps Gaps, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		speaker:  speaker,
		dispatch: dispatch,
		voice:    voice,
		gaps:     gaps,
		current:  -1,
		logger:   logger.With(slog.String("component", "playback")),
	}
}

// Load replaces the sentence buffer with the units of a new spoken segment.
// live marks a buffer that may still grow through Append.
func (c *Coordinator) Load(units []string, live bool) {
	c.interrupt()
	c.units = append(c.units[:0:0], units...)
	c.live = live
	c.next = 0
	c.current = -1
	c.advance()
}

// Append extends a live buffer with a newer segmentation of the same text.
// Loaded units that differ are replaced from the first change. When the change
// reaches a unit already spoken or in flight, playback restarts there so no
// revised text is lost.
func (c *Coordinator) Append(units []string, live bool) {
	diverge := 0
	for diverge < len(units) && diverge < len(c.units) && units[diverge] == c.units[diverge] {
		diverge++
	}
	if diverge < len(c.units) {
		if diverge < c.next || (c.speaking != "" && diverge == c.current) {
			c.logger.Warn("spoken sentence revised, repeating from it",
				slog.Int("sentence_index", diverge),
				slog.String("spoken", c.units[diverge]))
			c.interrupt()
			c.next = diverge
		}
		c.units = c.units[:diverge]
	}
	c.units = append(c.units, units[diverge:]...)
	c.live = live
	c.advance()
}

// Silence empties the buffer for a silent segment. The last spoken sentence
// stays visible.
func (c *Coordinator) Silence() {
	c.interrupt()
	c.units = nil
	c.live = false
	c.next = 0
	c.current = -1
}

func (c *Coordinator) Play() {
	c.playing = true
	c.advance()
}

// Pause stops speech mid-sentence. The interrupted sentence is spoken again
// from its start on Play.
func (c *Coordinator) Pause() {
	c.playing = false
	if c.speaking != "" {
		c.next = c.current
	}
	c.interrupt()
}

// Stop halts speech and forgets pending work.
func (c *Coordinator) Stop() {
	c.playing = false
	c.interrupt()
	c.units = nil
	c.live = false
}

// OnSpeech consumes a speaker event. Events for utterances other than the one
// in flight are stale and ignored.
func (c *Coordinator) OnSpeech(ev tts.Event) {
	if ev.UtteranceID == "" || ev.UtteranceID != c.speaking {
		return
	}
	switch ev.Kind {
	case tts.Started:
		return
	case tts.Failed:
		c.logger.Warn("utterance failed, skipping sentence",
			slog.Int("sentence_index", c.current),
			slog.String("utterance_id", ev.UtteranceID),
			slog.Any("error", ev.Err))
		c.speaking = ""
		c.next = c.current + 1
		c.advance()
	case tts.Done:
		c.speaking = ""
		c.next = c.current + 1
		if c.next < len(c.units) || c.live {
			c.startGap(c.gaps.After(c.units[c.current]))
			return
		}
	}
}

// OnGap consumes a gap timer expiry.
func (c *Coordinator) OnGap(token uint64) {
	if !c.waiting || token != c.gapToken {
		return
	}
	c.waiting = false
	c.gapTimer = nil
	c.advance()
}

// Drained reports whether every unit of a finished buffer has been spoken.
func (c *Coordinator) Drained() bool {
	return !c.live && c.speaking == "" && !c.waiting && c.next >= len(c.units)
}

// Awaiting reports whether playback is suspended waiting for more text.
func (c *Coordinator) Awaiting() bool {
	return c.live && c.speaking == "" && !c.waiting && c.next >= len(c.units)
}

func (c *Coordinator) Position() Position {
	return Position{Sentence: c.current, Resume: c.next, Text: c.held, Speaking: c.speaking != ""}
}

func (c *Coordinator) advance() {
	for c.playing && c.speaking == "" && !c.waiting && c.next < len(c.units) {
		c.current = c.next
		text := c.units[c.current]
		u := c.voice
		u.ID = uuid.NewString()
		u.Text = text
		c.speaking = u.ID
		c.held = text
		if err := c.speaker.Speak(u, c.dispatch.SpeechEvent); err != nil {
			c.logger.Warn("failed to start utterance, skipping sentence",
				slog.Int("sentence_index", c.current),
				slog.String("error", err.Error()))
			c.speaking = ""
			c.next = c.current + 1
		}
	}
}

func (c *Coordinator) startGap(d time.Duration) {
	c.gapToken++
	token := c.gapToken
	c.waiting = true
	if d <= 0 {
		c.waiting = false
		c.advance()
		return
	}
	c.gapTimer = time.AfterFunc(d, func() { c.dispatch.GapElapsed(token) })
}

func (c *Coordinator) interrupt() {
	if c.speaking != "" {
		c.speaker.Stop()
		c.speaking = ""
	}
	if c.gapTimer != nil {
		c.gapTimer.Stop()
		c.gapTimer = nil
	}
	c.gapToken++
	c.waiting = false
}
