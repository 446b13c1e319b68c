package segmenter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegment(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{
			name:  "terminal punctuation",
			input: "Close your eyes. Are you comfortable? Good!",
			want:  []string{"Close your eyes.", "Are you comfortable?", "Good!"},
		},
		{
			name:  "clauses inside sentences",
			input: "Breathe in, hold it gently; and let go. Rest.",
			want:  []string{"Breathe in,", "hold it gently;", "and let go.", "Rest."},
		},
		{
			name:  "no terminal punctuation falls back to clauses",
			input: "Soften your shoulders, relax the jaw: let the face rest",
			want:  []string{"Soften your shoulders,", "relax the jaw:", "let the face rest"},
		},
		{
			name:  "dashes",
			input: "Notice the breath—without changing it -- just noticing",
			want:  []string{"Notice the breath—", "without changing it --", "just noticing"},
		},
		{
			name:  "closing quote after punctuation",
			input: `Say to yourself "I am here." Then rest.`,
			want:  []string{`Say to yourself "I am here."`, "Then rest."},
		},
		{
			name:  "decimal is not a boundary",
			input: "Breathe for 2.5 seconds. Then pause.",
			want:  []string{"Breathe for 2.5 seconds.", "Then pause."},
		},
		{
			name:  "empty",
			input: "   ",
			want:  nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Segment(tt.input))
		})
	}
}

func TestSegmentRunOnIsChunked(t *testing.T) {
	words := make([]string, 30)
	for i := range words {
		words[i] = "word"
	}
	units := Segment(strings.Join(words, " "))
	require.Len(t, units, 3)
	assert.Len(t, strings.Fields(units[0]), ChunkWords)
	assert.Len(t, strings.Fields(units[1]), ChunkWords)
	assert.Len(t, strings.Fields(units[2]), 6)

	short := strings.Join(words[:RunOnWords], " ")
	assert.Equal(t, []string{short}, Segment(short))
}

func TestSegmentIsDeterministic(t *testing.T) {
	text := "Let the breath settle, slowly. Feel the ground beneath you; notice its support. And rest"
	assert.Equal(t, Segment(text), Segment(text))
}

func TestCompleteWithholdsTrailingFragment(t *testing.T) {
	assert.Equal(t, []string{"Close your eyes."}, Complete("Close your eyes. Now bre"))
	assert.Equal(t, []string{"Close your eyes.", "Now breathe."}, Complete("Close your eyes. Now breathe. "))
	assert.Empty(t, Complete("Close your"))
}

func TestCompleteHoldsBareTerminalUntilWhitespace(t *testing.T) {
	assert.Empty(t, Complete("Breathe in for 3."))
	assert.Equal(t, []string{"Close your eyes."}, Complete("Close your eyes. Relax."))
	assert.Equal(t, []string{"Close your eyes.", "Relax."}, Complete("Close your eyes. Relax.\n"))
	assert.Equal(t, []string{"Breathe in for 3.5 seconds."}, Complete("Breathe in for 3.5 seconds. "))
}

func TestCompleteNeverContradictsFinalText(t *testing.T) {
	texts := []string{
		"Breathe in for 3.5 seconds... then rest, e.g. gently. Hold—softly -- and release. " +
			"Wait... Now exhale for 4.25 counts! Is it \"easy?\" Yes.",
		"Count 1. 2. 3... and 4.75 breaths, i.e. slowly. Rest.",
	}
	for _, full := range texts {
		want := Segment(full)
		runes := []rune(full)
		for i := 1; i <= len(runes); i++ {
			prefix := string(runes[:i])
			got := Complete(prefix)
			require.LessOrEqual(t, len(got), len(want), "prefix %q", prefix)
			require.Equal(t, want[:len(got)], got, "prefix %q", prefix)
		}
		assert.Equal(t, want, Complete(full+" "))
	}
}

func TestCompleteIsPrefixStable(t *testing.T) {
	full := "Find a comfortable position, and let your body settle. " +
		"Take a deep breath in; and slowly let it go. " +
		"Notice the weight of your hands—resting, heavy, warm. " +
		"With each breath let yourself arrive a little more fully in this moment and in this body and in this room without any need to change a thing at all. " +
		"Rest here."

	var previous []string
	for i := 1; i <= len(full); i++ {
		prefix := full[:i]
		current := Complete(prefix)
		require.GreaterOrEqual(t, len(current), len(previous), "prefix %q", prefix)
		if len(previous) > 0 {
			require.Equal(t, previous, current[:len(previous)], "prefix %q", prefix)
		}
		previous = current
	}
	final := Segment(full)
	assert.Equal(t, final[:len(final)-1], previous)
}

func TestEndsSentence(t *testing.T) {
	assert.True(t, EndsSentence("Rest."))
	assert.True(t, EndsSentence(`"Rest?"`))
	assert.False(t, EndsSentence("Rest,"))
	assert.False(t, EndsSentence(""))
}

func TestPauseAfter(t *testing.T) {
	cases := []struct {
		unit string
		want Pause
	}{
		{"Close your eyes.", PauseTerminal},
		{"Let it go!", PauseTerminal},
		{"How does your body feel?", PauseQuestion},
		{`Ask yourself, "what do I need?"`, PauseQuestion},
		{"Breathe in slowly,", PauseBreath},
		{"as you exhale;", PauseBreath},
		{"First, the feet,", PauseEnumeration},
		{"2) the hands,", PauseEnumeration},
		{"and let the shoulders drop,", PauseClause},
		{"a breathless moment", PauseClause},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, PauseAfter(tc.unit), tc.unit)
	}
}
