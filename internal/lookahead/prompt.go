package lookahead

import (
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-meditation/internal/pacing"
)

// Brief describes the session a step is written for.
type Brief struct {
	SessionID       string
	Kind            string
	Theme           string
	Focus           string
	Mood            string
	Context         string
	TotalSteps      int
	Personalization pacing.Personalization
}

// Phase selects the prompt variant for a step position.
type Phase int

const (
	Opening Phase = iota
	Continuation
	Closing
)

func (p Phase) String() string {
	switch p {
	case Opening:
		return "opening"
	case Continuation:
		return "continuation"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// PhaseOf returns the phase of step index in a session of total steps. A single
// step session opens.
func PhaseOf(index, total int) Phase {
	switch {
	case index == 0:
		return Opening
	case index >= total-1:
		return Closing
	default:
		return Continuation
	}
}

const systemPrompt = "You write spoken meditation guidance. Reply with a single JSON object " +
	`{"title": string, "guidance": string} and nothing else. ` +
	"Guidance is read aloud slowly: short plain sentences, no lists, no markup."

// BuildPrompt renders the prompt for one step.
func BuildPrompt(b Brief, index, durationSeconds int) string {
	var sb strings.Builder
	minutes := (durationSeconds + 30) / 60
	if minutes < 1 {
		minutes = 1
	}
	fmt.Fprintf(&sb, "Session: %s", b.Kind)
	if b.Theme != "" {
		fmt.Fprintf(&sb, " (%s)", b.Theme)
	}
	sb.WriteString(".\n")
	if b.Focus != "" {
		fmt.Fprintf(&sb, "Focus: %s.\n", b.Focus)
	}
	if b.Context != "" {
		fmt.Fprintf(&sb, "Context from the listener: %s.\n", b.Context)
	}

	switch PhaseOf(index, b.TotalSteps) {
	case Opening:
		fmt.Fprintf(&sb, "Write the opening step, about %d minute(s) of practice. Welcome the listener, settle the body and arrive in the breath.\n", minutes)
	case Closing:
		fmt.Fprintf(&sb, "Write the closing step %d of %d, about %d minute(s) of practice. Gather the practice, return awareness to the room and end gently.\n", index+1, b.TotalSteps, minutes)
	default:
		fmt.Fprintf(&sb, "Write step %d of %d, about %d minute(s) of practice. Deepen the practice from the previous step without repeating it.\n", index+1, b.TotalSteps, minutes)
	}

	if b.Mood != "" {
		fmt.Fprintf(&sb, "The listener says they feel %s. Acknowledge this once, without judgement, and shape the step to meet it.\n", b.Mood)
	}
	switch b.Personalization {
	case pacing.PersonalizationMinimal:
		sb.WriteString("Keep it sparse: three or four sentences.\n")
	case pacing.PersonalizationGuided:
		sb.WriteString("Be warm and detailed, and end with an open question to reflect on.\n")
	default:
		sb.WriteString("Adapt the amount of instruction to the step; leave room for silence.\n")
	}
	return sb.String()
}
