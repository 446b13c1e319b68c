package lookahead

import "github.com/loqalabs/loqa-meditation/internal/pacing"

var fallbackSteps = [6]struct{ title, guidance string }{
	{
		"Arriving",
		"Find a comfortable position and let your eyes close. Take a slow breath in, and let it go. Notice the places where your body meets the ground, and let them soften.",
	},
	{
		"Following the Breath",
		"Bring your attention to the breath as it moves in and out. There is nothing to change. When your mind wanders, notice where it went, and gently come back.",
	},
	{
		"Softening the Body",
		"Move your attention slowly from the top of your head down to your feet. Wherever you find tension, breathe into it, and allow it to loosen a little.",
	},
	{
		"Resting in Awareness",
		"Let go of any effort to focus. Simply rest, aware of sounds, sensations and thoughts as they come and go, like clouds passing through an open sky.",
	},
	{
		"Kindness",
		"Place a hand on your heart if that feels right. Silently offer yourself a few kind words: may I be at ease, may I be gentle with myself.",
	},
	{
		"Returning",
		"Begin to deepen your breath. Feel the room around you, and let small movements return to your fingers and toes. When you are ready, open your eyes.",
	},
}

// Fallback returns the pre-authored step for index, rotating through six
// entries.
func Fallback(index, durationSeconds int) pacing.Step {
	entry := fallbackSteps[index%len(fallbackSteps)]
	return pacing.Step{
		Index:           index,
		Title:           entry.title,
		Guidance:        entry.guidance,
		DurationSeconds: durationSeconds,
		Generated:       false,
	}
}
