package pacing

var cueLibrary = map[CueStyle][]string{
	CueStyleGentle: {
		"If your mind has wandered, that's okay. Gently come back.",
		"Softly return to this moment.",
		"Notice where your attention is, and kindly bring it home.",
		"There is nothing to fix. Just rest here.",
	},
	CueStyleBreath: {
		"Come back to the breath. In, and out.",
		"Feel the breath moving in, and moving out.",
		"Let the next breath be a little slower.",
		"Rest your attention on the rise and fall of the breath.",
	},
	CueStyleBody: {
		"Notice your body resting where you are.",
		"Let your shoulders soften.",
		"Feel the points where your body meets the ground.",
		"Release any tension in your jaw and hands.",
	},
	CueStyleNature: {
		"Let thoughts drift by like clouds.",
		"Like a still lake, let the mind settle.",
		"Rest like a mountain, steady and calm.",
		"Let each sound come and go like a passing breeze.",
	},
}

var minimalCues = []string{
	"Return.",
	"Breathe.",
	"Rest here.",
	"Soften.",
}

// CueText returns the n-th gentle cue for the given style.
func CueText(style CueStyle, personalization Personalization, n int) string {
	lines := cueLibrary[style]
	if personalization == PersonalizationMinimal || len(lines) == 0 {
		lines = minimalCues
	}
	if n < 0 {
		n = -n
	}
	return lines[n%len(lines)]
}
