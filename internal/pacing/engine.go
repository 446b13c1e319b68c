// Package pacing turns a step and the user's pacing preferences into an
// ordered list of timed segments.
package pacing

import "math"

const (
	// CueSeconds is the length of one gentle cue segment.
	CueSeconds = 8
	// MinGapSeconds is the shortest silent gap kept around cues.
	MinGapSeconds = 5
)

const (
	volumeInstruction = 1.0
	volumeCue         = 0.8
	volumeTransition  = 0.9
	volumeSilent      = 0.5
	volumeSilentFaded = 0.35
)

// BuildSegments lays out one step: an opening instruction carrying the full
// guidance, then practice gaps separated by gentle cues. Durations always sum
// to step.DurationSeconds; the last segment absorbs rounding.
func BuildSegments(step Step, prefs Preferences) []Segment {
	total := step.DurationSeconds
	if total < 0 {
		total = 0
	}
	ratio := math.Min(math.Max(prefs.InstructionRatio, MinInstructionRatio), MaxInstructionRatio)
	instruction := int(math.Round(float64(total) * ratio))
	if total > 0 && instruction < 1 {
		instruction = 1
	}
	if instruction > total {
		instruction = total
	}

	segments := []Segment{{
		Type:            Instruction,
		Content:         step.Guidance,
		DurationSeconds: instruction,
		Volume:          volumeInstruction,
	}}
	rest := total - instruction
	if rest == 0 {
		return segments
	}

	silent := silentVolume(prefs)
	cues := cueCount(rest, prefs)
	if cues == 0 {
		return append(segments, Segment{Type: Practice, DurationSeconds: rest, Volume: silent})
	}

	gaps := cues + 1
	silence := rest - cues*CueSeconds
	gapLen := silence / gaps
	for g := 0; g < gaps; g++ {
		kind := Practice
		if g == 0 && prefs.BreathingSync {
			kind = BreathingPause
		}
		if g == gaps-1 {
			segments = append(segments, closingGap(kind, silence-gapLen*(gaps-1), prefs, silent)...)
		} else {
			segments = append(segments, Segment{Type: kind, DurationSeconds: gapLen, Volume: silent})
		}
		if g < cues {
			segments = append(segments, Segment{
				Type:            GentleCue,
				Content:         CueText(prefs.CueStyle, prefs.Personalization, step.Index*gaps+g),
				DurationSeconds: CueSeconds,
				Volume:          volumeCue,
			})
		}
	}

	segments[len(segments)-1].DurationSeconds += total - Total(segments)
	return segments
}

// BuildTransition returns the spoken bridge played between two steps.
func BuildTransition(next Step, seconds int) Segment {
	content := "Gently let this part come to a close, and move into the next."
	if next.Title != "" {
		content = "Gently let this part come to a close. Next: " + next.Title + "."
	}
	if seconds < 0 {
		seconds = 0
	}
	return Segment{Type: Transition, Content: content, DurationSeconds: seconds, Volume: volumeTransition}
}

// Total sums segment durations.
func Total(segments []Segment) int {
	sum := 0
	for _, s := range segments {
		sum += s.DurationSeconds
	}
	return sum
}

// cueCount picks how many cues fit in rest so consecutive cues start within
// the frequency's spacing. Starting from the midpoint interval it drops cues
// that would crowd below the lower bound, then adds cues while the spacing
// stays above the upper bound. A single cue may exceed the upper bound.
func cueCount(rest int, prefs Preferences) int {
	if !prefs.GentleCues {
		return 0
	}
	lo, hi := prefs.CueFrequency.spacing()
	if lo == 0 {
		return 0
	}
	fits := func(n int) bool { return rest-n*CueSeconds >= (n+1)*MinGapSeconds }
	cues := rest / ((lo + hi) / 2)
	for cues > 0 && (!fits(cues) || cueSpacing(rest, cues) < lo) {
		cues--
	}
	for cues > 0 && cueSpacing(rest, cues) > hi && fits(cues+1) && cueSpacing(rest, cues+1) >= lo {
		cues++
	}
	return cues
}

// cueSpacing is the start-to-start distance of cues when rest holds n of them.
func cueSpacing(rest, n int) int {
	return (rest-n*CueSeconds)/(n+1) + CueSeconds
}

// closingGap carves a reflection pause out of the step's last gap for guided
// sessions.
func closingGap(kind SegmentType, length int, prefs Preferences, volume float64) []Segment {
	if prefs.Personalization != PersonalizationGuided {
		return []Segment{{Type: kind, DurationSeconds: length, Volume: volume}}
	}
	reflection := prefs.PauseLength.Seconds()
	if length < reflection+MinGapSeconds {
		return []Segment{{Type: Reflection, DurationSeconds: length, Volume: volume}}
	}
	return []Segment{
		{Type: kind, DurationSeconds: length - reflection, Volume: volume},
		{Type: Reflection, DurationSeconds: reflection, Volume: volume},
	}
}

func silentVolume(prefs Preferences) float64 {
	if prefs.FadeInOut {
		return volumeSilentFaded
	}
	return volumeSilent
}
