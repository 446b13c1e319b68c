package session

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotReady          = errors.New("session is not ready")
	ErrUnknownSession    = errors.New("unknown session identity")
	ErrClosed            = errors.New("session closed")
)

// MaxMinutes bounds the length of a custom session.
const MaxMinutes = 120

// Identity is a parsed session identity string.
type Identity struct {
	Kind    string
	Title   string
	Theme   string
	Focus   string
	Mood    string
	Context string
	Minutes int
}

var catalogue = map[string]Identity{
	"breathing": {
		Kind: "breathing", Title: "Breath Awareness", Minutes: 10,
		Theme: "resting attention on the natural breath",
	},
	"body_scan": {
		Kind: "body_scan", Title: "Body Scan", Minutes: 15,
		Theme: "moving attention slowly through the body, releasing tension",
	},
	"loving_kindness": {
		Kind: "loving_kindness", Title: "Loving Kindness", Minutes: 12,
		Theme: "offering warmth and goodwill to oneself and others",
	},
	"sleep": {
		Kind: "sleep", Title: "Sleep", Minutes: 20,
		Theme: "slowing down and letting the body drift toward sleep",
	},
	"focus": {
		Kind: "focus", Title: "Focus", Minutes: 10,
		Theme: "gathering a scattered mind onto a single point",
	},
	"stress_relief": {
		Kind: "stress_relief", Title: "Stress Relief", Minutes: 10,
		Theme: "softening the stress response and finding steadiness",
	},
}

// Kinds lists the built-in session kinds.
func Kinds() []string {
	return []string{"breathing", "body_scan", "loving_kindness", "sleep", "focus", "stress_relief"}
}

// ParseIdentity accepts a built-in kind or an ad-hoc
// "custom|focus|mood|context|minutes" string. Errors wrap ErrUnknownSession.
func ParseIdentity(raw string) (Identity, error) {
	raw = strings.TrimSpace(raw)
	parts := strings.Split(raw, "|")
	kind := strings.ToLower(strings.TrimSpace(parts[0]))
	if kind != "custom" {
		id, ok := catalogue[kind]
		if !ok || len(parts) > 1 {
			return Identity{}, fmt.Errorf("%w: %q", ErrUnknownSession, raw)
		}
		return id, nil
	}

	if len(parts) != 5 {
		return Identity{}, fmt.Errorf("%w: custom session needs focus|mood|context|minutes, got %q", ErrUnknownSession, raw)
	}
	focus := strings.TrimSpace(parts[1])
	if focus == "" {
		return Identity{}, fmt.Errorf("%w: custom session focus is empty", ErrUnknownSession)
	}
	minutes, err := strconv.Atoi(strings.TrimSpace(parts[4]))
	if err != nil || minutes < 1 || minutes > MaxMinutes {
		return Identity{}, fmt.Errorf("%w: custom session minutes %q must be 1..%d", ErrUnknownSession, parts[4], MaxMinutes)
	}
	return Identity{
		Kind:    "custom",
		Title:   "Custom: " + focus,
		Focus:   focus,
		Mood:    strings.TrimSpace(parts[2]),
		Context: strings.TrimSpace(parts[3]),
		Minutes: minutes,
	}, nil
}

// PlanSteps splits totalSeconds into steps of about target seconds with
// transition seconds between them. The last step absorbs rounding. Durations
// plus transitions sum to totalSeconds.
func PlanSteps(totalSeconds, target, transition int) []int {
	if totalSeconds <= 0 {
		return []int{0}
	}
	if target <= 0 {
		target = totalSeconds
	}
	n := (totalSeconds + target/2) / target
	if n < 1 {
		n = 1
	}
	for n > 1 && totalSeconds-(n-1)*transition < n*transition {
		n--
	}
	available := totalSeconds - (n-1)*transition
	plan := make([]int, n)
	for i := range plan {
		plan[i] = available / n
	}
	plan[n-1] += available - (available/n)*n
	return plan
}
