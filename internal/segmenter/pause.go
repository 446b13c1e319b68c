package segmenter

import (
	"regexp"
	"strings"
	"unicode"
)

// Pause classifies the silence that should follow a spoken unit.
type Pause int

const (
	PauseClause Pause = iota
	PauseTerminal
	PauseQuestion
	PauseBreath
	PauseEnumeration
)

func (p Pause) String() string {
	switch p {
	case PauseClause:
		return "clause"
	case PauseTerminal:
		return "terminal"
	case PauseQuestion:
		return "question"
	case PauseBreath:
		return "breath"
	case PauseEnumeration:
		return "enumeration"
	default:
		return "unknown"
	}
}

var (
	breathWords      = regexp.MustCompile(`(?i)\b(breathe|breath|breathing|inhale|exhale)\b`)
	enumerationStart = regexp.MustCompile(`(?i)^(?:(?:first|second|third|fourth|next|then|finally)\b|\d+[.)])`)
)

// PauseAfter returns the pause class for unit. Terminal punctuation wins; an
// unfinished unit that mentions the breath or opens an enumeration gets the
// longer of the clause pauses.
func PauseAfter(unit string) Pause {
	trimmed := strings.TrimRightFunc(unit, func(r rune) bool {
		return unicode.IsSpace(r) || isCloser(r)
	})
	if strings.HasSuffix(trimmed, "?") {
		return PauseQuestion
	}
	if EndsSentence(trimmed) {
		return PauseTerminal
	}
	if breathWords.MatchString(trimmed) {
		return PauseBreath
	}
	if enumerationStart.MatchString(strings.TrimSpace(trimmed)) {
		return PauseEnumeration
	}
	return PauseClause
}
