// Package segmenter splits guidance text into ordered speakable units.
//
// Segment is deterministic and prefix-stable: every unit except the last one
// returned for a text is also returned, unchanged and at the same position, for
// any longer text that starts with it.
package segmenter

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// RunOnWords is the word count above which an unpunctuated unit is chunked.
	RunOnWords = 20
	// ChunkWords is the size of the fixed word groups used for run-on text.
	ChunkWords = 12
)

// Segment returns every speakable unit of text, including a trailing unit that
// may still be incomplete.
func Segment(text string) []string {
	var units []string
	for _, sentence := range splitSentences(text) {
		for _, clause := range splitClauses(sentence) {
			units = append(units, chunkRunOn(clause)...)
		}
	}
	return units
}

// Complete returns only the units that are safe to speak while text is still
// growing: all but the last, plus the last when it ends with terminal
// punctuation that whitespace has already followed. A bare trailing '.' may
// still become "3.5", "..." or "e.g.", so that unit waits for Segment on the
// final text.
func Complete(text string) []string {
	units := Segment(text)
	if len(units) == 0 {
		return nil
	}
	last := units[len(units)-1]
	if EndsSentence(last) && endsWithSpace(text) {
		return units
	}
	return units[:len(units)-1]
}

func endsWithSpace(text string) bool {
	r, _ := utf8.DecodeLastRuneInString(text)
	return r != utf8.RuneError && unicode.IsSpace(r)
}

// EndsSentence reports whether unit ends with '.', '!' or '?', ignoring closing
// quotes and brackets.
func EndsSentence(unit string) bool {
	trimmed := strings.TrimRightFunc(unit, func(r rune) bool {
		return unicode.IsSpace(r) || isCloser(r)
	})
	if trimmed == "" {
		return false
	}
	switch trimmed[len(trimmed)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}

func splitSentences(text string) []string {
	runes := []rune(text)
	var out []string
	start := skipSpace(runes, 0)
	for i := start; i < len(runes); i++ {
		if !isTerminal(runes[i]) {
			continue
		}
		j := i + 1
		for j < len(runes) && isCloser(runes[j]) {
			j++
		}
		if j < len(runes) && unicode.IsSpace(runes[j]) {
			out = appendPiece(out, runes[start:j])
			start = skipSpace(runes, j)
			i = start - 1
		}
	}
	return appendPiece(out, runes[start:])
}

func splitClauses(sentence string) []string {
	runes := []rune(sentence)
	var out []string
	start := 0
	for i := 0; i < len(runes); i++ {
		cut := -1
		switch {
		case runes[i] == ',' || runes[i] == ';' || runes[i] == ':':
			if i+1 < len(runes) && unicode.IsSpace(runes[i+1]) {
				cut = i + 1
			}
		case runes[i] == '—':
			cut = i + 1
		case runes[i] == '-' && i+1 < len(runes) && runes[i+1] == '-':
			cut = i + 2
		}
		if cut < 0 {
			continue
		}
		if piece := strings.TrimSpace(string(runes[start:cut])); piece != "" && !isDashOnly(piece) {
			out = append(out, piece)
			start = skipSpace(runes, cut)
		}
		i = cut - 1
	}
	return appendPiece(out, runes[start:])
}

func chunkRunOn(unit string) []string {
	words := strings.Fields(unit)
	if len(words) <= RunOnWords {
		return []string{unit}
	}
	var out []string
	for start := 0; start < len(words); start += ChunkWords {
		end := start + ChunkWords
		if end > len(words) {
			end = len(words)
		}
		out = append(out, strings.Join(words[start:end], " "))
	}
	return out
}

func appendPiece(out []string, piece []rune) []string {
	if s := strings.TrimSpace(string(piece)); s != "" {
		out = append(out, s)
	}
	return out
}

func skipSpace(runes []rune, i int) int {
	for i < len(runes) && unicode.IsSpace(runes[i]) {
		i++
	}
	return i
}

func isDashOnly(s string) bool {
	return strings.Trim(s, "-— ") == ""
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '”', '’':
		return true
	}
	return false
}
