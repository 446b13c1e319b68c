// Package streamparse extracts the title and guidance fields from a JSON object
// that is still being generated token by token.
package streamparse

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// FallbackGuidance is exposed when the final buffer holds no usable guidance.
const FallbackGuidance = "Let your eyes close gently and bring your attention to your breath. " +
	"Breathe in slowly through your nose, and let the breath go without effort. " +
	"Each time your mind wanders, notice where it went, and kindly return to the breath."

var (
	titlePattern    = regexp.MustCompile(`"title"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	guidancePattern = regexp.MustCompile(`"guidance"\s*:\s*"((?:[^"\\]|\\.)*)`)
	partialUnicode  = regexp.MustCompile(`\\u[0-9a-fA-F]{0,3}$`)
)

// EventKind identifies a parser event.
type EventKind int

const (
	TitleFound EventKind = iota
	GuidanceGrew
)

func (k EventKind) String() string {
	switch k {
	case TitleFound:
		return "title_found"
	case GuidanceGrew:
		return "guidance_grew"
	default:
		return "unknown"
	}
}

// Event reports a newly exposed field value.
type Event struct {
	Kind EventKind
	Text string
}

// Result is the outcome of the final parse.
type Result struct {
	Title    string
	Guidance string
	// Degraded is set when Guidance is FallbackGuidance rather than generated text.
	Degraded bool
}

// Parser accumulates raw generated text. It is not safe for concurrent use.
type Parser struct {
	buf      strings.Builder
	title    string
	guidance string
}

func New() *Parser {
	return &Parser{}
}

// Feed appends token and returns the events it caused. The exposed guidance only
// ever grows; a value that is not an extension of the previous one is withheld.
func (p *Parser) Feed(token string) []Event {
	if token == "" {
		return nil
	}
	p.buf.WriteString(token)
	body, ok := p.object()
	if !ok {
		return nil
	}

	var events []Event
	if p.title == "" {
		if m := titlePattern.FindStringSubmatch(body); m != nil {
			if title := strings.TrimSpace(unescape(m[1])); title != "" {
				p.title = title
				events = append(events, Event{Kind: TitleFound, Text: title})
			}
		}
	}
	if m := guidancePattern.FindStringSubmatch(body); m != nil {
		if p.expose(unescape(trimDangling(m[1]))) {
			events = append(events, Event{Kind: GuidanceGrew, Text: p.guidance})
		}
	}
	return events
}

// Title returns the title exposed so far.
func (p *Parser) Title() string { return p.title }

// Guidance returns the guidance exposed so far.
func (p *Parser) Guidance() string { return p.guidance }

// Finish parses the complete buffer. When the buffer is not valid JSON the
// best-effort extraction is kept; only an empty extraction yields
// FallbackGuidance.
func (p *Parser) Finish() Result {
	res := Result{Title: p.title, Guidance: p.guidance}
	if body, ok := p.object(); ok {
		if end := strings.LastIndex(body, "}"); end >= 0 {
			var payload struct {
				Title    string `json:"title"`
				Guidance string `json:"guidance"`
			}
			if err := json.Unmarshal([]byte(body[:end+1]), &payload); err == nil {
				if res.Title == "" {
					res.Title = strings.TrimSpace(payload.Title)
				}
				if strings.HasPrefix(payload.Guidance, p.guidance) {
					res.Guidance = payload.Guidance
				}
			}
		}
	}
	if strings.TrimSpace(res.Guidance) == "" {
		res.Guidance = FallbackGuidance
		res.Degraded = true
	}
	p.guidance = res.Guidance
	return res
}

func (p *Parser) object() (string, bool) {
	raw := p.buf.String()
	idx := strings.IndexByte(raw, '{')
	if idx < 0 {
		return "", false
	}
	return raw[idx:], true
}

func (p *Parser) expose(candidate string) bool {
	if candidate == "" || len(candidate) <= len(p.guidance) {
		return false
	}
	if !strings.HasPrefix(candidate, p.guidance) {
		return false
	}
	p.guidance = candidate
	return true
}

// trimDangling drops an escape sequence cut off at the end of an unterminated
// string value.
func trimDangling(s string) string {
	return partialUnicode.ReplaceAllString(s, "")
}

func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			b.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case '"', '\\', '/':
			b.WriteByte(s[i])
		case 'u':
			if i+5 <= len(s) {
				if r, err := strconv.ParseUint(s[i+1:i+5], 16, 32); err == nil {
					b.WriteRune(rune(r))
					i += 4
					continue
				}
			}
			b.WriteString(`\u`)
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
