// Package segment splits long-form text into atomic units of speech.
// Segments are what the scheduler prefetches: each carries its index
// within the chapter and a duration estimate used before real audio
// exists.
package segment

import (
	"regexp"
	"strings"
	"time"
	"unicode"
)

// Segment is an atomic unit of text for synthesis. Immutable once
// created; the scheduler refers to segments by index.
type Segment struct {
	Index       int           // Sequence index within the chapter
	Text        string        // Normalized plain text
	EstDuration time.Duration // Heuristic speaking duration
}

// Splitter extracts segments from plain or lightly marked-up text.
type Splitter struct {
	minLength     int
	abbreviations map[string]bool

	inlineCodeRegex *regexp.Regexp
	linkRegex       *regexp.Regexp
	strongRegex     *regexp.Regexp
	emphasisRegex   *regexp.Regexp
	headingRegex    *regexp.Regexp
	listItemRegex   *regexp.Regexp
	spaceRegex      *regexp.Regexp
}

// NewSplitter creates a splitter with default settings.
func NewSplitter() *Splitter {
	return &Splitter{
		minLength:     3,
		abbreviations: makeAbbreviationMap(),

		inlineCodeRegex: regexp.MustCompile("`[^`]+`"),
		linkRegex:       regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`),
		strongRegex:     regexp.MustCompile(`\*\*([^*]+)\*\*|__([^_]+)__`),
		emphasisRegex:   regexp.MustCompile(`\*([^*]+)\*|_([^_]+)_`),
		headingRegex:    regexp.MustCompile(`^#{1,6}\s+(.+)$`),
		listItemRegex:   regexp.MustCompile(`^[\s]*[-*+]\s+(.+)$|^[\s]*\d+\.\s+(.+)$`),
		spaceRegex:      regexp.MustCompile(`\s+`),
	}
}

// Split extracts segments from content. Code fences are skipped
// entirely; inline markup is stripped down to its speakable text.
func (s *Splitter) Split(content string) []Segment {
	plain := s.stripMarkup(content)
	bounds := s.findBoundaries(plain)

	segments := make([]Segment, 0, len(bounds))
	for _, b := range bounds {
		text := strings.TrimSpace(plain[b.start:b.end])
		if len(text) < s.minLength {
			continue
		}
		segments = append(segments, Segment{
			Index:       len(segments),
			Text:        text,
			EstDuration: EstimateDuration(text),
		})
	}
	return segments
}

// EstimateDuration estimates the speaking duration for text at a
// base rate of 150 words per minute, slowed for dense punctuation,
// numbers and long words.
func EstimateDuration(text string) time.Duration {
	words := strings.Fields(text)
	count := len(words)
	if count == 0 {
		count = 1
	}

	complexity := 0.0
	longWords := 0
	for _, w := range words {
		if len(w) > 10 {
			longWords++
		}
		for _, r := range w {
			switch {
			case unicode.IsDigit(r):
				complexity += 0.002
			case r == ',' || r == ';' || r == ':' || r == '(' || r == ')':
				complexity += 0.01
			}
		}
	}
	complexity += float64(longWords) / float64(count+1) * 0.1
	if complexity > 0.5 {
		complexity = 0.5
	}

	rate := 150.0 * (1.0 - complexity*0.2)
	seconds := float64(count) * 60.0 / rate
	return time.Duration(seconds * float64(time.Second))
}

var codeBlockRegex = regexp.MustCompile("(?s)```[^`]*```|~~~[^~]*~~~")

func (s *Splitter) stripMarkup(content string) string {
	content = codeBlockRegex.ReplaceAllString(content, " ")

	lines := strings.Split(content, "\n")
	var b strings.Builder
	for i, line := range lines {
		if m := s.headingRegex.FindStringSubmatch(line); len(m) > 1 {
			// Treat a heading as its own sentence.
			line = ensureTerminated(m[1])
		}
		if m := s.listItemRegex.FindStringSubmatch(line); len(m) > 0 {
			for _, match := range m[1:] {
				if match != "" {
					line = match
					break
				}
			}
		}
		line = strings.TrimPrefix(line, "> ")

		line = s.inlineCodeRegex.ReplaceAllString(line, "")
		line = s.linkRegex.ReplaceAllString(line, "$1")
		line = s.strongRegex.ReplaceAllString(line, "$1$2")
		line = s.emphasisRegex.ReplaceAllString(line, "$1$2")
		line = s.spaceRegex.ReplaceAllString(line, " ")
		line = strings.TrimSpace(line)

		b.WriteString(line)
		if i < len(lines)-1 && line != "" {
			b.WriteRune(' ')
		}
	}
	return b.String()
}

func ensureTerminated(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return text
	}
	switch text[len(text)-1] {
	case '.', '!', '?':
		return text
	}
	return text + "."
}

type boundary struct {
	start int
	end   int
}

func (s *Splitter) findBoundaries(text string) []boundary {
	var bounds []boundary
	runes := []rune(text)
	lastStart := 0

	for i := 0; i < len(runes); i++ {
		if runes[i] != '.' && runes[i] != '!' && runes[i] != '?' {
			continue
		}

		punctEnd := i + 1
		for punctEnd < len(runes) && (runes[punctEnd] == '!' || runes[punctEnd] == '?' || runes[punctEnd] == '.') {
			punctEnd++
		}
		if punctEnd < len(runes) && (runes[punctEnd] == '"' || runes[punctEnd] == '\'' || runes[punctEnd] == ')' || runes[punctEnd] == ']') {
			punctEnd++
		}

		if !s.isSentenceEnd(runes, i) {
			continue
		}

		bounds = append(bounds, boundary{start: lastStart, end: punctEnd})
		for punctEnd < len(runes) && unicode.IsSpace(runes[punctEnd]) {
			punctEnd++
		}
		lastStart = punctEnd
		i = punctEnd - 1
	}

	if lastStart < len(runes) {
		if rest := strings.TrimSpace(string(runes[lastStart:])); rest != "" {
			bounds = append(bounds, boundary{start: lastStart, end: len(runes)})
		}
	}
	if len(bounds) == 0 && strings.TrimSpace(text) != "" {
		bounds = append(bounds, boundary{start: 0, end: len(runes)})
	}

	// Rune positions to byte positions.
	for i := range bounds {
		bounds[i].start = len(string(runes[:bounds[i].start]))
		bounds[i].end = len(string(runes[:bounds[i].end]))
	}
	return bounds
}

func (s *Splitter) isSentenceEnd(runes []rune, pos int) bool {
	punct := runes[pos]

	// The word holding the punctuation, lowercased.
	start := pos - 1
	for start >= 0 && !unicode.IsSpace(runes[start]) {
		start--
	}
	word := strings.ToLower(string(runes[start+1 : pos+1]))

	if punct == '.' && word != "" {
		if s.abbreviations[word] || s.abbreviations[strings.TrimSuffix(word, ".")] {
			return false
		}
		// Multi-part abbreviations like "u.s." or "ph.d."
		if strings.Count(word, ".") > 1 {
			return false
		}
	}

	// Decimal numbers.
	if punct == '.' && pos > 0 && pos+1 < len(runes) &&
		unicode.IsDigit(runes[pos-1]) && unicode.IsDigit(runes[pos+1]) {
		return false
	}

	// Ellipsis.
	if punct == '.' && pos+2 < len(runes) && runes[pos+1] == '.' && runes[pos+2] == '.' {
		return false
	}

	next := pos + 1
	for next < len(runes) && (runes[next] == '"' || runes[next] == '\'' || runes[next] == ')' || runes[next] == ']') {
		next++
	}
	if next >= len(runes) {
		return true
	}
	if !unicode.IsSpace(runes[next]) {
		return false
	}
	for next < len(runes) && unicode.IsSpace(runes[next]) {
		next++
	}
	if next < len(runes) && unicode.IsUpper(runes[next]) {
		return true
	}
	return punct == '!' || punct == '?'
}

func makeAbbreviationMap() map[string]bool {
	abbrevs := []string{
		"mr", "mrs", "ms", "dr", "prof", "sr", "jr",
		"i.e", "e.g", "etc", "vs", "cf", "al",
		"inc", "ltd", "co", "corp",
		"jan", "feb", "mar", "apr", "jun", "jul", "aug", "sep", "sept", "oct", "nov", "dec",
		"st", "rd", "ave", "blvd",
		"u.s", "u.k", "u.n", "e.u",
		"ft", "lbs", "oz", "kg", "km", "cm", "mm", "mi",
		"hr", "hrs", "min", "mins", "sec", "secs",
	}
	m := make(map[string]bool, len(abbrevs)*2)
	for _, a := range abbrevs {
		m[a] = true
		if !strings.Contains(a, ".") {
			m[a+"."] = true
		}
	}
	return m
}
