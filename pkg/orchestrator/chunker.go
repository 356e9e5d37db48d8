package orchestrator

import (
	"strings"
	"unicode"
)

// sentenceChunker groups generated deltas into sentence-sized pieces so the
// synthesizer can start speaking before generation completes.
type sentenceChunker struct {
	buf      strings.Builder
	maxChars int
}

func newSentenceChunker(maxChars int) *sentenceChunker {
	return &sentenceChunker{maxChars: maxChars}
}

// Write appends delta and returns every complete sentence now available.
func (c *sentenceChunker) Write(delta string) []string {
	c.buf.WriteString(delta)
	var out []string
	for {
		s := c.buf.String()
		cut := sentenceEnd(s)
		if cut < 0 && len(s) > c.maxChars {
			cut = strings.LastIndexByte(s[:c.maxChars], ' ')
		}
		if cut <= 0 {
			return out
		}
		if piece := strings.TrimSpace(s[:cut]); piece != "" {
			out = append(out, piece)
		}
		rest := s[cut:]
		c.buf.Reset()
		c.buf.WriteString(rest)
	}
}

// Flush returns whatever text is left.
func (c *sentenceChunker) Flush() string {
	s := strings.TrimSpace(c.buf.String())
	c.buf.Reset()
	return s
}

func (c *sentenceChunker) Reset() {
	c.buf.Reset()
}

// sentenceEnd returns the index just past the first terminal punctuation mark
// that is followed by whitespace, or -1.
func sentenceEnd(s string) int {
	for i, r := range s {
		switch r {
		case '.', '!', '?', ';', ':', '…':
			next := i + len(string(r))
			if next < len(s) && unicode.IsSpace(rune(s[next])) {
				return next
			}
		}
	}
	return -1
}
