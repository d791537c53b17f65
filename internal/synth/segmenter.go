package synth

import (
	"strings"
	"unicode"
)

// Default segment lengths, in runes.
const (
	DefaultFirstMinLen = 6
	DefaultMinLen      = 8
	DefaultMaxLen      = 30
)

// Segmenter cuts an incrementally arriving text stream into speakable
// segments.
//
// A segment ends at a punctuation mark from ".,!?;:" that closes the buffer
// or is followed by whitespace, once the segment is at least MinLen runes
// long (FirstMinLen for the first segment of a turn). When the buffer reaches
// MaxLen runes without such a boundary, it is cut at the last whitespace
// after the minimum, or hard at MaxLen.
//
// A Segmenter is not safe for concurrent use.
type Segmenter struct {
	FirstMinLen int
	MinLen      int
	MaxLen      int

	buf     []rune
	emitted int
}

// NewSegmenter returns a Segmenter with the default thresholds.
func NewSegmenter() *Segmenter {
	return &Segmenter{
		FirstMinLen: DefaultFirstMinLen,
		MinLen:      DefaultMinLen,
		MaxLen:      DefaultMaxLen,
	}
}

// Push appends text and returns every segment that became complete, in
// order. Returned segments are trimmed of surrounding whitespace.
func (s *Segmenter) Push(text string) []string {
	if text == "" {
		return nil
	}
	s.buf = append(s.buf, []rune(text)...)

	var out []string
	for {
		seg, ok := s.next()
		if !ok {
			return out
		}
		out = append(out, seg)
	}
}

// Flush returns the non-empty remainder, if any, and starts a new turn.
func (s *Segmenter) Flush() string {
	rest := strings.TrimSpace(string(s.buf))
	s.Reset()
	return rest
}

// Reset discards buffered text and starts a new turn.
func (s *Segmenter) Reset() {
	s.buf = nil
	s.emitted = 0
}

// Pending returns the number of buffered runes.
func (s *Segmenter) Pending() int { return len(s.buf) }

func (s *Segmenter) next() (string, bool) {
	s.buf = trimLeftSpace(s.buf)

	minLen := s.MinLen
	if s.emitted == 0 {
		minLen = s.FirstMinLen
	}
	maxLen := max(s.MaxLen, minLen)

	limit := min(len(s.buf), maxLen)
	for i := range limit {
		if !isBoundary(s.buf[i]) {
			continue
		}
		// "3.14" or "т.е." mid-word is not a boundary.
		if i+1 < len(s.buf) && !unicode.IsSpace(s.buf[i+1]) {
			continue
		}
		// "3." at the end of the buffer may continue as "3.5" in the next delta.
		if i+1 == len(s.buf) && i > 0 && s.buf[i] != '!' && s.buf[i] != '?' && unicode.IsDigit(s.buf[i-1]) {
			continue
		}
		if i+1 < minLen {
			continue
		}
		return s.cut(i + 1), true
	}

	if len(s.buf) < maxLen {
		return "", false
	}
	at := maxLen
	for j := maxLen; j > minLen; j-- {
		if unicode.IsSpace(s.buf[j-1]) {
			at = j
			break
		}
	}
	return s.cut(at), true
}

func (s *Segmenter) cut(n int) string {
	seg := strings.TrimSpace(string(s.buf[:n]))
	s.buf = append([]rune(nil), s.buf[n:]...)
	s.emitted++
	return seg
}

func isBoundary(r rune) bool {
	switch r {
	case '.', ',', '!', '?', ';', ':':
		return true
	}
	return false
}

func trimLeftSpace(rs []rune) []rune {
	i := 0
	for i < len(rs) && unicode.IsSpace(rs[i]) {
		i++
	}
	return rs[i:]
}
