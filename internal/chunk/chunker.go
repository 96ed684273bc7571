// Package chunk splits documents into overlapping chunks and derives their
// content addresses.
package chunk

import (
	"strings"
	"unicode"
)

const (
	// DefaultMaxChunkSize is the default chunk length in characters.
	DefaultMaxChunkSize = 2000

	// DefaultOverlap is the default number of characters repeated between
	// consecutive chunks.
	DefaultOverlap = 100
)

// Splitter cuts text into chunks of at most maxChunkSize characters,
// preferring natural boundaries. Lengths are counted in runes.
type Splitter struct {
	maxChunkSize int
	overlap      int
}

// Option configures a Splitter.
type Option func(*Splitter)

// WithMaxChunkSize sets the maximum chunk length. Non-positive values are ignored.
func WithMaxChunkSize(n int) Option {
	return func(s *Splitter) {
		if n > 0 {
			s.maxChunkSize = n
		}
	}
}

// WithOverlap sets the overlap length. Negative values are ignored.
func WithOverlap(n int) Option {
	return func(s *Splitter) {
		if n >= 0 {
			s.overlap = n
		}
	}
}

// NewSplitter returns a Splitter with defaults overridden by opts.
// An overlap that does not fit inside a chunk is clamped to a quarter of it.
func NewSplitter(opts ...Option) *Splitter {
	s := &Splitter{
		maxChunkSize: DefaultMaxChunkSize,
		overlap:      DefaultOverlap,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.overlap >= s.maxChunkSize {
		s.overlap = s.maxChunkSize / 4
	}
	return s
}

// MaxChunkSize returns the effective maximum chunk length.
func (s *Splitter) MaxChunkSize() int { return s.maxChunkSize }

// Overlap returns the effective overlap.
func (s *Splitter) Overlap() int { return s.overlap }

// Split is shorthand for NewSplitter(WithMaxChunkSize(maxChunkSize), WithOverlap(overlap)).Split(text).
func Split(text string, maxChunkSize, overlap int) []string {
	return NewSplitter(WithMaxChunkSize(maxChunkSize), WithOverlap(overlap)).Split(text)
}

// Split returns the chunks of text in order. Blank text yields none.
//
// Inside each window the cut goes after the last paragraph break, else the
// last line break, else the last sentence end, else the last whitespace,
// else exactly at the window edge. A boundary only counts if it leaves the
// chunk at least max(overlap+1, maxChunkSize/2) long, so the next chunk,
// which starts overlap characters before the cut, always moves forward.
func (s *Splitter) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	runes := []rune(text)
	n := len(runes)
	minLen := max(s.overlap+1, s.maxChunkSize/2)

	var chunks []string
	start := 0
	for {
		end := start + s.maxChunkSize
		if end >= n {
			chunks = append(chunks, string(runes[start:]))
			return chunks
		}

		cut := findCut(runes, start+minLen, end)
		chunks = append(chunks, string(runes[start:cut]))
		start = cut - s.overlap
	}
}

type boundary func(runes []rune, i int) bool

// boundaries in preference order. i is the exclusive end of a candidate
// chunk, always >= 1; runes[i] may be past the end.
var boundaries = []boundary{
	// paragraph break
	func(r []rune, i int) bool { return i >= 2 && r[i-1] == '\n' && r[i-2] == '\n' },
	// line break
	func(r []rune, i int) bool { return r[i-1] == '\n' },
	// sentence end, cut after the whitespace that follows it
	func(r []rune, i int) bool {
		return i >= 2 && unicode.IsSpace(r[i-1]) && isSentenceEnd(r[i-2])
	},
	// any whitespace
	func(r []rune, i int) bool { return unicode.IsSpace(r[i-1]) },
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// findCut returns the best cut in [lo, hi], falling back to hi.
func findCut(runes []rune, lo, hi int) int {
	for _, match := range boundaries {
		for i := hi; i >= lo; i-- {
			if match(runes, i) {
				return i
			}
		}
	}
	return hi
}
