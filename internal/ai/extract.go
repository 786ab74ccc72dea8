package ai

import (
	"strings"
)

// The code block delimiters the model is asked to use. They are matched literally; code that itself contains EndMarker
// after the start marker will be cut short
const (
	Language    = "jsx"
	EndMarker   = "---"
	StartMarker = EndMarker + Language
)

// ExtractCodeBlock returns the trimmed content of the first complete StartMarker ... EndMarker block in text. A block
// with only whitespace inside counts as no match
func ExtractCodeBlock(text string) (string, bool) {
	start := strings.Index(text, StartMarker)
	if start < 0 {
		return "", false
	}
	return closeBlock(text, start+len(StartMarker))
}

// closeBlock finds the end marker for a block whose content begins at offset
func closeBlock(text string, offset int) (string, bool) {
	end := strings.Index(text[offset:], EndMarker)
	if end < 0 {
		return "", false
	}
	code := strings.TrimSpace(text[offset : offset+end])
	if code == "" {
		return "", false
	}
	return code, true
}

// Extractor accumulates the fragments of one response and reports the first complete code block exactly once.
// It is not safe for concurrent use; a turn feeds it from a single goroutine
type Extractor struct {
	buf   strings.Builder
	start int // offset of the first start marker's content, or -1
	done  bool
	code  string
}

// NewExtractor returns an Extractor with an empty buffer
func NewExtractor() *Extractor {
	return &Extractor{start: -1}
}

// Feed appends a fragment and returns the extracted code the first time a complete block is present. Every later call
// returns false, even if the buffer still matches
func (e *Extractor) Feed(fragment string) (string, bool) {
	e.buf.WriteString(fragment)
	if e.done {
		return "", false
	}

	text := e.buf.String()
	if e.start < 0 {
		i := strings.Index(text, StartMarker)
		if i < 0 {
			return "", false
		}
		e.start = i + len(StartMarker)
	}

	code, ok := closeBlock(text, e.start)
	if !ok {
		// An empty block like "---jsx---" never becomes a match, so keep scanning from the first start marker only
		return "", false
	}
	e.done = true
	e.code = code
	return code, true
}

// Text returns everything fed so far
func (e *Extractor) Text() string {
	return e.buf.String()
}

// Code returns the extracted code, if extraction has happened
func (e *Extractor) Code() (string, bool) {
	return e.code, e.done
}

// StripCodeFence cleans a non-streamed model answer. A marker block wins if present; otherwise a leading ```jsx line
// and a trailing ``` fence are removed
func StripCodeFence(text string) string {
	if code, ok := ExtractCodeBlock(text); ok {
		return code
	}
	s := strings.TrimSpace(text)
	s = strings.TrimPrefix(s, "```"+Language+"\n")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
