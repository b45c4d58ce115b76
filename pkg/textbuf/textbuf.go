// Package textbuf accumulates streamed LLM text and releases it in chunks
// that are safe to hand to speech synthesis.
//
// Chunks are released at sentence boundaries so the synthesizer never speaks
// half a sentence, with a force flush once the buffer grows past a cap so a
// long boundary-free stretch cannot stall the voice indefinitely.
package textbuf

import (
	"strings"
	"sync"
)

// DefaultMaxBuffered is the force-flush threshold in bytes.
const DefaultMaxBuffered = 400

// boundaries are the characters treated as sentence terminators.
const boundaries = ".!?\n"

// Buffer is a sentence-boundary flush buffer. Safe for concurrent use.
type Buffer struct {
	mu   sync.Mutex
	max  int
	text string
}

// New creates a Buffer with the given force-flush threshold. A threshold of
// 0 or less uses DefaultMaxBuffered.
func New(maxBuffered int) *Buffer {
	if maxBuffered <= 0 {
		maxBuffered = DefaultMaxBuffered
	}
	return &Buffer{max: maxBuffered}
}

// Push appends chunk and returns any text ready for synthesis: everything up
// to and including the LAST sentence boundary currently buffered, or the
// whole buffer if it has grown past the threshold. Returns "" when nothing
// is ready.
func (b *Buffer) Push(chunk string) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.text += chunk
	if len(b.text) >= b.max {
		out := b.text
		b.text = ""
		return out
	}
	if idx := strings.LastIndexAny(b.text, boundaries); idx >= 0 {
		out := b.text[:idx+1]
		b.text = b.text[idx+1:]
		return out
	}
	return ""
}

// Flush returns whatever remains buffered, boundary or not. Call at end of
// turn so trailing words without punctuation still get spoken.
func (b *Buffer) Flush() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.text
	b.text = ""
	return out
}

// Reset discards any buffered text. Call on interruption.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.text = ""
}

// Len reports the number of buffered bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.text)
}
