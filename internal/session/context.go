// Package session holds per-call conversational state: the ordered LLM
// context, prior-call memory seeding, and the rolling transcript log.
package session

import (
	"sync"

	"github.com/phonesys/voicepipe/pkg/types"
)

// Memory seeding bounds. Histories from previous calls are clipped so a
// chatty repeat caller cannot blow the context window before the call starts.
const (
	maxSeedMessages   = 50
	maxSeedChars      = 2000
	maxTranscriptLine = 8000
)

// Context is the ordered conversation history sent to the LLM.
//
// The system prompt always occupies slot zero; seeded memory follows it;
// live turns are appended after that. All methods are safe for concurrent
// use.
type Context struct {
	mu       sync.Mutex
	messages []types.Message
	log      []TranscriptEntry
}

// TranscriptEntry is one line of the session transcript log.
type TranscriptEntry struct {
	Role string
	Text string
}

// NewContext creates a conversation context with the given system prompt.
func NewContext(systemPrompt string) *Context {
	c := &Context{}
	if systemPrompt != "" {
		c.messages = append(c.messages, types.Message{Role: "system", Content: systemPrompt})
	}
	return c
}

// SeedMemory inserts history from previous calls after the system prompt.
// At most the last maxSeedMessages messages are kept, each truncated to
// maxSeedChars characters. Call before the first live turn.
func (c *Context) SeedMemory(history []types.Message) {
	if len(history) > maxSeedMessages {
		history = history[len(history)-maxSeedMessages:]
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range history {
		if len(m.Content) > maxSeedChars {
			m.Content = m.Content[:maxSeedChars]
		}
		// Seeded history is text only; stale image handles from a previous
		// call would 404 on the provider side.
		m.ImageURL = ""
		c.messages = append(c.messages, m)
	}
}

// AddUserTurn appends a user message, optionally carrying an image as a
// data URL.
func (c *Context) AddUserTurn(text, imageURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, types.Message{Role: "user", Content: text, ImageURL: imageURL})
	line := text
	if imageURL != "" {
		line += " [image]"
	}
	c.appendLogLocked("user", line)
}

// AddAssistantTurn appends a completed assistant utterance.
func (c *Context) AddAssistantTurn(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, types.Message{Role: "assistant", Content: text})
	c.appendLogLocked("assistant", text)
}

// AddToolExchange appends the assistant's tool request and its result, so a
// follow-up completion sees both.
func (c *Context) AddToolExchange(call types.ToolCall, result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages,
		types.Message{Role: "assistant", ToolCalls: []types.ToolCall{call}},
		types.Message{Role: "tool", Content: result, ToolCallID: call.ID},
	)
}

// Messages returns a copy of the current conversation history.
func (c *Context) Messages() []types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Transcript returns a copy of the session transcript log.
func (c *Context) Transcript() []TranscriptEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TranscriptEntry, len(c.log))
	copy(out, c.log)
	return out
}

func (c *Context) appendLogLocked(role, text string) {
	if len(text) > maxTranscriptLine {
		text = text[:maxTranscriptLine]
	}
	c.log = append(c.log, TranscriptEntry{Role: role, Text: text})
}
