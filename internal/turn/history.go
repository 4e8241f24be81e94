package turn

import (
	"sync"

	"github.com/lukasbauer/voiceturn/internal/llm"
)

// History is the conversation shared by the assembler and its session.
// Safe for concurrent use.
type History struct {
	mu       sync.RWMutex
	messages []llm.Message
	max      int
}

// NewHistory creates a history keeping at most max messages (0 = unbounded).
func NewHistory(max int) *History {
	return &History{max: max}
}

// Append adds a message, evicting the oldest beyond the cap.
func (h *History) Append(role, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, llm.Message{Role: role, Content: content})
	if h.max > 0 && len(h.messages) > h.max {
		h.messages = append([]llm.Message(nil), h.messages[len(h.messages)-h.max:]...)
	}
}

// Last returns a copy of the last n messages (all when n <= 0).
func (h *History) Last(n int) []llm.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	start := 0
	if n > 0 && len(h.messages) > n {
		start = len(h.messages) - n
	}
	return append([]llm.Message(nil), h.messages[start:]...)
}

// Len returns the number of messages.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}
