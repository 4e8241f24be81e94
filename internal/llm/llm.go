// Package llm estimates end-of-turn probability from a language model's
// next-token log-probabilities.
package llm

import "context"

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a conversation message.
type Message struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// Detector estimates whether the user has finished their turn.
type Detector interface {
	// EOTProbability returns the end-of-turn probability in [0,1] for the
	// conversation, or nil when no estimate could be obtained.
	EOTProbability(ctx context.Context, messages []Message) *float64
}
