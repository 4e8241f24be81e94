package llm

import "strings"

// Chat template markers used when rendering a conversation for a completion model.
const (
	turnStart = "<|im_start|>"
	turnEnd   = "<|im_end|>"
)

// DefaultTrackedTokens are next tokens that signal the user has finished speaking.
var DefaultTrackedTokens = []string{turnEnd, ".", "?", "!"}

// ChatTrackedTokens are the tracked tokens for chat providers, which answer
// with a verdict word instead of continuing the transcript.
var ChatTrackedTokens = []string{"END", "End", "end"}

// eotSystemPrompt instructs a chat model to answer with a single verdict token.
const eotSystemPrompt = `You judge turn-taking in a live voice conversation.
You receive a transcript whose last line is the user's speech so far, transcribed in real time.
If the user's last message is a complete turn that the assistant should answer now, reply with exactly: END
Otherwise reply with the single word the user is most likely to say next.
Never explain.`

// RenderTranscript renders messages in chat-template form and leaves the
// last user turn open, so the model's next token tells whether the turn ends.
func RenderTranscript(messages []Message) string {
	var b strings.Builder
	last := len(messages) - 1
	for i, m := range messages {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		b.WriteString(turnStart)
		b.WriteString(m.Role)
		b.WriteByte('\n')
		b.WriteString(content)
		if i == last && m.Role == RoleUser {
			break
		}
		b.WriteString(turnEnd)
		b.WriteByte('\n')
	}
	return b.String()
}

// renderChatTranscript renders messages as plain role-prefixed lines for chat providers.
func renderChatTranscript(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(content)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
