package history

import (
	"sync"

	"github.com/nachoal/sqlchat-go/llm"
)

// DefaultWindow is the number of recent messages sent upstream per request.
const DefaultWindow = 10

// Conversation is the append-only message log of one chat session. The system
// prompt is held apart from the log and is always the first message of a window.
type Conversation struct {
	mu           sync.RWMutex
	systemPrompt string
	messages     []llm.Message
}

// NewConversation creates an empty conversation with the given system prompt.
func NewConversation(systemPrompt string) *Conversation {
	return &Conversation{systemPrompt: systemPrompt}
}

// Append adds messages in order.
func (c *Conversation) Append(msgs ...llm.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msgs...)
}

// Messages returns a copy of the full history, system prompt first.
func (c *Conversation) Messages() []llm.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.withSystem(c.messages)
}

// Window returns the system prompt followed by the most recent n messages.
// When the cut would land on a tool message, the window is widened back to the
// assistant message that proposed it so no tool result is sent without its call.
func (c *Conversation) Window(n int) []llm.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if n <= 0 {
		n = DefaultWindow
	}
	start := len(c.messages) - n
	if start < 0 {
		start = 0
	}
	for start > 0 && c.messages[start].Role == llm.RoleTool {
		start--
	}
	return c.withSystem(c.messages[start:])
}

func (c *Conversation) withSystem(msgs []llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs)+1)
	if c.systemPrompt != "" {
		out = append(out, llm.SystemMessage(c.systemPrompt))
	}
	return append(out, msgs...)
}
