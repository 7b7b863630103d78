package prompt

import "github.com/stupiduntilnot/chatdesk/internal/history"

// StandardAssembler combines system prompt, history, and user message
// into a single ordered message list.
type StandardAssembler struct{}

// Assemble builds the final message list: system + history + user.
func (a *StandardAssembler) Assemble(system string, past []Message, userMsg string) []Message {
	messages := make([]Message, 0, 1+len(past)+1)
	messages = append(messages, Message{Role: history.RoleSystem, Content: system})
	messages = append(messages, past...)
	messages = append(messages, Message{Role: history.RoleUser, Content: userMsg})
	return messages
}

// SimpleCompressor keeps only the last MaxMessages messages.
type SimpleCompressor struct {
	MaxMessages int
}

// Compress truncates messages to the most recent MaxMessages entries.
func (c *SimpleCompressor) Compress(messages []Message) []Message {
	if c.MaxMessages <= 0 || len(messages) <= c.MaxMessages {
		return messages
	}
	return messages[len(messages)-c.MaxMessages:]
}
