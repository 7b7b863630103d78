package prompt

import (
	"context"

	"github.com/stupiduntilnot/chatdesk/internal/history"
)

// Message is a model-agnostic chat message used across the context pipeline.
type Message struct {
	Role    history.Role
	Content string
}

// HistorySource retrieves conversation history from a persistent store.
type HistorySource interface {
	Recent(ctx context.Context, userID string, limit int) ([]history.Turn, error)
}

// Compressor reduces a list of messages to fit within constraints.
type Compressor interface {
	Compress(messages []Message) []Message
}

// Assembler combines system prompt, history, and user message into a final message list.
type Assembler interface {
	Assemble(system string, history []Message, userMsg string) []Message
}

// FromTurns converts stored turns into prompt messages, keeping order.
func FromTurns(turns []history.Turn) []Message {
	messages := make([]Message, 0, len(turns))
	for _, turn := range turns {
		messages = append(messages, Message{Role: turn.Role, Content: turn.Content})
	}
	return messages
}
