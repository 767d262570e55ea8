package session

import (
	"slices"

	"github.com/MrWong99/murmur/pkg/types"
)

// Conversation is the bounded message history sent to the reply backend.
//
// Element 0 is always a [types.RoleSystem] message carrying the system
// prompt. [Conversation.Trim] keeps it plus the most recent turns, where a
// turn is one user message followed by one assistant message. Trimmed
// messages are discarded; the [Log] is the only record of them.
//
// Conversation is not safe for concurrent use. [Session] guards it.
type Conversation struct {
	systemPrompt string
	messages     []types.Message
}

// Snapshot is an opaque copy of a conversation's messages, used to undo a
// turn that failed half-way.
type Snapshot struct {
	messages []types.Message
}

// NewConversation returns a conversation holding only the system message.
func NewConversation(systemPrompt string) *Conversation {
	c := &Conversation{systemPrompt: systemPrompt}
	c.Reset()
	return c
}

// AddUser appends a user message. Content is not validated.
func (c *Conversation) AddUser(text string) {
	c.messages = append(c.messages, types.Message{Role: types.RoleUser, Content: text})
}

// AddAssistant appends an assistant message. Content is not validated.
func (c *Conversation) AddAssistant(text string) {
	c.messages = append(c.messages, types.Message{Role: types.RoleAssistant, Content: text})
}

// Messages returns a copy of the full ordered message sequence.
func (c *Conversation) Messages() []types.Message {
	return slices.Clone(c.messages)
}

// Len returns the number of messages including the system message.
func (c *Conversation) Len() int { return len(c.messages) }

// SystemPrompt returns the prompt the system message is reset to.
func (c *Conversation) SystemPrompt() string { return c.systemPrompt }

// Trim keeps the system message and the most recent maxTurns turns
// (maxTurns*2 messages). A negative maxTurns is treated as 0. When the
// history is already within bounds Trim does nothing.
func (c *Conversation) Trim(maxTurns int) {
	history := len(c.messages) - 1
	// Clamping first keeps maxTurns*2 from overflowing.
	maxTurns = min(max(maxTurns, 0), history)
	keep := maxTurns * 2
	if history <= keep {
		return
	}
	trimmed := make([]types.Message, 0, keep+1)
	trimmed = append(trimmed, c.messages[0])
	trimmed = append(trimmed, c.messages[len(c.messages)-keep:]...)
	c.messages = trimmed
}

// Reset drops every message and starts over with a fresh system message.
func (c *Conversation) Reset() {
	c.messages = []types.Message{{Role: types.RoleSystem, Content: c.systemPrompt}}
}

// Snapshot returns a copy of the current messages.
func (c *Conversation) Snapshot() Snapshot {
	return Snapshot{messages: slices.Clone(c.messages)}
}

// Restore replaces the messages with those captured by s. A zero Snapshot
// is ignored.
func (c *Conversation) Restore(s Snapshot) {
	if len(s.messages) == 0 {
		return
	}
	c.messages = slices.Clone(s.messages)
}
