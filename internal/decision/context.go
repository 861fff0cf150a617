package decision

import (
	"strings"
	"time"
)

// Message is the engine's view of one inbound chat message.
type Message struct {
	ID             string
	Platform       string
	ConversationID string
	SenderID       string
	SenderName     string
	Content        string
	Timestamp      time.Time
	IsDirect       bool
	MentionsSelf   bool
}

// Context is a bounded FIFO of the most recent messages in one conversation.
// It is owned by the conversation's worker and not safe for concurrent use.
type Context struct {
	size int
	msgs []Message
}

func NewContext(size int) *Context {
	if size <= 0 {
		size = 1
	}
	return &Context{size: size}
}

func (c *Context) Add(m Message) {
	c.msgs = append(c.msgs, m)
	if len(c.msgs) > c.size {
		c.msgs = c.msgs[len(c.msgs)-c.size:]
	}
}

func (c *Context) Messages() []Message {
	return c.msgs
}

// Render formats the context for prompts and fingerprinting, oldest first.
func (c *Context) Render() string {
	var b strings.Builder
	for _, m := range c.msgs {
		name := m.SenderName
		if name == "" {
			name = m.SenderID
		}
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}
