package bus

import "time"

// InboundMessage is a message received from a channel adapter.
type InboundMessage struct {
	Channel      string
	SenderID     string
	SenderName   string
	ChatID       string
	Content      string
	Timestamp    time.Time
	IsDirect     bool
	MentionsSelf bool
	Metadata     map[string]any
}

// SessionKey identifies the conversation a message belongs to.
func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// OutboundMessage is a reply to be delivered by a channel adapter.
type OutboundMessage struct {
	Channel  string
	ChatID   string
	Content  string
	ReplyTo  string
	Metadata map[string]any
}
