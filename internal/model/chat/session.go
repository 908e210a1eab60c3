package chat

import "time"

// Session is a point-in-time copy of one conversation's state.
type Session struct {
	Messages []Message `json:"messages"`
	Busy     bool      `json:"busy"`
}

// Clone returns a copy that shares no backing storage with s.
func (s Session) Clone() Session {
	messages := make([]Message, len(s.Messages))
	copy(messages, s.Messages)
	return Session{Messages: messages, Busy: s.Busy}
}

// SessionInfo describes a registered conversation.
type SessionInfo struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}
