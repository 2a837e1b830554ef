package model

import "time"

// Session is the metadata for one conversation. The message sequence itself
// is owned by the session registry.
type Session struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	CreatedAt     time.Time  `json:"createdAt"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
}

// Touch records message activity on the session.
func (s *Session) Touch(at time.Time) {
	s.LastMessageAt = &at
}
