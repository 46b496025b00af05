package models

import "time"

// Session is the persisted conversation position for one phone number.
type Session struct {
	Phone     string                 `json:"phone"`
	State     string                 `json:"state"`
	Data      map[string]interface{} `json:"data"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// GetString returns a draft field or "" when absent.
func (s *Session) GetString(key string) string {
	if s.Data == nil {
		return ""
	}
	if v, ok := s.Data[key].(string); ok {
		return v
	}
	return ""
}

// Set stores a draft field.
func (s *Session) Set(key string, value interface{}) {
	if s.Data == nil {
		s.Data = make(map[string]interface{})
	}
	s.Data[key] = value
}

// Reset drops the draft and moves to state.
func (s *Session) Reset(state string) {
	s.State = state
	s.Data = nil
}
