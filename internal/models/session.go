package models

import "time"

type Session struct {
	ID             string    `json:"id"`
	SubjectAddress string    `json:"subject_address"`
	DisplayName    *string   `json:"display_name,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
