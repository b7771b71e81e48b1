package models

import "time"

// LoginChallenge: одноразовый challenge входа. Used переключается false→true ровно один раз.
type LoginChallenge struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Used      bool      `json:"used"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
