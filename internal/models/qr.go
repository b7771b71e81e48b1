package models

import "time"

// QR challenge statuses
const (
	QRStatusPending   = "pending"
	QRStatusSigned    = "signed"
	QRStatusCompleted = "completed"
	QRStatusExpired   = "expired"
)

var ValidQRTransitions = map[string][]string{
	QRStatusPending:   {QRStatusSigned, QRStatusExpired},
	QRStatusSigned:    {QRStatusCompleted, QRStatusExpired},
	QRStatusCompleted: {},
	QRStatusExpired:   {},
}

func IsValidQRTransition(from, to string) bool {
	return allowed(ValidQRTransitions, from, to)
}

type QRChallenge struct {
	ID             string    `json:"id"`
	ExternalRef    string    `json:"external_ref"` // id запроса в signing service
	Deeplink       string    `json:"deeplink"`
	QRImage        string    `json:"qr_image"`
	Status         string    `json:"status"`
	SubjectAddress *string   `json:"subject_address,omitempty"`
	DisplayName    *string   `json:"display_name,omitempty"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
}

func (q *QRChallenge) Expired(now time.Time) bool {
	return !now.Before(q.ExpiresAt)
}
