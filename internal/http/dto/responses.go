package dto

import "time"

type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type SuccessResponse struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
}

type ChallengeResponse struct {
	ChallengeID   string    `json:"challengeId"`
	ChallengeText string    `json:"challengeText"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

type SessionResponse struct {
	Authenticated bool       `json:"authenticated"`
	Identity      string     `json:"identity,omitempty"`
	DisplayName   string     `json:"displayName,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
}

type QRChallengeResponse struct {
	ChallengeID string    `json:"challengeId"`
	Deeplink    string    `json:"deeplink"`
	QRImage     string    `json:"qrImage"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type QRStatusResponse struct {
	Status      string `json:"status"`
	Identity    string `json:"identity,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

type QRCallbackResponse struct {
	OK        bool `json:"ok"`
	Processed bool `json:"processed"`
}

type OnboardChallengeResponse struct {
	Status    string `json:"status"` // "challenge"
	Challenge string `json:"challenge"`
	Token     string `json:"token"`
}

type OnboardAcceptedResponse struct {
	OnboardID string `json:"onboardId"`
	Status    string `json:"status"`
}

type OnboardStatusResponse struct {
	OnboardID      string  `json:"onboardId"`
	Status         string  `json:"status"`
	Name           string  `json:"name"`
	Identity       string  `json:"identity"`
	IAddress       *string `json:"iAddress,omitempty"`
	CommitmentTxID *string `json:"commitmentTxid,omitempty"`
	RegisterTxID   *string `json:"registerTxid,omitempty"`
	FundedAmount   *string `json:"fundedAmount,omitempty"`
	Error          *string `json:"error,omitempty"`
}
