package dto

type LoginRequest struct {
	ChallengeID string `json:"challengeId"`
	Identity    string `json:"identity"`
	Signature   string `json:"signature"`
}

// OnboardRequest without signature asks for a challenge; with signature,
// challenge and token it submits the proof.
type OnboardRequest struct {
	Name      string `json:"name"`
	Address   string `json:"address"`
	PubKey    string `json:"pubkey,omitempty"`
	Signature string `json:"signature,omitempty"`
	Challenge string `json:"challenge,omitempty"`
	Token     string `json:"token,omitempty"`
}
