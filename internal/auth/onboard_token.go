package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultOnboardTokenTTL: сколько живёт challenge онбординга.
	DefaultOnboardTokenTTL = 5 * time.Minute

	// допустимый сдвиг часов клиента в будущее
	maxClockSkew = time.Minute

	onboardChallengePrefix = "vap-onboard:"
)

// OnboardChallenge is the stateless challenge of the onboarding intake. Text is
// what the caller signs; Token comes back with the signature and binds the
// challenge to (name, address) without a server-side row.
type OnboardChallenge struct {
	Text  string
	Token string
}

// IssueOnboardChallenge builds token = timestamp|nonce|hex(HMAC(secret, name|address|timestamp|nonce)).
func IssueOnboardChallenge(secret, name, address string, now time.Time) (OnboardChallenge, error) {
	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return OnboardChallenge{}, fmt.Errorf("generate nonce: %w", err)
	}
	nonce := hex.EncodeToString(nonceBytes)
	ts := strconv.FormatInt(now.Unix(), 10)

	mac := onboardMAC(secret, name, address, ts, nonce)
	return OnboardChallenge{
		Text:  onboardChallengePrefix + nonce,
		Token: ts + "|" + nonce + "|" + hex.EncodeToString(mac),
	}, nil
}

// VerifyOnboardToken checks format, freshness, that challenge is the text
// issued with the token, and the HMAC binding to (name, address).
func VerifyOnboardToken(secret, name, address, challenge, token string, ttl time.Duration, now time.Time) error {
	if ttl <= 0 {
		ttl = DefaultOnboardTokenTTL
	}

	parts := strings.Split(token, "|")
	if len(parts) != 3 {
		return fmt.Errorf("malformed token")
	}
	ts, nonce, sigHex := parts[0], parts[1], parts[2]

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("token timestamp is not a valid unix time")
	}
	issued := time.Unix(unix, 0)
	if now.Sub(issued) > ttl {
		return fmt.Errorf("token expired: issued %s ago (max %s)", now.Sub(issued).Round(time.Second), ttl)
	}
	if issued.After(now.Add(maxClockSkew)) {
		return fmt.Errorf("token timestamp is in the future")
	}

	if challenge != onboardChallengePrefix+nonce {
		return fmt.Errorf("challenge does not belong to token")
	}

	got, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("malformed token signature")
	}
	if !hmac.Equal(got, onboardMAC(secret, name, address, ts, nonce)) {
		return fmt.Errorf("invalid token signature")
	}
	return nil
}

func onboardMAC(secret, name, address, ts, nonce string) []byte {
	return hmacSHA256([]byte(secret), []byte(name+"|"+address+"|"+ts+"|"+nonce))
}

// SignCallback: hex HMAC-SHA256 подписи предварительно проверенного QR callback.
func SignCallback(secret, challengeID, signingID string) string {
	return hex.EncodeToString(hmacSHA256([]byte(secret), []byte(challengeID+"|"+signingID)))
}

func VerifyCallbackSignature(secret, challengeID, signingID, signature string) bool {
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	want := hmacSHA256([]byte(secret), []byte(challengeID+"|"+signingID))
	return hmac.Equal(got, want)
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}
