package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// SigningClient talks to the trusted signing-request service that builds the
// wallet payload for QR login and verifies raw device callbacks.
type SigningClient struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

func NewSigningClient(baseURL string, log *zap.Logger) *SigningClient {
	return &SigningClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		log: log,
	}
}

type IssueChallengeRequest struct {
	ChallengeID string `json:"challengeId"`
	CallbackURL string `json:"callbackUrl"`
}

type IssuedChallenge struct {
	SigningID string    `json:"signingId"`
	Deeplink  string    `json:"deeplink"`
	QRImage   string    `json:"qrImage"` // data: URL
	ExpiresAt time.Time `json:"expiresAt"`
}

func (c *SigningClient) IssueChallenge(ctx context.Context, req IssueChallengeRequest) (*IssuedChallenge, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	var result IssuedChallenge
	if err := c.post(ctx, "/issue-challenge", body, &result); err != nil {
		return nil, err
	}
	if result.SigningID == "" || result.Deeplink == "" {
		return nil, fmt.Errorf("signing service returned incomplete challenge")
	}
	return &result, nil
}

// CallbackVerdict: ответ /verify-callback. Доказательством считается только Valid=true.
type CallbackVerdict struct {
	Valid       bool   `json:"valid"`
	ChallengeID string `json:"challengeId"`
	SigningID   string `json:"signingId"`
	Signer      string `json:"signer"`
}

// VerifyCallback forwards the raw device callback body unchanged. Only a
// transport failure is an error; any answer other than 200 {valid:true}
// comes back as an invalid verdict.
func (c *SigningClient) VerifyCallback(ctx context.Context, body []byte, contentType string) (*CallbackVerdict, error) {
	if contentType == "" {
		contentType = "application/json"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/verify-callback", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("signing service unavailable: %w", err)
	}
	defer resp.Body.Close()

	var verdict CallbackVerdict
	if resp.StatusCode != http.StatusOK {
		c.log.Info("callback rejected by signing service", zap.Int("status", resp.StatusCode))
		return &verdict, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		c.log.Warn("unreadable verify-callback response", zap.Error(err))
		return &CallbackVerdict{}, nil
	}
	return &verdict, nil
}

func (c *SigningClient) post(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("signing service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("signing service returned %d: %s", resp.StatusCode, string(b))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("signing service response: %w", err)
	}
	return nil
}
