package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Onboard request statuses
const (
	OnboardStatusPending    = "pending"
	OnboardStatusCommitting = "committing"
	OnboardStatusConfirming = "confirming"
	OnboardStatusRegistered = "registered"
	OnboardStatusFailed     = "failed"
)

// IdentityPendingLookup is recorded when the identity was registered but the
// ledger did not return its address within the lookup budget.
const IdentityPendingLookup = "pending-lookup"

// Valid state transitions: from -> []to
var ValidOnboardTransitions = map[string][]string{
	OnboardStatusPending:    {OnboardStatusCommitting, OnboardStatusFailed},
	OnboardStatusCommitting: {OnboardStatusConfirming, OnboardStatusFailed},
	OnboardStatusConfirming: {OnboardStatusRegistered, OnboardStatusFailed},
	OnboardStatusRegistered: {},
	OnboardStatusFailed:     {OnboardStatusConfirming}, // retry, только с commitment
}

func IsValidOnboardTransition(from, to string) bool {
	return allowed(ValidOnboardTransitions, from, to)
}

// IsTerminalOnboardStatus: registered и failed не держат блокировку имени.
func IsTerminalOnboardStatus(status string) bool {
	return status == OnboardStatusRegistered || status == OnboardStatusFailed
}

type OnboardRequest struct {
	ID                uuid.UUID       `json:"id"`
	Name              string          `json:"name"`
	Address           string          `json:"address"`
	PubKey            *string         `json:"pubkey,omitempty"`
	Status            string          `json:"status"`
	CommitmentTxID    *string         `json:"commitment_txid,omitempty"`
	CommitmentPayload json.RawMessage `json:"commitment_payload,omitempty"` // namereservation целиком
	RegisterTxID      *string         `json:"register_txid,omitempty"`
	IdentityAddress   *string         `json:"identity_address,omitempty"`
	FundedAmount      *string         `json:"funded_amount,omitempty"` // numeric as string
	Error             *string         `json:"error,omitempty"`
	IP                string          `json:"ip"`
	ClaimedAt         *time.Time      `json:"claimed_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// CanRetry: retry resumes at registration, so it needs a captured commitment.
func (r *OnboardRequest) CanRetry() bool {
	return r.Status == OnboardStatusFailed && r.CommitmentTxID != nil && *r.CommitmentTxID != ""
}

func allowed(table map[string][]string, from, to string) bool {
	next, ok := table[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}
