package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsValidOnboardTransition(t *testing.T) {
	tests := []struct {
		from     string
		to       string
		expected bool
	}{
		// Happy path
		{OnboardStatusPending, OnboardStatusCommitting, true},
		{OnboardStatusCommitting, OnboardStatusConfirming, true},
		{OnboardStatusConfirming, OnboardStatusRegistered, true},

		// Failure paths
		{OnboardStatusPending, OnboardStatusFailed, true},
		{OnboardStatusCommitting, OnboardStatusFailed, true},
		{OnboardStatusConfirming, OnboardStatusFailed, true},

		// Retry
		{OnboardStatusFailed, OnboardStatusConfirming, true},
		{OnboardStatusFailed, OnboardStatusCommitting, false},
		{OnboardStatusFailed, OnboardStatusPending, false},

		// Invalid transitions
		{OnboardStatusPending, OnboardStatusRegistered, false},
		{OnboardStatusCommitting, OnboardStatusRegistered, false},
		{OnboardStatusRegistered, OnboardStatusFailed, false},
		{OnboardStatusRegistered, OnboardStatusConfirming, false},
		{"nonexistent", OnboardStatusPending, false},
		{OnboardStatusPending, "nonexistent", false},
	}

	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			require.Equal(t, tt.expected, IsValidOnboardTransition(tt.from, tt.to))
		})
	}
}

func TestAllOnboardStatusesHaveTransitions(t *testing.T) {
	statuses := []string{
		OnboardStatusPending, OnboardStatusCommitting, OnboardStatusConfirming,
		OnboardStatusRegistered, OnboardStatusFailed,
	}
	for _, s := range statuses {
		require.Contains(t, ValidOnboardTransitions, s)
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []string{OnboardStatusRegistered, OnboardStatusFailed} {
		require.True(t, IsTerminalOnboardStatus(s), "%s should be terminal", s)
	}
	// из registered дальше пути нет, из failed только retry
	require.Empty(t, ValidOnboardTransitions[OnboardStatusRegistered])

	for _, s := range []string{OnboardStatusPending, OnboardStatusCommitting, OnboardStatusConfirming} {
		require.False(t, IsTerminalOnboardStatus(s), "%s should not be terminal", s)
	}
}

func TestCanRetry(t *testing.T) {
	txid := "abc"
	empty := ""
	tests := []struct {
		name string
		req  OnboardRequest
		want bool
	}{
		{"failed with commitment", OnboardRequest{Status: OnboardStatusFailed, CommitmentTxID: &txid}, true},
		{"failed without commitment", OnboardRequest{Status: OnboardStatusFailed}, false},
		{"failed with empty txid", OnboardRequest{Status: OnboardStatusFailed, CommitmentTxID: &empty}, false},
		{"confirming", OnboardRequest{Status: OnboardStatusConfirming, CommitmentTxID: &txid}, false},
		{"registered", OnboardRequest{Status: OnboardStatusRegistered, CommitmentTxID: &txid}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.req.CanRetry())
		})
	}
}

func TestIsValidQRTransition(t *testing.T) {
	tests := []struct {
		from, to string
		expected bool
	}{
		{QRStatusPending, QRStatusSigned, true},
		{QRStatusPending, QRStatusExpired, true},
		{QRStatusSigned, QRStatusCompleted, true},
		{QRStatusSigned, QRStatusExpired, true},
		{QRStatusPending, QRStatusCompleted, false},
		{QRStatusCompleted, QRStatusSigned, false},
		{QRStatusExpired, QRStatusSigned, false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.expected, IsValidQRTransition(tt.from, tt.to), "%s->%s", tt.from, tt.to)
	}
}
