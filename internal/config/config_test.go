package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func staleWarnings(cfg *Config) []observer.LoggedEntry {
	core, logs := observer.New(zapcore.WarnLevel)
	cfg.Validate(zap.New(core))
	return logs.FilterMessageSnippet("ONBOARD_STALE_AFTER").All()
}

func TestValidate_StaleAfterBudget(t *testing.T) {
	cfg := &Config{
		SessionSecret:         "s",
		OnboardSecret:         "o",
		QRCallbackSecret:      "q",
		VerusRPCUser:          "rpc",
		OnboardConfirmTimeout: 10 * time.Minute,
		OnboardLookupAttempts: 20,
		OnboardLookupInterval: 15 * time.Second,
		OnboardStaleAfter:     30 * time.Minute,
	}
	require.Empty(t, staleWarnings(cfg))

	// 10m + 20×15s = 15m
	cfg.OnboardStaleAfter = 15 * time.Minute
	got := staleWarnings(cfg)
	require.Len(t, got, 1)
	require.Equal(t, 15*time.Minute, got[0].ContextMap()["budget"])

	cfg.OnboardStaleAfter = 5 * time.Minute
	require.Len(t, staleWarnings(cfg), 1)
}

func TestValidate_DefaultSecretsWarn(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	cfg := &Config{
		SessionSecret:     defaultSessionSecret,
		OnboardSecret:     defaultOnboardSecret,
		OnboardStaleAfter: time.Hour,
	}
	cfg.Validate(zap.New(core))

	require.Equal(t, 1, logs.FilterMessageSnippet("SESSION_SECRET").Len())
	require.Equal(t, 1, logs.FilterMessageSnippet("ONBOARD_SECRET").Len())
	require.Equal(t, 1, logs.FilterMessageSnippet("QR_CALLBACK_SECRET").Len())
	require.Equal(t, 1, logs.FilterMessageSnippet("VERUS_RPC_USER").Len())
	require.Zero(t, logs.FilterMessageSnippet("ONBOARD_STALE_AFTER").Len())
}
