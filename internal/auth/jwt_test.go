package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestSessionToken_RoundTrip(t *testing.T) {
	tok, err := GenerateSessionToken("secret", "sid-123", time.Now().Add(time.Hour))
	require.NoError(t, err)

	claims, err := ParseSessionToken("secret", tok)
	require.NoError(t, err)
	require.Equal(t, "sid-123", claims.SessionID)
}

func TestSessionToken_Rejects(t *testing.T) {
	valid, err := GenerateSessionToken("secret", "sid-123", time.Now().Add(time.Hour))
	require.NoError(t, err)
	expired, err := GenerateSessionToken("secret", "sid-123", time.Now().Add(-time.Minute))
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, SessionClaims{SessionID: "sid-123"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name   string
		secret string
		token  string
	}{
		{"wrong secret", "other", valid},
		{"expired", "secret", expired},
		{"alg none", "secret", unsigned},
		{"garbage", "secret", "a.b.c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSessionToken(tt.secret, tt.token)
			require.Error(t, err)
		})
	}

	_, err = GenerateSessionToken("secret", "", time.Now())
	require.Error(t, err, "empty sid must be refused")
}
