package verus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubRPC struct {
	ok    bool
	err   error
	calls int
}

func (s *stubRPC) VerifyMessage(ctx context.Context, signer, signature, message string) (bool, error) {
	s.calls++
	return s.ok, s.err
}

func TestVerifier(t *testing.T) {
	key := fixedKey(t)
	pubHex, addr := keyAndAddress(t, key)
	msg := "vap-onboard:abc"
	sig := signMessage(t, key, msg, true)

	tests := []struct {
		name   string
		rpc    *stubRPC
		pubKey string
		want   bool
	}{
		{"rpc says yes", &stubRPC{ok: true}, "", true},
		{"rpc says no, local would pass", &stubRPC{ok: false}, pubHex, false},
		{"rpc down, local passes", &stubRPC{err: errors.New("connection refused")}, pubHex, true},
		{"rpc down, no pubkey", &stubRPC{err: errors.New("connection refused")}, "", false},
		{"rpc error, wrong pubkey", &stubRPC{err: &RPCError{Code: -8}}, generatorPubHex, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewVerifier(tt.rpc, DefaultProofParams(), zap.NewNop())
			require.Equal(t, tt.want, v.Verify(context.Background(), addr, msg, sig, tt.pubKey))
			require.Equal(t, 1, tt.rpc.calls)
		})
	}
}

func TestVerifier_EmptyInput(t *testing.T) {
	rpc := &stubRPC{ok: true}
	v := NewVerifier(rpc, DefaultProofParams(), zap.NewNop())

	require.False(t, v.Verify(context.Background(), "", "m", "s", ""))
	require.False(t, v.Verify(context.Background(), "a", "", "s", ""))
	require.False(t, v.Verify(context.Background(), "a", "m", "", ""))
	require.Zero(t, rpc.calls)
}

func TestVerifier_NoRPC(t *testing.T) {
	key := fixedKey(t)
	pubHex, addr := keyAndAddress(t, key)
	sig := signMessage(t, key, "hello", true)

	v := NewVerifier(nil, DefaultProofParams(), zap.NewNop())
	require.True(t, v.Verify(context.Background(), addr, "hello", sig, pubHex))
}
