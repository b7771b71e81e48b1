package verus

import (
	"context"

	"go.uber.org/zap"
)

// MessageVerifier is the daemon side of signature checking.
type MessageVerifier interface {
	VerifyMessage(ctx context.Context, signer, signature, message string) (bool, error)
}

// Verifier answers "did signer sign message". The daemon's answer is final
// whenever it gives one; local recovery only runs when the daemon could not
// answer and the caller supplied a public key.
type Verifier struct {
	rpc    MessageVerifier
	params ProofParams
	log    *zap.Logger
}

func NewVerifier(rpc MessageVerifier, params ProofParams, log *zap.Logger) *Verifier {
	return &Verifier{rpc: rpc, params: params, log: log.Named("verifier")}
}

func (v *Verifier) Verify(ctx context.Context, signer, message, signature, pubKeyHex string) bool {
	if signer == "" || message == "" || signature == "" {
		return false
	}

	if v.rpc != nil {
		ok, err := v.rpc.VerifyMessage(ctx, signer, signature, message)
		if err == nil {
			return ok
		}
		v.log.Warn("verifymessage failed, falling back to local recovery",
			zap.String("signer", signer),
			zap.Error(err),
		)
	}

	if pubKeyHex == "" {
		return false
	}
	if err := VerifyCompact(signer, pubKeyHex, message, signature, v.params); err != nil {
		v.log.Debug("local verification rejected", zap.String("signer", signer), zap.Error(err))
		return false
	}
	return true
}
