package verus

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

const (
	// SignedMessagePrefix: фиксированный префикс подписанных сообщений.
	SignedMessagePrefix = "Verus signed data:\n"

	// VRSCChainID: i-address цепочки VRSC; его hash160 входит в дайджест подписи.
	VRSCChainID = "i5w5MuNik5NtLcYmNzcvaoixooEebB6MGV"

	// MaxMessageLen is exclusive: the length prefix is a single-byte varint,
	// which cannot encode 253 or more.
	MaxMessageLen = 253

	compactSigLen     = 65
	compactSigMagic   = 27
	compactSigCompKey = 4
)

var (
	ErrMessageTooLong   = errors.New("message too long for single-byte length prefix")
	ErrInvalidSignature = errors.New("invalid signature")
)

// ProofParams pins the chain context baked into the signing digest.
type ProofParams struct {
	ChainID     string
	BlockHeight uint32
}

func DefaultProofParams() ProofParams {
	return ProofParams{ChainID: VRSCChainID, BlockHeight: 0}
}

// MessageDigest rebuilds the digest a wallet signs for message:
//
//	sha256( len(prefix) ++ prefix ++ chainID(20) ++ height(4 LE) ++ chainID(20)
//	        ++ sha256(len(m) ++ m) ),  m = lower(message)
func MessageDigest(message string, params ProofParams) ([]byte, error) {
	m := strings.ToLower(message)
	if len(m) >= MaxMessageLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLong, len(m))
	}

	chainID, err := decodeHash160(params.ChainID)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}

	var inner bytes.Buffer
	inner.WriteByte(byte(len(m)))
	inner.WriteString(m)
	msgHash := sha256.Sum256(inner.Bytes())

	var buf bytes.Buffer
	buf.WriteByte(byte(len(SignedMessagePrefix)))
	buf.WriteString(SignedMessagePrefix)
	buf.Write(chainID)

	height := make([]byte, 4)
	binary.LittleEndian.PutUint32(height, params.BlockHeight)
	buf.Write(height)

	// identity hash component: same chain id
	buf.Write(chainID)
	buf.Write(msgHash[:])

	digest := sha256.Sum256(buf.Bytes())
	return digest[:], nil
}

// RecoveryID parses the flag byte of a compact signature. The flag is
// 27 + recid, plus 4 when the signer's key is compressed.
func RecoveryID(flag byte) (recID byte, compressed bool, err error) {
	if flag < compactSigMagic {
		return 0, false, fmt.Errorf("%w: recovery flag %d", ErrInvalidSignature, flag)
	}
	id := flag - compactSigMagic
	if id >= compactSigCompKey {
		id -= compactSigCompKey
		compressed = true
	}
	if id > 3 {
		return 0, false, fmt.Errorf("%w: recovery flag %d", ErrInvalidSignature, flag)
	}
	return id, compressed, nil
}

// RecoverPubKey recovers the signer key from a 65-byte compact signature,
// serialized in the form the flag byte declares.
func RecoverPubKey(digest, sig []byte) ([]byte, error) {
	if len(sig) != compactSigLen {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrInvalidSignature, len(sig), compactSigLen)
	}
	if _, _, err := RecoveryID(sig[0]); err != nil {
		return nil, err
	}
	key, compressed, err := ecdsa.RecoverCompact(sig, digest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if compressed {
		return key.SerializeCompressed(), nil
	}
	return key.SerializeUncompressed(), nil
}

// VerifyCompact checks that signatureB64 over message was produced by the key
// pubKeyHex and that this key controls the R-address address.
func VerifyCompact(address, pubKeyHex, message, signatureB64 string, params ProofParams) error {
	if !IsRAddress(address) {
		return fmt.Errorf("local verification needs an R-address, got %q", address)
	}
	expected, err := ParsePubKeyHex(pubKeyHex)
	if err != nil {
		return err
	}
	if !AddressMatchesPubKey(address, pubKeyHex) {
		return fmt.Errorf("public key does not control %s", address)
	}

	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signatureB64))
	if err != nil {
		return fmt.Errorf("%w: not base64: %v", ErrInvalidSignature, err)
	}

	digest, err := MessageDigest(message, params)
	if err != nil {
		return err
	}

	recovered, err := RecoverPubKey(digest, sig)
	if err != nil {
		return err
	}

	if !bytes.Equal(recovered, normalizeKey(expected, len(recovered))) {
		return ErrInvalidSignature
	}
	return nil
}

// normalizeKey re-serializes expected into the length recovered uses, so a
// compressed signature still matches an uncompressed expected key and vice versa.
func normalizeKey(expected []byte, size int) []byte {
	if len(expected) == size {
		return expected
	}
	key, err := secp256k1.ParsePubKey(expected)
	if err != nil {
		return expected
	}
	if size == secp256k1.PubKeyBytesLenCompressed {
		return key.SerializeCompressed()
	}
	return key.SerializeUncompressed()
}
