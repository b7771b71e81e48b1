package verus

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const (
	// RAddressVersion: version byte of transparent (R...) addresses.
	RAddressVersion byte = 60
	// IAddressVersion: version byte of identity (i...) addresses.
	IAddressVersion byte = 102

	hash160Len = 20
)

// DeriveAddress returns the R-address controlled by pubKey. Uncompressed keys
// are compressed first: the address always commits to the 33-byte form.
func DeriveAddress(pubKey []byte) (string, error) {
	key, err := secp256k1.ParsePubKey(pubKey)
	if err != nil {
		return "", fmt.Errorf("invalid public key: %w", err)
	}
	return encodeAddress(btcutil.Hash160(key.SerializeCompressed()), RAddressVersion), nil
}

// encodeAddress is version ++ hash ++ checksum(4), base58. Leading zero bytes
// come out as leading '1' characters.
func encodeAddress(hash []byte, version byte) string {
	return base58.CheckEncode(hash, version)
}

// ParsePubKeyHex decodes a hex secp256k1 public key (33 or 65 bytes).
func ParsePubKeyHex(s string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid public key hex: %w", err)
	}
	if _, err := secp256k1.ParsePubKey(raw); err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	return raw, nil
}

// IsCompressedPubKeyHex reports whether s is a 33-byte compressed key in hex.
func IsCompressedPubKeyHex(s string) bool {
	raw, err := ParsePubKeyHex(s)
	return err == nil && len(raw) == secp256k1.PubKeyBytesLenCompressed
}

// AddressMatchesPubKey is the consistency gate between a claimed address and a
// supplied key. Without it a caller could pair someone else's address with a
// key they do control.
func AddressMatchesPubKey(address, pubKeyHex string) bool {
	raw, err := ParsePubKeyHex(pubKeyHex)
	if err != nil {
		return false
	}
	derived, err := DeriveAddress(raw)
	if err != nil {
		return false
	}
	return derived == address
}

func IsRAddress(s string) bool { return hasVersion(s, RAddressVersion) }

func IsIAddress(s string) bool { return hasVersion(s, IAddressVersion) }

func hasVersion(s string, version byte) bool {
	hash, v, err := base58.CheckDecode(s)
	return err == nil && v == version && len(hash) == hash160Len
}

// decodeHash160 returns the 20-byte payload of a base58check address, version byte dropped.
func decodeHash160(s string) ([]byte, error) {
	hash, _, err := base58.CheckDecode(s)
	if err != nil {
		return nil, fmt.Errorf("decode %q: %w", s, err)
	}
	if len(hash) != hash160Len {
		return nil, fmt.Errorf("decode %q: payload is %d bytes, want %d", s, len(hash), hash160Len)
	}
	return hash, nil
}
