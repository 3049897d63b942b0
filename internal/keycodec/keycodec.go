// Package keycodec fixes the binary layout shared by every envelope in the
// system: IV ‖ EncapsulatedKey ‖ Ciphertext. All widths derive from the active
// suite (X25519 + HKDF-SHA256 + AES-256-GCM); changing the suite changes the
// constants here and nowhere else.
package keycodec

import (
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

const (
	// IVSize is the AES-GCM standard nonce width.
	IVSize = 12
	// EncapsulatedKeySize is the width of the encapsulated key region: for the
	// X25519 suite it is the ephemeral public key.
	EncapsulatedKeySize = curve25519.PointSize
	// KeySize is the symmetric content-key width (AES-256).
	KeySize = 32
	// PublicKeySize and PrivateKeySize follow the curve.
	PublicKeySize  = curve25519.PointSize
	PrivateKeySize = curve25519.ScalarSize
)

// ErrInvalidCiphertext reports a blob shorter than its fixed header.
var ErrInvalidCiphertext = errors.New("keycodec: ciphertext shorter than fixed header")

// EncodeEnvelope serializes the fixed envelope layout.
func EncodeEnvelope(iv, encapsulated, ciphertext []byte) []byte {
	out := make([]byte, 0, len(iv)+len(encapsulated)+len(ciphertext))
	out = append(out, iv...)
	out = append(out, encapsulated...)
	out = append(out, ciphertext...)
	return out
}

// DecodeEnvelope splits a blob at the suite-derived offsets.
func DecodeEnvelope(blob []byte) (iv, encapsulated, ciphertext []byte, err error) {
	if len(blob) <= IVSize+EncapsulatedKeySize {
		return nil, nil, nil, ErrInvalidCiphertext
	}
	iv = blob[:IVSize]
	encapsulated = blob[IVSize : IVSize+EncapsulatedKeySize]
	ciphertext = blob[IVSize+EncapsulatedKeySize:]
	return iv, encapsulated, ciphertext, nil
}

// EncodeKey renders key material as lowercase hex for document storage.
func EncodeKey(key []byte) string {
	return hex.EncodeToString(key)
}

// DecodeKey parses a hex key and enforces the expected byte width.
func DecodeKey(s string, size int) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("keycodec: not a hex key: %w", err)
	}
	if len(key) != size {
		return nil, fmt.Errorf("keycodec: key length %d, want %d", len(key), size)
	}
	return key, nil
}

// ValidatePrivateKeyHex checks the structural shape of a decrypted private
// key: exact hex length and hex alphabet only. Used as the negative-result
// detector for passphrase decryption.
func ValidatePrivateKeyHex(s string) bool {
	if len(s) != PrivateKeySize*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
