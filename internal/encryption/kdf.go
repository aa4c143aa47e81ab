package encryption

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const KeySize = 32

const hkdfInfo = "sensorhub reading encryption v1"

// DeriveKey turns a configured secret into a 32 byte AES-256 key.
//
// "legacy" truncates or zero-pads the UTF-8 secret to 32 bytes. It is weak
// and exists only so ciphertext written by older deployments stays readable.
// "hkdf" runs HKDF-SHA256 over the secret with the configured salt.
func DeriveKey(kdf, secret, salt string) ([]byte, error) {
	if secret == "" {
		return nil, errors.New("encryption secret is empty")
	}
	switch kdf {
	case "legacy":
		return legacyKey(secret), nil
	case "hkdf", "":
		if salt == "" {
			return nil, errors.New("hkdf requires a salt")
		}
		key := make([]byte, KeySize)
		r := hkdf.New(sha256.New, []byte(secret), []byte(salt), []byte(hkdfInfo))
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, fmt.Errorf("hkdf: %w", err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("unsupported kdf %q", kdf)
	}
}

func legacyKey(secret string) []byte {
	key := make([]byte, KeySize)
	copy(key, secret)
	return key
}
