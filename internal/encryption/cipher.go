// Package encryption implements the at-rest codec for reading values:
// AES-256-CBC with a fresh random IV per value, stored as base64(IV || ciphertext).
package encryption

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"sensorhub/internal/config"
)

// ErrDecryption matches every DecryptionError via errors.Is.
var ErrDecryption = errors.New("decryption failed")

type DecryptionError struct {
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decryption failed: %s: %v", e.Reason, e.Err)
	}
	return "decryption failed: " + e.Reason
}

func (e *DecryptionError) Unwrap() error { return e.Err }

func (e *DecryptionError) Is(target error) bool { return target == ErrDecryption }

type Cipher struct {
	block     cipher.Block
	fallbacks []cipher.Block
	rand      io.Reader
}

// New derives the primary key and any fallback keys from cfg. Fallback keys
// use the same KDF and salt and are only consulted on decrypt.
func New(cfg config.EncryptionConfig) (*Cipher, error) {
	key, err := DeriveKey(cfg.KDF, cfg.Key, cfg.Salt)
	if err != nil {
		return nil, err
	}
	c, err := NewWithKey(key)
	if err != nil {
		return nil, err
	}
	for i, secret := range cfg.FallbackKeys {
		fk, err := DeriveKey(cfg.KDF, secret, cfg.Salt)
		if err != nil {
			return nil, fmt.Errorf("fallback key %d: %w", i, err)
		}
		block, err := aes.NewCipher(fk)
		if err != nil {
			return nil, fmt.Errorf("fallback key %d: %w", i, err)
		}
		c.fallbacks = append(c.fallbacks, block)
	}
	return c, nil
}

func NewWithKey(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &Cipher{block: block, rand: rand.Reader}, nil
}

func (c *Cipher) Encrypt(plaintext string) (string, error) {
	bs := c.block.BlockSize()
	padded := pkcs7Pad([]byte(plaintext), bs)
	out := make([]byte, bs+len(padded))
	iv := out[:bs]
	if _, err := io.ReadFull(c.rand, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(out[bs:], padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (c *Cipher) Decrypt(blob string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(blob))
	if err != nil {
		return "", &DecryptionError{Reason: "malformed base64", Err: err}
	}
	plain, err := decryptWith(c.block, raw)
	if err == nil {
		return plain, nil
	}
	for _, fb := range c.fallbacks {
		if p, ferr := decryptWith(fb, raw); ferr == nil {
			return p, nil
		}
	}
	return "", err
}

func (c *Cipher) EncryptFloat(v float64) (string, error) {
	return c.Encrypt(FormatValue(v))
}

func (c *Cipher) DecryptFloat(blob string) (float64, error) {
	plain, err := c.Decrypt(blob)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(plain), 64)
	if err != nil {
		return 0, &DecryptionError{Reason: "plaintext is not numeric", Err: err}
	}
	return v, nil
}

// FormatValue renders a float with the shortest representation that parses back to v.
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func decryptWith(block cipher.Block, raw []byte) (string, error) {
	bs := block.BlockSize()
	if len(raw) < 2*bs {
		return "", &DecryptionError{Reason: "ciphertext too short"}
	}
	iv, body := raw[:bs], raw[bs:]
	if len(body)%bs != 0 {
		return "", &DecryptionError{Reason: "ciphertext is not a multiple of the block size"}
	}
	buf := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(buf, body)
	plain, err := pkcs7Unpad(buf, bs)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func pkcs7Pad(data []byte, bs int) []byte {
	n := bs - len(data)%bs
	return append(append(make([]byte, 0, len(data)+n), data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, bs int) ([]byte, error) {
	if len(data) == 0 {
		return nil, &DecryptionError{Reason: "empty plaintext"}
	}
	n := int(data[len(data)-1])
	if n == 0 || n > bs || n > len(data) {
		return nil, &DecryptionError{Reason: "invalid padding"}
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, &DecryptionError{Reason: "invalid padding"}
		}
	}
	return data[:len(data)-n], nil
}
