package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const sealedPrefix = "sb1:"

var ErrDecrypt = errors.New("security: unable to open sealed value")

// Cipher seals device credentials before they reach the database.
// A nil *Cipher or one built from an empty key passes values through.
type Cipher struct {
	key *[32]byte
}

// NewCipher derives a secretbox key from the configured passphrase
func NewCipher(passphrase string) *Cipher {
	if passphrase == "" {
		return &Cipher{}
	}
	key := sha256.Sum256([]byte(passphrase))
	return &Cipher{key: &key}
}

func (c *Cipher) Enabled() bool {
	return c != nil && c.key != nil
}

// Encrypt returns a prefixed, base64 encoded secretbox of plaintext
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if !c.Enabled() || plaintext == "" {
		return plaintext, nil
	}

	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("security: nonce: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, c.key)
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. Values without the sealed
// prefix are legacy plaintext and are returned unchanged.
func (c *Cipher) Decrypt(value string) (string, error) {
	if !strings.HasPrefix(value, sealedPrefix) {
		return value, nil
	}
	if !c.Enabled() {
		return "", fmt.Errorf("%w: no encryption key configured", ErrDecrypt)
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil || len(raw) < 24+secretbox.Overhead {
		return "", ErrDecrypt
	}

	var nonce [24]byte
	copy(nonce[:], raw[:24])
	out, ok := secretbox.Open(nil, raw[24:], &nonce, c.key)
	if !ok {
		return "", ErrDecrypt
	}
	return string(out), nil
}
