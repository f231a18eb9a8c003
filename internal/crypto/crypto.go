// Package crypto seals and reveals secrets that appear in the hosts file.
package crypto

import (
	"fmt"
	"strings"
	"time"

	"github.com/fernet/fernet-go"
)

// TokenPrefix marks a hosts-file value as a fernet token.
const TokenPrefix = "fernet:"

// Sealer encrypts and decrypts values with a fernet key.
type Sealer struct {
	key *fernet.Key
}

// GenerateKey returns a new encoded fernet key.
func GenerateKey() (string, error) {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		return "", fmt.Errorf("generate fernet key: %w", err)
	}
	return k.Encode(), nil
}

// NewSealer decodes keyStr. An empty key yields a Sealer that can only pass
// plain values through.
func NewSealer(keyStr string) (*Sealer, error) {
	if keyStr == "" {
		return &Sealer{}, nil
	}
	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return &Sealer{key: key}, nil
}

func (s *Sealer) Encrypt(plaintext string) (string, error) {
	if s.key == nil {
		return "", fmt.Errorf("encrypt: no fernet key configured")
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), s.key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return TokenPrefix + string(tok), nil
}

func (s *Sealer) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	if s.key == nil {
		return "", fmt.Errorf("decrypt: no fernet key configured")
	}
	msg := fernet.VerifyAndDecrypt([]byte(strings.TrimPrefix(ciphertext, TokenPrefix)), 0*time.Second, []*fernet.Key{s.key})
	if msg == nil {
		return "", fmt.Errorf("decrypt: invalid token")
	}
	return string(msg), nil
}

// Reveal returns value unchanged unless it carries TokenPrefix, in which case
// it is decrypted.
func (s *Sealer) Reveal(value string) (string, error) {
	if !strings.HasPrefix(value, TokenPrefix) {
		return value, nil
	}
	return s.Decrypt(value)
}
