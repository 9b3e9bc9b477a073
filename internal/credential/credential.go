// Package credential seals secrets such as provider API keys so they can
// sit in a config file. Sealed values are AES-256-GCM ciphertext under a
// key derived from a passphrase, or from the machine when none is set.
package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
)

const (
	// SealedPrefix marks a value as sealed.
	SealedPrefix = "sealed:v1:"

	// PassphraseEnv names the variable holding the sealing passphrase.
	PassphraseEnv = "MURMUR_SECRET_KEY"

	salt = "murmur-config-secret-v1"
)

var (
	ErrOpenFailed    = errors.New("credential: cannot open sealed value")
	ErrInvalidFormat = errors.New("credential: invalid sealed format")
)

// Sealer seals and opens secret values.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives a key from passphrase. An empty passphrase binds the
// key to this machine and user, so sealed values only open where they were
// made.
func NewSealer(passphrase string) (*Sealer, error) {
	if passphrase == "" {
		passphrase = machineID()
	}
	key := sha256.Sum256([]byte(salt + "\x00" + passphrase))

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// FromEnv returns a Sealer keyed by $MURMUR_SECRET_KEY.
func FromEnv() (*Sealer, error) {
	return NewSealer(os.Getenv(PassphraseEnv))
}

// Seal encrypts plaintext. The empty string stays empty.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return SealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a sealed value. Values without the prefix are returned
// unchanged so plain secrets keep working.
func (s *Sealer) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, SealedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	n := s.aead.NonceSize()
	if len(raw) < n {
		return "", ErrInvalidFormat
	}
	plain, err := s.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", ErrOpenFailed
	}
	return string(plain), nil
}

// IsSealed reports whether value carries the sealed prefix.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, SealedPrefix)
}

func machineID() string {
	var b strings.Builder
	host, _ := os.Hostname()
	b.WriteString(host)
	home, _ := os.UserHomeDir()
	b.WriteString(home)
	b.WriteString(runtime.GOOS)
	b.WriteString(runtime.GOARCH)
	if uid := os.Getuid(); uid != -1 {
		fmt.Fprintf(&b, "uid:%d", uid)
	}
	return b.String()
}
