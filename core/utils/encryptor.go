package utils

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

var errCipherTooShort = errors.New("cipher blob too short")

// Encryptor seals small secrets (chat bot tokens) at rest.
type Encryptor struct {
	key []byte
}

// NewEncryptorFromString expects a hex-encoded 32-byte key.
func NewEncryptorFromString(raw string) (*Encryptor, error) {
	key, err := hex.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, errors.New("encryption key must be 32 bytes")
	}
	return &Encryptor{key: key}, nil
}

func (e *Encryptor) EncryptToBlob(plain []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(e.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plain, nil), nil
}

func (e *Encryptor) DecryptBlob(blob []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(e.key)
	if err != nil {
		return nil, err
	}
	if len(blob) < aead.NonceSize() {
		return nil, errCipherTooShort
	}
	nonce, cipher := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	return aead.Open(nil, nonce, cipher, nil)
}
