package identity

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// sealer encrypts the token cache at rest. The key is derived from the
// device serial, so a copied database file is useless on another device.
type sealer struct {
	aead cipher.AEAD
}

func newSealer(serial string) *sealer {
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, []byte(serial), nil, []byte("voca token cache"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		// HKDF over SHA-256 cannot fail to produce one key's worth of output.
		panic(fmt.Sprintf("identity: hkdf: %v", err))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		panic(fmt.Sprintf("identity: aead: %v", err))
	}
	return &sealer{aead: aead}
}

// seal encrypts the token with a random nonce prepended to the ciphertext.
func (s *sealer) seal(token string) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("identity: nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, []byte(token), nil), nil
}

// open decrypts a sealed blob.
func (s *sealer) open(sealed []byte) (string, error) {
	ns := s.aead.NonceSize()
	if len(sealed) < ns {
		return "", fmt.Errorf("identity: sealed blob too short")
	}
	plain, err := s.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("identity: unseal: %w", err)
	}
	return string(plain), nil
}
