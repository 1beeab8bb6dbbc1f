package transport

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

// envelope implements the optional frame-level encryption policy mentioned
// in spec.md §1 ("the specification uses nonce and token abstractly;
// concrete cipher choice is policy"). When a node is configured with a
// pre-shared key, every frame is sealed with AES-GCM before it hits the
// wire, nonce-per-frame. The sealed layout is nonce || ciphertext || tag,
// the AEAD's own output appended to the nonce by [envelope.seal] and taken
// apart again by [envelope.open].
type envelope struct {
	gcm cipher.AEAD
}

const (
	nonceSize = 12
	tagSize   = 16
)

// newEnvelope derives an AES-GCM AEAD from a pre-shared key. key must be 16,
// 24, or 32 bytes (AES-128/192/256).
func newEnvelope(key []byte) (*envelope, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("transport: init aes: %w", err)
	}
	gcm, err := cipher.NewGCMWithTagSize(block, tagSize)
	if err != nil {
		return nil, fmt.Errorf("transport: init gcm: %w", err)
	}
	return &envelope{gcm: gcm}, nil
}

// seal returns nonce||ciphertext||tag for plaintext, allocating a fresh
// nonce from crypto/rand.
func (e *envelope) seal(plaintext []byte) ([]byte, error) {
	buf := make([]byte, nonceSize, nonceSize+len(plaintext)+tagSize)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("transport: generate nonce: %w", err)
	}
	return e.gcm.Seal(buf, buf[:nonceSize], plaintext, nil), nil
}

// open is the inverse of seal.
func (e *envelope) open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+tagSize {
		return nil, fmt.Errorf("transport: sealed frame too short")
	}
	nonce, rest := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := e.gcm.Open(rest[:0], nonce, rest, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: open: %w", err)
	}
	return plaintext, nil
}
