// Package credential seals and opens the SSH key material stored for each
// node. Keys are kept at rest as base64(nonce || ciphertext || tag) under
// AES-256-GCM and are opened only immediately before a remote session.
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

	"golang.org/x/crypto/hkdf"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// NonceSize is the GCM nonce length in bytes.
const NonceSize = 12

// hkdfInfo separates the credential key from anything else derived from
// the same master secret. Changing it invalidates every stored envelope.
var hkdfInfo = []byte("fleet.credential.v1")

var (
	ErrEmptyMaster = errors.New("credential: empty master secret")
	ErrMalformed   = errors.New("credential: malformed envelope")
)

// DeriveKey derives the 32-byte envelope key from a master secret with
// HKDF-SHA256.
func DeriveKey(master []byte) ([]byte, error) {
	if len(master) == 0 {
		return nil, ErrEmptyMaster
	}
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("credential: derive key: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("credential: key is %d bytes, want %d", len(key), KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("credential: aes: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credential: gcm: %w", err)
	}
	return gcm, nil
}

// Seal encrypts plaintext under key with a random nonce and returns the
// base64 envelope.
func Seal(plaintext, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	out := make([]byte, NonceSize, NonceSize+len(plaintext)+gcm.Overhead())
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return "", fmt.Errorf("credential: nonce: %w", err)
	}
	out = gcm.Seal(out, out[:NonceSize], plaintext, nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open authenticates and decrypts a base64 envelope produced by Seal.
func Open(envelope string, key []byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrMalformed, err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(raw) < NonceSize+gcm.Overhead() {
		return nil, fmt.Errorf("%w: %d bytes, minimum is %d", ErrMalformed, len(raw), NonceSize+gcm.Overhead())
	}
	plaintext, err := gcm.Open(nil, raw[:NonceSize], raw[NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("credential: open (wrong key or tampered envelope): %w", err)
	}
	return plaintext, nil
}

// Wipe overwrites b with zeros.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Box opens envelopes with a fixed key.
type Box struct {
	key []byte
}

// NewBox derives the envelope key from master.
func NewBox(master []byte) (*Box, error) {
	key, err := DeriveKey(master)
	if err != nil {
		return nil, err
	}
	return &Box{key: key}, nil
}

// Decrypt opens an envelope. Callers Wipe the result once the session
// that needed it is established.
func (b *Box) Decrypt(envelope string) ([]byte, error) {
	return Open(envelope, b.key)
}

// Encrypt seals plaintext into an envelope.
func (b *Box) Encrypt(plaintext []byte) (string, error) {
	return Seal(plaintext, b.key)
}
