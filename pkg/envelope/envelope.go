// Package envelope implements the edge-side cryptography for ephemeral chat
// sessions: X25519 key pairs, session-key wrap/unwrap via ephemeral ECDH,
// and AEAD encryption of message and file payloads. The relay and store
// only ever see public keys, wrapped-key blobs, and ciphertext.
package envelope

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the length of session keys and X25519 keys.
	KeySize = 32
	// NonceSize is fixed by the AEAD choice and must match on both sides.
	NonceSize = chacha20poly1305.NonceSize
	// TagSize is the AEAD authentication tag length.
	TagSize = 16

	hkdfInfoWrap = "ephemeral-session-keywrap"
	keyIDBytes   = 16
)

var (
	randMu        sync.RWMutex
	randomnessSrc io.Reader = randReader{}
)

// randReader wraps crypto/rand.Reader but keeps the type unexported so tests
// can substitute deterministic sources.
type randReader struct{}

func (randReader) Read(p []byte) (int, error) {
	return rand.Read(p)
}

// UseDeterministicRandom swaps the randomness source for deterministic
// testing and returns a restore function that must be called when the test
// completes.
func UseDeterministicRandom(r io.Reader) func() {
	randMu.Lock()
	prev := randomnessSrc
	randomnessSrc = r
	randMu.Unlock()
	return func() {
		randMu.Lock()
		randomnessSrc = prev
		randMu.Unlock()
	}
}

func readRandom(b []byte) error {
	randMu.RLock()
	src := randomnessSrc
	randMu.RUnlock()
	_, err := io.ReadFull(src, b)
	return err
}

// GenerateKeyPair creates an X25519 key-exchange pair. The private half is
// returned to the caller and must never leave the generating device.
func GenerateKeyPair() (public, private [KeySize]byte, err error) {
	if err = readRandom(private[:]); err != nil {
		return
	}
	private[0] &= 248
	private[31] &= 127
	private[31] |= 64
	pub, e := curve25519.X25519(private[:], curve25519.Basepoint)
	if e != nil {
		err = e
		return
	}
	copy(public[:], pub)
	return
}

// GenerateSessionKey produces a fresh 32-byte symmetric key from a
// cryptographically secure random source.
func GenerateSessionKey() ([KeySize]byte, error) {
	var key [KeySize]byte
	if err := readRandom(key[:]); err != nil {
		return [KeySize]byte{}, err
	}
	return key, nil
}

// WrappedKey is a session key sealed for one recipient. Everything in it is
// safe to relay and store; the key id is a correlation token, not a secret.
type WrappedKey struct {
	KeyID     string          `json:"keyId"`
	Ephemeral [KeySize]byte   `json:"ephemeralKey"`
	Nonce     [NonceSize]byte `json:"nonce"`
	Sealed    []byte          `json:"sealed"`
}

// WrapSessionKey seals sessionKey for the holder of recipientPublic: a fresh
// ephemeral X25519 exchange derives a KEK through HKDF-SHA256, and the
// session key is sealed under ChaCha20-Poly1305 with the ephemeral public
// key bound as associated data.
func WrapSessionKey(sessionKey [KeySize]byte, recipientPublic [KeySize]byte) (WrappedKey, error) {
	ephPub, ephPriv, err := GenerateKeyPair()
	if err != nil {
		return WrappedKey{}, err
	}
	kek, err := deriveWrapKey(ephPriv, recipientPublic)
	if err != nil {
		return WrappedKey{}, err
	}
	aead, err := chacha20poly1305.New(kek[:])
	if err != nil {
		return WrappedKey{}, err
	}
	wk := WrappedKey{Ephemeral: ephPub}
	if wk.KeyID, err = newKeyID(); err != nil {
		return WrappedKey{}, err
	}
	if err := readRandom(wk.Nonce[:]); err != nil {
		return WrappedKey{}, err
	}
	wk.Sealed = aead.Seal(nil, wk.Nonce[:], sessionKey[:], ephPub[:])
	return wk, nil
}

// UnwrapSessionKey recovers the session key with the recipient's private
// key. Tampering or a wrong key yields ErrDecryptionFailed, never partial
// output.
func UnwrapSessionKey(wk WrappedKey, recipientPrivate [KeySize]byte) ([KeySize]byte, error) {
	shared, err := curve25519.X25519(recipientPrivate[:], wk.Ephemeral[:])
	if err != nil {
		return [KeySize]byte{}, ErrDecryptionFailed
	}
	kek, err := expandWrapKey(shared)
	if err != nil {
		return [KeySize]byte{}, err
	}
	aead, err := chacha20poly1305.New(kek[:])
	if err != nil {
		return [KeySize]byte{}, err
	}
	raw, err := aead.Open(nil, wk.Nonce[:], wk.Sealed, wk.Ephemeral[:])
	if err != nil {
		return [KeySize]byte{}, ErrDecryptionFailed
	}
	if len(raw) != KeySize {
		return [KeySize]byte{}, ErrDecryptionFailed
	}
	var key [KeySize]byte
	copy(key[:], raw)
	return key, nil
}

func deriveWrapKey(ephPriv, recipientPublic [KeySize]byte) ([KeySize]byte, error) {
	shared, err := curve25519.X25519(ephPriv[:], recipientPublic[:])
	if err != nil {
		return [KeySize]byte{}, err
	}
	return expandWrapKey(shared)
}

func expandWrapKey(shared []byte) ([KeySize]byte, error) {
	kdf := hkdf.New(sha256.New, shared, nil, []byte(hkdfInfoWrap))
	var kek [KeySize]byte
	if _, err := io.ReadFull(kdf, kek[:]); err != nil {
		return [KeySize]byte{}, err
	}
	return kek, nil
}

// Hash returns the hex-encoded SHA-256 digest of data, used for content
// fingerprinting.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func newKeyID() (string, error) {
	buf := make([]byte, keyIDBytes)
	if err := readRandom(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
