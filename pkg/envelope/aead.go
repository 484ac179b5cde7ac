package envelope

import (
	"golang.org/x/crypto/chacha20poly1305"
)

// EncryptedData carries AEAD output with the tag split from the ciphertext,
// matching the wire metadata layout (iv, tag, keyId travel alongside the
// opaque payload).
type EncryptedData struct {
	Ciphertext []byte          `json:"data"`
	IV         [NonceSize]byte `json:"iv"`
	Tag        []byte          `json:"tag"`
	KeyID      string          `json:"keyId"`
}

const (
	adMessage = "msg"
	adFile    = "file"
)

// EncryptData seals plaintext under the session key with a fresh random
// nonce per call.
func EncryptData(plaintext []byte, sessionKey [KeySize]byte) (EncryptedData, error) {
	return seal(plaintext, sessionKey, adMessage)
}

// DecryptData opens an EncryptedData envelope. A tag mismatch fails closed
// with ErrAuthenticationFailed; no partial plaintext is ever returned.
func DecryptData(data EncryptedData, sessionKey [KeySize]byte) ([]byte, error) {
	return open(data, sessionKey, adMessage)
}

// EncryptFile applies the same AEAD contract to arbitrary file bytes. File
// and message payloads are domain-separated through the associated data so
// a ciphertext cannot be replayed across contexts.
func EncryptFile(content []byte, sessionKey [KeySize]byte) (EncryptedData, error) {
	return seal(content, sessionKey, adFile)
}

// DecryptFile is the inverse of EncryptFile.
func DecryptFile(data EncryptedData, sessionKey [KeySize]byte) ([]byte, error) {
	return open(data, sessionKey, adFile)
}

func seal(plaintext []byte, sessionKey [KeySize]byte, ad string) (EncryptedData, error) {
	aead, err := chacha20poly1305.New(sessionKey[:])
	if err != nil {
		return EncryptedData{}, err
	}
	out := EncryptedData{}
	if out.KeyID, err = newKeyID(); err != nil {
		return EncryptedData{}, err
	}
	if err := readRandom(out.IV[:]); err != nil {
		return EncryptedData{}, err
	}
	sealed := aead.Seal(nil, out.IV[:], plaintext, []byte(ad))
	out.Ciphertext = sealed[:len(sealed)-TagSize]
	out.Tag = sealed[len(sealed)-TagSize:]
	return out, nil
}

func open(data EncryptedData, sessionKey [KeySize]byte, ad string) ([]byte, error) {
	if len(data.Tag) != TagSize {
		return nil, ErrAuthenticationFailed
	}
	aead, err := chacha20poly1305.New(sessionKey[:])
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(data.Ciphertext)+TagSize)
	sealed = append(sealed, data.Ciphertext...)
	sealed = append(sealed, data.Tag...)
	plaintext, err := aead.Open(nil, data.IV[:], sealed, []byte(ad))
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}
