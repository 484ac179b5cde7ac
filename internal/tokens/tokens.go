// Package tokens issues and verifies the short-lived, room-scoped JWTs that
// authorize file uploads and downloads against the object store.
package tokens

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("tokens: invalid token")

// Operation names carried in the token's "op" claim.
const (
	OpUpload   = "upload"
	OpDownload = "download"
)

// Signer holds an Ed25519 keypair for issuing file-transfer JWTs.
type Signer struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
	KeyID   string
	Issuer  string
}

// NewFromBase64 creates a signer from base64-encoded ed25519 private key
// bytes. If privB64 is empty, it generates an ephemeral key (good for local
// dev; outstanding tokens die with the process, which suits ephemeral
// rooms).
func NewFromBase64(privB64, kid, iss string) (*Signer, error) {
	var priv ed25519.PrivateKey
	if privB64 == "" {
		_, priv, _ = ed25519.GenerateKey(rand.Reader)
	} else {
		raw, err := base64.StdEncoding.DecodeString(privB64)
		if err != nil {
			return nil, err
		}
		if len(raw) != ed25519.PrivateKeySize {
			return nil, errors.New("invalid ed25519 private key size")
		}
		priv = ed25519.PrivateKey(raw)
	}
	pub := priv.Public().(ed25519.PublicKey)
	return &Signer{private: priv, public: pub, KeyID: kid, Issuer: iss}, nil
}

// FileClaims scope a token to one operation on one file in one room.
type FileClaims struct {
	RoomID      string `json:"roomId"`
	FileID      string `json:"fileId"`
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType,omitempty"`
	Op          string `json:"op"`
	jwt.RegisteredClaims
}

// Sign issues a token for the given claims expiring at expiresAt.
func (s *Signer) Sign(claims FileClaims, expiresAt time.Time) (string, error) {
	now := time.Now()
	claims.Issuer = s.Issuer
	claims.Subject = claims.FileID
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(expiresAt)

	t := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	t.Header["kid"] = s.KeyID
	return t.SignedString(s.private)
}

// Verify parses and validates a token, returning its file claims.
func (s *Signer) Verify(token string) (FileClaims, error) {
	var claims FileClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodEdDSA {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.public, nil
	}, jwt.WithIssuer(s.Issuer), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return FileClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// PublicJWK renders the public part as a JWK so the object-store
// collaborator can validate tokens on its side.
func (s *Signer) PublicJWK() map[string]any {
	return map[string]any{
		"kty": "OKP",
		"crv": "Ed25519",
		"alg": "EdDSA",
		"use": "sig",
		"kid": s.KeyID,
		"x":   base64.RawURLEncoding.EncodeToString(s.public),
	}
}
