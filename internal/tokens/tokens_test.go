package tokens

import (
	"errors"
	"testing"
	"time"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := NewFromBase64("", "kid-test", "sessions-test")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	return s
}

func TestSignVerifyRoundTrip(t *testing.T) {
	s := newTestSigner(t)

	claims := FileClaims{
		RoomID:      "room1",
		FileID:      "file1",
		FileName:    "report.pdf",
		ContentType: "application/pdf",
		Op:          OpUpload,
	}
	token, err := s.Sign(claims, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	got, err := s.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.RoomID != "room1" || got.FileID != "file1" || got.Op != OpUpload {
		t.Fatalf("claims round trip: %+v", got)
	}
	if got.Issuer != "sessions-test" {
		t.Fatalf("issuer: %s", got.Issuer)
	}
	if got.Subject != "file1" {
		t.Fatalf("subject: %s", got.Subject)
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	s := newTestSigner(t)
	token, err := s.Sign(FileClaims{RoomID: "r", FileID: "f", Op: OpDownload}, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := s.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestVerifyForeignKey(t *testing.T) {
	s := newTestSigner(t)
	other, err := NewFromBase64("", "kid-test", "sessions-test")
	if err != nil {
		t.Fatalf("other signer: %v", err)
	}
	token, err := other.Sign(FileClaims{RoomID: "r", FileID: "f", Op: OpUpload}, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := s.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for foreign signature, got %v", err)
	}
}

func TestVerifyWrongIssuer(t *testing.T) {
	s := newTestSigner(t)
	s2 := *s
	s2.Issuer = "someone-else"
	token, err := s2.Sign(FileClaims{RoomID: "r", FileID: "f", Op: OpUpload}, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := s.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong issuer, got %v", err)
	}
}

func TestVerifyGarbage(t *testing.T) {
	s := newTestSigner(t)
	if _, err := s.Verify("not.a.token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestPublicJWKShape(t *testing.T) {
	s := newTestSigner(t)
	jwk := s.PublicJWK()
	if jwk["kty"] != "OKP" || jwk["crv"] != "Ed25519" || jwk["kid"] != "kid-test" {
		t.Fatalf("jwk: %+v", jwk)
	}
	if jwk["x"] == "" {
		t.Fatal("missing public key material")
	}
}
