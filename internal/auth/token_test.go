package auth

import (
	"errors"
	"testing"
	"time"
)

var testSecret = []byte("test-secret")

func TestMintAndVerify(t *testing.T) {
	token, err := Mint(testSecret, "doc-1", "user-1", PermissionWrite, time.Hour)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	grant, err := Verify(testSecret, token, "doc-1")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if grant.UserID != "user-1" {
		t.Errorf("expected user-1, got %s", grant.UserID)
	}
	if grant.Permission != PermissionWrite {
		t.Errorf("expected WRITE, got %s", grant.Permission)
	}
	if !grant.CanWrite() {
		t.Error("expected CanWrite for WRITE grant")
	}
}

func TestVerifyDocumentMismatch(t *testing.T) {
	token, err := Mint(testSecret, "doc-a", "user-1", PermissionWrite, time.Hour)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	_, err = Verify(testSecret, token, "doc-b")
	if !errors.Is(err, ErrDocumentMismatch) {
		t.Errorf("expected ErrDocumentMismatch, got %v", err)
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	token, err := Mint(testSecret, "doc-1", "user-1", PermissionRead, -time.Minute)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	_, err = Verify(testSecret, token, "doc-1")
	if !errors.Is(err, ErrExpiredToken) {
		t.Errorf("expected ErrExpiredToken, got %v", err)
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	token, err := Mint(testSecret, "doc-1", "user-1", PermissionWrite, time.Hour)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	_, err = Verify([]byte("other-secret"), token, "doc-1")
	if !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyMissingToken(t *testing.T) {
	_, err := Verify(testSecret, "", "doc-1")
	if !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyGarbageToken(t *testing.T) {
	_, err := Verify(testSecret, "not.a.jwt", "doc-1")
	if !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestAnonymousUserDefault(t *testing.T) {
	token, err := Mint(testSecret, "doc-1", "", PermissionRead, time.Hour)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	grant, err := Verify(testSecret, token, "doc-1")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if grant.UserID != AnonymousUser {
		t.Errorf("expected %s, got %s", AnonymousUser, grant.UserID)
	}
	if grant.CanWrite() {
		t.Error("READ grant must not be writable")
	}
}
