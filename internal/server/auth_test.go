package server

import (
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test: Mint/validate round trip
// ---------------------------------------------------------------------------

func TestCredentialRoundTrip(t *testing.T) {
	secret := []byte("test-secret")

	token, err := MintCredential(secret, "u1", time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	userID, err := ValidateCredential(secret, token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if userID != "u1" {
		t.Fatalf("expected user u1, got %q", userID)
	}
}

// ---------------------------------------------------------------------------
// Test: A credential signed with a different secret is rejected
// ---------------------------------------------------------------------------

func TestValidateCredential_WrongSecret(t *testing.T) {
	token, err := MintCredential([]byte("secret-a"), "u1", time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	if _, err := ValidateCredential([]byte("secret-b"), token); err == nil {
		t.Fatal("expected rejection for wrong secret")
	}
}

// ---------------------------------------------------------------------------
// Test: Expired credentials are rejected
// ---------------------------------------------------------------------------

func TestValidateCredential_Expired(t *testing.T) {
	secret := []byte("test-secret")
	token, err := MintCredential(secret, "u1", -time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	if _, err := ValidateCredential(secret, token); err == nil {
		t.Fatal("expected rejection for expired credential")
	}
}

func TestValidateCredential_Garbage(t *testing.T) {
	if _, err := ValidateCredential([]byte("s"), "not-a-token"); err == nil {
		t.Fatal("expected rejection for malformed credential")
	}
}
