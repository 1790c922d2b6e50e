package auth

import (
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPasswordCost("s3cret!", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if hash == "s3cret!" || strings.Contains(hash, "s3cret!") {
		t.Fatal("hash must not contain the plaintext")
	}
	if !CheckPassword("s3cret!", hash) {
		t.Fatal("expected matching password to verify")
	}
	if CheckPassword("s3cret?", hash) {
		t.Fatal("expected wrong password to fail")
	}
	if CheckPassword("s3cret!", "") {
		t.Fatal("expected empty hash to fail")
	}
}

func TestHashIsSalted(t *testing.T) {
	a, _ := HashPasswordCost("same", bcrypt.MinCost)
	b, _ := HashPasswordCost("same", bcrypt.MinCost)
	if a == b {
		t.Fatal("expected different hashes for the same password")
	}
}

func TestHashRejectsEmpty(t *testing.T) {
	if _, err := HashPassword(""); err == nil {
		t.Fatal("expected error for empty password")
	}
}

func TestCheckDummy(t *testing.T) {
	if CheckDummy("fintrack-dummy-password") {
		t.Fatal("dummy check must always fail")
	}
}

func TestGenerateToken(t *testing.T) {
	a, err := GenerateToken(32)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
	b, _ := GenerateToken(32)
	if a == b {
		t.Fatal("expected distinct tokens")
	}
}
