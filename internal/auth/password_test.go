package auth

import "testing"

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if err := VerifyPassword(hash, "s3cret"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := VerifyPassword(hash, "wrong"); err == nil {
		t.Fatalf("wrong password accepted")
	}
}

func TestPasswordValidation(t *testing.T) {
	if _, err := HashPassword(""); err == nil {
		t.Fatalf("empty password accepted")
	}
	if err := VerifyPassword("", "x"); err == nil {
		t.Fatalf("empty hash accepted")
	}
}
