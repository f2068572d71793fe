package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func setSecret(t *testing.T, value string) {
	t.Helper()
	t.Setenv("CANONID_AUTH_SECRET", value)
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)
}

func TestGenerateAndValidateToken(t *testing.T) {
	setSecret(t, "unit-test-secret")

	token, err := GenerateToken("user-1", []string{"Admin", "auditor", "admin"}, time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Fatalf("unexpected subject: %q", claims.Subject)
	}
	if len(claims.Roles) != 2 {
		t.Fatalf("roles not deduplicated: %v", claims.Roles)
	}
	if claims.Issuer != "canonid" {
		t.Fatalf("unexpected issuer: %q", claims.Issuer)
	}
}

func TestGenerateTokenValidation(t *testing.T) {
	setSecret(t, "unit-test-secret")

	if _, err := GenerateToken("  ", nil, time.Minute); err == nil {
		t.Fatalf("expected error for empty user")
	}
	if _, err := GenerateToken("user-1", nil, 0); err == nil {
		t.Fatalf("expected error for zero ttl")
	}
}

func TestGenerateTokenRequiresSecret(t *testing.T) {
	setSecret(t, "")

	if _, err := GenerateToken("user-1", nil, time.Minute); !errors.Is(err, errMissingSecret) {
		t.Fatalf("expected missing secret error, got %v", err)
	}
}

func TestParseAndValidateRejectsGarbage(t *testing.T) {
	setSecret(t, "unit-test-secret")

	for _, token := range []string{"", "   ", "not.a.jwt", "a.b.c"} {
		if _, err := ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("token %q: expected ErrInvalidToken, got %v", token, err)
		}
	}
}

func TestParseAndValidateRejectsWrongKey(t *testing.T) {
	setSecret(t, "key-one")
	token, err := GenerateToken("user-1", []string{"admin"}, time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	setSecret(t, "key-two")
	if _, err := ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken under different key, got %v", err)
	}
}

func TestContextRoundTrip(t *testing.T) {
	ctx := ContextWithUser(context.Background(), "user-1", []string{"Admin", "Auditor"})

	userID, ok := UserIDFromContext(ctx)
	if !ok || userID != "user-1" {
		t.Fatalf("user id lost: %q %v", userID, ok)
	}
	if !HasRole(ctx, "ADMIN") {
		t.Fatalf("role lookup should be case-insensitive")
	}
	if HasRole(ctx, "owner") {
		t.Fatalf("unexpected role match")
	}

	if _, ok := UserIDFromContext(context.Background()); ok {
		t.Fatalf("empty context should have no user")
	}
}
