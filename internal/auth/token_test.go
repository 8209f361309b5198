package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"studychat/api/internal/chat"
)

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, "user-1", "Avery", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	claims, err := ParseToken(secret, issued)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Subject != "user-1" || claims.Name != "Avery" || claims.ID == "" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, "user-1", "Avery", -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := ParseToken(secret, issued); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("ParseToken() error = %v, want expired", err)
	}
}

func TestParseTokenRejectsWrongSecret(t *testing.T) {
	issued, err := IssueToken([]byte("secret"), "user-1", "Avery", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := ParseToken([]byte("other"), issued); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("ParseToken() error = %v, want invalid", err)
	}
}

func TestParseTokenRequiresExpiry(t *testing.T) {
	secret := []byte("secret")
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Name:             "Avery",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
	}).SignedString(secret)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	if _, err := ParseToken(secret, raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("ParseToken() error = %v, want invalid", err)
	}
}

func TestGateResolve(t *testing.T) {
	gate := NewGate("secret")
	issued, err := IssueToken([]byte("secret"), "user-9", "Ro", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	identity, err := gate.Resolve(context.Background(), "Bearer "+issued)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if identity != (chat.Identity{UserID: "user-9", Name: "Ro"}) {
		t.Fatalf("identity = %+v", identity)
	}

	for _, credential := range []string{"", "Bearer ", "garbage"} {
		if _, err := gate.Resolve(context.Background(), credential); !errors.Is(err, chat.ErrUnauthenticated) {
			t.Fatalf("Resolve(%q) error = %v, want unauthenticated", credential, err)
		}
	}
}
