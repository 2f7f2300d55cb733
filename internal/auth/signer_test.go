package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dskow/resilient-client/internal/config"
)

func TestSigner_NilWithoutSecret(t *testing.T) {
	s := NewSigner(config.ServiceTokenConfig{})
	if s != nil {
		t.Fatal("expected nil signer without secret")
	}
	tok, err := s.Token()
	if err != nil || tok != "" {
		t.Errorf("nil signer should yield empty token, got %q %v", tok, err)
	}
}

func TestSigner_TokenValidates(t *testing.T) {
	s := NewSigner(config.ServiceTokenConfig{
		Secret:   testSecret,
		Issuer:   "resilient-client",
		Audience: "functions",
		Subject:  "clientd",
		TTL:      time.Minute,
	})
	tok, err := s.Token()
	if err != nil {
		t.Fatalf("Token: %v", err)
	}

	parsed, err := jwt.Parse(tok, func(*jwt.Token) (any, error) { return []byte(testSecret), nil },
		jwt.WithIssuer("resilient-client"), jwt.WithAudience("functions"), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		t.Fatalf("token did not validate: %v", err)
	}
	if sub, _ := parsed.Claims.GetSubject(); sub != "clientd" {
		t.Errorf("expected subject clientd, got %q", sub)
	}
}

func TestSigner_CachesUntilNearExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewSigner(config.ServiceTokenConfig{Secret: testSecret, TTL: 2 * time.Minute})
	s.now = func() time.Time { return now }

	first, _ := s.Token()
	now = now.Add(time.Minute)
	second, _ := s.Token()
	if first != second {
		t.Error("expected cached token before the refresh margin")
	}

	now = now.Add(45 * time.Second)
	third, _ := s.Token()
	if third == second {
		t.Error("expected a fresh token inside the refresh margin")
	}
}
