package auth

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dskow/resilient-client/internal/config"
)

// refreshMargin is how long before expiry a cached token is replaced.
const refreshMargin = 30 * time.Second

// Signer mints HS256 service tokens for backend calls. A token is reused
// until it is within refreshMargin of expiring.
type Signer struct {
	cfg config.ServiceTokenConfig
	now func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewSigner returns a Signer, or nil when no secret is configured. A nil
// Signer yields no token.
func NewSigner(cfg config.ServiceTokenConfig) *Signer {
	if cfg.Secret == "" {
		return nil
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	return &Signer{cfg: cfg, now: time.Now}
}

// Token returns a valid service token.
func (s *Signer) Token() (string, error) {
	if s == nil {
		return "", nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.token != "" && now.Add(refreshMargin).Before(s.expires) {
		return s.token, nil
	}

	exp := now.Add(s.cfg.TTL)
	claims := jwt.RegisteredClaims{
		Issuer:    s.cfg.Issuer,
		Subject:   s.cfg.Subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
		ID:        uuid.NewString(),
	}
	if s.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{s.cfg.Audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("signing service token: %w", err)
	}
	s.token, s.expires = signed, exp
	return signed, nil
}
