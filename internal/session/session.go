// Package session issues and validates the cookie-carried user session.
//
// By default the cookie value is the plain JSON payload
// {userId, name, email, role, expires}. When a secret is configured the same
// claims travel as an HS256 JWT instead, so the payload cannot be forged.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"taskhub/internal/domain"
)

const (
	DefaultCookieName  = "user_session"
	DefaultTTL         = 24 * time.Hour
	DefaultRememberTTL = 7 * 24 * time.Hour
)

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrInvalidSession = errors.New("invalid session")
	ErrSessionExpired = errors.New("session expired")
)

// Session is the payload carried by the cookie.
type Session struct {
	UserID  string    `json:"userId"`
	Name    string    `json:"name"`
	Email   string    `json:"email"`
	Role    string    `json:"role"`
	Expires time.Time `json:"expires"`
}

func (s Session) Principal() domain.Principal {
	return domain.Principal{UserID: s.UserID, Name: s.Name, Email: s.Email, Role: s.Role}
}

type Config struct {
	// Secret switches the codec to signed JWT cookies when non-empty.
	Secret      string
	TTL         time.Duration
	RememberTTL time.Duration
}

// Guard is the single place session cookies are decoded and checked.
type Guard struct {
	cfg Config
	Now func() time.Time
}

func NewGuard(cfg Config) *Guard {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.RememberTTL <= 0 {
		cfg.RememberTTL = DefaultRememberTTL
	}
	return &Guard{cfg: cfg, Now: time.Now}
}

func (g *Guard) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// Signed reports whether cookies are JWT-signed.
func (g *Guard) Signed() bool {
	return strings.TrimSpace(g.cfg.Secret) != ""
}

// TTL returns the lifetime of a new session.
func (g *Guard) TTL(remember bool) time.Duration {
	if remember {
		return g.cfg.RememberTTL
	}
	return g.cfg.TTL
}

// Issue builds a session for p and returns it together with its cookie value.
func (g *Guard) Issue(p domain.Principal, remember bool) (Session, string, error) {
	s := Session{
		UserID:  p.UserID,
		Name:    p.Name,
		Email:   p.Email,
		Role:    p.Role,
		Expires: g.now().Add(g.TTL(remember)).UTC(),
	}
	value, err := g.encode(s)
	if err != nil {
		return Session{}, "", err
	}
	return s, value, nil
}

// Validate turns a raw cookie value into a principal or one of
// ErrUnauthorized, ErrInvalidSession, ErrSessionExpired.
func (g *Guard) Validate(raw string) (domain.Principal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.Principal{}, ErrUnauthorized
	}
	s, err := g.decode(raw)
	if err != nil {
		return domain.Principal{}, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if s.UserID == "" || s.Expires.IsZero() {
		return domain.Principal{}, ErrInvalidSession
	}
	if !g.now().Before(s.Expires) {
		return domain.Principal{}, ErrSessionExpired
	}
	return s.Principal(), nil
}

func (g *Guard) encode(s Session) (string, error) {
	if !g.Signed() {
		data, err := json.Marshal(s)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.UserID,
			ExpiresAt: jwt.NewNumericDate(s.Expires),
			IssuedAt:  jwt.NewNumericDate(g.now()),
		},
		Name:  s.Name,
		Email: s.Email,
		Role:  s.Role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(g.cfg.Secret))
}

type sessionClaims struct {
	jwt.RegisteredClaims
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

func (g *Guard) decode(raw string) (Session, error) {
	if !g.Signed() {
		var s Session
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return Session{}, err
		}
		return s, nil
	}
	// Expiry is checked by Validate against the injected clock, not by the parser.
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	claims := &sessionClaims{}
	parsed, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return []byte(g.cfg.Secret), nil
	})
	if err != nil {
		return Session{}, err
	}
	if !parsed.Valid {
		return Session{}, errors.New("invalid token")
	}
	s := Session{
		UserID: claims.Subject,
		Name:   claims.Name,
		Email:  claims.Email,
		Role:   claims.Role,
	}
	if claims.ExpiresAt != nil {
		s.Expires = claims.ExpiresAt.Time
	}
	return s, nil
}
