// Package auth checks credentials, registers users and resolves the current
// user behind a session.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/singleflight"

	"taskhub/internal/domain"
	"taskhub/internal/engine"
	"taskhub/internal/events"
	"taskhub/internal/repo"
	"taskhub/internal/session"
)

const (
	MinLoginPasswordLen    = 6
	MinRegisterPasswordLen = 8
	// bcrypt ignores input beyond 72 bytes.
	MaxPasswordLen = 72
)

var (
	// ErrInvalidCredentials covers both an unknown email and a wrong password.
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// PasswordHasher hashes and verifies passwords with bcrypt.
type PasswordHasher struct {
	Cost int
}

func (h PasswordHasher) Hash(password string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (h PasswordHasher) Verify(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Service provides login, registration and current-user lookup backed by SQL.
type Service struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Hasher PasswordHasher
	Now    func() time.Time

	lookups *singleflight.Group
}

func New(db *sql.DB) Service {
	return Service{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Hasher:  PasswordHasher{},
		Now:     time.Now,
		lookups: &singleflight.Group{},
	}
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func bad(field, msg string) error {
	return &engine.ValidationError{Code: engine.CodeBadRequest, Field: field, Message: msg}
}

func checkEmail(email string) error {
	if !emailPattern.MatchString(email) {
		return bad("email", "invalid email address")
	}
	return nil
}

// Login verifies credentials and returns the matching user.
func (s Service) Login(ctx context.Context, email, password string) (domain.User, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return domain.User{}, bad("email", "email and password are required")
	}
	if err := checkEmail(email); err != nil {
		return domain.User{}, err
	}
	if len(password) < MinLoginPasswordLen {
		return domain.User{}, bad("password", fmt.Sprintf("password must be at least %d characters", MinLoginPasswordLen))
	}
	u, err := s.Repo.GetUserByEmail(ctx, email)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("find user: %w", err)
	}
	if !s.Hasher.Verify(password, u.PasswordHash) {
		return domain.User{}, ErrInvalidCredentials
	}
	return u, nil
}

type RegisterInput struct {
	Name     string
	Email    string
	Password string
}

// Register creates a user with role "user". A taken email returns ErrEmailTaken.
func (s Service) Register(ctx context.Context, in RegisterInput) (domain.User, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.TrimSpace(in.Email)
	if in.Name == "" || in.Email == "" || in.Password == "" {
		return domain.User{}, bad("body", "name, email and password are required")
	}
	if err := checkEmail(in.Email); err != nil {
		return domain.User{}, err
	}
	if len(in.Password) < MinRegisterPasswordLen {
		return domain.User{}, bad("password", fmt.Sprintf("password must be at least %d characters", MinRegisterPasswordLen))
	}
	if len(in.Password) > MaxPasswordLen {
		return domain.User{}, bad("password", fmt.Sprintf("password must be at most %d characters", MaxPasswordLen))
	}
	hash, err := s.Hasher.Hash(in.Password)
	if err != nil {
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}
	now := s.now()
	u := domain.User{
		ID:           uuid.NewString(),
		Name:         in.Name,
		Email:        in.Email,
		Role:         domain.RoleUser,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	if err := s.Repo.InsertUser(ctx, tx, u); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return domain.User{}, ErrEmailTaken
		}
		return domain.User{}, fmt.Errorf("insert user: %w", err)
	}
	if err := s.Events.Append(ctx, tx, events.UserRegistered, "user", u.ID, u.ID, events.EventPayload{"email": u.Email}); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// CurrentUser re-reads the user behind p. Concurrent lookups for the same user
// share one query. A user deleted since login reads as unauthorized.
func (s Service) CurrentUser(ctx context.Context, p domain.Principal) (domain.User, error) {
	// The shared lookup must not fail for every waiter when the caller that
	// started it goes away.
	lookupCtx := context.WithoutCancel(ctx)
	load := func() (any, error) { return s.Repo.GetUser(lookupCtx, p.UserID) }
	var (
		v   any
		err error
	)
	if s.lookups != nil {
		v, err, _ = s.lookups.Do("user:"+p.UserID, load)
	} else {
		v, err = load()
	}
	if errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, fmt.Errorf("%w: user no longer exists", session.ErrUnauthorized)
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("load user: %w", err)
	}
	return v.(domain.User), nil
}
