// Package identity issues and resolves the opaque identities used to attribute
// chat messages and deduplicate likes.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/pauljones0/portfolio-backend/internal/models"
)

type Role string

const (
	RoleAnonymous Role = "anonymous"
	RoleAdmin     Role = "admin"
)

const tokenIssuer = "portfolio-backend"

// ErrInvalidCredentials is returned by Login when email or password do not match.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Provider exposes the current identity and can acquire an anonymous one.
type Provider interface {
	Current() string
	AcquireAnonymous(ctx context.Context) (string, error)
}

// Claims are the JWT claims carried by an identity token.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// Issuer mints and verifies identity tokens.
type Issuer struct {
	secret       []byte
	ttl          time.Duration
	adminEmail   string
	adminHash    []byte
	adminSubject string
	now          func() time.Time
}

type IssuerConfig struct {
	Secret            string
	TTL               time.Duration
	AdminEmail        string
	AdminPasswordHash string
	AdminUID          string
}

func NewIssuer(cfg IssuerConfig) *Issuer {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &Issuer{
		secret:       []byte(cfg.Secret),
		ttl:          ttl,
		adminEmail:   strings.ToLower(strings.TrimSpace(cfg.AdminEmail)),
		adminHash:    []byte(cfg.AdminPasswordHash),
		adminSubject: cfg.AdminUID,
		now:          time.Now,
	}
}

// IssueAnonymous mints a token for a fresh anonymous subject.
func (i *Issuer) IssueAnonymous() (string, *Claims, error) {
	return i.issue(uuid.NewString(), RoleAnonymous)
}

// Login checks admin credentials and mints an admin token.
func (i *Issuer) Login(email, password string) (string, *Claims, error) {
	if i.adminEmail == "" || len(i.adminHash) == 0 {
		return "", nil, ErrInvalidCredentials
	}
	if strings.ToLower(strings.TrimSpace(email)) != i.adminEmail {
		return "", nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(i.adminHash, []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}
	return i.issue(i.adminSubject, RoleAdmin)
}

func (i *Issuer) issue(subject string, role Role) (string, *Claims, error) {
	now := i.now()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign identity token: %w", err)
	}
	return signed, claims, nil
}

// Verify parses a token and returns its claims.
func (i *Issuer) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("verify identity token: %w", err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("verify identity token: empty subject")
	}
	return claims, nil
}

// Session is the identity of one browser, backed by a token that may be
// minted lazily.
type Session struct {
	issuer *Issuer

	mu     sync.Mutex
	token  string
	claims *Claims
}

// NewSession restores a session from a previously issued token. An invalid or
// expired token yields an empty session.
func NewSession(issuer *Issuer, token string) *Session {
	s := &Session{issuer: issuer}
	if token == "" {
		return s
	}
	if claims, err := issuer.Verify(token); err == nil {
		s.token = token
		s.claims = claims
	}
	return s
}

func (s *Session) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claims == nil {
		return ""
	}
	return s.claims.Subject
}

func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claims == nil {
		return ""
	}
	return s.claims.Role
}

func (s *Session) IsAdmin() bool {
	return s.Role() == RoleAdmin
}

// Token returns the signed token backing the session, if any.
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// AcquireAnonymous returns the current identity, minting one when none exists.
func (s *Session) AcquireAnonymous(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", models.ErrIdentity, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claims != nil {
		return s.claims.Subject, nil
	}
	token, claims, err := s.issuer.IssueAnonymous()
	if err != nil {
		return "", fmt.Errorf("%w: %w", models.ErrIdentity, err)
	}
	s.token = token
	s.claims = claims
	return claims.Subject, nil
}

// Fixed is a Provider with a preconfigured identity, used by the admin CLI.
type Fixed string

func (f Fixed) Current() string { return string(f) }

func (f Fixed) AcquireAnonymous(context.Context) (string, error) {
	if f == "" {
		return "", models.ErrIdentity
	}
	return string(f), nil
}
