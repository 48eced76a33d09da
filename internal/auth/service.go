// Package auth registers accounts and issues and verifies bearer tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/dunamismax/roomseg/internal/domain"
	"github.com/dunamismax/roomseg/internal/id"
	"github.com/dunamismax/roomseg/internal/store"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	minPasswordLength = 6
	tokenType         = "bearer"
)

type Options struct {
	Secret     string
	TokenTTL   time.Duration
	BcryptCost int
	Now        func() time.Time
}

type Service struct {
	users  store.UserStore
	secret []byte
	ttl    time.Duration
	cost   int
	now    func() time.Time
}

func NewService(users store.UserStore, opts Options) (*Service, error) {
	if users == nil {
		return nil, fmt.Errorf("user store is required")
	}
	if strings.TrimSpace(opts.Secret) == "" {
		return nil, fmt.Errorf("token secret is required")
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 24 * time.Hour
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		users:  users,
		secret: []byte(opts.Secret),
		ttl:    opts.TokenTTL,
		cost:   opts.BcryptCost,
		now:    opts.Now,
	}, nil
}

type RegisterRequest struct {
	Email    string
	Password string
	FullName string
}

type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

func (s *Service) Register(ctx context.Context, req RegisterRequest) (domain.User, error) {
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return domain.User{}, err
	}
	if len(req.Password) < minPasswordLength {
		return domain.User{}, fmt.Errorf("%w: password must be at least %d characters", domain.ErrInvalidInput, minPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return domain.User{}, fmt.Errorf("%w: password is too long", domain.ErrInvalidInput)
		}
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}

	user := domain.User{
		ID:           id.New(),
		Email:        email,
		FullName:     strings.TrimSpace(req.FullName),
		PasswordHash: string(hash),
		CreatedAt:    s.now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrUserExists) {
			return domain.User{}, fmt.Errorf("%w: user already exists", domain.ErrInvalidInput)
		}
		return domain.User{}, fmt.Errorf("%w: create user: %w", domain.ErrPersistence, err)
	}
	return user, nil
}

// Login checks the password and issues an access token whose subject is the
// account email.
func (s *Service) Login(ctx context.Context, email, password string) (Token, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, ok, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		return Token{}, fmt.Errorf("%w: get user: %w", domain.ErrPersistence, err)
	}
	if !ok || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return Token{}, fmt.Errorf("%w: incorrect email or password", domain.ErrAuth)
	}

	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   user.Email,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{AccessToken: signed, TokenType: tokenType}, nil
}

// Authenticate resolves a bearer token to its user. Every failure is
// reported as domain.ErrAuth except store outages.
func (s *Service) Authenticate(ctx context.Context, token string) (domain.User, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return domain.User{}, fmt.Errorf("%w: invalid token: %w", domain.ErrAuth, err)
	}
	if claims.Subject == "" {
		return domain.User{}, fmt.Errorf("%w: token has no subject", domain.ErrAuth)
	}

	user, ok, err := s.users.GetUserByEmail(ctx, claims.Subject)
	if err != nil {
		return domain.User{}, fmt.Errorf("%w: get user: %w", domain.ErrPersistence, err)
	}
	if !ok {
		return domain.User{}, fmt.Errorf("%w: unknown user", domain.ErrAuth)
	}
	return user, nil
}

func normalizeEmail(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	addr, err := mail.ParseAddress(raw)
	if err != nil || addr.Address != raw {
		return "", fmt.Errorf("%w: invalid email address", domain.ErrInvalidInput)
	}
	return strings.ToLower(addr.Address), nil
}
