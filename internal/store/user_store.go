package store

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/dunamismax/roomseg/internal/domain"
)

var ErrUserExists = errors.New("user already exists")

// UserStore persists accounts. Emails are matched case-insensitively.
type UserStore interface {
	CreateUser(ctx context.Context, user domain.User) error
	GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error)
}

type MemoryUserStore struct {
	mu      sync.RWMutex
	byEmail map[string]domain.User
}

func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{byEmail: make(map[string]domain.User)}
}

func (s *MemoryUserStore) CreateUser(_ context.Context, user domain.User) error {
	key := strings.ToLower(user.Email)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byEmail[key]; exists {
		return ErrUserExists
	}
	s.byEmail[key] = user
	return nil
}

func (s *MemoryUserStore) GetUserByEmail(_ context.Context, email string) (domain.User, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.byEmail[strings.ToLower(email)]
	return user, ok, nil
}
