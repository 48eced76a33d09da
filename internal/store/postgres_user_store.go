package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/dunamismax/roomseg/internal/domain"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

type PostgresUserStore struct {
	db *sql.DB
}

func NewPostgresUserStore(db *sql.DB) *PostgresUserStore {
	return &PostgresUserStore{db: db}
}

func (s *PostgresUserStore) CreateUser(ctx context.Context, user domain.User) error {
	query, args, err := psql.Insert("users").
		Columns("id", "email", "full_name", "password_hash", "created_at").
		Values(user.ID, user.Email, user.FullName, user.PasswordHash, user.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert user: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrUserExists
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresUserStore) GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	query, args, err := psql.Select("id", "email", "full_name", "password_hash", "created_at").
		From("users").
		Where(sq.Expr("lower(email) = lower(?)", email)).
		ToSql()
	if err != nil {
		return domain.User{}, false, fmt.Errorf("build select user: %w", err)
	}

	var user domain.User
	err = s.db.QueryRowContext(ctx, query, args...).Scan(
		&user.ID,
		&user.Email,
		&user.FullName,
		&user.PasswordHash,
		&user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, fmt.Errorf("query user: %w", err)
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return user, true, nil
}
