package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/unitedctf/instancer/internal/sentinel"
)

// ErrUserExists is returned by InsertUser when a user with the same id is
// already present.
const ErrUserExists = sentinel.Error("user already exists")

// FetchUser returns the user with the given id, or (nil, nil) when absent.
func (s *Store) FetchUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, display_name, avatar, creation_time, instance_count
		 FROM users WHERE id = ?`, id)

	var u User
	err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &u.Avatar, &u.CreationTime, &u.InstanceCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch user %s: %w", id, err)
	}
	return &u, nil
}

// InsertUser creates a user record with an instance count of zero. Returns
// ErrUserExists on id conflict; callers racing on first login may ignore it.
func (s *Store) InsertUser(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, display_name, avatar, creation_time, instance_count)
		 VALUES (?, ?, ?, ?, ?, 0)`,
		u.ID, u.Username, u.DisplayName, u.Avatar, u.CreationTime)
	if isUniqueViolation(err) {
		return fmt.Errorf("insert user %s: %w", u.ID, ErrUserExists)
	}
	if err != nil {
		return fmt.Errorf("insert user %s: %w", u.ID, err)
	}
	return nil
}
