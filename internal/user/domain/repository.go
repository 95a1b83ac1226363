package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

// Directory is the read-only lookup surface the pipeline consumes.
type Directory interface {
	GetUser(ctx context.Context, id snowflake.ID) (*User, error)
	// FindUsersLike returns users whose organization tag contains the text
	// or is contained by it, case-insensitive, ordered by id.
	FindUsersLike(ctx context.Context, text string) ([]User, error)
	// FindUsersByEmailDomain returns users whose email domain contains the
	// text, case-insensitive, ordered by id.
	FindUsersByEmailDomain(ctx context.Context, text string) ([]User, error)
	// ListUsers returns all active users, ordered by id. The invoice run
	// iterates this so idle subscribers are still billed their flat fee.
	ListUsers(ctx context.Context) ([]User, error)
}

var (
	ErrUserNotFound = errors.New("user_not_found")
	ErrInvalidUser  = errors.New("invalid_user")
)
