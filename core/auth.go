package core

import (
	"context"
	"errors"
	"time"
)

// User represents an authenticated dashboard account returned to handlers.
type User struct {
	ID        int64
	Username  string
	Role      Role
	CreatedAt time.Time
}

var (
	// ErrInvalidCredentials is returned when username/password is wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// AuthService defines dashboard password authentication.
type AuthService interface {
	Authenticate(ctx context.Context, username, password string) (User, error)
}
