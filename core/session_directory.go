package core

import (
	"context"
	"sync"
)

// Role distinguishes the two disjoint principal kinds.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// adminKeyPrefix separates admin sessions from user sessions in the directory.
const adminKeyPrefix = "admin:"

// roleFromClaim maps a token role claim to a Role; anything but "admin" is a user.
func roleFromClaim(claim string) Role {
	if claim == string(RoleAdmin) {
		return RoleAdmin
	}
	return RoleUser
}

// SessionKey returns the directory key holding the current token of principal.
func SessionKey(role Role, principal string) string {
	if role == RoleAdmin {
		return adminKeyPrefix + principal
	}
	return principal
}

// SessionDirectory stores the single currently-valid token per key.
// Get reports ok=false for a missing key; Delete of a missing key is not an error.
type SessionDirectory interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// MemorySessionDirectory is a thread-safe in-memory SessionDirectory.
// Entries are lost on restart.
type MemorySessionDirectory struct {
	mu   sync.RWMutex
	data map[string]string
}

var _ SessionDirectory = (*MemorySessionDirectory)(nil)

func NewMemorySessionDirectory() *MemorySessionDirectory {
	return &MemorySessionDirectory{data: make(map[string]string)}
}

func (d *MemorySessionDirectory) Get(_ context.Context, key string) (string, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.data[key]
	return v, ok, nil
}

func (d *MemorySessionDirectory) Put(_ context.Context, key, value string) error {
	d.mu.Lock()
	d.data[key] = value
	d.mu.Unlock()
	return nil
}

func (d *MemorySessionDirectory) Delete(_ context.Context, key string) error {
	d.mu.Lock()
	delete(d.data, key)
	d.mu.Unlock()
	return nil
}
