// Package history persists conversation turns per user.
//
// Turns are append-only: nothing in this package updates or deletes a row
// once it has been committed. All turns sharing a user id form that user's
// conversation.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Role is the author of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Turn is one persisted message of a conversation.
type Turn struct {
	UserID    string
	Role      Role
	Content   string
	CreatedAt time.Time
}

// Store is the durable turn log used by the session pipeline.
type Store interface {
	// Append persists one turn. On failure nothing is written.
	Append(ctx context.Context, userID string, role Role, content string) error
	// Recent returns up to limit most recent turns, oldest first.
	Recent(ctx context.Context, userID string, limit int) ([]Turn, error)
}

// ErrInvalidRole is returned when a turn carries an unknown role.
var ErrInvalidRole = errors.New("invalid turn role")

// StorageError reports a failed read or write against the history store.
type StorageError struct {
	Op     string
	UserID string
	Err    error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("history %s user=%s: %v", e.Op, e.UserID, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
