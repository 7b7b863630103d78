package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLiteStore keeps turns in the history table created by db.InitSchema.
type SQLiteStore struct {
	DB  *sql.DB
	Now func() time.Time
}

// NewSQLiteStore returns a store backed by database.
func NewSQLiteStore(database *sql.DB) *SQLiteStore {
	return &SQLiteStore{DB: database, Now: time.Now}
}

// Append writes a single turn inside its own transaction on a dedicated
// connection. The connection is returned to the pool on every exit path.
func (s *SQLiteStore) Append(ctx context.Context, userID string, role Role, content string) error {
	if !role.Valid() {
		return &StorageError{Op: "append", UserID: userID, Err: fmt.Errorf("%w: %q", ErrInvalidRole, role)}
	}

	conn, err := s.DB.Conn(ctx)
	if err != nil {
		return &StorageError{Op: "append", UserID: userID, Err: err}
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "append", UserID: userID, Err: err}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO history (user_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		userID, string(role), content, s.now().UnixMilli(),
	)
	if err != nil {
		tx.Rollback()
		return &StorageError{Op: "append", UserID: userID, Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "append", UserID: userID, Err: err}
	}
	return nil
}

// Recent returns the most recent `limit` turns for the given user,
// ordered chronologically (oldest first).
func (s *SQLiteStore) Recent(ctx context.Context, userID string, limit int) ([]Turn, error) {
	results := []Turn{}
	if limit <= 0 {
		return results, nil
	}

	rows, err := s.DB.QueryContext(ctx,
		"SELECT role, content, created_at FROM history WHERE user_id = ? ORDER BY id DESC LIMIT ?",
		userID, limit,
	)
	if err != nil {
		return nil, &StorageError{Op: "recent", UserID: userID, Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var (
			role, content string
			createdAt     int64
		)
		if err := rows.Scan(&role, &content, &createdAt); err != nil {
			return nil, &StorageError{Op: "recent", UserID: userID, Err: err}
		}
		results = append(results, Turn{
			UserID:    userID,
			Role:      Role(role),
			Content:   content,
			CreatedAt: time.UnixMilli(createdAt),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "recent", UserID: userID, Err: err}
	}

	// Reverse to chronological order.
	for i, j := 0, len(results)-1; i < j; i, j = i+1, j-1 {
		results[i], results[j] = results[j], results[i]
	}
	return results, nil
}

func (s *SQLiteStore) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}
