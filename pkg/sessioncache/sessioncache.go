// Package sessioncache persists the local participant's room membership
// across restarts, so a client can offer to rejoin after a crash or an
// app restart.
package sessioncache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Session is the cached membership slot.
type Session struct {
	RoomCode      string
	ParticipantID string
}

type Cache struct {
	db *sql.DB
}

func New(ctx context.Context, path string) (*Cache, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session cache: %v", err)
	}

	q := `
	CREATE TABLE IF NOT EXISTS session (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		room_code TEXT NOT NULL,
		participant_id TEXT NOT NULL
	);
	`
	if _, err := db.ExecContext(ctx, q); err != nil {
		return nil, fmt.Errorf("failed to create session table: %v", err)
	}

	return &Cache{db: db}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// Save stores the session, replacing any previous one.
func (c *Cache) Save(ctx context.Context, session Session) error {
	q := `
	INSERT OR REPLACE INTO session (id, room_code, participant_id)
	VALUES (1, ?, ?);
	`
	if _, err := c.db.ExecContext(ctx, q, session.RoomCode, session.ParticipantID); err != nil {
		return fmt.Errorf("failed to save session: %v", err)
	}
	return nil
}

// Load returns the cached session, or nil when none is stored.
func (c *Cache) Load(ctx context.Context) (*Session, error) {
	q := `
	SELECT room_code, participant_id FROM session WHERE id = 1;
	`
	session := &Session{}
	if err := c.db.QueryRowContext(ctx, q).Scan(&session.RoomCode, &session.ParticipantID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan session: %v", err)
	}
	return session, nil
}

// Clear removes the cached session.
func (c *Cache) Clear(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, "DELETE FROM session WHERE id = 1;"); err != nil {
		return fmt.Errorf("failed to clear session: %v", err)
	}
	return nil
}
