package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteRoomStore is a durable record backend on SQLite for single-node
// relay deployments.
type SQLiteRoomStore struct {
	db *sql.DB
}

var _ RoomStore = (*SQLiteRoomStore)(nil)

func NewSQLiteRoomStore(ctx context.Context, path string, migrations string) (*SQLiteRoomStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	dir, err := os.ReadDir(migrations)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %v", err)
	}

	for _, entry := range dir {
		if entry.IsDir() {
			continue
		}

		migrationPath := filepath.Join(migrations, entry.Name())
		migration, err := os.ReadFile(migrationPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %v", migrationPath, err)
		}

		if _, err := db.ExecContext(ctx, string(migration)); err != nil {
			return nil, fmt.Errorf("failed to execute migration %s: %v", migrationPath, err)
		}
	}

	return &SQLiteRoomStore{db: db}, nil
}

func (s *SQLiteRoomStore) Close(_ context.Context) error {
	return s.db.Close()
}

func (s *SQLiteRoomStore) Get(ctx context.Context, roomCode string) (*Record, error) {
	roomCode = NormalizeRoomCode(roomCode)
	q := `
	SELECT payload, version FROM rooms WHERE room_code = ?;
	`
	record := &Record{}
	if err := s.db.QueryRowContext(ctx, q, roomCode).Scan(&record.Payload, &record.Version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &ErrNotFound{RoomCode: roomCode}
		}
		return nil, fmt.Errorf("failed to scan room: %v", err)
	}
	return record, nil
}

func (s *SQLiteRoomStore) Insert(ctx context.Context, roomCode string, payload []byte) error {
	roomCode = NormalizeRoomCode(roomCode)
	q := `
	INSERT OR IGNORE INTO rooms (room_code, payload, version, updated_at)
	VALUES (?, ?, 1, ?);
	`
	result, err := s.db.ExecContext(ctx, q, roomCode, payload, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert room: %v", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %v", err)
	}
	if affected == 0 {
		return &ErrRoomExists{RoomCode: roomCode}
	}
	return nil
}

func (s *SQLiteRoomStore) ConditionalUpdate(ctx context.Context, roomCode string, payload []byte, expectedVersion uint64) error {
	roomCode = NormalizeRoomCode(roomCode)
	q := `
	UPDATE rooms SET payload = ?, version = ?, updated_at = ?
	WHERE room_code = ? AND version = ?;
	`
	result, err := s.db.ExecContext(ctx, q, payload, expectedVersion+1, time.Now().UnixMilli(), roomCode, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update room: %v", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %v", err)
	}
	if affected == 0 {
		var current uint64
		if err := s.db.QueryRowContext(ctx, "SELECT version FROM rooms WHERE room_code = ?", roomCode).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return &ErrNotFound{RoomCode: roomCode}
			}
			return fmt.Errorf("failed to scan room version: %v", err)
		}
		return &ErrConflict{RoomCode: roomCode, Expected: expectedVersion, Current: current}
	}
	return nil
}
