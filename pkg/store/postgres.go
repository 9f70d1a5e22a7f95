package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// PostgresRoomStore is a durable record backend on PostgreSQL. The
// conditional update is a single UPDATE guarded by the version column,
// so the check-and-set is atomic in the database.
type PostgresRoomStore struct {
	conn *pgx.Conn
}

var _ RoomStore = (*PostgresRoomStore)(nil)

func NewPostgresRoomStore(ctx context.Context, connStr string) (*PostgresRoomStore, error) {
	conn, err := pgx.Connect(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %v", err)
	}

	q := `
	CREATE TABLE IF NOT EXISTS rooms (
		room_code TEXT PRIMARY KEY,
		payload BYTEA NOT NULL,
		version BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	);
	`
	if _, err := conn.Exec(ctx, q); err != nil {
		return nil, fmt.Errorf("failed to create rooms table: %v", err)
	}

	return &PostgresRoomStore{conn: conn}, nil
}

func (s *PostgresRoomStore) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}

func (s *PostgresRoomStore) Get(ctx context.Context, roomCode string) (*Record, error) {
	roomCode = NormalizeRoomCode(roomCode)
	q := `
	SELECT payload, version FROM rooms WHERE room_code = $1;
	`
	record := &Record{}
	if err := s.conn.QueryRow(ctx, q, roomCode).Scan(&record.Payload, &record.Version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{RoomCode: roomCode}
		}
		return nil, fmt.Errorf("failed to scan room: %v", err)
	}
	return record, nil
}

func (s *PostgresRoomStore) Insert(ctx context.Context, roomCode string, payload []byte) error {
	roomCode = NormalizeRoomCode(roomCode)
	q := `
	INSERT INTO rooms (room_code, payload, version, updated_at) VALUES ($1, $2, 1, $3)
	ON CONFLICT (room_code) DO NOTHING;
	`
	ct, err := s.conn.Exec(ctx, q, roomCode, payload, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert room: %v", err)
	}
	if ct.RowsAffected() == 0 {
		return &ErrRoomExists{RoomCode: roomCode}
	}
	return nil
}

func (s *PostgresRoomStore) ConditionalUpdate(ctx context.Context, roomCode string, payload []byte, expectedVersion uint64) error {
	roomCode = NormalizeRoomCode(roomCode)
	q := `
	UPDATE rooms SET payload = $2, version = $3, updated_at = $4
	WHERE room_code = $1 AND version = $5;
	`
	ct, err := s.conn.Exec(ctx, q, roomCode, payload, expectedVersion+1, time.Now().UnixMilli(), expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update room: %v", err)
	}
	if ct.RowsAffected() == 0 {
		// The guarded update did not apply; report whether the room
		// is missing or stale. This follow-up read is diagnostic
		// only, the check-and-set above already settled the race.
		var current uint64
		if err := s.conn.QueryRow(ctx, "SELECT version FROM rooms WHERE room_code = $1", roomCode).Scan(&current); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return &ErrNotFound{RoomCode: roomCode}
			}
			return fmt.Errorf("failed to scan room version: %v", err)
		}
		return &ErrConflict{RoomCode: roomCode, Expected: expectedVersion, Current: current}
	}
	return nil
}
