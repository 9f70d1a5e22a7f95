package store

import (
	"context"
	"strings"
)

// Record is one versioned room payload.
type Record struct {
	Payload []byte
	Version uint64
}

// RoomStore is the durable keyed record contract. Implementations must
// make ConditionalUpdate a single atomic check-and-set: a read followed
// by a write is a race and must not be used.
type RoomStore interface {
	// Get returns the stored record for a room.
	Get(ctx context.Context, roomCode string) (*Record, error)
	// Insert creates a room record at version 1. It fails with
	// ErrRoomExists rather than overwriting an existing room.
	Insert(ctx context.Context, roomCode string, payload []byte) error
	// ConditionalUpdate sets the record to payload at
	// expectedVersion+1 only if the stored version still equals
	// expectedVersion, and fails with ErrConflict otherwise.
	ConditionalUpdate(ctx context.Context, roomCode string, payload []byte, expectedVersion uint64) error
	// Close releases the backing resources.
	Close(ctx context.Context) error
}

// Notification is delivered on every successful write to a room,
// including the subscriber's own.
type Notification struct {
	RoomCode string
	Payload  []byte
	Version  uint64
}

// Notifier delivers change notifications scoped to a room. The returned
// cancel function releases the subscription and closes the channel.
type Notifier interface {
	SubscribeChanges(ctx context.Context, roomCode string) (<-chan Notification, func(), error)
}

// PresenceChannel is the heartbeat primitive scoped to a room. Track is
// idempotent and doubles as the heartbeat refresh.
type PresenceChannel interface {
	Track(ctx context.Context, roomCode, participantID string) error
	Untrack(ctx context.Context, roomCode, participantID string) error
	// WatchPresence delivers the full set of tracked participant ids
	// on every membership change.
	WatchPresence(ctx context.Context, roomCode string) (<-chan []string, func(), error)
}

// EphemeralMessage is a fire-and-forget payload outside the versioned
// snapshot. Kind distinguishes reactions from chat.
type EphemeralMessage struct {
	RoomCode string
	Kind     string
	Payload  []byte
}

const (
	EphemeralKindReaction = "reaction"
	EphemeralKindChat     = "chat"
)

// EphemeralBus is the unordered fan-out primitive for ephemeral
// messages, independent of the versioned record.
type EphemeralBus interface {
	Publish(ctx context.Context, roomCode, kind string, payload []byte) error
	SubscribeEphemeral(ctx context.Context, roomCode string) (<-chan EphemeralMessage, func(), error)
}

// Store is the full contract a session controller consumes.
type Store interface {
	RoomStore
	Notifier
	PresenceChannel
	EphemeralBus
}

// NormalizeRoomCode canonicalizes a human-typed room code. Codes are
// case-insensitive.
func NormalizeRoomCode(roomCode string) string {
	return strings.ToUpper(strings.TrimSpace(roomCode))
}
