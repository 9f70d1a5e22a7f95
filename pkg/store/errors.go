package store

import "fmt"

// ErrNotFound is returned when a room code has no record.
type ErrNotFound struct {
	RoomCode string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("room %s not found", e.RoomCode)
}

func IsNotFound(err error) bool {
	_, ok := err.(*ErrNotFound)
	return ok
}

// ErrRoomExists is returned by Insert when the room code is taken.
type ErrRoomExists struct {
	RoomCode string
}

func (e *ErrRoomExists) Error() string {
	return fmt.Sprintf("room %s already exists", e.RoomCode)
}

func IsRoomExists(err error) bool {
	_, ok := err.(*ErrRoomExists)
	return ok
}

// ErrConflict is returned by ConditionalUpdate when the stored version
// no longer matches the expected version. The store is left untouched.
type ErrConflict struct {
	RoomCode string
	Expected uint64
	Current  uint64
}

func (e *ErrConflict) Error() string {
	return fmt.Sprintf("version conflict in room %s: expected %d, store has %d", e.RoomCode, e.Expected, e.Current)
}

func IsConflict(err error) bool {
	_, ok := err.(*ErrConflict)
	return ok
}
