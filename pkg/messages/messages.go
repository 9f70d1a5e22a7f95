package messages

import "encoding/json"

// Message types exchanged between a participant and the relay over one
// room-scoped WebSocket connection.
const (
	// Client -> relay
	MessageTypeClientPropose   = "propose"
	MessageTypeClientGet       = "get"
	MessageTypeClientTrack     = "track"
	MessageTypeClientUntrack   = "untrack"
	MessageTypeClientEphemeral = "ephemeral"

	// Relay -> client
	MessageTypeServerAck          = "ack"
	MessageTypeServerConflict     = "conflict"
	MessageTypeServerRecord       = "record"
	MessageTypeServerStateChanged = "state_changed"
	MessageTypeServerPresence     = "presence"
	MessageTypeServerEphemeral    = "ephemeral"
	MessageTypeServerError        = "error"
)

// Message is the generic envelope for serialization/deserialization.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ClientPropose asks the relay for a conditional write of the room
// record: apply only if the stored version equals ExpectedVersion.
type ClientPropose struct {
	Payload         json.RawMessage `json:"payload"`
	ExpectedVersion uint64          `json:"expectedVersion"`
}

// ClientTrack registers or refreshes a presence heartbeat.
type ClientTrack struct {
	ParticipantID string `json:"participantId"`
}

// ClientEphemeral publishes a fire-and-forget message to the room.
type ClientEphemeral struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// ServerAck confirms an accepted proposal with the committed version.
type ServerAck struct {
	Version uint64 `json:"version"`
}

// ServerConflict rejects a proposal whose base version was stale.
type ServerConflict struct {
	CurrentVersion uint64 `json:"currentVersion"`
}

// ServerRecord carries the stored room record.
type ServerRecord struct {
	Payload json.RawMessage `json:"payload"`
	Version uint64          `json:"version"`
}

// ServerStateChanged fans out every successful write, including the
// writer's own.
type ServerStateChanged struct {
	Payload json.RawMessage `json:"payload"`
	Version uint64          `json:"version"`
}

// ServerPresence carries the full set of tracked participants.
type ServerPresence struct {
	ParticipantIDs []string `json:"participantIds"`
}

// ServerEphemeral fans out an ephemeral message to the room.
type ServerEphemeral struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// ServerError reports a request failure.
type ServerError struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

const (
	ErrorCodeNotFound = "not_found"
	ErrorCodeInternal = "internal"
	ErrorCodeBadInput = "bad_input"
)

// CreateRoomRequest is the HTTP body for room creation.
type CreateRoomRequest struct {
	RoomCode string          `json:"roomCode"`
	Payload  json.RawMessage `json:"payload"`
}

// RoomRecordResponse is the HTTP body for a room record fetch.
type RoomRecordResponse struct {
	Payload json.RawMessage `json:"payload"`
	Version uint64          `json:"version"`
}
