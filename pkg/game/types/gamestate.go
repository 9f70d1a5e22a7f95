package types

import (
	"encoding/json"
	"fmt"
)

// CurrentSchemaVersion is the wire schema of GameState. Payloads with a
// different schema version are rejected at decode time rather than
// interpreted structurally.
const CurrentSchemaVersion = 1

// GameState is the full replicated snapshot of one room. Version is the
// sole concurrency-control token: every accepted mutation increments it
// by exactly 1.
type GameState struct {
	SchemaVersion    int          `json:"schemaVersion"`
	RoomCode         string       `json:"roomCode"`
	Phase            GamePhase    `json:"phase"`
	Players          []Player     `json:"players"`
	CurrentTurnIndex int          `json:"currentTurnIndex"`
	TablePile        []Card       `json:"tablePile"`
	IsSlapActive     bool         `json:"isSlapActive"`
	SlapRecords      []SlapRecord `json:"slapRecords"`
	WinnerID         string       `json:"winnerId,omitempty"`
	LastLoserID      string       `json:"lastLoserId,omitempty"`
	Version          uint64       `json:"version"`

	// Reactions and Chat are ephemeral and never part of the
	// version-guarded snapshot. They are nested here for the
	// presentation layer and stripped before replication.
	Reactions []Reaction    `json:"reactions,omitempty"`
	Chat      []ChatMessage `json:"chat,omitempty"`
}

// NewGameState creates the initial snapshot for a freshly created room.
func NewGameState(roomCode string, host Player) *GameState {
	return &GameState{
		SchemaVersion:    CurrentSchemaVersion,
		RoomCode:         roomCode,
		Phase:            GamePhaseLobby,
		Players:          []Player{host},
		CurrentTurnIndex: 0,
		TablePile:        []Card{},
		SlapRecords:      []SlapRecord{},
		Version:          1,
	}
}

// Copy returns a deep copy of the snapshot.
func (g *GameState) Copy() *GameState {
	out := *g
	out.Players = make([]Player, len(g.Players))
	for i := range g.Players {
		out.Players[i] = g.Players[i].Copy()
	}
	out.TablePile = make([]Card, len(g.TablePile))
	copy(out.TablePile, g.TablePile)
	out.SlapRecords = make([]SlapRecord, len(g.SlapRecords))
	copy(out.SlapRecords, g.SlapRecords)
	out.Reactions = make([]Reaction, len(g.Reactions))
	copy(out.Reactions, g.Reactions)
	out.Chat = make([]ChatMessage, len(g.Chat))
	copy(out.Chat, g.Chat)
	return &out
}

// Patch is a partial change set for CloneAndPatch. Nil fields leave the
// corresponding snapshot field unchanged; non-nil slice pointers replace
// the slice, so pointing at an empty slice clears it.
type Patch struct {
	Phase            *GamePhase
	Players          *[]Player
	CurrentTurnIndex *int
	TablePile        *[]Card
	IsSlapActive     *bool
	SlapRecords      *[]SlapRecord
	WinnerID         *string
	LastLoserID      *string
}

// CloneAndPatch returns a deep copy of state with the patch applied. The
// input state is never mutated. Version is not patchable here: it is
// advanced only by the replication protocol on an accepted write.
func CloneAndPatch(state *GameState, patch Patch) *GameState {
	out := state.Copy()
	if patch.Phase != nil {
		out.Phase = *patch.Phase
	}
	if patch.Players != nil {
		out.Players = make([]Player, len(*patch.Players))
		for i := range *patch.Players {
			out.Players[i] = (*patch.Players)[i].Copy()
		}
	}
	if patch.CurrentTurnIndex != nil {
		out.CurrentTurnIndex = *patch.CurrentTurnIndex
	}
	if patch.TablePile != nil {
		out.TablePile = make([]Card, len(*patch.TablePile))
		copy(out.TablePile, *patch.TablePile)
	}
	if patch.IsSlapActive != nil {
		out.IsSlapActive = *patch.IsSlapActive
	}
	if patch.SlapRecords != nil {
		out.SlapRecords = make([]SlapRecord, len(*patch.SlapRecords))
		copy(out.SlapRecords, *patch.SlapRecords)
	}
	if patch.WinnerID != nil {
		out.WinnerID = *patch.WinnerID
	}
	if patch.LastLoserID != nil {
		out.LastLoserID = *patch.LastLoserID
	}
	return out
}

// StripEphemeral returns a copy of the snapshot without reactions and
// chat, suitable for replication.
func (g *GameState) StripEphemeral() *GameState {
	out := g.Copy()
	out.Reactions = nil
	out.Chat = nil
	return out
}

// PlayerIndex returns the seat index of the player with the given id,
// or -1 if no such player is seated.
func (g *GameState) PlayerIndex(playerID string) int {
	for i := range g.Players {
		if g.Players[i].ID == playerID {
			return i
		}
	}
	return -1
}

// MarshalGameState encodes a snapshot for the wire.
func MarshalGameState(state *GameState) ([]byte, error) {
	b, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal game state: %v", err)
	}
	return b, nil
}

// UnmarshalGameState decodes a snapshot payload, rejecting payloads of
// an unrecognized schema version.
func UnmarshalGameState(b []byte) (*GameState, error) {
	state := &GameState{}
	if err := json.Unmarshal(b, state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal game state: %v", err)
	}
	if state.SchemaVersion != CurrentSchemaVersion {
		return nil, fmt.Errorf("unsupported game state schema version: %d", state.SchemaVersion)
	}
	return state, nil
}
