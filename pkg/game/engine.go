package game

import (
	"math/rand"

	"github.com/Qadosh7/Taco/pkg/game/constants"
	"github.com/Qadosh7/Taco/pkg/game/types"
)

// The engine is a set of pure state-transition functions. Every
// operation takes a snapshot and returns a new snapshot, leaving the
// input untouched. Version is never advanced here: that is the
// replication protocol's job on an accepted write.

const roomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateRoomCode returns a random room code. Collisions are not
// checked here; room creation fails closed on an existing code.
func GenerateRoomCode() string {
	code := make([]byte, constants.RoomCodeLength)
	for i := range code {
		code[i] = roomCodeAlphabet[rand.Intn(len(roomCodeAlphabet))]
	}
	return string(code)
}

// AddPlayer seats a new player. Valid only in the lobby.
func AddPlayer(state *types.GameState, player types.Player) (*types.GameState, error) {
	if state.Phase != types.GamePhaseLobby {
		return nil, validationErrorf("room %s is not joinable: game already started", state.RoomCode)
	}
	if state.PlayerIndex(player.ID) >= 0 {
		return nil, validationErrorf("player %s is already seated", player.ID)
	}
	players := make([]types.Player, 0, len(state.Players)+1)
	for i := range state.Players {
		players = append(players, state.Players[i].Copy())
	}
	players = append(players, player.Copy())
	return types.CloneAndPatch(state, types.Patch{Players: &players}), nil
}

// StartGame deals a fresh shuffled deck round-robin and moves the room
// into play. Valid only in the lobby with at least two seated players.
func StartGame(state *types.GameState) (*types.GameState, error) {
	if state.Phase != types.GamePhaseLobby {
		return nil, validationErrorf("cannot start game in phase %s", state.Phase)
	}
	if len(state.Players) < constants.MinPlayers {
		return nil, validationErrorf("need at least %d players to start, have %d", constants.MinPlayers, len(state.Players))
	}

	players := DealCards(state.Players, ShuffleDeck(NewDeck()))
	phase := types.GamePhasePlaying
	turn := 0
	pile := []types.Card{}
	slapActive := false
	records := []types.SlapRecord{}
	return types.CloneAndPatch(state, types.Patch{
		Phase:            &phase,
		Players:          &players,
		CurrentTurnIndex: &turn,
		TablePile:        &pile,
		IsSlapActive:     &slapActive,
		SlapRecords:      &records,
	}), nil
}

// PlayCard pops the top card of the current player's hand onto the
// table pile, opens a slap window if the card matches the expected word
// or is special, and advances the turn to the next online player.
func PlayCard(state *types.GameState, playerID string) (*types.GameState, error) {
	if state.Phase != types.GamePhasePlaying {
		return nil, validationErrorf("cannot play a card in phase %s", state.Phase)
	}
	if state.IsSlapActive {
		return nil, validationErrorf("cannot play while the slap window is open")
	}
	current := state.Players[state.CurrentTurnIndex]
	if current.ID != playerID {
		return nil, validationErrorf("it is not player %s's turn", playerID)
	}

	if len(current.Hand) == 0 {
		// Nothing left to play; pass the turn along.
		next, _ := nextOnlineIndex(state.Players, state.CurrentTurnIndex)
		return types.CloneAndPatch(state, types.Patch{CurrentTurnIndex: &next}), nil
	}

	expected := WordAt(len(state.TablePile))
	played := current.Hand[len(current.Hand)-1]

	players := make([]types.Player, len(state.Players))
	for i := range state.Players {
		players[i] = state.Players[i].Copy()
	}
	seat := &players[state.CurrentTurnIndex]
	seat.Hand = seat.Hand[:len(seat.Hand)-1]
	seat.CardsPlayedThisRound++

	pile := make([]types.Card, 0, len(state.TablePile)+1)
	pile = append(pile, state.TablePile...)
	pile = append(pile, played)

	slapActive := played.Type == expected || played.IsSpecial
	next, _ := nextOnlineIndex(state.Players, state.CurrentTurnIndex)
	records := []types.SlapRecord{}
	return types.CloneAndPatch(state, types.Patch{
		Players:          &players,
		TablePile:        &pile,
		IsSlapActive:     &slapActive,
		CurrentTurnIndex: &next,
		SlapRecords:      &records,
	}), nil
}

// Slap records a slap attempt at the given timestamp. A slap while no
// window is open immediately resolves the round against the slapper.
// During an open window, once every online player has slapped, the last
// recorder loses the round. A repeated slap by the same player is a
// no-op: the input snapshot is returned unchanged.
func Slap(state *types.GameState, playerID string, at int64) (*types.GameState, error) {
	if state.Phase != types.GamePhasePlaying {
		return nil, validationErrorf("cannot slap in phase %s", state.Phase)
	}
	if state.PlayerIndex(playerID) < 0 {
		return nil, validationErrorf("player %s is not seated in room %s", playerID, state.RoomCode)
	}

	if !state.IsSlapActive {
		// False slap: the slapper takes the pile.
		return resolveRound(state, playerID), nil
	}

	for _, record := range state.SlapRecords {
		if record.PlayerID == playerID {
			return state, nil
		}
	}

	records := make([]types.SlapRecord, 0, len(state.SlapRecords)+1)
	records = append(records, state.SlapRecords...)
	records = append(records, types.SlapRecord{PlayerID: playerID, Timestamp: at})

	if len(records) >= onlineCount(state.Players) {
		// Everyone reacted: the slowest of them loses.
		loserID := records[len(records)-1].PlayerID
		return resolveRound(state, loserID), nil
	}

	return types.CloneAndPatch(state, types.Patch{SlapRecords: &records}), nil
}

// resolveRound transfers the table pile to the loser, closes the slap
// window, and hands the loser the lead. If the round ended on an open
// slap window and some other player is now out of cards, that player is
// the winner and the game is over.
func resolveRound(state *types.GameState, loserID string) *types.GameState {
	loserIndex := state.PlayerIndex(loserID)
	if loserIndex < 0 {
		return state
	}
	wasSlapActive := state.IsSlapActive

	players := make([]types.Player, len(state.Players))
	for i := range state.Players {
		players[i] = state.Players[i].Copy()
	}
	loser := &players[loserIndex]
	// Prepend the pile so older cards sit beneath the loser's hand.
	hand := make([]types.Card, 0, len(state.TablePile)+len(loser.Hand))
	hand = append(hand, state.TablePile...)
	hand = append(hand, loser.Hand...)
	loser.Hand = hand

	pile := []types.Card{}
	slapActive := false
	records := []types.SlapRecord{}
	patch := types.Patch{
		Players:          &players,
		TablePile:        &pile,
		IsSlapActive:     &slapActive,
		SlapRecords:      &records,
		CurrentTurnIndex: &loserIndex,
		LastLoserID:      &loserID,
	}

	if wasSlapActive {
		for i := range players {
			if i != loserIndex && len(players[i].Hand) == 0 {
				phase := types.GamePhaseGameOver
				winnerID := players[i].ID
				patch.Phase = &phase
				patch.WinnerID = &winnerID
				break
			}
		}
	}

	return types.CloneAndPatch(state, patch)
}

// nextOnlineIndex scans the seating ring for the next online player
// after from. The scan is bounded and excludes from itself; when no
// other online player exists the turn stays put and ok is false.
func nextOnlineIndex(players []types.Player, from int) (index int, ok bool) {
	for i := 1; i < len(players); i++ {
		candidate := (from + i) % len(players)
		if players[candidate].IsOnline {
			return candidate, true
		}
	}
	return from, false
}

func onlineCount(players []types.Player) int {
	count := 0
	for i := range players {
		if players[i].IsOnline {
			count++
		}
	}
	return count
}
