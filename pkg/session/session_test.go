package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Qadosh7/Taco/pkg/game"
	"github.com/Qadosh7/Taco/pkg/game/types"
	"github.com/Qadosh7/Taco/pkg/sessioncache"
	"github.com/Qadosh7/Taco/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

// testController builds a controller with a near-zero echo window so
// convergence assertions do not wait out the self-echo suppression.
func testController(s store.Store) *Controller {
	return NewController(NewControllerOptions{
		Store:      s,
		EchoWindow: time.Nanosecond,
	})
}

func TestCreateRoom(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	host := testController(s)
	defer host.Close(ctx)

	require.NoError(t, host.CreateRoom(ctx, "Alice", "cat"))

	assert.Len(t, host.RoomCode(), 4)
	assert.NotEmpty(t, host.ParticipantID())

	state := host.State()
	require.NotNil(t, state)
	assert.Equal(t, types.GamePhaseLobby, state.Phase)
	require.Len(t, state.Players, 1)
	assert.True(t, state.Players[0].IsHost)
	assert.Equal(t, "Alice", state.Players[0].Name)
	assert.Equal(t, uint64(1), state.Version)

	record, err := s.Get(ctx, host.RoomCode())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), record.Version)

	assert.Error(t, host.CreateRoom(ctx, "Alice", "cat"), "an attached session cannot create again")
}

func TestJoinRoom(t *testing.T) {
	ctx := context.Background()

	t.Run("join of a missing room", func(t *testing.T) {
		guest := testController(store.NewInMemoryStore())
		err := guest.JoinRoom(ctx, "ZZZZ", "Bob", "")
		require.Error(t, err)
		assert.True(t, store.IsNotFound(err))
	})

	t.Run("both sides converge on the seated lobby", func(t *testing.T) {
		s := store.NewInMemoryStore()
		host := testController(s)
		defer host.Close(ctx)
		require.NoError(t, host.CreateRoom(ctx, "Alice", ""))

		guest := testController(s)
		defer guest.Close(ctx)
		require.NoError(t, guest.JoinRoom(ctx, host.RoomCode(), "Bob", ""))

		guestState := guest.State()
		require.NotNil(t, guestState)
		assert.Equal(t, uint64(2), guestState.Version)
		require.Len(t, guestState.Players, 2)

		require.Eventually(t, func() bool {
			state := host.State()
			return state != nil && len(state.Players) == 2 && state.Version == 2
		}, waitFor, tick, "the host must receive the guest's seat")
	})

	t.Run("join after the game started is rejected", func(t *testing.T) {
		s := store.NewInMemoryStore()
		host := testController(s)
		defer host.Close(ctx)
		require.NoError(t, host.CreateRoom(ctx, "Alice", ""))

		guest := testController(s)
		defer guest.Close(ctx)
		require.NoError(t, guest.JoinRoom(ctx, host.RoomCode(), "Bob", ""))

		require.Eventually(t, func() bool {
			state := host.State()
			return state != nil && len(state.Players) == 2
		}, waitFor, tick)
		require.NoError(t, host.StartGame(ctx))

		late := testController(s)
		err := late.JoinRoom(ctx, host.RoomCode(), "Carol", "")
		require.Error(t, err)
		assert.True(t, game.IsValidationError(err))
	})
}

func TestValidationNeverReachesTheStore(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	host := testController(s)
	defer host.Close(ctx)
	require.NoError(t, host.CreateRoom(ctx, "Alice", ""))

	// Starting a one-player room is invalid.
	err := host.StartGame(ctx)
	require.Error(t, err)
	assert.True(t, game.IsValidationError(err))

	record, err := s.Get(ctx, host.RoomCode())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), record.Version, "a rejected intent must not write")
	assert.Nil(t, host.LastProposal(), "a rejected intent must not propose")
}

func TestPresenceAnnotation(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	host := testController(s)
	defer host.Close(ctx)
	require.NoError(t, host.CreateRoom(ctx, "Alice", ""))

	require.Eventually(t, func() bool {
		state := host.State()
		return state != nil && state.Players[0].IsOnline
	}, waitFor, tick, "the heartbeat must mark the host online")
	assert.True(t, host.Connected())
}

func TestEphemeralFanout(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	host := testController(s)
	defer host.Close(ctx)
	require.NoError(t, host.CreateRoom(ctx, "Alice", ""))

	guest := testController(s)
	defer guest.Close(ctx)
	require.NoError(t, guest.JoinRoom(ctx, host.RoomCode(), "Bob", ""))

	recordBefore, err := s.Get(ctx, host.RoomCode())
	require.NoError(t, err)

	require.NoError(t, guest.SendReaction(ctx, "taco"))
	require.NoError(t, guest.SendChat(ctx, "hello"))

	// The sender sees its own messages immediately.
	guestState := guest.State()
	require.Len(t, guestState.Reactions, 1)
	require.Len(t, guestState.Chat, 1)
	assert.Equal(t, "Bob", guestState.Chat[0].PlayerName)

	require.Eventually(t, func() bool {
		state := host.State()
		return state != nil && len(state.Reactions) == 1 && len(state.Chat) == 1
	}, waitFor, tick, "ephemeral messages must fan out")

	recordAfter, err := s.Get(ctx, host.RoomCode())
	require.NoError(t, err)
	assert.Equal(t, recordBefore.Version, recordAfter.Version, "ephemeral traffic never bumps the version")
	stored, err := types.UnmarshalGameState(recordAfter.Payload)
	require.NoError(t, err)
	assert.Empty(t, stored.Reactions)
	assert.Empty(t, stored.Chat)
}

// TestTwoPlayerGame drives a full exchange through two controllers
// sharing one store: create, join, start, and alternate plays until a
// slap window opens and resolves.
func TestTwoPlayerGame(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()

	host := testController(s)
	defer host.Close(ctx)
	require.NoError(t, host.CreateRoom(ctx, "Alice", ""))

	guest := testController(s)
	defer guest.Close(ctx)
	require.NoError(t, guest.JoinRoom(ctx, host.RoomCode(), "Bob", ""))

	require.Eventually(t, func() bool {
		state := host.State()
		return state != nil && len(state.Players) == 2
	}, waitFor, tick)

	// Both heartbeats must land on both sides before play so each
	// controller's engine advances turns past the other seat.
	for _, c := range []*Controller{host, guest} {
		require.Eventually(t, func() bool {
			state := c.State()
			return state.Players[0].IsOnline && state.Players[1].IsOnline
		}, waitFor, tick)
	}

	require.NoError(t, host.StartGame(ctx))
	require.Eventually(t, func() bool {
		state := guest.State()
		return state != nil && state.Phase == types.GamePhasePlaying
	}, waitFor, tick, "the guest must see the started game")

	hostState := host.State()
	assert.Len(t, hostState.Players[0].Hand, 32)
	assert.Len(t, hostState.Players[1].Hand, 32)
	assert.Equal(t, 0, hostState.CurrentTurnIndex)

	controllers := map[string]*Controller{
		host.ParticipantID():  host,
		guest.ParticipantID(): guest,
	}

	// Alternate plays until a slap window opens. 64 cards make one
	// guaranteed within a handful of plays, but bound the loop anyway.
	opened := false
	for plays := 0; plays < 40; plays++ {
		state := host.State()
		if state.IsSlapActive {
			opened = true
			break
		}
		current := controllers[state.Players[state.CurrentTurnIndex].ID]
		before := state.Version
		require.NoError(t, current.PlayCard(ctx))

		require.Eventually(t, func() bool {
			hostView := host.State()
			guestView := guest.State()
			return hostView.Version > before && guestView.Version == hostView.Version
		}, waitFor, tick, "both sides must converge after a play")
	}
	require.True(t, opened, "a slap window must open during play")

	require.Eventually(t, func() bool {
		return guest.State().IsSlapActive
	}, waitFor, tick)

	// The host slaps first, the guest slaps last and takes the pile.
	require.NoError(t, host.Slap(ctx))
	require.Eventually(t, func() bool {
		return guest.State().SlapRecords != nil && len(guest.State().SlapRecords) == 1
	}, waitFor, tick)

	guestID := guest.ParticipantID()
	require.NoError(t, guest.Slap(ctx))

	require.Eventually(t, func() bool {
		hostView := host.State()
		guestView := guest.State()
		return !hostView.IsSlapActive && !guestView.IsSlapActive &&
			hostView.Version == guestView.Version
	}, waitFor, tick, "the slap resolution must converge")

	final := host.State()
	assert.Equal(t, guestID, final.LastLoserID)
	assert.Empty(t, final.TablePile)
	guestSeat := final.PlayerIndex(guestID)
	require.GreaterOrEqual(t, guestSeat, 0)
	assert.Equal(t, guestSeat, final.CurrentTurnIndex, "the loser leads the next round")

	total := 0
	for _, p := range final.Players {
		total += len(p.Hand)
	}
	assert.Equal(t, 64, total+len(final.TablePile), "cards are conserved")
}

func TestResume(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	cachePath := filepath.Join(t.TempDir(), "session.db")

	cache, err := sessioncache.New(ctx, cachePath)
	require.NoError(t, err)

	host := NewController(NewControllerOptions{Store: s, Cache: cache, EchoWindow: time.Nanosecond})
	require.NoError(t, host.CreateRoom(ctx, "Alice", ""))
	roomCode := host.RoomCode()
	participantID := host.ParticipantID()
	host.Close(ctx)

	cached, err := cache.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, roomCode, cached.RoomCode)
	assert.Equal(t, participantID, cached.ParticipantID)

	resumed := NewController(NewControllerOptions{Store: s, Cache: cache, EchoWindow: time.Nanosecond})
	defer resumed.Close(ctx)
	require.NoError(t, resumed.Resume(ctx, cached.RoomCode, cached.ParticipantID))

	assert.Equal(t, participantID, resumed.ParticipantID())
	state := resumed.State()
	require.NotNil(t, state)
	assert.Equal(t, roomCode, state.RoomCode)

	t.Run("resume of an unseated participant", func(t *testing.T) {
		stranger := testController(s)
		err := stranger.Resume(ctx, roomCode, "not-seated")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not seated")
	})

	t.Run("leave clears the cache", func(t *testing.T) {
		resumed.Leave(ctx)
		cached, err := cache.Load(ctx)
		require.NoError(t, err)
		assert.Nil(t, cached)
	})

	require.NoError(t, cache.Close())
}
