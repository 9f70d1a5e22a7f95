package broadcast

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Qadosh7/Taco/pkg/game/types"
	"github.com/Qadosh7/Taco/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendAndReceive(t *testing.T) {
	ctx := context.Background()
	bus := store.NewInMemoryStore()

	sender := NewChannel(NewChannelOptions{Bus: bus, RoomCode: "AB12"})
	receiver := NewChannel(NewChannelOptions{Bus: bus, RoomCode: "AB12"})

	inbox, cancel, err := bus.SubscribeEphemeral(ctx, "AB12")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, sender.SendReaction(ctx, "alice", "taco"))
	require.NoError(t, sender.SendChat(ctx, "alice", "Alice", "hello"))

	// The sender sees its own messages immediately.
	require.Len(t, sender.Reactions(), 1)
	require.Len(t, sender.Chat(), 1)
	assert.Equal(t, "taco", sender.Reactions()[0].Emoji)
	assert.Equal(t, "hello", sender.Chat()[0].Text)

	for i := 0; i < 2; i++ {
		select {
		case msg := <-inbox:
			receiver.Receive(msg)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for an ephemeral message")
		}
	}

	require.Len(t, receiver.Reactions(), 1)
	require.Len(t, receiver.Chat(), 1)
	assert.Equal(t, sender.Reactions()[0].ID, receiver.Reactions()[0].ID)
	assert.Equal(t, "Alice", receiver.Chat()[0].PlayerName)
}

func TestReceiveDeduplicatesOwnEcho(t *testing.T) {
	ctx := context.Background()
	bus := store.NewInMemoryStore()
	channel := NewChannel(NewChannelOptions{Bus: bus, RoomCode: "AB12"})

	inbox, cancel, err := bus.SubscribeEphemeral(ctx, "AB12")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, channel.SendReaction(ctx, "alice", "taco"))

	select {
	case msg := <-inbox:
		channel.Receive(msg)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the echo")
	}

	assert.Len(t, channel.Reactions(), 1, "the echo must not double-count")
}

func TestReceiveDropsMalformed(t *testing.T) {
	channel := NewChannel(NewChannelOptions{Bus: store.NewInMemoryStore(), RoomCode: "AB12"})

	channel.Receive(store.EphemeralMessage{RoomCode: "AB12", Kind: store.EphemeralKindReaction, Payload: []byte("{")})
	channel.Receive(store.EphemeralMessage{RoomCode: "AB12", Kind: "unknown", Payload: []byte("{}")})

	assert.Empty(t, channel.Reactions())
	assert.Empty(t, channel.Chat())
}

func TestEviction(t *testing.T) {
	t.Run("by count", func(t *testing.T) {
		channel := NewChannel(NewChannelOptions{
			Bus:      store.NewInMemoryStore(),
			RoomCode: "AB12",
			MaxItems: 3,
		})
		for i := 0; i < 5; i++ {
			payload, err := json.Marshal(types.Reaction{
				ID:        string(rune('a' + i)),
				Timestamp: time.Now().UnixMilli(),
			})
			require.NoError(t, err)
			channel.Receive(store.EphemeralMessage{RoomCode: "AB12", Kind: store.EphemeralKindReaction, Payload: payload})
		}

		reactions := channel.Reactions()
		require.Len(t, reactions, 3)
		assert.Equal(t, "c", reactions[0].ID, "oldest entries drop first")
		assert.Equal(t, "e", reactions[2].ID)
	})

	t.Run("by age", func(t *testing.T) {
		clock := time.Unix(1000, 0)
		channel := NewChannel(NewChannelOptions{
			Bus:      store.NewInMemoryStore(),
			RoomCode: "AB12",
			MaxAge:   10 * time.Second,
			Now:      func() time.Time { return clock },
		})

		old, err := json.Marshal(types.ChatMessage{ID: "old", Timestamp: clock.UnixMilli()})
		require.NoError(t, err)
		channel.Receive(store.EphemeralMessage{RoomCode: "AB12", Kind: store.EphemeralKindChat, Payload: old})

		clock = clock.Add(8 * time.Second)
		fresh, err := json.Marshal(types.ChatMessage{ID: "fresh", Timestamp: clock.UnixMilli()})
		require.NoError(t, err)
		channel.Receive(store.EphemeralMessage{RoomCode: "AB12", Kind: store.EphemeralKindChat, Payload: fresh})

		clock = clock.Add(4 * time.Second)
		chat := channel.Chat()
		require.Len(t, chat, 1)
		assert.Equal(t, "fresh", chat[0].ID)
	})

	t.Run("by age with late arrival", func(t *testing.T) {
		clock := time.Unix(1000, 0)
		channel := NewChannel(NewChannelOptions{
			Bus:      store.NewInMemoryStore(),
			RoomCode: "AB12",
			MaxAge:   10 * time.Second,
			Now:      func() time.Time { return clock },
		})

		fresh, err := json.Marshal(types.ChatMessage{ID: "fresh", Timestamp: clock.UnixMilli()})
		require.NoError(t, err)
		channel.Receive(store.EphemeralMessage{RoomCode: "AB12", Kind: store.EphemeralKindChat, Payload: fresh})

		// An expired message delivered out of order lands behind a
		// fresh one, so eviction cannot stop at the first fresh entry.
		stale, err := json.Marshal(types.ChatMessage{ID: "stale", Timestamp: clock.Add(-time.Minute).UnixMilli()})
		require.NoError(t, err)
		channel.Receive(store.EphemeralMessage{RoomCode: "AB12", Kind: store.EphemeralKindChat, Payload: stale})

		chat := channel.Chat()
		require.Len(t, chat, 1)
		assert.Equal(t, "fresh", chat[0].ID)
	})
}

func TestDecorate(t *testing.T) {
	ctx := context.Background()
	channel := NewChannel(NewChannelOptions{Bus: store.NewInMemoryStore(), RoomCode: "AB12"})
	require.NoError(t, channel.SendReaction(ctx, "alice", "taco"))

	state := types.NewGameState("AB12", types.Player{ID: "alice", Hand: []types.Card{}})
	channel.Decorate(state)

	require.Len(t, state.Reactions, 1)
	assert.Equal(t, "taco", state.Reactions[0].Emoji)
	assert.Equal(t, uint64(1), state.Version, "decoration never touches the version")
}
