// Package broadcast distributes transient social signals (reactions,
// chat) over the store's ephemeral fan-out, entirely outside the
// versioned snapshot. Delivery is fire-and-forget: no acknowledgement,
// no persistence, no ordering guarantee beyond the transport's.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Qadosh7/Taco/pkg/game/types"
	"github.com/Qadosh7/Taco/pkg/log"
	"github.com/Qadosh7/Taco/pkg/store"
	"github.com/google/uuid"
)

const (
	// DefaultMaxBuffered bounds each local receive buffer by count.
	DefaultMaxBuffered = 64
	// DefaultMaxAge bounds each local receive buffer by age.
	DefaultMaxAge = 30 * time.Second
)

type Channel struct {
	bus      store.EphemeralBus
	roomCode string
	maxItems int
	maxAge   time.Duration
	now      func() time.Time

	lock      sync.Mutex
	reactions []types.Reaction
	chat      []types.ChatMessage
}

type NewChannelOptions struct {
	Bus      store.EphemeralBus
	RoomCode string
	MaxItems int
	MaxAge   time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

func NewChannel(opts NewChannelOptions) *Channel {
	maxItems := opts.MaxItems
	if maxItems == 0 {
		maxItems = DefaultMaxBuffered
	}
	maxAge := opts.MaxAge
	if maxAge == 0 {
		maxAge = DefaultMaxAge
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Channel{
		bus:      opts.Bus,
		roomCode: store.NormalizeRoomCode(opts.RoomCode),
		maxItems: maxItems,
		maxAge:   maxAge,
		now:      now,
	}
}

// SendReaction publishes a reaction and appends it to the local buffer
// so the sender sees it without waiting for the fan-out.
func (c *Channel) SendReaction(ctx context.Context, playerID, emoji string) error {
	reaction := types.Reaction{
		ID:        uuid.NewString(),
		PlayerID:  playerID,
		Emoji:     emoji,
		Timestamp: c.now().UnixMilli(),
	}
	payload, err := json.Marshal(reaction)
	if err != nil {
		return fmt.Errorf("failed to marshal reaction: %v", err)
	}
	if err := c.bus.Publish(ctx, c.roomCode, store.EphemeralKindReaction, payload); err != nil {
		return fmt.Errorf("failed to publish reaction: %v", err)
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	c.reactions = append(c.reactions, reaction)
	c.evictLocked()
	return nil
}

// SendChat publishes a chat line and appends it to the local buffer.
func (c *Channel) SendChat(ctx context.Context, playerID, playerName, text string) error {
	message := types.ChatMessage{
		ID:         uuid.NewString(),
		PlayerID:   playerID,
		PlayerName: playerName,
		Text:       text,
		Timestamp:  c.now().UnixMilli(),
	}
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal chat message: %v", err)
	}
	if err := c.bus.Publish(ctx, c.roomCode, store.EphemeralKindChat, payload); err != nil {
		return fmt.Errorf("failed to publish chat message: %v", err)
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	c.chat = append(c.chat, message)
	c.evictLocked()
	return nil
}

// Receive appends an inbound ephemeral message to the local buffer.
// Unknown kinds are dropped. A fan-out echo of a message the sender
// already buffered locally is deduplicated by id.
func (c *Channel) Receive(msg store.EphemeralMessage) {
	switch msg.Kind {
	case store.EphemeralKindReaction:
		reaction := types.Reaction{}
		if err := json.Unmarshal(msg.Payload, &reaction); err != nil {
			log.Warn("Dropping malformed reaction payload: %v", err)
			return
		}
		c.lock.Lock()
		defer c.lock.Unlock()
		for i := range c.reactions {
			if c.reactions[i].ID == reaction.ID {
				return
			}
		}
		c.reactions = append(c.reactions, reaction)
		c.evictLocked()
	case store.EphemeralKindChat:
		message := types.ChatMessage{}
		if err := json.Unmarshal(msg.Payload, &message); err != nil {
			log.Warn("Dropping malformed chat payload: %v", err)
			return
		}
		c.lock.Lock()
		defer c.lock.Unlock()
		for i := range c.chat {
			if c.chat[i].ID == message.ID {
				return
			}
		}
		c.chat = append(c.chat, message)
		c.evictLocked()
	default:
		log.Warn("Dropping ephemeral message of unknown kind %q", msg.Kind)
	}
}

// Reactions returns a copy of the buffered reactions.
func (c *Channel) Reactions() []types.Reaction {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.evictLocked()
	out := make([]types.Reaction, len(c.reactions))
	copy(out, c.reactions)
	return out
}

// Chat returns a copy of the buffered chat messages.
func (c *Channel) Chat() []types.ChatMessage {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.evictLocked()
	out := make([]types.ChatMessage, len(c.chat))
	copy(out, c.chat)
	return out
}

// Decorate nests the current buffers into a snapshot for the
// presentation layer. The buffers stay owned by the channel and are
// never replicated.
func (c *Channel) Decorate(state *types.GameState) {
	state.Reactions = c.Reactions()
	state.Chat = c.Chat()
}

// evictLocked drops entries older than maxAge, then trims to maxItems.
// Buffers are scanned in full because the fan-out does not guarantee
// arrival in timestamp order.
func (c *Channel) evictLocked() {
	cutoff := c.now().Add(-c.maxAge).UnixMilli()

	fresh := c.reactions[:0]
	for _, reaction := range c.reactions {
		if reaction.Timestamp >= cutoff {
			fresh = append(fresh, reaction)
		}
	}
	c.reactions = fresh
	if len(c.reactions) > c.maxItems {
		c.reactions = c.reactions[len(c.reactions)-c.maxItems:]
	}

	freshChat := c.chat[:0]
	for _, message := range c.chat {
		if message.Timestamp >= cutoff {
			freshChat = append(freshChat, message)
		}
	}
	c.chat = freshChat
	if len(c.chat) > c.maxItems {
		c.chat = c.chat[len(c.chat)-c.maxItems:]
	}
}
