// Package session orchestrates one local participant: it applies user
// intents through the pure game engine, advances the local snapshot
// optimistically, requests replication, and reconciles inbound store
// notifications. Local intents and inbound events both pass through a
// single mutual-exclusion boundary around the shared snapshot; inbound
// events additionally funnel through one serialized apply-loop.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Qadosh7/Taco/pkg/broadcast"
	"github.com/Qadosh7/Taco/pkg/game"
	"github.com/Qadosh7/Taco/pkg/game/types"
	"github.com/Qadosh7/Taco/pkg/log"
	"github.com/Qadosh7/Taco/pkg/presence"
	"github.com/Qadosh7/Taco/pkg/queue"
	"github.com/Qadosh7/Taco/pkg/replication"
	"github.com/Qadosh7/Taco/pkg/sessioncache"
	"github.com/Qadosh7/Taco/pkg/store"
	"github.com/google/uuid"
)

const (
	DefaultHeartbeatInterval = 5 * time.Second
	eventQueueCapacity       = 256
	resubscribeBaseBackoff   = 500 * time.Millisecond
	resubscribeMaxBackoff    = 10 * time.Second
)

type changeEvent struct {
	note store.Notification
}

type presenceEvent struct {
	participantIDs []string
}

type ephemeralEvent struct {
	msg store.EphemeralMessage
}

type Controller struct {
	store             store.Store
	cache             *sessioncache.Cache
	onUpdate          func(*types.GameState)
	heartbeatInterval time.Duration
	proposeTimeout    time.Duration
	echoWindow        time.Duration
	now               func() time.Time

	roomCode      string
	participantID string

	tracker  *presence.Tracker
	protocol *replication.Protocol
	channel  *broadcast.Channel
	events   queue.Queue

	// lock is the single exclusion boundary around read-modify-write
	// of the local snapshot.
	lock      sync.Mutex
	state     *types.GameState
	connected bool
	started   bool

	cancel  context.CancelFunc
	subWg   sync.WaitGroup
	applyWg sync.WaitGroup
}

type NewControllerOptions struct {
	// Store is the injected transport/store client. The controller
	// owns its use for the session lifetime but not its lifecycle.
	Store store.Store
	// Cache persists {roomCode, participantID} across restarts.
	// Optional.
	Cache *sessioncache.Cache
	// OnUpdate is invoked with a snapshot copy after every local
	// view change. Optional.
	OnUpdate          func(*types.GameState)
	HeartbeatInterval time.Duration
	ProposeTimeout    time.Duration
	EchoWindow        time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

func NewController(opts NewControllerOptions) *Controller {
	heartbeatInterval := opts.HeartbeatInterval
	if heartbeatInterval == 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		store:             opts.Store,
		cache:             opts.Cache,
		onUpdate:          opts.OnUpdate,
		heartbeatInterval: heartbeatInterval,
		proposeTimeout:    opts.ProposeTimeout,
		echoWindow:        opts.EchoWindow,
		now:               now,
	}
}

// CreateRoom creates a fresh room with the local participant as host
// and attaches the session to it. Creation fails closed: a failed
// insert leaves no partial room behind.
func (c *Controller) CreateRoom(ctx context.Context, name, avatar string) error {
	if c.isStarted() {
		return fmt.Errorf("session is already attached to room %s", c.roomCode)
	}

	roomCode := game.GenerateRoomCode()
	participantID := uuid.NewString()
	host := types.Player{
		ID:       participantID,
		Name:     name,
		Hand:     []types.Card{},
		IsHost:   true,
		Avatar:   avatar,
		IsOnline: true,
	}
	state := types.NewGameState(roomCode, host)

	payload, err := types.MarshalGameState(state.StripEphemeral())
	if err != nil {
		return fmt.Errorf("failed to encode room state: %v", err)
	}
	if err := c.store.Insert(ctx, roomCode, payload); err != nil {
		return fmt.Errorf("failed to create room: %v", err)
	}

	c.attach(roomCode, participantID, state)
	return nil
}

// JoinRoom seats the local participant in an existing lobby. A join
// that loses the lobby write race is surfaced to the caller instead of
// being retried.
func (c *Controller) JoinRoom(ctx context.Context, roomCode, name, avatar string) error {
	if c.isStarted() {
		return fmt.Errorf("session is already attached to room %s", c.roomCode)
	}
	roomCode = store.NormalizeRoomCode(roomCode)

	record, err := c.store.Get(ctx, roomCode)
	if err != nil {
		if store.IsNotFound(err) {
			return err
		}
		return fmt.Errorf("failed to fetch room %s: %v", roomCode, err)
	}
	current, err := types.UnmarshalGameState(record.Payload)
	if err != nil {
		return fmt.Errorf("failed to decode room %s: %v", roomCode, err)
	}
	current.Version = record.Version

	participantID := uuid.NewString()
	player := types.Player{
		ID:       participantID,
		Name:     name,
		Hand:     []types.Card{},
		Avatar:   avatar,
		IsOnline: true,
	}
	joined, err := game.AddPlayer(current, player)
	if err != nil {
		return err
	}

	c.attach(roomCode, participantID, joined)
	committed, err := c.protocol.Propose(ctx, joined)
	if err != nil {
		c.detach(ctx)
		if store.IsConflict(err) {
			return fmt.Errorf("room %s is busy, try joining again: %v", roomCode, err)
		}
		return err
	}
	c.lock.Lock()
	if c.state.Version == joined.Version {
		c.state = committed
	}
	c.lock.Unlock()
	c.notifyUpdate()
	return nil
}

// Resume re-attaches a previously seated participant, typically from
// the session cache after a restart.
func (c *Controller) Resume(ctx context.Context, roomCode, participantID string) error {
	if c.isStarted() {
		return fmt.Errorf("session is already attached to room %s", c.roomCode)
	}
	roomCode = store.NormalizeRoomCode(roomCode)

	record, err := c.store.Get(ctx, roomCode)
	if err != nil {
		if store.IsNotFound(err) {
			return err
		}
		return fmt.Errorf("failed to fetch room %s: %v", roomCode, err)
	}
	current, err := types.UnmarshalGameState(record.Payload)
	if err != nil {
		return fmt.Errorf("failed to decode room %s: %v", roomCode, err)
	}
	current.Version = record.Version
	if current.PlayerIndex(participantID) < 0 {
		return fmt.Errorf("participant %s is not seated in room %s", participantID, roomCode)
	}

	c.attach(roomCode, participantID, current)
	return nil
}

func (c *Controller) attach(roomCode, participantID string, initial *types.GameState) {
	c.tracker = presence.NewTracker()
	c.channel = broadcast.NewChannel(broadcast.NewChannelOptions{
		Bus:      c.store,
		RoomCode: roomCode,
		Now:      c.now,
	})
	c.protocol = replication.NewProtocol(replication.NewProtocolOptions{
		Store:          c.store,
		RoomCode:       roomCode,
		ProposeTimeout: c.proposeTimeout,
		EchoWindow:     c.echoWindow,
		Now:            c.now,
	})
	c.events = queue.NewInMemoryQueue(eventQueueCapacity)

	sessionCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.lock.Lock()
	c.roomCode = roomCode
	c.participantID = participantID
	c.state = initial
	c.started = true
	c.lock.Unlock()

	c.applyWg.Add(1)
	go c.runApplyLoop()
	c.subWg.Add(4)
	go c.runChangeSubscription(sessionCtx)
	go c.runPresenceSubscription(sessionCtx)
	go c.runEphemeralSubscription(sessionCtx)
	go c.runHeartbeat(sessionCtx)

	if c.cache != nil {
		saveCtx, saveCancel := context.WithTimeout(context.Background(), time.Second)
		defer saveCancel()
		if err := c.cache.Save(saveCtx, sessioncache.Session{RoomCode: roomCode, ParticipantID: participantID}); err != nil {
			log.Warn("Failed to save session cache: %v", err)
		}
	}
}

func (c *Controller) detach(ctx context.Context) {
	if c.cancel != nil {
		c.cancel()
	}
	if err := c.store.Untrack(ctx, c.roomCode, c.participantID); err != nil {
		log.Debug("Failed to untrack participant: %v", err)
	}
	c.subWg.Wait()
	if c.events != nil {
		c.events.Close()
	}
	c.applyWg.Wait()
	c.lock.Lock()
	c.started = false
	c.lock.Unlock()
}

// Close detaches the session, keeping the cached membership so the
// participant can resume later.
func (c *Controller) Close(ctx context.Context) {
	if !c.isStarted() {
		return
	}
	c.detach(ctx)
}

// Leave detaches the session and clears the cached membership.
func (c *Controller) Leave(ctx context.Context) {
	c.Close(ctx)
	if c.cache != nil {
		if err := c.cache.Clear(ctx); err != nil {
			log.Warn("Failed to clear session cache: %v", err)
		}
	}
}

// StartGame deals and starts the game. Host intent.
func (c *Controller) StartGame(ctx context.Context) error {
	return c.apply(ctx, game.StartGame)
}

// PlayCard plays the local participant's top card.
func (c *Controller) PlayCard(ctx context.Context) error {
	return c.apply(ctx, func(state *types.GameState) (*types.GameState, error) {
		return game.PlayCard(state, c.participantID)
	})
}

// Slap registers the local participant's slap.
func (c *Controller) Slap(ctx context.Context) error {
	return c.apply(ctx, func(state *types.GameState) (*types.GameState, error) {
		return game.Slap(state, c.participantID, c.now().UnixMilli())
	})
}

// SendReaction publishes an ephemeral reaction. Never touches the
// versioned snapshot.
func (c *Controller) SendReaction(ctx context.Context, emoji string) error {
	if !c.isStarted() {
		return fmt.Errorf("session is not attached to a room")
	}
	if err := c.channel.SendReaction(ctx, c.participantID, emoji); err != nil {
		return err
	}
	c.decorateState()
	c.notifyUpdate()
	return nil
}

// SendChat publishes an ephemeral chat line.
func (c *Controller) SendChat(ctx context.Context, text string) error {
	if !c.isStarted() {
		return fmt.Errorf("session is not attached to a room")
	}
	c.lock.Lock()
	name := c.participantID
	if i := c.state.PlayerIndex(c.participantID); i >= 0 {
		name = c.state.Players[i].Name
	}
	c.lock.Unlock()
	if err := c.channel.SendChat(ctx, c.participantID, name, text); err != nil {
		return err
	}
	c.decorateState()
	c.notifyUpdate()
	return nil
}

// apply runs one game-affecting intent: validate and advance locally,
// then propose the result. A ValidationError is rejected before any
// network call. A lost write race is dropped silently; the inbound
// notification path delivers the state that won.
func (c *Controller) apply(ctx context.Context, intent func(*types.GameState) (*types.GameState, error)) error {
	c.lock.Lock()
	if !c.started {
		c.lock.Unlock()
		return fmt.Errorf("session is not attached to a room")
	}
	current := c.state
	next, err := intent(current)
	if err != nil {
		c.lock.Unlock()
		return err
	}
	if next == current {
		// The intent was a no-op (e.g. a repeated slap).
		c.lock.Unlock()
		return nil
	}
	c.tracker.Annotate(next)
	c.channel.Decorate(next)
	c.state = next
	expectedVersion := next.Version
	c.lock.Unlock()
	c.notifyUpdate()

	// The proposal round-trip happens on the caller's flow, outside
	// the exclusion boundary, so inbound events keep flowing.
	committed, err := c.protocol.Propose(ctx, next)
	if err != nil {
		if store.IsConflict(err) {
			return nil
		}
		return err
	}

	c.lock.Lock()
	if c.state.Version == expectedVersion {
		c.tracker.Annotate(committed)
		c.channel.Decorate(committed)
		c.state = committed
	}
	c.lock.Unlock()
	c.notifyUpdate()
	return nil
}

// State returns a copy of the current local snapshot, or nil when the
// session is not attached.
func (c *Controller) State() *types.GameState {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.state == nil {
		return nil
	}
	return c.state.Copy()
}

// Connected reports whether the notification channels are currently
// subscribed. It is a connectivity indicator, not a delivery guarantee.
func (c *Controller) Connected() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.connected
}

func (c *Controller) RoomCode() string {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.roomCode
}

func (c *Controller) ParticipantID() string {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.participantID
}

// LastProposal exposes the replication protocol's most recent proposal
// record.
func (c *Controller) LastProposal() *replication.Proposal {
	if c.protocol == nil {
		return nil
	}
	return c.protocol.LastProposal()
}

func (c *Controller) isStarted() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.started
}

func (c *Controller) setConnected(connected bool) {
	c.lock.Lock()
	c.connected = connected
	c.lock.Unlock()
}

func (c *Controller) decorateState() {
	c.lock.Lock()
	if c.state != nil {
		c.channel.Decorate(c.state)
	}
	c.lock.Unlock()
}

func (c *Controller) notifyUpdate() {
	if c.onUpdate == nil {
		return
	}
	if state := c.State(); state != nil {
		c.onUpdate(state)
	}
}

// runApplyLoop serializes all inbound events into the local snapshot.
func (c *Controller) runApplyLoop() {
	defer c.applyWg.Done()
	for {
		item, ok := c.events.Dequeue()
		if !ok {
			return
		}
		switch event := item.(type) {
		case changeEvent:
			c.applyChange(event.note)
		case presenceEvent:
			c.applyPresence(event.participantIDs)
		case ephemeralEvent:
			c.channel.Receive(event.msg)
			c.decorateState()
			c.notifyUpdate()
		default:
			log.Error("Unknown session event type: %T", item)
		}
	}
}

func (c *Controller) applyChange(note store.Notification) {
	c.lock.Lock()
	next, apply, err := c.protocol.Accept(c.state, note)
	if err != nil {
		c.lock.Unlock()
		log.Warn("Rejecting notification for room %s: %v", c.roomCode, err)
		return
	}
	if !apply {
		c.lock.Unlock()
		return
	}
	// Re-merge the locally derived annotations and buffers; a
	// versioned snapshot never overwrites them.
	c.tracker.Annotate(next)
	c.channel.Decorate(next)
	c.state = next
	c.lock.Unlock()
	c.notifyUpdate()
}

func (c *Controller) applyPresence(participantIDs []string) {
	c.tracker.Update(participantIDs)
	c.lock.Lock()
	if c.state != nil {
		c.tracker.Annotate(c.state)
	}
	c.lock.Unlock()
	c.notifyUpdate()
}

func (c *Controller) runChangeSubscription(ctx context.Context) {
	defer c.subWg.Done()
	c.runSubscription(ctx, "changes", func(ctx context.Context) (<-chan struct{}, func(), error) {
		ch, cancelSub, err := c.store.SubscribeChanges(ctx, c.roomCode)
		if err != nil {
			return nil, nil, err
		}
		done := make(chan struct{})
		go func() {
			defer close(done)
			for note := range ch {
				if err := c.events.Enqueue(changeEvent{note: note}); err != nil {
					log.Warn("Dropping change notification: %v", err)
				}
			}
		}()
		return done, cancelSub, nil
	})
}

func (c *Controller) runPresenceSubscription(ctx context.Context) {
	defer c.subWg.Done()
	c.runSubscription(ctx, "presence", func(ctx context.Context) (<-chan struct{}, func(), error) {
		ch, cancelSub, err := c.store.WatchPresence(ctx, c.roomCode)
		if err != nil {
			return nil, nil, err
		}
		done := make(chan struct{})
		go func() {
			defer close(done)
			for ids := range ch {
				if err := c.events.Enqueue(presenceEvent{participantIDs: ids}); err != nil {
					log.Warn("Dropping presence update: %v", err)
				}
			}
		}()
		return done, cancelSub, nil
	})
}

func (c *Controller) runEphemeralSubscription(ctx context.Context) {
	defer c.subWg.Done()
	c.runSubscription(ctx, "ephemeral", func(ctx context.Context) (<-chan struct{}, func(), error) {
		ch, cancelSub, err := c.store.SubscribeEphemeral(ctx, c.roomCode)
		if err != nil {
			return nil, nil, err
		}
		done := make(chan struct{})
		go func() {
			defer close(done)
			for msg := range ch {
				if err := c.events.Enqueue(ephemeralEvent{msg: msg}); err != nil {
					log.Warn("Dropping ephemeral message: %v", err)
				}
			}
		}()
		return done, cancelSub, nil
	})
}

// runSubscription keeps one store subscription alive for the session
// lifetime, resubscribing with capped exponential backoff when the
// channel dies. This is the only automatic retry in the system.
func (c *Controller) runSubscription(ctx context.Context, name string, subscribe func(context.Context) (<-chan struct{}, func(), error)) {
	backoff := resubscribeBaseBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		done, cancelSub, err := subscribe(ctx)
		if err != nil {
			c.setConnected(false)
			log.Warn("Failed to subscribe to %s for room %s, retrying in %s: %v", name, c.roomCode, backoff, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = backoff * 2
			if backoff > resubscribeMaxBackoff {
				backoff = resubscribeMaxBackoff
			}
			continue
		}
		c.setConnected(true)
		backoff = resubscribeBaseBackoff
		select {
		case <-ctx.Done():
			cancelSub()
			<-done
			return
		case <-done:
			cancelSub()
			c.setConnected(false)
			log.Warn("Subscription to %s for room %s dropped, resubscribing", name, c.roomCode)
		}
	}
}

// runHeartbeat registers presence immediately and refreshes it on an
// interval; the final untrack happens on detach.
func (c *Controller) runHeartbeat(ctx context.Context) {
	defer c.subWg.Done()
	if err := c.store.Track(ctx, c.roomCode, c.participantID); err != nil {
		log.Warn("Failed to track presence: %v", err)
	}
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.store.Track(ctx, c.roomCode, c.participantID); err != nil {
				log.Warn("Failed to refresh presence: %v", err)
			}
		}
	}
}
