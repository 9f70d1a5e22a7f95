// Package replication makes local mutations durable and visible to all
// participants of a room while detecting write conflicts through the
// store's versioned conditional update. Conflict resolution is entirely
// optimistic: a lost race is dropped silently and the inbound
// notification path delivers the state that won.
package replication

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Qadosh7/Taco/pkg/game/types"
	"github.com/Qadosh7/Taco/pkg/log"
	"github.com/Qadosh7/Taco/pkg/store"
)

const (
	DefaultProposeTimeout = 5 * time.Second
	// DefaultEchoWindow is the cooldown after a successful proposal
	// during which inbound notifications are suppressed. The store
	// echoes every write back to the writer over the same channel;
	// the window is conservative rather than exact, trading a small
	// risk of missing a rapid external update for simplicity.
	DefaultEchoWindow = 750 * time.Millisecond
)

// ProposalStatus tags the lifecycle of an in-flight proposal.
type ProposalStatus int

const (
	ProposalPending ProposalStatus = iota
	ProposalCommitted
	ProposalConflicted
)

func (s ProposalStatus) String() string {
	switch s {
	case ProposalPending:
		return "pending"
	case ProposalCommitted:
		return "committed"
	case ProposalConflicted:
		return "conflicted"
	default:
		return "unknown"
	}
}

// Proposal records one conditional write attempt.
type Proposal struct {
	Status          ProposalStatus
	ExpectedVersion uint64
	// CommittedVersion is set once Status is ProposalCommitted.
	CommittedVersion uint64
}

type Protocol struct {
	store          store.RoomStore
	roomCode       string
	proposeTimeout time.Duration
	echoWindow     time.Duration
	now            func() time.Time

	lock      sync.Mutex
	last      *Proposal
	echoUntil time.Time
}

type NewProtocolOptions struct {
	Store          store.RoomStore
	RoomCode       string
	ProposeTimeout time.Duration
	EchoWindow     time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

func NewProtocol(opts NewProtocolOptions) *Protocol {
	proposeTimeout := opts.ProposeTimeout
	if proposeTimeout == 0 {
		proposeTimeout = DefaultProposeTimeout
	}
	echoWindow := opts.EchoWindow
	if echoWindow == 0 {
		echoWindow = DefaultEchoWindow
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Protocol{
		store:          opts.Store,
		roomCode:       store.NormalizeRoomCode(opts.RoomCode),
		proposeTimeout: proposeTimeout,
		echoWindow:     echoWindow,
		now:            now,
	}
}

// Propose strips the ephemeral fields from the local snapshot and
// issues a single atomic conditional write against the snapshot's
// current version. On success it returns a copy of the local snapshot
// with the committed version. On a lost race it returns the store's
// ErrConflict; the caller must drop the proposal and wait for the
// inbound path to deliver the winner.
func (p *Protocol) Propose(ctx context.Context, localState *types.GameState) (*types.GameState, error) {
	expectedVersion := localState.Version
	newVersion := expectedVersion + 1

	wire := localState.StripEphemeral()
	wire.Version = newVersion
	payload, err := types.MarshalGameState(wire)
	if err != nil {
		return nil, fmt.Errorf("failed to encode proposal payload: %v", err)
	}

	p.lock.Lock()
	p.last = &Proposal{Status: ProposalPending, ExpectedVersion: expectedVersion}
	p.lock.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.proposeTimeout)
	defer cancel()

	if err := p.store.ConditionalUpdate(ctx, p.roomCode, payload, expectedVersion); err != nil {
		p.lock.Lock()
		defer p.lock.Unlock()
		if store.IsConflict(err) {
			p.last.Status = ProposalConflicted
			log.Debug("Proposal for room %s at version %d lost the race: %v", p.roomCode, expectedVersion, err)
			return nil, err
		}
		// A timed-out or failed proposal is dropped; the inbound
		// path self-corrects once the store's true state arrives.
		p.last = nil
		return nil, fmt.Errorf("failed to propose state for room %s: %v", p.roomCode, err)
	}

	p.lock.Lock()
	p.last.Status = ProposalCommitted
	p.last.CommittedVersion = newVersion
	p.echoUntil = p.now().Add(p.echoWindow)
	p.lock.Unlock()

	committed := localState.Copy()
	committed.Version = newVersion
	return committed, nil
}

// Accept reconciles an inbound change notification against the local
// snapshot. It returns the decoded authoritative state when the
// notification must be applied, and false when it is a duplicate, a
// reordered stale delivery, or falls inside the self-echo window.
func (p *Protocol) Accept(localState *types.GameState, note store.Notification) (*types.GameState, bool, error) {
	p.lock.Lock()
	suppressed := p.now().Before(p.echoUntil)
	p.lock.Unlock()
	if suppressed {
		log.Trace("Suppressing notification at version %d inside the echo window", note.Version)
		return nil, false, nil
	}

	// Monotonic acceptance: strictly greater guards against
	// duplicates and reordering.
	if note.Version <= localState.Version {
		return nil, false, nil
	}

	incoming, err := types.UnmarshalGameState(note.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("failed to decode notification payload: %v", err)
	}
	// The store's version column is authoritative over the payload.
	incoming.Version = note.Version
	return incoming, true, nil
}

// LastProposal returns a copy of the most recent proposal record, or
// nil when none was ever issued. Conflicted and committed proposals are
// no longer outstanding.
func (p *Protocol) LastProposal() *Proposal {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.last == nil {
		return nil
	}
	out := *p.last
	return &out
}
