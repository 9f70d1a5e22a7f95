// Package presence maintains the live set of connected participants for
// a room. Membership is independent of the versioned snapshot: the
// tracker only annotates the local copy and never writes back through
// the replication protocol.
package presence

import (
	"sync"

	"github.com/Qadosh7/Taco/pkg/game/types"
)

type Tracker struct {
	lock   sync.RWMutex
	online map[string]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{
		online: make(map[string]struct{}),
	}
}

// Update replaces the membership set with the latest store snapshot.
func (t *Tracker) Update(participantIDs []string) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.online = make(map[string]struct{}, len(participantIDs))
	for _, id := range participantIDs {
		t.online[id] = struct{}{}
	}
}

func (t *Tracker) IsOnline(participantID string) bool {
	t.lock.RLock()
	defer t.lock.RUnlock()
	_, ok := t.online[participantID]
	return ok
}

// OnlineCount returns the current membership size.
func (t *Tracker) OnlineCount() int {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return len(t.online)
}

// Annotate overwrites each player's IsOnline flag by set membership.
// This is a local annotation only: it does not touch the version and
// must never be proposed to the store by itself.
func (t *Tracker) Annotate(state *types.GameState) {
	t.lock.RLock()
	defer t.lock.RUnlock()
	for i := range state.Players {
		_, ok := t.online[state.Players[i].ID]
		state.Players[i].IsOnline = ok
	}
}
