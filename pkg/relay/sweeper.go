package relay

import (
	"context"
	"time"
)

// PresenceSweeper expires tracked participants whose heartbeat lapsed.
type PresenceSweeper struct {
	relay    *Relay
	interval time.Duration
}

type NewPresenceSweeperOptions struct {
	Relay    *Relay
	Interval time.Duration
}

func NewPresenceSweeper(opts NewPresenceSweeperOptions) *PresenceSweeper {
	interval := opts.Interval
	if interval == 0 {
		interval = opts.Relay.HeartbeatTTL() / 3
	}
	return &PresenceSweeper{
		relay:    opts.Relay,
		interval: interval,
	}
}

// Start runs the sweep loop until the context is cancelled.
func (s *PresenceSweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			s.relay.ExpireStalePresence(t)
		}
	}
}
