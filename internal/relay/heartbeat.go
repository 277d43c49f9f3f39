package relay

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Heartbeat probes every registered connection on a fixed interval. A peer
// whose pong is older than PongWait is marked dead; the next sweep closes it
// and cleans presence and membership state. So a silent peer survives at
// most two cycles.
type Heartbeat struct {
	Registry   *Registry
	Membership *Membership
	Interval   time.Duration
	PongWait   time.Duration
}

func NewHeartbeat(reg *Registry, mem *Membership, interval, pongWait time.Duration) *Heartbeat {
	return &Heartbeat{Registry: reg, Membership: mem, Interval: interval, PongWait: pongWait}
}

// Run blocks until ctx is done.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Sweep(time.Now())
		}
	}
}

// Sweep runs one heartbeat cycle. Exported so tests can drive it directly.
func (h *Heartbeat) Sweep(now time.Time) {
	for _, p := range h.Registry.Snapshot() {
		if p.Dead() {
			h.terminate(p)
			continue
		}
		if now.Sub(p.LastPong()) > h.PongWait {
			log.Info().Str("module", "relay.heartbeat").Str("identity", string(p.ID)).Time("last_pong", p.LastPong()).Msg("missed pong, marking dead")
			p.MarkDead()
		}
		if err := p.Conn.Ping(now.Add(h.Interval)); err != nil {
			log.Warn().Err(err).Str("module", "relay.heartbeat").Str("identity", string(p.ID)).Msg("ping failed, marking dead")
			p.MarkDead()
		}
	}
}

func (h *Heartbeat) terminate(p *Peer) {
	log.Info().Str("module", "relay.heartbeat").Str("identity", string(p.ID)).Msg("terminating dead connection")
	p.Conn.Close()
	if h.Registry.Evict(p) {
		h.Membership.RemoveAll(p.ID)
	}
}
