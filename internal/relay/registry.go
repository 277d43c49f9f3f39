// Package relay holds the process-wide signaling state: who is connected,
// which conversations they are active in, and how envelopes reach them.
// All of it is in-memory only; a restart drops presence and clients re-register.
package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/carelink/carecall/internal/core"
	"github.com/carelink/carecall/internal/domain"
)

// Peer is one live connection owned by the registry.
type Peer struct {
	ID   domain.UserID
	Conn core.SignalConnection

	lastPong atomic.Int64 // unix nanos
	dead     atomic.Bool
}

func NewPeer(id domain.UserID, conn core.SignalConnection) *Peer {
	p := &Peer{ID: id, Conn: conn}
	p.lastPong.Store(time.Now().UnixNano())
	return p
}

// TouchPong stamps a received transport-level pong.
func (p *Peer) TouchPong() { p.lastPong.Store(time.Now().UnixNano()) }

func (p *Peer) LastPong() time.Time { return time.Unix(0, p.lastPong.Load()) }

func (p *Peer) MarkDead() { p.dead.Store(true) }

func (p *Peer) Dead() bool { return p.dead.Load() }

// Registry maps a user identity to its live connection. Latest wins: a new
// connection for the same identity displaces the old one without closing it;
// the caller decides what to do with the displaced peer.
type Registry struct {
	mu    sync.RWMutex
	peers map[domain.UserID]*Peer
}

func NewRegistry() *Registry {
	return &Registry{peers: make(map[domain.UserID]*Peer)}
}

// Register binds the connection and returns the displaced peer, if any.
func (r *Registry) Register(p *Peer) (displaced *Peer) {
	r.mu.Lock()
	displaced = r.peers[p.ID]
	r.peers[p.ID] = p
	r.mu.Unlock()
	log.Info().Str("module", "relay.registry").Str("identity", string(p.ID)).Bool("replaced", displaced != nil).Msg("registered")
	return displaced
}

// Evict removes p only if it is still the current connection for its
// identity, so a replaced connection cannot tear down its successor.
func (r *Registry) Evict(p *Peer) bool {
	r.mu.Lock()
	cur, ok := r.peers[p.ID]
	if ok && cur == p {
		delete(r.peers, p.ID)
	}
	r.mu.Unlock()
	if ok && cur == p {
		log.Info().Str("module", "relay.registry").Str("identity", string(p.ID)).Msg("evicted")
		return true
	}
	return false
}

func (r *Registry) Lookup(id domain.UserID) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// Send delivers a frame to the identity's live connection. No-op when the
// identity is offline: signaling is ephemeral, nothing is queued.
func (r *Registry) Send(id domain.UserID, f core.Frame) {
	p, ok := r.Lookup(id)
	if !ok {
		return
	}
	if err := p.Conn.TrySend(f); err != nil {
		log.Warn().Err(err).Str("module", "relay.registry").Str("identity", string(id)).Msg("send failed")
	}
}

// Snapshot returns the current peers; used by the heartbeat sweep.
func (r *Registry) Snapshot() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// Identities lists who is currently online.
func (r *Registry) Identities() []domain.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.UserID, 0, len(r.peers))
	for id := range r.peers {
		out = append(out, id)
	}
	return out
}
