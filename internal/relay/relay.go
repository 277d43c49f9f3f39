package relay

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/carelink/carecall/internal/core"
	"github.com/carelink/carecall/internal/domain"
)

// Relay is the stateless dispatcher: it resolves an envelope's receivers
// through the registry and forwards the bytes verbatim. No queue, no retry.
type Relay struct {
	Registry   *Registry
	Membership *Membership
}

func New(reg *Registry, mem *Membership) *Relay {
	return &Relay{Registry: reg, Membership: mem}
}

// Dispatch routes one inbound envelope from sender. Conversation-scoped
// kinds first refresh the sender's membership and fan out to the other
// members; addressed kinds go to the explicit receivers. Unknown kinds are
// dropped here with a log, never an error back to the socket.
func (r *Relay) Dispatch(env domain.Envelope) {
	if _, err := env.Decode(); err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("sender", string(env.Sender)).Msg("dropping envelope")
		return
	}
	if env.ConversationScoped() {
		r.Membership.Touch(env.ConversationID, env.Sender)
		r.forwardToConversation(env)
		return
	}
	r.Forward(env)
}

// Forward sends the envelope to each of env.Receivers. Unknown receivers
// are silently skipped.
func (r *Relay) Forward(env domain.Envelope) {
	f, ok := r.encode(env)
	if !ok {
		return
	}
	for _, id := range env.Receivers {
		r.Registry.Send(id, f)
	}
}

func (r *Relay) forwardToConversation(env domain.Envelope) {
	f, ok := r.encode(env)
	if !ok {
		return
	}
	for _, id := range r.Membership.Members(env.ConversationID) {
		if id == env.Sender {
			continue
		}
		r.Registry.Send(id, f)
	}
}

// Disconnect tears down one peer: close the socket, drop presence, drop
// conversation membership. Safe to call for an already-replaced peer; the
// registry refuses to evict a successor connection.
func (r *Relay) Disconnect(p *Peer) {
	p.Conn.Close()
	if r.Registry.Evict(p) {
		r.Membership.RemoveAll(p.ID)
	}
}

func (r *Relay) encode(env domain.Envelope) (core.Frame, bool) {
	b, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("marshal envelope")
		return nil, false
	}
	return b, true
}
