package relay

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/carelink/carecall/internal/domain"
)

// Membership tracks which identities are active in a conversation. An
// identity joins the set by sending any conversation-scoped message and
// leaves on disconnect or an explicit leave. Used for presence-scoped
// fan-out (typing indicators, conversation updates).
type Membership struct {
	mu    sync.RWMutex
	convs map[domain.ConversationID]map[domain.UserID]struct{}
}

func NewMembership() *Membership {
	return &Membership{convs: make(map[domain.ConversationID]map[domain.UserID]struct{})}
}

// Touch marks id active in conv. Idempotent.
func (m *Membership) Touch(conv domain.ConversationID, id domain.UserID) {
	if conv == "" {
		return
	}
	m.mu.Lock()
	set, ok := m.convs[conv]
	if !ok {
		set = make(map[domain.UserID]struct{})
		m.convs[conv] = set
	}
	set[id] = struct{}{}
	m.mu.Unlock()
}

func (m *Membership) Leave(conv domain.ConversationID, id domain.UserID) {
	m.mu.Lock()
	if set, ok := m.convs[conv]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(m.convs, conv)
		}
	}
	m.mu.Unlock()
}

// RemoveAll drops id from every conversation; called on disconnect.
func (m *Membership) RemoveAll(id domain.UserID) {
	m.mu.Lock()
	for conv, set := range m.convs {
		if _, ok := set[id]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(m.convs, conv)
			}
		}
	}
	m.mu.Unlock()
	log.Debug().Str("module", "relay.membership").Str("identity", string(id)).Msg("removed from all conversations")
}

// Members returns a snapshot of the conversation's active identities.
func (m *Membership) Members(conv domain.ConversationID) []domain.UserID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.convs[conv]
	out := make([]domain.UserID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}
