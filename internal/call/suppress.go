package call

import (
	"sync"
	"time"

	"github.com/carelink/carecall/internal/domain"
)

// DefaultSuppressionWindow absorbs reordering between a local cancel/end and
// a late-arriving invite or offer for the same conversation. Tunable per
// session; all timestamps compared are local arrival times, so peer clock
// skew never enters the guard.
const DefaultSuppressionWindow = 300 * time.Millisecond

type suppressionRecord struct {
	lastCancelAt time.Time
	lastEndAt    time.Time
}

// suppressionTable remembers, per conversation, when the local side last
// canceled or ended a call. Conversations with no history are absent and
// never suppressed.
type suppressionTable struct {
	mu     sync.Mutex
	window time.Duration
	byConv map[domain.ConversationID]suppressionRecord
}

func newSuppressionTable(window time.Duration) *suppressionTable {
	if window <= 0 {
		window = DefaultSuppressionWindow
	}
	return &suppressionTable{
		window: window,
		byConv: make(map[domain.ConversationID]suppressionRecord),
	}
}

func (t *suppressionTable) markCancel(conv domain.ConversationID, now time.Time) {
	t.mu.Lock()
	rec := t.byConv[conv]
	rec.lastCancelAt = now
	t.byConv[conv] = rec
	t.mu.Unlock()
}

func (t *suppressionTable) markEnd(conv domain.ConversationID, now time.Time) {
	t.mu.Lock()
	rec := t.byConv[conv]
	rec.lastEndAt = now
	t.byConv[conv] = rec
	t.mu.Unlock()
}

// suppressed reports whether an invite/offer arriving at now must be dropped
// because a more authoritative cancel/end was just processed.
func (t *suppressionTable) suppressed(conv domain.ConversationID, now time.Time) bool {
	t.mu.Lock()
	rec, ok := t.byConv[conv]
	t.mu.Unlock()
	if !ok {
		return false
	}
	if !rec.lastCancelAt.IsZero() && now.Sub(rec.lastCancelAt) <= t.window {
		return true
	}
	if !rec.lastEndAt.IsZero() && now.Sub(rec.lastEndAt) <= t.window {
		return true
	}
	return false
}
