package call

import "github.com/carelink/carecall/internal/domain"

// EventKind tells the UI layer what just happened to the session.
type EventKind string

const (
	// EventIncoming: a remote invite passed the suppression guard; show a
	// ringing prompt.
	EventIncoming EventKind = "incoming"
	// EventConnected: negotiation finished on this side.
	EventConnected EventKind = "connected"
	// EventRejected: the callee refused our invite.
	EventRejected EventKind = "rejected"
	// EventEnded: the session returned to idle (hangup, cancel, remote end
	// or negotiation failure).
	EventEnded EventKind = "ended"
	// EventFailed: a local step failed; Err carries the reason.
	EventFailed EventKind = "failed"
)

// Event is a user-facing session notification. Internal state never leaks:
// media and negotiation errors surface as a single failure notice.
type Event struct {
	Kind           EventKind
	ConversationID domain.ConversationID
	Peer           domain.UserID
	CallType       domain.CallType
	CallerName     string
	Err            error
}
