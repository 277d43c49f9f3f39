// Package call owns the client-side call lifecycle: invite, ring, negotiate,
// connect, end. One session serves one client; at most one call is active at
// a time. Inbound envelopes are evaluated against the suppression window
// before they can move the machine, which is what keeps it correct under
// network reordering and crossed cancel/invite races.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/carelink/carecall/internal/core"
	"github.com/carelink/carecall/internal/domain"
)

var (
	ErrBusy         = errors.New("another call is active")
	ErrInvalidState = errors.New("operation not valid in current state")
	ErrMedia        = errors.New("could not access microphone or camera")
)

const recordWriteTimeout = 3 * time.Second

// Transport emits envelopes toward the relay.
type Transport interface {
	Send(domain.Envelope) error
}

// Config wires a session's collaborators.
type Config struct {
	Self     domain.UserID
	SelfName string

	Transport Transport
	Media     core.MediaSource
	Records   core.RecordSink

	// NewMediaConn builds the peer connection for one negotiation; wiring
	// decides which media engine backs it.
	NewMediaConn func(conv domain.ConversationID) (core.MediaConnection, error)

	// SuppressionWindow defaults to DefaultSuppressionWindow when zero.
	SuppressionWindow time.Duration
}

// Session is the per-client call state machine.
type Session struct {
	cfg  Config
	supp *suppressionTable

	mu        sync.Mutex
	state     State
	conv      domain.ConversationID
	callType  domain.CallType
	caller    domain.UserID
	callee    domain.UserID
	startTime time.Time
	acquiring bool

	stream       core.MediaStream // owned between acquisition and negotiator handoff
	neg          *negotiator
	pendingCands []domain.CandidatePayload

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int

	nowFn func() time.Time
}

func NewSession(cfg Config) *Session {
	return &Session{
		cfg:   cfg,
		supp:  newSuppressionTable(cfg.SuppressionWindow),
		state: StateIdle,
		subs:  make(map[int]chan Event),
		nowFn: time.Now,
	}
}

// State returns the current lifecycle position.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe returns an event channel and its release func. The release is
// guaranteed-unsubscribe: callers defer it so no handler outlives its owner.
func (s *Session) Subscribe() (<-chan Event, func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan Event, 8)
	s.subs[id] = ch
	s.subMu.Unlock()
	return ch, func() {
		s.subMu.Lock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
		s.subMu.Unlock()
	}
}

func (s *Session) emit(ev Event) {
	s.subMu.Lock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	s.subMu.Unlock()
}

// Invite starts an outgoing call. Local media is acquired before anything
// goes on the wire; on acquisition failure the session stays Idle and no
// envelope is sent.
func (s *Session) Invite(ctx context.Context, conv domain.ConversationID, callee domain.UserID, ct domain.CallType) error {
	s.mu.Lock()
	if s.state != StateIdle || s.acquiring {
		s.mu.Unlock()
		return ErrBusy
	}
	s.acquiring = true
	s.mu.Unlock()

	stream, err := s.cfg.Media.Acquire(ctx, ct == domain.CallVideo)

	s.mu.Lock()
	s.acquiring = false
	if err != nil {
		s.mu.Unlock()
		s.emit(Event{Kind: EventFailed, ConversationID: conv, Err: ErrMedia})
		return fmt.Errorf("%w: %v", ErrMedia, err)
	}
	s.state = StateCalling
	s.conv = conv
	s.callType = ct
	s.caller = s.cfg.Self
	s.callee = callee
	s.stream = stream
	s.startTime = time.Time{}
	s.mu.Unlock()

	err = s.sendTo(callee, domain.MsgCallInvite, conv, domain.InvitePayload{
		CallType:   ct,
		CallerName: s.cfg.SelfName,
	})
	if err != nil {
		s.mu.Lock()
		s.releaseLocked()
		s.state = StateIdle
		s.mu.Unlock()
		return fmt.Errorf("send invite: %w", err)
	}
	log.Info().Str("module", "call").Str("conv", string(conv)).Str("callee", string(callee)).Str("call_type", string(ct)).Msg("invite sent")
	return nil
}

// Accept answers a ringing call: acquire media, confirm to the caller, then
// wait for the offer. A media failure keeps the session Ringing.
func (s *Session) Accept(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRinging || s.acquiring {
		s.mu.Unlock()
		return ErrInvalidState
	}
	conv, caller, ct := s.conv, s.caller, s.callType
	s.acquiring = true
	s.mu.Unlock()

	stream, err := s.cfg.Media.Acquire(ctx, ct == domain.CallVideo)

	s.mu.Lock()
	s.acquiring = false
	if err != nil {
		s.mu.Unlock()
		s.emit(Event{Kind: EventFailed, ConversationID: conv, Err: ErrMedia})
		return fmt.Errorf("%w: %v", ErrMedia, err)
	}
	if s.state != StateRinging {
		// Canceled while we were acquiring; nothing to accept anymore.
		s.mu.Unlock()
		stream.Close()
		return ErrInvalidState
	}
	s.state = StateConnecting
	s.stream = stream
	s.mu.Unlock()

	err = s.sendTo(caller, domain.MsgCallResponse, conv, domain.ResponsePayload{Response: domain.ResponseAccept})
	if err != nil {
		s.mu.Lock()
		s.releaseLocked()
		s.state = StateIdle
		s.mu.Unlock()
		return fmt.Errorf("send accept: %w", err)
	}
	return nil
}

// Reject refuses a ringing call. The callee writes the "refused" record:
// the caller has no history to write until this response reaches it.
func (s *Session) Reject() error {
	s.mu.Lock()
	if s.state != StateRinging {
		s.mu.Unlock()
		return ErrInvalidState
	}
	conv, caller, callee, ct := s.conv, s.caller, s.callee, s.callType
	s.state = StateIdle
	s.resetLocked()
	s.mu.Unlock()

	err := s.sendTo(caller, domain.MsgCallResponse, conv, domain.ResponsePayload{Response: domain.ResponseReject})
	s.writeRecord(domain.CallRecord{
		Sender:   caller,
		Receiver: callee,
		Type:     domain.RecordTypeFor(ct),
		Status:   domain.StatusRefusal,
	})
	s.emit(Event{Kind: EventEnded, ConversationID: conv, Peer: caller})
	return err
}

// Hangup ends the call from this side: cancel while still setting up, end
// once connected. Idempotent; a second call is a no-op with no extra
// envelope and no extra record.
func (s *Session) Hangup() error {
	s.mu.Lock()
	switch s.state {
	case StateIdle:
		s.mu.Unlock()
		return nil
	case StateRinging:
		s.mu.Unlock()
		return s.Reject()
	}

	now := s.nowFn()
	conv, ct := s.conv, s.callType
	caller, callee := s.caller, s.callee
	peer := s.peerLocked()
	connected := s.state == StateConnected
	start := s.startTime
	s.releaseLocked()
	s.state = StateIdle
	s.resetLocked()
	if connected {
		s.supp.markEnd(conv, now)
	} else {
		s.supp.markCancel(conv, now)
	}
	s.mu.Unlock()

	var sendErr error
	rec := domain.CallRecord{
		Sender:   caller,
		Receiver: callee,
		Type:     domain.RecordTypeFor(ct),
	}
	if connected {
		sendErr = s.sendTo(peer, domain.MsgCallEnd, conv, nil)
		rec.Status = domain.StatusConnect
		rec.DurationSeconds = int64(now.Sub(start).Seconds())
	} else {
		sendErr = s.sendTo(peer, domain.MsgCallCancel, conv, nil)
		rec.Status = domain.StatusCancel
	}
	s.writeRecord(rec)
	s.emit(Event{Kind: EventEnded, ConversationID: conv, Peer: peer})
	log.Info().Str("module", "call").Str("conv", string(conv)).Bool("connected", connected).Msg("local hangup")
	return sendErr
}

// HandleEnvelope feeds one inbound envelope into the machine. Unknown or
// out-of-place signals are dropped with a log; nothing here returns an error
// to the transport because there is no one to send it to.
func (s *Session) HandleEnvelope(ctx context.Context, env domain.Envelope) {
	payload, err := env.Decode()
	if err != nil {
		log.Warn().Err(err).Str("module", "call").Msg("dropping envelope")
		return
	}
	switch env.Type {
	case domain.MsgCallInvite:
		s.handleInvite(env, payload.(domain.InvitePayload))
	case domain.MsgCallResponse:
		s.handleResponse(ctx, env, payload.(domain.ResponsePayload))
	case domain.MsgCallCancel:
		s.handleRemoteCancel(env)
	case domain.MsgCallEnd:
		s.handleRemoteEnd(env)
	case domain.MsgWebRTCOffer:
		s.handleOffer(ctx, env, payload.(domain.OfferPayload))
	case domain.MsgWebRTCAnswer:
		s.handleAnswer(env, payload.(domain.AnswerPayload))
	case domain.MsgWebRTCICECandidate:
		s.handleCandidate(env, payload.(domain.CandidatePayload))
	case domain.MsgConnected, domain.MsgTyping, domain.MsgStopTyping, domain.MsgConversationUpdated:
		// Not call signals; the chat layer consumes these.
	}
}

func (s *Session) handleInvite(env domain.Envelope, p domain.InvitePayload) {
	now := s.nowFn()
	if s.supp.suppressed(env.ConversationID, now) {
		log.Info().Str("module", "call").Str("conv", string(env.ConversationID)).Str("caller", string(env.Sender)).Msg("invite suppressed")
		return
	}
	s.mu.Lock()
	if s.state != StateIdle || s.acquiring {
		s.mu.Unlock()
		log.Info().Str("module", "call").Str("conv", string(env.ConversationID)).Str("state", s.state.String()).Msg("busy, dropping invite")
		return
	}
	s.state = StateRinging
	s.conv = env.ConversationID
	s.callType = p.CallType
	s.caller = env.Sender
	s.callee = s.cfg.Self
	s.mu.Unlock()

	s.emit(Event{
		Kind:           EventIncoming,
		ConversationID: env.ConversationID,
		Peer:           env.Sender,
		CallType:       p.CallType,
		CallerName:     p.CallerName,
	})
}

func (s *Session) handleResponse(ctx context.Context, env domain.Envelope, p domain.ResponsePayload) {
	if p.Response == domain.ResponseReject {
		s.handleRejected(env)
		return
	}

	s.mu.Lock()
	if s.state != StateCalling || env.ConversationID != s.conv {
		s.mu.Unlock()
		log.Info().Str("module", "call").Str("conv", string(env.ConversationID)).Msg("stray accept, dropping")
		return
	}
	s.state = StateConnecting
	conv, callee := s.conv, s.callee
	s.mu.Unlock()

	neg, err := s.attachNegotiator(conv, callee)
	if err != nil {
		s.failNegotiation(conv, err)
		return
	}
	if err := neg.startAsCaller(ctx); err != nil {
		s.failNegotiation(conv, err)
		return
	}

	// The offer is out; per protocol the caller is connected from here.
	s.mu.Lock()
	if s.state == StateConnecting {
		s.state = StateConnected
		s.startTime = s.nowFn()
	}
	s.mu.Unlock()
	s.emit(Event{Kind: EventConnected, ConversationID: conv, Peer: callee})
}

func (s *Session) handleRejected(env domain.Envelope) {
	s.mu.Lock()
	if s.state != StateCalling || env.ConversationID != s.conv {
		s.mu.Unlock()
		return
	}
	conv, callee := s.conv, s.callee
	s.releaseLocked()
	s.state = StateIdle
	s.resetLocked()
	s.mu.Unlock()

	// The callee writes the rejection record, not us.
	s.emit(Event{Kind: EventRejected, ConversationID: conv, Peer: callee})
}

func (s *Session) handleRemoteCancel(env domain.Envelope) {
	now := s.nowFn()
	s.mu.Lock()
	if env.ConversationID != s.conv ||
		(s.state != StateCalling && s.state != StateRinging && s.state != StateConnecting) {
		s.mu.Unlock()
		return
	}
	conv := s.conv
	peer := s.peerLocked()
	s.releaseLocked()
	s.state = StateIdle
	s.resetLocked()
	s.supp.markCancel(conv, now)
	s.mu.Unlock()

	log.Info().Str("module", "call").Str("conv", string(conv)).Msg("remote cancel")
	s.emit(Event{Kind: EventEnded, ConversationID: conv, Peer: peer})
}

func (s *Session) handleRemoteEnd(env domain.Envelope) {
	now := s.nowFn()
	s.mu.Lock()
	if env.ConversationID != s.conv || s.state == StateIdle || s.state == StateRinging {
		s.mu.Unlock()
		return
	}
	conv, ct := s.conv, s.callType
	caller, callee := s.caller, s.callee
	peer := s.peerLocked()
	connected := s.state == StateConnected
	start := s.startTime
	s.releaseLocked()
	s.state = StateIdle
	s.resetLocked()
	s.supp.markEnd(conv, now)
	s.mu.Unlock()

	rec := domain.CallRecord{
		Sender:   caller,
		Receiver: callee,
		Type:     domain.RecordTypeFor(ct),
	}
	if connected {
		rec.Status = domain.StatusConnect
		rec.DurationSeconds = int64(now.Sub(start).Seconds())
	} else {
		rec.Status = domain.StatusCancel
	}
	s.writeRecord(rec)
	log.Info().Str("module", "call").Str("conv", string(conv)).Bool("connected", connected).Msg("remote end")
	s.emit(Event{Kind: EventEnded, ConversationID: conv, Peer: peer})
}

func (s *Session) handleOffer(ctx context.Context, env domain.Envelope, p domain.OfferPayload) {
	now := s.nowFn()
	if s.supp.suppressed(env.ConversationID, now) {
		log.Info().Str("module", "call").Str("conv", string(env.ConversationID)).Msg("offer suppressed")
		return
	}
	s.mu.Lock()
	if s.state != StateConnecting || env.ConversationID != s.conv {
		s.mu.Unlock()
		log.Info().Str("module", "call").Str("conv", string(env.ConversationID)).Msg("stray offer, dropping")
		return
	}
	conv, caller := s.conv, s.caller
	s.mu.Unlock()

	neg, err := s.attachNegotiator(conv, caller)
	if err != nil {
		s.failNegotiation(conv, err)
		return
	}
	if err := neg.startAsCallee(ctx, p.SDP); err != nil {
		s.failNegotiation(conv, err)
		return
	}

	s.mu.Lock()
	if s.state == StateConnecting {
		s.state = StateConnected
		s.startTime = s.nowFn()
	}
	s.mu.Unlock()
	s.emit(Event{Kind: EventConnected, ConversationID: conv, Peer: caller})
}

func (s *Session) handleAnswer(env domain.Envelope, p domain.AnswerPayload) {
	s.mu.Lock()
	neg := s.neg
	ok := neg != nil && env.ConversationID == s.conv
	s.mu.Unlock()
	if !ok {
		log.Info().Str("module", "call").Str("conv", string(env.ConversationID)).Msg("stray answer, dropping")
		return
	}
	if err := neg.applyAnswer(p.SDP); err != nil {
		s.failNegotiation(env.ConversationID, err)
	}
}

func (s *Session) handleCandidate(env domain.Envelope, p domain.CandidatePayload) {
	s.mu.Lock()
	if env.ConversationID != s.conv || s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	neg := s.neg
	if neg == nil {
		// Candidates can outrun the offer; hold them for the negotiator.
		s.pendingCands = append(s.pendingCands, p)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	if err := neg.addRemoteCandidate(p); err != nil {
		log.Warn().Err(err).Str("module", "call").Str("conv", string(env.ConversationID)).Msg("add remote candidate")
	}
}

// attachNegotiator builds the peer connection, hands the acquired stream to
// a new negotiator and flushes candidates that arrived early.
func (s *Session) attachNegotiator(conv domain.ConversationID, peer domain.UserID) (*negotiator, error) {
	conn, err := s.cfg.NewMediaConn(conv)
	if err != nil {
		return nil, fmt.Errorf("new media connection: %w", err)
	}

	s.mu.Lock()
	if s.stream == nil || s.neg != nil {
		s.mu.Unlock()
		conn.Close()
		return nil, ErrInvalidState
	}
	neg := newNegotiator(conn, s.stream, conv, s.cfg.Self, peer, s.cfg.Transport.Send)
	s.neg = neg
	s.stream = nil
	pending := s.pendingCands
	s.pendingCands = nil
	s.mu.Unlock()

	// A failed/closed peer connection is the same as a remote end.
	conn.OnClosed(func() { s.onNegotiationClosed(neg, conv) })

	for _, p := range pending {
		if err := neg.addRemoteCandidate(p); err != nil {
			log.Warn().Err(err).Str("module", "call").Str("conv", string(conv)).Msg("apply early candidate")
		}
	}
	return neg, nil
}

// onNegotiationClosed runs when the peer connection reports failed/closed.
func (s *Session) onNegotiationClosed(neg *negotiator, conv domain.ConversationID) {
	s.mu.Lock()
	if s.neg != neg {
		// Stale callback from a connection we already tore down.
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	log.Info().Str("module", "call").Str("conv", string(conv)).Msg("negotiation closed, treating as remote end")
	env, err := domain.NewEnvelope(domain.MsgCallEnd, conv, s.cfg.Self, nil, nil)
	if err != nil {
		return
	}
	s.handleRemoteEnd(env)
}

func (s *Session) failNegotiation(conv domain.ConversationID, cause error) {
	s.mu.Lock()
	s.releaseLocked()
	s.state = StateIdle
	s.resetLocked()
	s.supp.markEnd(conv, s.nowFn())
	s.mu.Unlock()
	log.Error().Err(cause).Str("module", "call").Str("conv", string(conv)).Msg("negotiation failed")
	s.emit(Event{Kind: EventFailed, ConversationID: conv, Err: errors.New("call setup failed")})
}

// releaseLocked tears down whichever media resources exist: the negotiator
// once one was attached, otherwise the bare acquired stream.
func (s *Session) releaseLocked() {
	if s.neg != nil {
		s.neg.close()
		s.neg = nil
	}
	if s.stream != nil {
		s.stream.Close()
		s.stream = nil
	}
	s.pendingCands = nil
}

func (s *Session) resetLocked() {
	s.conv = ""
	s.callType = ""
	s.caller = ""
	s.callee = ""
	s.startTime = time.Time{}
}

// peerLocked is the remote side regardless of call direction.
func (s *Session) peerLocked() domain.UserID {
	if s.caller == s.cfg.Self {
		return s.callee
	}
	return s.caller
}

func (s *Session) sendTo(to domain.UserID, t domain.MsgType, conv domain.ConversationID, payload any) error {
	env, err := domain.NewEnvelope(t, conv, s.cfg.Self, []domain.UserID{to}, payload)
	if err != nil {
		return err
	}
	return s.cfg.Transport.Send(env)
}

// writeRecord hands the outcome to the external sink. Best effort: the call
// is already torn down, a sink failure only gets logged.
func (s *Session) writeRecord(rec domain.CallRecord) {
	if s.cfg.Records == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordWriteTimeout)
	defer cancel()
	if err := s.cfg.Records.Write(ctx, rec); err != nil {
		log.Error().Err(err).Str("module", "call").Str("status", string(rec.Status)).Msg("call record write failed")
	}
}
