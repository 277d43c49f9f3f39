package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/carelink/carecall/internal/core"
	"github.com/carelink/carecall/internal/domain"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent []domain.Envelope
	err  error
}

func (t *fakeTransport) Send(env domain.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.sent = append(t.sent, env)
	return nil
}

func (t *fakeTransport) envelopes() []domain.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.Envelope(nil), t.sent...)
}

func (t *fakeTransport) lastOf(mt domain.MsgType) (domain.Envelope, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.sent) - 1; i >= 0; i-- {
		if t.sent[i].Type == mt {
			return t.sent[i], true
		}
	}
	return domain.Envelope{}, false
}

type fakeStream struct {
	mu     sync.Mutex
	closed bool
}

func (s *fakeStream) Tracks() []webrtc.TrackLocal { return nil }

func (s *fakeStream) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeSource struct {
	mu      sync.Mutex
	err     error
	streams []*fakeStream
}

func (f *fakeSource) Acquire(context.Context, bool) (core.MediaStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	st := &fakeStream{}
	f.streams = append(f.streams, st)
	return st, nil
}

func (f *fakeSource) lastStream() *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.streams) == 0 {
		return nil
	}
	return f.streams[len(f.streams)-1]
}

type fakeMediaConn struct {
	mu         sync.Mutex
	started    bool
	closed     bool
	candidates []webrtc.ICECandidateInit
	onClosed   func()
	answered   bool
}

func (c *fakeMediaConn) Start(context.Context) error {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	return nil
}

func (c *fakeMediaConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeMediaConn) AddLocalTrack(webrtc.TrackLocal) error { return nil }

func (c *fakeMediaConn) CreateAndSetOffer() (*webrtc.SessionDescription, error) {
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (c *fakeMediaConn) ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (c *fakeMediaConn) ApplyAnswer(webrtc.SessionDescription) error {
	c.mu.Lock()
	c.answered = true
	c.mu.Unlock()
	return nil
}

func (c *fakeMediaConn) AddRemoteCandidate(ci webrtc.ICECandidateInit) error {
	c.mu.Lock()
	c.candidates = append(c.candidates, ci)
	c.mu.Unlock()
	return nil
}

func (c *fakeMediaConn) OnICECandidate(func(webrtc.ICECandidateInit)) {}

func (c *fakeMediaConn) OnTrack(func(context.Context, *webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (c *fakeMediaConn) OnClosed(fn func()) {
	c.mu.Lock()
	c.onClosed = fn
	c.mu.Unlock()
}

func (c *fakeMediaConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeMediaConn) remoteCandidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), c.candidates...)
}

type fakeSink struct {
	mu      sync.Mutex
	records []domain.CallRecord
}

func (s *fakeSink) Write(_ context.Context, rec domain.CallRecord) error {
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) all() []domain.CallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.CallRecord(nil), s.records...)
}

type harness struct {
	session   *Session
	transport *fakeTransport
	source    *fakeSource
	sink      *fakeSink
	conn      *fakeMediaConn
	clock     struct {
		mu  sync.Mutex
		now time.Time
	}
}

func newHarness(t *testing.T, self domain.UserID) *harness {
	t.Helper()
	h := &harness{
		transport: &fakeTransport{},
		source:    &fakeSource{},
		sink:      &fakeSink{},
		conn:      &fakeMediaConn{},
	}
	h.clock.now = time.UnixMilli(1000)
	h.session = NewSession(Config{
		Self:      self,
		SelfName:  "Test User",
		Transport: h.transport,
		Media:     h.source,
		Records:   h.sink,
		NewMediaConn: func(domain.ConversationID) (core.MediaConnection, error) {
			return h.conn, nil
		},
	})
	h.session.nowFn = h.now
	return h
}

func (h *harness) now() time.Time {
	h.clock.mu.Lock()
	defer h.clock.mu.Unlock()
	return h.clock.now
}

func (h *harness) setNow(ts time.Time) {
	h.clock.mu.Lock()
	h.clock.now = ts
	h.clock.mu.Unlock()
}

func (h *harness) advance(d time.Duration) {
	h.clock.mu.Lock()
	h.clock.now = h.clock.now.Add(d)
	h.clock.mu.Unlock()
}

func inviteEnvelope(t *testing.T, conv domain.ConversationID, from, to domain.UserID, ct domain.CallType) domain.Envelope {
	t.Helper()
	env, err := domain.NewEnvelope(domain.MsgCallInvite, conv, from, []domain.UserID{to}, domain.InvitePayload{CallType: ct, CallerName: "Caller"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	return env
}

func acceptEnvelope(t *testing.T, conv domain.ConversationID, from domain.UserID) domain.Envelope {
	t.Helper()
	env, err := domain.NewEnvelope(domain.MsgCallResponse, conv, from, nil, domain.ResponsePayload{Response: domain.ResponseAccept})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	return env
}

func TestInviteAcquiresMediaThenSends(t *testing.T) {
	h := newHarness(t, "alice")
	ctx := context.Background()

	if err := h.session.Invite(ctx, "conv-1", "bob", domain.CallVoice); err != nil {
		t.Fatalf("Invite: %v", err)
	}
	if h.session.State() != StateCalling {
		t.Fatalf("state = %v, want Calling", h.session.State())
	}
	env, ok := h.transport.lastOf(domain.MsgCallInvite)
	if !ok {
		t.Fatal("no invite envelope sent")
	}
	if env.Sender != "alice" || env.Receivers[0] != "bob" {
		t.Errorf("invite misaddressed: %+v", env)
	}
	if h.source.lastStream() == nil {
		t.Fatal("media was never acquired")
	}
}

func TestInviteMediaFailureStaysIdle(t *testing.T) {
	h := newHarness(t, "alice")
	h.source.err = errors.New("device busy")

	err := h.session.Invite(context.Background(), "conv-1", "bob", domain.CallVideo)
	if !errors.Is(err, ErrMedia) {
		t.Fatalf("got %v, want ErrMedia", err)
	}
	if h.session.State() != StateIdle {
		t.Fatal("failed acquisition must leave the session Idle")
	}
	if len(h.transport.envelopes()) != 0 {
		t.Fatal("no envelope may be sent when media acquisition fails")
	}
}

func TestInviteWhileBusy(t *testing.T) {
	h := newHarness(t, "alice")
	ctx := context.Background()
	if err := h.session.Invite(ctx, "conv-1", "bob", domain.CallVoice); err != nil {
		t.Fatalf("Invite: %v", err)
	}
	if err := h.session.Invite(ctx, "conv-2", "carol", domain.CallVoice); !errors.Is(err, ErrBusy) {
		t.Fatalf("second invite: got %v, want ErrBusy", err)
	}
}

func TestIncomingInviteRings(t *testing.T) {
	h := newHarness(t, "bob")
	events, done := h.session.Subscribe()
	defer done()

	h.session.HandleEnvelope(context.Background(), inviteEnvelope(t, "conv-1", "alice", "bob", domain.CallVideo))

	if h.session.State() != StateRinging {
		t.Fatalf("state = %v, want Ringing", h.session.State())
	}
	select {
	case ev := <-events:
		if ev.Kind != EventIncoming || ev.Peer != "alice" || ev.CallType != domain.CallVideo {
			t.Errorf("wrong incoming event: %+v", ev)
		}
	default:
		t.Fatal("no incoming event emitted")
	}
}

func TestIncomingInviteWhileBusyIsDropped(t *testing.T) {
	h := newHarness(t, "bob")
	ctx := context.Background()
	h.session.HandleEnvelope(ctx, inviteEnvelope(t, "conv-1", "alice", "bob", domain.CallVoice))
	h.session.HandleEnvelope(ctx, inviteEnvelope(t, "conv-2", "carol", "bob", domain.CallVoice))

	if h.session.State() != StateRinging {
		t.Fatal("second invite must not disturb the ringing call")
	}
	s := h.session
	s.mu.Lock()
	conv := s.conv
	s.mu.Unlock()
	if conv != "conv-1" {
		t.Fatalf("active conversation = %q, want conv-1", conv)
	}
}

// A cancel processed locally at t=2000 must shadow an invite for the same
// conversation arriving at t=2050, even though the wire order crossed.
func TestLateInviteAfterCancelIsSuppressed(t *testing.T) {
	h := newHarness(t, "bob")
	ctx := context.Background()

	h.setNow(time.UnixMilli(1500))
	h.session.HandleEnvelope(ctx, inviteEnvelope(t, "conv-1", "alice", "bob", domain.CallVoice))

	// Remote cancel lands at t=2000.
	h.setNow(time.UnixMilli(2000))
	cancelEnv, _ := domain.NewEnvelope(domain.MsgCallCancel, "conv-1", "alice", []domain.UserID{"bob"}, nil)
	h.session.HandleEnvelope(ctx, cancelEnv)
	if h.session.State() != StateIdle {
		t.Fatal("cancel should return the session to Idle")
	}

	// The re-dial invite was sent before the cancel but arrives after.
	h.setNow(time.UnixMilli(2050))
	h.session.HandleEnvelope(ctx, inviteEnvelope(t, "conv-1", "alice", "bob", domain.CallVoice))
	if h.session.State() != StateIdle {
		t.Fatal("invite inside the suppression window must be dropped")
	}

	// Well past the window the same invite rings normally.
	h.setNow(time.UnixMilli(3000))
	h.session.HandleEnvelope(ctx, inviteEnvelope(t, "conv-1", "alice", "bob", domain.CallVoice))
	if h.session.State() != StateRinging {
		t.Fatal("invite after the window should ring")
	}
}

func TestCallerConnectsAfterAccept(t *testing.T) {
	h := newHarness(t, "alice")
	ctx := context.Background()
	if err := h.session.Invite(ctx, "conv-1", "bob", domain.CallVoice); err != nil {
		t.Fatalf("Invite: %v", err)
	}

	h.session.HandleEnvelope(ctx, acceptEnvelope(t, "conv-1", "bob"))

	if h.session.State() != StateConnected {
		t.Fatalf("state = %v, want Connected after offer sent", h.session.State())
	}
	if _, ok := h.transport.lastOf(domain.MsgWebRTCOffer); !ok {
		t.Fatal("caller never sent the offer")
	}
	if !h.conn.started {
		t.Fatal("peer connection not started")
	}
}

func TestConnectedHangupWritesDurationRecord(t *testing.T) {
	h := newHarness(t, "alice")
	ctx := context.Background()
	if err := h.session.Invite(ctx, "conv-1", "bob", domain.CallVoice); err != nil {
		t.Fatalf("Invite: %v", err)
	}
	h.session.HandleEnvelope(ctx, acceptEnvelope(t, "conv-1", "bob"))
	if h.session.State() != StateConnected {
		t.Fatal("setup failed to connect")
	}

	h.advance(95 * time.Second)
	if err := h.session.Hangup(); err != nil {
		t.Fatalf("Hangup: %v", err)
	}

	if _, ok := h.transport.lastOf(domain.MsgCallEnd); !ok {
		t.Fatal("no call_end envelope sent")
	}
	recs := h.sink.all()
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	rec := recs[0]
	if rec.Status != domain.StatusConnect {
		t.Errorf("status = %q, want connect", rec.Status)
	}
	if rec.DurationSeconds != 95 {
		t.Errorf("duration = %d, want 95", rec.DurationSeconds)
	}
	if rec.Sender != "alice" || rec.Receiver != "bob" {
		t.Errorf("record misaddressed: %+v", rec)
	}
	if !h.conn.isClosed() {
		t.Fatal("peer connection not released on hangup")
	}
}

func TestHangupIsIdempotent(t *testing.T) {
	h := newHarness(t, "alice")
	ctx := context.Background()
	if err := h.session.Invite(ctx, "conv-1", "bob", domain.CallVoice); err != nil {
		t.Fatalf("Invite: %v", err)
	}

	if err := h.session.Hangup(); err != nil {
		t.Fatalf("first Hangup: %v", err)
	}
	if err := h.session.Hangup(); err != nil {
		t.Fatalf("second Hangup: %v", err)
	}

	cancels := 0
	for _, env := range h.transport.envelopes() {
		if env.Type == domain.MsgCallCancel {
			cancels++
		}
	}
	if cancels != 1 {
		t.Fatalf("got %d cancel envelopes, want 1", cancels)
	}
	if len(h.sink.all()) != 1 {
		t.Fatalf("got %d records, want 1", len(h.sink.all()))
	}
	if st := h.source.lastStream(); st == nil || !st.isClosed() {
		t.Fatal("acquired stream not released on hangup")
	}
}

func TestCalleeAcceptAndAnswer(t *testing.T) {
	h := newHarness(t, "bob")
	ctx := context.Background()
	h.session.HandleEnvelope(ctx, inviteEnvelope(t, "conv-1", "alice", "bob", domain.CallVoice))

	if err := h.session.Accept(ctx); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if h.session.State() != StateConnecting {
		t.Fatalf("state = %v, want Connecting after accept", h.session.State())
	}
	env, ok := h.transport.lastOf(domain.MsgCallResponse)
	if !ok {
		t.Fatal("no accept response sent")
	}
	p, err := env.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.(domain.ResponsePayload).Response != domain.ResponseAccept {
		t.Fatal("response should be accept")
	}

	offerEnv, _ := domain.NewEnvelope(domain.MsgWebRTCOffer, "conv-1", "alice", []domain.UserID{"bob"}, domain.OfferPayload{SDP: "v=0 offer"})
	h.session.HandleEnvelope(ctx, offerEnv)

	if h.session.State() != StateConnected {
		t.Fatalf("state = %v, want Connected after answer sent", h.session.State())
	}
	if _, ok := h.transport.lastOf(domain.MsgWebRTCAnswer); !ok {
		t.Fatal("callee never sent the answer")
	}
}

func TestRejectWritesRefusalRecord(t *testing.T) {
	h := newHarness(t, "bob")
	ctx := context.Background()
	h.session.HandleEnvelope(ctx, inviteEnvelope(t, "conv-1", "alice", "bob", domain.CallVideo))

	if err := h.session.Reject(); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if h.session.State() != StateIdle {
		t.Fatal("reject should return the session to Idle")
	}
	recs := h.sink.all()
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if recs[0].Status != domain.StatusRefusal {
		t.Errorf("status = %q, want refusal", recs[0].Status)
	}
	if recs[0].Type != domain.RecordVideoCall {
		t.Errorf("type = %q, want video_call", recs[0].Type)
	}
	if recs[0].Sender != "alice" || recs[0].Receiver != "bob" {
		t.Errorf("record misaddressed: %+v", recs[0])
	}
}

func TestRemoteCancelWhileRingingWritesNoRecord(t *testing.T) {
	h := newHarness(t, "bob")
	ctx := context.Background()
	h.session.HandleEnvelope(ctx, inviteEnvelope(t, "conv-1", "alice", "bob", domain.CallVoice))

	cancelEnv, _ := domain.NewEnvelope(domain.MsgCallCancel, "conv-1", "alice", []domain.UserID{"bob"}, nil)
	h.session.HandleEnvelope(ctx, cancelEnv)

	if h.session.State() != StateIdle {
		t.Fatal("remote cancel should return the session to Idle")
	}
	if len(h.sink.all()) != 0 {
		t.Fatal("the canceling side writes the record, not the ringing side")
	}
}

func TestRemoteEndWhileConnectedWritesConnectRecord(t *testing.T) {
	h := newHarness(t, "alice")
	ctx := context.Background()
	if err := h.session.Invite(ctx, "conv-1", "bob", domain.CallVoice); err != nil {
		t.Fatalf("Invite: %v", err)
	}
	h.session.HandleEnvelope(ctx, acceptEnvelope(t, "conv-1", "bob"))

	h.advance(30 * time.Second)
	endEnv, _ := domain.NewEnvelope(domain.MsgCallEnd, "conv-1", "bob", []domain.UserID{"alice"}, nil)
	h.session.HandleEnvelope(ctx, endEnv)

	if h.session.State() != StateIdle {
		t.Fatal("remote end should return the session to Idle")
	}
	recs := h.sink.all()
	if len(recs) != 1 || recs[0].Status != domain.StatusConnect || recs[0].DurationSeconds != 30 {
		t.Fatalf("unexpected records: %+v", recs)
	}
	if !h.conn.isClosed() {
		t.Fatal("peer connection not released on remote end")
	}
}

func TestEarlyCandidatesBufferedUntilNegotiation(t *testing.T) {
	h := newHarness(t, "bob")
	ctx := context.Background()
	h.session.HandleEnvelope(ctx, inviteEnvelope(t, "conv-1", "alice", "bob", domain.CallVoice))
	if err := h.session.Accept(ctx); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	// Candidates outrun the offer over the wire.
	for _, c := range []string{"candidate:1", "candidate:2"} {
		env, _ := domain.NewEnvelope(domain.MsgWebRTCICECandidate, "conv-1", "alice", []domain.UserID{"bob"}, domain.CandidatePayload{Candidate: c})
		h.session.HandleEnvelope(ctx, env)
	}
	if got := len(h.conn.remoteCandidates()); got != 0 {
		t.Fatalf("candidates applied before negotiation: %d", got)
	}

	offerEnv, _ := domain.NewEnvelope(domain.MsgWebRTCOffer, "conv-1", "alice", []domain.UserID{"bob"}, domain.OfferPayload{SDP: "v=0 offer"})
	h.session.HandleEnvelope(ctx, offerEnv)

	if got := len(h.conn.remoteCandidates()); got != 2 {
		t.Fatalf("got %d buffered candidates applied, want 2", got)
	}
}

func TestPeerConnectionFailureEndsCall(t *testing.T) {
	h := newHarness(t, "alice")
	ctx := context.Background()
	if err := h.session.Invite(ctx, "conv-1", "bob", domain.CallVoice); err != nil {
		t.Fatalf("Invite: %v", err)
	}
	h.session.HandleEnvelope(ctx, acceptEnvelope(t, "conv-1", "bob"))
	if h.session.State() != StateConnected {
		t.Fatal("setup failed to connect")
	}

	h.advance(10 * time.Second)
	h.conn.onClosed()

	if h.session.State() != StateIdle {
		t.Fatal("transport failure should end the call")
	}
	recs := h.sink.all()
	if len(recs) != 1 || recs[0].Status != domain.StatusConnect || recs[0].DurationSeconds != 10 {
		t.Fatalf("unexpected records: %+v", recs)
	}
}
