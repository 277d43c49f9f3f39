package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/carelink/carecall/internal/domain"
	"github.com/carelink/carecall/internal/relay"
)

func newTestServer(t *testing.T) (*httptest.Server, *relay.Relay) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	rl := relay.New(relay.NewRegistry(), relay.NewMembership())
	ctl := NewController(rl, 32768, 32)

	ctx, cancel := context.WithCancel(context.Background())
	r := gin.New()
	r.GET("/api/ws/signal", func(c *gin.Context) {
		ctl.HandleSignal(ctx, c)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return srv, rl
}

func dialSignal(t *testing.T, srv *httptest.Server, identity string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/signal?identity=" + identity
	c, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", identity, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func readEnvelope(t *testing.T, c *websocket.Conn) domain.Envelope {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return env
}

func TestConnectRegistersAndAcks(t *testing.T) {
	srv, rl := newTestServer(t)

	c := dialSignal(t, srv, "alice")
	ack := readEnvelope(t, c)
	if ack.Type != domain.MsgConnected {
		t.Fatalf("first frame = %s, want connected ack", ack.Type)
	}
	p, err := ack.Decode()
	if err != nil {
		t.Fatalf("Decode ack: %v", err)
	}
	if p.(domain.ConnectedPayload).Identity != "alice" {
		t.Errorf("ack identity wrong: %+v", p)
	}
	if _, ok := rl.Registry.Lookup("alice"); !ok {
		t.Fatal("identity not registered after ack")
	}
}

func TestRejectsMissingIdentity(t *testing.T) {
	srv, _ := newTestServer(t)
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/signal"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		t.Fatal("handshake should fail without an identity")
	}
	if resp == nil || resp.StatusCode != 400 {
		t.Fatalf("expected 400 handshake rejection, got %+v", resp)
	}
}

func TestEnvelopeRelayedWithAuthoritativeSender(t *testing.T) {
	srv, _ := newTestServer(t)

	alice := dialSignal(t, srv, "alice")
	bob := dialSignal(t, srv, "bob")
	readEnvelope(t, alice) // acks double as registration sync points
	readEnvelope(t, bob)

	// Claimed sender is forged; the relay must overwrite it.
	env, err := domain.NewEnvelope(domain.MsgCallInvite, "conv-1", "mallory", []domain.UserID{"bob"}, domain.InvitePayload{CallType: domain.CallVoice})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if err := alice.WriteJSON(env); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := readEnvelope(t, bob)
	if got.Type != domain.MsgCallInvite {
		t.Fatalf("bob got %s, want call_invite", got.Type)
	}
	if got.Sender != "alice" {
		t.Fatalf("sender = %q, want the registered identity", got.Sender)
	}
}

func TestReconnectDisplacesOldSocket(t *testing.T) {
	srv, rl := newTestServer(t)

	first := dialSignal(t, srv, "alice")
	readEnvelope(t, first)
	second := dialSignal(t, srv, "alice")
	readEnvelope(t, second)

	// The displaced socket is closed by the server.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}

	// The identity must still be online through the new socket.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := rl.Registry.Lookup("alice"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("identity lost after reconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}

	env, err := domain.NewEnvelope(domain.MsgCallInvite, "conv-1", "x", []domain.UserID{"alice"}, domain.InvitePayload{CallType: domain.CallVoice})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	rl.Forward(env)

	got := readEnvelope(t, second)
	if got.Type != domain.MsgCallInvite {
		t.Fatalf("new socket got %s, want call_invite", got.Type)
	}
}

func TestConnBackpressure(t *testing.T) {
	c := NewConn(nil, 1)
	if err := c.TrySend([]byte("a")); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := c.TrySend([]byte("b")); err != ErrBackpressure {
		t.Fatalf("got %v, want ErrBackpressure", err)
	}
}
