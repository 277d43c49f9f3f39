package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/carelink/carecall/internal/domain"
	"github.com/carelink/carecall/internal/relay"
)

const writeWait = 5 * time.Second

type Controller struct {
	Relay      *relay.Relay
	ReadLimit  int64
	SendBuffer int
}

func NewController(r *relay.Relay, readLimit int64, sendBuffer int) *Controller {
	if sendBuffer <= 0 {
		sendBuffer = 32
	}
	return &Controller{Relay: r, ReadLimit: readLimit, SendBuffer: sendBuffer}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the connection and registers the caller's identity.
// The identity comes from the query string; the client-token cookie is the
// fallback for browser clients that never set one.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	raw := c.Query("identity")
	if raw == "" {
		raw = c.GetString("client_token")
	}
	identity, err := domain.ParseUserID(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	wsc, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("upgrade")
		return
	}
	log.Info().Str("module", "ws").Str("identity", string(identity)).Msg("new connection")

	conn := NewConn(wsc, ctl.SendBuffer)
	peer := relay.NewPeer(identity, conn)
	if ctl.ReadLimit > 0 {
		wsc.SetReadLimit(ctl.ReadLimit)
	}
	wsc.SetPongHandler(func(string) error {
		peer.TouchPong()
		return nil
	})

	// Latest wins; the displaced socket is ours to close.
	if displaced := ctl.Relay.Registry.Register(peer); displaced != nil {
		displaced.Conn.Close()
	}

	ctl.sendConnected(peer)

	connCtx, cancel := context.WithCancel(ctx)
	go ctl.writePump(connCtx, conn)
	go func() {
		defer cancel()
		ctl.readPump(connCtx, peer, conn)
	}()
}

func (ctl *Controller) sendConnected(peer *relay.Peer) {
	env, err := domain.NewEnvelope(domain.MsgConnected, "", peer.ID, nil, domain.ConnectedPayload{Identity: peer.ID})
	if err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("build connected ack")
		return
	}
	b, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("marshal connected ack")
		return
	}
	_ = peer.Conn.TrySend(b)
}

func (ctl *Controller) writePump(ctx context.Context, c *Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "ws").Msg("writePump set deadline")
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "ws").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, peer *relay.Peer, c *Conn) {
	defer func() {
		log.Info().Str("module", "ws").Str("identity", string(peer.ID)).Msg("readPump closing")
		ctl.Relay.Disconnect(peer)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.ws.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "ws").Str("identity", string(peer.ID)).Msg("readPump read error")
				return
			}
			ctl.handleFrame(peer, data)
		}
	}
}

func (ctl *Controller) handleFrame(peer *relay.Peer, data []byte) {
	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Str("module", "ws").Str("identity", string(peer.ID)).Msg("bad json, dropping")
		return
	}
	// The registered identity is authoritative, not the claimed sender.
	env.Sender = peer.ID
	ctl.Relay.Dispatch(env)
}
