// Package wsclient is the client-side connection to the relay. It speaks the
// same envelope wire format as the server adapter and answers transport
// pings automatically (gorilla's default ping handler), so a healthy client
// never gets evicted by the heartbeat monitor.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/carelink/carecall/internal/domain"
)

const (
	writeWait  = 5 * time.Second
	recvBuffer = 64
)

var ErrClosed = errors.New("client closed")

type Client struct {
	identity domain.UserID
	conn     *websocket.Conn

	recv chan domain.Envelope
	done chan struct{}
	once sync.Once

	writeMu sync.Mutex
}

// Dial connects to the relay and registers identity. The returned client is
// already receiving; drain Receive() promptly or envelopes will be dropped.
func Dial(ctx context.Context, serverURL string, identity domain.UserID) (*Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	u.Path = "/api/ws/signal"
	u.RawQuery = url.Values{"identity": {string(identity)}}.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	c := &Client{
		identity: identity,
		conn:     conn,
		recv:     make(chan domain.Envelope, recvBuffer),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) Identity() domain.UserID { return c.identity }

// Send marshals and writes one envelope with a write deadline.
func (c *Client) Send(env domain.Envelope) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

// Receive yields inbound envelopes. The channel closes when the connection
// drops or Close is called.
func (c *Client) Receive() <-chan domain.Envelope { return c.recv }

func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Client) readLoop() {
	defer func() {
		c.Close()
		close(c.recv)
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				log.Info().Err(err).Str("module", "wsclient").Str("identity", string(c.identity)).Msg("read loop ended")
			}
			return
		}
		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Err(err).Str("module", "wsclient").Msg("bad envelope, dropping")
			continue
		}
		select {
		case c.recv <- env:
		default:
			log.Warn().Str("module", "wsclient").Str("type", string(env.Type)).Msg("receive buffer full, dropping")
		}
	}
}
