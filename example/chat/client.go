package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/jonoton/go-backplane"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 8192

	sendBufferSize = 256
)

var (
	errClientGone = errors.New("client gone")
	errSlowClient = errors.New("client send buffer full")
)

// inbound is what a browser sends.
type inbound struct {
	Op     string `json:"op"`
	Target string `json:"target,omitempty"`
	Method string `json:"method,omitempty"`
	Args   []any  `json:"args,omitempty"`
}

// outbound is what the backplane pushes to a browser.
type outbound struct {
	Method string `json:"method"`
	Args   []any  `json:"args"`
}

// client is one websocket, registered with the backplane as a Connection.
type client struct {
	id   string
	user string
	hub  backplane.Backplane
	conn *websocket.Conn
	log  zerolog.Logger

	send      chan outbound
	done      chan struct{}
	closeOnce sync.Once
}

var _ backplane.Connection = (*client)(nil)

func newClient(id, user string, hub backplane.Backplane, conn *websocket.Conn, log zerolog.Logger) *client {
	return &client{
		id:   id,
		user: user,
		hub:  hub,
		conn: conn,
		log:  log.With().Str("connection", id).Str("user", user).Logger(),
		send: make(chan outbound, sendBufferSize),
		done: make(chan struct{}),
	}
}

func (c *client) ID() string            { return c.id }
func (c *client) UserID() string        { return c.user }
func (c *client) Done() <-chan struct{} { return c.done }

// Deliver queues a frame for the write pump. It never blocks the fan-out loop.
func (c *client) Deliver(ctx context.Context, method string, args []any) error {
	select {
	case <-c.done:
		return errClientGone
	default:
	}
	select {
	case c.send <- outbound{Method: method, Args: args}:
		return nil
	case <-c.done:
		return errClientGone
	case <-ctx.Done():
		return ctx.Err()
	default:
		return errSlowClient
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// readPump pumps frames from the websocket to the backplane until the peer
// goes away, then unregisters the connection.
func (c *client) readPump(ctx context.Context) {
	defer func() {
		c.close()
		if err := c.hub.OnDisconnect(ctx, c); err != nil && !errors.Is(err, backplane.ErrDisposed) {
			c.log.Error().Err(err).Msg("disconnect cleanup failed")
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Error().Err(err).Msg("websocket read error")
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reply(ctx, "error", "malformed frame")
			continue
		}
		if err := c.handle(ctx, &msg); err != nil {
			c.log.Warn().Err(err).Str("op", msg.Op).Msg("frame rejected")
			c.reply(ctx, "error", err.Error())
		}
	}
}

func (c *client) handle(ctx context.Context, msg *inbound) error {
	switch msg.Op {
	case "send_all":
		return c.hub.SendAll(ctx, msg.Method, msg.Args)
	case "send_others":
		return c.hub.SendAllExcept(ctx, msg.Method, msg.Args, []string{c.id})
	case "send_group":
		return c.hub.SendGroup(ctx, msg.Target, msg.Method, msg.Args)
	case "send_user":
		return c.hub.SendUser(ctx, msg.Target, msg.Method, msg.Args)
	case "send_connection":
		return c.hub.SendConnection(ctx, msg.Target, msg.Method, msg.Args)
	case "join":
		if err := c.hub.AddToGroup(ctx, c.id, msg.Target); err != nil {
			return err
		}
		c.reply(ctx, "joined", msg.Target)
		return nil
	case "leave":
		if err := c.hub.RemoveFromGroup(ctx, c.id, msg.Target); err != nil {
			return err
		}
		c.reply(ctx, "left", msg.Target)
		return nil
	default:
		return fmt.Errorf("unknown op %q", msg.Op)
	}
}

func (c *client) reply(ctx context.Context, method string, args ...any) {
	if err := c.Deliver(ctx, method, args); err != nil {
		c.log.Debug().Err(err).Str("method", method).Msg("reply dropped")
	}
}

// writePump pumps queued frames to the websocket and keeps it alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.log.Error().Err(err).Msg("websocket write error")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
