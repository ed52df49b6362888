package ws

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/cascowatch/internal/logger"
	"github.com/cascowatch/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Clients only send pings, anything larger is garbage.
	maxMessageSize = 1024

	defaultSendBuf = 256
	perMinerBuf    = 32
	maxSendBuf     = 4096
)

// Client is one realtime subscriber: a miner following their own helmet,
// or a supervisor/admin following the crew.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	role   model.Role
	rooms  []string
	send   chan OutgoingMessage

	// done is closed once by Close; sendToClient selects on it instead of a closed send chan.
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	pumps  errgroup.Group
}

// NewClient binds a connection to the rooms derived for user. sendBuf is the base
// buffer; supervisors get extra room per followed miner.
func NewClient(hub *Hub, conn *websocket.Conn, user *model.User, rooms []string, sendBuf int) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		userID: user.ID,
		role:   user.Role,
		rooms:  rooms,
		send:   make(chan OutgoingMessage, sendBufferFor(user.Role, rooms, sendBuf)),
		done:   make(chan struct{}),
	}
}

// bufferVisitor sizes the send queue by how many reading streams the role follows.
type bufferVisitor struct {
	base  int
	rooms []string
}

func (v bufferVisitor) Admin() (int, error) { return v.base, nil }
func (v bufferVisitor) Miner() (int, error) { return v.base, nil }

func (v bufferVisitor) Supervisor() (int, error) {
	miners := 0
	for _, room := range v.rooms {
		if strings.HasPrefix(room, MinerRoom("")) {
			miners++
		}
	}
	return min(v.base+miners*perMinerBuf, maxSendBuf), nil
}

func sendBufferFor(role model.Role, rooms []string, base int) int {
	if base <= 0 {
		base = defaultSendBuf
	}
	n, err := model.VisitRole[int](role, bufferVisitor{base: base, rooms: rooms})
	if err != nil {
		return base
	}
	return n
}

// Start runs the read and write pumps until ctx is cancelled or the connection drops.
func (c *Client) Start(ctx context.Context, cancel context.CancelFunc) {
	c.cancel = cancel
	c.pumps.Go(func() error {
		defer c.Close()
		return c.writeLoop(ctx)
	})
	c.pumps.Go(func() error {
		defer c.hub.Unregister(c)
		defer c.Close()
		return c.readLoop(ctx)
	})
	go func() {
		if err := c.pumps.Wait(); err != nil {
			logger.Debugf("ws client closed user=%s role=%s: %v", c.userID, c.role, err)
		}
	}()
}

// Wait blocks until both pumps have returned. Returns at once if Start was never called.
func (c *Client) Wait() {
	_ = c.pumps.Wait()
}

// Close is idempotent; closing the conn unblocks ReadMessage and WriteMessage.
func (c *Client) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

func (c *Client) readLoop(ctx context.Context) error {
	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return err
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for ctx.Err() == nil {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return err
			}
			return nil
		}
		var msg IncomingMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.hub.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "invalid message"})
			continue
		}
		c.hub.HandleMessage(ctx, c, msg)
	}
	return nil
}

func (c *Client) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return nil
		case msg := <-c.send:
			if err := c.flush(msg); err != nil {
				return err
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		}
	}
}

// flush writes first and whatever queued behind it under one write deadline.
func (c *Client) flush(first OutgoingMessage) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := c.write(first); err != nil {
		return err
	}
	for n := len(c.send); n > 0; n-- {
		if err := c.write(<-c.send); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) write(msg OutgoingMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		// Skip the message, keep the connection.
		logger.Errorf("ws encode user=%s type=%s: %v", c.userID, msg.Type, err)
		return nil
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
