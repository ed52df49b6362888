package ws

import (
	"context"
	"sync"
	"time"

	"github.com/cascowatch/internal/evaluator"
	"github.com/cascowatch/internal/logger"
	"github.com/cascowatch/internal/model"
)

// Hub keeps room membership and fans out readings, alerts and notifications.
type Hub struct {
	mu         sync.RWMutex
	rooms      map[string]map[*Client]struct{}
	total      int
	maxConns   int
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	now        func() time.Time
}

func NewHub(maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		rooms:      make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
		now:        time.Now,
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// done first: pumps exiting during shutdown must not block on unregister.
			close(h.done)
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	seen := make(map[*Client]struct{}, h.total)
	for _, clients := range h.rooms {
		for c := range clients {
			seen[c] = struct{}{}
		}
	}
	h.rooms = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	for c := range seen {
		c.Close()
	}
	for c := range seen {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	for _, room := range c.rooms {
		if _, ok := h.rooms[room]; !ok {
			h.rooms[room] = make(map[*Client]struct{})
		}
		h.rooms[room][c] = struct{}{}
	}
	h.total++
	h.mu.Unlock()
	logger.Debugf("ws client joined user=%s rooms=%v", c.userID, c.rooms)
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	removed := false
	for _, room := range c.rooms {
		clients, ok := h.rooms[room]
		if !ok {
			continue
		}
		if _, exists := clients[c]; exists {
			delete(clients, c)
			removed = true
		}
		if len(clients) == 0 {
			delete(h.rooms, room)
		}
	}
	if removed {
		h.total--
	}
	h.mu.Unlock()

	// Network I/O outside the lock.
	c.Close()
}

// Connections returns the number of registered clients.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}

// HandleMessage answers client control messages. Clients only send ping.
func (h *Hub) HandleMessage(_ context.Context, c *Client, msg IncomingMessage) {
	switch msg.Type {
	case EventPing:
		h.sendToClient(c, OutgoingMessage{Type: EventPong, Payload: PongPayload{ServerTime: h.now().UTC()}})
	default:
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "unknown event type"})
	}
}

// BroadcastReading sends the reading to its miner room. If the realtime threshold check
// marks it critical, an alert also goes to the miner room and to supervisors.
func (h *Hub) BroadcastReading(r *model.SensorReading, sensorType model.SensorType) {
	if r.MinerID == "" {
		return
	}
	room := MinerRoom(r.MinerID)
	h.BroadcastToRoom(room, OutgoingMessage{Type: EventReading, Payload: ReadingPayload{SensorType: sensorType, Reading: r}})
	if !evaluator.BroadcastAlertPolicy(sensorType, r.Value) {
		return
	}
	alert := OutgoingMessage{Type: EventAlert, Payload: AlertPayload{
		MinerID:    r.MinerID,
		CascoID:    r.CascoID,
		SensorType: sensorType,
		Value:      r.Value,
		Reading:    r,
		At:         h.now().UTC(),
	}}
	h.broadcastToRooms([]string{room, RoomSupervisors}, alert)
}

// NotifyUser delivers a freshly created notification to the user's room.
func (h *Hub) NotifyUser(userID string, n *model.Notification) {
	h.BroadcastToRoom(UserRoom(userID), OutgoingMessage{Type: EventNotification, Payload: n})
}

func (h *Hub) BroadcastToRoom(room string, msg OutgoingMessage) {
	h.broadcastToRooms([]string{room}, msg)
}

// broadcastToRooms delivers msg once per client even if it sits in several of the rooms.
func (h *Hub) broadcastToRooms(rooms []string, msg OutgoingMessage) {
	h.mu.RLock()
	seen := make(map[*Client]struct{})
	targets := make([]*Client, 0)
	for _, room := range rooms {
		for c := range h.rooms[room] {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, msg)
	}
}

func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case <-h.done:
		c.Close()
		return
	default:
	}
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
