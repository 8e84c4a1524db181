package api

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/leshun/autopost/backend/engine"
)

// ClientMessage represents a message from client to server
type ClientMessage struct {
	Action string `json:"action"` // "subscribe", "unsubscribe", "ping"
	TaskID string `json:"task_id"`
}

// ServerMessage represents a message from server to client
type ServerMessage struct {
	Type     string `json:"type"` // "progress", "complete", "error"
	TaskID   string `json:"task_id"`
	FileName string `json:"file_name,omitempty"`
	Category string `json:"category,omitempty"`
	Executed int    `json:"executed"`
	Failed   int    `json:"failed"`
	Time     string `json:"time"`
}

// Client represents a connected WebSocket client
type Client struct {
	conn           *websocket.Conn
	subscribedTask string
	lastActivity   time.Time
	send           chan ServerMessage
	mu             sync.Mutex
}

// WebSocketHub fans submission progress out to subscribed browsers. It
// satisfies engine.Notifier, so the coordinator can publish events without
// knowing about connections.
type WebSocketHub struct {
	clients         map[*Client]bool
	taskSubscribers map[string][]*Client

	register   chan *Client
	unregister chan *Client

	mu     sync.RWMutex
	stopCh chan struct{}
	log    zerolog.Logger
}

var _ engine.Notifier = (*WebSocketHub)(nil)

// NewWebSocketHub creates a new WebSocket hub
func NewWebSocketHub(log zerolog.Logger) *WebSocketHub {
	hub := &WebSocketHub{
		clients:         make(map[*Client]bool),
		taskSubscribers: make(map[string][]*Client),
		register:        make(chan *Client, 16),
		unregister:      make(chan *Client, 16),
		stopCh:          make(chan struct{}),
		log:             log.With().Str("component", "wshub").Logger(),
	}

	go hub.run()
	go hub.cleanupIdleClients()

	return hub
}

// Notify publishes a submission event to every client watching its task.
// Slow clients are skipped rather than blocking the submission loop.
func (h *WebSocketHub) Notify(ev engine.Event) {
	msgType := "progress"
	if ev.Error != "" {
		msgType = "error"
	}
	h.sendToTaskSubscribers(ev.TaskID, ServerMessage{
		Type:     msgType,
		TaskID:   ev.TaskID,
		FileName: ev.FileName,
		Category: ev.CategoryLabel,
		Executed: ev.Executed,
		Failed:   ev.Failed,
		Time:     ev.Time.Format(time.RFC3339),
	})
}

// run handles the main event loop
func (h *WebSocketHub) run() {
	for {
		select {
		case <-h.stopCh:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// removeClient removes a client from all subscriptions
func (h *WebSocketHub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}

	delete(h.clients, client)

	if client.subscribedTask != "" {
		clients := h.taskSubscribers[client.subscribedTask]
		for i, c := range clients {
			if c == client {
				h.taskSubscribers[client.subscribedTask] = append(clients[:i], clients[i+1:]...)
				break
			}
		}

		if len(h.taskSubscribers[client.subscribedTask]) == 0 {
			delete(h.taskSubscribers, client.subscribedTask)
		}
	}

	close(client.send)
}

// subscribeClient subscribes a client to a task
func (h *WebSocketHub) subscribeClient(client *Client, taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if client.subscribedTask != "" && client.subscribedTask != taskID {
		clients := h.taskSubscribers[client.subscribedTask]
		for i, c := range clients {
			if c == client {
				h.taskSubscribers[client.subscribedTask] = append(clients[:i], clients[i+1:]...)
				break
			}
		}
	}

	client.subscribedTask = taskID
	client.lastActivity = time.Now()
	h.taskSubscribers[taskID] = append(h.taskSubscribers[taskID], client)

	h.log.Debug().Str("task", taskID).Int("subscribers", len(h.taskSubscribers[taskID])).Msg("client subscribed")
}

// sendToTaskSubscribers sends a message to all clients subscribed to the task
func (h *WebSocketHub) sendToTaskSubscribers(taskID string, msg ServerMessage) {
	h.mu.RLock()
	clients := make([]*Client, len(h.taskSubscribers[taskID]))
	copy(clients, h.taskSubscribers[taskID])
	h.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	for _, client := range clients {
		select {
		case client.send <- msg:
			client.mu.Lock()
			client.lastActivity = time.Now()
			client.mu.Unlock()
		default:
			// Channel full, client is slow, skip
			h.log.Warn().Str("task", taskID).Msg("client send channel full")
		}
	}
}

// BroadcastTaskComplete notifies clients that a task has finished, then
// closes their connections once the message has had time to flush.
func (h *WebSocketHub) BroadcastTaskComplete(taskID string) {
	h.sendToTaskSubscribers(taskID, ServerMessage{
		Type:   "complete",
		TaskID: taskID,
		Time:   time.Now().Format(time.RFC3339),
	})

	time.AfterFunc(2*time.Second, func() {
		h.closeTaskConnections(taskID)
	})
}

// closeTaskConnections closes all WebSocket connections for a specific task
func (h *WebSocketHub) closeTaskConnections(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := h.taskSubscribers[taskID]
	for _, client := range clients {
		select {
		case client.send <- ServerMessage{
			Type:   "close",
			TaskID: taskID,
		}:
		default:
		}
	}

	delete(h.taskSubscribers, taskID)
}

// cleanupIdleClients periodically checks for idle clients and closes them
func (h *WebSocketHub) cleanupIdleClients() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.checkIdleClients()
		}
	}
}

// checkIdleClients removes clients that have been idle for too long
func (h *WebSocketHub) checkIdleClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	idleTimeout := 5 * time.Minute
	now := time.Now()

	for taskID, clients := range h.taskSubscribers {
		activeClients := make([]*Client, 0, len(clients))

		for _, client := range clients {
			client.mu.Lock()
			lastActivity := client.lastActivity
			client.mu.Unlock()

			if now.Sub(lastActivity) > idleTimeout {
				close(client.send)
				delete(h.clients, client)
			} else {
				activeClients = append(activeClients, client)
			}
		}

		if len(activeClients) == 0 {
			delete(h.taskSubscribers, taskID)
		} else {
			h.taskSubscribers[taskID] = activeClients
		}
	}
}

// Stop stops the WebSocket hub
func (h *WebSocketHub) Stop() {
	close(h.stopCh)
}

// HandleWebSocket upgrades the connection and pumps messages
func (s *Server) HandleWebSocket(c *fiber.Ctx) error {
	return websocket.New(func(conn *websocket.Conn) {
		defer conn.Close()

		client := &Client{
			conn:         conn,
			lastActivity: time.Now(),
			send:         make(chan ServerMessage, 16),
		}

		s.wsHub.register <- client

		go client.writePump(s.wsHub)
		client.readPump(s.wsHub)

		s.wsHub.unregister <- client
	})(c)
}

// readPump reads messages from the WebSocket connection
func (c *Client) readPump(hub *WebSocketHub) {
	for {
		var msg ClientMessage
		err := c.conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				hub.log.Debug().Err(err).Msg("websocket read error")
			}
			break
		}

		c.mu.Lock()
		c.lastActivity = time.Now()
		c.mu.Unlock()

		switch msg.Action {
		case "subscribe":
			if msg.TaskID != "" {
				hub.subscribeClient(c, msg.TaskID)
				c.send <- ServerMessage{
					Type:   "subscribed",
					TaskID: msg.TaskID,
					Time:   time.Now().Format(time.RFC3339),
				}
			}

		case "unsubscribe":
			hub.unregister <- c

		case "ping":
			c.send <- ServerMessage{
				Type: "pong",
				Time: time.Now().Format(time.RFC3339),
			}
		}
	}
}

// writePump writes messages to the WebSocket connection
func (c *Client) writePump(hub *WebSocketHub) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if msg.Type == "close" {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(msg); err != nil {
				hub.log.Debug().Err(err).Msg("websocket write error")
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
