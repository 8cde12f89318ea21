// Package broadcast pushes bus events to websocket subscribers grouped in
// per-instrument rooms.
package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"livestock_backend/models"
	"livestock_backend/services/events"
	"livestock_backend/services/metrics"
	"livestock_backend/services/snapshot"
)

// Constants for hub configuration
const (
	WebSocketWriteTimeout = 10 * time.Second
	WebSocketPongTimeout  = 60 * time.Second
	WebSocketPingInterval = 30 * time.Second
	maxMessageSize        = 512
	sendBufferSize        = 256

	RoomPrefix          = "stock-"
	maxRoomSymbolLen    = 15
	DefaultMaxClients   = 1000
	DefaultMaxConnPerIP = 20
)

// Server to client message types.
const (
	TypeDataUpdate        = "dataUpdate"
	TypePauseStateChanged = "pauseStateChanged"
	TypeTopMovers         = "topMovers"
	TypeAck               = "ack"
)

// Client to server actions.
const (
	ActionJoinRoom         = "joinRoom"
	ActionLeaveRoom        = "leaveRoom"
	ActionRequestTopMovers = "requestTopMovers"
)

var roomSymbolRe = regexp.MustCompile(`^[A-Z0-9.\-]+$`)

// ValidRoomSymbol reports whether s may be used as a room symbol.
func ValidRoomSymbol(s string) bool {
	return len(s) > 0 && len(s) <= maxRoomSymbolLen && roomSymbolRe.MatchString(s)
}

// RoomName is the room for an instrument.
func RoomName(symbol string) string {
	return RoomPrefix + symbol
}

// Message is one server to client frame.
type Message struct {
	Type   string      `json:"type"`
	Symbol string      `json:"symbol,omitempty"`
	Data   interface{} `json:"data"`
	Time   string      `json:"time"`
}

// Ack answers a joinRoom or leaveRoom command.
type Ack struct {
	Action  string `json:"action"`
	Symbol  string `json:"symbol"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type command struct {
	Action string `json:"action"`
	Symbol string `json:"symbol"`
}

// PauseSource exposes the current pause flag.
type PauseSource interface {
	PauseState() models.PauseState
}

// MoversSource exposes the latest top movers ranking.
type MoversSource interface {
	TopMovers() models.TopMovers
}

type Config struct {
	MaxClients   int
	MaxConnPerIP int
}

type Deps struct {
	Pause   PauseSource
	Movers  MoversSource
	Log     logrus.FieldLogger
	Metrics *metrics.Metrics
}

// Client is one websocket connection.
type Client struct {
	ID     string
	UserID string
	IP     string

	conn  *websocket.Conn
	send  chan []byte
	mu    sync.RWMutex
	rooms map[string]bool
}

// InRoom reports whether the client joined room.
func (c *Client) InRoom(room string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rooms[room]
}

type delivery struct {
	client *Client
	room   string
	user   string
	data   []byte
}

// Hub owns every connection. Registration, removal and fan-out all happen
// on the run goroutine.
type Hub struct {
	cfg     Config
	pause   PauseSource
	movers  MoversSource
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	clients    map[*Client]bool
	perIP      map[string]int
	register   chan *Client
	unregister chan *Client
	broadcast  chan delivery
	shutdown   chan struct{}
	once       sync.Once
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
}

func NewHub(cfg Config, deps Deps) *Hub {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = DefaultMaxClients
	}
	if cfg.MaxConnPerIP <= 0 {
		cfg.MaxConnPerIP = DefaultMaxConnPerIP
	}
	if deps.Log == nil {
		deps.Log = logrus.StandardLogger()
	}
	return &Hub{
		cfg:        cfg,
		pause:      deps.Pause,
		movers:     deps.Movers,
		log:        deps.Log.WithField("component", "broadcast"),
		metrics:    deps.Metrics,
		clients:    make(map[*Client]bool),
		perIP:      make(map[string]int),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan delivery, 256),
		shutdown:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Start launches the hub loop.
func (h *Hub) Start() {
	go h.run()
}

// Shutdown closes every connection and stops the loop.
func (h *Hub) Shutdown() {
	h.once.Do(func() {
		close(h.shutdown)

		h.mu.Lock()
		for client := range h.clients {
			close(client.send)
			client.conn.Close()
		}
		h.clients = make(map[*Client]bool)
		h.perIP = make(map[string]int)
		h.mu.Unlock()
		h.metrics.SetPushClients(0)
	})
}

func (h *Hub) run() {
	for {
		select {
		case <-h.shutdown:
			return

		case client := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= h.cfg.MaxClients || h.perIP[client.IP] >= h.cfg.MaxConnPerIP {
				h.mu.Unlock()
				client.conn.SetWriteDeadline(time.Now().Add(WebSocketWriteTimeout))
				client.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "Too many connections"))
				client.conn.Close()
				close(client.send)
				h.log.WithField("ip", client.IP).Warn("WebSocket client rejected: connection limit reached")
				continue
			}
			h.clients[client] = true
			h.perIP[client.IP]++
			h.greet(client)
			count := len(h.clients)
			h.mu.Unlock()
			h.metrics.SetPushClients(count)
			h.log.WithFields(logrus.Fields{"client": client.ID, "total": count}).Debug("WebSocket client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			count := len(h.clients)
			h.mu.Unlock()
			h.metrics.SetPushClients(count)
			h.log.WithFields(logrus.Fields{"client": client.ID, "total": count}).Debug("WebSocket client disconnected")

		case d := <-h.broadcast:
			h.mu.Lock()
			var dead []*Client
			for client := range h.clients {
				if d.client != nil && client != d.client {
					continue
				}
				if d.room != "" && !client.InRoom(d.room) {
					continue
				}
				if d.user != "" && client.UserID != d.user {
					continue
				}
				select {
				case client.send <- d.data:
				default:
					dead = append(dead, client)
				}
			}
			for _, client := range dead {
				h.removeLocked(client)
			}
			count := len(h.clients)
			h.mu.Unlock()
			if len(dead) > 0 {
				h.metrics.SetPushClients(count)
			}
		}
	}
}

func (h *Hub) removeLocked(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	if h.perIP[client.IP] <= 1 {
		delete(h.perIP, client.IP)
	} else {
		h.perIP[client.IP]--
	}
}

// greet replays the current pause state and, when there is one, the top
// movers ranking to a newly registered client. Must run on the hub loop
// with h.mu held.
func (h *Hub) greet(c *Client) {
	if h.pause != nil {
		h.write(c, Message{Type: TypePauseStateChanged, Data: h.pause.PauseState()})
	}
	if m, ok := h.currentMovers(); ok {
		h.write(c, Message{Type: TypeTopMovers, Data: m})
	}
}

func (h *Hub) currentMovers() (models.TopMovers, bool) {
	if h.movers == nil {
		return models.TopMovers{}, false
	}
	m := h.movers.TopMovers()
	return m, !snapshot.Empty(m)
}

func (h *Hub) write(c *Client, msg Message) {
	data, err := encode(msg)
	if err != nil {
		h.log.WithError(err).Error("Error marshaling websocket message")
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// reply queues a message for one client through the hub loop, which owns
// the send channels.
func (h *Hub) reply(c *Client, msg Message) {
	data, err := encode(msg)
	if err != nil {
		h.log.WithError(err).Error("Error marshaling websocket message")
		return
	}
	h.enqueue(delivery{client: c, data: data})
}

func encode(msg Message) ([]byte, error) {
	if msg.Time == "" {
		msg.Time = time.Now().UTC().Format(time.RFC3339)
	}
	return json.Marshal(msg)
}

func (h *Hub) enqueue(d delivery) {
	select {
	case h.broadcast <- d:
	case <-h.shutdown:
	}
}

// BroadcastAll sends a message to every client.
func (h *Hub) BroadcastAll(msgType string, data interface{}) {
	payload, err := encode(Message{Type: msgType, Data: data})
	if err != nil {
		h.log.WithError(err).Error("Error marshaling broadcast message")
		return
	}
	h.enqueue(delivery{data: payload})
}

// BroadcastRoom sends an instrument update to the clients in its room.
func (h *Hub) BroadcastRoom(symbol, msgType string, data interface{}) {
	symbol = strings.ToUpper(symbol)
	if !ValidRoomSymbol(symbol) {
		h.log.WithField("symbol", symbol).Warn("Invalid stock symbol for broadcast")
		return
	}
	payload, err := encode(Message{Type: msgType, Symbol: symbol, Data: data})
	if err != nil {
		h.log.WithError(err).Error("Error marshaling room message")
		return
	}
	h.enqueue(delivery{room: RoomName(symbol), data: payload})
}

// SendToUser sends a message to every connection of one user.
func (h *Hub) SendToUser(userID, msgType string, data interface{}) {
	if userID == "" {
		return
	}
	payload, err := encode(Message{Type: msgType, Data: data})
	if err != nil {
		h.log.WithError(err).Error("Error marshaling user message")
		return
	}
	h.enqueue(delivery{user: userID, data: payload})
}

// Follow forwards bus events until ctx is done or ch is closed. Room
// updates are held back while live updates are paused.
func (h *Hub) Follow(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.Kind {
			case events.KindDataUpdate:
				if h.pause != nil && h.pause.PauseState().Paused {
					continue
				}
				h.BroadcastRoom(ev.Symbol, TypeDataUpdate, ev.Data)
			case events.KindPauseStateChanged:
				h.BroadcastAll(TypePauseStateChanged, ev.Data)
			case events.KindTopMovers:
				h.BroadcastAll(TypeTopMovers, ev.Data)
			}
		}
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades an authenticated request. userID comes from the
// verified token and ip is the caller address as resolved by the router.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, userID, ip string) {
	h.mu.RLock()
	atCapacity := len(h.clients) >= h.cfg.MaxClients
	tooMany := h.perIP[ip] >= h.cfg.MaxConnPerIP
	h.mu.RUnlock()

	if atCapacity {
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}
	if tooMany {
		http.Error(w, "Too many connections", http.StatusTooManyRequests)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("WebSocket upgrade error")
		return
	}

	client := &Client{
		ID:     uuid.NewString(),
		UserID: userID,
		IP:     ip,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		rooms:  make(map[string]bool),
	}

	select {
	case h.register <- client:
	case <-h.shutdown:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(h)
}

// writePump writes messages to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(WebSocketWriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(WebSocketWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads commands from the WebSocket connection
func (c *Client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.shutdown:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(WebSocketPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(WebSocketPongTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.WithField("client", c.ID).WithError(err).Debug("WebSocket read error")
			}
			break
		}

		var cmd command
		if err := json.Unmarshal(message, &cmd); err != nil {
			continue
		}

		switch cmd.Action {
		case ActionJoinRoom:
			ack := Ack{Action: cmd.Action, Symbol: cmd.Symbol}
			if ValidRoomSymbol(cmd.Symbol) {
				c.mu.Lock()
				c.rooms[RoomName(cmd.Symbol)] = true
				c.mu.Unlock()
				ack.Success = true
			} else {
				ack.Error = "Invalid stock symbol"
			}
			h.reply(c, Message{Type: TypeAck, Data: ack})
		case ActionLeaveRoom:
			ack := Ack{Action: cmd.Action, Symbol: cmd.Symbol}
			if ValidRoomSymbol(cmd.Symbol) {
				c.mu.Lock()
				delete(c.rooms, RoomName(cmd.Symbol))
				c.mu.Unlock()
				ack.Success = true
			} else {
				ack.Error = "Invalid stock symbol"
			}
			h.reply(c, Message{Type: TypeAck, Data: ack})
		case ActionRequestTopMovers:
			if m, ok := h.currentMovers(); ok {
				h.reply(c, Message{Type: TypeTopMovers, Data: m})
			}
		}
	}
}
