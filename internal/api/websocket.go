package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-mig/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-mig/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-mig/internal/mig"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

// WebSocket channels. They carry notifications of the matching kind.
const (
	ChannelPropertyChanged = string(mig.KindPropertyChanged)
	ChannelModulesChanged  = string(mig.KindModulesChanged)
)

// outboxSize is the per-client queue depth. A client that falls further
// behind loses events rather than slowing the broadcast.
const outboxSize = 256

// WSMessage is the envelope of every frame sent to a client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// wsRequest is a frame received from a client. The payload is decoded by
// the handler for its type.
type wsRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// WSSubscribePayload selects channels and, optionally, the domains whose
// notifications the client wants. No domains means all of them.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
	Domains  []string `json:"domains,omitempty"`
}

var knownChannels = map[string]bool{
	ChannelPropertyChanged: true,
	ChannelModulesChanged:  true,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are checked by the CORS middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub tracks connected clients and fans notifications out to them.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu      sync.Mutex
	clients map[string]*wsClient

	dropped atomic.Uint64
}

// NewHub creates an empty hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[string]*wsClient),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Notify forwards a notification on the channel named by its kind. It is
// subscribed to the emitter and never blocks.
func (h *Hub) Notify(n mig.Notification) {
	h.Broadcast(string(n.Kind), n.Domain, n)
}

// Broadcast queues payload for every client whose subscription matches
// channel and domain.
func (h *Hub) Broadcast(channel, domain string, payload any) {
	frame, err := encodeFrame(WSMessage{Type: WSTypeEvent, EventType: channel, Payload: payload})
	if err != nil {
		h.logger.Error("encoding websocket event", "channel", channel, "error", err)
		return
	}

	for _, c := range h.snapshot() {
		if c.filter.matches(channel, domain) && !c.enqueue(frame) {
			h.dropped.Add(1)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns how many events were discarded for slow clients.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *Hub) snapshot() []*wsClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*wsClient, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *Hub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "client", c.id, "clients", n)
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c.id)
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client disconnected", "client", c.id, "clients", n)
}

func (h *Hub) closeAll() {
	for _, c := range h.snapshot() {
		c.close()
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &wsClient{
		id:     uuid.NewString(),
		hub:    s.hub,
		conn:   conn,
		outbox: make(chan []byte, outboxSize),
		ctx:    ctx,
		cancel: cancel,
	}
	s.hub.add(c)

	go c.writeLoop()
	go c.readLoop()
}

// subscription is the set of channels and domains a client listens to.
type subscription struct {
	mu       sync.RWMutex
	channels map[string]bool
	domains  map[string]bool
}

func (f *subscription) matches(channel, domain string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.channels[channel] {
		return false
	}
	return len(f.domains) == 0 || f.domains[domain]
}

// add subscribes to channels and replaces the domain filter.
func (f *subscription) add(channels, domains []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.channels == nil {
		f.channels = make(map[string]bool)
	}
	for _, ch := range channels {
		f.channels[ch] = true
	}
	f.domains = make(map[string]bool, len(domains))
	for _, d := range domains {
		f.domains[d] = true
	}
}

func (f *subscription) remove(channels []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range channels {
		delete(f.channels, ch)
	}
}

// wsClient is one connection. The write loop is the only writer to conn;
// everything else goes through the outbox.
type wsClient struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	outbox chan []byte
	filter subscription

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

type requestHandler func(c *wsClient, req wsRequest)

var requestHandlers = map[string]requestHandler{
	WSTypeSubscribe:   (*wsClient).subscribe,
	WSTypeUnsubscribe: (*wsClient).unsubscribe,
	WSTypePing: func(c *wsClient, req wsRequest) {
		c.reply(WSMessage{Type: WSTypePong, ID: req.ID})
	},
}

// enqueue reports false when the client is gone or its outbox is full.
func (c *wsClient) enqueue(frame []byte) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.outbox <- frame:
		return true
	default:
		return false
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.conn.Close()
		c.hub.remove(c)
	})
}

func (c *wsClient) readLoop() {
	defer c.close()

	cfg := c.hub.cfg
	idle := time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second
	extend := func(string) error { return c.conn.SetReadDeadline(time.Now().Add(idle)) }

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	if err := extend(""); err != nil {
		return
	}
	c.conn.SetPongHandler(extend)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "client", c.id, "error", err)
			}
			return
		}
		if err := extend(""); err != nil {
			return
		}
		c.dispatch(data)
	}
}

func (c *wsClient) writeLoop() {
	cfg := c.hub.cfg
	ping := time.NewTicker(time.Duration(cfg.PingInterval) * time.Second)
	defer ping.Stop()
	defer c.close()

	writeWait := time.Duration(cfg.PongTimeout) * time.Second
	write := func(kind int, data []byte) error {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return err
		}
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case <-c.ctx.Done():
			//nolint:errcheck // best-effort close frame
			write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case frame := <-c.outbox:
			if err := write(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ping.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) dispatch(data []byte) {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.fail("", "invalid JSON message")
		return
	}
	handle, ok := requestHandlers[req.Type]
	if !ok {
		c.fail(req.ID, "unknown message type: "+req.Type)
		return
	}
	handle(c, req)
}

func (c *wsClient) subscribe(req wsRequest) {
	sub, ok := c.decodeSubscription(req)
	if !ok {
		return
	}
	for _, ch := range sub.Channels {
		if !knownChannels[ch] {
			c.fail(req.ID, "unknown channel: "+ch)
			return
		}
	}

	c.filter.add(sub.Channels, sub.Domains)
	c.reply(WSMessage{Type: WSTypeResponse, ID: req.ID, Payload: map[string]any{
		"subscribed": sub.Channels,
		"domains":    sub.Domains,
	}})
}

func (c *wsClient) unsubscribe(req wsRequest) {
	sub, ok := c.decodeSubscription(req)
	if !ok {
		return
	}

	c.filter.remove(sub.Channels)
	c.reply(WSMessage{Type: WSTypeResponse, ID: req.ID, Payload: map[string]any{
		"unsubscribed": sub.Channels,
	}})
}

func (c *wsClient) decodeSubscription(req wsRequest) (WSSubscribePayload, bool) {
	var sub WSSubscribePayload
	if len(req.Payload) == 0 || json.Unmarshal(req.Payload, &sub) != nil {
		c.fail(req.ID, "invalid subscription payload")
		return sub, false
	}
	return sub, true
}

func (c *wsClient) reply(msg WSMessage) {
	frame, err := encodeFrame(msg)
	if err != nil {
		c.hub.logger.Error("encoding websocket reply", "client", c.id, "error", err)
		return
	}
	c.enqueue(frame)
}

func (c *wsClient) fail(id, message string) {
	c.reply(WSMessage{Type: WSTypeError, ID: id, Payload: map[string]string{"message": message}})
}

func encodeFrame(msg WSMessage) ([]byte, error) {
	msg.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	return json.Marshal(msg)
}
