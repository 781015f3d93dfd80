package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"ai-research-be/internal/pkg/logger"
	"ai-research-be/pkg/events"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ClusterChannel carries frames for clients connected to other instances.
const ClusterChannel = "cluster_events"

// DisconnectHook runs after a client leaves the hub.
type DisconnectHook func(clientID string)

type Hub struct {
	// Registered clients: clientId -> connection. One socket per id.
	clients map[string]*Client

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu sync.RWMutex

	// Redis connection for cross-instance delivery
	rdb        *redis.Client
	instanceID string

	hooksMu sync.Mutex
	hooks   []DisconnectHook

	logger logger.ILogger
}

type clusterFrame struct {
	Origin         string          `json:"origin"`
	TargetClientID string          `json:"target_client_id"`
	Message        json.RawMessage `json:"message"`
}

func NewHub(rdb *redis.Client, log logger.ILogger) *Hub {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[string]*Client),
		rdb:        rdb,
		instanceID: uuid.NewString(),
		logger:     log,
	}
}

// OnDisconnect registers a hook called with the clientId of every socket
// that goes away.
func (h *Hub) OnDisconnect(hook DisconnectHook) {
	h.hooksMu.Lock()
	h.hooks = append(h.hooks, hook)
	h.hooksMu.Unlock()
}

// Register hands a new connection to the hub. It returns false once the
// hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Run owns the client map until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	if h.rdb != nil {
		go h.subscribeToRedis(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			// handshake goes out before anything else on this socket
			client.Send <- handshakeFrame(client.ID)
			h.clients[client.ID] = client
			h.mu.Unlock()
			h.logger.Info("Hub", "Client registered", map[string]interface{}{"client_id": client.ID})

		case client := <-h.unregister:
			h.mu.Lock()
			current, ok := h.clients[client.ID]
			if ok && current == client {
				delete(h.clients, client.ID)
				close(client.Send)
			}
			h.mu.Unlock()
			if ok && current == client {
				h.logger.Info("Hub", "Client unregistered", map[string]interface{}{"client_id": client.ID})
				h.fireDisconnect(client.ID)
			}
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		close(c.Send)
		delete(h.clients, id)
	}
}

func (h *Hub) fireDisconnect(clientID string) {
	h.hooksMu.Lock()
	hooks := append([]DisconnectHook(nil), h.hooks...)
	h.hooksMu.Unlock()
	for _, hook := range hooks {
		hook(clientID)
	}
}

func handshakeFrame(clientID string) []byte {
	data, _ := json.Marshal(map[string]string{"clientId": clientID})
	return data
}

// Connected reports whether clientID has a socket on this instance.
func (h *Hub) Connected(clientID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[clientID]
	return ok
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SendTo delivers data to clientID: locally when the socket is here,
// otherwise through Redis so the owning instance can deliver it.
func (h *Hub) SendTo(clientID string, data []byte) {
	if h.deliverLocal(clientID, data) {
		return
	}
	if h.rdb == nil {
		h.logger.Debug("Hub", "No socket for client, dropping frame", map[string]interface{}{"client_id": clientID})
		return
	}
	payload, _ := json.Marshal(clusterFrame{Origin: h.instanceID, TargetClientID: clientID, Message: data})
	if err := h.rdb.Publish(context.Background(), ClusterChannel, payload).Err(); err != nil {
		h.logger.Warn("Hub", "Cluster publish failed", map[string]interface{}{"client_id": clientID, "error": err.Error()})
	}
}

// deliverLocal never blocks: a client whose buffer is full loses the frame.
func (h *Hub) deliverLocal(clientID string, data []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	client, ok := h.clients[clientID]
	if !ok {
		return false
	}
	select {
	case client.Send <- data:
	default:
		h.logger.Warn("Hub", "Client Send buffer full, dropping frame", map[string]interface{}{"client_id": clientID})
	}
	return true
}

// Sink binds progress events of one turn to one client.
func (h *Hub) Sink(clientID string) events.Sink {
	return events.SinkFunc(func(ev events.ProgressEvent) {
		h.SendTo(clientID, ev.Marshal())
	})
}

func (h *Hub) subscribeToRedis(ctx context.Context) {
	pubsub := h.rdb.Subscribe(ctx, ClusterChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var frame clusterFrame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				h.logger.Warn("Hub", "Cluster frame parse error", map[string]interface{}{"error": err.Error()})
				continue
			}
			if frame.Origin == h.instanceID {
				continue
			}
			h.deliverLocal(frame.TargetClientID, frame.Message)
		}
	}
}
