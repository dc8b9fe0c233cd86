package ws

import (
	"log/slog"
	"sync"
)

const defaultBuffer = 64

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans out agent log payloads to subscribers keyed by deployment id.
// Each subscriber has its own bounded queue and writer goroutine, so a slow
// client drops messages instead of stalling publishers.
type Hub struct {
	mu      sync.Mutex
	streams map[string]map[Subscriber]chan []byte
	buffer  int
	log     *slog.Logger
	closed  bool
	wg      sync.WaitGroup
}

// NewHub creates a Hub whose subscriber queues hold buffer messages.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		streams: make(map[string]map[Subscriber]chan []byte),
		buffer:  buffer,
		log:     logger,
	}
}

// Register adds a client to a deployment stream.
func (h *Hub) Register(deploymentID string, client Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		client.Close()
		return
	}
	clients, ok := h.streams[deploymentID]
	if !ok {
		clients = make(map[Subscriber]chan []byte)
		h.streams[deploymentID] = clients
	}
	if _, exists := clients[client]; exists {
		return
	}
	queue := make(chan []byte, h.buffer)
	clients[client] = queue
	h.wg.Add(1)
	go h.pump(deploymentID, client, queue)
}

// Unregister removes a client and closes it once its queue drains.
func (h *Hub) Unregister(deploymentID string, client Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(deploymentID, client)
}

// Broadcast queues payload for every subscriber of the deployment and
// returns how many accepted it.
func (h *Hub) Broadcast(deploymentID string, payload []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	delivered := 0
	for _, queue := range h.streams[deploymentID] {
		select {
		case queue <- payload:
			delivered++
		default:
			h.log.Warn("stream subscriber lagging, message dropped", "deployment_id", deploymentID)
		}
	}
	return delivered
}

// CloseStream ends every subscription for the deployment after pending
// messages are written.
func (h *Hub) CloseStream(deploymentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.streams[deploymentID] {
		h.removeLocked(deploymentID, client)
	}
}

// Subscribers returns the number of clients following the deployment.
func (h *Hub) Subscribers(deploymentID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams[deploymentID])
}

// Shutdown closes every stream and waits for writers to finish.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	for id, clients := range h.streams {
		for client := range clients {
			h.removeLocked(id, client)
		}
	}
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *Hub) removeLocked(deploymentID string, client Subscriber) {
	clients, ok := h.streams[deploymentID]
	if !ok {
		return
	}
	queue, ok := clients[client]
	if !ok {
		return
	}
	delete(clients, client)
	close(queue)
	if len(clients) == 0 {
		delete(h.streams, deploymentID)
	}
}

func (h *Hub) pump(deploymentID string, client Subscriber, queue <-chan []byte) {
	defer h.wg.Done()
	defer client.Close()
	for payload := range queue {
		if err := client.Send(payload); err != nil {
			h.log.Debug("stream subscriber send failed", "deployment_id", deploymentID, "error", err)
			h.Unregister(deploymentID, client)
			return
		}
	}
}
