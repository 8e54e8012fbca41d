package dispatch

import (
	"log/slog"
	"sync"
)

// responseBuffer bounds how many pending responses a slow client handler
// can accumulate before the dispatcher starts dropping them, keeping the
// engine's single-writer loop from ever blocking on a client.
const responseBuffer = 64

// ClientRegistry is the Controller's side of the per-client fan-out: it
// owns the producer side of each client's response channel. The
// per-connection handler owns the consumer side and unregisters on
// exit, which is the normal teardown path, not an error.
type ClientRegistry struct {
	mu      sync.Mutex
	clients map[uint64]chan QueryResponse
	logger  *slog.Logger
}

// NewClientRegistry creates an empty registry.
func NewClientRegistry(logger *slog.Logger) *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[uint64]chan QueryResponse),
		logger:  logger.With("component", "dispatch"),
	}
}

// Register creates and returns the response channel for a newly accepted
// client connection.
func (r *ClientRegistry) Register(clientID uint64) <-chan QueryResponse {
	ch := make(chan QueryResponse, responseBuffer)
	r.mu.Lock()
	r.clients[clientID] = ch
	r.mu.Unlock()
	return ch
}

// Unregister removes a client's response channel. Safe to call once the
// connection handler has exited; any response sent afterwards is dropped.
func (r *ClientRegistry) Unregister(clientID uint64) {
	r.mu.Lock()
	delete(r.clients, clientID)
	r.mu.Unlock()
}

// Send routes a response to its originating client. If the client has
// disconnected or its buffer is full, the response is dropped with a
// debug log.
func (r *ClientRegistry) Send(resp QueryResponse) {
	r.mu.Lock()
	ch, ok := r.clients[resp.ClientID]
	r.mu.Unlock()

	if !ok {
		r.logger.Debug("dropping response for disconnected client", "client_id", resp.ClientID, "request_id", resp.RequestID)
		return
	}

	select {
	case ch <- resp:
	default:
		r.logger.Debug("dropping response, client buffer full", "client_id", resp.ClientID, "request_id", resp.RequestID)
	}
}
