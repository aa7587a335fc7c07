package gateway

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/openclaw/openclaw/core/infra/logging"
)

// outboundBuffer bounds each connection's send queue. Droppable events are
// discarded on overflow; anything else overflowing evicts the client.
const outboundBuffer = 256

// Roles a connection can authenticate as.
const (
	RoleOperator = "operator"
	RoleNode     = "node"
)

// Client is one live connection's identity and send queue. TenantID is
// empty for control-plane connections.
type Client struct {
	ID       string
	TenantID string
	RemoteIP string
	Role     string
	Scopes   []string

	outbound  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// NewClient allocates a client with a fresh connection id.
func NewClient(tenantID, remoteIP, role string, scopes []string) *Client {
	return &Client{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		RemoteIP: remoteIP,
		Role:     role,
		Scopes:   scopes,
		outbound: make(chan []byte, outboundBuffer),
		closed:   make(chan struct{}),
	}
}

// HasScope reports whether the connection carries the scope.
func (c *Client) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Outbound is drained by the connection's writer goroutine.
func (c *Client) Outbound() <-chan []byte { return c.outbound }

// Done closes when the client has been evicted or disconnected.
func (c *Client) Done() <-chan struct{} { return c.closed }

// Close makes further sends no-ops. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// send enqueues a frame. Returns false when the frame could not be
// queued: the client is gone, or the buffer is full.
func (c *Client) send(data []byte, dropIfSlow bool) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	if dropIfSlow {
		select {
		case c.outbound <- data:
			return true
		default:
			return false
		}
	}
	select {
	case c.outbound <- data:
		return true
	case <-c.closed:
		return false
	default:
		// Non-droppable overflow: the consumer is stuck.
		return false
	}
}

// ClientRegistry tracks the active connection set. Broadcast iterates a
// copy so slow sends never hold the lock.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: map[string]*Client{}}
}

func (r *ClientRegistry) Add(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.ID] = c
}

func (r *ClientRegistry) Remove(connID string) {
	r.mu.Lock()
	c, ok := r.clients[connID]
	delete(r.clients, connID)
	r.mu.Unlock()
	if ok {
		c.Close()
	}
}

func (r *ClientRegistry) Get(connID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[connID]
	return c, ok
}

func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

func (r *ClientRegistry) snapshot() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

// ForEach visits a snapshot of the current clients.
func (r *ClientRegistry) ForEach(fn func(*Client)) {
	for _, c := range r.snapshot() {
		fn(c)
	}
}

// ByIP returns the connections that originated from the given IP.
func (r *ClientRegistry) ByIP(ip string) []*Client {
	var out []*Client
	for _, c := range r.snapshot() {
		if c.RemoteIP == ip {
			out = append(out, c)
		}
	}
	return out
}

// HasAuthorizedForIP reports whether any connection, tenant or not, came
// from the given IP.
func (r *ClientRegistry) HasAuthorizedForIP(ip string) bool {
	return len(r.ByIP(ip)) > 0
}

// CloseTenant evicts every connection bound to the tenant. Returns the
// number closed.
func (r *ClientRegistry) CloseTenant(tenantID string) int {
	n := 0
	for _, c := range r.snapshot() {
		if c.TenantID == tenantID {
			r.Remove(c.ID)
			n++
		}
	}
	return n
}

func encodeEvent(event string, payload any) ([]byte, bool) {
	data, err := json.Marshal(EventFrame{Event: event, Payload: payload})
	if err != nil {
		logging.Error("gateway", "event encode failed", "event", event, "error", err)
		return nil, false
	}
	return data, true
}

// Broadcast fans an event out to every connection.
func (r *ClientRegistry) Broadcast(event string, payload any, dropIfSlow bool) {
	data, ok := encodeEvent(event, payload)
	if !ok {
		return
	}
	for _, c := range r.snapshot() {
		r.deliver(c, data, dropIfSlow)
	}
}

// BroadcastToConns restricts the fan-out to the given connection ids.
func (r *ClientRegistry) BroadcastToConns(event string, payload any, connIDs []string, dropIfSlow bool) {
	data, ok := encodeEvent(event, payload)
	if !ok {
		return
	}
	for _, id := range connIDs {
		if c, found := r.Get(id); found {
			r.deliver(c, data, dropIfSlow)
		}
	}
}

func (r *ClientRegistry) deliver(c *Client, data []byte, dropIfSlow bool) {
	if c.send(data, dropIfSlow) || dropIfSlow {
		return
	}
	// Stuck consumer on a non-droppable frame: evict.
	logging.Warn("gateway", "evicting slow client", "conn", c.ID, "tenant", c.TenantID)
	r.Remove(c.ID)
}
