// Package hub tracks live client connections, groups them by tenant and fans
// server events out to the matching group.
package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	eventBuffer              = 100
	defaultHeartbeatInterval = 30 * time.Second
)

// ErrClosed is returned by Connect after Close.
var ErrClosed = errors.New("hub closed")

// Publisher is the outbound half of the hub used by jobs and request handlers.
type Publisher interface {
	Publish(tenantID string, name EventName, payload any) int
}

// Observer receives connection and delivery counts.
type Observer interface {
	ConnectionsChanged(n int)
	EventPublished(name string, delivered, dropped int)
}

// Connection is one live client. Events is closed on disconnect.
type Connection struct {
	ID     string
	Events chan Event
	Done   chan struct{}

	tenantID string
}

// Option customises a Hub.
type Option func(*Hub)

// WithHeartbeat changes the heartbeat interval; zero disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(h *Hub) { h.heartbeatEvery = d }
}

// WithObserver attaches a metrics sink.
func WithObserver(o Observer) Option {
	return func(h *Hub) { h.observer = o }
}

// Hub is safe for concurrent use by many connections and publishers.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	groups map[string]map[string]*Connection // tenantID -> connectionID -> connection
	closed bool

	heartbeatEvery time.Duration
	observer       Observer
	logger         *zap.Logger
	done           chan struct{}
	closeOnce      sync.Once
}

// New creates a hub and starts its heartbeat loop.
func New(logger *zap.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		conns:          make(map[string]*Connection),
		groups:         make(map[string]map[string]*Connection),
		heartbeatEvery: defaultHeartbeatInterval,
		logger:         logger.Named("hub"),
		done:           make(chan struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	if h.heartbeatEvery > 0 {
		go h.sendHeartbeats(h.heartbeatEvery)
	}
	return h
}

// Connect registers a connection with no group membership. An empty id gets a
// generated one; connecting an id twice returns the existing connection.
func (h *Hub) Connect(id string) (*Connection, error) {
	if id == "" {
		id = uuid.New().String()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}
	if c, ok := h.conns[id]; ok {
		return c, nil
	}
	c := &Connection{
		ID:     id,
		Events: make(chan Event, eventBuffer),
		Done:   make(chan struct{}),
	}
	h.conns[id] = c
	h.logger.Debug("connection opened", zap.String("connection_id", id))
	h.notifyConnections()
	return c, nil
}

// Disconnect drops the connection and all its memberships. Unknown ids are
// ignored.
func (h *Hub) Disconnect(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[id]
	if !ok {
		return
	}
	h.removeFromGroup(c)
	delete(h.conns, id)
	close(c.Done)
	close(c.Events)
	h.logger.Debug("connection closed", zap.String("connection_id", id))
	h.notifyConnections()
}

// JoinTenantGroup puts the connection in tenantID's group, leaving any group
// it was in before. Unknown connections and repeated joins are no-ops. It
// reports whether the connection is now a member.
func (h *Hub) JoinTenantGroup(connectionID, tenantID string) bool {
	if tenantID == "" {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[connectionID]
	if !ok {
		return false
	}
	if c.tenantID == tenantID {
		return true
	}
	h.removeFromGroup(c)

	group := h.groups[tenantID]
	if group == nil {
		group = make(map[string]*Connection)
		h.groups[tenantID] = group
	}
	group[connectionID] = c
	c.tenantID = tenantID
	h.logger.Debug("joined tenant group", zap.String("connection_id", connectionID), zap.String("tenant_id", tenantID))
	return true
}

// LeaveTenantGroup removes the connection from tenantID's group if it is a
// member there. Anything else is a no-op.
func (h *Hub) LeaveTenantGroup(connectionID, tenantID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[connectionID]
	if !ok || c.tenantID != tenantID {
		return
	}
	h.removeFromGroup(c)
}

// removeFromGroup must be called with h.mu held for writing.
func (h *Hub) removeFromGroup(c *Connection) {
	if c.tenantID == "" {
		return
	}
	if group, ok := h.groups[c.tenantID]; ok {
		delete(group, c.ID)
		if len(group) == 0 {
			delete(h.groups, c.tenantID)
		}
	}
	c.tenantID = ""
}

// Publish delivers an event to every connection currently in tenantID's
// group and returns how many received it. It never blocks: connections whose
// buffer is full miss the event.
func (h *Hub) Publish(tenantID string, name EventName, payload any) int {
	ev := Event{Name: name, TenantID: tenantID, Payload: payload, At: time.Now().UTC()}

	h.mu.RLock()
	var delivered, dropped int
	for _, c := range h.groups[tenantID] {
		select {
		case c.Events <- ev:
			delivered++
		default:
			dropped++
		}
	}
	h.mu.RUnlock()

	if dropped > 0 {
		h.logger.Warn("dropped events for slow connections",
			zap.String("tenant_id", tenantID),
			zap.String("event", string(name)),
			zap.Int("dropped", dropped),
		)
	}
	if h.observer != nil {
		h.observer.EventPublished(string(name), delivered, dropped)
	}
	return delivered
}

// Notify sends an event to a single connection regardless of group.
func (h *Hub) Notify(connectionID string, name EventName, payload any) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	c, ok := h.conns[connectionID]
	if !ok {
		return false
	}
	select {
	case c.Events <- Event{Name: name, TenantID: c.tenantID, Payload: payload, At: time.Now().UTC()}:
		return true
	default:
		return false
	}
}

// TenantOf returns the group the connection is in, or "".
func (h *Hub) TenantOf(connectionID string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c, ok := h.conns[connectionID]; ok {
		return c.tenantID
	}
	return ""
}

// SubscriberCount returns the size of tenantID's group.
func (h *Hub) SubscriberCount(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[tenantID])
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) sendHeartbeats(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now().UTC()
			h.mu.RLock()
			for tenantID, group := range h.groups {
				ev := Event{Name: EventHeartbeat, TenantID: tenantID, At: now}
				for _, c := range group {
					select {
					case c.Events <- ev:
					default:
					}
				}
			}
			h.mu.RUnlock()
		case <-h.done:
			return
		}
	}
}

// Close stops heartbeats and disconnects everyone. Further Connect calls fail.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)

		h.mu.Lock()
		defer h.mu.Unlock()

		h.closed = true
		for id, c := range h.conns {
			close(c.Done)
			close(c.Events)
			delete(h.conns, id)
		}
		h.groups = make(map[string]map[string]*Connection)
		h.notifyConnections()
	})
}

// notifyConnections must be called with h.mu held.
func (h *Hub) notifyConnections() {
	if h.observer != nil {
		h.observer.ConnectionsChanged(len(h.conns))
	}
}
