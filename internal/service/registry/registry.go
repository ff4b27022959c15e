// Package registry tracks live client connections and the meeting each one is bound to.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"meeting-transcription-relay/internal/observability/metrics"
)

// ErrConnectionNotFound is returned when a client id is not registered.
var ErrConnectionNotFound = errors.New("connection not found")

// Sender delivers messages to one client socket.
type Sender interface {
	// Send writes one JSON message to the client.
	Send(v any) error
	// Close closes the underlying socket.
	Close() error
}

// Connection is a registered client socket. The socket handle is owned by the registry.
type Connection struct {
	ID string

	order  uint64
	sender Sender

	mu           sync.Mutex
	meetingID    string
	generation   uint64
	lastActivity time.Time
	stale        bool
}

// MeetingID returns the bound meeting, or "" when unbound.
func (c *Connection) MeetingID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meetingID
}

// Generation returns the session generation the connection was bound to.
func (c *Connection) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// LastActivity returns the time of the last recorded activity.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Send writes v to the client socket.
func (c *Connection) Send(v any) error {
	return c.sender.Send(v)
}

// Registry is the set of live connections in registration order.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]*Connection
	next    uint64
	now     func() time.Time
	metrics *metrics.Metrics
}

// New creates an empty registry. A nil m uses metrics.DefaultMetrics.
func New(m *metrics.Metrics) *Registry {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Registry{
		conns:   make(map[string]*Connection),
		now:     time.Now,
		metrics: m,
	}
}

// Register stores a new connection under a fresh identifier.
func (r *Registry) Register(sender Sender) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.NewString()
	for r.conns[id] != nil {
		id = uuid.NewString()
	}
	r.next++
	c := &Connection{
		ID:           id,
		order:        r.next,
		sender:       sender,
		lastActivity: r.now(),
	}
	r.conns[id] = c
	r.metrics.RecordConnectionOpen()
	return c
}

// Unregister removes a connection. Unknown ids are ignored because socket
// close and sweep can race. The bound session is not touched.
func (r *Registry) Unregister(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[clientID]; !ok {
		return false
	}
	delete(r.conns, clientID)
	r.metrics.RecordConnectionClose()
	return true
}

// Bind attaches a connection to one session of meetingID, identified by its
// table generation. Binding again to the same session is a no-op.
func (r *Registry) Bind(clientID, meetingID string, generation uint64) error {
	c, ok := r.Get(clientID)
	if !ok {
		return fmt.Errorf("bind %s: %w", clientID, ErrConnectionNotFound)
	}
	c.mu.Lock()
	c.meetingID = meetingID
	c.generation = generation
	c.lastActivity = r.now()
	c.mu.Unlock()
	return nil
}

// Unbind detaches a connection from its meeting.
func (r *Registry) Unbind(clientID string) {
	if c, ok := r.Get(clientID); ok {
		c.mu.Lock()
		c.meetingID = ""
		c.generation = 0
		c.mu.Unlock()
	}
}

// UnbindMeeting detaches the connections bound to the given session of
// meetingID. Connections already bound to a newer session under the same id
// are left alone.
func (r *Registry) UnbindMeeting(meetingID string, generation uint64) int {
	n := 0
	for _, c := range r.BoundTo(meetingID) {
		c.mu.Lock()
		if c.meetingID == meetingID && c.generation == generation {
			c.meetingID = ""
			c.generation = 0
			n++
		}
		c.mu.Unlock()
	}
	return n
}

// Get looks up a connection.
func (r *Registry) Get(clientID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[clientID]
	return c, ok
}

// Touch records activity on a connection.
func (r *Registry) Touch(clientID string) {
	if c, ok := r.Get(clientID); ok {
		c.mu.Lock()
		c.lastActivity = r.now()
		c.mu.Unlock()
	}
}

// BoundTo returns the non-stale connections bound to meetingID in registration order.
func (r *Registry) BoundTo(meetingID string) []*Connection {
	r.mu.RLock()
	var out []*Connection
	for _, c := range r.conns {
		c.mu.Lock()
		match := c.meetingID == meetingID && !c.stale
		c.mu.Unlock()
		if match {
			out = append(out, c)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].order < out[j].order })
	return out
}

// CountBound returns the number of non-stale connections bound to meetingID.
func (r *Registry) CountBound(meetingID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, c := range r.conns {
		c.mu.Lock()
		if c.meetingID == meetingID && !c.stale {
			n++
		}
		c.mu.Unlock()
	}
	return n
}

// MarkStale flags a connection whose socket failed; Sweep removes it.
func (r *Registry) MarkStale(clientID string) {
	if c, ok := r.Get(clientID); ok {
		c.mu.Lock()
		c.stale = true
		c.mu.Unlock()
	}
}

// Sweep removes and closes stale connections, returning how many were removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	var removed []*Connection
	for id, c := range r.conns {
		c.mu.Lock()
		stale := c.stale
		c.mu.Unlock()
		if stale {
			delete(r.conns, id)
			removed = append(removed, c)
		}
	}
	r.mu.Unlock()

	for _, c := range removed {
		_ = c.sender.Close()
		r.metrics.RecordConnectionClose()
	}
	return len(removed)
}

// CloseAll removes and closes every connection, used on shutdown.
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	all := make([]*Connection, 0, len(r.conns))
	for id, c := range r.conns {
		all = append(all, c)
		delete(r.conns, id)
	}
	r.mu.Unlock()

	for _, c := range all {
		_ = c.sender.Close()
		r.metrics.RecordConnectionClose()
	}
	return len(all)
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
