package server

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/lovetwice1012/roundsync/internal/observability"
	"github.com/lovetwice1012/roundsync/internal/protocol"
)

// Hub maps authenticated connections to the instances they joined and
// fans stream envelopes out to them. It satisfies the broadcaster
// interfaces of the instance registry and the voting coordinator.
type Hub struct {
	log zerolog.Logger

	mu         sync.Mutex
	clients    map[*client]struct{}
	byInstance map[string]map[*client]struct{}
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:        log.With().Str("component", "hub").Logger(),
		clients:    make(map[*client]struct{}),
		byInstance: make(map[string]map[*client]struct{}),
	}
}

func (h *Hub) Register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

// Unregister removes the connection and every instance attachment it
// held. It returns the instance ids the client was attached to.
func (h *Hub) Unregister(c *client) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
	var attached []string
	for instanceID, members := range h.byInstance {
		if _, ok := members[c]; ok {
			delete(members, c)
			attached = append(attached, instanceID)
			if len(members) == 0 {
				delete(h.byInstance, instanceID)
			}
		}
	}
	return attached
}

// Attach adds the connection to an instance's broadcast set. It
// reports whether this call inserted the attachment; a repeat attach
// leaves the set unchanged.
func (h *Hub) Attach(instanceID string, c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.byInstance[instanceID]
	if !ok {
		members = make(map[*client]struct{})
		h.byInstance[instanceID] = members
	}
	if _, exists := members[c]; exists {
		return false
	}
	members[c] = struct{}{}
	return true
}

func (h *Hub) Detach(instanceID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.byInstance[instanceID]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.byInstance, instanceID)
	}
}

// DropInstance clears every attachment for a torn-down instance.
func (h *Hub) DropInstance(instanceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.byInstance, instanceID)
}

// BroadcastToInstance writes a stream envelope to every connection
// attached to the instance. A failed write disconnects only that
// client; its read loop handles the cleanup.
func (h *Hub) BroadcastToInstance(instanceID string, env protocol.Envelope) {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.byInstance[instanceID]))
	for c := range h.byInstance[instanceID] {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		if err := c.conn.WriteEnvelope(env); err != nil {
			h.log.Warn().Err(err).
				Str("event", env.Event).
				Str("remote", c.conn.RemoteAddr()).
				Msg("broadcast write failed")
			c.conn.Close()
		}
	}
	observability.RecordBroadcast(env.Event, len(targets))
}

// CloseAll closes every registered connection; used during shutdown.
// The per-connection read loops observe the close and run cleanup.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()
	for _, c := range targets {
		c.conn.Close()
	}
}

// ConnectionCount reports registered connections for the admin plane.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
