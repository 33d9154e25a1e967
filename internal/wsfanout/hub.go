// Package wsfanout pushes bus events to WebSocket clients. One shared
// pattern-subscriber per process feeds a tenant → socket-set routing map, so
// the Redis connection count stays constant regardless of connected users.
package wsfanout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aiseohq/aiseo/internal/domain"
	"github.com/aiseohq/aiseo/internal/observability"
)

// Hub owns the routing map and the single bus subscription.
type Hub struct {
	bus domain.EventBus

	mu      sync.RWMutex
	tenants map[string]map[*Client]struct{}

	sub domain.Subscription
}

// NewHub constructs an idle hub; call Start to open the bus subscription.
func NewHub(bus domain.EventBus) *Hub {
	return &Hub{
		bus:     bus,
		tenants: make(map[string]map[*Client]struct{}),
	}
}

// Start opens the shared subscribeAll and begins routing.
func (h *Hub) Start(ctx context.Context) error {
	sub, err := h.bus.SubscribeAll(ctx, h.route)
	if err != nil {
		return fmt.Errorf("op=wsfanout.Start: %w", err)
	}
	h.sub = sub
	slog.Info("websocket fan-out started")
	return nil
}

// Stop closes the subscription and disconnects every client.
func (h *Hub) Stop() error {
	var err error
	if h.sub != nil {
		err = h.sub.Stop()
	}
	h.mu.Lock()
	for _, set := range h.tenants {
		for c := range set {
			close(c.send)
		}
	}
	h.tenants = make(map[string]map[*Client]struct{})
	h.mu.Unlock()
	return err
}

// route delivers one event to exactly the sockets authenticated for its
// tenant. A client whose buffer is full is disconnected rather than allowed
// to backpressure its siblings.
func (h *Hub) route(ev domain.Event) {
	h.mu.RLock()
	set := h.tenants[ev.TenantID]
	var stalled []*Client
	for c := range set {
		select {
		case c.send <- ev:
		default:
			stalled = append(stalled, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range stalled {
		slog.Warn("disconnecting slow websocket client",
			slog.String("tenant_id", c.tenantID),
			slog.String("remote_addr", c.remoteAddr))
		h.unregister(c)
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	set, ok := h.tenants[c.tenantID]
	if !ok {
		set = make(map[*Client]struct{})
		h.tenants[c.tenantID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
	observability.WSConnections.Inc()
}

// unregister removes the socket and deletes the tenant bucket when empty.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	set, ok := h.tenants[c.tenantID]
	if ok {
		if _, member := set[c]; member {
			delete(set, c)
			close(c.send)
			observability.WSConnections.Dec()
		}
		if len(set) == 0 {
			delete(h.tenants, c.tenantID)
		}
	}
	h.mu.Unlock()
}

// ClientCount reports the number of sockets routed for a tenant.
func (h *Hub) ClientCount(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tenants[tenantID])
}
