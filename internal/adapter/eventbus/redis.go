// Package eventbus implements the per-tenant ordered event bus on Redis
// pub/sub. Sequence numbers come from an atomic counter per tenant; gaps are
// possible when a process dies between the increment and the publish, and
// consumers must tolerate them.
package eventbus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/aiseohq/aiseo/internal/domain"
	"github.com/aiseohq/aiseo/internal/observability"
)

const (
	channelPrefix = "events."
	seqKeyPrefix  = "events.seq."
)

// Bus publishes and subscribes events over Redis pub/sub. The client is the
// process-global Redis client; each subscription gets its own dedicated
// subscriber connection from it.
type Bus struct {
	rdb *redis.Client
}

// New constructs a Bus on the shared Redis client.
func New(rdb *redis.Client) *Bus {
	return &Bus{rdb: rdb}
}

// Publish allocates the next per-tenant sequence number, builds the event
// record, and publishes it on events.<tenantId>.
func (b *Bus) Publish(ctx domain.Context, tenantID, projectID, eventType string, payload map[string]any) (domain.Event, error) {
	if tenantID == "" {
		return domain.Event{}, fmt.Errorf("op=eventbus.Publish: %w: tenant id required", domain.ErrInvalidArgument)
	}
	seq, err := b.rdb.Incr(ctx, seqKeyPrefix+tenantID).Result()
	if err != nil {
		return domain.Event{}, fmt.Errorf("op=eventbus.Publish: seq incr: %w", err)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	ev := domain.Event{
		ID:        uuid.New().String(),
		Seq:       seq,
		TenantID:  tenantID,
		ProjectID: projectID,
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return domain.Event{}, fmt.Errorf("op=eventbus.Publish: marshal: %w", err)
	}
	if err := b.rdb.Publish(ctx, channelPrefix+tenantID, body).Err(); err != nil {
		return domain.Event{}, fmt.Errorf("op=eventbus.Publish: %w", err)
	}
	observability.EventsPublished.WithLabelValues(eventType).Inc()
	return ev, nil
}

// Subscribe delivers every event for one tenant to cb on a dedicated
// subscriber connection.
func (b *Bus) Subscribe(ctx domain.Context, tenantID string, cb func(domain.Event)) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("op=eventbus.Subscribe: %w: tenant id required", domain.ErrInvalidArgument)
	}
	ps := b.rdb.Subscribe(ctx, channelPrefix+tenantID)
	// Wait for the subscription to be established before returning so
	// callers never miss events published right after Subscribe.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("op=eventbus.Subscribe: %w", err)
	}
	sub := &subscription{ps: ps, done: make(chan struct{})}
	go sub.pump(cb)
	return sub, nil
}

// SubscribeAll delivers every event for every tenant to cb via the pattern
// events.*. Used by fan-out infrastructure (WebSocket hub, webhook delivery,
// Slack bridge).
func (b *Bus) SubscribeAll(ctx domain.Context, cb func(domain.Event)) (domain.Subscription, error) {
	ps := b.rdb.PSubscribe(ctx, channelPrefix+"*")
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("op=eventbus.SubscribeAll: %w", err)
	}
	sub := &subscription{ps: ps, done: make(chan struct{})}
	go sub.pump(cb)
	return sub, nil
}

type subscription struct {
	ps   *redis.PubSub
	done chan struct{}
}

func (s *subscription) pump(cb func(domain.Event)) {
	defer close(s.done)
	for msg := range s.ps.Channel() {
		var ev domain.Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			slog.Warn("event bus: dropping undecodable message",
				slog.String("channel", msg.Channel),
				slog.Any("error", err))
			continue
		}
		if ev.TenantID == "" {
			// Forward-compatible channels still encode the tenant in the name.
			ev.TenantID = strings.TrimPrefix(msg.Channel, channelPrefix)
		}
		cb(ev)
	}
}

// Stop unsubscribes and disconnects the dedicated subscriber connection.
func (s *subscription) Stop() error {
	if err := s.ps.Close(); err != nil {
		return fmt.Errorf("op=eventbus.Stop: %w", err)
	}
	<-s.done
	return nil
}

var _ domain.EventBus = (*Bus)(nil)
