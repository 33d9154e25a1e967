// Package slackbridge forwards critical events to a Slack incoming webhook so
// operators see failures without watching dashboards.
package slackbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/slack-go/slack"

	"github.com/aiseohq/aiseo/internal/domain"
)

// critical lists the event types worth a channel ping. Everything else stays
// on the dashboards.
var critical = map[string]string{
	domain.EventAgentTaskFailed:   "danger",
	domain.EventQuotaExceeded:     "warning",
	domain.EventPagespeedCritical: "danger",
}

// Bridge consumes the full event stream and posts critical events.
type Bridge struct {
	bus        domain.EventBus
	webhookURL string
	sub        domain.Subscription
}

// New constructs a Bridge; an empty webhookURL disables it.
func New(bus domain.EventBus, webhookURL string) *Bridge {
	return &Bridge{bus: bus, webhookURL: webhookURL}
}

// Start opens the subscription. No-op when the bridge is disabled.
func (b *Bridge) Start(ctx context.Context) error {
	if b.webhookURL == "" {
		slog.Info("slack bridge disabled, no webhook url configured")
		return nil
	}
	sub, err := b.bus.SubscribeAll(ctx, func(ev domain.Event) {
		b.handle(ctx, ev)
	})
	if err != nil {
		return fmt.Errorf("op=slackbridge.Start: %w", err)
	}
	b.sub = sub
	slog.Info("slack bridge started")
	return nil
}

// Stop closes the subscription.
func (b *Bridge) Stop() error {
	if b.sub == nil {
		return nil
	}
	return b.sub.Stop()
}

func (b *Bridge) handle(ctx context.Context, ev domain.Event) {
	color, ok := critical[ev.Type]
	if !ok {
		return
	}
	// Retryable failures are noise; only terminal failures page.
	if ev.Type == domain.EventAgentTaskFailed {
		if willRetry, _ := ev.Payload["willRetry"].(bool); willRetry {
			return
		}
	}
	detail, _ := json.MarshalIndent(ev.Payload, "", "  ")
	msg := &slack.WebhookMessage{
		Text: fmt.Sprintf(":rotating_light: *%s*", ev.Type),
		Attachments: []slack.Attachment{{
			Color: color,
			Fields: []slack.AttachmentField{
				{Title: "Tenant", Value: ev.TenantID, Short: true},
				{Title: "Seq", Value: fmt.Sprintf("%d", ev.Seq), Short: true},
				{Title: "Time", Value: time.UnixMilli(ev.Timestamp).UTC().Format(time.RFC3339), Short: true},
			},
			Text: "```" + string(detail) + "```",
		}},
	}
	if err := slack.PostWebhookContext(ctx, b.webhookURL, msg); err != nil {
		slog.Error("slack post failed",
			slog.String("event_type", ev.Type),
			slog.String("tenant_id", ev.TenantID),
			slog.Any("error", err))
	}
}
