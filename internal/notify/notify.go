// Package notify pushes operational events (activations, completions,
// quarantines, kill switch) to external webhooks. Delivery is best
// effort and asynchronous: a slow or dead webhook must never stall the
// trading cycle, so failures are logged and dropped.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"autotrader/internal/config"
)

// Level classifies an event for channel formatting.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Event is one outbound notification.
type Event struct {
	Title string
	Body  string
	Level Level
}

// Notifier fans an event out to every configured channel. A nil Notifier
// is valid and drops everything, so callers never need a feature check.
type Notifier struct {
	client   *resty.Client
	channels []channel
	logger   *slog.Logger
}

type channel interface {
	name() string
	send(ctx context.Context, c *resty.Client, ev Event) error
}

// New builds a notifier from the notify config. Returns nil when no
// channel is configured.
func New(cfg config.NotifyConfig, logger *slog.Logger) *Notifier {
	var channels []channel
	if cfg.WebhookURL != "" {
		channels = append(channels, webhookChannel{url: cfg.WebhookURL})
	}
	if cfg.DiscordWebhookURL != "" {
		channels = append(channels, discordChannel{url: cfg.DiscordWebhookURL})
	}
	if len(channels) == 0 {
		return nil
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)

	return &Notifier{
		client:   client,
		channels: channels,
		logger:   logger.With("component", "notify"),
	}
}

// Send delivers ev to all channels in the background and returns
// immediately. ctx only gates the spawned deliveries.
func (n *Notifier) Send(ctx context.Context, ev Event) {
	if n == nil {
		return
	}
	for _, ch := range n.channels {
		go func(ch channel) {
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := ch.send(sendCtx, n.client, ev); err != nil {
				n.logger.Warn("notification dropped",
					"channel", ch.name(), "title", ev.Title, "error", err)
			}
		}(ch)
	}
}

// webhookChannel POSTs the event as plain JSON to a generic endpoint.
type webhookChannel struct {
	url string
}

func (webhookChannel) name() string { return "webhook" }

func (w webhookChannel) send(ctx context.Context, c *resty.Client, ev Event) error {
	resp, err := c.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{
			"title": ev.Title,
			"body":  ev.Body,
			"level": string(ev.Level),
		}).
		Post(w.url)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned %d", resp.StatusCode())
	}
	return nil
}

// discordChannel formats the event as a Discord webhook message.
type discordChannel struct {
	url string
}

func (discordChannel) name() string { return "discord" }

var discordColors = map[Level]int{
	LevelInfo:     0x2ecc71,
	LevelWarning:  0xf1c40f,
	LevelCritical: 0xe74c3c,
}

func (d discordChannel) send(ctx context.Context, c *resty.Client, ev Event) error {
	resp, err := c.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]any{
			"embeds": []map[string]any{{
				"title":       ev.Title,
				"description": ev.Body,
				"color":       discordColors[ev.Level],
			}},
		}).
		Post(d.url)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("discord returned %d", resp.StatusCode())
	}
	return nil
}
