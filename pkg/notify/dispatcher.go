package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/rivetr/rivetr/pkg/log"
	"github.com/rivetr/rivetr/pkg/metrics"
	"github.com/rivetr/rivetr/pkg/store"
	"github.com/rivetr/rivetr/pkg/types"
)

// ErrQueueFull is returned by Enqueue when the queue is at capacity.
// Producers log it and continue; delivery loss is acceptable.
var ErrQueueFull = errors.New("notification queue is full")

// webhookTimeout bounds each outbound HTTP call
const webhookTimeout = 30 * time.Second

// webhookRetryDelays gives 3 delivery attempts with growing pauses.
// Package-level so tests can shorten the waits.
var webhookRetryDelays = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// Dispatcher is the single consumer of the notification queue. It
// resolves the channels subscribed to each event and delivers to each
// one independently.
type Dispatcher struct {
	store   *store.Store
	queue   chan Event
	client  *http.Client
	logger  zerolog.Logger
	stopped atomic.Bool
	once    sync.Once
	wg      sync.WaitGroup

	// sendMailFn is swapped out by tests
	sendMailFn func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewDispatcher creates a dispatcher with a bounded queue
func NewDispatcher(st *store.Store, queueCapacity int) *Dispatcher {
	return &Dispatcher{
		store:      st,
		queue:      make(chan Event, queueCapacity),
		client:     &http.Client{Timeout: webhookTimeout},
		logger:     log.WithComponent("notify"),
		sendMailFn: smtp.SendMail,
	}
}

// Start launches the consumer worker
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for ev := range d.queue {
			metrics.NotificationQueueDepth.Set(float64(len(d.queue)))
			if err := d.deliver(context.Background(), ev); err != nil {
				d.logger.Error().Err(err).
					Str("event_type", ev.Type).
					Str("app_id", ev.AppID).
					Msg("Notification delivery incomplete")
			}
		}
	}()
	d.logger.Info().Int("capacity", cap(d.queue)).Msg("Notification dispatcher started")
}

// Stop drains the queue and waits for in-flight deliveries
func (d *Dispatcher) Stop() {
	d.once.Do(func() {
		d.stopped.Store(true)
		close(d.queue)
	})
	d.wg.Wait()
	d.logger.Info().Msg("Notification dispatcher stopped")
}

// Enqueue hands an event to the dispatcher without blocking. A full
// queue (or a stopped dispatcher) returns an error the producer is
// expected to log and ignore.
func (d *Dispatcher) Enqueue(ev Event) error {
	if d.stopped.Load() {
		return fmt.Errorf("dispatcher stopped")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case d.queue <- ev:
		metrics.NotificationQueueDepth.Set(float64(len(d.queue)))
		return nil
	default:
		metrics.NotificationsDroppedTotal.Inc()
		return ErrQueueFull
	}
}

// deliver fans one event out to every subscribed channel. Each channel
// succeeds or fails on its own; failures are aggregated for the caller.
func (d *Dispatcher) deliver(ctx context.Context, ev Event) error {
	channels, err := d.store.ChannelsForEvent(ev.Type, ev.AppID)
	if err != nil {
		return fmt.Errorf("failed to resolve channels: %w", err)
	}

	var result *multierror.Error
	for _, ch := range channels {
		err := d.send(ctx, ch, ev)
		outcome := "success"
		if err != nil {
			outcome = "failure"
			result = multierror.Append(result, fmt.Errorf("channel %s: %w", ch.Name, err))
			d.logger.Error().Err(err).
				Str("channel", ch.Name).
				Str("channel_type", string(ch.ChannelType)).
				Str("event_type", ev.Type).
				Msg("Notification delivery failed")
		} else {
			d.logger.Info().
				Str("channel", ch.Name).
				Str("channel_type", string(ch.ChannelType)).
				Str("event_type", ev.Type).
				Str("app_name", ev.AppName).
				Msg("Notification delivered")
		}
		metrics.NotificationsSentTotal.WithLabelValues(string(ch.ChannelType), outcome).Inc()
	}
	return result.ErrorOrNil()
}

// send routes one event to one channel
func (d *Dispatcher) send(ctx context.Context, ch types.NotificationChannel, ev Event) error {
	switch ch.ChannelType {
	case types.ChannelSlack:
		return d.sendSlack(ctx, ch, ev)
	case types.ChannelDiscord:
		return d.sendDiscord(ctx, ch, ev)
	case types.ChannelEmail:
		return d.sendEmail(ch, ev)
	case types.ChannelWebhook:
		return d.sendWebhook(ctx, ch, ev)
	default:
		return fmt.Errorf("unknown channel type: %s", ch.ChannelType)
	}
}

// slackChannelConfig is the config blob for slack channels
type slackChannelConfig struct {
	WebhookURL string `json:"webhook_url"`
}

func (d *Dispatcher) sendSlack(ctx context.Context, ch types.NotificationChannel, ev Event) error {
	var cfg slackChannelConfig
	if err := json.Unmarshal([]byte(ch.ConfigJSON), &cfg); err != nil {
		return fmt.Errorf("invalid slack config: %w", err)
	}
	if cfg.WebhookURL == "" {
		return fmt.Errorf("slack webhook_url is not set")
	}
	msg := slackMessage(ev)
	return d.withRetry(func() error {
		callCtx, cancel := context.WithTimeout(ctx, webhookTimeout)
		defer cancel()
		return slack.PostWebhookContext(callCtx, cfg.WebhookURL, msg)
	})
}

func (d *Dispatcher) sendDiscord(ctx context.Context, ch types.NotificationChannel, ev Event) error {
	var cfg slackChannelConfig
	if err := json.Unmarshal([]byte(ch.ConfigJSON), &cfg); err != nil {
		return fmt.Errorf("invalid discord config: %w", err)
	}
	if cfg.WebhookURL == "" {
		return fmt.Errorf("discord webhook_url is not set")
	}
	body, err := discordPayload(ev)
	if err != nil {
		return fmt.Errorf("failed to render discord payload: %w", err)
	}
	return d.withRetry(func() error {
		return d.post(ctx, cfg.WebhookURL, nil, body)
	})
}

func (d *Dispatcher) sendWebhook(ctx context.Context, ch types.NotificationChannel, ev Event) error {
	var cfg webhookConfig
	if err := json.Unmarshal([]byte(ch.ConfigJSON), &cfg); err != nil {
		return fmt.Errorf("invalid webhook config: %w", err)
	}
	if cfg.URL == "" {
		return fmt.Errorf("webhook url is not set")
	}
	body, err := renderWebhook(cfg, ev)
	if err != nil {
		return fmt.Errorf("failed to render payload: %w", err)
	}
	return d.withRetry(func() error {
		return d.post(ctx, cfg.URL, cfg.Headers, body)
	})
}

// sendEmail delivers once over SMTP; there is no retry beyond what the
// protocol itself does.
func (d *Dispatcher) sendEmail(ch types.NotificationChannel, ev Event) error {
	var cfg emailConfig
	if err := json.Unmarshal([]byte(ch.ConfigJSON), &cfg); err != nil {
		return fmt.Errorf("invalid email config: %w", err)
	}
	if cfg.SMTPHost == "" || len(cfg.To) == 0 {
		return fmt.Errorf("email channel is missing smtp_host or recipients")
	}
	port := cfg.SMTPPort
	if port == 0 {
		port = 587
	}
	from := cfg.From
	if from == "" {
		from = cfg.Username
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(cfg.To, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", ev.Title())
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(emailBody(ev))

	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.SMTPHost)
	}
	addr := fmt.Sprintf("%s:%d", cfg.SMTPHost, port)
	if err := d.sendMailFn(addr, auth, from, cfg.To, []byte(msg.String())); err != nil {
		return fmt.Errorf("smtp delivery failed: %w", err)
	}
	return nil
}

// post performs one HTTP POST; any non-2xx response is an error
func (d *Dispatcher) post(ctx context.Context, url string, headers map[string]string, body []byte) error {
	callCtx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// withRetry runs fn up to once per configured delay, pausing after each
// failed attempt.
func (d *Dispatcher) withRetry(fn func() error) error {
	var lastErr error
	for i, delay := range webhookRetryDelays {
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		d.logger.Warn().Err(lastErr).
			Int("attempt", i+1).
			Int("max_attempts", len(webhookRetryDelays)).
			Msg("Webhook delivery attempt failed")
		time.Sleep(delay)
	}
	return lastErr
}
