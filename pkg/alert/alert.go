package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cuemby/invrecon/pkg/config"
	"github.com/cuemby/invrecon/pkg/events"
	"github.com/cuemby/invrecon/pkg/log"
	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

const postTimeout = 10 * time.Second

// Notifier forwards warning and critical events to operators. Every alert
// is logged; it is also posted to Slack when a webhook is configured.
type Notifier struct {
	broker     *events.Broker
	webhookURL string
	sub        events.Subscriber
	done       chan struct{}
	logger     zerolog.Logger
}

func NewNotifier(broker *events.Broker, cfg config.AlertsConfig) *Notifier {
	return &Notifier{
		broker:     broker,
		webhookURL: cfg.SlackWebhookURL,
		done:       make(chan struct{}),
		logger:     log.WithComponent("alert"),
	}
}

// Start subscribes to the broker and handles events until Stop
func (n *Notifier) Start() {
	n.sub = n.broker.Subscribe()
	go n.run()
	n.logger.Info().Bool("slack", n.webhookURL != "").Msg("Alert notifier started")
}

// Stop unsubscribes and waits for the current event to finish
func (n *Notifier) Stop() {
	if n.sub == nil {
		return
	}
	n.broker.Unsubscribe(n.sub)
	<-n.done
}

func (n *Notifier) run() {
	defer close(n.done)
	for e := range n.sub {
		if !e.IsAlert() {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
		if err := n.Notify(ctx, e); err != nil {
			n.logger.Error().Err(err).Str("event_id", e.ID).Msg("Failed to post alert")
		}
		cancel()
	}
}

// Notify logs e and posts it to Slack when configured
func (n *Notifier) Notify(ctx context.Context, e *events.Event) error {
	evt := n.logger.Warn()
	if e.Severity == events.SeverityCritical {
		evt = n.logger.Error()
	}
	evt.Str("event", string(e.Type)).
		Str("event_id", e.ID).
		Fields(metadataFields(e.Metadata)).
		Msg(e.Message)

	if n.webhookURL == "" {
		return nil
	}
	if err := slack.PostWebhookContext(ctx, n.webhookURL, Message(e)); err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}

// Message renders e as a Slack attachment
func Message(e *events.Event) *slack.WebhookMessage {
	keys := make([]string, 0, len(e.Metadata))
	for k := range e.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]slack.AttachmentField, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, slack.AttachmentField{Title: k, Value: e.Metadata[k], Short: true})
	}

	color := "warning"
	if e.Severity == events.SeverityCritical {
		color = "danger"
	}

	return &slack.WebhookMessage{
		Text: fmt.Sprintf("[%s] %s", e.Severity, e.Type),
		Attachments: []slack.Attachment{{
			Color:  color,
			Title:  e.Message,
			Fields: fields,
			Footer: "invrecon",
			Ts:     json.Number(strconv.FormatInt(e.Timestamp.Unix(), 10)),
		}},
	}
}

func metadataFields(md map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}
