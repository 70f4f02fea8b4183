package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Webhook kinds.
const (
	WebhookSlack    = "slack"
	WebhookDiscord  = "discord"
	WebhookTelegram = "telegram"
	WebhookGeneric  = "generic"
)

// Webhook is one notification target.
type Webhook struct {
	Kind string `yaml:"kind" json:"kind"`
	URL  string `yaml:"url" json:"url"`
	// ChatID is required for telegram targets.
	ChatID string `yaml:"chat_id,omitempty" json:"chat_id,omitempty"`
}

// Notifier fans wake summaries out to every configured webhook.
type Notifier struct {
	hooks  []Webhook
	log    *zap.SugaredLogger
	client *http.Client
}

// NewNotifier builds a notifier; an empty hook list is a no-op notifier.
func NewNotifier(hooks []Webhook, logger *zap.Logger) *Notifier {
	return &Notifier{
		hooks:  hooks,
		log:    logger.Sugar(),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// WakeComplete sends the wake summary to all targets concurrently. A
// failing webhook is logged, never fatal.
func (n *Notifier) WakeComplete(ctx context.Context, m *WakeMetrics) {
	if len(n.hooks) == 0 {
		return
	}
	text := fmt.Sprintf("run %s finished %s: %d tickets completed, %d failed, %d PRs",
		m.RunID, m.Phase, m.TicketsCompleted, m.TicketsFailed, m.PRsCreated)

	g, ctx := errgroup.WithContext(ctx)
	for _, hook := range n.hooks {
		hook := hook
		g.Go(func() error {
			if err := n.send(ctx, hook, text); err != nil {
				n.log.Warnw("webhook failed", "kind", hook.Kind, "error", err)
			}
			return nil
		})
	}
	g.Wait()
}

func (n *Notifier) send(ctx context.Context, hook Webhook, text string) error {
	var body interface{}
	url := hook.URL
	switch hook.Kind {
	case WebhookSlack:
		body = map[string]string{"text": text}
	case WebhookDiscord:
		body = map[string]string{"content": text}
	case WebhookTelegram:
		body = map[string]string{"chat_id": hook.ChatID, "text": text}
	default:
		body = map[string]string{"message": text}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal webhook body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
