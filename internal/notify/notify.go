// Package notify delivers operator alerts.
package notify

import (
	"context"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"libertyflow/internal/service"
)

// Notifier sends a human-readable message to the operator.
type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// New returns a Slack notifier when a webhook is configured, otherwise a
// notifier that only logs.
func New(cfg service.NotifyConfig) Notifier {
	if strings.TrimSpace(cfg.SlackWebhook) == "" {
		return NewLogNotifier()
	}
	return NewSlackNotifier(cfg.SlackWebhook, cfg.Timeout)
}

// LogNotifier writes alerts to the log only.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: service.Named("notify")}
}

func (n *LogNotifier) Notify(_ context.Context, msg string) error {
	n.logger.Warn("ALERT", zap.String("Message", msg))
	return nil
}

// SlackNotifier posts to an incoming webhook.
type SlackNotifier struct {
	client  *resty.Client
	webhook string
	logger  *zap.Logger
}

func NewSlackNotifier(webhook string, timeout time.Duration) *SlackNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetHeader("Content-Type", "application/json")
	return &SlackNotifier{client: client, webhook: webhook, logger: service.Named("notify")}
}

func (n *SlackNotifier) Notify(ctx context.Context, msg string) error {
	n.logger.Info("Sending alert", zap.String("Message", msg))
	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"text": msg}).
		Post(n.webhook)
	if err != nil {
		return errors.Wrap(err, "slack webhook")
	}
	if !resp.IsSuccess() {
		return errors.Errorf("slack webhook: http %d: %s", resp.StatusCode(), strings.TrimSpace(string(resp.Body())))
	}
	return nil
}
