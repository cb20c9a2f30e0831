// Package notify delivers alert notifications to emergency contacts. The
// dispatcher owns retries and escalation; a Notifier performs exactly one
// send and classifies failures so transient channel outages can be retried.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lifeline-app/lifeline/internal/config"
	"github.com/lifeline-app/lifeline/internal/model"
	"github.com/lifeline-app/lifeline/internal/resilience"
)

// AlertSummary is the notification body sent to a contact's channel.
type AlertSummary struct {
	AlertID    string           `json:"alert_id"`
	AttemptID  string           `json:"attempt_id"`
	UserID     string           `json:"user_id"`
	Kind       model.SignalKind `json:"signal_kind"`
	Confidence float64          `json:"confidence"`
	Location   *model.LatLng    `json:"location,omitempty"`
	Contact    string           `json:"contact_name"`
	Phone      string           `json:"phone"`
	Tier       int              `json:"tier"`
	CreatedAt  time.Time        `json:"created_at"`
}

// Notifier sends one alert notification to one contact.
type Notifier interface {
	// Channel names the delivery channel recorded on attempts.
	Channel() string
	// Send performs a single delivery. Transient failures are reported via
	// resilience.ChannelUnavailableError so callers retry them.
	Send(ctx context.Context, contact model.Contact, summary AlertSummary) error
}

// WebhookNotifier posts alert summaries to a webhook gateway that fans out
// to SMS or push. Sends are rate limited across all alerts.
type WebhookNotifier struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

// NewWebhook creates a webhook notifier from config.
func NewWebhook(cfg config.NotifyConfig) *WebhookNotifier {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Limit(cfg.RatePerSecond)
	if cfg.RatePerSecond <= 0 {
		limit = rate.Inf
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return &WebhookNotifier{
		url:     cfg.WebhookURL,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Channel implements Notifier.
func (n *WebhookNotifier) Channel() string { return "webhook" }

// Send implements Notifier.
func (n *WebhookNotifier) Send(ctx context.Context, contact model.Contact, summary AlertSummary) error {
	if n.url == "" {
		return eris.New("notify: webhook URL not configured")
	}
	if err := n.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "notify: rate limit wait")
	}

	payload, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "notify: marshal summary")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "notify: create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		// Network errors are retryable channel failures.
		return resilience.NewChannelUnavailable(n.Channel(), eris.Wrap(err, "notify: webhook request"), 0)
	}
	defer resp.Body.Close()        //nolint:errcheck
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	if resp.StatusCode >= 400 {
		err := eris.Errorf("notify: webhook returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewChannelUnavailable(n.Channel(), err, resp.StatusCode)
		}
		return err
	}

	zap.L().Debug("notify: delivered",
		zap.String("alert_id", summary.AlertID),
		zap.String("attempt_id", summary.AttemptID),
		zap.String("contact", contact.ID),
		zap.Int("tier", summary.Tier),
	)
	return nil
}
