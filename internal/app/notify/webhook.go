package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"
)

// WebhookPublisher POSTs every event as JSON to a URL.
type WebhookPublisher struct {
	client   *resty.Client
	endpoint string
}

func NewWebhookPublisher(endpoint string) *WebhookPublisher {
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second)
	return &WebhookPublisher{client: client, endpoint: endpoint}
}

func (p *WebhookPublisher) Publish(ctx context.Context, e Event) error {
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(e).
		Post(p.endpoint)
	if err != nil {
		return fmt.Errorf("failed to send event to webhook: %w", err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("webhook returned error status %d: %s", resp.StatusCode(), resp.String())
	}
	log.Debugf("event %s delivered to %s (%d)", e.ID, p.endpoint, resp.StatusCode())
	return nil
}
