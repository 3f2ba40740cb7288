package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"signoff/internal/config"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookSink posts notifications as JSON. A circuit breaker stops hammering
// an endpoint that keeps failing; the event stays undelivered until it closes.
type WebhookSink struct {
	name    string
	url     string
	secret  string
	filter  eventFilter
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewWebhookSink(spec config.WebhookSpec, client *http.Client) *WebhookSink {
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	name := "webhook:" + spec.Name
	return &WebhookSink{
		name:   name,
		url:    spec.URL,
		secret: spec.Secret,
		filter: newEventFilter(spec.Events),
		client: client,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (s *WebhookSink) Name() string { return s.name }

func (s *WebhookSink) Deliver(ctx context.Context, n Notification) error {
	if !s.filter.match(n.EventType) {
		return nil
	}
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.post(ctx, n)
	})
	return err
}

func (s *WebhookSink) post(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signoff-Event", n.EventType)
	req.Header.Set("X-Signoff-Delivery", fmt.Sprintf("%d", n.EventID))
	if strings.TrimSpace(s.secret) != "" {
		req.Header.Set("X-Signoff-Secret", s.secret)
	}
	res, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
