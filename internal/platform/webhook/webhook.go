// Package webhook delivers signed JSON events to an HTTP endpoint. It backs
// the notification sender used when a delivery service accepts pushes
// instead of consuming the outbound queue.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ehr/recordstore/internal/platform/notification"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	EventHeader     = "X-Webhook-Event"
	DeliveryHeader  = "X-Webhook-Delivery"
	TimestampHeader = "X-Webhook-Timestamp"
)

var deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "recordstore_webhook_deliveries_total",
	Help: "Webhook deliveries by outcome.",
}, []string{"outcome"})

// SignPayload computes the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature, with or without the "sha256="
// prefix, matches payload under secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

// Attempt is the outcome of one delivery, across retries.
type Attempt struct {
	ID         string
	Event      string
	Tries      int
	StatusCode int
	Response   string
	Duration   time.Duration
	Err        error
}

func (a *Attempt) OK() bool { return a.Err == nil }

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithRetryDelays sets the pause before each retry. An empty list disables
// retries.
func WithRetryDelays(d ...time.Duration) Option {
	return func(cl *Client) { cl.retryDelays = d }
}

// Client posts events to one endpoint.
type Client struct {
	endpoint    string
	secret      string
	http        *http.Client
	retryDelays []time.Duration
	now         func() time.Time
}

func NewClient(endpoint, secret string, opts ...Option) (*Client, error) {
	if err := validateURL(endpoint); err != nil {
		return nil, err
	}
	c := &Client{
		endpoint:    endpoint,
		secret:      secret,
		http:        &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{500 * time.Millisecond, 2 * time.Second},
		now:         time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("webhook url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("webhook url scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}

// Deliver posts payload as event. 5xx answers and transport errors are
// retried; 4xx answers are final.
func (c *Client) Deliver(ctx context.Context, event string, payload []byte) *Attempt {
	a := &Attempt{ID: uuid.NewString(), Event: event}
	start := c.now()
	defer func() {
		a.Duration = c.now().Sub(start)
		outcome := "success"
		if a.Err != nil {
			outcome = "failed"
		}
		deliveriesTotal.WithLabelValues(outcome).Inc()
	}()

	for {
		a.Tries++
		retry := c.post(ctx, a, payload)
		if a.Err == nil || !retry || a.Tries > len(c.retryDelays) {
			return a
		}
		select {
		case <-ctx.Done():
			a.Err = fmt.Errorf("webhook %s: %w", event, ctx.Err())
			return a
		case <-time.After(c.retryDelays[a.Tries-1]):
		}
	}
}

func (c *Client) post(ctx context.Context, a *Attempt, payload []byte) (retry bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		a.Err = fmt.Errorf("build webhook request: %w", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, a.Event)
	req.Header.Set(DeliveryHeader, a.ID)
	req.Header.Set(TimestampHeader, c.now().UTC().Format(time.RFC3339))
	if c.secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+SignPayload(payload, c.secret))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		a.StatusCode = 0
		a.Err = fmt.Errorf("post webhook: %w", err)
		return ctx.Err() == nil
	}
	defer resp.Body.Close()

	a.StatusCode = resp.StatusCode
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	a.Response = string(body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		a.Err = nil
		return false
	}
	a.Err = fmt.Errorf("webhook answered %d", resp.StatusCode)
	return resp.StatusCode >= 500
}

// Sender delivers notifications through a Client, one POST per message.
type Sender struct {
	client *Client
}

func NewSender(c *Client) *Sender {
	return &Sender{client: c}
}

func (s *Sender) Send(ctx context.Context, msg notification.Message) error {
	if msg.RecipientID == "" {
		return fmt.Errorf("notification: recipient is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.client.now().UTC()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if a := s.client.Deliver(ctx, msg.Type, payload); !a.OK() {
		return a.Err
	}
	return nil
}
