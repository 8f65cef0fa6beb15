// Package webhook posts signed completion events to the downstream EMR
// bridge. Delivery is best-effort: failures are logged and returned, never
// propagated into the item's status.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/intake-bridge/internal/platform/cache"
	"github.com/ehr/intake-bridge/internal/platform/signing"
)

const (
	EventCompleted = "work_item.completed"

	HeaderEventID   = "X-Webhook-ID"
	HeaderEventType = "X-Webhook-Event"

	DefaultDedupTTL = 10 * time.Minute
)

// Event is the JSON body of a delivery.
type Event struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	QueueID       string                 `json:"queue_id"`
	CorrelationID string                 `json:"correlation_id"`
	EMRID         string                 `json:"emr_id,omitempty"`
	Status        string                 `json:"status"`
	Attempts      int                    `json:"attempts"`
	ProcessedAt   *time.Time             `json:"processed_at,omitempty"`
	Augmented     map[string]interface{} `json:"augmented,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
}

// DedupKey identifies one completion of one item. A re-run of the same item
// has a new processed_at and is delivered again.
func (e Event) DedupKey() string {
	if e.ProcessedAt == nil {
		return e.QueueID
	}
	return e.QueueID + "|" + e.ProcessedAt.UTC().Format(time.RFC3339Nano)
}

// Delivery records the outcome of delivering one event.
type Delivery struct {
	EventID      string        `json:"event_id"`
	StatusCode   int           `json:"status_code"`
	ResponseBody string        `json:"response_body,omitempty"`
	Duration     time.Duration `json:"duration_ns"`
	Attempts     int           `json:"attempts"`
	Status       string        `json:"status"` // "success", "failed", "skipped"
	Error        string        `json:"error,omitempty"`
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.httpClient = c }
}

// WithMaxRetries sets how many times a failed delivery is retried.
func WithMaxRetries(r int) Option {
	return func(n *Notifier) { n.maxRetries = r }
}

// WithRetryDelays sets the wait before each retry. The last delay repeats.
func WithRetryDelays(d ...time.Duration) Option {
	return func(n *Notifier) { n.retryDelays = d }
}

// WithDedup replaces the recently-sent set.
func WithDedup(set *cache.TTLSet) Option {
	return func(n *Notifier) { n.sent = set }
}

// Notifier delivers events to a single endpoint.
type Notifier struct {
	url         string
	secret      string
	httpClient  *http.Client
	maxRetries  int
	retryDelays []time.Duration
	sent        *cache.TTLSet
	logger      zerolog.Logger
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewNotifier validates the endpoint and returns a notifier with defaults.
func NewNotifier(rawURL, secret string, logger zerolog.Logger, opts ...Option) (*Notifier, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	n := &Notifier{
		url:    rawURL,
		secret: secret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		maxRetries:  2,
		retryDelays: []time.Duration{time.Second, 5 * time.Second},
		sent:        cache.NewTTLSet(4096, DefaultDedupTTL),
		logger:      logger,
		now:         time.Now,
		sleep:       sleepContext,
	}
	for _, o := range opts {
		o(n)
	}
	return n, nil
}

// validateURL checks that the URL is non-empty and uses http or https.
func validateURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("webhook url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook url must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("webhook url must include a host")
	}
	return nil
}

// Deliver posts the event unless an identical completion was sent within
// the dedup window. A failed delivery is forgotten so a later call may retry.
func (n *Notifier) Deliver(ctx context.Context, event Event) *Delivery {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = n.now().UTC()
	}
	log := n.logger.With().Str("event_id", event.ID).Str("queue_id", event.QueueID).Logger()

	key := event.DedupKey()
	if !n.sent.AddIfAbsent(key) {
		log.Debug().Msg("webhook suppressed as duplicate")
		return &Delivery{EventID: event.ID, Status: "skipped"}
	}

	payload, err := json.Marshal(event)
	if err != nil {
		n.sent.Remove(key)
		return &Delivery{EventID: event.ID, Status: "failed", Error: err.Error()}
	}

	d := &Delivery{EventID: event.ID}
	for attempt := 0; attempt <= n.maxRetries; attempt++ {
		if attempt > 0 {
			if err := n.sleep(ctx, n.delay(attempt)); err != nil {
				d.Error = err.Error()
				break
			}
		}
		d.Attempts = attempt + 1
		if n.post(ctx, event, payload, d) {
			d.Status = "success"
			log.Info().Int("status_code", d.StatusCode).Int("attempts", d.Attempts).Msg("webhook delivered")
			return d
		}
	}

	d.Status = "failed"
	n.sent.Remove(key)
	log.Warn().Str("error", d.Error).Int("status_code", d.StatusCode).Int("attempts", d.Attempts).Msg("webhook delivery failed")
	return d
}

func (n *Notifier) delay(retry int) time.Duration {
	if len(n.retryDelays) == 0 {
		return 0
	}
	i := retry - 1
	if i >= len(n.retryDelays) {
		i = len(n.retryDelays) - 1
	}
	return n.retryDelays[i]
}

// post performs one attempt and records it on d.
func (n *Notifier) post(ctx context.Context, event Event, payload []byte, d *Delivery) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		d.Error = err.Error()
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEventID, event.ID)
	req.Header.Set(HeaderEventType, event.Type)
	signing.SignRequest(req, payload, n.secret, n.now)

	start := time.Now()
	resp, err := n.httpClient.Do(req)
	d.Duration = time.Since(start)
	if err != nil {
		d.StatusCode = 0
		d.Error = err.Error()
		return false
	}
	defer resp.Body.Close()

	d.StatusCode = resp.StatusCode
	// Read at most 1KB of response body.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	d.ResponseBody = string(body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.Error = ""
		return true
	}
	d.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
