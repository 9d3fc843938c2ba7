// Package notify delivers escrow lifecycle events to HTTP endpoints
// registered by clients and professionals. Payloads are HMAC-signed
// with a per-subscription secret so receivers can authenticate them.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/circuitbreaker"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/metrics"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/retry"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/security"
)

// EventType identifies an escrow lifecycle event.
type EventType string

const (
	EventEscrowCaptured          EventType = "escrow.captured"
	EventEscrowFailed            EventType = "escrow.failed"
	EventEscrowRefunded          EventType = "escrow.refunded"
	EventEscrowReleased          EventType = "escrow.released"
	EventEscrowDisputed          EventType = "escrow.disputed"
	EventEscrowDisputeClosed     EventType = "escrow.dispute_closed"
	EventEscrowMilestoneReleased EventType = "escrow.milestone_released"
)

// KnownEvent reports whether the given name is a deliverable event type.
func KnownEvent(name string) bool {
	switch EventType(name) {
	case EventEscrowCaptured, EventEscrowFailed, EventEscrowRefunded,
		EventEscrowReleased, EventEscrowDisputed, EventEscrowDisputeClosed,
		EventEscrowMilestoneReleased:
		return true
	}
	return false
}

var ErrSubscriptionNotFound = errors.New("subscription not found")

// Event is the payload posted to a subscriber endpoint.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscription is a registered delivery endpoint for one user.
type Subscription struct {
	ID                  string      `json:"id"`
	UserID              string      `json:"userId"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"` // used for HMAC signing
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"-"`
}

// Store persists notification subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByUser(ctx context.Context, userID string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// RetryConfig tunes delivery retries and failure-based deactivation.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxFailures int // consecutive failures before auto-deactivation
}

// DefaultRetryConfig covers transient receiver downtime without keeping
// dead endpoints alive forever.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	MaxFailures: 20,
}

// Dispatcher sends signed events to subscriber endpoints.
type Dispatcher struct {
	store        Store
	client       *http.Client
	retryCfg     RetryConfig
	urlValidator func(string) error
	breaker      *circuitbreaker.Breaker
}

// NewDispatcher creates a dispatcher with default retry behavior.
func NewDispatcher(store Store) *Dispatcher {
	return NewDispatcherWithRetry(store, DefaultRetryConfig)
}

// NewDispatcherWithRetry creates a dispatcher with explicit retry tuning.
func NewDispatcherWithRetry(store Store, cfg RetryConfig) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Dispatcher{
		store:        store,
		client:       &http.Client{Timeout: 10 * time.Second},
		retryCfg:     cfg,
		urlValidator: security.ValidateEndpointURL,
		// One breaker key per subscription: a flapping endpoint stops
		// burning delivery attempts without touching other endpoints.
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

// DispatchToUser sends an event to every matching subscription the user
// owns. Delivery happens asynchronously; failures are recorded on the
// subscription, never returned to the caller's request path.
func (d *Dispatcher) DispatchToUser(ctx context.Context, userID string, event *Event) error {
	subs, err := d.store.GetByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load subscriptions: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		for _, et := range sub.Events {
			if et == event.Type {
				go d.send(sub, event)
				break
			}
		}
	}
	return nil
}

func (d *Dispatcher) send(sub *Subscription, event *Event) {
	// The caller's request context ends before delivery does.
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if !d.breaker.Allow(sub.ID) {
		metrics.NotificationsTotal.WithLabelValues("suppressed").Inc()
		return
	}

	if err := d.urlValidator(sub.URL); err != nil {
		d.recordFailure(ctx, sub, fmt.Sprintf("endpoint rejected: %v", err))
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		d.recordFailure(ctx, sub, "failed to marshal event")
		return
	}

	err = retry.Do(ctx, d.retryCfg.MaxAttempts, d.retryCfg.BaseDelay, func() error {
		return d.post(ctx, sub, event, payload)
	})
	if err != nil {
		d.breaker.RecordFailure(sub.ID)
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		d.recordFailure(ctx, sub, err.Error())
		return
	}

	d.breaker.RecordSuccess(sub.ID)
	metrics.NotificationsTotal.WithLabelValues("delivered").Inc()
	d.recordSuccess(ctx, sub)
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Escrow-Event", string(event.Type))
	req.Header.Set("X-Escrow-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
	if sub.Secret != "" {
		req.Header.Set("X-Escrow-Signature", d.sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The receiver rejected the payload; retrying won't change that.
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

func (d *Dispatcher) sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	_ = d.store.Update(ctx, sub)
}

func (d *Dispatcher) recordFailure(ctx context.Context, sub *Subscription, errMsg string) {
	sub.LastError = errMsg
	sub.ConsecutiveFailures++
	if d.retryCfg.MaxFailures > 0 && sub.ConsecutiveFailures >= d.retryCfg.MaxFailures {
		sub.Active = false
	}
	_ = d.store.Update(ctx, sub)
}
