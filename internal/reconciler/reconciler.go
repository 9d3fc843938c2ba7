// Package reconciler consumes payment-gateway webhooks and applies them
// to escrow accounts and the ledger. Every event is claimed in the
// processed-events store before any side effect runs, so redelivered
// events are acknowledged without being applied twice.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/gateway"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/logging"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/metrics"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/traces"
)

var (
	ErrDuplicateEvent = errors.New("event already processed")
	ErrEventNotFound  = errors.New("event not found")
)

// Event statuses.
const (
	StatusClaimed   = "claimed"
	StatusProcessed = "processed"
	StatusFailed    = "failed"
)

// ProcessedEvent records one webhook delivery. A row is inserted when
// the event is claimed and finalized when handling ends. Failed rows
// may be claimed again on redelivery; processed rows are terminal.
type ProcessedEvent struct {
	EventID      string     `json:"eventId"`
	EventType    string     `json:"eventType"`
	Status       string     `json:"status"`
	Result       string     `json:"result,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	ClaimedAt    time.Time  `json:"claimedAt"`
	ProcessedAt  *time.Time `json:"processedAt,omitempty"`
}

// Store persists the processed-event log.
type Store interface {
	// Claim inserts a claimed row for the event. It returns
	// ErrDuplicateEvent when the event is already claimed or processed.
	// A previously failed event may be claimed again.
	Claim(ctx context.Context, eventID, eventType string) error

	// MarkProcessed finalizes a claimed event as handled.
	MarkProcessed(ctx context.Context, eventID, result string) error

	// MarkFailed finalizes a claimed event as failed so a redelivery
	// can retry it.
	MarkFailed(ctx context.Context, eventID, errMsg string) error

	// Get returns the record for an event id.
	Get(ctx context.Context, eventID string) (*ProcessedEvent, error)
}

// EscrowApplier is the slice of the escrow service the reconciler drives.
type EscrowApplier interface {
	ConfirmCapture(ctx context.Context, paymentIntentID string) error
	FailCapture(ctx context.Context, paymentIntentID string) error
	ConfirmRefund(ctx context.Context, refundID string) error
	OpenDispute(ctx context.Context, paymentIntentID, disputeID string) error
	CloseDispute(ctx context.Context, disputeID string, won bool) error
	ConfirmTransfer(ctx context.Context, transferID string) error
	FailTransfer(ctx context.Context, transferID string) error
}

// PayoutDirectory toggles payout capability on jobs when the gateway
// reports a connected account change.
type PayoutDirectory interface {
	SetPayoutsEnabledByAccount(ctx context.Context, payoutAccountID string, enabled bool) error
}

// Reconciler dispatches verified gateway events.
type Reconciler struct {
	store  Store
	escrow EscrowApplier
	jobs   PayoutDirectory
}

// New creates a reconciler over the given stores and services.
func New(store Store, escrow EscrowApplier, jobs PayoutDirectory) *Reconciler {
	return &Reconciler{store: store, escrow: escrow, jobs: jobs}
}

// HandleEvent claims the event, applies it, and finalizes the claim.
// Redelivered events return ErrDuplicateEvent without side effects.
func (r *Reconciler) HandleEvent(ctx context.Context, event *gateway.Event) error {
	ctx, span := traces.StartSpan(ctx, "reconciler.HandleEvent",
		traces.EventID(event.ID),
		traces.EventType(event.Type),
	)
	defer span.End()

	log := logging.L(ctx)

	if err := r.store.Claim(ctx, event.ID, event.Type); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			metrics.WebhookEventsTotal.WithLabelValues(event.Type, "duplicate").Inc()
			log.Info("webhook event redelivered", "eventId", event.ID, "type", event.Type)
		}
		return err
	}

	result, err := r.apply(ctx, event)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(event.Type, "failed").Inc()
		log.Error("webhook event failed", "eventId", event.ID, "type", event.Type, "error", err)
		if markErr := r.store.MarkFailed(ctx, event.ID, err.Error()); markErr != nil {
			log.Error("failed to record webhook failure", "eventId", event.ID, "error", markErr)
		}
		return err
	}

	metrics.WebhookEventsTotal.WithLabelValues(event.Type, result).Inc()
	if err := r.store.MarkProcessed(ctx, event.ID, result); err != nil {
		log.Error("failed to finalize webhook event", "eventId", event.ID, "error", err)
	}
	log.Info("webhook event processed", "eventId", event.ID, "type", event.Type, "result", result)
	return nil
}

func (r *Reconciler) apply(ctx context.Context, event *gateway.Event) (string, error) {
	switch event.Type {
	case "payment_intent.succeeded":
		obj, err := decodeObject(event.Data)
		if err != nil {
			return "", err
		}
		return "captured", r.escrow.ConfirmCapture(ctx, obj.ID)

	case "payment_intent.payment_failed":
		obj, err := decodeObject(event.Data)
		if err != nil {
			return "", err
		}
		return "capture_failed", r.escrow.FailCapture(ctx, obj.ID)

	case "checkout.session.completed":
		obj, err := decodeObject(event.Data)
		if err != nil {
			return "", err
		}
		if obj.PaymentIntent == "" {
			return "ignored", nil
		}
		return "captured", r.escrow.ConfirmCapture(ctx, obj.PaymentIntent)

	case "charge.refunded":
		obj, err := decodeObject(event.Data)
		if err != nil {
			return "", err
		}
		for _, ref := range obj.Refunds.Data {
			if err := r.escrow.ConfirmRefund(ctx, ref.ID); err != nil {
				return "", err
			}
		}
		return "refund_confirmed", nil

	case "charge.dispute.created":
		obj, err := decodeObject(event.Data)
		if err != nil {
			return "", err
		}
		return "dispute_opened", r.escrow.OpenDispute(ctx, obj.PaymentIntent, obj.ID)

	case "charge.dispute.updated":
		// Evidence and status churn before closure; nothing to apply.
		logging.L(ctx).Info("dispute updated", "eventId", event.ID)
		return "ignored", nil

	case "charge.dispute.closed":
		obj, err := decodeObject(event.Data)
		if err != nil {
			return "", err
		}
		switch obj.Status {
		case "won":
			return "dispute_won", r.escrow.CloseDispute(ctx, obj.ID, true)
		case "lost":
			return "dispute_lost", r.escrow.CloseDispute(ctx, obj.ID, false)
		default:
			logging.L(ctx).Warn("dispute closed with unexpected status", "eventId", event.ID, "status", obj.Status)
			return "ignored", nil
		}

	case "transfer.created", "transfer.updated":
		obj, err := decodeObject(event.Data)
		if err != nil {
			return "", err
		}
		return "transfer_confirmed", r.escrow.ConfirmTransfer(ctx, obj.ID)

	case "transfer.failed", "transfer.reversed":
		obj, err := decodeObject(event.Data)
		if err != nil {
			return "", err
		}
		return "transfer_failed", r.escrow.FailTransfer(ctx, obj.ID)

	case "account.updated":
		obj, err := decodeObject(event.Data)
		if err != nil {
			return "", err
		}
		return "payouts_updated", r.jobs.SetPayoutsEnabledByAccount(ctx, obj.ID, obj.PayoutsEnabled)

	default:
		return "ignored", nil
	}
}

// eventObject covers the fields we read out of the gateway's event
// payloads. Each event type populates a different subset.
type eventObject struct {
	ID             string `json:"id"`
	PaymentIntent  string `json:"payment_intent"`
	Status         string `json:"status"`
	PayoutsEnabled bool   `json:"payouts_enabled"`
	Refunds        struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	} `json:"refunds"`
}

func decodeObject(raw json.RawMessage) (*eventObject, error) {
	var obj eventObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("malformed event object: %w", err)
	}
	return &obj, nil
}
