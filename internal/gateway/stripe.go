package gateway

import (
	"context"
	"errors"
	"log/slog"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/paymentintent"
	"github.com/stripe/stripe-go/v81/refund"
	"github.com/stripe/stripe-go/v81/transfer"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/logging"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/metrics"
)

// StripeGateway implements Gateway and WebhookVerifier against Stripe.
type StripeGateway struct {
	webhookSecret string
	logger        *slog.Logger
}

var (
	_ Gateway         = (*StripeGateway)(nil)
	_ WebhookVerifier = (*StripeGateway)(nil)
)

// NewStripeGateway configures the global Stripe client and returns the
// adapter. secretKey is the sk_/rk_ API key, webhookSecret the whsec_
// endpoint secret.
func NewStripeGateway(secretKey, webhookSecret string, logger *slog.Logger) *StripeGateway {
	stripe.Key = secretKey
	return &StripeGateway{
		webhookSecret: webhookSecret,
		logger:        logger,
	}
}

func (g *StripeGateway) CreatePaymentIntent(ctx context.Context, amount int64, currency string, metadata map[string]string) (*PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	pi, err := paymentintent.New(params)
	if err != nil {
		metrics.GatewayRequestsTotal.WithLabelValues("payment_intent", "error").Inc()
		return nil, wrapStripeErr("create_payment_intent", err)
	}
	metrics.GatewayRequestsTotal.WithLabelValues("payment_intent", "ok").Inc()

	logging.L(ctx).Info("created payment intent",
		"intent_id", pi.ID,
		"amount", amount,
		"currency", currency)

	return &PaymentIntent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       string(pi.Status),
	}, nil
}

func (g *StripeGateway) CreateRefund(ctx context.Context, paymentRef string, amount int64, metadata map[string]string) (*Refund, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentRef),
		Amount:        stripe.Int64(amount),
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	r, err := refund.New(params)
	if err != nil {
		metrics.GatewayRequestsTotal.WithLabelValues("refund", "error").Inc()
		return nil, wrapStripeErr("create_refund", err)
	}
	metrics.GatewayRequestsTotal.WithLabelValues("refund", "ok").Inc()

	logging.L(ctx).Info("created refund",
		"refund_id", r.ID,
		"payment_intent", paymentRef,
		"amount", amount)

	return &Refund{ID: r.ID, Status: string(r.Status)}, nil
}

func (g *StripeGateway) CreateTransfer(ctx context.Context, amount int64, currency, destination string, metadata map[string]string) (*Transfer, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(amount),
		Currency:    stripe.String(currency),
		Destination: stripe.String(destination),
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	tr, err := transfer.New(params)
	if err != nil {
		metrics.GatewayRequestsTotal.WithLabelValues("transfer", "error").Inc()
		return nil, wrapStripeErr("create_transfer", err)
	}
	metrics.GatewayRequestsTotal.WithLabelValues("transfer", "ok").Inc()

	logging.L(ctx).Info("created transfer",
		"transfer_id", tr.ID,
		"destination", destination,
		"amount", amount)

	return &Transfer{ID: tr.ID}, nil
}

// VerifyWebhookSignature validates the Stripe-Signature header and
// decodes the event envelope. The endpoint's API version is pinned in the
// Stripe dashboard, not by this binary, so a version that differs from the
// SDK's pin must not fail verification; only the HMAC and timestamp count.
func (g *StripeGateway) VerifyWebhookSignature(payload []byte, sigHeader string) (*Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, ErrInvalidSignature
	}
	return &Event{
		ID:   event.ID,
		Type: string(event.Type),
		Data: event.Data.Raw,
	}, nil
}

func wrapStripeErr(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		wrapped := &Error{Op: op, Code: string(se.Code), Message: se.Msg, Err: err}
		if se.Type == stripe.ErrorTypeCard {
			wrapped.Err = errors.Join(ErrGatewayDeclined, err)
		}
		return wrapped
	}
	return &Error{Op: op, Message: err.Error(), Err: err}
}
