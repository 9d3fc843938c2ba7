// Package gateway abstracts the payment gateway used to move money in
// and out of escrow. The rest of the codebase talks to the Gateway and
// WebhookVerifier interfaces; the Stripe implementation lives in
// stripe.go so tests can substitute fakes.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrGatewayDeclined  = errors.New("gateway declined the operation")
)

// PaymentIntent is the gateway-side record that collects a client's funds.
type PaymentIntent struct {
	ID           string
	ClientSecret string
	Status       string
}

// Refund is the result of a gateway refund request.
type Refund struct {
	ID     string
	Status string
}

// Transfer is the result of a gateway payout to a connected account.
type Transfer struct {
	ID string
}

// Event is a verified webhook event delivered by the gateway.
type Event struct {
	ID   string
	Type string
	Data json.RawMessage
}

// Gateway performs money movement against the payment provider.
type Gateway interface {
	// CreatePaymentIntent opens a collection flow for the given amount.
	CreatePaymentIntent(ctx context.Context, amount int64, currency string, metadata map[string]string) (*PaymentIntent, error)

	// CreateRefund returns funds against a previously captured payment.
	CreateRefund(ctx context.Context, paymentRef string, amount int64, metadata map[string]string) (*Refund, error)

	// CreateTransfer pays out to a connected account.
	CreateTransfer(ctx context.Context, amount int64, currency, destination string, metadata map[string]string) (*Transfer, error)
}

// WebhookVerifier authenticates inbound webhook payloads.
type WebhookVerifier interface {
	// VerifyWebhookSignature checks the signature header against the raw
	// payload and returns the decoded event, or ErrInvalidSignature.
	VerifyWebhookSignature(payload []byte, sigHeader string) (*Event, error)
}

// Error wraps a gateway failure with the operation that produced it.
type Error struct {
	Op      string
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway %s: %s (%s)", e.Op, e.Message, e.Code)
	}
	return fmt.Sprintf("gateway %s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }
