// Package payments is the boundary to the card processor.
package payments

import "context"

type LineItem struct {
	Name        string
	Description string
	Image       string
	UnitAmount  int64
	Quantity    int64
}

type CheckoutRequest struct {
	LineItems      []LineItem
	Currency       string
	Metadata       map[string]string
	SuccessURL     string
	CancelURL      string
	CustomerEmail  string
	IdempotencyKey string
}

type CheckoutSession struct {
	ID  string
	URL string
}

// Capture describes the charge created by capturing a payment intent.
// FeeAmount is the processor's own fee from the balance transaction.
type Capture struct {
	ChargeID    string
	AmountTotal int64
	Currency    string
	FeeAmount   int64
}

type TransferRequest struct {
	Amount         int64
	Currency       string
	Destination    string
	SourceCharge   string
	TransferGroup  string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

type Processor interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	CapturePaymentIntent(ctx context.Context, paymentIntentID string) (*Capture, error)
	CancelPaymentIntent(ctx context.Context, paymentIntentID string) error
	CreateTransfer(ctx context.Context, req TransferRequest) (string, error)
	// ConnectedAccountReady reports whether transfers can target the account.
	ConnectedAccountReady(ctx context.Context, accountID string) (bool, error)
}

const EventCheckoutCompleted = "checkout.session.completed"

// CompletedSession is the part of a completed checkout the purchase flow
// needs. Metadata is what CreateCheckoutSession attached.
type CompletedSession struct {
	ID              string
	PaymentIntentID string
	AmountTotal     int64
	Currency        string
	Email           string
	Metadata        map[string]string
}

type Event struct {
	ID      string
	Type    string
	Session *CompletedSession
}
