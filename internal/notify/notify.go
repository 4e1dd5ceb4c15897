// Package notify carries the side effects of committed purchase state to
// downstream consumers. Effects are described inside transactions and only
// dispatched after commit.
package notify

import (
	"context"
	"sync"
)

const (
	TopicSale          = "book.sale"
	TopicPendingClaim  = "book.pending_claim"
	TopicDelivered     = "book.delivered"
	TopicGift          = "book.gift"
	TopicSettlement    = "book.settlement"
	TopicPayoutSummary = "book.payout_summary"
	TopicOpsAlert      = "ops.alert"
)

// Effect is an intent to notify. Key groups events for ordered delivery,
// normally the payment or cart id.
type Effect struct {
	Topic   string
	Key     string
	Payload any
}

// Dispatcher delivers effects. Implementations log failures instead of
// returning them; notification never blocks a state transition.
type Dispatcher interface {
	Dispatch(ctx context.Context, effects ...Effect)
}

type Sale struct {
	ListingID   string `json:"listingId"`
	PaymentID   string `json:"paymentId"`
	CartID      string `json:"cartId,omitempty"`
	PriceIndex  int    `json:"priceIndex"`
	PriceName   string `json:"priceName"`
	Quantity    int64  `json:"quantity"`
	AmountTotal int64  `json:"amountTotal"`
	Currency    string `json:"currency"`
	Email       string `json:"email"`
	From        string `json:"from,omitempty"`
	ClaimToken  string `json:"claimToken"`
	AutoDeliver bool   `json:"isAutoDeliver"`
}

type PendingClaim struct {
	ListingID string `json:"listingId"`
	PaymentID string `json:"paymentId"`
	Wallet    string `json:"wallet"`
	Message   string `json:"message,omitempty"`
}

type Delivered struct {
	ListingID string   `json:"listingId"`
	PaymentID string   `json:"paymentId"`
	Wallet    string   `json:"wallet"`
	TxHash    string   `json:"txHash"`
	NFTIDs    []string `json:"nftIds"`
	Email     string   `json:"email"`
}

type Gift struct {
	ListingID  string `json:"listingId"`
	PaymentID  string `json:"paymentId"`
	ToEmail    string `json:"toEmail"`
	ToName     string `json:"toName"`
	FromName   string `json:"fromName"`
	Message    string `json:"message"`
	ClaimToken string `json:"claimToken"`
}

// SettlementJob asks the worker to split a captured payment.
type SettlementJob struct {
	ListingID string `json:"listingId"`
	PaymentID string `json:"paymentId"`
}

type PayoutSummary struct {
	Email     string       `json:"email"`
	PaymentID string       `json:"paymentId"`
	ListingID string       `json:"listingId"`
	Payouts   []PayoutLine `json:"payouts"`
	Currency  string       `json:"currency"`
}

type PayoutLine struct {
	Type   string `json:"type"`
	Wallet string `json:"wallet"`
	Amount int64  `json:"amount"`
}

type OpsAlert struct {
	Kind    string `json:"kind"`
	Subject string `json:"subject"`
	Detail  string `json:"detail"`
}

func Alert(key, kind, subject, detail string) Effect {
	return Effect{
		Topic:   TopicOpsAlert,
		Key:     key,
		Payload: OpsAlert{Kind: kind, Subject: subject, Detail: detail},
	}
}

// Recorder keeps dispatched effects in memory.
type Recorder struct {
	mu      sync.Mutex
	effects []Effect
}

func (r *Recorder) Dispatch(_ context.Context, effects ...Effect) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.effects = append(r.effects, effects...)
}

func (r *Recorder) Effects() []Effect {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Effect(nil), r.effects...)
}

// Topic returns recorded effects for one topic, in dispatch order.
func (r *Recorder) Topic(topic string) []Effect {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Effect
	for _, e := range r.effects {
		if e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}
