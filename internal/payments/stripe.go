package payments

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
	"golang.org/x/time/rate"
)

type Stripe struct {
	api           *client.API
	limiter       *rate.Limiter
	webhookSecret string
}

var _ Processor = (*Stripe)(nil)

// NewStripe builds a client limited to ratePerSecond calls. Stripe's live
// mode allows 100 read and 100 write requests per second per account.
func NewStripe(secretKey, webhookSecret string, ratePerSecond float64) *Stripe {
	if ratePerSecond <= 0 {
		ratePerSecond = 25
	}
	return &Stripe{
		api:           client.New(secretKey, nil),
		limiter:       rate.NewLimiter(rate.Limit(ratePerSecond), int(ratePerSecond)+1),
		webhookSecret: webhookSecret,
	}
}

func (s *Stripe) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
			Metadata:      req.Metadata,
		},
	}
	params.Context = ctx
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	for _, item := range req.LineItems {
		product := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
			Name: stripe.String(item.Name),
		}
		if item.Description != "" {
			product.Description = stripe.String(item.Description)
		}
		if item.Image != "" {
			product.Images = stripe.StringSlice([]string{item.Image})
		}
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripe.String(req.Currency),
				ProductData: product,
				UnitAmount:  stripe.Int64(item.UnitAmount),
			},
			Quantity: stripe.Int64(item.Quantity),
		})
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	sess, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, stripeError(err)
	}
	return &CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

func (s *Stripe) CapturePaymentIntent(ctx context.Context, paymentIntentID string) (*Capture, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.AddExpand("latest_charge.balance_transaction")
	params.SetIdempotencyKey("capture-" + paymentIntentID)

	pi, err := s.api.PaymentIntents.Capture(paymentIntentID, params)
	if err != nil {
		return nil, stripeError(err)
	}
	out := &Capture{
		AmountTotal: pi.AmountReceived,
		Currency:    string(pi.Currency),
	}
	if ch := pi.LatestCharge; ch != nil {
		out.ChargeID = ch.ID
		if bt := ch.BalanceTransaction; bt != nil {
			out.FeeAmount = bt.Fee
		}
	}
	return out, nil
}

func (s *Stripe) CancelPaymentIntent(ctx context.Context, paymentIntentID string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	if _, err := s.api.PaymentIntents.Cancel(paymentIntentID, params); err != nil {
		return stripeError(err)
	}
	return nil
}

func (s *Stripe) CreateTransfer(ctx context.Context, req TransferRequest) (string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", err
	}
	params := &stripe.TransferParams{
		Amount:            stripe.Int64(req.Amount),
		Currency:          stripe.String(req.Currency),
		Destination:       stripe.String(req.Destination),
		SourceTransaction: stripe.String(req.SourceCharge),
		TransferGroup:     stripe.String(req.TransferGroup),
		Metadata:          req.Metadata,
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	t, err := s.api.Transfers.New(params)
	if err != nil {
		return "", stripeError(err)
	}
	return t.ID, nil
}

func (s *Stripe) ConnectedAccountReady(ctx context.Context, accountID string) (bool, error) {
	if accountID == "" {
		return false, nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return false, err
	}
	params := &stripe.AccountParams{}
	params.Context = ctx
	acct, err := s.api.Accounts.GetByID(accountID, params)
	if err != nil {
		return false, stripeError(err)
	}
	if acct.Capabilities == nil {
		return false, nil
	}
	return acct.PayoutsEnabled && acct.Capabilities.Transfers == stripe.AccountCapabilityStatusActive, nil
}

// ParseWebhook verifies the signature header and decodes the event.
// Only completed checkout sessions carry a Session.
func (s *Stripe) ParseWebhook(payload []byte, signature string) (*Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, err
	}
	out := &Event{ID: ev.ID, Type: string(ev.Type)}
	if out.Type != EventCheckoutCompleted {
		return out, nil
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(ev.Data.Raw, &sess); err != nil {
		return nil, fmt.Errorf("decode checkout session: %w", err)
	}
	cs := &CompletedSession{
		ID:          sess.ID,
		AmountTotal: sess.AmountTotal,
		Currency:    string(sess.Currency),
		Metadata:    sess.Metadata,
	}
	if sess.PaymentIntent != nil {
		cs.PaymentIntentID = sess.PaymentIntent.ID
	}
	if sess.CustomerDetails != nil {
		cs.Email = sess.CustomerDetails.Email
	}
	out.Session = cs
	return out, nil
}

func stripeError(err error) error {
	if se, ok := err.(*stripe.Error); ok && se.Msg != "" {
		return fmt.Errorf("stripe %s: %s", se.Code, se.Msg)
	}
	return fmt.Errorf("stripe: %w", err)
}
