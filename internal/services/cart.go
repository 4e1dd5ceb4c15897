package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"NFTBookCommerce/internal/apperr"
	"NFTBookCommerce/internal/models"
	"NFTBookCommerce/internal/notify"
	"NFTBookCommerce/internal/payments"
	"NFTBookCommerce/internal/purchase"
	"NFTBookCommerce/internal/store"
)

// PartialFailureError reports a cart where some items could not be
// reserved. The payment intent is left uncaptured.
type PartialFailureError struct {
	CartID string
	Failed []models.CartItem
}

func (e *PartialFailureError) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		ids = append(ids, f.PaymentID)
	}
	return fmt.Sprintf("cart %s: %d item(s) failed: %s", e.CartID, len(e.Failed), strings.Join(ids, ","))
}

// handleCart reserves every cart item in its own transaction. There is no
// outer transaction: a cart can end up with some items paid and others not.
func (s *PurchaseService) handleCart(ctx context.Context, cartID string, sess payments.CompletedSession) error {
	cart, err := s.Store.GetCart(ctx, cartID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.ErrCartNotFound
		}
		return fmt.Errorf("get cart %s: %w", cartID, err)
	}
	switch {
	case cart.Status == models.PaymentCanceled:
		return nil
	case cart.Status != models.PaymentNew && cart.ChargeID != "":
		return nil
	}
	records, err := s.Store.ListCartPayments(ctx, cartID)
	if err != nil {
		return fmt.Errorf("list cart payments %s: %w", cartID, err)
	}

	var failed []models.CartItem
	for _, p := range records {
		_, effects, err := s.Core.Reserve(ctx, purchase.Paid{
			ListingID:       p.ListingID,
			PaymentID:       p.PaymentID,
			SessionID:       sess.ID,
			PaymentIntentID: sess.PaymentIntentID,
			Email:           sess.Email,
			AmountTotal:     p.PriceInDecimal * p.Quantity,
			Currency:        sess.Currency,
		})
		if errors.Is(err, apperr.ErrPaymentAlreadyProcessed) && p.Status != models.PaymentCanceled {
			err = nil
		}
		if err != nil && !rejected(err) && !errors.Is(err, apperr.ErrPaymentAlreadyProcessed) {
			// Items reserved so far stay paid; the retried event skips them.
			s.Metrics.Reservation(outcome(err))
			return fmt.Errorf("reserve cart %s item %s: %w", cartID, p.PaymentID, err)
		}
		if err != nil {
			s.Metrics.Reservation(outcome(err))
			s.Logger.Warn("cart item reservation failed", "cart_id", cartID, "payment_id", p.PaymentID, "err", err)
			failed = append(failed, models.CartItem{
				ListingID:  p.ListingID,
				Kind:       p.Kind,
				PriceIndex: p.PriceIndex,
				PaymentID:  p.PaymentID,
				Reason:     reason(err),
			})
			continue
		}
		s.Metrics.Reservation("ok")
		s.Dispatcher.Dispatch(ctx, effects...)
	}

	cart.SessionID = sess.ID
	cart.PaymentIntentID = sess.PaymentIntentID
	if sess.Email != "" {
		cart.Email = sess.Email
	}
	cart.FailedItems = failed

	switch {
	case len(failed) == len(records):
		return s.cancelCartPurchase(ctx, cart, records)
	case len(failed) > 0:
		if err := s.Store.UpdateCart(ctx, cart); err != nil {
			s.Logger.Error("update cart failed", "cart_id", cartID, "err", err)
		}
		s.Dispatcher.Dispatch(ctx, notify.Alert(cartID, "cart_partial_failure",
			fmt.Sprintf("cart %s: %d of %d items failed, payment not captured", cartID, len(failed), len(records)),
			(&PartialFailureError{CartID: cartID, Failed: failed}).Error()))
		return &PartialFailureError{CartID: cartID, Failed: failed}
	}

	cart.Status = models.PaymentPaid
	if err := s.Store.UpdateCart(ctx, cart); err != nil {
		return fmt.Errorf("update cart %s: %w", cartID, err)
	}
	return s.captureCart(ctx, cart, records)
}

func (s *PurchaseService) cancelCartPurchase(ctx context.Context, cart *models.Cart, records []*models.Payment) error {
	s.Logger.Warn("every cart item failed", "cart_id", cart.CartID)
	if cart.PaymentIntentID != "" {
		if err := s.Processor.CancelPaymentIntent(ctx, cart.PaymentIntentID); err != nil {
			s.Logger.Error("cancel payment intent failed", "cart_id", cart.CartID, "err", err)
		}
	}
	for i, p := range records {
		if _, err := s.Core.Cancel(ctx, p.ListingID, p.PaymentID, cart.FailedItems[i].Reason); err != nil {
			s.Logger.Error("cancel payment failed", "payment_id", p.PaymentID, "err", err)
		}
	}
	cart.Status = models.PaymentCanceled
	if err := s.Store.UpdateCart(ctx, cart); err != nil {
		return fmt.Errorf("update cart %s: %w", cart.CartID, err)
	}
	s.Dispatcher.Dispatch(ctx, notify.Alert(cart.CartID, "cart_failed",
		"cart "+cart.CartID+" was not fulfilled", (&PartialFailureError{CartID: cart.CartID, Failed: cart.FailedItems}).Error()))
	return nil
}

// captureCart captures the cart's single payment intent and records each
// item's share of the processor fee, proportional to its line amount.
func (s *PurchaseService) captureCart(ctx context.Context, cart *models.Cart, records []*models.Payment) error {
	captured, err := s.Processor.CapturePaymentIntent(ctx, cart.PaymentIntentID)
	if err != nil {
		s.Logger.Error("cart capture failed", "cart_id", cart.CartID, "err", err)
		s.Dispatcher.Dispatch(ctx, notify.Alert(cart.CartID, "capture_failed",
			"capture failed for cart "+cart.CartID, err.Error()))
		return apperr.ErrProcessorUnavailable.WithMessage(err.Error())
	}

	lines := make([]int64, len(records))
	for i, p := range records {
		lines[i] = p.PriceInDecimal * p.Quantity
	}
	fees := apportion(captured.FeeAmount, lines)
	for i, p := range records {
		_, effects, err := s.Core.RecordCapture(ctx, p.ListingID, p.PaymentID, purchase.Captured{
			ChargeID:        captured.ChargeID,
			AmountTotal:     lines[i],
			Currency:        captured.Currency,
			StripeFeeAmount: fees[i],
		})
		if err != nil {
			s.Logger.Error("record cart capture failed", "cart_id", cart.CartID, "payment_id", p.PaymentID, "err", err)
			continue
		}
		s.Dispatcher.Dispatch(ctx, effects...)
	}

	cart.ChargeID = captured.ChargeID
	cart.AmountTotal = captured.AmountTotal
	cart.Currency = captured.Currency
	cart.FeeInfo.StripeFeeAmount = captured.FeeAmount
	if err := s.Store.UpdateCart(ctx, cart); err != nil {
		return fmt.Errorf("update cart %s: %w", cart.CartID, err)
	}
	return nil
}

// apportion splits total by weight, flooring each share. The last share
// takes the remainder so the parts always add up to total.
func apportion(total int64, weights []int64) []int64 {
	out := make([]int64, len(weights))
	if len(weights) == 0 {
		return out
	}
	var sum int64
	for _, w := range weights {
		sum += w
	}
	if sum <= 0 {
		out[len(out)-1] = total
		return out
	}
	var given int64
	for i := 0; i < len(weights)-1; i++ {
		out[i] = total * weights[i] / sum
		given += out[i]
	}
	out[len(out)-1] = total - given
	return out
}

func reason(err error) string {
	if e, ok := apperr.As(err); ok {
		return e.Code
	}
	return err.Error()
}

type CartClaimItem struct {
	ListingID string       `json:"listingId"`
	PaymentID string       `json:"paymentId"`
	Result    *ClaimResult `json:"result,omitempty"`
	Error     string       `json:"error,omitempty"`
}

type CartClaimResult struct {
	CartID string          `json:"cartId"`
	Items  []CartClaimItem `json:"items"`
}

// ClaimCart claims every live payment in the cart with the cart's token.
// It fails only when no item could be claimed.
func (s *PurchaseService) ClaimCart(ctx context.Context, cartID, token, wallet, message string) (*CartClaimResult, error) {
	cart, err := s.Store.GetCart(ctx, cartID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.ErrCartNotFound
		}
		return nil, err
	}
	if token == "" || cart.ClaimToken != token {
		return nil, apperr.ErrInvalidClaimToken
	}
	if cart.Status == models.PaymentNew || cart.Status == models.PaymentCanceled {
		return nil, apperr.ErrPaymentNotPaid
	}
	records, err := s.Store.ListCartPayments(ctx, cartID)
	if err != nil {
		return nil, err
	}

	out := &CartClaimResult{CartID: cartID, Items: []CartClaimItem{}}
	var (
		firstErr error
		claimed  int
	)
	for _, p := range records {
		if p.Status == models.PaymentCanceled {
			continue
		}
		item := CartClaimItem{ListingID: p.ListingID, PaymentID: p.PaymentID}
		res, err := s.Claim(ctx, ClaimInput{
			ListingID: p.ListingID,
			PaymentID: p.PaymentID,
			Token:     token,
			Wallet:    wallet,
			Message:   message,
		})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			item.Error = reason(err)
		} else {
			item.Result = res
			claimed++
		}
		out.Items = append(out.Items, item)
	}
	if claimed == 0 {
		if firstErr == nil {
			firstErr = apperr.ErrPaymentNotFound
		}
		return nil, firstErr
	}

	if cart.Wallet == "" {
		cart.Wallet = wallet
		if err := s.Store.UpdateCart(ctx, cart); err != nil {
			s.Logger.Error("update cart wallet failed", "cart_id", cartID, "err", err)
		}
	}
	return out, nil
}
