// Package purchase holds the atomic state transitions of a payment record.
//
// Every operation is a single read-modify-write over a listing and one of its
// payments, run through store.RunTx. Bodies may be re-executed on conflict, so
// they never call out; instead they return effects that the caller dispatches
// once the transaction has committed.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"NFTBookCommerce/internal/apperr"
	"NFTBookCommerce/internal/models"
	"NFTBookCommerce/internal/notify"
	"NFTBookCommerce/internal/store"
)

type Core struct {
	Store store.Store
	Now   func() time.Time
}

func New(s store.Store) *Core {
	return &Core{Store: s, Now: time.Now}
}

// Paid carries what the processor reported when the checkout completed.
type Paid struct {
	ListingID       string
	PaymentID       string
	SessionID       string
	PaymentIntentID string
	Email           string
	AmountTotal     int64
	Currency        string
}

// Reserve moves a new payment to paid, taking stock from its tier. It is the
// only place inventory is decremented.
func (c *Core) Reserve(ctx context.Context, in Paid) (*models.Payment, []notify.Effect, error) {
	var (
		out     *models.Payment
		effects []notify.Effect
	)
	err := c.Store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		effects = nil
		listing, payment, err := load(ctx, tx, in.ListingID, in.PaymentID)
		if err != nil {
			return err
		}
		if payment.Status != models.PaymentNew {
			return apperr.ErrPaymentAlreadyProcessed
		}
		tier, ok := listing.Price(payment.PriceIndex)
		if !ok {
			return apperr.ErrPriceNotFound
		}
		qty := payment.Quantity
		if qty < 1 {
			return apperr.ErrInvalidQuantity
		}
		if !tier.IsAutoDeliver {
			if tier.Stock-qty < 0 {
				return apperr.ErrOutOfStock
			}
			tier.Stock -= qty
		}
		tier.Sold += qty

		now := c.Now().UTC()
		listing.LastSaleAt = &now
		if err := tx.UpdateListingInventory(ctx, listing); err != nil {
			return fmt.Errorf("update listing %s: %w", listing.ID, err)
		}

		payment.Status = models.PaymentPaid
		payment.IsPendingClaim = true
		payment.PaidAt = &now
		if in.SessionID != "" {
			payment.SessionID = in.SessionID
		}
		if in.PaymentIntentID != "" {
			payment.PaymentIntentID = in.PaymentIntentID
		}
		if in.Email != "" {
			payment.Email = in.Email
		}
		if in.AmountTotal > 0 {
			payment.AmountTotal = in.AmountTotal
		}
		if in.Currency != "" {
			payment.Currency = in.Currency
		}
		if err := tx.UpdatePayment(ctx, payment); err != nil {
			return fmt.Errorf("update payment %s: %w", payment.PaymentID, err)
		}

		effects = append(effects, notify.Effect{
			Topic: notify.TopicSale,
			Key:   payment.PaymentID,
			Payload: notify.Sale{
				ListingID:   payment.ListingID,
				PaymentID:   payment.PaymentID,
				CartID:      payment.CartID,
				PriceIndex:  payment.PriceIndex,
				PriceName:   payment.PriceName,
				Quantity:    payment.Quantity,
				AmountTotal: payment.AmountTotal,
				Currency:    payment.Currency,
				Email:       payment.Email,
				From:        payment.From,
				ClaimToken:  payment.ClaimToken,
				AutoDeliver: payment.IsAutoDeliver,
			},
		})
		if g := payment.GiftInfo; g != nil && g.ToEmail != "" {
			effects = append(effects, notify.Effect{
				Topic: notify.TopicGift,
				Key:   payment.PaymentID,
				Payload: notify.Gift{
					ListingID:  payment.ListingID,
					PaymentID:  payment.PaymentID,
					ToEmail:    g.ToEmail,
					ToName:     g.ToName,
					FromName:   g.FromName,
					Message:    g.Message,
					ClaimToken: payment.ClaimToken,
				},
			})
		}
		out = payment
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, effects, nil
}

// Captured is the settled charge as reported by the processor.
type Captured struct {
	ChargeID        string
	AmountTotal     int64
	Currency        string
	StripeFeeAmount int64
}

// RecordCapture stores charge details on a paid payment. The settlement job
// is queued in the same transaction, so a recorded capture always has one.
func (c *Core) RecordCapture(ctx context.Context, listingID, paymentID string, captured Captured) (*models.Payment, []notify.Effect, error) {
	var (
		out     *models.Payment
		effects []notify.Effect
	)
	err := c.Store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		effects = nil
		_, payment, err := load(ctx, tx, listingID, paymentID)
		if err != nil {
			return err
		}
		if payment.Status == models.PaymentNew || payment.Status == models.PaymentCanceled {
			return apperr.ErrPaymentNotPaid
		}
		if payment.ChargeID != "" {
			out = payment
			return nil
		}
		payment.ChargeID = captured.ChargeID
		if captured.AmountTotal > 0 {
			payment.AmountTotal = captured.AmountTotal
		}
		if captured.Currency != "" {
			payment.Currency = captured.Currency
		}
		payment.FeeInfo.StripeFeeAmount = captured.StripeFeeAmount
		if err := tx.UpdatePayment(ctx, payment); err != nil {
			return fmt.Errorf("update payment %s: %w", payment.PaymentID, err)
		}
		if err := tx.Enqueue(ctx, notify.Effect{
			Topic:   notify.TopicSettlement,
			Key:     payment.PaymentID,
			Payload: notify.SettlementJob{ListingID: payment.ListingID, PaymentID: payment.PaymentID},
		}); err != nil {
			return fmt.Errorf("enqueue settlement %s: %w", payment.PaymentID, err)
		}
		out = payment
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, effects, nil
}

type ClaimRequest struct {
	ListingID string
	PaymentID string
	Token     string
	Wallet    string
	Message   string
}

// Claim binds a paid payment to a wallet. Manual tiers move to pendingNFT
// and wait for the owner; auto-deliver tiers move to pendingNFT while the
// caller mints, without counting towards the owner's pending queue.
func (c *Core) Claim(ctx context.Context, req ClaimRequest) (*models.Payment, []notify.Effect, error) {
	var (
		out     *models.Payment
		effects []notify.Effect
	)
	err := c.Store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		effects = nil
		listing, payment, err := load(ctx, tx, req.ListingID, req.PaymentID)
		if err != nil {
			return err
		}
		if payment.ClaimToken != req.Token {
			return apperr.ErrInvalidClaimToken
		}
		if payment.Wallet != "" && payment.Wallet != req.Wallet {
			return apperr.ErrPaymentAlreadyClaimedOther
		}
		if payment.Status != models.PaymentPaid {
			switch {
			case payment.Status == models.PaymentNew || payment.Status == models.PaymentCanceled:
				return apperr.ErrPaymentNotPaid
			case payment.Wallet == req.Wallet:
				return apperr.ErrPaymentAlreadyClaimedWallet
			default:
				return apperr.ErrPaymentAlreadyClaimed
			}
		}
		// Reserved but not yet charged, e.g. a cart that partially failed.
		if payment.ChargeID == "" {
			return apperr.ErrPaymentNotPaid.WithMessage("payment is not captured")
		}

		now := c.Now().UTC()
		payment.Wallet = req.Wallet
		payment.IsPendingClaim = false
		payment.ClaimedAt = &now
		payment.LastError = ""
		payment.Status = models.PaymentPendingNFT
		if req.Message != "" && payment.Message == "" {
			payment.Message = req.Message
		}

		if !payment.IsAutoDeliver {
			listing.PendingNFTCount++
			if err := tx.UpdateListingInventory(ctx, listing); err != nil {
				return fmt.Errorf("update listing %s: %w", listing.ID, err)
			}
			effects = append(effects, notify.Effect{
				Topic: notify.TopicPendingClaim,
				Key:   payment.PaymentID,
				Payload: notify.PendingClaim{
					ListingID: payment.ListingID,
					PaymentID: payment.PaymentID,
					Wallet:    payment.Wallet,
					Message:   payment.Message,
				},
			})
		}
		if err := tx.UpdatePayment(ctx, payment); err != nil {
			return fmt.Errorf("update payment %s: %w", payment.PaymentID, err)
		}
		out = payment
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, effects, nil
}

// DeliveredNFT is one token handed to the buyer. TxHash is set when the
// token was minted in its own transaction.
type DeliveredNFT struct {
	ClassID string
	NFTID   string
	TxHash  string
}

type Delivery struct {
	ListingID string
	PaymentID string
	TxHash    string
	Quantity  int64
	NFTs      []DeliveredNFT
}

// CompleteDelivery records the delivery transaction of a claimed payment.
func (c *Core) CompleteDelivery(ctx context.Context, d Delivery) (*models.Payment, []notify.Effect, error) {
	var (
		out     *models.Payment
		effects []notify.Effect
	)
	err := c.Store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		effects = nil
		listing, payment, err := load(ctx, tx, d.ListingID, d.PaymentID)
		if err != nil {
			return err
		}
		switch payment.Status {
		case models.PaymentCompleted:
			return apperr.ErrStatusAlreadySent
		case models.PaymentPendingNFT:
		default:
			return apperr.ErrPaymentNotPaid.WithMessage("payment is not claimed")
		}
		if payment.Quantity != d.Quantity {
			return apperr.ErrInvalidQuantity
		}

		now := c.Now().UTC()
		payment.Status = models.PaymentCompleted
		payment.TxHash = d.TxHash
		payment.CompletedAt = &now
		payment.LastError = ""
		payment.NFTIDs = payment.NFTIDs[:0]
		records := make([]models.NFTRecord, 0, len(d.NFTs))
		for _, n := range d.NFTs {
			payment.NFTIDs = append(payment.NFTIDs, n.NFTID)
			records = append(records, nftRecord(listing.ID, payment, n, d.TxHash, now))
		}
		if len(records) > 0 {
			if err := tx.InsertNFTRecords(ctx, records); err != nil {
				return err
			}
		}

		if !payment.IsAutoDeliver && listing.PendingNFTCount > 0 {
			listing.PendingNFTCount--
			if err := tx.UpdateListingInventory(ctx, listing); err != nil {
				return fmt.Errorf("update listing %s: %w", listing.ID, err)
			}
		}
		if err := tx.UpdatePayment(ctx, payment); err != nil {
			return fmt.Errorf("update payment %s: %w", payment.PaymentID, err)
		}
		effects = append(effects, notify.Effect{
			Topic: notify.TopicDelivered,
			Key:   payment.PaymentID,
			Payload: notify.Delivered{
				ListingID: payment.ListingID,
				PaymentID: payment.PaymentID,
				Wallet:    payment.Wallet,
				TxHash:    payment.TxHash,
				NFTIDs:    payment.NFTIDs,
				Email:     payment.Email,
			},
		})
		out = payment
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, effects, nil
}

// RollbackDelivery undoes a claim whose delivery failed so that the buyer
// can claim again. Tokens in minted already reached the wallet: they are
// recorded against the payment and the claim stays bound to that wallet.
func (c *Core) RollbackDelivery(ctx context.Context, listingID, paymentID string, cause error, minted ...DeliveredNFT) (*models.Payment, []notify.Effect, error) {
	var (
		out     *models.Payment
		effects []notify.Effect
	)
	err := c.Store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		effects = nil
		listing, payment, err := load(ctx, tx, listingID, paymentID)
		if err != nil {
			return err
		}
		if payment.Status != models.PaymentPendingNFT {
			out = payment
			return nil
		}
		wallet := payment.Wallet
		if len(minted) > 0 {
			now := c.Now().UTC()
			records := make([]models.NFTRecord, 0, len(minted))
			for _, n := range minted {
				records = append(records, nftRecord(listing.ID, payment, n, "", now))
			}
			if err := tx.InsertNFTRecords(ctx, records); err != nil {
				return err
			}
		} else {
			payment.Wallet = ""
			payment.ClaimedAt = nil
		}
		payment.Status = models.PaymentPaid
		payment.IsPendingClaim = true
		if cause != nil {
			payment.LastError = cause.Error()
		}
		if !payment.IsAutoDeliver && listing.PendingNFTCount > 0 {
			listing.PendingNFTCount--
			if err := tx.UpdateListingInventory(ctx, listing); err != nil {
				return fmt.Errorf("update listing %s: %w", listing.ID, err)
			}
		}
		if err := tx.UpdatePayment(ctx, payment); err != nil {
			return fmt.Errorf("update payment %s: %w", payment.PaymentID, err)
		}
		effects = append(effects, notify.Alert(payment.PaymentID, "delivery_failed",
			fmt.Sprintf("delivery of %s to %s failed", payment.PaymentID, wallet), payment.LastError))
		out = payment
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, effects, nil
}

type MessageRequest struct {
	ListingID string
	PaymentID string
	Token     string
	Wallet    string
	Message   string
}

// SetBuyerMessage stores the buyer's note to the author. An existing
// message is never replaced.
func (c *Core) SetBuyerMessage(ctx context.Context, req MessageRequest) (*models.Payment, error) {
	var out *models.Payment
	err := c.Store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, payment, err := load(ctx, tx, req.ListingID, req.PaymentID)
		if err != nil {
			return err
		}
		if payment.ClaimToken != req.Token {
			return apperr.ErrInvalidClaimToken
		}
		if payment.Wallet != "" && payment.Wallet != req.Wallet {
			return apperr.ErrPaymentAlreadyClaimedOther
		}
		if payment.Message != "" {
			if payment.Message == req.Message {
				out = payment
				return nil
			}
			return apperr.ErrMessageAlreadySet
		}
		payment.Message = req.Message
		if err := tx.UpdatePayment(ctx, payment); err != nil {
			return fmt.Errorf("update payment %s: %w", payment.PaymentID, err)
		}
		out = payment
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Cancel marks a payment that was never paid as canceled. Any other status
// is left untouched.
func (c *Core) Cancel(ctx context.Context, listingID, paymentID, reason string) (*models.Payment, error) {
	var out *models.Payment
	err := c.Store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, payment, err := load(ctx, tx, listingID, paymentID)
		if err != nil {
			return err
		}
		out = payment
		if payment.Status != models.PaymentNew {
			return nil
		}
		payment.Status = models.PaymentCanceled
		payment.LastError = reason
		return tx.UpdatePayment(ctx, payment)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func nftRecord(listingID string, payment *models.Payment, n DeliveredNFT, txHash string, at time.Time) models.NFTRecord {
	if n.TxHash != "" {
		txHash = n.TxHash
	}
	return models.NFTRecord{
		ListingID: listingID,
		ClassID:   n.ClassID,
		NFTID:     n.NFTID,
		PaymentID: payment.PaymentID,
		Wallet:    payment.Wallet,
		TxHash:    txHash,
		SoldAt:    at,
	}
}

// load locks the listing before the payment. Every transaction takes the
// two rows in that order.
func load(ctx context.Context, tx store.Tx, listingID, paymentID string) (*models.Listing, *models.Payment, error) {
	listing, err := tx.GetListing(ctx, listingID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, apperr.ErrListingNotFound
		}
		return nil, nil, err
	}
	payment, err := tx.GetPayment(ctx, listingID, paymentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, apperr.ErrPaymentNotFound
		}
		return nil, nil, err
	}
	return listing, payment, nil
}
