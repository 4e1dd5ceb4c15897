package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"NFTBookCommerce/internal/apperr"
	"NFTBookCommerce/internal/chain"
	"NFTBookCommerce/internal/metrics"
	"NFTBookCommerce/internal/minting"
	"NFTBookCommerce/internal/models"
	"NFTBookCommerce/internal/notify"
	"NFTBookCommerce/internal/payments"
	"NFTBookCommerce/internal/purchase"
	"NFTBookCommerce/internal/store"
)

// TxLookup finds committed chain transactions.
type TxLookup interface {
	TxByHash(ctx context.Context, hash string) (*chain.Tx, error)
}

// PurchaseService drives a payment from the processor's completion event
// through claim and delivery. State changes go through purchase.Core; this
// type performs the calls around them and dispatches their effects.
type PurchaseService struct {
	Store        store.Store
	Core         *purchase.Core
	Processor    payments.Processor
	Minter       minting.Minter
	Chain        TxLookup
	Dispatcher   notify.Dispatcher
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	Bech32Prefix string
}

// HandleCheckoutCompleted reserves stock for a completed checkout, captures
// the payment and schedules settlement. A repeated event resumes an
// interrupted capture and is otherwise a no-op.
func (s *PurchaseService) HandleCheckoutCompleted(ctx context.Context, sess payments.CompletedSession) error {
	if cartID := sess.Metadata["cartId"]; cartID != "" {
		return s.handleCart(ctx, cartID, sess)
	}
	listingID, paymentID := sess.Metadata["listingId"], sess.Metadata["paymentId"]
	if listingID == "" || paymentID == "" {
		return apperr.ErrPaymentNotFound.WithMessage("session metadata has no payment")
	}

	payment, effects, err := s.Core.Reserve(ctx, purchase.Paid{
		ListingID:       listingID,
		PaymentID:       paymentID,
		SessionID:       sess.ID,
		PaymentIntentID: sess.PaymentIntentID,
		Email:           sess.Email,
		AmountTotal:     sess.AmountTotal,
		Currency:        sess.Currency,
	})
	switch {
	case err == nil:
		s.Metrics.Reservation("ok")
		s.Dispatcher.Dispatch(ctx, effects...)
	case errors.Is(err, apperr.ErrPaymentAlreadyProcessed):
		s.Metrics.Reservation(apperr.ErrPaymentAlreadyProcessed.Code)
		payment, err = s.Store.GetPayment(ctx, listingID, paymentID)
		if err != nil {
			return fmt.Errorf("get payment %s: %w", paymentID, err)
		}
		if payment.ChargeID != "" || payment.Status == models.PaymentCanceled {
			return nil
		}
		s.Logger.Info("resuming capture", "payment_id", paymentID)
	case rejected(err):
		s.Metrics.Reservation(outcome(err))
		s.abandon(ctx, listingID, paymentID, sess.PaymentIntentID, err)
		return err
	default:
		// Leave the record new so the processor's retry reserves again.
		s.Metrics.Reservation(outcome(err))
		return fmt.Errorf("reserve payment %s: %w", paymentID, err)
	}

	captured, err := s.Processor.CapturePaymentIntent(ctx, sess.PaymentIntentID)
	if err != nil {
		s.Logger.Error("capture failed", "payment_id", paymentID, "err", err)
		s.Dispatcher.Dispatch(ctx, notify.Alert(paymentID, "capture_failed",
			"capture failed for "+paymentID, err.Error()))
		return apperr.ErrProcessorUnavailable.WithMessage(err.Error())
	}
	_, effects, err = s.Core.RecordCapture(ctx, listingID, paymentID, purchase.Captured{
		ChargeID:        captured.ChargeID,
		AmountTotal:     captured.AmountTotal,
		Currency:        captured.Currency,
		StripeFeeAmount: captured.FeeAmount,
	})
	if err != nil {
		return fmt.Errorf("record capture %s: %w", paymentID, err)
	}
	s.Dispatcher.Dispatch(ctx, effects...)
	return nil
}

// rejected reports whether a reservation can never succeed, as opposed to
// failing on the database or a collaborator.
func rejected(err error) bool {
	e, ok := apperr.As(err)
	return ok && e.Class == apperr.ClassValidation
}

// abandon releases the buyer's authorisation when the reservation was
// rejected.
func (s *PurchaseService) abandon(ctx context.Context, listingID, paymentID, paymentIntentID string, cause error) {
	s.Logger.Warn("reservation failed", "payment_id", paymentID, "err", cause)
	if paymentIntentID != "" {
		if err := s.Processor.CancelPaymentIntent(ctx, paymentIntentID); err != nil {
			s.Logger.Error("cancel payment intent failed", "payment_id", paymentID, "err", err)
		}
	}
	if _, err := s.Core.Cancel(ctx, listingID, paymentID, cause.Error()); err != nil && !errors.Is(err, apperr.ErrPaymentNotFound) {
		s.Logger.Error("cancel payment failed", "payment_id", paymentID, "err", err)
	}
	s.Dispatcher.Dispatch(ctx, notify.Alert(paymentID, "reservation_failed",
		"purchase "+paymentID+" was not fulfilled", cause.Error()))
}

type ClaimInput struct {
	ListingID string
	PaymentID string
	Token     string
	Wallet    string
	Message   string
}

type PurchasedNFT struct {
	ClassID  string `json:"classId"`
	NFTID    string `json:"nftId"`
	NFTPrice int64  `json:"nftPrice"`
	GasFee   int64  `json:"gasFee"`
}

type ClaimResult struct {
	PaymentID     string               `json:"paymentId"`
	Status        models.PaymentStatus `json:"status"`
	IsAutoDeliver bool                 `json:"isAutoDeliver"`
	TxHash        string               `json:"txHash,omitempty"`
	Purchased     []PurchasedNFT       `json:"purchased"`
}

// Claim binds the payment to the wallet and, for auto-deliver tiers, mints
// straight away. Claiming again with the same wallet returns the current
// state of the purchase.
func (s *PurchaseService) Claim(ctx context.Context, in ClaimInput) (*ClaimResult, error) {
	if err := chain.ValidateAddress(in.Wallet, s.Bech32Prefix); err != nil {
		return nil, apperr.ErrInvalidWallet.WithMessage(err.Error())
	}
	payment, effects, err := s.Core.Claim(ctx, purchase.ClaimRequest{
		ListingID: in.ListingID,
		PaymentID: in.PaymentID,
		Token:     in.Token,
		Wallet:    in.Wallet,
		Message:   in.Message,
	})
	if errors.Is(err, apperr.ErrPaymentAlreadyClaimedWallet) {
		s.Metrics.Claim("repeat")
		payment, err = s.Store.GetPayment(ctx, in.ListingID, in.PaymentID)
		if err != nil {
			return nil, err
		}
		return claimResult(payment), nil
	}
	if err != nil {
		s.Metrics.Claim(outcome(err))
		return nil, err
	}
	s.Metrics.Claim("ok")
	s.Dispatcher.Dispatch(ctx, effects...)

	if !payment.IsAutoDeliver {
		return claimResult(payment), nil
	}
	delivered, nfts, err := s.deliver(ctx, payment)
	if err != nil {
		return nil, err
	}
	out := claimResult(delivered)
	out.Purchased = out.Purchased[:0]
	for _, n := range nfts {
		out.Purchased = append(out.Purchased, PurchasedNFT{
			ClassID:  n.ClassID,
			NFTID:    n.NFTID,
			NFTPrice: delivered.PriceInDecimal,
		})
	}
	return out, nil
}

// deliver mints for an auto-deliver claim. Minting happens outside any
// transaction; if it fails the claim is rolled back so the buyer can retry,
// keeping whatever was already minted.
func (s *PurchaseService) deliver(ctx context.Context, payment *models.Payment) (*models.Payment, []purchase.DeliveredNFT, error) {
	listing, err := s.Store.GetListing(ctx, payment.ListingID)
	if err != nil {
		return nil, nil, fmt.Errorf("get listing %s: %w", payment.ListingID, err)
	}
	memo := payment.Message
	if memo == "" {
		memo = "purchase " + payment.PaymentID
	}

	// Classes minted by an earlier, interrupted attempt are not minted again.
	prior, err := s.Store.ListNFTRecords(ctx, payment.PaymentID)
	if err != nil {
		return nil, nil, fmt.Errorf("list nft records %s: %w", payment.PaymentID, err)
	}
	minted := make(map[string][]models.NFTRecord)
	for _, r := range prior {
		minted[r.ClassID] = append(minted[r.ClassID], r)
	}

	var (
		nfts   []purchase.DeliveredNFT
		hashes []string
	)
	addHash := func(h string) {
		if h != "" && !slices.Contains(hashes, h) {
			hashes = append(hashes, h)
		}
	}
	for _, classID := range listing.DeliveryClassIDs() {
		if records := minted[classID]; len(records) > 0 {
			for _, r := range records {
				addHash(r.TxHash)
				nfts = append(nfts, purchase.DeliveredNFT{ClassID: classID, NFTID: r.NFTID, TxHash: r.TxHash})
			}
			continue
		}
		res, err := s.Minter.Mint(ctx, classID, payment.Wallet, map[string]string{
			"paymentId": payment.PaymentID,
			"listingId": payment.ListingID,
		}, minting.Options{Count: payment.Quantity, Memo: memo})
		if err != nil {
			s.Metrics.Delivery("auto", "failed")
			s.Logger.Error("mint failed",
				"payment_id", payment.PaymentID,
				"class_id", classID,
				"minted_nfts", len(nfts),
				"err", err,
			)
			s.rollback(ctx, payment, err, nfts)
			return nil, nil, apperr.ErrMintFailed.WithMessage(err.Error())
		}
		addHash(res.TxHash)
		for _, id := range res.NFTIDs {
			nfts = append(nfts, purchase.DeliveredNFT{ClassID: classID, NFTID: id, TxHash: res.TxHash})
		}
	}

	delivered, effects, err := s.Core.CompleteDelivery(ctx, purchase.Delivery{
		ListingID: payment.ListingID,
		PaymentID: payment.PaymentID,
		TxHash:    strings.Join(hashes, ","),
		Quantity:  payment.Quantity,
		NFTs:      nfts,
	})
	if err != nil {
		s.Metrics.Delivery("auto", outcome(err))
		s.Logger.Error("post delivery update failed", "payment_id", payment.PaymentID, "tx_hash", strings.Join(hashes, ","), "err", err)
		s.Dispatcher.Dispatch(ctx, notify.Alert(payment.PaymentID, "delivery_unrecorded",
			"minted but not recorded: "+payment.PaymentID, err.Error()))
		return nil, nil, err
	}
	s.Metrics.Delivery("auto", "ok")
	s.Dispatcher.Dispatch(ctx, effects...)
	return delivered, nfts, nil
}

func (s *PurchaseService) rollback(ctx context.Context, payment *models.Payment, cause error, minted []purchase.DeliveredNFT) {
	_, effects, err := s.Core.RollbackDelivery(ctx, payment.ListingID, payment.PaymentID, cause, minted...)
	if err != nil {
		s.Logger.Error("delivery rollback failed", "payment_id", payment.PaymentID, "err", err)
		return
	}
	s.Dispatcher.Dispatch(ctx, effects...)
}

type SentInput struct {
	ListingID   string
	PaymentID   string
	OwnerWallet string
	TxHash      string
	NFTIDs      []string
}

// MarkSent records a manual delivery reported by the listing owner. The
// transaction must have succeeded on chain and moved the NFTs to the
// buyer's wallet.
func (s *PurchaseService) MarkSent(ctx context.Context, in SentInput) (*models.Payment, error) {
	listing, err := s.Store.GetListing(ctx, in.ListingID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.ErrListingNotFound
		}
		return nil, err
	}
	if listing.OwnerWallet != in.OwnerWallet {
		return nil, apperr.ErrNotOwner
	}
	payment, err := s.Store.GetPayment(ctx, in.ListingID, in.PaymentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.ErrPaymentNotFound
		}
		return nil, err
	}

	nfts, err := s.verifySent(ctx, payment.Wallet, in.TxHash, in.NFTIDs)
	if err != nil {
		return nil, err
	}
	// A collection unit is one NFT from each of its classes.
	qty := int64(len(nfts))
	if n := len(listing.DeliveryClassIDs()); n > 1 {
		if len(nfts)%n != 0 {
			return nil, apperr.ErrInvalidQuantity
		}
		qty /= int64(n)
	}
	delivered, effects, err := s.Core.CompleteDelivery(ctx, purchase.Delivery{
		ListingID: in.ListingID,
		PaymentID: in.PaymentID,
		TxHash:    in.TxHash,
		Quantity:  qty,
		NFTs:      nfts,
	})
	if err != nil {
		s.Metrics.Delivery("manual", outcome(err))
		return nil, err
	}
	s.Metrics.Delivery("manual", "ok")
	s.Dispatcher.Dispatch(ctx, effects...)
	return delivered, nil
}

func (s *PurchaseService) verifySent(ctx context.Context, wallet, txHash string, nftIDs []string) ([]purchase.DeliveredNFT, error) {
	if txHash == "" {
		return nil, apperr.ErrInvalidTxHash
	}
	tx, err := s.Chain.TxByHash(ctx, txHash)
	if err != nil {
		if errors.Is(err, chain.ErrTxNotFound) {
			return nil, apperr.ErrInvalidTxHash.WithMessage("tx not found")
		}
		return nil, apperr.ErrChainUnavailable.WithMessage(err.Error())
	}
	if tx.Code != 0 {
		return nil, apperr.ErrInvalidTxHash.WithMessage(fmt.Sprintf("tx failed with code %d", tx.Code))
	}

	sent := map[string]chain.NFTSend{}
	var order []string
	for _, send := range chain.ExtractNFTSends(tx.Events) {
		if wallet != "" && send.Receiver != wallet {
			continue
		}
		if _, ok := sent[send.NFTID]; !ok {
			order = append(order, send.NFTID)
		}
		sent[send.NFTID] = send
	}
	if len(nftIDs) == 0 {
		nftIDs = order
	}
	if len(nftIDs) == 0 {
		return nil, apperr.ErrInvalidTxHash.WithMessage("tx sends no nft to the buyer")
	}
	out := make([]purchase.DeliveredNFT, 0, len(nftIDs))
	for _, id := range nftIDs {
		send, ok := sent[id]
		if !ok {
			return nil, apperr.ErrInvalidTxHash.WithMessage("nft " + id + " not sent to the buyer")
		}
		out = append(out, purchase.DeliveredNFT{ClassID: send.ClassID, NFTID: id})
	}
	return out, nil
}

type MessageInput struct {
	ListingID string
	PaymentID string
	Token     string
	Wallet    string
	Message   string
}

func (s *PurchaseService) SetBuyerMessage(ctx context.Context, in MessageInput) (*models.Payment, error) {
	return s.Core.SetBuyerMessage(ctx, purchase.MessageRequest{
		ListingID: in.ListingID,
		PaymentID: in.PaymentID,
		Token:     in.Token,
		Wallet:    in.Wallet,
		Message:   in.Message,
	})
}

// BuyerPayment returns a payment to the holder of its claim token.
func (s *PurchaseService) BuyerPayment(ctx context.Context, listingID, paymentID, token string) (*models.Payment, error) {
	p, err := s.Store.GetPayment(ctx, listingID, paymentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.ErrPaymentNotFound
		}
		return nil, err
	}
	if token == "" || p.ClaimToken != token {
		return nil, apperr.ErrInvalidClaimToken
	}
	return p, nil
}

// OwnerPayments lists a listing's payments for its owner.
func (s *PurchaseService) OwnerPayments(ctx context.Context, listingID, wallet string) ([]*models.Payment, error) {
	listing, err := s.Store.GetListing(ctx, listingID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.ErrListingNotFound
		}
		return nil, err
	}
	if wallet == "" || listing.OwnerWallet != wallet {
		return nil, apperr.ErrNotOwner
	}
	return s.Store.ListPayments(ctx, listingID)
}

func claimResult(p *models.Payment) *ClaimResult {
	out := &ClaimResult{
		PaymentID:     p.PaymentID,
		Status:        p.Status,
		IsAutoDeliver: p.IsAutoDeliver,
		TxHash:        p.TxHash,
		Purchased:     []PurchasedNFT{},
	}
	// Collection payments span several classes; the class of each id is
	// only known at delivery time.
	var classID string
	if p.Kind == models.KindBook {
		classID = p.ListingID
	}
	for _, id := range p.NFTIDs {
		out.Purchased = append(out.Purchased, PurchasedNFT{
			ClassID:  classID,
			NFTID:    id,
			NFTPrice: p.PriceInDecimal,
		})
	}
	return out
}

// outcome is the metric label for an error.
func outcome(err error) string {
	if e, ok := apperr.As(err); ok {
		return e.Code
	}
	return "error"
}
