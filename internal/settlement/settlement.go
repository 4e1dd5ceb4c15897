// Package settlement splits a captured payment among the referring channel,
// the listing's connected wallets and the art-fee recipient.
//
// Transfers are best effort: a failed transfer is logged and skipped and
// never affects the purchase. The ledger only ever records transfers the
// processor confirmed.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"NFTBookCommerce/internal/metrics"
	"NFTBookCommerce/internal/models"
	"NFTBookCommerce/internal/notify"
	"NFTBookCommerce/internal/payments"
	"NFTBookCommerce/internal/store"
)

// Transferer is the part of the payment processor settlement needs.
type Transferer interface {
	CreateTransfer(ctx context.Context, req payments.TransferRequest) (string, error)
	ConnectedAccountReady(ctx context.Context, accountID string) (bool, error)
}

type Service struct {
	Store           store.Store
	Processor       Transferer
	Dispatcher      notify.Dispatcher
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
	ArtFeeWallet    string
	PlatformChannel string
	WaivedChannel   string
	Now             func() time.Time
}

type Result struct {
	Entries []*models.LedgerEntry
	Skipped []string
}

// recipient is a wallet that resolved to a ready connected account.
type recipient struct {
	wallet  string
	account string
	user    *models.BookUser
}

func (s *Service) Settle(ctx context.Context, listingID, paymentID string) (*Result, error) {
	payment, err := s.Store.GetPayment(ctx, listingID, paymentID)
	if err != nil {
		return nil, fmt.Errorf("get payment %s: %w", paymentID, err)
	}
	if payment.ChargeID == "" {
		return nil, fmt.Errorf("payment %s has not been captured", paymentID)
	}
	listing, err := s.Store.GetListing(ctx, listingID)
	if err != nil {
		return nil, fmt.Errorf("get listing %s: %w", listingID, err)
	}
	existing, err := s.Store.ListLedgerEntries(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("list ledger %s: %w", paymentID, err)
	}

	run := &settlementRun{
		Service: s,
		payment: payment,
		res:     &Result{},
		paid:    make(map[string]bool, len(existing)),
		owed:    make(map[string][]notify.PayoutLine),
	}
	for _, e := range existing {
		run.paid[string(e.Type)+"/"+e.Wallet] = true
	}

	fee := payment.FeeInfo
	if fee.ChannelCommission > 0 {
		run.payChannel(ctx, fee.ChannelCommission)
	}
	if len(listing.ConnectedWallets) > 0 {
		run.payConnectedWallets(ctx, listing.ConnectedWallets, fee.RoyaltyPool(payment.AmountTotal))
	}
	if fee.LikerLandArtFee > 0 {
		run.payArtFee(ctx, fee.LikerLandArtFee)
	}

	run.summarise()
	if len(run.effects) > 0 {
		s.Dispatcher.Dispatch(ctx, run.effects...)
	}
	return run.res, nil
}

type settlementRun struct {
	*Service
	payment *models.Payment
	res     *Result
	paid    map[string]bool
	owed    map[string][]notify.PayoutLine
	effects []notify.Effect
}

func (r *settlementRun) payChannel(ctx context.Context, amount int64) {
	channel := r.payment.From
	if channel == "" || channel == r.PlatformChannel || channel == r.WaivedChannel {
		return
	}
	likerID := strings.TrimPrefix(channel, "@")
	user, err := r.Store.GetBookUserByLikerID(ctx, likerID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		r.Logger.Error("channel lookup failed", "payment_id", r.payment.PaymentID, "channel", channel, "err", err)
	}
	var rcpt *recipient
	if user != nil {
		rcpt = r.ready(ctx, user)
	}
	if rcpt == nil {
		r.res.Skipped = append(r.res.Skipped, string(models.CommissionChannel)+":"+channel)
		r.effects = append(r.effects, notify.Alert(r.payment.PaymentID, "channel_unpaid",
			fmt.Sprintf("channel %s not paid for %s", channel, r.payment.PaymentID),
			fmt.Sprintf("no ready connected account, commission %d %s", amount, r.payment.Currency)))
		return
	}
	r.transfer(ctx, models.CommissionChannel, rcpt, amount)
}

// payConnectedWallets splits pool by weight among wallets whose connected
// account is ready. Wallets that are not ready drop out of the denominator
// as well, so ready wallets absorb their share. This redistribution has
// never been confirmed as intended product behaviour.
func (r *settlementRun) payConnectedWallets(ctx context.Context, weights map[string]float64, pool int64) {
	if pool <= 0 {
		return
	}
	wallets := make([]string, 0, len(weights))
	for w := range weights {
		wallets = append(wallets, w)
	}
	slices.Sort(wallets)

	var ready []*recipient
	total := decimal.Zero
	for _, w := range wallets {
		weight := decimal.NewFromFloat(weights[w])
		if !weight.IsPositive() {
			continue
		}
		user, err := r.Store.GetBookUser(ctx, w)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				r.Logger.Error("wallet lookup failed", "payment_id", r.payment.PaymentID, "wallet", w, "err", err)
			}
			r.res.Skipped = append(r.res.Skipped, string(models.CommissionConnectedWallet)+":"+w)
			continue
		}
		rcpt := r.ready(ctx, user)
		if rcpt == nil {
			r.res.Skipped = append(r.res.Skipped, string(models.CommissionConnectedWallet)+":"+w)
			continue
		}
		ready = append(ready, rcpt)
		total = total.Add(weight)
	}
	if total.IsZero() {
		return
	}

	poolDec := decimal.NewFromInt(pool)
	for _, rcpt := range ready {
		share := poolDec.
			Mul(decimal.NewFromFloat(weights[rcpt.wallet])).
			Div(total).
			Floor().
			IntPart()
		if share <= 0 {
			continue
		}
		r.transfer(ctx, models.CommissionConnectedWallet, rcpt, share)
	}
}

func (r *settlementRun) payArtFee(ctx context.Context, amount int64) {
	if r.ArtFeeWallet == "" {
		return
	}
	user, err := r.Store.GetBookUser(ctx, r.ArtFeeWallet)
	if err != nil {
		r.Logger.Error("art fee wallet lookup failed", "payment_id", r.payment.PaymentID, "err", err)
		r.res.Skipped = append(r.res.Skipped, string(models.CommissionArtFee)+":"+r.ArtFeeWallet)
		return
	}
	rcpt := r.ready(ctx, user)
	if rcpt == nil {
		r.res.Skipped = append(r.res.Skipped, string(models.CommissionArtFee)+":"+r.ArtFeeWallet)
		return
	}
	r.transfer(ctx, models.CommissionArtFee, rcpt, amount)
}

func (r *settlementRun) ready(ctx context.Context, user *models.BookUser) *recipient {
	if user.StripeConnectAccountID == "" {
		return nil
	}
	ok, err := r.Processor.ConnectedAccountReady(ctx, user.StripeConnectAccountID)
	if err != nil {
		r.Logger.Warn("connected account lookup failed",
			"payment_id", r.payment.PaymentID,
			"wallet", user.Wallet,
			"err", err,
		)
		return nil
	}
	if !ok {
		return nil
	}
	return &recipient{wallet: user.Wallet, account: user.StripeConnectAccountID, user: user}
}

func (r *settlementRun) transfer(ctx context.Context, kind models.CommissionType, rcpt *recipient, amount int64) {
	p := r.payment
	key := string(kind) + "/" + rcpt.wallet
	if r.paid[key] {
		return
	}
	transferID, err := r.Processor.CreateTransfer(ctx, payments.TransferRequest{
		Amount:         amount,
		Currency:       p.Currency,
		Destination:    rcpt.account,
		SourceCharge:   p.ChargeID,
		TransferGroup:  p.PaymentID,
		Description:    fmt.Sprintf("%s for %s", kind, p.ListingID),
		IdempotencyKey: fmt.Sprintf("%s-%s-%s", p.PaymentID, kind, rcpt.wallet),
		Metadata: map[string]string{
			"type":       string(kind),
			"paymentId":  p.PaymentID,
			"listingId":  p.ListingID,
			"priceIndex": fmt.Sprint(p.PriceIndex),
			"wallet":     rcpt.wallet,
		},
	})
	if err != nil {
		r.Metrics.Transfer(string(kind), "failed")
		r.Logger.Error("settlement transfer failed",
			"payment_id", p.PaymentID,
			"type", kind,
			"wallet", rcpt.wallet,
			"amount", amount,
			"err", err,
		)
		r.res.Skipped = append(r.res.Skipped, string(kind)+":"+rcpt.wallet)
		return
	}
	r.Metrics.Transfer(string(kind), "ok")

	entry := &models.LedgerEntry{
		ID:                     p.PaymentID + "-" + uuid.NewString(),
		Type:                   kind,
		Wallet:                 rcpt.wallet,
		ListingID:              p.ListingID,
		PriceIndex:             p.PriceIndex,
		PaymentID:              p.PaymentID,
		TransferID:             transferID,
		StripeConnectAccountID: rcpt.account,
		AmountTotal:            p.AmountTotal,
		Amount:                 amount,
		Currency:               p.Currency,
		CreatedAt:              r.now(),
	}
	if err := r.Store.InsertLedgerEntry(ctx, entry); err != nil {
		r.Logger.Error("ledger insert failed",
			"payment_id", p.PaymentID,
			"transfer_id", transferID,
			"err", err,
		)
	}
	r.paid[key] = true
	r.res.Entries = append(r.res.Entries, entry)

	if kind != models.CommissionArtFee && rcpt.user.IsEmailVerified && rcpt.user.NotificationEmail != "" {
		email := rcpt.user.NotificationEmail
		r.owed[email] = append(r.owed[email], notify.PayoutLine{
			Type:   string(kind),
			Wallet: rcpt.wallet,
			Amount: amount,
		})
	}
}

func (r *settlementRun) summarise() {
	emails := make([]string, 0, len(r.owed))
	for e := range r.owed {
		emails = append(emails, e)
	}
	slices.Sort(emails)
	for _, email := range emails {
		r.effects = append(r.effects, notify.Effect{
			Topic: notify.TopicPayoutSummary,
			Key:   r.payment.PaymentID,
			Payload: notify.PayoutSummary{
				Email:     email,
				PaymentID: r.payment.PaymentID,
				ListingID: r.payment.ListingID,
				Payouts:   r.owed[email],
				Currency:  r.payment.Currency,
			},
		})
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}
