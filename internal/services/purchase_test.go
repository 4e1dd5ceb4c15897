package services

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"NFTBookCommerce/internal/apperr"
	"NFTBookCommerce/internal/models"
	"NFTBookCommerce/internal/notify"
	"NFTBookCommerce/internal/payments"
	"NFTBookCommerce/internal/settlement"
)

func TestHandleCheckoutCompleted_CapturesAndSchedulesSettlement(t *testing.T) {
	f := newFixture(t)
	p := f.buy(t, manualBook, 1)

	assert.Equal(t, models.PaymentPaid, p.Status)
	assert.Equal(t, "ch_pi_"+p.PaymentID, p.ChargeID)
	assert.Equal(t, int64(90), p.FeeInfo.StripeFeeAmount)
	assert.Equal(t, []string{"pi_" + p.PaymentID}, f.proc.captures)

	l, err := f.store.GetListing(context.Background(), manualBook)
	require.NoError(t, err)
	assert.Equal(t, int64(1), l.Prices[0].Stock)

	jobs := f.recorder.Topic(notify.TopicSettlement)
	require.Len(t, jobs, 1)
	assert.Equal(t, notify.SettlementJob{ListingID: manualBook, PaymentID: p.PaymentID}, jobs[0].Payload)
	assert.Len(t, f.recorder.Topic(notify.TopicSale), 1)
}

func TestHandleCheckoutCompleted_RepeatedEventIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.buy(t, manualBook, 1)

	err := f.purchase.HandleCheckoutCompleted(ctx, payments.CompletedSession{
		ID:              p.SessionID,
		PaymentIntentID: p.PaymentIntentID,
		Metadata:        map[string]string{"listingId": manualBook, "paymentId": p.PaymentID},
	})
	require.NoError(t, err)
	assert.Len(t, f.proc.captures, 1)

	l, err := f.store.GetListing(ctx, manualBook)
	require.NoError(t, err)
	assert.Equal(t, int64(1), l.Prices[0].Stock)
}

func TestHandleCheckoutCompleted_ResumesFailedCapture(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res, err := f.checkout.NewBookCheckout(ctx, CheckoutRequest{
		Items: []CheckoutItem{{ListingID: manualBook, Quantity: 1}},
	})
	require.NoError(t, err)
	sess := payments.CompletedSession{
		ID:              res.SessionID,
		PaymentIntentID: "pi_1",
		Metadata:        f.proc.sessions[0].Metadata,
	}

	f.proc.captureErr = errBoom
	err = f.purchase.HandleCheckoutCompleted(ctx, sess)
	require.ErrorIs(t, err, apperr.ErrProcessorUnavailable)
	assert.Len(t, f.recorder.Topic(notify.TopicOpsAlert), 1)

	f.proc.captureErr = nil
	require.NoError(t, f.purchase.HandleCheckoutCompleted(ctx, sess))
	p, err := f.store.GetPayment(ctx, manualBook, res.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, "ch_pi_1", p.ChargeID)
	assert.Len(t, f.recorder.Topic(notify.TopicSettlement), 1)
}

func TestHandleCheckoutCompleted_ReservationFailureCancels(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res, err := f.checkout.NewBookCheckout(ctx, CheckoutRequest{
		Items: []CheckoutItem{{ListingID: manualBook, Quantity: 2}},
	})
	require.NoError(t, err)
	// Someone else bought the stock between checkout and payment.
	f.buy(t, manualBook, 1)

	err = f.purchase.HandleCheckoutCompleted(ctx, payments.CompletedSession{
		ID:              res.SessionID,
		PaymentIntentID: "pi_late",
		Metadata:        f.proc.sessions[0].Metadata,
	})
	require.ErrorIs(t, err, apperr.ErrOutOfStock)
	assert.Equal(t, []string{"pi_late"}, f.proc.canceled)

	p, err := f.store.GetPayment(ctx, manualBook, res.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCanceled, p.Status)
	assert.NotEmpty(t, f.recorder.Topic(notify.TopicOpsAlert))
}

func TestHandleCheckoutCompleted_TransientReserveErrorIsRetried(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res, err := f.checkout.NewBookCheckout(ctx, CheckoutRequest{
		Items: []CheckoutItem{{ListingID: manualBook, Quantity: 1}},
	})
	require.NoError(t, err)
	sess := payments.CompletedSession{
		ID:              res.SessionID,
		PaymentIntentID: "pi_1",
		Metadata:        f.proc.sessions[0].Metadata,
	}

	f.failTransactions(1)
	err = f.purchase.HandleCheckoutCompleted(ctx, sess)
	require.ErrorIs(t, err, errBoom)
	assert.Empty(t, f.proc.canceled)
	assert.Empty(t, f.proc.captures)
	p, err := f.store.GetPayment(ctx, manualBook, res.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentNew, p.Status)

	require.NoError(t, f.purchase.HandleCheckoutCompleted(ctx, sess))
	p, err = f.store.GetPayment(ctx, manualBook, res.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPaid, p.Status)
	assert.Equal(t, "ch_pi_1", p.ChargeID)
	assert.Equal(t, []string{"pi_1"}, f.proc.captures)
	assert.Empty(t, f.proc.canceled)
	assert.Len(t, f.recorder.Topic(notify.TopicSettlement), 1)
	assert.Empty(t, f.recorder.Topic(notify.TopicOpsAlert))
}

func TestClaim_AutoDeliverMintsAndCompletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.buy(t, autoBook, 2)
	buyer := wallet(t, 1)

	res, err := f.purchase.Claim(ctx, ClaimInput{
		ListingID: autoBook,
		PaymentID: p.PaymentID,
		Token:     p.ClaimToken,
		Wallet:    buyer,
		Message:   "thanks",
	})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCompleted, res.Status)
	assert.Equal(t, "TX"+autoBook, res.TxHash)
	require.Len(t, res.Purchased, 2)
	assert.Equal(t, PurchasedNFT{ClassID: autoBook, NFTID: autoBook + "-0", NFTPrice: 500}, res.Purchased[0])
	assert.Len(t, f.store.NFTRecords(p.PaymentID), 2)
	assert.Len(t, f.recorder.Topic(notify.TopicDelivered), 1)
	assert.Empty(t, f.recorder.Topic(notify.TopicPendingClaim))

	again, err := f.purchase.Claim(ctx, ClaimInput{
		ListingID: autoBook,
		PaymentID: p.PaymentID,
		Token:     p.ClaimToken,
		Wallet:    buyer,
	})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCompleted, again.Status)
	assert.Len(t, f.minter.calls, 1)
}

func TestClaim_CollectionMintsEveryClass(t *testing.T) {
	f := newFixture(t)
	f.store.PutListing(&models.Listing{
		ID:       "col_auto",
		Kind:     models.KindCollection,
		ClassIDs: []string{"likenft1a", "likenft1b"},
		Prices:   []models.PriceTier{{Index: 0, PriceInDecimal: 800, IsAutoDeliver: true}},
	})
	p := f.buy(t, "col_auto", 1)

	res, err := f.purchase.Claim(context.Background(), ClaimInput{
		ListingID: "col_auto",
		PaymentID: p.PaymentID,
		Token:     p.ClaimToken,
		Wallet:    wallet(t, 1),
	})
	require.NoError(t, err)
	assert.Equal(t, "TXlikenft1a,TXlikenft1b", res.TxHash)
	require.Len(t, res.Purchased, 2)
	assert.Equal(t, "likenft1b", res.Purchased[1].ClassID)
}

func TestClaim_MintFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.buy(t, autoBook, 1)
	buyer := wallet(t, 1)
	in := ClaimInput{ListingID: autoBook, PaymentID: p.PaymentID, Token: p.ClaimToken, Wallet: buyer}

	f.minter.err = errBoom
	_, err := f.purchase.Claim(ctx, in)
	require.ErrorIs(t, err, apperr.ErrMintFailed)

	got, err := f.store.GetPayment(ctx, autoBook, p.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPaid, got.Status)
	assert.Empty(t, got.Wallet)
	assert.True(t, got.IsPendingClaim)
	assert.Equal(t, "boom", got.LastError)

	f.minter.err = nil
	in.Wallet = wallet(t, 2)
	res, err := f.purchase.Claim(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCompleted, res.Status)
}

func TestClaim_CollectionRetryMintsOnlyMissingClasses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.PutListing(&models.Listing{
		ID:       "col_auto",
		Kind:     models.KindCollection,
		ClassIDs: []string{"likenft1a", "likenft1b"},
		Prices:   []models.PriceTier{{Index: 0, PriceInDecimal: 800, IsAutoDeliver: true}},
	})
	p := f.buy(t, "col_auto", 1)
	buyer := wallet(t, 1)
	in := ClaimInput{ListingID: "col_auto", PaymentID: p.PaymentID, Token: p.ClaimToken, Wallet: buyer}

	f.minter.err = errBoom
	f.minter.failClass = "likenft1b"
	_, err := f.purchase.Claim(ctx, in)
	require.ErrorIs(t, err, apperr.ErrMintFailed)

	got, err := f.store.GetPayment(ctx, "col_auto", p.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPaid, got.Status)
	assert.Equal(t, buyer, got.Wallet)
	assert.True(t, got.IsPendingClaim)
	records := f.store.NFTRecords(p.PaymentID)
	require.Len(t, records, 1)
	assert.Equal(t, "likenft1a", records[0].ClassID)
	assert.Equal(t, "TXlikenft1a", records[0].TxHash)

	// The minted token belongs to the first wallet.
	_, err = f.purchase.Claim(ctx, ClaimInput{ListingID: "col_auto", PaymentID: p.PaymentID, Token: p.ClaimToken, Wallet: wallet(t, 2)})
	assert.ErrorIs(t, err, apperr.ErrPaymentAlreadyClaimedOther)

	f.minter.err = nil
	res, err := f.purchase.Claim(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCompleted, res.Status)
	assert.Equal(t, []string{"likenft1a->" + buyer, "likenft1b->" + buyer, "likenft1b->" + buyer}, f.minter.calls)
	assert.Equal(t, "TXlikenft1a,TXlikenft1b", res.TxHash)
	require.Len(t, res.Purchased, 2)
	assert.Equal(t, "likenft1a-0", res.Purchased[0].NFTID)
	assert.Len(t, f.store.NFTRecords(p.PaymentID), 2)
}

func TestClaim_Rejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.buy(t, manualBook, 1)

	_, err := f.purchase.Claim(ctx, ClaimInput{ListingID: manualBook, PaymentID: p.PaymentID, Token: p.ClaimToken, Wallet: "cosmos1nope"})
	assert.ErrorIs(t, err, apperr.ErrInvalidWallet)

	_, err = f.purchase.Claim(ctx, ClaimInput{ListingID: manualBook, PaymentID: p.PaymentID, Token: "wrong", Wallet: wallet(t, 1)})
	assert.ErrorIs(t, err, apperr.ErrInvalidClaimToken)

	res, err := f.purchase.Claim(ctx, ClaimInput{ListingID: manualBook, PaymentID: p.PaymentID, Token: p.ClaimToken, Wallet: wallet(t, 1)})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPendingNFT, res.Status)
	assert.Empty(t, res.Purchased)
	assert.Len(t, f.recorder.Topic(notify.TopicPendingClaim), 1)

	_, err = f.purchase.Claim(ctx, ClaimInput{ListingID: manualBook, PaymentID: p.PaymentID, Token: p.ClaimToken, Wallet: wallet(t, 2)})
	assert.ErrorIs(t, err, apperr.ErrPaymentAlreadyClaimedOther)
}

func TestMarkSent_VerifiesChainTransfer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.buy(t, manualBook, 1)
	buyer := wallet(t, 1)
	_, err := f.purchase.Claim(ctx, ClaimInput{ListingID: manualBook, PaymentID: p.PaymentID, Token: p.ClaimToken, Wallet: buyer})
	require.NoError(t, err)

	f.chain.txs["AAAA"] = sendTx("AAAA", 0, manualBook, buyer, "book-7")
	f.chain.txs["BBBB"] = sendTx("BBBB", 5, manualBook, buyer, "book-7")
	f.chain.txs["CCCC"] = sendTx("CCCC", 0, manualBook, wallet(t, 9), "book-7")

	sent := SentInput{ListingID: manualBook, PaymentID: p.PaymentID, OwnerWallet: owner}
	tests := []struct {
		name  string
		input func(SentInput) SentInput
		want  error
	}{
		{"not owner", func(in SentInput) SentInput { in.OwnerWallet = "like1else"; in.TxHash = "AAAA"; return in }, apperr.ErrNotOwner},
		{"unknown tx", func(in SentInput) SentInput { in.TxHash = "DDDD"; return in }, apperr.ErrInvalidTxHash},
		{"failed tx", func(in SentInput) SentInput { in.TxHash = "BBBB"; return in }, apperr.ErrInvalidTxHash},
		{"other receiver", func(in SentInput) SentInput { in.TxHash = "CCCC"; return in }, apperr.ErrInvalidTxHash},
		{"nft not in tx", func(in SentInput) SentInput { in.TxHash = "AAAA"; in.NFTIDs = []string{"book-8"}; return in }, apperr.ErrInvalidTxHash},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.purchase.MarkSent(ctx, tt.input(sent))
			assert.ErrorIs(t, err, tt.want)
		})
	}

	sent.TxHash = "AAAA"
	got, err := f.purchase.MarkSent(ctx, sent)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCompleted, got.Status)
	assert.Equal(t, []string{"book-7"}, got.NFTIDs)

	l, err := f.store.GetListing(ctx, manualBook)
	require.NoError(t, err)
	assert.Zero(t, l.PendingNFTCount)

	_, err = f.purchase.MarkSent(ctx, sent)
	assert.ErrorIs(t, err, apperr.ErrStatusAlreadySent)
}

func TestMarkSent_ChainUnavailable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.buy(t, manualBook, 1)
	f.chain.err = errBoom

	_, err := f.purchase.MarkSent(ctx, SentInput{ListingID: manualBook, PaymentID: p.PaymentID, OwnerWallet: owner, TxHash: "AAAA"})
	assert.ErrorIs(t, err, apperr.ErrChainUnavailable)
}

func TestBuyerAndOwnerAccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.buy(t, manualBook, 1)

	got, err := f.purchase.BuyerPayment(ctx, manualBook, p.PaymentID, p.ClaimToken)
	require.NoError(t, err)
	assert.Equal(t, p.PaymentID, got.PaymentID)

	_, err = f.purchase.BuyerPayment(ctx, manualBook, p.PaymentID, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidClaimToken)

	list, err := f.purchase.OwnerPayments(ctx, manualBook, owner)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = f.purchase.OwnerPayments(ctx, manualBook, "like1else")
	assert.ErrorIs(t, err, apperr.ErrNotOwner)
}

func TestPurchase_CompletesWithUnpaidChannel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.PutBookUser(&models.BookUser{Wallet: "like1ext", LikerID: "external", StripeConnectAccountID: "acct_ext"})

	res, err := f.checkout.NewBookCheckout(ctx, CheckoutRequest{
		Items: []CheckoutItem{{ListingID: autoBook, Quantity: 1}},
		From:  "@external",
	})
	require.NoError(t, err)
	require.NoError(t, f.purchase.HandleCheckoutCompleted(ctx, payments.CompletedSession{
		ID:              res.SessionID,
		PaymentIntentID: "pi_ext",
		Metadata:        f.proc.sessions[0].Metadata,
	}))
	p, err := f.store.GetPayment(ctx, autoBook, res.PaymentID)
	require.NoError(t, err)
	_, err = f.purchase.Claim(ctx, ClaimInput{ListingID: autoBook, PaymentID: p.PaymentID, Token: p.ClaimToken, Wallet: wallet(t, 1)})
	require.NoError(t, err)

	settle := &settlement.Service{
		Store:           f.store,
		Processor:       f.proc,
		Dispatcher:      f.recorder,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		PlatformChannel: "@likerland",
		WaivedChannel:   "@likerland_waived",
		Now:             func() time.Time { return fixedNow },
	}
	out, err := settle.Settle(ctx, autoBook, p.PaymentID)
	require.NoError(t, err)
	assert.Empty(t, out.Entries)
	assert.Contains(t, out.Skipped, "channelCommission:@external")

	p, err = f.store.GetPayment(ctx, autoBook, p.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCompleted, p.Status)
}

func TestApportion(t *testing.T) {
	assert.Equal(t, []int64{60, 30}, apportion(90, []int64{1000, 500}))
	assert.Equal(t, []int64{33, 33, 34}, apportion(100, []int64{1, 1, 1}))
	assert.Equal(t, []int64{0, 7}, apportion(7, []int64{0, 0}))
	assert.Empty(t, apportion(7, nil))
}
