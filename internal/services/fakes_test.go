package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"NFTBookCommerce/internal/chain"
	"NFTBookCommerce/internal/minting"
	"NFTBookCommerce/internal/models"
	"NFTBookCommerce/internal/notify"
	"NFTBookCommerce/internal/payments"
	"NFTBookCommerce/internal/pricing"
	"NFTBookCommerce/internal/purchase"
	"NFTBookCommerce/internal/store"
	"NFTBookCommerce/internal/store/memory"
)

const (
	manualBook = "likenft1manual"
	autoBook   = "likenft1auto"
	collection = "col_1"
	owner      = "like1owner"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeProcessor struct {
	mu         sync.Mutex
	sessions   []payments.CheckoutRequest
	captures   []string
	canceled   []string
	sessionErr error
	captureErr error
	fee        int64
	amount     int64
}

func (f *fakeProcessor) CreateCheckoutSession(_ context.Context, req payments.CheckoutRequest) (*payments.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sessionErr != nil {
		return nil, f.sessionErr
	}
	f.sessions = append(f.sessions, req)
	id := fmt.Sprintf("cs_%d", len(f.sessions))
	return &payments.CheckoutSession{ID: id, URL: "https://checkout.example.com/" + id}, nil
}

func (f *fakeProcessor) CapturePaymentIntent(_ context.Context, pi string) (*payments.Capture, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.captureErr != nil {
		return nil, f.captureErr
	}
	f.captures = append(f.captures, pi)
	return &payments.Capture{ChargeID: "ch_" + pi, AmountTotal: f.amount, Currency: "usd", FeeAmount: f.fee}, nil
}

func (f *fakeProcessor) CancelPaymentIntent(_ context.Context, pi string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, pi)
	return nil
}

func (f *fakeProcessor) CreateTransfer(_ context.Context, req payments.TransferRequest) (string, error) {
	return "tr_" + req.IdempotencyKey, nil
}

func (f *fakeProcessor) ConnectedAccountReady(context.Context, string) (bool, error) {
	return false, nil
}

type fakeMinter struct {
	mu    sync.Mutex
	err   error
	calls []string
	// failClass limits err to one class when set.
	failClass string
}

func (f *fakeMinter) Mint(_ context.Context, classID, wallet string, _ map[string]string, opts minting.Options) (*minting.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, classID+"->"+wallet)
	if f.err != nil && (f.failClass == "" || f.failClass == classID) {
		return nil, f.err
	}
	res := &minting.Result{TxHash: "TX" + classID}
	for i := int64(0); i < opts.Count; i++ {
		res.NFTIDs = append(res.NFTIDs, fmt.Sprintf("%s-%d", classID, i))
	}
	return res, nil
}

type fakeChain struct {
	txs map[string]*chain.Tx
	err error
}

func (f *fakeChain) TxByHash(_ context.Context, hash string) (*chain.Tx, error) {
	if f.err != nil {
		return nil, f.err
	}
	tx, ok := f.txs[hash]
	if !ok {
		return nil, chain.ErrTxNotFound
	}
	return tx, nil
}

func sendTx(hash string, code int, classID, receiver string, nftIDs ...string) *chain.Tx {
	tx := &chain.Tx{Hash: hash, Code: code}
	for _, id := range nftIDs {
		tx.Events = append(tx.Events, chain.Event{
			Type: "cosmos.nft.v1beta1.EventSend",
			Attributes: []chain.Attribute{
				{Key: "class_id", Value: `"` + classID + `"`},
				{Key: "id", Value: `"` + id + `"`},
				{Key: "sender", Value: `"` + owner + `"`},
				{Key: "receiver", Value: `"` + receiver + `"`},
			},
		})
	}
	return tx
}

// flakyStore fails the next n transactions before reaching the database.
type flakyStore struct {
	store.Store
	mu sync.Mutex
	n  int
}

func (f *flakyStore) RunTx(ctx context.Context, fn store.TxFunc) error {
	f.mu.Lock()
	if f.n > 0 {
		f.n--
		f.mu.Unlock()
		return fmt.Errorf("begin tx: %w", errBoom)
	}
	f.mu.Unlock()
	return f.Store.RunTx(ctx, fn)
}

// failTransactions makes the purchase core's next n transactions fail.
func (f *fixture) failTransactions(n int) {
	core := purchase.New(&flakyStore{Store: f.store, n: n})
	core.Now = func() time.Time { return fixedNow }
	f.purchase.Core = core
}

func wallet(t *testing.T, b byte) string {
	t.Helper()
	addr, err := chain.AddressFromBytes("like", bytes.Repeat([]byte{b}, 20))
	require.NoError(t, err)
	return addr
}

type fixture struct {
	store    *memory.Store
	proc     *fakeProcessor
	minter   *fakeMinter
	chain    *fakeChain
	recorder *notify.Recorder
	checkout *CheckoutService
	purchase *PurchaseService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := memory.New()
	s.PutListing(&models.Listing{
		ID:          manualBook,
		Kind:        models.KindBook,
		OwnerWallet: owner,
		Name:        "Manual Book",
		Prices: []models.PriceTier{
			{Index: 0, Name: "Standard", PriceInDecimal: 1000, Stock: 2},
		},
		Coupons: map[string]models.Coupon{"SPRING": {Discount: decimal.RequireFromString("0.3")}},
	})
	s.PutListing(&models.Listing{
		ID:          autoBook,
		Kind:        models.KindBook,
		OwnerWallet: owner,
		Name:        "Auto Book",
		Prices: []models.PriceTier{
			{Index: 0, PriceInDecimal: 500, IsAutoDeliver: true},
		},
	})
	s.PutListing(&models.Listing{
		ID:          collection,
		Kind:        models.KindCollection,
		OwnerWallet: owner,
		ClassIDs:    []string{"likenft1a", "likenft1b"},
		Prices: []models.PriceTier{
			{Index: 0, PriceInDecimal: 2000, Stock: 5},
		},
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	proc := &fakeProcessor{fee: 90, amount: 1500}
	minter := &fakeMinter{}
	ch := &fakeChain{txs: map[string]*chain.Tx{}}
	rec := &notify.Recorder{}
	s.Relay = rec
	core := purchase.New(s)
	core.Now = func() time.Time { return fixedNow }

	return &fixture{
		store:    s,
		proc:     proc,
		minter:   minter,
		chain:    ch,
		recorder: rec,
		checkout: &CheckoutService{
			Store:     s,
			Processor: proc,
			Pricing: pricing.Service{
				Rates:           pricing.DefaultRates(),
				PlatformChannel: "@likerland",
				WaivedChannel:   "@likerland_waived",
			},
			Logger:             logger,
			Currency:           "usd",
			SuccessURL:         "https://books.example.com/success",
			CancelURL:          "https://books.example.com/cancel",
			MaxCustomPriceDiff: 1000,
			Now:                func() time.Time { return fixedNow },
		},
		purchase: &PurchaseService{
			Store:        s,
			Core:         core,
			Processor:    proc,
			Minter:       minter,
			Chain:        ch,
			Dispatcher:   rec,
			Logger:       logger,
			Bech32Prefix: "like",
		},
	}
}

// buy runs a single-listing checkout and its completion webhook.
func (f *fixture) buy(t *testing.T, listingID string, qty int64) *models.Payment {
	t.Helper()
	ctx := context.Background()
	res, err := f.checkout.NewBookCheckout(ctx, CheckoutRequest{
		Items: []CheckoutItem{{ListingID: listingID, Quantity: qty}},
		Email: "buyer@example.com",
	})
	require.NoError(t, err)
	meta := f.proc.sessions[len(f.proc.sessions)-1].Metadata
	require.NoError(t, f.purchase.HandleCheckoutCompleted(ctx, payments.CompletedSession{
		ID:              res.SessionID,
		PaymentIntentID: "pi_" + res.PaymentID,
		AmountTotal:     res.PriceInDecimal,
		Currency:        "usd",
		Email:           "buyer@example.com",
		Metadata:        meta,
	}))
	p, err := f.store.GetPayment(ctx, listingID, res.PaymentID)
	require.NoError(t, err)
	return p
}

var errBoom = errors.New("boom")
