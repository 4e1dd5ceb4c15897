//go:build integration

package store_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"NFTBookCommerce/internal/apperr"
	"NFTBookCommerce/internal/models"
	"NFTBookCommerce/internal/notify"
	"NFTBookCommerce/internal/purchase"
	"NFTBookCommerce/internal/store"
)

// Run with: NFTBOOK_TEST_DSN=postgres://... go test -tags integration ./internal/store/
func newPostgres(t *testing.T) (*store.Postgres, *pgxpool.Pool) {
	t.Helper()
	dsn := os.Getenv("NFTBOOK_TEST_DSN")
	if dsn == "" {
		t.Skip("NFTBOOK_TEST_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	files, err := filepath.Glob("../../migrations/*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, files)
	sort.Strings(files)
	for _, f := range files {
		sql, err := os.ReadFile(f)
		require.NoError(t, err)
		_, err = pool.Exec(ctx, string(sql))
		require.NoError(t, err, f)
	}
	return store.New(pool), pool
}

func seedListing(t *testing.T, pool *pgxpool.Pool, stock int64) string {
	t.Helper()
	ctx := context.Background()
	id := "likenft1" + strings.ReplaceAll(uuid.NewString(), "-", "")
	_, err := pool.Exec(ctx, `INSERT INTO listings (id, owner_wallet) VALUES ($1, 'like1owner')`, id)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO listing_prices (listing_id, idx, price_in_decimal, stock) VALUES ($1, 0, 1000, $2)`, id, stock)
	require.NoError(t, err)
	return id
}

func seedPayment(t *testing.T, s *store.Postgres, listingID, paymentID string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, s.CreatePayment(context.Background(), &models.Payment{
		PaymentID:              paymentID,
		ListingID:              listingID,
		Kind:                   models.KindBook,
		Quantity:               1,
		PriceInDecimal:         1000,
		OriginalPriceInDecimal: 1000,
		ClaimToken:             "token",
		Status:                 models.PaymentNew,
		CreatedAt:              now,
		UpdatedAt:              now,
	}))
}

func TestPostgres_ConcurrentReserveNeverOversells(t *testing.T) {
	ctx := context.Background()
	s, pool := newPostgres(t)
	const stock, buyers = 3, 12
	listingID := seedListing(t, pool, stock)
	ids := make([]string, buyers)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s-p%d", listingID, i)
		seedPayment(t, s, listingID, ids[i])
	}

	core := purchase.New(s)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		reserved int
		soldOut  int
	)
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := core.Reserve(ctx, purchase.Paid{ListingID: listingID, PaymentID: id})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				reserved++
			case errors.Is(err, apperr.ErrOutOfStock):
				soldOut++
			default:
				t.Errorf("reserve %s: %v", id, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, stock, reserved)
	assert.Equal(t, buyers-stock, soldOut)
	l, err := s.GetListing(ctx, listingID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), l.Prices[0].Stock)
	assert.Equal(t, int64(stock), l.Prices[0].Sold)

	payments, err := s.ListPayments(ctx, listingID)
	require.NoError(t, err)
	paid := 0
	for _, p := range payments {
		if p.Status == models.PaymentPaid {
			paid++
		}
	}
	assert.Equal(t, stock, paid)
}

func countOutbox(t *testing.T, pool *pgxpool.Pool, key string) int {
	t.Helper()
	var n int
	err := pool.QueryRow(context.Background(),
		`SELECT count(*) FROM outbox WHERE topic=$1 AND key=$2`, notify.TopicSettlement, key).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestPostgres_SettlementCommitsWithCapture(t *testing.T) {
	ctx := context.Background()
	s, pool := newPostgres(t)
	listingID := seedListing(t, pool, 1)
	paymentID := listingID + "-p"
	seedPayment(t, s, listingID, paymentID)

	core := purchase.New(s)
	_, _, err := core.Reserve(ctx, purchase.Paid{ListingID: listingID, PaymentID: paymentID})
	require.NoError(t, err)

	captured := purchase.Captured{ChargeID: "ch_1", AmountTotal: 1000, Currency: "usd"}
	_, _, err = core.RecordCapture(ctx, listingID, paymentID, captured)
	require.NoError(t, err)
	_, _, err = core.RecordCapture(ctx, listingID, paymentID, captured)
	require.NoError(t, err)
	assert.Equal(t, 1, countOutbox(t, pool, paymentID))

	p, err := s.GetPayment(ctx, listingID, paymentID)
	require.NoError(t, err)
	assert.Equal(t, "ch_1", p.ChargeID)
}

func TestPostgres_RolledBackTxQueuesNothing(t *testing.T) {
	ctx := context.Background()
	s, pool := newPostgres(t)
	key := uuid.NewString()

	err := s.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		require.NoError(t, tx.Enqueue(ctx, notify.Effect{Topic: notify.TopicSettlement, Key: key, Payload: map[string]string{}}))
		return errors.New("abort")
	})
	require.Error(t, err)
	assert.Equal(t, 0, countOutbox(t, pool, key))
}
