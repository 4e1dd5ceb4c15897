package services

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"NFTBookCommerce/internal/apperr"
	"NFTBookCommerce/internal/models"
)

func TestNewBookCheckout_PersistsPaymentBeforeReturning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.checkout.NewBookCheckout(ctx, CheckoutRequest{
		Items:       []CheckoutItem{{ListingID: manualBook, Quantity: 1}},
		Email:       "buyer@example.com",
		Attribution: models.Attribution{UTMSource: "newsletter"},
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_1", res.SessionID)
	assert.Equal(t, int64(1000), res.PriceInDecimal)

	p, err := f.store.GetPayment(ctx, manualBook, res.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentNew, p.Status)
	assert.Equal(t, "cs_1", p.SessionID)
	assert.Equal(t, "@likerland", p.From)
	assert.Len(t, p.ClaimToken, 64)
	assert.Equal(t, int64(50), p.FeeInfo.LikerLandFeeAmount)
	assert.Equal(t, int64(300), p.FeeInfo.LikerLandCommission)
	assert.Zero(t, p.FeeInfo.ChannelCommission)

	req := f.proc.sessions[0]
	assert.Equal(t, res.PaymentID, req.Metadata["paymentId"])
	assert.Equal(t, manualBook, req.Metadata["listingId"])
	assert.Equal(t, p.ClaimToken, req.Metadata["claimToken"])
	assert.Equal(t, "newsletter", req.Metadata["utmSource"])
	require.Len(t, req.LineItems, 1)
	assert.Equal(t, "Manual Book - Standard", req.LineItems[0].Name)

	u, err := url.Parse(req.SuccessURL)
	require.NoError(t, err)
	assert.Equal(t, p.ClaimToken, u.Query().Get("token"))
	assert.Equal(t, res.PaymentID, u.Query().Get("payment_id"))
}

func TestNewBookCheckout_CouponAndTip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.checkout.NewBookCheckout(ctx, CheckoutRequest{
		Items: []CheckoutItem{{
			ListingID:                manualBook,
			Quantity:                 1,
			Coupon:                   "SPRING",
			CustomPriceDiffInDecimal: 5000,
			From:                     "@external",
		}},
	})
	require.NoError(t, err)
	// 30% off 1000, plus a tip clamped to 1000.
	assert.Equal(t, int64(1700), res.PriceInDecimal)
	assert.Equal(t, int64(1000), res.OriginalPriceInDecimal)
	assert.Equal(t, int64(1000), res.CustomPriceDiffInDecimal)

	p, err := f.store.GetPayment(ctx, manualBook, res.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, "@external", p.From)
	assert.Equal(t, int64(300), p.FeeInfo.PriceDiscount)
	assert.Equal(t, int64(100), p.FeeInfo.LikerLandTipFeeAmount)
	assert.Zero(t, p.FeeInfo.ChannelCommission)
}

func TestNewBookCheckout_CouponRoundsHalfUp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	expired := fixedNow.Add(-time.Hour)
	f.store.PutListing(&models.Listing{
		ID:          "likenft1odd",
		Kind:        models.KindBook,
		OwnerWallet: owner,
		Prices:      []models.PriceTier{{Index: 0, PriceInDecimal: 999, Stock: 5}},
		Coupons: map[string]models.Coupon{
			"HALF": {Discount: decimal.RequireFromString("0.5")},
			"OLD":  {Discount: decimal.RequireFromString("0.5"), ExpireAt: &expired},
		},
	})

	res, err := f.checkout.NewBookCheckout(ctx, CheckoutRequest{
		Items: []CheckoutItem{{ListingID: "likenft1odd", Quantity: 1, Coupon: "HALF"}},
	})
	require.NoError(t, err)
	// 499.5 rounds to 500.
	assert.Equal(t, int64(500), res.PriceInDecimal)

	res, err = f.checkout.NewBookCheckout(ctx, CheckoutRequest{
		Items: []CheckoutItem{{ListingID: "likenft1odd", Quantity: 1, Coupon: "OLD"}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(999), res.PriceInDecimal)
}

func TestNewBookCheckout_Rejections(t *testing.T) {
	tests := []struct {
		name string
		item CheckoutItem
		want error
	}{
		{"unknown listing", CheckoutItem{ListingID: "likenft1missing", Quantity: 1}, apperr.ErrListingNotFound},
		{"unknown tier", CheckoutItem{ListingID: manualBook, PriceIndex: 7, Quantity: 1}, apperr.ErrPriceNotFound},
		{"zero quantity", CheckoutItem{ListingID: manualBook}, apperr.ErrInvalidQuantity},
		{"not enough stock", CheckoutItem{ListingID: manualBook, Quantity: 3}, apperr.ErrOutOfStock},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.checkout.NewBookCheckout(context.Background(), CheckoutRequest{Items: []CheckoutItem{tt.item}})
			assert.ErrorIs(t, err, tt.want)
			assert.Empty(t, f.proc.sessions)
		})
	}
}

func TestNewBookCheckout_FreeTierIsInvalid(t *testing.T) {
	f := newFixture(t)
	f.store.PutListing(&models.Listing{
		ID:     "likenft1free",
		Kind:   models.KindBook,
		Prices: []models.PriceTier{{Index: 0, IsAutoDeliver: true}},
	})
	_, err := f.checkout.NewBookCheckout(context.Background(), CheckoutRequest{
		Items: []CheckoutItem{{ListingID: "likenft1free", Quantity: 1}},
	})
	assert.ErrorIs(t, err, apperr.ErrPriceInvalid)
}

func TestNewBookCheckout_SessionFailureCancelsPayment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.proc.sessionErr = errBoom

	_, err := f.checkout.NewBookCheckout(ctx, CheckoutRequest{
		Items: []CheckoutItem{{ListingID: manualBook, Quantity: 1}},
	})
	require.ErrorIs(t, err, apperr.ErrCheckoutSessionFailed)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, "boom", e.Message)

	list, err := f.store.ListPayments(ctx, manualBook)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.PaymentCanceled, list[0].Status)
}

func TestNewCartCheckout_SharesClaimToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.checkout.NewCartCheckout(ctx, CheckoutRequest{
		Items: []CheckoutItem{
			{ListingID: manualBook, Quantity: 1},
			{ListingID: collection, Quantity: 1, From: "@external"},
		},
		From: "@shop",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.CartID)
	assert.Equal(t, int64(3000), res.PriceInDecimal)

	cart, err := f.store.GetCart(ctx, res.CartID)
	require.NoError(t, err)
	assert.Equal(t, []string{manualBook}, cart.ClassIDs)
	assert.Equal(t, []string{collection}, cart.CollectionIDs)
	assert.Equal(t, "cs_1", cart.SessionID)
	assert.Equal(t, int64(150), cart.FeeInfo.LikerLandFeeAmount)

	records, err := f.store.ListCartPayments(ctx, res.CartID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, p := range records {
		assert.Equal(t, cart.ClaimToken, p.ClaimToken)
		assert.Equal(t, res.CartID, p.CartID)
		assert.Equal(t, "cs_1", p.SessionID)
	}
	channels := map[string]string{records[0].ListingID: records[0].From, records[1].ListingID: records[1].From}
	assert.Equal(t, "@shop", channels[manualBook])
	assert.Equal(t, "@external", channels[collection])

	assert.Equal(t, res.CartID, f.proc.sessions[0].Metadata["cartId"])
	assert.Len(t, f.proc.sessions[0].LineItems, 2)
}

func TestNewCartCheckout_RequiresItems(t *testing.T) {
	f := newFixture(t)
	_, err := f.checkout.NewCartCheckout(context.Background(), CheckoutRequest{})
	assert.ErrorIs(t, err, apperr.ErrMissingItems)
}
