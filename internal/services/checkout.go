package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"NFTBookCommerce/internal/apperr"
	"NFTBookCommerce/internal/metrics"
	"NFTBookCommerce/internal/models"
	"NFTBookCommerce/internal/payments"
	"NFTBookCommerce/internal/pricing"
	"NFTBookCommerce/internal/store"
)

type CheckoutService struct {
	Store              store.Store
	Processor          payments.Processor
	Pricing            pricing.Service
	Metrics            *metrics.Metrics
	Logger             *slog.Logger
	Currency           string
	SuccessURL         string
	CancelURL          string
	MaxCustomPriceDiff int64
	Now                func() time.Time
}

type CheckoutItem struct {
	ListingID                string
	PriceIndex               int
	Quantity                 int64
	CustomPriceDiffInDecimal int64
	Coupon                   string
	From                     string
}

type CheckoutRequest struct {
	Items       []CheckoutItem
	From        string
	Email       string
	GiftInfo    *models.GiftInfo
	Attribution models.Attribution
}

type CheckoutResult struct {
	URL                      string `json:"url"`
	CartID                   string `json:"cartId,omitempty"`
	PaymentID                string `json:"paymentId"`
	SessionID                string `json:"sessionId"`
	PriceInDecimal           int64  `json:"priceInDecimal"`
	OriginalPriceInDecimal   int64  `json:"originalPriceInDecimal"`
	CustomPriceDiffInDecimal int64  `json:"customPriceDiffInDecimal"`
}

// resolvedItem is a checkout item priced from the stored listing.
type resolvedItem struct {
	listing  *models.Listing
	tier     *models.PriceTier
	quantity int64
	price    int64
	original int64
	tip      int64
	from     string
}

// NewBookCheckout starts a checkout for a single listing tier.
func (s *CheckoutService) NewBookCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	if len(req.Items) != 1 {
		return nil, apperr.ErrMissingItems
	}
	items, lines, err := s.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	item, line := items[0], lines[0]

	token, err := newClaimToken()
	if err != nil {
		return nil, err
	}
	now := s.now()
	payment := s.newPayment(req, item, line, token, "", now)
	if err := s.Store.CreatePayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}

	metadata := s.metadata(req, payment.From)
	metadata["paymentId"] = payment.PaymentID
	metadata["listingId"] = payment.ListingID
	metadata["kind"] = string(payment.Kind)
	metadata["priceIndex"] = strconv.Itoa(payment.PriceIndex)
	metadata["claimToken"] = token

	sess, err := s.Processor.CreateCheckoutSession(ctx, payments.CheckoutRequest{
		LineItems:      []payments.LineItem{lineItem(item)},
		Currency:       s.Currency,
		Metadata:       metadata,
		SuccessURL:     s.successURL(url.Values{"listing_id": {payment.ListingID}, "payment_id": {payment.PaymentID}, "token": {token}}),
		CancelURL:      s.cancelURL(url.Values{"listing_id": {payment.ListingID}}),
		CustomerEmail:  req.Email,
		IdempotencyKey: "checkout-" + payment.PaymentID,
	})
	if err != nil {
		s.Metrics.Checkout(string(payment.Kind), "failed")
		s.Logger.Error("checkout session failed", "payment_id", payment.PaymentID, "err", err)
		payment.Status = models.PaymentCanceled
		payment.LastError = err.Error()
		if uerr := s.Store.UpdatePayment(ctx, payment); uerr != nil {
			s.Logger.Error("cancel payment failed", "payment_id", payment.PaymentID, "err", uerr)
		}
		return nil, apperr.ErrCheckoutSessionFailed.WithMessage(err.Error())
	}

	payment.SessionID = sess.ID
	if err := s.Store.UpdatePayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("update payment session: %w", err)
	}
	s.Metrics.Checkout(string(payment.Kind), "ok")
	return &CheckoutResult{
		URL:                      sess.URL,
		PaymentID:                payment.PaymentID,
		SessionID:                sess.ID,
		PriceInDecimal:           line.PriceInDecimal,
		OriginalPriceInDecimal:   line.OriginalPriceInDecimal,
		CustomPriceDiffInDecimal: line.CustomPriceDiffInDecimal,
	}, nil
}

// NewCartCheckout starts one checkout covering several listings. Every
// item gets its own payment record; they share the cart's claim token.
func (s *CheckoutService) NewCartCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	if len(req.Items) == 0 {
		return nil, apperr.ErrMissingItems
	}
	items, lines, err := s.resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	token, err := newClaimToken()
	if err != nil {
		return nil, err
	}
	now := s.now()
	sum := pricing.Sum(lines)
	cart := &models.Cart{
		CartID:                   uuid.NewString(),
		ClaimToken:               token,
		Status:                   models.PaymentNew,
		PriceInDecimal:           sum.PriceInDecimal,
		OriginalPriceInDecimal:   sum.OriginalPriceInDecimal,
		CustomPriceDiffInDecimal: sum.CustomPriceDiffInDecimal,
		FeeInfo:                  sum,
		Email:                    req.Email,
		From:                     s.cartChannel(req.From),
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	records := make([]*models.Payment, 0, len(items))
	lineItems := make([]payments.LineItem, 0, len(items))
	for i, item := range items {
		p := s.newPayment(req, item, lines[i], token, cart.CartID, now)
		records = append(records, p)
		lineItems = append(lineItems, lineItem(item))
		cart.PaymentIDs = append(cart.PaymentIDs, p.PaymentID)
		cart.Items = append(cart.Items, models.CartItem{
			ListingID:  p.ListingID,
			Kind:       p.Kind,
			PriceIndex: p.PriceIndex,
			PaymentID:  p.PaymentID,
		})
		if p.Kind == models.KindCollection {
			cart.CollectionIDs = append(cart.CollectionIDs, p.ListingID)
		} else {
			cart.ClassIDs = append(cart.ClassIDs, p.ListingID)
		}
	}
	if err := s.Store.CreateCart(ctx, cart, records); err != nil {
		return nil, fmt.Errorf("create cart: %w", err)
	}

	metadata := s.metadata(req, cart.From)
	metadata["cartId"] = cart.CartID
	metadata["claimToken"] = token

	sess, err := s.Processor.CreateCheckoutSession(ctx, payments.CheckoutRequest{
		LineItems:      lineItems,
		Currency:       s.Currency,
		Metadata:       metadata,
		SuccessURL:     s.successURL(url.Values{"cart_id": {cart.CartID}, "token": {token}}),
		CancelURL:      s.cancelURL(url.Values{"cart_id": {cart.CartID}}),
		CustomerEmail:  req.Email,
		IdempotencyKey: "checkout-" + cart.CartID,
	})
	if err != nil {
		s.Metrics.Checkout("cart", "failed")
		s.Logger.Error("cart checkout session failed", "cart_id", cart.CartID, "err", err)
		s.cancelCart(ctx, cart, records, err.Error())
		return nil, apperr.ErrCheckoutSessionFailed.WithMessage(err.Error())
	}

	cart.SessionID = sess.ID
	if err := s.Store.UpdateCart(ctx, cart); err != nil {
		return nil, fmt.Errorf("update cart session: %w", err)
	}
	for _, p := range records {
		p.SessionID = sess.ID
		if err := s.Store.UpdatePayment(ctx, p); err != nil {
			return nil, fmt.Errorf("update payment session: %w", err)
		}
	}
	s.Metrics.Checkout("cart", "ok")
	return &CheckoutResult{
		URL:                      sess.URL,
		CartID:                   cart.CartID,
		PaymentID:                records[0].PaymentID,
		SessionID:                sess.ID,
		PriceInDecimal:           cart.PriceInDecimal,
		OriginalPriceInDecimal:   cart.OriginalPriceInDecimal,
		CustomPriceDiffInDecimal: cart.CustomPriceDiffInDecimal,
	}, nil
}

// resolve prices every item from the stored listing; client supplied
// prices are never used.
func (s *CheckoutService) resolve(ctx context.Context, req CheckoutRequest) ([]resolvedItem, []pricing.Breakdown, error) {
	now := s.now()
	cartFrom := s.cartChannel(req.From)
	items := make([]resolvedItem, 0, len(req.Items))
	inputs := make([]pricing.Item, 0, len(req.Items))
	for _, in := range req.Items {
		if in.Quantity < 1 {
			return nil, nil, apperr.ErrInvalidQuantity
		}
		listing, err := s.Store.GetListing(ctx, in.ListingID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, nil, apperr.ErrListingNotFound
			}
			return nil, nil, err
		}
		tier, ok := listing.Price(in.PriceIndex)
		if !ok {
			return nil, nil, apperr.ErrPriceNotFound
		}

		original := tier.PriceInDecimal
		price := original
		if c, ok := listing.Coupons[in.Coupon]; ok && in.Coupon != "" && c.Valid(now) {
			// Half a minor unit rounds up.
			price = decimal.NewFromInt(original).
				Mul(decimal.NewFromInt(1).Sub(c.Discount)).
				Round(0).
				IntPart()
		}
		tip := min(max(in.CustomPriceDiffInDecimal, 0), s.MaxCustomPriceDiff)
		price += tip
		if price <= 0 {
			return nil, nil, apperr.ErrPriceInvalid
		}
		if !tier.IsAutoDeliver && tier.Stock < in.Quantity {
			return nil, nil, apperr.ErrOutOfStock
		}

		item := resolvedItem{
			listing:  listing,
			tier:     tier,
			quantity: in.Quantity,
			price:    price,
			original: original,
			tip:      tip,
			from:     in.From,
		}
		items = append(items, item)
		inputs = append(inputs, pricing.Item{
			PriceInDecimal:           price,
			OriginalPriceInDecimal:   original,
			CustomPriceDiffInDecimal: tip,
			Quantity:                 in.Quantity,
			IsLikerLandArt:           listing.IsLikerLandArt,
			From:                     in.From,
		})
	}
	return items, s.Pricing.CalculateItemPrices(inputs, cartFrom), nil
}

func (s *CheckoutService) newPayment(req CheckoutRequest, item resolvedItem, line pricing.Breakdown, token, cartID string, now time.Time) *models.Payment {
	return &models.Payment{
		PaymentID:                uuid.NewString(),
		ListingID:                item.listing.ID,
		Kind:                     item.listing.Kind,
		PriceIndex:               item.tier.Index,
		PriceName:                item.tier.Name,
		Quantity:                 item.quantity,
		PriceInDecimal:           item.price,
		OriginalPriceInDecimal:   item.original,
		CustomPriceDiffInDecimal: item.tip,
		ClaimToken:               token,
		Status:                   models.PaymentNew,
		IsAutoDeliver:            item.tier.IsAutoDeliver,
		FeeInfo:                  line.FeeInfo,
		GiftInfo:                 req.GiftInfo,
		Email:                    req.Email,
		From:                     line.Channel,
		CartID:                   cartID,
		Currency:                 s.Currency,
		Attribution:              req.Attribution,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
}

func (s *CheckoutService) metadata(req CheckoutRequest, from string) map[string]string {
	m := map[string]string{"from": from}
	a := req.Attribution
	for k, v := range map[string]string{
		"utmSource":   a.UTMSource,
		"utmMedium":   a.UTMMedium,
		"utmCampaign": a.UTMCampaign,
		"gaClientId":  a.GAClientID,
		"referrer":    a.Referrer,
	} {
		if v != "" {
			m[k] = v
		}
	}
	return m
}

func (s *CheckoutService) cancelCart(ctx context.Context, cart *models.Cart, records []*models.Payment, reason string) {
	cart.Status = models.PaymentCanceled
	if err := s.Store.UpdateCart(ctx, cart); err != nil {
		s.Logger.Error("cancel cart failed", "cart_id", cart.CartID, "err", err)
	}
	for _, p := range records {
		p.Status = models.PaymentCanceled
		p.LastError = reason
		if err := s.Store.UpdatePayment(ctx, p); err != nil {
			s.Logger.Error("cancel payment failed", "payment_id", p.PaymentID, "err", err)
		}
	}
}

// cartChannel is the channel used by items that name none.
func (s *CheckoutService) cartChannel(from string) string {
	if from == "" {
		return s.Pricing.PlatformChannel
	}
	return from
}

func (s *CheckoutService) successURL(q url.Values) string {
	return withQuery(s.SuccessURL, q)
}

func (s *CheckoutService) cancelURL(q url.Values) string {
	return withQuery(s.CancelURL, q)
}

func (s *CheckoutService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func withQuery(base string, q url.Values) string {
	u, err := url.Parse(base)
	if err != nil {
		return base + "?" + q.Encode()
	}
	existing := u.Query()
	for k, v := range q {
		existing[k] = v
	}
	u.RawQuery = existing.Encode()
	return u.String()
}

func lineItem(item resolvedItem) payments.LineItem {
	name := item.listing.Name
	if name == "" {
		name = item.listing.ID
	}
	if item.tier.Name != "" {
		name += " - " + item.tier.Name
	}
	return payments.LineItem{
		Name:       name,
		Image:      item.listing.Image,
		UnitAmount: item.price,
		Quantity:   item.quantity,
	}
}

func newClaimToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
