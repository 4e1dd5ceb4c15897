package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"NFTBookCommerce/internal/apperr"
	"NFTBookCommerce/internal/idempotency"
	"NFTBookCommerce/internal/models"
	"NFTBookCommerce/internal/payments"
	"NFTBookCommerce/internal/services"
)

const (
	walletHeader    = "X-Wallet"
	signatureHeader = "Stripe-Signature"

	replayTTL     = 24 * time.Hour
	webhookDedupe = 48 * time.Hour
	maxBody       = 1 << 20
	healthTimeout = 3 * time.Second
)

// WebhookParser verifies and decodes processor webhook deliveries.
type WebhookParser interface {
	ParseWebhook(payload []byte, signature string) (*payments.Event, error)
}

// ChainProber reports the latest block height seen by the chain RPC.
type ChainProber interface {
	LatestHeight(ctx context.Context) (int64, error)
}

type Handler struct {
	Checkout    *services.CheckoutService
	Purchases   *services.PurchaseService
	Webhooks    WebhookParser
	Idempotency idempotency.Store
	Chain       ChainProber
	Logger      *slog.Logger
}

// Health reports readiness. Manual deliveries cannot be verified while the
// chain RPC is unreachable, so that degrades the service.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Chain == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	height, err := h.Chain.LatestHeight(ctx)
	if err != nil {
		h.Logger.Warn("chain rpc unreachable", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "chain": "unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "chainHeight": height})
}

type checkoutItemRequest struct {
	ListingID                string `json:"listingId"`
	PriceIndex               int    `json:"priceIndex"`
	Quantity                 int64  `json:"quantity"`
	CustomPriceDiffInDecimal int64  `json:"customPriceDiffInDecimal"`
	Coupon                   string `json:"coupon"`
	From                     string `json:"from"`
}

type checkoutRequest struct {
	checkoutItemRequest
	Items       []checkoutItemRequest `json:"items"`
	Email       string                `json:"email"`
	GiftInfo    *models.GiftInfo      `json:"giftInfo"`
	UTMSource   string                `json:"utmSource"`
	UTMMedium   string                `json:"utmMedium"`
	UTMCampaign string                `json:"utmCampaign"`
	GAClientID  string                `json:"gaClientId"`
	Referrer    string                `json:"referrer"`
}

func (c checkoutRequest) toService() services.CheckoutRequest {
	out := services.CheckoutRequest{
		From:     c.From,
		Email:    c.Email,
		GiftInfo: c.GiftInfo,
		Attribution: models.Attribution{
			UTMSource:   c.UTMSource,
			UTMMedium:   c.UTMMedium,
			UTMCampaign: c.UTMCampaign,
			GAClientID:  c.GAClientID,
			Referrer:    c.Referrer,
		},
	}
	for _, it := range c.Items {
		out.Items = append(out.Items, services.CheckoutItem{
			ListingID:                it.ListingID,
			PriceIndex:               it.PriceIndex,
			Quantity:                 it.Quantity,
			CustomPriceDiffInDecimal: it.CustomPriceDiffInDecimal,
			Coupon:                   it.Coupon,
			From:                     it.From,
		})
	}
	if out.GiftInfo != nil && out.GiftInfo.ToEmail == "" {
		out.GiftInfo = nil
	}
	return out
}

type claimRequest struct {
	Token   string `json:"token"`
	Wallet  string `json:"wallet"`
	Message string `json:"message"`
}

type sentRequest struct {
	TxHash string   `json:"txHash"`
	NFTIDs []string `json:"nftIds"`
}

func (h *Handler) BookCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if !decode(w, r, &req) {
		return
	}
	item := req.checkoutItemRequest
	item.ListingID = chi.URLParam(r, "listingId")
	if item.Quantity == 0 {
		item.Quantity = 1
	}
	req.Items = []checkoutItemRequest{item}

	res, err := h.Checkout.NewBookCheckout(r.Context(), req.toService())
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) CartCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if !decode(w, r, &req) {
		return
	}
	for i := range req.Items {
		if req.Items[i].Quantity == 0 {
			req.Items[i].Quantity = 1
		}
	}
	res, err := h.Checkout.NewCartCheckout(r.Context(), req.toService())
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// StripeWebhook handles checkout completion. Each event id is processed at
// most once; the marker is released when processing fails so that the
// processor's retry is not swallowed.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY")
		return
	}
	ev, err := h.Webhooks.ParseWebhook(payload, r.Header.Get(signatureHeader))
	if err != nil {
		h.Logger.Warn("webhook rejected", "err", err)
		writeError(w, http.StatusBadRequest, "INVALID_SIGNATURE")
		return
	}
	if ev.Type != payments.EventCheckoutCompleted || ev.Session == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	ctx := r.Context()
	key := "webhook:" + ev.ID
	ok, err := h.Idempotency.Acquire(ctx, key, webhookDedupe)
	if err != nil {
		h.Logger.Error("webhook dedupe unavailable", "event_id", ev.ID, "err", err)
		writeError(w, http.StatusServiceUnavailable, "DEDUPE_UNAVAILABLE")
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}
	if err := h.Purchases.HandleCheckoutCompleted(ctx, *ev.Session); err != nil {
		if rerr := h.Idempotency.Release(ctx, key); rerr != nil {
			h.Logger.Error("webhook dedupe release failed", "event_id", ev.ID, "err", rerr)
		}
		h.Logger.Error("checkout completion failed", "event_id", ev.ID, "session_id", ev.Session.ID, "err", err)
		h.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *Handler) Claim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Token == "" {
		req.Token = r.URL.Query().Get("token")
	}
	res, err := h.Purchases.Claim(r.Context(), services.ClaimInput{
		ListingID: chi.URLParam(r, "listingId"),
		PaymentID: chi.URLParam(r, "paymentId"),
		Token:     req.Token,
		Wallet:    req.Wallet,
		Message:   req.Message,
	})
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) ClaimCart(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Token == "" {
		req.Token = r.URL.Query().Get("token")
	}
	res, err := h.Purchases.ClaimCart(r.Context(), chi.URLParam(r, "cartId"), req.Token, req.Wallet, req.Message)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) BuyerMessage(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := h.Purchases.SetBuyerMessage(r.Context(), services.MessageInput{
		ListingID: chi.URLParam(r, "listingId"),
		PaymentID: chi.URLParam(r, "paymentId"),
		Token:     req.Token,
		Wallet:    req.Wallet,
		Message:   req.Message,
	})
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, buyerView(p))
}

func (h *Handler) MarkSent(w http.ResponseWriter, r *http.Request) {
	var req sentRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := h.Purchases.MarkSent(r.Context(), services.SentInput{
		ListingID:   chi.URLParam(r, "listingId"),
		PaymentID:   chi.URLParam(r, "paymentId"),
		OwnerWallet: r.Header.Get(walletHeader),
		TxHash:      req.TxHash,
		NFTIDs:      req.NFTIDs,
	})
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ownerView(p))
}

func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.Purchases.BuyerPayment(r.Context(),
		chi.URLParam(r, "listingId"),
		chi.URLParam(r, "paymentId"),
		r.URL.Query().Get("token"),
	)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, buyerView(p))
}

func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	list, err := h.Purchases.OwnerPayments(r.Context(), chi.URLParam(r, "listingId"), r.Header.Get(walletHeader))
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	out := make([]ownerPayment, 0, len(list))
	for _, p := range list {
		out = append(out, ownerView(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": out})
}

// replay serves a stored response for a repeated Idempotency-Key and
// stores successful responses for later repeats.
func (h *Handler) replay(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := idempotency.Key(r)
		if key == "" || h.Idempotency == nil {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()
		storeKey := "idem:" + r.URL.Path + ":" + key
		if body, ok, err := h.Idempotency.Get(ctx, storeKey); err != nil {
			h.Logger.Warn("idempotency lookup failed", "key", key, "err", err)
		} else if ok {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(body)
			return
		}

		rec := &recorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if rec.status != http.StatusOK {
			return
		}
		if err := h.Idempotency.Set(ctx, storeKey, rec.body.Bytes(), replayTTL); err != nil {
			h.Logger.Warn("idempotency store failed", "key", key, "err", err)
		}
	})
}

type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *recorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "INVALID_JSON")
		return false
	}
	return true
}

func (h *Handler) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var partial *services.PartialFailureError
	if errors.As(err, &partial) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":       "CART_PARTIAL_FAILURE",
			"cartId":      partial.CartID,
			"failedItems": partial.Failed,
		})
		return
	}
	if e, ok := apperr.As(err); ok {
		body := map[string]string{"error": e.Code}
		if e.Message != "" {
			body["message"] = e.Message
		}
		writeJSON(w, e.Status, body)
		return
	}
	h.Logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode string) {
	writeJSON(w, code, map[string]string{"error": errCode})
}
