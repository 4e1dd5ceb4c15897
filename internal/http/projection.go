package http

import (
	"time"

	"NFTBookCommerce/internal/models"
)

// buyerPayment is what the holder of a claim token may see. Fees, the
// buyer's email and processor ids stay internal.
type buyerPayment struct {
	PaymentID      string               `json:"paymentId"`
	ListingID      string               `json:"listingId"`
	Kind           models.ListingKind   `json:"kind"`
	PriceIndex     int                  `json:"priceIndex"`
	PriceName      string               `json:"priceName,omitempty"`
	Quantity       int64                `json:"quantity"`
	PriceInDecimal int64                `json:"priceInDecimal"`
	Status         models.PaymentStatus `json:"status"`
	Wallet         string               `json:"wallet,omitempty"`
	IsPendingClaim bool                 `json:"isPendingClaim"`
	IsAutoDeliver  bool                 `json:"isAutoDeliver"`
	TxHash         string               `json:"txHash,omitempty"`
	NFTIDs         []string             `json:"nftIds,omitempty"`
	Message        string               `json:"message,omitempty"`
	GiftInfo       *models.GiftInfo     `json:"giftInfo,omitempty"`
	PaidAt         string               `json:"paidAt,omitempty"`
	ClaimedAt      string               `json:"claimedAt,omitempty"`
	CompletedAt    string               `json:"completedAt,omitempty"`
}

// ownerPayment is the listing owner's view: amounts and fee breakdown, the
// buyer's contact and the referring channel. Never the claim token.
type ownerPayment struct {
	buyerPayment
	OriginalPriceInDecimal   int64          `json:"originalPriceInDecimal"`
	CustomPriceDiffInDecimal int64          `json:"customPriceDiffInDecimal"`
	FeeInfo                  models.FeeInfo `json:"feeInfo"`
	AmountTotal              int64          `json:"amountTotal"`
	Currency                 string         `json:"currency,omitempty"`
	Email                    string         `json:"email,omitempty"`
	From                     string         `json:"from,omitempty"`
	CartID                   string         `json:"cartId,omitempty"`
	LastError                string         `json:"lastError,omitempty"`
	CreatedAt                string         `json:"createdAt"`
}

func buyerView(p *models.Payment) buyerPayment {
	return buyerPayment{
		PaymentID:      p.PaymentID,
		ListingID:      p.ListingID,
		Kind:           p.Kind,
		PriceIndex:     p.PriceIndex,
		PriceName:      p.PriceName,
		Quantity:       p.Quantity,
		PriceInDecimal: p.PriceInDecimal,
		Status:         p.Status,
		Wallet:         p.Wallet,
		IsPendingClaim: p.IsPendingClaim,
		IsAutoDeliver:  p.IsAutoDeliver,
		TxHash:         p.TxHash,
		NFTIDs:         p.NFTIDs,
		Message:        p.Message,
		GiftInfo:       p.GiftInfo,
		PaidAt:         formatTime(p.PaidAt),
		ClaimedAt:      formatTime(p.ClaimedAt),
		CompletedAt:    formatTime(p.CompletedAt),
	}
}

func ownerView(p *models.Payment) ownerPayment {
	return ownerPayment{
		buyerPayment:             buyerView(p),
		OriginalPriceInDecimal:   p.OriginalPriceInDecimal,
		CustomPriceDiffInDecimal: p.CustomPriceDiffInDecimal,
		FeeInfo:                  p.FeeInfo,
		AmountTotal:              p.AmountTotal,
		Currency:                 p.Currency,
		Email:                    p.Email,
		From:                     p.From,
		CartID:                   p.CartID,
		LastError:                p.LastError,
		CreatedAt:                p.CreatedAt.Format(time.RFC3339),
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
