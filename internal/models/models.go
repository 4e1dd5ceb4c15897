package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type ListingKind string

const (
	KindBook       ListingKind = "book"
	KindCollection ListingKind = "collection"
)

type PaymentStatus string

const (
	PaymentNew        PaymentStatus = "new"
	PaymentPaid       PaymentStatus = "paid"
	PaymentPendingNFT PaymentStatus = "pendingNFT"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentCanceled   PaymentStatus = "canceled"
)

type CommissionType string

const (
	CommissionChannel         CommissionType = "channelCommission"
	CommissionConnectedWallet CommissionType = "connectedWallet"
	CommissionArtFee          CommissionType = "artFee"
)

// PriceTier is one purchasable edition of a listing. Index is stable and is
// what payment records refer to.
type PriceTier struct {
	Index          int
	Name           string
	PriceInDecimal int64
	Stock          int64
	Sold           int64
	IsAutoDeliver  bool
	HasShipping    bool
}

// Coupon takes Discount, a fraction in (0, 1], off the tier price.
// Discount is stored as a decimal string, e.g. "0.3".
type Coupon struct {
	Discount decimal.Decimal `json:"discount"`
	ExpireAt *time.Time      `json:"expireAt,omitempty"`
}

func (c Coupon) Valid(now time.Time) bool {
	if !c.Discount.IsPositive() || c.Discount.GreaterThan(decimal.NewFromInt(1)) {
		return false
	}
	return c.ExpireAt == nil || now.Before(*c.ExpireAt)
}

type Listing struct {
	ID               string
	Kind             ListingKind
	OwnerWallet      string
	Name             string
	Image            string
	ClassIDs         []string
	Prices           []PriceTier
	PendingNFTCount  int64
	ConnectedWallets map[string]float64
	Coupons          map[string]Coupon
	IsLikerLandArt   bool
	LastSaleAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (l *Listing) Price(index int) (*PriceTier, bool) {
	for i := range l.Prices {
		if l.Prices[i].Index == index {
			return &l.Prices[i], true
		}
	}
	return nil, false
}

// DeliveryClassIDs lists the classes a buyer receives for one unit.
func (l *Listing) DeliveryClassIDs() []string {
	if l.Kind == KindCollection {
		return l.ClassIDs
	}
	return []string{l.ID}
}

type FeeInfo struct {
	PriceInDecimal           int64 `json:"priceInDecimal"`
	OriginalPriceInDecimal   int64 `json:"originalPriceInDecimal"`
	CustomPriceDiffInDecimal int64 `json:"customPriceDiffInDecimal"`
	PriceDiscount            int64 `json:"priceDiscount"`
	StripeFeeAmount          int64 `json:"stripeFeeAmount"`
	LikerLandFeeAmount       int64 `json:"likerLandFeeAmount"`
	LikerLandTipFeeAmount    int64 `json:"likerLandTipFeeAmount"`
	LikerLandCommission      int64 `json:"likerLandCommission"`
	ChannelCommission        int64 `json:"channelCommission"`
	LikerLandArtFee          int64 `json:"likerLandArtFee"`
}

// RoyaltyPool is what remains for connected wallets once the processor, the
// platform and the channel have been paid.
func (f FeeInfo) RoyaltyPool(amountTotal int64) int64 {
	pool := amountTotal -
		f.StripeFeeAmount -
		f.LikerLandFeeAmount -
		f.LikerLandTipFeeAmount -
		f.LikerLandCommission -
		f.ChannelCommission -
		f.LikerLandArtFee
	if pool < 0 {
		return 0
	}
	return pool
}

type GiftInfo struct {
	ToEmail  string `json:"toEmail"`
	ToName   string `json:"toName"`
	FromName string `json:"fromName"`
	Message  string `json:"message"`
}

type Attribution struct {
	UTMSource   string `json:"utmSource,omitempty"`
	UTMMedium   string `json:"utmMedium,omitempty"`
	UTMCampaign string `json:"utmCampaign,omitempty"`
	GAClientID  string `json:"gaClientId,omitempty"`
	Referrer    string `json:"referrer,omitempty"`
}

type Payment struct {
	PaymentID                string
	ListingID                string
	Kind                     ListingKind
	PriceIndex               int
	PriceName                string
	Quantity                 int64
	PriceInDecimal           int64
	OriginalPriceInDecimal   int64
	CustomPriceDiffInDecimal int64
	ClaimToken               string
	Status                   PaymentStatus
	Wallet                   string
	IsPendingClaim           bool
	IsAutoDeliver            bool
	FeeInfo                  FeeInfo
	GiftInfo                 *GiftInfo
	Email                    string
	From                     string
	CartID                   string
	SessionID                string
	PaymentIntentID          string
	ChargeID                 string
	AmountTotal              int64
	Currency                 string
	TxHash                   string
	NFTIDs                   []string
	Message                  string
	LastError                string
	Attribution              Attribution
	ClaimedAt                *time.Time
	PaidAt                   *time.Time
	CompletedAt              *time.Time
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

type CartItem struct {
	ListingID  string      `json:"listingId"`
	Kind       ListingKind `json:"kind"`
	PriceIndex int         `json:"priceIndex"`
	PaymentID  string      `json:"paymentId"`
	Reason     string      `json:"reason,omitempty"`
}

type Cart struct {
	CartID                   string
	ClaimToken               string
	Status                   PaymentStatus
	PriceInDecimal           int64
	OriginalPriceInDecimal   int64
	CustomPriceDiffInDecimal int64
	FeeInfo                  FeeInfo
	ClassIDs                 []string
	CollectionIDs            []string
	PaymentIDs               []string
	Items                    []CartItem
	FailedItems              []CartItem
	SessionID                string
	PaymentIntentID          string
	ChargeID                 string
	AmountTotal              int64
	Currency                 string
	Email                    string
	Wallet                   string
	From                     string
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

type LedgerEntry struct {
	ID                     string
	Type                   CommissionType
	Wallet                 string
	ListingID              string
	PriceIndex             int
	PaymentID              string
	TransferID             string
	StripeConnectAccountID string
	AmountTotal            int64
	Amount                 int64
	Currency               string
	CreatedAt              time.Time
}

type BookUser struct {
	Wallet                 string
	LikerID                string
	StripeConnectAccountID string
	NotificationEmail      string
	IsEmailVerified        bool
}

type NFTRecord struct {
	ListingID string
	ClassID   string
	NFTID     string
	PaymentID string
	Wallet    string
	TxHash    string
	SoldAt    time.Time
}
