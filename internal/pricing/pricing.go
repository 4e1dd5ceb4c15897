package pricing

import (
	"github.com/shopspring/decimal"

	"NFTBookCommerce/internal/models"
)

// Rates are fractions of the original price. They are decimals so that
// ceiling rounding never drifts on binary floating point.
type Rates struct {
	PlatformFee decimal.Decimal
	TipFee      decimal.Decimal
	Commission  decimal.Decimal
	ArtFee      decimal.Decimal
}

func DefaultRates() Rates {
	return Rates{
		PlatformFee: decimal.RequireFromString("0.05"),
		TipFee:      decimal.RequireFromString("0.1"),
		Commission:  decimal.RequireFromString("0.3"),
		ArtFee:      decimal.RequireFromString("0.1"),
	}
}

type Service struct {
	Rates           Rates
	PlatformChannel string
	WaivedChannel   string
}

type Item struct {
	PriceInDecimal           int64
	OriginalPriceInDecimal   int64
	CustomPriceDiffInDecimal int64
	Quantity                 int64
	IsLikerLandArt           bool
	From                     string
}

// Breakdown holds line amounts, i.e. per-unit values multiplied by quantity.
type Breakdown struct {
	models.FeeInfo
	Quantity int64
	Channel  string
	IsFree   bool
}

func (s Service) CalculateItemPrices(items []Item, cartFrom string) []Breakdown {
	out := make([]Breakdown, 0, len(items))
	for _, item := range items {
		out = append(out, s.calculate(item, cartFrom))
	}
	return out
}

func (s Service) calculate(item Item, cartFrom string) Breakdown {
	qty := item.Quantity
	if qty < 1 {
		qty = 1
	}
	price := item.PriceInDecimal * qty
	original := item.OriginalPriceInDecimal * qty
	tip := item.CustomPriceDiffInDecimal * qty

	channel := item.From
	if channel == "" {
		channel = cartFrom
	}

	b := Breakdown{
		Quantity: qty,
		Channel:  channel,
		IsFree:   price == 0 && tip == 0,
	}
	b.PriceInDecimal = price
	b.OriginalPriceInDecimal = original
	b.CustomPriceDiffInDecimal = tip
	b.PriceDiscount = max(original-(price-tip), 0)
	if b.IsFree {
		return b
	}

	b.LikerLandFeeAmount = ceilMul(original, s.Rates.PlatformFee)
	b.LikerLandTipFeeAmount = ceilMul(tip, s.Rates.TipFee)
	if item.IsLikerLandArt {
		b.LikerLandArtFee = ceilMul(original, s.Rates.ArtFee)
	}

	switch {
	case channel == "" || channel == s.WaivedChannel:
	case channel == s.PlatformChannel:
		b.LikerLandCommission = s.commission(original, b.PriceDiscount)
	default:
		b.ChannelCommission = s.commission(original, b.PriceDiscount)
	}
	return b
}

// commission is ceil(original*rate - discount), never negative: a discount
// is paid for out of the referrer's share first.
func (s Service) commission(original, discount int64) int64 {
	v := decimal.NewFromInt(original).
		Mul(s.Rates.Commission).
		Sub(decimal.NewFromInt(discount)).
		Ceil().
		IntPart()
	return max(v, 0)
}

// Sum aggregates line breakdowns into one cart-level fee record.
func Sum(lines []Breakdown) models.FeeInfo {
	var f models.FeeInfo
	for _, l := range lines {
		f.PriceInDecimal += l.PriceInDecimal
		f.OriginalPriceInDecimal += l.OriginalPriceInDecimal
		f.CustomPriceDiffInDecimal += l.CustomPriceDiffInDecimal
		f.PriceDiscount += l.PriceDiscount
		f.StripeFeeAmount += l.StripeFeeAmount
		f.LikerLandFeeAmount += l.LikerLandFeeAmount
		f.LikerLandTipFeeAmount += l.LikerLandTipFeeAmount
		f.LikerLandCommission += l.LikerLandCommission
		f.ChannelCommission += l.ChannelCommission
		f.LikerLandArtFee += l.LikerLandArtFee
	}
	return f
}

func ceilMul(amount int64, rate decimal.Decimal) int64 {
	if amount == 0 {
		return 0
	}
	return decimal.NewFromInt(amount).Mul(rate).Ceil().IntPart()
}
