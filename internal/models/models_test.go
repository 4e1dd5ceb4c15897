package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoupon_Valid(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	later := now.Add(time.Hour)
	earlier := now.Add(-time.Hour)

	tests := []struct {
		name string
		c    Coupon
		want bool
	}{
		{"fraction", Coupon{Discount: decimal.RequireFromString("0.3")}, true},
		{"full", Coupon{Discount: decimal.NewFromInt(1)}, true},
		{"zero", Coupon{}, false},
		{"negative", Coupon{Discount: decimal.RequireFromString("-0.1")}, false},
		{"above one", Coupon{Discount: decimal.RequireFromString("1.01")}, false},
		{"not expired", Coupon{Discount: decimal.RequireFromString("0.3"), ExpireAt: &later}, true},
		{"expired", Coupon{Discount: decimal.RequireFromString("0.3"), ExpireAt: &earlier}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.c.Valid(now))
		})
	}
}

func TestCoupon_DecodesStringOrNumber(t *testing.T) {
	var coupons map[string]Coupon
	require.NoError(t, json.Unmarshal([]byte(`{"A":{"discount":"0.15"},"B":{"discount":0.15}}`), &coupons))
	assert.True(t, coupons["A"].Discount.Equal(decimal.RequireFromString("0.15")))
	assert.True(t, coupons["A"].Discount.Equal(coupons["B"].Discount))
}
