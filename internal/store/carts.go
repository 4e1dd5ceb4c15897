package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"NFTBookCommerce/internal/models"
)

const cartColumns = `cart_id, claim_token, status, price_in_decimal, original_price_in_decimal,
	custom_price_diff_in_decimal, fee_info, class_ids, collection_ids, payment_ids,
	items, failed_items, session_id, payment_intent_id, charge_id, amount_total,
	currency, email, wallet, from_channel, created_at, updated_at`

// CreateCart writes the cart and its member payments in one transaction so
// a capture event can never find a cart without its items.
func (s *Postgres) CreateCart(ctx context.Context, cart *models.Cart, payments []*models.Payment) error {
	args, err := cartArgs(cart)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO carts (`+cartColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
		`, args...)
		if err != nil {
			return err
		}
		for _, p := range payments {
			if err := insertPayment(ctx, tx, p); err != nil {
				return fmt.Errorf("insert cart payment %s: %w", p.PaymentID, err)
			}
		}
		return nil
	})
}

func (s *Postgres) GetCart(ctx context.Context, cartID string) (*models.Cart, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+cartColumns+` FROM carts WHERE cart_id=$1`, cartID)

	var c models.Cart
	var feeInfo, classIDs, collectionIDs, paymentIDs, items, failedItems []byte
	err := row.Scan(
		&c.CartID,
		&c.ClaimToken,
		&c.Status,
		&c.PriceInDecimal,
		&c.OriginalPriceInDecimal,
		&c.CustomPriceDiffInDecimal,
		&feeInfo,
		&classIDs,
		&collectionIDs,
		&paymentIDs,
		&items,
		&failedItems,
		&c.SessionID,
		&c.PaymentIntentID,
		&c.ChargeID,
		&c.AmountTotal,
		&c.Currency,
		&c.Email,
		&c.Wallet,
		&c.From,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	for _, f := range []struct {
		data []byte
		out  any
	}{
		{feeInfo, &c.FeeInfo},
		{classIDs, &c.ClassIDs},
		{collectionIDs, &c.CollectionIDs},
		{paymentIDs, &c.PaymentIDs},
		{items, &c.Items},
		{failedItems, &c.FailedItems},
	} {
		if err := unmarshalJSON(f.data, f.out); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

func (s *Postgres) UpdateCart(ctx context.Context, cart *models.Cart) error {
	args, err := cartArgs(cart)
	if err != nil {
		return err
	}
	tag, err := s.Pool.Exec(ctx, `
		UPDATE carts SET
			claim_token=$2, status=$3, price_in_decimal=$4, original_price_in_decimal=$5,
			custom_price_diff_in_decimal=$6, fee_info=$7, class_ids=$8, collection_ids=$9,
			payment_ids=$10, items=$11, failed_items=$12, session_id=$13, payment_intent_id=$14,
			charge_id=$15, amount_total=$16, currency=$17, email=$18, wallet=$19,
			from_channel=$20, updated_at=now()
		WHERE cart_id=$1
	`, args[:20]...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func cartArgs(c *models.Cart) ([]any, error) {
	jsonArgs := make([][]byte, 0, 6)
	for _, v := range []any{
		c.FeeInfo,
		nonNil(c.ClassIDs),
		nonNil(c.CollectionIDs),
		nonNil(c.PaymentIDs),
		nonNilItems(c.Items),
		nonNilItems(c.FailedItems),
	} {
		data, err := marshalJSON(v)
		if err != nil {
			return nil, err
		}
		jsonArgs = append(jsonArgs, data)
	}
	return []any{
		c.CartID,
		c.ClaimToken,
		c.Status,
		c.PriceInDecimal,
		c.OriginalPriceInDecimal,
		c.CustomPriceDiffInDecimal,
		jsonArgs[0],
		jsonArgs[1],
		jsonArgs[2],
		jsonArgs[3],
		jsonArgs[4],
		jsonArgs[5],
		c.SessionID,
		c.PaymentIntentID,
		c.ChargeID,
		c.AmountTotal,
		c.Currency,
		c.Email,
		c.Wallet,
		c.From,
		c.CreatedAt,
		c.UpdatedAt,
	}, nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nonNilItems(v []models.CartItem) []models.CartItem {
	if v == nil {
		return []models.CartItem{}
	}
	return v
}
