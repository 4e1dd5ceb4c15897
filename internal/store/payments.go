package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"NFTBookCommerce/internal/models"
	"NFTBookCommerce/internal/notify"
)

const paymentColumns = `payment_id, listing_id, kind, price_index, price_name, quantity,
	price_in_decimal, original_price_in_decimal, custom_price_diff_in_decimal,
	claim_token, status, wallet, is_pending_claim, is_auto_deliver,
	fee_info, gift_info, email, from_channel, cart_id, session_id,
	payment_intent_id, charge_id, amount_total, currency, tx_hash, nft_ids,
	message, last_error, attribution, claimed_at, paid_at, completed_at,
	created_at, updated_at`

func (s *Postgres) CreatePayment(ctx context.Context, p *models.Payment) error {
	return insertPayment(ctx, s.Pool, p)
}

func (s *Postgres) GetPayment(ctx context.Context, listingID, paymentID string) (*models.Payment, error) {
	return getPayment(ctx, s.Pool, listingID, paymentID, false)
}

func (s *Postgres) UpdatePayment(ctx context.Context, p *models.Payment) error {
	return updatePayment(ctx, s.Pool, p)
}

func (s *Postgres) ListPayments(ctx context.Context, listingID string) ([]*models.Payment, error) {
	return listPayments(ctx, s.Pool, `WHERE listing_id=$1 ORDER BY created_at DESC`, listingID)
}

func (s *Postgres) ListCartPayments(ctx context.Context, cartID string) ([]*models.Payment, error) {
	return listPayments(ctx, s.Pool, `WHERE cart_id=$1 ORDER BY created_at, payment_id`, cartID)
}

func (t *pgTx) GetPayment(ctx context.Context, listingID, paymentID string) (*models.Payment, error) {
	return getPayment(ctx, t.q, listingID, paymentID, true)
}

func (t *pgTx) UpdatePayment(ctx context.Context, p *models.Payment) error {
	return updatePayment(ctx, t.q, p)
}

func (t *pgTx) InsertNFTRecords(ctx context.Context, records []models.NFTRecord) error {
	for _, r := range records {
		_, err := t.q.Exec(ctx, `
			INSERT INTO listing_nfts (listing_id, class_id, nft_id, payment_id, wallet, tx_hash, sold_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (class_id, nft_id) DO UPDATE
			SET payment_id=EXCLUDED.payment_id, wallet=EXCLUDED.wallet,
				tx_hash=EXCLUDED.tx_hash, sold_at=EXCLUDED.sold_at
		`, r.ListingID, r.ClassID, r.NFTID, r.PaymentID, r.Wallet, r.TxHash, r.SoldAt)
		if err != nil {
			return fmt.Errorf("insert nft %s: %w", r.NFTID, err)
		}
	}
	return nil
}

func (t *pgTx) Enqueue(ctx context.Context, e notify.Effect) error {
	return notify.Insert(ctx, t.q, uuid.NewString(), e.Topic, e.Key, e.Payload)
}

func (s *Postgres) ListNFTRecords(ctx context.Context, paymentID string) ([]models.NFTRecord, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT listing_id, class_id, nft_id, payment_id, wallet, tx_hash, sold_at
		FROM listing_nfts WHERE payment_id=$1 ORDER BY class_id, nft_id
	`, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.NFTRecord
	for rows.Next() {
		var r models.NFTRecord
		if err := rows.Scan(&r.ListingID, &r.ClassID, &r.NFTID, &r.PaymentID, &r.Wallet, &r.TxHash, &r.SoldAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func insertPayment(ctx context.Context, q querier, p *models.Payment) error {
	args, err := paymentArgs(p)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,
			$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32,$33,$34)
	`, args...)
	return err
}

func updatePayment(ctx context.Context, q querier, p *models.Payment) error {
	args, err := paymentArgs(p)
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx, `
		UPDATE payments SET
			kind=$3, price_index=$4, price_name=$5, quantity=$6,
			price_in_decimal=$7, original_price_in_decimal=$8, custom_price_diff_in_decimal=$9,
			claim_token=$10, status=$11, wallet=$12, is_pending_claim=$13, is_auto_deliver=$14,
			fee_info=$15, gift_info=$16, email=$17, from_channel=$18, cart_id=$19, session_id=$20,
			payment_intent_id=$21, charge_id=$22, amount_total=$23, currency=$24, tx_hash=$25,
			nft_ids=$26, message=$27, last_error=$28, attribution=$29, claimed_at=$30,
			paid_at=$31, completed_at=$32, updated_at=now()
		WHERE payment_id=$1 AND listing_id=$2
	`, args[:32]...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func paymentArgs(p *models.Payment) ([]any, error) {
	feeInfo, err := marshalJSON(p.FeeInfo)
	if err != nil {
		return nil, err
	}
	var giftInfo []byte
	if p.GiftInfo != nil {
		if giftInfo, err = marshalJSON(p.GiftInfo); err != nil {
			return nil, err
		}
	}
	nftIDs := p.NFTIDs
	if nftIDs == nil {
		nftIDs = []string{}
	}
	nftJSON, err := marshalJSON(nftIDs)
	if err != nil {
		return nil, err
	}
	attribution, err := marshalJSON(p.Attribution)
	if err != nil {
		return nil, err
	}
	return []any{
		p.PaymentID,
		p.ListingID,
		p.Kind,
		p.PriceIndex,
		p.PriceName,
		p.Quantity,
		p.PriceInDecimal,
		p.OriginalPriceInDecimal,
		p.CustomPriceDiffInDecimal,
		p.ClaimToken,
		p.Status,
		p.Wallet,
		p.IsPendingClaim,
		p.IsAutoDeliver,
		feeInfo,
		giftInfo,
		p.Email,
		p.From,
		p.CartID,
		p.SessionID,
		p.PaymentIntentID,
		p.ChargeID,
		p.AmountTotal,
		p.Currency,
		p.TxHash,
		nftJSON,
		p.Message,
		p.LastError,
		attribution,
		p.ClaimedAt,
		p.PaidAt,
		p.CompletedAt,
		p.CreatedAt,
		p.UpdatedAt,
	}, nil
}

func getPayment(ctx context.Context, q querier, listingID, paymentID string, lock bool) (*models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE payment_id=$1 AND listing_id=$2`
	if lock {
		query += ` FOR UPDATE`
	}
	p, err := scanPayment(q.QueryRow(ctx, query, paymentID, listingID))
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

func listPayments(ctx context.Context, q querier, where string, args ...any) ([]*models.Payment, error) {
	rows, err := q.Query(ctx, `SELECT `+paymentColumns+` FROM payments `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPayment(row scanner) (*models.Payment, error) {
	var p models.Payment
	var feeInfo, giftInfo, nftIDs, attribution []byte
	err := row.Scan(
		&p.PaymentID,
		&p.ListingID,
		&p.Kind,
		&p.PriceIndex,
		&p.PriceName,
		&p.Quantity,
		&p.PriceInDecimal,
		&p.OriginalPriceInDecimal,
		&p.CustomPriceDiffInDecimal,
		&p.ClaimToken,
		&p.Status,
		&p.Wallet,
		&p.IsPendingClaim,
		&p.IsAutoDeliver,
		&feeInfo,
		&giftInfo,
		&p.Email,
		&p.From,
		&p.CartID,
		&p.SessionID,
		&p.PaymentIntentID,
		&p.ChargeID,
		&p.AmountTotal,
		&p.Currency,
		&p.TxHash,
		&nftIDs,
		&p.Message,
		&p.LastError,
		&attribution,
		&p.ClaimedAt,
		&p.PaidAt,
		&p.CompletedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(feeInfo, &p.FeeInfo); err != nil {
		return nil, err
	}
	if len(giftInfo) > 0 {
		p.GiftInfo = &models.GiftInfo{}
		if err := unmarshalJSON(giftInfo, p.GiftInfo); err != nil {
			return nil, err
		}
	}
	if err := unmarshalJSON(nftIDs, &p.NFTIDs); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(attribution, &p.Attribution); err != nil {
		return nil, err
	}
	return &p, nil
}
