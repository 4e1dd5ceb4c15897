package store

import (
	"context"

	"NFTBookCommerce/internal/models"
)

func (s *Postgres) GetBookUser(ctx context.Context, wallet string) (*models.BookUser, error) {
	return getBookUser(ctx, s.Pool, `WHERE wallet=$1`, wallet)
}

func (s *Postgres) GetBookUserByLikerID(ctx context.Context, likerID string) (*models.BookUser, error) {
	return getBookUser(ctx, s.Pool, `WHERE liker_id=$1`, likerID)
}

func getBookUser(ctx context.Context, q querier, where string, arg string) (*models.BookUser, error) {
	var u models.BookUser
	err := q.QueryRow(ctx, `
		SELECT wallet, liker_id, stripe_connect_account_id, notification_email, is_email_verified
		FROM book_users `+where, arg).Scan(
		&u.Wallet,
		&u.LikerID,
		&u.StripeConnectAccountID,
		&u.NotificationEmail,
		&u.IsEmailVerified,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// InsertLedgerEntry is append-only. A replayed transfer (same transfer id,
// returned by the processor for a repeated idempotency key) is ignored.
func (s *Postgres) InsertLedgerEntry(ctx context.Context, e *models.LedgerEntry) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO commission_ledger (
			id, type, wallet, listing_id, price_index, payment_id, transfer_id,
			stripe_connect_account_id, amount_total, amount, currency, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (transfer_id) DO NOTHING
	`,
		e.ID,
		e.Type,
		e.Wallet,
		e.ListingID,
		e.PriceIndex,
		e.PaymentID,
		e.TransferID,
		e.StripeConnectAccountID,
		e.AmountTotal,
		e.Amount,
		e.Currency,
		e.CreatedAt,
	)
	return err
}

func (s *Postgres) ListLedgerEntries(ctx context.Context, paymentID string) ([]*models.LedgerEntry, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, type, wallet, listing_id, price_index, payment_id, transfer_id,
			stripe_connect_account_id, amount_total, amount, currency, created_at
		FROM commission_ledger WHERE payment_id=$1 ORDER BY created_at, id
	`, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(
			&e.ID,
			&e.Type,
			&e.Wallet,
			&e.ListingID,
			&e.PriceIndex,
			&e.PaymentID,
			&e.TransferID,
			&e.StripeConnectAccountID,
			&e.AmountTotal,
			&e.Amount,
			&e.Currency,
			&e.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
