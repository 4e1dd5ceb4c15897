package store

import (
	"context"
	"encoding/json"
	"fmt"

	"NFTBookCommerce/internal/models"
)

const listingColumns = `id, kind, owner_wallet, name, image, class_ids,
	pending_nft_count, connected_wallets, coupons, is_liker_land_art,
	last_sale_at, created_at, updated_at`

func (s *Postgres) GetListing(ctx context.Context, listingID string) (*models.Listing, error) {
	return getListing(ctx, s.Pool, listingID, false)
}

func (t *pgTx) GetListing(ctx context.Context, listingID string) (*models.Listing, error) {
	return getListing(ctx, t.q, listingID, true)
}

func (t *pgTx) UpdateListingInventory(ctx context.Context, listing *models.Listing) error {
	_, err := t.q.Exec(ctx, `
		UPDATE listings
		SET pending_nft_count=$2, last_sale_at=$3, updated_at=now()
		WHERE id=$1
	`, listing.ID, listing.PendingNFTCount, listing.LastSaleAt)
	if err != nil {
		return err
	}
	for _, p := range listing.Prices {
		_, err := t.q.Exec(ctx, `
			UPDATE listing_prices SET stock=$3, sold=$4
			WHERE listing_id=$1 AND idx=$2
		`, listing.ID, p.Index, p.Stock, p.Sold)
		if err != nil {
			return fmt.Errorf("update price %d: %w", p.Index, err)
		}
	}
	return nil
}

func getListing(ctx context.Context, q querier, listingID string, lock bool) (*models.Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings WHERE id=$1`
	if lock {
		query += ` FOR UPDATE`
	}

	var l models.Listing
	var classIDs, wallets, coupons []byte
	err := q.QueryRow(ctx, query, listingID).Scan(
		&l.ID,
		&l.Kind,
		&l.OwnerWallet,
		&l.Name,
		&l.Image,
		&classIDs,
		&l.PendingNFTCount,
		&wallets,
		&coupons,
		&l.IsLikerLandArt,
		&l.LastSaleAt,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	if err := unmarshalJSON(classIDs, &l.ClassIDs); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(wallets, &l.ConnectedWallets); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(coupons, &l.Coupons); err != nil {
		return nil, err
	}

	priceQuery := `
		SELECT idx, name, price_in_decimal, stock, sold, is_auto_deliver, has_shipping
		FROM listing_prices WHERE listing_id=$1 ORDER BY idx`
	if lock {
		priceQuery += ` FOR UPDATE`
	}
	rows, err := q.Query(ctx, priceQuery, listingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var p models.PriceTier
		if err := rows.Scan(&p.Index, &p.Name, &p.PriceInDecimal, &p.Stock, &p.Sold, &p.IsAutoDeliver, &p.HasShipping); err != nil {
			return nil, err
		}
		l.Prices = append(l.Prices, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &l, nil
}

func unmarshalJSON(data []byte, out any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func marshalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}
