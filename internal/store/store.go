package store

import (
	"context"
	"errors"

	"NFTBookCommerce/internal/models"
	"NFTBookCommerce/internal/notify"
)

var ErrNotFound = errors.New("not found")

// Tx is the view of the database inside one atomic read-modify-write. Reads
// lock the rows they return until the transaction ends.
type Tx interface {
	GetListing(ctx context.Context, listingID string) (*models.Listing, error)
	UpdateListingInventory(ctx context.Context, listing *models.Listing) error
	GetPayment(ctx context.Context, listingID, paymentID string) (*models.Payment, error)
	UpdatePayment(ctx context.Context, payment *models.Payment) error
	InsertNFTRecords(ctx context.Context, records []models.NFTRecord) error
	// Enqueue adds an outbox record that commits or rolls back with tx.
	Enqueue(ctx context.Context, effect notify.Effect) error
}

// TxFunc may be executed more than once when the database reports a
// conflict, so it must not perform side effects outside tx.
type TxFunc func(ctx context.Context, tx Tx) error

type Store interface {
	RunTx(ctx context.Context, fn TxFunc) error

	GetListing(ctx context.Context, listingID string) (*models.Listing, error)

	CreatePayment(ctx context.Context, payment *models.Payment) error
	GetPayment(ctx context.Context, listingID, paymentID string) (*models.Payment, error)
	ListPayments(ctx context.Context, listingID string) ([]*models.Payment, error)
	ListCartPayments(ctx context.Context, cartID string) ([]*models.Payment, error)
	UpdatePayment(ctx context.Context, payment *models.Payment) error
	ListNFTRecords(ctx context.Context, paymentID string) ([]models.NFTRecord, error)

	CreateCart(ctx context.Context, cart *models.Cart, payments []*models.Payment) error
	GetCart(ctx context.Context, cartID string) (*models.Cart, error)
	UpdateCart(ctx context.Context, cart *models.Cart) error

	GetBookUser(ctx context.Context, wallet string) (*models.BookUser, error)
	GetBookUserByLikerID(ctx context.Context, likerID string) (*models.BookUser, error)

	InsertLedgerEntry(ctx context.Context, entry *models.LedgerEntry) error
	ListLedgerEntries(ctx context.Context, paymentID string) ([]*models.LedgerEntry, error)
}
