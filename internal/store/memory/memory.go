// Package memory is an in-process Store. Transactions are serialised and
// their writes only become visible on commit, which gives the same
// isolation the Postgres row locks provide.
package memory

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"

	"NFTBookCommerce/internal/models"
	"NFTBookCommerce/internal/notify"
	"NFTBookCommerce/internal/store"
)

type Store struct {
	// Relay receives effects enqueued inside a transaction once it commits.
	Relay notify.Dispatcher

	txMu sync.Mutex

	mu       sync.RWMutex
	listings map[string]*models.Listing
	payments map[string]*models.Payment
	carts    map[string]*models.Cart
	users    map[string]*models.BookUser
	ledger   []*models.LedgerEntry
	nfts     map[string]models.NFTRecord
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		listings: make(map[string]*models.Listing),
		payments: make(map[string]*models.Payment),
		carts:    make(map[string]*models.Cart),
		users:    make(map[string]*models.BookUser),
		nfts:     make(map[string]models.NFTRecord),
	}
}

func (s *Store) PutListing(l *models.Listing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings[l.ID] = cloneListing(l)
}

func (s *Store) PutBookUser(u *models.BookUser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.users[u.Wallet] = &cp
}

// NFTRecords returns the delivery records written for a payment.
func (s *Store) NFTRecords(paymentID string) []models.NFTRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.NFTRecord
	for _, r := range s.nfts {
		if r.PaymentID == paymentID {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b models.NFTRecord) int {
		return strings.Compare(a.ClassID+"/"+a.NFTID, b.ClassID+"/"+b.NFTID)
	})
	return out
}

func (s *Store) ListNFTRecords(_ context.Context, paymentID string) ([]models.NFTRecord, error) {
	return s.NFTRecords(paymentID), nil
}

func (s *Store) RunTx(ctx context.Context, fn store.TxFunc) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{
		s:        s,
		listings: make(map[string]*models.Listing),
		payments: make(map[string]*models.Payment),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	for id, l := range tx.dirtyListings() {
		s.listings[id] = l
	}
	for id, p := range tx.dirtyPayments() {
		s.payments[id] = p
	}
	for _, r := range tx.nfts {
		s.nfts[r.ClassID+"/"+r.NFTID] = r
	}
	s.mu.Unlock()

	if s.Relay != nil && len(tx.queued) > 0 {
		s.Relay.Dispatch(ctx, tx.queued...)
	}
	return nil
}

func (s *Store) GetListing(_ context.Context, listingID string) (*models.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.listings[listingID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneListing(l), nil
}

func (s *Store) CreatePayment(_ context.Context, p *models.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[p.PaymentID] = clonePayment(p)
	return nil
}

func (s *Store) GetPayment(_ context.Context, listingID, paymentID string) (*models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookupPayment(listingID, paymentID)
}

func (s *Store) lookupPayment(listingID, paymentID string) (*models.Payment, error) {
	p, ok := s.payments[paymentID]
	if !ok || p.ListingID != listingID {
		return nil, store.ErrNotFound
	}
	return clonePayment(p), nil
}

func (s *Store) ListPayments(_ context.Context, listingID string) ([]*models.Payment, error) {
	return s.listPayments(func(p *models.Payment) bool { return p.ListingID == listingID }, true), nil
}

func (s *Store) ListCartPayments(_ context.Context, cartID string) ([]*models.Payment, error) {
	return s.listPayments(func(p *models.Payment) bool { return p.CartID == cartID }, false), nil
}

func (s *Store) listPayments(match func(*models.Payment) bool, newestFirst bool) []*models.Payment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Payment
	for _, p := range s.payments {
		if match(p) {
			out = append(out, clonePayment(p))
		}
	}
	slices.SortFunc(out, func(a, b *models.Payment) int {
		c := a.CreatedAt.Compare(b.CreatedAt)
		if c == 0 {
			if a.PaymentID < b.PaymentID {
				c = -1
			} else if a.PaymentID > b.PaymentID {
				c = 1
			}
		}
		if newestFirst {
			return -c
		}
		return c
	})
	return out
}

func (s *Store) UpdatePayment(_ context.Context, p *models.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payments[p.PaymentID]; !ok {
		return store.ErrNotFound
	}
	s.payments[p.PaymentID] = clonePayment(p)
	return nil
}

func (s *Store) CreateCart(_ context.Context, cart *models.Cart, payments []*models.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.carts[cart.CartID] = cloneCart(cart)
	for _, p := range payments {
		s.payments[p.PaymentID] = clonePayment(p)
	}
	return nil
}

func (s *Store) GetCart(_ context.Context, cartID string) (*models.Cart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.carts[cartID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneCart(c), nil
}

func (s *Store) UpdateCart(_ context.Context, cart *models.Cart) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.carts[cart.CartID]; !ok {
		return store.ErrNotFound
	}
	s.carts[cart.CartID] = cloneCart(cart)
	return nil
}

func (s *Store) GetBookUser(_ context.Context, wallet string) (*models.BookUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[wallet]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) GetBookUserByLikerID(_ context.Context, likerID string) (*models.BookUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if likerID != "" && u.LikerID == likerID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) InsertLedgerEntry(_ context.Context, e *models.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.ledger {
		if existing.TransferID == e.TransferID {
			return nil
		}
	}
	cp := *e
	s.ledger = append(s.ledger, &cp)
	return nil
}

func (s *Store) ListLedgerEntries(_ context.Context, paymentID string) ([]*models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.LedgerEntry
	for _, e := range s.ledger {
		if e.PaymentID == paymentID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// memTx stages writes; reads see staged copies first.
type memTx struct {
	s        *Store
	listings map[string]*models.Listing
	payments map[string]*models.Payment
	written  map[string]bool
	nfts     []models.NFTRecord
	queued   []notify.Effect
}

func (t *memTx) mark(key string) {
	if t.written == nil {
		t.written = make(map[string]bool)
	}
	t.written[key] = true
}

func (t *memTx) GetListing(_ context.Context, listingID string) (*models.Listing, error) {
	if l, ok := t.listings[listingID]; ok {
		return cloneListing(l), nil
	}
	l, err := t.s.GetListing(context.Background(), listingID)
	if err != nil {
		return nil, err
	}
	t.listings[listingID] = cloneListing(l)
	return l, nil
}

func (t *memTx) UpdateListingInventory(_ context.Context, l *models.Listing) error {
	if _, ok := t.listings[l.ID]; !ok {
		return store.ErrNotFound
	}
	t.listings[l.ID] = cloneListing(l)
	t.mark("l/" + l.ID)
	return nil
}

func (t *memTx) GetPayment(_ context.Context, listingID, paymentID string) (*models.Payment, error) {
	if p, ok := t.payments[paymentID]; ok {
		if p.ListingID != listingID {
			return nil, store.ErrNotFound
		}
		return clonePayment(p), nil
	}
	t.s.mu.RLock()
	p, err := t.s.lookupPayment(listingID, paymentID)
	t.s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	t.payments[paymentID] = clonePayment(p)
	return p, nil
}

func (t *memTx) UpdatePayment(_ context.Context, p *models.Payment) error {
	if _, ok := t.payments[p.PaymentID]; !ok {
		return store.ErrNotFound
	}
	t.payments[p.PaymentID] = clonePayment(p)
	t.mark("p/" + p.PaymentID)
	return nil
}

func (t *memTx) InsertNFTRecords(_ context.Context, records []models.NFTRecord) error {
	t.nfts = append(t.nfts, records...)
	return nil
}

func (t *memTx) Enqueue(_ context.Context, e notify.Effect) error {
	t.queued = append(t.queued, e)
	return nil
}

func (t *memTx) dirtyListings() map[string]*models.Listing {
	out := make(map[string]*models.Listing)
	for id, l := range t.listings {
		if t.written["l/"+id] {
			out[id] = l
		}
	}
	return out
}

func (t *memTx) dirtyPayments() map[string]*models.Payment {
	out := make(map[string]*models.Payment)
	for id, p := range t.payments {
		if t.written["p/"+id] {
			out[id] = p
		}
	}
	return out
}

func cloneListing(l *models.Listing) *models.Listing {
	cp := *l
	cp.ClassIDs = slices.Clone(l.ClassIDs)
	cp.Prices = slices.Clone(l.Prices)
	cp.ConnectedWallets = maps.Clone(l.ConnectedWallets)
	cp.Coupons = maps.Clone(l.Coupons)
	return &cp
}

func clonePayment(p *models.Payment) *models.Payment {
	cp := *p
	cp.NFTIDs = slices.Clone(p.NFTIDs)
	if p.GiftInfo != nil {
		g := *p.GiftInfo
		cp.GiftInfo = &g
	}
	return &cp
}

func cloneCart(c *models.Cart) *models.Cart {
	cp := *c
	cp.ClassIDs = slices.Clone(c.ClassIDs)
	cp.CollectionIDs = slices.Clone(c.CollectionIDs)
	cp.PaymentIDs = slices.Clone(c.PaymentIDs)
	cp.Items = slices.Clone(c.Items)
	cp.FailedItems = slices.Clone(c.FailedItems)
	return &cp
}
