package store

import (
	"context"
	"sync"
	"time"

	"github.com/fractionet/order-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Purchase serialization matches the PostgreSQL implementation: each sell
// order has its own lock held for the whole validate-then-execute span, so
// purchases of different orders proceed in parallel, and each balance row a
// transaction reads ForUpdate stays locked until the transaction returns —
// one seller backing orders on several sell orders cannot be double-spent
// by concurrent purchases. Writes apply immediately; the purchase pipeline
// performs every read and validation before its first write, so an aborted
// purchase never leaves partial state.
type MemoryStore struct {
	mu        sync.RWMutex
	orders    map[string]*model.SellOrder
	assets    map[assetKey]*model.UserAsset
	purchases []model.SellOrderPurchase

	lockMu     sync.Mutex
	orderLocks map[string]*sync.Mutex
	assetLocks map[assetKey]*sync.Mutex
}

type assetKey struct {
	userID  string
	assetID string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:     make(map[string]*model.SellOrder),
		assets:     make(map[assetKey]*model.UserAsset),
		orderLocks: make(map[string]*sync.Mutex),
		assetLocks: make(map[assetKey]*sync.Mutex),
	}
}

func (s *MemoryStore) CreateSellOrder(_ context.Context, o *model.SellOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

func (s *MemoryStore) GetActiveSellOrder(_ context.Context, id string, now time.Time) (*model.SellOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok || !o.ActiveAt(now) {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) ListActiveSellOrders(_ context.Context, now time.Time) ([]model.SellOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var orders []model.SellOrder
	for _, o := range s.orders {
		if o.ActiveAt(now) {
			orders = append(orders, *o)
		}
	}
	return orders, nil
}

func (s *MemoryStore) SoftDeleteSellOrder(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok || !o.ActiveAt(now) {
		return ErrNotFound
	}
	t := now
	o.DeletedAt = &t
	return nil
}

// orderLock returns the mutex serializing purchases of one order,
// creating it on first use.
func (s *MemoryStore) orderLock(orderID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	l, ok := s.orderLocks[orderID]
	if !ok {
		l = &sync.Mutex{}
		s.orderLocks[orderID] = l
	}
	return l
}

// assetLock returns the mutex standing in for the row lock on one balance
// row, creating it on first use.
func (s *MemoryStore) assetLock(key assetKey) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	l, ok := s.assetLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.assetLocks[key] = l
	}
	return l
}

func (s *MemoryStore) PurchaseTx(_ context.Context, orderID string, fn func(tx Tx) error) error {
	l := s.orderLock(orderID)
	l.Lock()
	defer l.Unlock()

	tx := &memTx{s: s, held: make(map[assetKey]*sync.Mutex)}
	defer tx.release()
	return fn(tx)
}

func (s *MemoryStore) TotalPurchased(_ context.Context, buyerID, orderID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sumPurchased(buyerID, orderID), nil
}

// sumPurchased must be called with s.mu held.
func (s *MemoryStore) sumPurchased(buyerID, orderID string) int64 {
	var total int64
	for _, p := range s.purchases {
		if p.UserID == buyerID && p.SellOrderID == orderID && p.DeletedAt == nil {
			total += p.FractionQty
		}
	}
	return total
}

func (s *MemoryStore) ListPurchasesByOrder(_ context.Context, orderID string) ([]model.SellOrderPurchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.SellOrderPurchase
	for _, p := range s.purchases {
		if p.SellOrderID == orderID && p.DeletedAt == nil {
			result = append(result, p)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListPurchasesByUser(_ context.Context, userID string) ([]model.SellOrderPurchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.SellOrderPurchase
	for _, p := range s.purchases {
		if p.UserID == userID && p.DeletedAt == nil {
			result = append(result, p)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetUserAsset(_ context.Context, userID, assetID string) (*model.UserAsset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ua, ok := s.assets[assetKey{userID, assetID}]
	if !ok || ua.DeletedAt != nil {
		return nil, ErrNotFound
	}
	cp := *ua
	return &cp, nil
}

func (s *MemoryStore) ListUserAssets(_ context.Context, userID string) ([]model.UserAsset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.UserAsset
	for _, ua := range s.assets {
		if ua.UserID == userID && ua.DeletedAt == nil {
			result = append(result, *ua)
		}
	}
	return result, nil
}

func (s *MemoryStore) GrantUserAsset(_ context.Context, userID, assetID string, qty int64, now time.Time) (*model.UserAsset, error) {
	key := assetKey{userID, assetID}

	// Take the row lock so a grant cannot interleave with a purchase that
	// holds the same balance row for the length of its transaction.
	l := s.assetLock(key)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	ua, ok := s.assets[key]
	if !ok || ua.DeletedAt != nil {
		ua = &model.UserAsset{
			UserID:    userID,
			AssetID:   assetID,
			Quantity:  qty,
			UpdatedAt: now,
		}
		s.assets[key] = ua
	} else {
		ua.Quantity += qty
		ua.UpdatedAt = now
	}
	cp := *ua
	return &cp, nil
}

// memTx implements Tx against the store's maps. The per-order lock taken by
// PurchaseTx serializes purchases of one order; balance rows are locked on
// first touch and held until the transaction returns, mirroring FOR UPDATE.
// Callers must touch balance rows in sorted user-id order, the same rule the
// PostgreSQL implementation imposes to stay deadlock-free. s.mu only guards
// map access.
type memTx struct {
	s    *MemoryStore
	held map[assetKey]*sync.Mutex
}

// lockAsset takes the row lock for one balance row unless this transaction
// already holds it.
func (t *memTx) lockAsset(userID, assetID string) {
	key := assetKey{userID, assetID}
	if _, ok := t.held[key]; ok {
		return
	}
	l := t.s.assetLock(key)
	l.Lock()
	t.held[key] = l
}

func (t *memTx) release() {
	for _, l := range t.held {
		l.Unlock()
	}
	t.held = nil
}

func (t *memTx) SellOrderForUpdate(_ context.Context, id string) (*model.SellOrder, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	o, ok := t.s.orders[id]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (t *memTx) UserAssetForUpdate(_ context.Context, userID, assetID string) (*model.UserAsset, error) {
	t.lockAsset(userID, assetID)

	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	ua, ok := t.s.assets[assetKey{userID, assetID}]
	if !ok || ua.DeletedAt != nil {
		return nil, nil
	}
	cp := *ua
	return &cp, nil
}

func (t *memTx) TotalPurchased(_ context.Context, buyerID, orderID string) (int64, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return t.s.sumPurchased(buyerID, orderID), nil
}

func (t *memTx) SetSellOrderAvailable(_ context.Context, id string, available int64) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	o, ok := t.s.orders[id]
	if !ok {
		return ErrNotFound
	}
	o.FractionQtyAvailable = available
	return nil
}

func (t *memTx) SetUserAssetQuantity(_ context.Context, userID, assetID string, quantity int64) error {
	t.lockAsset(userID, assetID)

	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	ua, ok := t.s.assets[assetKey{userID, assetID}]
	if !ok || ua.DeletedAt != nil {
		return ErrNotFound
	}
	ua.Quantity = quantity
	ua.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *memTx) InsertUserAsset(_ context.Context, ua *model.UserAsset) error {
	t.lockAsset(ua.UserID, ua.AssetID)

	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	cp := *ua
	t.s.assets[assetKey{ua.UserID, ua.AssetID}] = &cp
	return nil
}

func (t *memTx) InsertPurchase(_ context.Context, p *model.SellOrderPurchase) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	t.s.purchases = append(t.s.purchases, *p)
	return nil
}
