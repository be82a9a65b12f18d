package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fractionet/order-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot read paths: active-order lookups, per-buyer purchase
// totals, and holdings. Purchase execution always passes through to the
// primary — the liveness predicate and every pipeline read must be evaluated
// fresh inside the transaction — and invalidates the keys the purchase
// touched.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetActiveSellOrder(ctx context.Context, id string, now time.Time) (*model.SellOrder, error) {
	data, err := s.rdb.Get(ctx, orderKey(id)).Bytes()
	if err == nil {
		var o model.SellOrder
		// A cached order can outlive its validity window inside the TTL;
		// re-check liveness before serving it.
		if json.Unmarshal(data, &o) == nil && o.ActiveAt(now) {
			return &o, nil
		}
	}

	o, err := s.primary.GetActiveSellOrder(ctx, id, now)
	if err != nil {
		return nil, err
	}

	s.cacheOrder(ctx, o)
	return o, nil
}

func (s *CachedStore) TotalPurchased(ctx context.Context, buyerID, orderID string) (int64, error) {
	val, err := s.rdb.Get(ctx, totalKey(orderID, buyerID)).Result()
	if err == nil {
		if total, perr := strconv.ParseInt(val, 10, 64); perr == nil {
			return total, nil
		}
	}

	total, err := s.primary.TotalPurchased(ctx, buyerID, orderID)
	if err != nil {
		return 0, err
	}

	s.rdb.Set(ctx, totalKey(orderID, buyerID), strconv.FormatInt(total, 10), s.ttl)
	return total, nil
}

func (s *CachedStore) ListUserAssets(ctx context.Context, userID string) ([]model.UserAsset, error) {
	data, err := s.rdb.Get(ctx, assetsKey(userID)).Bytes()
	if err == nil {
		var assets []model.UserAsset
		if json.Unmarshal(data, &assets) == nil {
			return assets, nil
		}
	}

	assets, err := s.primary.ListUserAssets(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(assets); err == nil {
		s.rdb.Set(ctx, assetsKey(userID), data, s.ttl)
	}
	return assets, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateSellOrder(ctx context.Context, o *model.SellOrder) error {
	if err := s.primary.CreateSellOrder(ctx, o); err != nil {
		return err
	}
	s.cacheOrder(ctx, o)
	return nil
}

func (s *CachedStore) SoftDeleteSellOrder(ctx context.Context, id string, now time.Time) error {
	if err := s.primary.SoftDeleteSellOrder(ctx, id, now); err != nil {
		return err
	}
	s.rdb.Del(ctx, orderKey(id))
	return nil
}

func (s *CachedStore) GrantUserAsset(ctx context.Context, userID, assetID string, qty int64, now time.Time) (*model.UserAsset, error) {
	ua, err := s.primary.GrantUserAsset(ctx, userID, assetID, qty, now)
	if err != nil {
		return nil, err
	}
	s.rdb.Del(ctx, assetsKey(userID))
	return ua, nil
}

// PurchaseTx passes through to the primary and, on commit, invalidates every
// key the purchase wrote: the order, the buyer's running total, and both
// parties' holdings. The wrapped Tx records those keys as the pipeline
// applies its effects.
func (s *CachedStore) PurchaseTx(ctx context.Context, orderID string, fn func(tx Tx) error) error {
	spy := &recordingTx{}
	err := s.primary.PurchaseTx(ctx, orderID, func(tx Tx) error {
		spy.Tx = tx
		return fn(spy)
	})
	if err != nil {
		return err
	}

	keys := []string{orderKey(orderID)}
	for _, userID := range spy.assetUsers {
		keys = append(keys, assetsKey(userID))
	}
	if spy.buyerID != "" {
		keys = append(keys, totalKey(orderID, spy.buyerID))
	}
	s.rdb.Del(ctx, keys...)
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListActiveSellOrders(ctx context.Context, now time.Time) ([]model.SellOrder, error) {
	return s.primary.ListActiveSellOrders(ctx, now)
}

func (s *CachedStore) ListPurchasesByOrder(ctx context.Context, orderID string) ([]model.SellOrderPurchase, error) {
	return s.primary.ListPurchasesByOrder(ctx, orderID)
}

func (s *CachedStore) ListPurchasesByUser(ctx context.Context, userID string) ([]model.SellOrderPurchase, error) {
	return s.primary.ListPurchasesByUser(ctx, userID)
}

func (s *CachedStore) GetUserAsset(ctx context.Context, userID, assetID string) (*model.UserAsset, error) {
	return s.primary.GetUserAsset(ctx, userID, assetID)
}

// --- Cache helpers ---

// recordingTx forwards to the underlying Tx while noting which users and
// which buyer a purchase touched, for post-commit invalidation.
type recordingTx struct {
	Tx
	assetUsers []string
	buyerID    string
}

func (t *recordingTx) SetUserAssetQuantity(ctx context.Context, userID, assetID string, quantity int64) error {
	t.assetUsers = append(t.assetUsers, userID)
	return t.Tx.SetUserAssetQuantity(ctx, userID, assetID, quantity)
}

func (t *recordingTx) InsertUserAsset(ctx context.Context, ua *model.UserAsset) error {
	t.assetUsers = append(t.assetUsers, ua.UserID)
	return t.Tx.InsertUserAsset(ctx, ua)
}

func (t *recordingTx) InsertPurchase(ctx context.Context, p *model.SellOrderPurchase) error {
	t.buyerID = p.UserID
	return t.Tx.InsertPurchase(ctx, p)
}

func (s *CachedStore) cacheOrder(ctx context.Context, o *model.SellOrder) {
	if data, err := json.Marshal(o); err == nil {
		s.rdb.Set(ctx, orderKey(o.ID), data, s.ttl)
	}
}

func orderKey(id string) string { return fmt.Sprintf("order:%s", id) }

func totalKey(orderID, buyerID string) string {
	return fmt.Sprintf("total:%s:%s", orderID, buyerID)
}

func assetsKey(userID string) string { return fmt.Sprintf("assets:%s", userID) }
