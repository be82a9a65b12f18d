// Package store defines the persistence interface for the order engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/fractionet/order-engine/internal/model"
)

// ErrNotFound is returned by lookups when no matching row exists. Soft-deleted
// rows and sell orders outside their validity window are reported the same
// way as absent rows.
var ErrNotFound = errors.New("store: not found")

// Tx is the transaction-scoped view handed to a purchase. All reads observe
// a single consistent snapshot; ForUpdate reads additionally lock the row so
// a concurrent purchase against the same order blocks until this one commits.
type Tx interface {
	// SellOrderForUpdate reads and locks the sell order row. Returns
	// (nil, nil) when no row exists; liveness filtering is the caller's
	// job so that absent, deleted, and out-of-window all map to the same
	// outcome.
	SellOrderForUpdate(ctx context.Context, id string) (*model.SellOrder, error)

	// UserAssetForUpdate reads and locks a user's active balance row.
	// Returns (nil, nil) when the user holds no balance for the asset.
	UserAssetForUpdate(ctx context.Context, userID, assetID string) (*model.UserAsset, error)

	// TotalPurchased sums the buyer's prior purchases against the order
	// within this transaction's snapshot.
	TotalPurchased(ctx context.Context, buyerID, orderID string) (int64, error)

	// SetSellOrderAvailable writes the order's remaining quantity.
	SetSellOrderAvailable(ctx context.Context, id string, available int64) error

	// SetUserAssetQuantity writes an existing balance row's quantity.
	SetUserAssetQuantity(ctx context.Context, userID, assetID string, quantity int64) error

	// InsertUserAsset creates a balance row for a first-time holder.
	InsertUserAsset(ctx context.Context, ua *model.UserAsset) error

	// InsertPurchase appends an immutable purchase receipt.
	InsertPurchase(ctx context.Context, p *model.SellOrderPurchase) error
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Sell order operations ---

	// CreateSellOrder persists a new sell order.
	CreateSellOrder(ctx context.Context, o *model.SellOrder) error

	// GetActiveSellOrder retrieves a sell order that is live at the given
	// instant. Absent, soft-deleted, and out-of-window orders all return
	// ErrNotFound.
	GetActiveSellOrder(ctx context.Context, id string, now time.Time) (*model.SellOrder, error)

	// ListActiveSellOrders returns all orders live at the given instant.
	ListActiveSellOrders(ctx context.Context, now time.Time) ([]model.SellOrder, error)

	// SoftDeleteSellOrder marks an active order deleted. Returns ErrNotFound
	// if no active order matches.
	SoftDeleteSellOrder(ctx context.Context, id string, now time.Time) error

	// --- Purchase execution ---

	// PurchaseTx runs fn inside a single atomic unit scoped to one sell
	// order. The order row lock serializes concurrent purchases of the same
	// order; purchases of different orders do not contend. Any error from
	// fn rolls back every write.
	PurchaseTx(ctx context.Context, orderID string, fn func(tx Tx) error) error

	// --- Immutable receipt ledger ---

	// TotalPurchased sums a buyer's purchases against one order.
	TotalPurchased(ctx context.Context, buyerID, orderID string) (int64, error)

	// ListPurchasesByOrder returns all receipts for an order.
	ListPurchasesByOrder(ctx context.Context, orderID string) ([]model.SellOrderPurchase, error)

	// ListPurchasesByUser returns all receipts for a buyer.
	ListPurchasesByUser(ctx context.Context, userID string) ([]model.SellOrderPurchase, error)

	// --- Balance queries ---

	// GetUserAsset returns a user's active balance of one asset, or
	// ErrNotFound if they hold none.
	GetUserAsset(ctx context.Context, userID, assetID string) (*model.UserAsset, error)

	// ListUserAssets returns all of a user's active balances.
	ListUserAssets(ctx context.Context, userID string) ([]model.UserAsset, error)

	// GrantUserAsset adds units to a user's balance, creating the row on
	// first acquisition. Stand-in for the out-of-scope custody service.
	GrantUserAsset(ctx context.Context, userID, assetID string, qty int64, now time.Time) (*model.UserAsset, error)
}
