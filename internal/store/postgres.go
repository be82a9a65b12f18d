package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fractionet/order-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Purchase atomicity relies on row-level locks: PurchaseTx wraps the whole
// validate-then-execute span in one transaction, and SellOrderForUpdate's
// SELECT ... FOR UPDATE serializes concurrent purchases per order.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const sellOrderCols = `id, asset_id, partner_id, user_id, type,
	fraction_qty, fraction_qty_available, fraction_price_cents,
	start_time, expire_time, user_fraction_limit, user_fraction_limit_end_time,
	created_at, deleted_at`

type scannable interface {
	Scan(dest ...any) error
}

func scanSellOrder(row scannable) (*model.SellOrder, error) {
	var o model.SellOrder
	err := row.Scan(&o.ID, &o.AssetID, &o.PartnerID, &o.UserID, &o.Type,
		&o.FractionQty, &o.FractionQtyAvailable, &o.FractionPriceCents,
		&o.StartTime, &o.ExpireTime, &o.UserFractionLimit, &o.UserFractionLimitEndTime,
		&o.CreatedAt, &o.DeletedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *PostgresStore) CreateSellOrder(ctx context.Context, o *model.SellOrder) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sell_orders (id, asset_id, partner_id, user_id, type,
		     fraction_qty, fraction_qty_available, fraction_price_cents,
		     start_time, expire_time, user_fraction_limit, user_fraction_limit_end_time,
		     created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		o.ID, o.AssetID, o.PartnerID, o.UserID, o.Type,
		o.FractionQty, o.FractionQtyAvailable, o.FractionPriceCents,
		o.StartTime, o.ExpireTime, o.UserFractionLimit, o.UserFractionLimitEndTime,
		o.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetActiveSellOrder(ctx context.Context, id string, now time.Time) (*model.SellOrder, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sellOrderCols+`
		 FROM sell_orders
		 WHERE id = $1 AND deleted_at IS NULL
		   AND start_time <= $2 AND expire_time >= $2`, id, now)

	o, err := scanSellOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sell order %s: %w", id, err)
	}
	return o, nil
}

func (s *PostgresStore) ListActiveSellOrders(ctx context.Context, now time.Time) ([]model.SellOrder, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sellOrderCols+`
		 FROM sell_orders
		 WHERE deleted_at IS NULL AND start_time <= $1 AND expire_time >= $1
		 ORDER BY created_at DESC`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.SellOrder
	for rows.Next() {
		o, err := scanSellOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) SoftDeleteSellOrder(ctx context.Context, id string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sell_orders SET deleted_at = $2
		 WHERE id = $1 AND deleted_at IS NULL
		   AND start_time <= $2 AND expire_time >= $2`, id, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PurchaseTx runs fn in a single transaction. The per-order serialization
// comes from the FOR UPDATE lock fn takes on the sell order row, so the
// orderID argument is not needed here; it exists for implementations that
// lock by key.
func (s *PostgresStore) PurchaseTx(ctx context.Context, _ string, fn func(tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin purchase tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) TotalPurchased(ctx context.Context, buyerID, orderID string) (int64, error) {
	return sumPurchased(ctx, s.pool, buyerID, orderID)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func sumPurchased(ctx context.Context, q querier, buyerID, orderID string) (int64, error) {
	var total int64
	err := q.QueryRow(ctx,
		`SELECT COALESCE(SUM(fraction_qty), 0)
		 FROM sell_order_purchases
		 WHERE user_id = $1 AND sell_order_id = $2 AND deleted_at IS NULL`,
		buyerID, orderID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum purchases: %w", err)
	}
	return total, nil
}

const purchaseCols = `id, sell_order_id, user_id, asset_id,
	fraction_qty, fraction_price_cents, created_at, deleted_at`

func (s *PostgresStore) ListPurchasesByOrder(ctx context.Context, orderID string) ([]model.SellOrderPurchase, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+purchaseCols+`
		 FROM sell_order_purchases
		 WHERE sell_order_id = $1 AND deleted_at IS NULL
		 ORDER BY created_at`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPurchases(rows)
}

func (s *PostgresStore) ListPurchasesByUser(ctx context.Context, userID string) ([]model.SellOrderPurchase, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+purchaseCols+`
		 FROM sell_order_purchases
		 WHERE user_id = $1 AND deleted_at IS NULL
		 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPurchases(rows)
}

func scanPurchases(rows pgx.Rows) ([]model.SellOrderPurchase, error) {
	var purchases []model.SellOrderPurchase
	for rows.Next() {
		var p model.SellOrderPurchase
		if err := rows.Scan(&p.ID, &p.SellOrderID, &p.UserID, &p.AssetID,
			&p.FractionQty, &p.FractionPriceCents, &p.CreatedAt, &p.DeletedAt); err != nil {
			return nil, err
		}
		purchases = append(purchases, p)
	}
	return purchases, rows.Err()
}

func (s *PostgresStore) GetUserAsset(ctx context.Context, userID, assetID string) (*model.UserAsset, error) {
	var ua model.UserAsset
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, asset_id, quantity, updated_at, deleted_at
		 FROM user_assets
		 WHERE user_id = $1 AND asset_id = $2 AND deleted_at IS NULL`,
		userID, assetID).
		Scan(&ua.UserID, &ua.AssetID, &ua.Quantity, &ua.UpdatedAt, &ua.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user asset: %w", err)
	}
	return &ua, nil
}

func (s *PostgresStore) ListUserAssets(ctx context.Context, userID string) ([]model.UserAsset, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, asset_id, quantity, updated_at, deleted_at
		 FROM user_assets
		 WHERE user_id = $1 AND deleted_at IS NULL
		 ORDER BY asset_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []model.UserAsset
	for rows.Next() {
		var ua model.UserAsset
		if err := rows.Scan(&ua.UserID, &ua.AssetID, &ua.Quantity, &ua.UpdatedAt, &ua.DeletedAt); err != nil {
			return nil, err
		}
		assets = append(assets, ua)
	}
	return assets, rows.Err()
}

func (s *PostgresStore) GrantUserAsset(ctx context.Context, userID, assetID string, qty int64, now time.Time) (*model.UserAsset, error) {
	var ua model.UserAsset
	err := s.pool.QueryRow(ctx,
		`INSERT INTO user_assets (user_id, asset_id, quantity, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, asset_id) DO UPDATE
		 SET quantity = user_assets.quantity + EXCLUDED.quantity,
		     updated_at = EXCLUDED.updated_at,
		     deleted_at = NULL
		 RETURNING user_id, asset_id, quantity, updated_at, deleted_at`,
		userID, assetID, qty, now).
		Scan(&ua.UserID, &ua.AssetID, &ua.Quantity, &ua.UpdatedAt, &ua.DeletedAt)
	if err != nil {
		return nil, fmt.Errorf("grant user asset: %w", err)
	}
	return &ua, nil
}

// pgTx implements Tx over one pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) SellOrderForUpdate(ctx context.Context, id string) (*model.SellOrder, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+sellOrderCols+`
		 FROM sell_orders WHERE id = $1
		 FOR UPDATE`, id)

	o, err := scanSellOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock sell order %s: %w", id, err)
	}
	return o, nil
}

func (t *pgTx) UserAssetForUpdate(ctx context.Context, userID, assetID string) (*model.UserAsset, error) {
	var ua model.UserAsset
	err := t.tx.QueryRow(ctx,
		`SELECT user_id, asset_id, quantity, updated_at, deleted_at
		 FROM user_assets
		 WHERE user_id = $1 AND asset_id = $2 AND deleted_at IS NULL
		 FOR UPDATE`, userID, assetID).
		Scan(&ua.UserID, &ua.AssetID, &ua.Quantity, &ua.UpdatedAt, &ua.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock user asset: %w", err)
	}
	return &ua, nil
}

func (t *pgTx) TotalPurchased(ctx context.Context, buyerID, orderID string) (int64, error) {
	return sumPurchased(ctx, t.tx, buyerID, orderID)
}

func (t *pgTx) SetSellOrderAvailable(ctx context.Context, id string, available int64) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE sell_orders SET fraction_qty_available = $2 WHERE id = $1`,
		id, available)
	return err
}

func (t *pgTx) SetUserAssetQuantity(ctx context.Context, userID, assetID string, quantity int64) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE user_assets SET quantity = $3, updated_at = now()
		 WHERE user_id = $1 AND asset_id = $2 AND deleted_at IS NULL`,
		userID, assetID, quantity)
	return err
}

func (t *pgTx) InsertUserAsset(ctx context.Context, ua *model.UserAsset) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO user_assets (user_id, asset_id, quantity, updated_at)
		 VALUES ($1, $2, $3, $4)`,
		ua.UserID, ua.AssetID, ua.Quantity, ua.UpdatedAt)
	return err
}

func (t *pgTx) InsertPurchase(ctx context.Context, p *model.SellOrderPurchase) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO sell_order_purchases (id, sell_order_id, user_id, asset_id,
		     fraction_qty, fraction_price_cents, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.SellOrderID, p.UserID, p.AssetID,
		p.FractionQty, p.FractionPriceCents, p.CreatedAt)
	return err
}
