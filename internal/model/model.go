// Package model defines the core domain types shared across the order engine.
// All quantities are whole fraction units; prices are integer cents. Amounts
// reported in dollars use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderType distinguishes ordinary listings from rate-limited drop sales.
type OrderType string

const (
	// OrderTypeStandard is an ordinary listing with no per-buyer cap.
	OrderTypeStandard OrderType = "standard"

	// OrderTypeDrop is a drop sale: each buyer is capped at
	// UserFractionLimit units until UserFractionLimitEndTime passes.
	OrderTypeDrop OrderType = "drop"
)

// User carries the identity the transport layer resolved for a request.
// Authentication happens upstream; the engine only compares IDs.
type User struct {
	ID string `json:"id"`
}

// SellOrder is a standing offer to sell a fixed quantity of fractional
// ownership units of one asset at a fixed price, optionally time-boxed and
// optionally rate-limited per buyer.
type SellOrder struct {
	ID        string    `json:"id" db:"id"`
	AssetID   string    `json:"asset_id" db:"asset_id"`
	PartnerID string    `json:"partner_id" db:"partner_id"`
	UserID    string    `json:"user_id" db:"user_id"` // seller; empty until assigned
	Type      OrderType `json:"type" db:"type"`

	FractionQty          int64 `json:"fraction_qty" db:"fraction_qty"`                     // original units offered
	FractionQtyAvailable int64 `json:"fraction_qty_available" db:"fraction_qty_available"` // remaining unsold units
	FractionPriceCents   int64 `json:"fraction_price_cents" db:"fraction_price_cents"`

	StartTime  time.Time `json:"start_time" db:"start_time"`
	ExpireTime time.Time `json:"expire_time" db:"expire_time"`

	// Drop-only fields. Both must be set on a drop order; a drop order
	// missing either is a listing-creation bug, surfaced as a server error.
	UserFractionLimit        *int64     `json:"user_fraction_limit,omitempty" db:"user_fraction_limit"`
	UserFractionLimitEndTime *time.Time `json:"user_fraction_limit_end_time,omitempty" db:"user_fraction_limit_end_time"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	DeletedAt *time.Time `json:"-" db:"deleted_at"`
}

// IsDrop reports whether the per-buyer drop limit applies to this order.
func (o *SellOrder) IsDrop() bool {
	return o.Type == OrderTypeDrop
}

// ActiveAt reports whether the order is purchasable at the given instant:
// not soft-deleted and inside its [StartTime, ExpireTime] window. An order
// outside its window is treated as not found, never as a distinct state.
func (o *SellOrder) ActiveAt(now time.Time) bool {
	if o.DeletedAt != nil {
		return false
	}
	return !now.Before(o.StartTime) && !now.After(o.ExpireTime)
}

// SellOrderPurchase is the immutable receipt of one executed purchase.
// Once created, these are never modified; per-buyer sums over them drive
// drop-limit enforcement and reporting.
type SellOrderPurchase struct {
	ID                 string     `json:"id" db:"id"`
	SellOrderID        string     `json:"sell_order_id" db:"sell_order_id"`
	UserID             string     `json:"user_id" db:"user_id"` // buyer
	AssetID            string     `json:"asset_id" db:"asset_id"`
	FractionQty        int64      `json:"fraction_qty" db:"fraction_qty"`
	FractionPriceCents int64      `json:"fraction_price_cents" db:"fraction_price_cents"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	DeletedAt          *time.Time `json:"-" db:"deleted_at"`
}

// CostDollars returns the total charged for this purchase in dollars.
func (p *SellOrderPurchase) CostDollars() decimal.Decimal {
	return CostDollars(p.FractionQty, p.FractionPriceCents)
}

// CostDollars converts a quantity at a unit price in cents to dollars.
func CostDollars(qty, priceCents int64) decimal.Decimal {
	return decimal.NewFromInt(qty).Mul(decimal.NewFromInt(priceCents)).Shift(-2)
}

// UserAsset is one user's current balance of one asset. Exactly one active
// row exists per (UserID, AssetID); Quantity never goes negative — the
// purchase pipeline only decrements after its solvency check passed inside
// the same transaction.
type UserAsset struct {
	UserID    string     `json:"user_id" db:"user_id"`
	AssetID   string     `json:"asset_id" db:"asset_id"`
	Quantity  int64      `json:"quantity" db:"quantity"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt *time.Time `json:"-" db:"deleted_at"`
}

// Holding is one portfolio line: an asset and the units held.
type Holding struct {
	AssetID  string `json:"asset_id"`
	Quantity int64  `json:"quantity"`
}

// Portfolio aggregates a user's holdings with their cumulative spend
// computed from the purchase ledger.
type Portfolio struct {
	UserID            string          `json:"user_id"`
	Holdings          []Holding       `json:"holdings"`
	TotalUnits        int64           `json:"total_units"`
	TotalSpentDollars decimal.Decimal `json:"total_spent_dollars"`
}
