package purchase

import "errors"

// Validation failures of the purchase pipeline. Each maps to one rejection
// the HTTP layer can report deterministically; repeating a failed call with
// the same inputs yields the same error, since nothing is written until every
// check has passed.
var (
	// ErrInvalidRequest rejects a request whose quantity or price is not
	// positive, before any state is consulted. The HTTP layer screens these
	// too, but direct callers of the engine get the same guarantee.
	ErrInvalidRequest = errors.New("purchase: quantity and price must be positive")

	// ErrSellOrderNotFound covers absent, soft-deleted, and out-of-window
	// orders alike. A not-yet-started or expired order is deliberately
	// indistinguishable from one that never existed, so probing cannot
	// reveal listing timing.
	ErrSellOrderNotFound = errors.New("purchase: sell order not found")

	// ErrOwnOrder rejects a seller buying from themselves.
	ErrOwnOrder = errors.New("purchase: cannot purchase own sell order")

	// ErrPriceMismatch rejects a purchase whose echoed price differs from
	// the order's listed price. Price is never negotiated; this catches
	// stale client-side price caches before they mischarge anyone.
	ErrPriceMismatch = errors.New("purchase: fraction price does not match sell order")

	// ErrNotEnoughAvailable rejects a quantity above the order's remaining
	// inventory.
	ErrNotEnoughAvailable = errors.New("purchase: not enough fractions available")

	// ErrSellerNotAssetOwner means the seller has no balance of the asset
	// at all. Upstream data drifted, but buyers see an ordinary rejection.
	ErrSellerNotAssetOwner = errors.New("purchase: seller does not own the asset")

	// ErrNotEnoughUnitsFromSeller means the seller's live holding cannot
	// cover the sale. Holdings can shrink independently of the order's
	// remaining quantity, so this is checked separately from inventory.
	ErrNotEnoughUnitsFromSeller = errors.New("purchase: seller does not hold enough units")
)
