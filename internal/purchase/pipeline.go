package purchase

import (
	"time"

	"github.com/google/uuid"

	"github.com/fractionet/order-engine/internal/droplimit"
	"github.com/fractionet/order-engine/internal/model"
)

// Request is one buyer's attempt against one sell order. The buyer must echo
// the order's listed price back; any other value is rejected.
type Request struct {
	Buyer               model.User
	FractionsToPurchase int64
	FractionPriceCents  int64
}

// Snapshot is the transaction-consistent state Decide works from. Every
// field is read inside the same transaction that will apply the effects,
// with the sell order row locked, so no check can race a concurrent
// purchase of the same order.
type Snapshot struct {
	Order       *model.SellOrder // nil when no row exists
	SellerAsset *model.UserAsset // nil when the seller holds no balance row
	BuyerAsset  *model.UserAsset // nil on the buyer's first acquisition
	PriorTotal  int64            // buyer's summed prior purchases of this order
	Now         time.Time
}

// Effects is the full set of writes a successful purchase applies. All four
// land in the same transaction or none do.
type Effects struct {
	OrderAvailable int64 // new remaining quantity on the order
	SellerID       string
	SellerQuantity int64 // seller's new balance
	BuyerQuantity  int64 // buyer's new balance
	BuyerAssetNew  bool  // buyer's balance row must be created
	Receipt        *model.SellOrderPurchase
}

// Decide runs the purchase validation sequence against a snapshot and, when
// every check passes, returns the effects to apply. It is a pure function of
// its inputs (the receipt ID aside); the storage layer owns atomicity.
//
// Requests with a non-positive quantity or price are malformed and rejected
// before any check runs. The checks then run in a fixed order — each later
// check assumes the earlier ones passed, and a given bad input must always
// produce the same error:
//
//  1. liveness: absent, deleted, or out-of-window order → not found
//  2. self-trade guard
//  3. price match
//  4. order inventory
//  5. drop per-buyer limit (cumulative, inside the limit window)
//  6. seller solvency: owns the asset, and holds enough units
func Decide(req Request, snap Snapshot) (*Effects, error) {
	if req.FractionsToPurchase <= 0 || req.FractionPriceCents <= 0 {
		return nil, ErrInvalidRequest
	}

	order := snap.Order
	if order == nil || !order.ActiveAt(snap.Now) {
		return nil, ErrSellOrderNotFound
	}

	if req.Buyer.ID == order.UserID {
		return nil, ErrOwnOrder
	}

	if req.FractionPriceCents != order.FractionPriceCents {
		return nil, ErrPriceMismatch
	}

	if req.FractionsToPurchase > order.FractionQtyAvailable {
		return nil, ErrNotEnoughAvailable
	}

	if err := droplimit.Check(order, snap.PriorTotal, req.FractionsToPurchase, snap.Now); err != nil {
		return nil, err
	}

	if snap.SellerAsset == nil {
		return nil, ErrSellerNotAssetOwner
	}
	if snap.SellerAsset.Quantity < req.FractionsToPurchase {
		return nil, ErrNotEnoughUnitsFromSeller
	}

	eff := &Effects{
		OrderAvailable: order.FractionQtyAvailable - req.FractionsToPurchase,
		SellerID:       order.UserID,
		SellerQuantity: snap.SellerAsset.Quantity - req.FractionsToPurchase,
		Receipt: &model.SellOrderPurchase{
			ID:                 uuid.New().String(),
			SellOrderID:        order.ID,
			UserID:             req.Buyer.ID,
			AssetID:            order.AssetID,
			FractionQty:        req.FractionsToPurchase,
			FractionPriceCents: order.FractionPriceCents,
			CreatedAt:          snap.Now,
		},
	}

	if snap.BuyerAsset == nil {
		eff.BuyerAssetNew = true
		eff.BuyerQuantity = req.FractionsToPurchase
	} else {
		eff.BuyerQuantity = snap.BuyerAsset.Quantity + req.FractionsToPurchase
	}

	return eff, nil
}
