package purchase_test

import (
	"testing"
	"time"

	"github.com/fractionet/order-engine/internal/droplimit"
	"github.com/fractionet/order-engine/internal/model"
	"github.com/fractionet/order-engine/internal/purchase"
)

func activeOrder(now time.Time) *model.SellOrder {
	return &model.SellOrder{
		ID:                   "order-1",
		AssetID:              "asset-1",
		PartnerID:            "partner-1",
		UserID:               "seller",
		Type:                 model.OrderTypeStandard,
		FractionQty:          10000,
		FractionQtyAvailable: 10000,
		FractionPriceCents:   123,
		StartTime:            now.Add(-time.Hour),
		ExpireTime:           now.Add(time.Hour),
		CreatedAt:            now.Add(-time.Hour),
	}
}

func snapshotFor(order *model.SellOrder, now time.Time) purchase.Snapshot {
	return purchase.Snapshot{
		Order:       order,
		SellerAsset: &model.UserAsset{UserID: "seller", AssetID: "asset-1", Quantity: 10000},
		Now:         now,
	}
}

func buyReq(fractions, priceCents int64) purchase.Request {
	return purchase.Request{
		Buyer:               model.User{ID: "buyer"},
		FractionsToPurchase: fractions,
		FractionPriceCents:  priceCents,
	}
}

func TestDecide_Success(t *testing.T) {
	now := time.Now().UTC()
	order := activeOrder(now)

	eff, err := purchase.Decide(buyReq(10, 123), snapshotFor(order, now))
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	if eff.OrderAvailable != 9990 {
		t.Errorf("expected order available 9990, got %d", eff.OrderAvailable)
	}
	if eff.SellerQuantity != 9990 {
		t.Errorf("expected seller quantity 9990, got %d", eff.SellerQuantity)
	}
	if !eff.BuyerAssetNew || eff.BuyerQuantity != 10 {
		t.Errorf("expected new buyer asset with 10 units, got new=%v qty=%d", eff.BuyerAssetNew, eff.BuyerQuantity)
	}

	r := eff.Receipt
	if r == nil {
		t.Fatal("expected a receipt")
	}
	if r.ID == "" {
		t.Error("expected non-empty receipt id")
	}
	if r.SellOrderID != "order-1" || r.UserID != "buyer" || r.AssetID != "asset-1" {
		t.Errorf("receipt references wrong entities: %+v", r)
	}
	if r.FractionQty != 10 {
		t.Errorf("expected receipt qty 10, got %d", r.FractionQty)
	}
	if r.FractionPriceCents != 123 {
		t.Errorf("receipt must record the order's price, got %d", r.FractionPriceCents)
	}
}

func TestDecide_Conservation(t *testing.T) {
	now := time.Now().UTC()
	order := activeOrder(now)

	snap := snapshotFor(order, now)
	snap.BuyerAsset = &model.UserAsset{UserID: "buyer", AssetID: "asset-1", Quantity: 250}
	before := snap.SellerAsset.Quantity + snap.BuyerAsset.Quantity

	eff, err := purchase.Decide(buyReq(40, 123), snap)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	// Units are transferred, never created or destroyed.
	after := eff.SellerQuantity + eff.BuyerQuantity
	if after != before {
		t.Errorf("conservation violated: before=%d after=%d", before, after)
	}
	if eff.BuyerAssetNew {
		t.Error("existing buyer asset must be incremented, not recreated")
	}
	if eff.BuyerQuantity != 290 {
		t.Errorf("expected buyer quantity 290, got %d", eff.BuyerQuantity)
	}
}

func TestDecide_NonPositiveRequest(t *testing.T) {
	now := time.Now().UTC()
	order := activeOrder(now)

	cases := []struct {
		name       string
		fractions  int64
		priceCents int64
	}{
		{"zero quantity", 0, 123},
		{"negative quantity", -5, 123},
		{"zero price", 10, 0},
		{"negative price", 10, -123},
	}
	for _, tc := range cases {
		_, err := purchase.Decide(buyReq(tc.fractions, tc.priceCents), snapshotFor(order, now))
		if err != purchase.ErrInvalidRequest {
			t.Errorf("%s: expected ErrInvalidRequest, got %v", tc.name, err)
		}
	}

	// Malformed input outranks every state check: it is rejected even when
	// the order is also dead.
	order.ExpireTime = now.Add(-time.Minute)
	_, err := purchase.Decide(buyReq(-1, 123), snapshotFor(order, now))
	if err != purchase.ErrInvalidRequest {
		t.Errorf("expected ErrInvalidRequest on a dead order too, got %v", err)
	}
}

func TestDecide_OrderMissing(t *testing.T) {
	now := time.Now().UTC()
	snap := purchase.Snapshot{Order: nil, Now: now}

	_, err := purchase.Decide(buyReq(10, 123), snap)
	if err != purchase.ErrSellOrderNotFound {
		t.Errorf("expected ErrSellOrderNotFound, got %v", err)
	}
}

func TestDecide_OrderSoftDeleted(t *testing.T) {
	now := time.Now().UTC()
	order := activeOrder(now)
	deleted := now.Add(-time.Minute)
	order.DeletedAt = &deleted

	_, err := purchase.Decide(buyReq(10, 123), snapshotFor(order, now))
	if err != purchase.ErrSellOrderNotFound {
		t.Errorf("deleted order must look absent, got %v", err)
	}
}

func TestDecide_OrderNotStarted(t *testing.T) {
	now := time.Now().UTC()
	order := activeOrder(now)
	order.StartTime = now.Add(time.Minute)

	_, err := purchase.Decide(buyReq(10, 123), snapshotFor(order, now))
	if err != purchase.ErrSellOrderNotFound {
		t.Errorf("future order must look absent, got %v", err)
	}
}

func TestDecide_OrderExpired(t *testing.T) {
	now := time.Now().UTC()
	order := activeOrder(now)
	order.ExpireTime = now.Add(-time.Minute)

	_, err := purchase.Decide(buyReq(10, 123), snapshotFor(order, now))
	if err != purchase.ErrSellOrderNotFound {
		t.Errorf("expired order must look absent, got %v", err)
	}
}

func TestDecide_OwnOrder(t *testing.T) {
	now := time.Now().UTC()
	order := activeOrder(now)

	req := buyReq(10, 123)
	req.Buyer = model.User{ID: "seller"}

	_, err := purchase.Decide(req, snapshotFor(order, now))
	if err != purchase.ErrOwnOrder {
		t.Errorf("expected ErrOwnOrder, got %v", err)
	}
}

func TestDecide_PriceMismatch(t *testing.T) {
	now := time.Now().UTC()
	order := activeOrder(now)

	_, err := purchase.Decide(buyReq(10, 122), snapshotFor(order, now))
	if err != purchase.ErrPriceMismatch {
		t.Errorf("expected ErrPriceMismatch, got %v", err)
	}
}

func TestDecide_NotEnoughAvailable(t *testing.T) {
	now := time.Now().UTC()
	order := activeOrder(now)
	order.FractionQtyAvailable = 5

	_, err := purchase.Decide(buyReq(6, 123), snapshotFor(order, now))
	if err != purchase.ErrNotEnoughAvailable {
		t.Errorf("expected ErrNotEnoughAvailable, got %v", err)
	}
}

func TestDecide_ExactRemainingQuantity(t *testing.T) {
	now := time.Now().UTC()
	order := activeOrder(now)
	order.FractionQtyAvailable = 5

	eff, err := purchase.Decide(buyReq(5, 123), snapshotFor(order, now))
	if err != nil {
		t.Fatalf("buying exactly the remainder should pass, got %v", err)
	}
	if eff.OrderAvailable != 0 {
		t.Errorf("expected order drained to 0, got %d", eff.OrderAvailable)
	}
}

func TestDecide_ValidationOrderIsFixed(t *testing.T) {
	// A request that is wrong in several ways must always fail on the
	// earliest check, so rejections stay deterministic.
	now := time.Now().UTC()
	order := activeOrder(now)
	order.ExpireTime = now.Add(-time.Minute) // dead

	req := buyReq(99999, 1) // also overdrawn, also mispriced
	req.Buyer = model.User{ID: "seller"} // also a self-trade

	_, err := purchase.Decide(req, snapshotFor(order, now))
	if err != purchase.ErrSellOrderNotFound {
		t.Errorf("liveness must be checked first, got %v", err)
	}

	order.ExpireTime = now.Add(time.Hour)
	_, err = purchase.Decide(req, snapshotFor(order, now))
	if err != purchase.ErrOwnOrder {
		t.Errorf("self-trade must be checked before price, got %v", err)
	}

	req.Buyer = model.User{ID: "buyer"}
	_, err = purchase.Decide(req, snapshotFor(order, now))
	if err != purchase.ErrPriceMismatch {
		t.Errorf("price must be checked before inventory, got %v", err)
	}
}

func TestDecide_DropLimitEnforced(t *testing.T) {
	now := time.Now().UTC()
	order := activeOrder(now)
	order.Type = model.OrderTypeDrop
	limit := int64(10)
	end := now.Add(time.Hour)
	order.UserFractionLimit = &limit
	order.UserFractionLimitEndTime = &end

	snap := snapshotFor(order, now)
	snap.PriorTotal = 10

	_, err := purchase.Decide(buyReq(1, 123), snap)
	if err != droplimit.ErrLimitReached {
		t.Errorf("expected ErrLimitReached, got %v", err)
	}

	// After the limit window the same buyer is unconstrained.
	pastEnd := now.Add(-time.Minute)
	order.UserFractionLimitEndTime = &pastEnd
	eff, err := purchase.Decide(buyReq(50, 123), snap)
	if err != nil {
		t.Fatalf("cap should be lifted after end time, got %v", err)
	}
	if eff.OrderAvailable != order.FractionQtyAvailable-50 {
		t.Errorf("unexpected order available %d", eff.OrderAvailable)
	}
}

func TestDecide_DropMisconfigured(t *testing.T) {
	now := time.Now().UTC()
	order := activeOrder(now)
	order.Type = model.OrderTypeDrop

	_, err := purchase.Decide(buyReq(1, 123), snapshotFor(order, now))
	if err != droplimit.ErrLimitNotSet {
		t.Errorf("expected ErrLimitNotSet, got %v", err)
	}

	limit := int64(10)
	order.UserFractionLimit = &limit
	_, err = purchase.Decide(buyReq(1, 123), snapshotFor(order, now))
	if err != droplimit.ErrLimitEndTimeNotSet {
		t.Errorf("expected ErrLimitEndTimeNotSet, got %v", err)
	}
}

func TestDecide_SellerNotAssetOwner(t *testing.T) {
	now := time.Now().UTC()
	order := activeOrder(now)

	snap := snapshotFor(order, now)
	snap.SellerAsset = nil

	_, err := purchase.Decide(buyReq(10, 123), snap)
	if err != purchase.ErrSellerNotAssetOwner {
		t.Errorf("expected ErrSellerNotAssetOwner, got %v", err)
	}
}

func TestDecide_NotEnoughUnitsFromSeller(t *testing.T) {
	// The seller's live holding can drift below the order's remaining
	// quantity; the solvency check is independent of inventory.
	now := time.Now().UTC()
	order := activeOrder(now)

	snap := snapshotFor(order, now)
	snap.SellerAsset.Quantity = 3

	_, err := purchase.Decide(buyReq(10, 123), snap)
	if err != purchase.ErrNotEnoughUnitsFromSeller {
		t.Errorf("expected ErrNotEnoughUnitsFromSeller, got %v", err)
	}
}
