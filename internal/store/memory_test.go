package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fractionet/order-engine/internal/model"
)

func testOrder(id string, now time.Time) *model.SellOrder {
	return &model.SellOrder{
		ID:                   id,
		AssetID:              "asset-1",
		PartnerID:            "partner-1",
		UserID:               "seller",
		Type:                 model.OrderTypeStandard,
		FractionQty:          100,
		FractionQtyAvailable: 100,
		FractionPriceCents:   50,
		StartTime:            now.Add(-time.Hour),
		ExpireTime:           now.Add(time.Hour),
		CreatedAt:            now,
	}
}

func TestMemoryStore_ActiveOrderLookup(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	s := NewMemoryStore()

	if err := s.CreateSellOrder(ctx, testOrder("o1", now)); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	o, err := s.GetActiveSellOrder(ctx, "o1", now)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if o.FractionQtyAvailable != 100 {
		t.Errorf("expected 100 available, got %d", o.FractionQtyAvailable)
	}

	// Before start and after expire the order is simply not found.
	if _, err := s.GetActiveSellOrder(ctx, "o1", now.Add(-2*time.Hour)); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound before start, got %v", err)
	}
	if _, err := s.GetActiveSellOrder(ctx, "o1", now.Add(2*time.Hour)); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after expire, got %v", err)
	}
	if _, err := s.GetActiveSellOrder(ctx, "missing", now); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown id, got %v", err)
	}
}

func TestMemoryStore_SoftDelete(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	s := NewMemoryStore()

	s.CreateSellOrder(ctx, testOrder("o1", now))

	if err := s.SoftDeleteSellOrder(ctx, "o1", now); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := s.GetActiveSellOrder(ctx, "o1", now); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted order must be not found, got %v", err)
	}
	// Deleting twice behaves like deleting a missing order.
	if err := s.SoftDeleteSellOrder(ctx, "o1", now); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestMemoryStore_GrantUpserts(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	s := NewMemoryStore()

	ua, err := s.GrantUserAsset(ctx, "u1", "a1", 40, now)
	if err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	if ua.Quantity != 40 {
		t.Errorf("expected 40 after first grant, got %d", ua.Quantity)
	}

	ua, err = s.GrantUserAsset(ctx, "u1", "a1", 60, now)
	if err != nil {
		t.Fatalf("second grant failed: %v", err)
	}
	if ua.Quantity != 100 {
		t.Errorf("grants must accumulate, got %d", ua.Quantity)
	}

	got, err := s.GetUserAsset(ctx, "u1", "a1")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if got.Quantity != 100 {
		t.Errorf("expected stored quantity 100, got %d", got.Quantity)
	}
}

func TestMemoryStore_TotalPurchased(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	s := NewMemoryStore()

	insert := func(id, buyer, order string, qty int64) {
		err := s.PurchaseTx(ctx, order, func(tx Tx) error {
			return tx.InsertPurchase(ctx, &model.SellOrderPurchase{
				ID: id, SellOrderID: order, UserID: buyer,
				AssetID: "a1", FractionQty: qty, FractionPriceCents: 50,
				CreatedAt: now,
			})
		})
		if err != nil {
			t.Fatalf("insert %s failed: %v", id, err)
		}
	}

	insert("p1", "buyer", "o1", 3)
	insert("p2", "buyer", "o1", 4)
	insert("p3", "buyer", "o2", 100) // other order, excluded
	insert("p4", "other", "o1", 100) // other buyer, excluded

	total, err := s.TotalPurchased(ctx, "buyer", "o1")
	if err != nil {
		t.Fatalf("sum failed: %v", err)
	}
	if total != 7 {
		t.Errorf("expected 7, got %d", total)
	}

	total, _ = s.TotalPurchased(ctx, "nobody", "o1")
	if total != 0 {
		t.Errorf("expected 0 for a buyer with no purchases, got %d", total)
	}
}

func TestMemoryStore_TxWritesAreVisible(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	s := NewMemoryStore()

	s.CreateSellOrder(ctx, testOrder("o1", now))
	s.GrantUserAsset(ctx, "seller", "asset-1", 100, now)

	err := s.PurchaseTx(ctx, "o1", func(tx Tx) error {
		o, err := tx.SellOrderForUpdate(ctx, "o1")
		if err != nil {
			return err
		}
		if o == nil {
			t.Fatal("expected the order inside the tx")
		}
		if err := tx.SetSellOrderAvailable(ctx, "o1", o.FractionQtyAvailable-10); err != nil {
			return err
		}
		return tx.SetUserAssetQuantity(ctx, "seller", "asset-1", 90)
	})
	if err != nil {
		t.Fatalf("tx failed: %v", err)
	}

	o, _ := s.GetActiveSellOrder(ctx, "o1", now)
	if o.FractionQtyAvailable != 90 {
		t.Errorf("expected 90 available after tx, got %d", o.FractionQtyAvailable)
	}
	ua, _ := s.GetUserAsset(ctx, "seller", "asset-1")
	if ua.Quantity != 90 {
		t.Errorf("expected seller at 90 after tx, got %d", ua.Quantity)
	}
}

func TestMemoryStore_GrantWaitsForLockedBalanceRow(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	s := NewMemoryStore()

	s.GrantUserAsset(ctx, "u1", "a1", 100, now)

	entered := make(chan struct{})
	release := make(chan struct{})
	txDone := make(chan error, 1)
	go func() {
		txDone <- s.PurchaseTx(ctx, "o1", func(tx Tx) error {
			if _, err := tx.UserAssetForUpdate(ctx, "u1", "a1"); err != nil {
				return err
			}
			close(entered)
			<-release
			return tx.SetUserAssetQuantity(ctx, "u1", "a1", 60)
		})
	}()
	<-entered

	granted := make(chan *model.UserAsset, 1)
	go func() {
		ua, _ := s.GrantUserAsset(ctx, "u1", "a1", 10, now)
		granted <- ua
	}()

	// The balance row is held by the transaction; the grant must block.
	select {
	case <-granted:
		t.Fatal("grant completed while the balance row was locked")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-txDone; err != nil {
		t.Fatalf("tx failed: %v", err)
	}
	ua := <-granted
	if ua.Quantity != 70 {
		t.Errorf("expected the grant to apply to the committed balance (70), got %d", ua.Quantity)
	}
}

func TestMemoryStore_ForUpdateAbsentRows(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	err := s.PurchaseTx(ctx, "missing", func(tx Tx) error {
		o, err := tx.SellOrderForUpdate(ctx, "missing")
		if err != nil {
			return err
		}
		if o != nil {
			t.Errorf("expected nil order for unknown id, got %+v", o)
		}
		ua, err := tx.UserAssetForUpdate(ctx, "u1", "a1")
		if err != nil {
			return err
		}
		if ua != nil {
			t.Errorf("expected nil asset for unknown holder, got %+v", ua)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx failed: %v", err)
	}
}
