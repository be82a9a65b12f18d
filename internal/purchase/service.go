// Package purchase implements the sell-order purchase engine: listing
// lookups, the validate-then-execute purchase pipeline, the immutable receipt
// ledger, and the HTTP handlers that expose them.
//
// All quantities are integer fraction units and all prices integer cents;
// dollar amounts in responses use shopspring/decimal — never float64 for
// money.
package purchase

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fractionet/order-engine/internal/droplimit"
	"github.com/fractionet/order-engine/internal/metrics"
	"github.com/fractionet/order-engine/internal/model"
	"github.com/fractionet/order-engine/internal/store"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Service owns the purchase engine and its HTTP surface. Concurrency control
// lives in the store: each purchase runs inside a transaction that locks the
// sell order row, so concurrent purchases of one order serialize while
// different orders proceed in parallel.
type Service struct {
	store store.Store
	hub   *Hub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new purchase service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, hub *Hub) *Service {
	return &Service{
		store: st,
		hub:   hub,
	}
}

// --- Engine entry points ---

// Purchase executes one buyer's purchase against a sell order: it validates
// liveness, self-trade, price, inventory, drop limit, and seller solvency in
// that order, then atomically decrements the order and the seller's balance,
// credits the buyer, and records the receipt. Either all four writes commit
// or none do.
func (s *Service) Purchase(ctx context.Context, buyer model.User, orderID string, fractions, priceCents int64) (*model.SellOrderPurchase, error) {
	start := time.Now()

	req := Request{
		Buyer:               buyer,
		FractionsToPurchase: fractions,
		FractionPriceCents:  priceCents,
	}

	var eff *Effects
	err := s.store.PurchaseTx(ctx, orderID, func(tx store.Tx) error {
		snap, err := loadSnapshot(ctx, tx, orderID, buyer)
		if err != nil {
			return err
		}
		eff, err = Decide(req, *snap)
		if err != nil {
			return err
		}
		return applyEffects(ctx, tx, eff)
	})

	metrics.PurchaseLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PurchaseRejections.WithLabelValues(rejectionReason(err)).Inc()
		return nil, err
	}

	metrics.PurchasesTotal.Inc()
	metrics.FractionsSold.Add(float64(fractions))

	receipt := eff.Receipt
	slog.Info("purchase executed",
		"purchase_id", receipt.ID,
		"order_id", orderID,
		"buyer", buyer.ID,
		"seller", eff.SellerID,
		"asset", receipt.AssetID,
		"fractions", fractions,
		"price_cents", priceCents,
		"order_available", eff.OrderAvailable,
	)

	if s.hub != nil {
		s.hub.Broadcast(Event{
			Type:         "purchase_executed",
			SellOrderID:  orderID,
			AssetID:      receipt.AssetID,
			BuyerID:      buyer.ID,
			FractionQty:  receipt.FractionQty,
			PriceCents:   receipt.FractionPriceCents,
			QtyAvailable: eff.OrderAvailable,
		})
	}

	return receipt, nil
}

// TotalPurchased returns the buyer's cumulative purchased units against one
// order, zero if they never bought any.
func (s *Service) TotalPurchased(ctx context.Context, buyer model.User, orderID string) (int64, error) {
	return s.store.TotalPurchased(ctx, buyer.ID, orderID)
}

// loadSnapshot reads everything Decide needs inside the purchase
// transaction. The order row is read first, with a lock: that lock is what
// serializes concurrent purchases of the same order end to end.
func loadSnapshot(ctx context.Context, tx store.Tx, orderID string, buyer model.User) (*Snapshot, error) {
	snap := &Snapshot{Now: time.Now().UTC()}

	order, err := tx.SellOrderForUpdate(ctx, orderID)
	if err != nil {
		return nil, err
	}
	snap.Order = order

	// A dead order or a self-trade fails before any balance is consulted;
	// don't lock rows the decision cannot need.
	if order == nil || !order.ActiveAt(snap.Now) || order.UserID == buyer.ID {
		return snap, nil
	}

	// Lock the two balance rows in user-id order so crossing purchases
	// (A buying from B while B buys from A on another order) cannot
	// deadlock.
	parties := []string{order.UserID, buyer.ID}
	sort.Strings(parties)
	assets := make(map[string]*model.UserAsset, 2)
	for _, userID := range parties {
		ua, err := tx.UserAssetForUpdate(ctx, userID, order.AssetID)
		if err != nil {
			return nil, err
		}
		assets[userID] = ua
	}
	snap.SellerAsset = assets[order.UserID]
	snap.BuyerAsset = assets[buyer.ID]

	if order.IsDrop() {
		// Summed inside this transaction: two concurrent drop purchases
		// cannot both observe a stale prior total.
		snap.PriorTotal, err = tx.TotalPurchased(ctx, buyer.ID, orderID)
		if err != nil {
			return nil, err
		}
	}

	return snap, nil
}

// applyEffects writes a successful decision. The surrounding transaction
// rolls all of it back if any write fails.
func applyEffects(ctx context.Context, tx store.Tx, eff *Effects) error {
	r := eff.Receipt

	if err := tx.SetSellOrderAvailable(ctx, r.SellOrderID, eff.OrderAvailable); err != nil {
		return err
	}
	if err := tx.SetUserAssetQuantity(ctx, eff.SellerID, r.AssetID, eff.SellerQuantity); err != nil {
		return err
	}
	if eff.BuyerAssetNew {
		err := tx.InsertUserAsset(ctx, &model.UserAsset{
			UserID:    r.UserID,
			AssetID:   r.AssetID,
			Quantity:  eff.BuyerQuantity,
			UpdatedAt: r.CreatedAt,
		})
		if err != nil {
			return err
		}
	} else {
		if err := tx.SetUserAssetQuantity(ctx, r.UserID, r.AssetID, eff.BuyerQuantity); err != nil {
			return err
		}
	}
	return tx.InsertPurchase(ctx, r)
}

// --- Request/Response types ---

// CreateOrderRequest is the JSON body for sell-order creation.
type CreateOrderRequest struct {
	AssetID            string          `json:"asset_id" validate:"required"`
	PartnerID          string          `json:"partner_id" validate:"required"`
	UserID             string          `json:"user_id" validate:"required"` // seller
	Type               model.OrderType `json:"type" validate:"required,oneof=standard drop"`
	FractionQty        int64           `json:"fraction_qty" validate:"required,gt=0"`
	FractionPriceCents int64           `json:"fraction_price_cents" validate:"required,gt=0"`

	StartTime  time.Time `json:"start_time"` // zero → starts immediately
	ExpireTime time.Time `json:"expire_time" validate:"required"`

	UserFractionLimit        *int64     `json:"user_fraction_limit,omitempty" validate:"omitempty,gt=0"`
	UserFractionLimitEndTime *time.Time `json:"user_fraction_limit_end_time,omitempty"`
}

// PurchaseRequest is the JSON body for POST /orders/{orderID}/purchases.
// The user_id field stands in for the out-of-scope authentication layer.
type PurchaseRequest struct {
	UserID              string `json:"user_id" validate:"required"`
	FractionsToPurchase int64  `json:"fractions_to_purchase" validate:"required,gt=0"`
	FractionPriceCents  int64  `json:"fraction_price_cents" validate:"required,gt=0"`
}

// PurchaseResponse is the JSON body returned for an executed purchase.
type PurchaseResponse struct {
	Purchase    *model.SellOrderPurchase `json:"purchase"`
	CostDollars decimal.Decimal          `json:"cost_dollars"`
}

// GrantRequest is the JSON body for the holdings grant endpoint.
type GrantRequest struct {
	Quantity int64 `json:"quantity" validate:"required,gt=0"`
}

// --- HTTP Handlers ---

// CreateOrder handles POST /api/v1/orders
func (s *Service) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	startTime := req.StartTime
	if startTime.IsZero() {
		startTime = now
	}
	if !req.ExpireTime.After(startTime) {
		writeError(w, "expire_time must be after start_time", http.StatusBadRequest)
		return
	}

	// A drop order without both limit fields would make every purchase
	// attempt a server error; refuse to create one.
	if req.Type == model.OrderTypeDrop {
		if req.UserFractionLimit == nil {
			writeError(w, "user_fraction_limit is required for drop orders", http.StatusBadRequest)
			return
		}
		if req.UserFractionLimitEndTime == nil {
			writeError(w, "user_fraction_limit_end_time is required for drop orders", http.StatusBadRequest)
			return
		}
		if *req.UserFractionLimit > req.FractionQty {
			writeError(w, "user_fraction_limit cannot exceed fraction_qty", http.StatusBadRequest)
			return
		}
	}

	ctx := r.Context()

	// The seller must actually hold what they offer.
	ua, err := s.store.GetUserAsset(ctx, req.UserID, req.AssetID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "seller does not own the asset", http.StatusConflict)
		return
	}
	if err != nil {
		writeError(w, "failed to check seller holdings", http.StatusInternalServerError)
		return
	}
	if ua.Quantity < req.FractionQty {
		writeError(w, "seller does not hold enough units", http.StatusConflict)
		return
	}

	order := &model.SellOrder{
		ID:                       uuid.New().String(),
		AssetID:                  req.AssetID,
		PartnerID:                req.PartnerID,
		UserID:                   req.UserID,
		Type:                     req.Type,
		FractionQty:              req.FractionQty,
		FractionQtyAvailable:     req.FractionQty,
		FractionPriceCents:       req.FractionPriceCents,
		StartTime:                startTime,
		ExpireTime:               req.ExpireTime,
		UserFractionLimit:        req.UserFractionLimit,
		UserFractionLimitEndTime: req.UserFractionLimitEndTime,
		CreatedAt:                now,
	}

	if err := s.store.CreateSellOrder(ctx, order); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	metrics.ActiveSellOrders.Inc()

	slog.Info("sell order created",
		"id", order.ID,
		"asset", order.AssetID,
		"seller", order.UserID,
		"type", order.Type,
		"fractions", order.FractionQty,
		"price_cents", order.FractionPriceCents,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(order)
}

// ListOrders handles GET /api/v1/orders
// Returns all currently active sell orders.
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.store.ListActiveSellOrders(r.Context(), time.Now().UTC())
	if err != nil {
		writeError(w, "failed to list sell orders", http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []model.SellOrder{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(orders)
}

// GetOrder handles GET /api/v1/orders/{orderID}
func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	order, err := s.store.GetActiveSellOrder(r.Context(), orderID, time.Now().UTC())
	if err != nil {
		writeError(w, "sell order not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(order)
}

// DeleteOrder handles DELETE /api/v1/orders/{orderID}
// Orders are only ever soft-deleted; their purchase receipts remain.
func (s *Service) DeleteOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	err := s.store.SoftDeleteSellOrder(r.Context(), orderID, time.Now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "sell order not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to delete sell order", http.StatusInternalServerError)
		return
	}
	metrics.ActiveSellOrders.Dec()

	slog.Info("sell order deleted", "id", orderID)
	w.WriteHeader(http.StatusNoContent)
}

// ExecutePurchase handles POST /api/v1/orders/{orderID}/purchases
// The transactional entry point of the engine.
func (s *Service) ExecutePurchase(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	var req PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	buyer := model.User{ID: req.UserID}
	receipt, err := s.Purchase(r.Context(), buyer, orderID, req.FractionsToPurchase, req.FractionPriceCents)
	if err != nil {
		writeError(w, err.Error(), purchaseStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(PurchaseResponse{
		Purchase:    receipt,
		CostDollars: receipt.CostDollars(),
	})
}

// ListOrderPurchases handles GET /api/v1/orders/{orderID}/purchases
func (s *Service) ListOrderPurchases(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	purchases, err := s.store.ListPurchasesByOrder(r.Context(), orderID)
	if err != nil {
		writeError(w, "failed to list purchases", http.StatusInternalServerError)
		return
	}
	if purchases == nil {
		purchases = []model.SellOrderPurchase{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(purchases)
}

// GetTotalPurchased handles GET /api/v1/orders/{orderID}/purchases/total?user_id=U
// Returns the user's cumulative purchased units against the order.
func (s *Service) GetTotalPurchased(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	total, err := s.TotalPurchased(r.Context(), model.User{ID: userID}, orderID)
	if err != nil {
		writeError(w, "failed to sum purchases", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int64{"total_purchased": total})
}

// GetPortfolio handles GET /api/v1/portfolio/{userID}
// Returns the user's holdings plus cumulative spend from the receipt ledger.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ctx := r.Context()

	assets, err := s.store.ListUserAssets(ctx, userID)
	if err != nil {
		writeError(w, "failed to load holdings", http.StatusInternalServerError)
		return
	}

	purchases, err := s.store.ListPurchasesByUser(ctx, userID)
	if err != nil {
		writeError(w, "failed to load purchases", http.StatusInternalServerError)
		return
	}

	portfolio := model.Portfolio{
		UserID:            userID,
		Holdings:          []model.Holding{},
		TotalSpentDollars: decimal.Zero,
	}
	for _, ua := range assets {
		portfolio.Holdings = append(portfolio.Holdings, model.Holding{
			AssetID:  ua.AssetID,
			Quantity: ua.Quantity,
		})
		portfolio.TotalUnits += ua.Quantity
	}
	for _, p := range purchases {
		portfolio.TotalSpentDollars = portfolio.TotalSpentDollars.Add(p.CostDollars())
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(portfolio)
}

// GrantAsset handles POST /api/v1/users/{userID}/assets/{assetID}/grant
// Stand-in for the custody service that establishes sellers' initial
// positions; also used by tests and local setups.
func (s *Service) GrantAsset(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	assetID := chi.URLParam(r, "assetID")

	var req GrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ua, err := s.store.GrantUserAsset(r.Context(), userID, assetID, req.Quantity, time.Now().UTC())
	if err != nil {
		writeError(w, "failed to grant units", http.StatusInternalServerError)
		return
	}

	slog.Info("units granted", "user", userID, "asset", assetID, "quantity", req.Quantity)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ua)
}

// purchaseStatus maps a pipeline error to its HTTP status. Business
// rejections are 409s; dead orders are indistinguishable 404s; a
// misconfigured drop order is a server-side fault.
func purchaseStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrSellOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrOwnOrder),
		errors.Is(err, ErrPriceMismatch),
		errors.Is(err, ErrNotEnoughAvailable),
		errors.Is(err, droplimit.ErrLimitReached),
		errors.Is(err, ErrSellerNotAssetOwner),
		errors.Is(err, ErrNotEnoughUnitsFromSeller):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// rejectionReason labels a pipeline error for metrics.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrSellOrderNotFound):
		return "order_not_found"
	case errors.Is(err, ErrOwnOrder):
		return "own_order"
	case errors.Is(err, ErrPriceMismatch):
		return "price_mismatch"
	case errors.Is(err, ErrNotEnoughAvailable):
		return "not_enough_available"
	case errors.Is(err, droplimit.ErrLimitReached):
		return "purchase_limit_reached"
	case errors.Is(err, droplimit.ErrLimitNotSet), errors.Is(err, droplimit.ErrLimitEndTimeNotSet):
		return "misconfigured_drop"
	case errors.Is(err, ErrSellerNotAssetOwner):
		return "seller_not_owner"
	case errors.Is(err, ErrNotEnoughUnitsFromSeller):
		return "seller_insufficient"
	default:
		return "storage_error"
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
