// Package droplimit enforces the per-buyer purchase cap on drop sell orders.
//
// A drop order caps how many units any single buyer may take across the
// order's lifetime, until a configured end time passes. The cap is cumulative:
// it is checked against the sum of the buyer's prior receipts for the order,
// so it cannot be dodged by splitting a purchase into smaller ones.
package droplimit

import (
	"errors"
	"time"

	"github.com/fractionet/order-engine/internal/model"
)

var (
	// ErrLimitReached is returned when a purchase would push the buyer's
	// cumulative total past the order's per-user cap.
	ErrLimitReached = errors.New("droplimit: purchase limit reached")

	// ErrLimitNotSet indicates a drop order was created without a per-user
	// limit. A listing-creation bug, not a buyer error: it must surface as
	// a server-side failure, never be defaulted away.
	ErrLimitNotSet = errors.New("droplimit: user fraction limit is not set")

	// ErrLimitEndTimeNotSet indicates a drop order was created without a
	// limit end time. Same severity as ErrLimitNotSet.
	ErrLimitEndTimeNotSet = errors.New("droplimit: user fraction limit end time is not set")
)

// Check validates a prospective purchase of requested units against a drop
// order's per-buyer cap.
//
// Parameters:
//   - order: the sell order being purchased
//   - priorTotal: the buyer's summed prior purchases against this order,
//     read within the same transaction as the purchase itself
//   - requested: units the buyer wants now
//   - now: the purchase instant
//
// Non-drop orders always pass. For drop orders the limit fields must both be
// set; once now reaches the limit end time the cap no longer applies.
func Check(order *model.SellOrder, priorTotal, requested int64, now time.Time) error {
	if !order.IsDrop() {
		return nil
	}

	if order.UserFractionLimit == nil {
		return ErrLimitNotSet
	}
	if order.UserFractionLimitEndTime == nil {
		return ErrLimitEndTimeNotSet
	}

	if !now.Before(*order.UserFractionLimitEndTime) {
		return nil // cap window over, purchases unconstrained
	}

	if priorTotal+requested > *order.UserFractionLimit {
		return ErrLimitReached
	}
	return nil
}
