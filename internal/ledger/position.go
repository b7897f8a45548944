package ledger

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/wealthdesk/ledger/internal/model"
	"github.com/wealthdesk/ledger/internal/store"
)

// WeightedAverage is the cost per unit after buying qty at price on top of
// oldQty held at oldCost, rounded to model.CostScale places.
func WeightedAverage(oldQty, oldCost, qty, price decimal.Decimal) decimal.Decimal {
	total := oldQty.Add(qty)
	if total.IsZero() {
		return decimal.Zero
	}
	cost := oldQty.Mul(oldCost).Add(qty.Mul(price))
	return cost.DivRound(total, model.CostScale)
}

// CheckHoldings fails with *model.InsufficientHoldingsError unless pos
// holds at least qty. A nil position holds nothing.
func CheckHoldings(pos *model.Position, qty decimal.Decimal) error {
	available := decimal.Zero
	if pos != nil {
		available = pos.Quantity
	}
	if available.LessThan(qty) {
		return &model.InsufficientHoldingsError{Requested: qty, Available: available}
	}
	return nil
}

// ApplyBuy adds qty bought at price to the locked position, creating it when
// pos is nil.
func ApplyBuy(ctx context.Context, tx store.Tx, pos *model.Position, portfolioID, productID int64, qty, price decimal.Decimal) (*model.Position, error) {
	if pos == nil {
		created := &model.Position{
			PortfolioID: portfolioID,
			ProductID:   productID,
			Quantity:    qty,
			AverageCost: price,
		}
		if err := tx.InsertPosition(ctx, created); err != nil {
			return nil, err
		}
		return created, nil
	}

	updated := *pos
	updated.AverageCost = WeightedAverage(pos.Quantity, pos.AverageCost, qty, price)
	updated.Quantity = pos.Quantity.Add(qty)
	if err := tx.UpdatePosition(ctx, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// ApplySell removes qty from the locked position. Average cost is left as
// is. Selling everything deletes the row and returns nil.
func ApplySell(ctx context.Context, tx store.Tx, pos *model.Position, qty decimal.Decimal) (*model.Position, error) {
	if err := CheckHoldings(pos, qty); err != nil {
		return nil, err
	}
	remaining := pos.Quantity.Sub(qty)
	if remaining.IsZero() {
		if err := tx.DeletePosition(ctx, pos.ID); err != nil {
			return nil, err
		}
		return nil, nil
	}

	updated := *pos
	updated.Quantity = remaining
	if err := tx.UpdatePosition(ctx, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}
