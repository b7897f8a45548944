// Package pricing resolves the latest known closing price of products and
// checks submitted limit prices against it.
package pricing

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/wealthdesk/ledger/internal/model"
	"github.com/wealthdesk/ledger/internal/store"
)

// DefaultTolerance is the largest accepted relative distance between a limit
// price and the latest close.
var DefaultTolerance = decimal.RequireFromString("0.05")

// Oracle reads prices through whichever view it is given: the store itself,
// a snapshot or an open transaction.
type Oracle struct {
	r store.Reader
}

// NewOracle creates an oracle over r.
func NewOracle(r store.Reader) *Oracle {
	return &Oracle{r: r}
}

// LatestPrice returns the close with the greatest date for a product, or a
// NotFoundError when nothing was ever recorded.
func (o *Oracle) LatestPrice(ctx context.Context, productID int64) (decimal.Decimal, error) {
	prices, err := o.r.LatestPrices(ctx, []int64{productID})
	if err != nil {
		return decimal.Zero, fmt.Errorf("latest price of product %d: %w", productID, err)
	}
	p, ok := prices[productID]
	if !ok {
		return decimal.Zero, model.NotFound("price", productID)
	}
	return p, nil
}

// LatestPrices resolves many products in one read. Products with no
// recorded price are absent from the result.
func (o *Oracle) LatestPrices(ctx context.Context, productIDs []int64) (map[int64]decimal.Decimal, error) {
	if len(productIDs) == 0 {
		return map[int64]decimal.Decimal{}, nil
	}
	prices, err := o.r.LatestPrices(ctx, productIDs)
	if err != nil {
		return nil, fmt.Errorf("latest prices: %w", err)
	}
	return prices, nil
}

// CheckLimit accepts limit when |oracle - limit| <= oracle * tolerance and
// returns a *model.PriceStaleError otherwise.
func CheckLimit(oracle, limit, tolerance decimal.Decimal) error {
	if limit.Sub(oracle).Abs().GreaterThan(oracle.Mul(tolerance)) {
		return &model.PriceStaleError{OraclePrice: oracle, LimitPrice: limit}
	}
	return nil
}
