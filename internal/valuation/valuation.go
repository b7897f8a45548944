// Package valuation marks portfolios and economic groups to market. Every
// view is computed inside one store snapshot with a single batched price
// lookup, so positions and prices always come from the same state.
package valuation

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/wealthdesk/ledger/internal/authz"
	"github.com/wealthdesk/ledger/internal/model"
	"github.com/wealthdesk/ledger/internal/pricing"
	"github.com/wealthdesk/ledger/internal/store"
)

// PositionValue is one holding marked to its latest close. MarketPrice is
// zero when the product was never priced.
type PositionValue struct {
	ProductID     int64           `json:"product_id"`
	Ticker        string          `json:"ticker"`
	Quantity      decimal.Decimal `json:"quantity"`
	AverageCost   decimal.Decimal `json:"average_cost"`
	MarketPrice   decimal.Decimal `json:"market_price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// PortfolioValuation is a portfolio's positions with their totals.
type PortfolioValuation struct {
	PortfolioID        int64           `json:"portfolio_id"`
	Positions          []PositionValue `json:"positions"`
	TotalMarketValue   decimal.Decimal `json:"total_market_value"`
	TotalUnrealizedPnL decimal.Decimal `json:"total_unrealized_pnl"`
}

// ConsolidatedPosition aggregates one product across every portfolio of a
// group's members.
type ConsolidatedPosition struct {
	ProductID           int64           `json:"product_id"`
	Ticker              string          `json:"ticker"`
	TotalQuantity       decimal.Decimal `json:"total_quantity"`
	WeightedAverageCost decimal.Decimal `json:"weighted_average_cost"`
	MarketPrice         decimal.Decimal `json:"market_price"`
	MarketValue         decimal.Decimal `json:"market_value"`
	UnrealizedPnL       decimal.Decimal `json:"unrealized_pnl"`
}

// Service serves read-side portfolio views.
type Service struct {
	store store.Store
}

// NewService creates a valuation service over s.
func NewService(s store.Store) *Service {
	return &Service{store: s}
}

// Valuate marks a portfolio to market. An empty portfolio valuates to zero
// totals.
func (s *Service) Valuate(ctx context.Context, portfolioID int64) (*PortfolioValuation, error) {
	var v *PortfolioValuation
	err := s.store.Snapshot(ctx, func(r store.Reader) error {
		var err error
		v, err = valuate(ctx, r, portfolioID)
		return err
	})
	return v, err
}

// ValuateFor is Valuate for an actor allowed to see the portfolio.
func (s *Service) ValuateFor(ctx context.Context, actor model.Actor, portfolioID int64) (*PortfolioValuation, error) {
	var v *PortfolioValuation
	err := s.store.Snapshot(ctx, func(r store.Reader) error {
		if _, _, err := authz.Portfolio(ctx, r, actor, portfolioID); err != nil {
			return err
		}
		var err error
		v, err = valuate(ctx, r, portfolioID)
		return err
	})
	return v, err
}

// Orders lists a portfolio's executed orders, newest first.
func (s *Service) Orders(ctx context.Context, actor model.Actor, portfolioID int64) ([]model.Order, error) {
	var orders []model.Order
	err := s.store.Snapshot(ctx, func(r store.Reader) error {
		if _, _, err := authz.Portfolio(ctx, r, actor, portfolioID); err != nil {
			return err
		}
		var err error
		orders, err = r.ListOrders(ctx, portfolioID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if orders == nil {
		orders = []model.Order{}
	}
	return orders, nil
}

// ConsolidatedPositions sums every member's holdings per product and marks
// the totals to market. Only an advisor managing at least one member may
// look. A group without members or holdings yields an empty list.
func (s *Service) ConsolidatedPositions(ctx context.Context, actor model.Actor, groupID int64) ([]ConsolidatedPosition, error) {
	var out []ConsolidatedPosition
	err := s.store.Snapshot(ctx, func(r store.Reader) error {
		members, err := authz.Group(ctx, r, actor, groupID)
		if err != nil {
			return err
		}
		clientIDs := make([]int64, 0, len(members))
		seen := make(map[int64]bool, len(members))
		for _, m := range members {
			if !seen[m.ClientID] {
				seen[m.ClientID] = true
				clientIDs = append(clientIDs, m.ClientID)
			}
		}
		if len(clientIDs) == 0 {
			return nil
		}
		positions, err := r.ListPositionsByClients(ctx, clientIDs)
		if err != nil {
			return err
		}
		out, err = consolidate(ctx, r, positions)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []ConsolidatedPosition{}
	}
	return out, nil
}

func valuate(ctx context.Context, r store.Reader, portfolioID int64) (*PortfolioValuation, error) {
	if _, err := r.GetPortfolio(ctx, portfolioID); err != nil {
		return nil, err
	}
	positions, err := r.ListPositionsByPortfolio(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	prices, tickers, err := marks(ctx, r, productIDs(positions))
	if err != nil {
		return nil, err
	}

	v := &PortfolioValuation{
		PortfolioID:        portfolioID,
		Positions:          make([]PositionValue, 0, len(positions)),
		TotalMarketValue:   decimal.Zero,
		TotalUnrealizedPnL: decimal.Zero,
	}
	for _, p := range positions {
		price := prices[p.ProductID]
		value := p.Quantity.Mul(price)
		pnl := value.Sub(p.Quantity.Mul(p.AverageCost))
		v.Positions = append(v.Positions, PositionValue{
			ProductID:     p.ProductID,
			Ticker:        tickers[p.ProductID],
			Quantity:      p.Quantity,
			AverageCost:   p.AverageCost,
			MarketPrice:   price,
			MarketValue:   value,
			UnrealizedPnL: pnl,
		})
		v.TotalMarketValue = v.TotalMarketValue.Add(value)
		v.TotalUnrealizedPnL = v.TotalUnrealizedPnL.Add(pnl)
	}
	return v, nil
}

type aggregate struct {
	quantity decimal.Decimal
	cost     decimal.Decimal
}

func consolidate(ctx context.Context, r store.Reader, positions []model.Position) ([]ConsolidatedPosition, error) {
	byProduct := make(map[int64]*aggregate)
	for _, p := range positions {
		a, ok := byProduct[p.ProductID]
		if !ok {
			a = &aggregate{quantity: decimal.Zero, cost: decimal.Zero}
			byProduct[p.ProductID] = a
		}
		a.quantity = a.quantity.Add(p.Quantity)
		a.cost = a.cost.Add(p.Quantity.Mul(p.AverageCost))
	}

	ids := make([]int64, 0, len(byProduct))
	for id := range byProduct {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	prices, tickers, err := marks(ctx, r, ids)
	if err != nil {
		return nil, err
	}

	out := make([]ConsolidatedPosition, 0, len(ids))
	for _, id := range ids {
		a := byProduct[id]
		avg := decimal.Zero
		if !a.quantity.IsZero() {
			avg = a.cost.DivRound(a.quantity, model.CostScale)
		}
		price := prices[id]
		value := a.quantity.Mul(price)
		out = append(out, ConsolidatedPosition{
			ProductID:           id,
			Ticker:              tickers[id],
			TotalQuantity:       a.quantity,
			WeightedAverageCost: avg,
			MarketPrice:         price,
			MarketValue:         value,
			UnrealizedPnL:       value.Sub(a.cost),
		})
	}
	return out, nil
}

// marks fetches the latest close and ticker of every product in one read
// each. Unpriced products map to zero.
func marks(ctx context.Context, r store.Reader, ids []int64) (map[int64]decimal.Decimal, map[int64]string, error) {
	if len(ids) == 0 {
		return map[int64]decimal.Decimal{}, map[int64]string{}, nil
	}
	latest, err := pricing.NewOracle(r).LatestPrices(ctx, ids)
	if err != nil {
		return nil, nil, err
	}
	products, err := r.GetProducts(ctx, ids)
	if err != nil {
		return nil, nil, err
	}

	prices := make(map[int64]decimal.Decimal, len(ids))
	tickers := make(map[int64]string, len(ids))
	for _, id := range ids {
		if p, ok := latest[id]; ok {
			prices[id] = p
		} else {
			prices[id] = decimal.Zero
		}
		tickers[id] = products[id].Ticker
	}
	return prices, tickers, nil
}

func productIDs(positions []model.Position) []int64 {
	ids := make([]int64, 0, len(positions))
	for _, p := range positions {
		ids = append(ids, p.ProductID)
	}
	return ids
}
