// Package order executes buy and sell instructions against the cash and
// position books. An order either commits its balance change, movement,
// position change and order record together or leaves no trace at all.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wealthdesk/ledger/internal/authz"
	"github.com/wealthdesk/ledger/internal/ledger"
	"github.com/wealthdesk/ledger/internal/metrics"
	"github.com/wealthdesk/ledger/internal/model"
	"github.com/wealthdesk/ledger/internal/pricing"
	"github.com/wealthdesk/ledger/internal/store"
	"github.com/wealthdesk/ledger/internal/suitability"
)

// Request is an instruction to trade a product in a portfolio at a limit
// price.
type Request struct {
	PortfolioID int64           `json:"portfolio_id"`
	ProductID   int64           `json:"product_id"`
	Side        model.Side      `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	LimitPrice  decimal.Decimal `json:"limit_price"`
}

// Execution is a committed order with the resulting account and holding.
// Position is nil after a sell that closes the holding.
type Execution struct {
	Order    model.Order     `json:"order"`
	ClientID int64           `json:"client_id"`
	Balance  decimal.Decimal `json:"balance"`
	Position *model.Position `json:"position"`
}

// Engine validates and commits orders.
type Engine struct {
	store         store.Store
	tolerance     decimal.Decimal
	commitTimeout time.Duration
	now           func() time.Time
	newReference  func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithPriceTolerance sets the accepted relative distance between a limit
// price and the latest close.
func WithPriceTolerance(tol decimal.Decimal) Option {
	return func(e *Engine) { e.tolerance = tol }
}

// WithCommitTimeout bounds one validate-and-commit unit.
func WithCommitTimeout(d time.Duration) Option {
	return func(e *Engine) { e.commitTimeout = d }
}

// WithClock replaces the execution timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an order engine over s.
func NewEngine(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:         s,
		tolerance:     pricing.DefaultTolerance,
		commitTimeout: 10 * time.Second,
		now:           time.Now,
		newReference:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteOrder runs the precondition chain and, when every check passes,
// commits the order. Checks run in a fixed order and stop at the first
// failure:
//
//  1. quantity and limit price are positive
//  2. side is Buy or Sell
//  3. the actor may trade the portfolio
//  4. the product exists
//  5. the limit price is within tolerance of the latest close, if any
//  6. the client's latest suitability profile admits the product's risk
//  7. the client has an account
//  8. the account covers a buy, or the position covers a sell
//
// Steps 3 to 8 run in the same transaction as the commit. The account is
// locked at step 7 and the position at step 8, always in that order and for
// both sides, before either sufficiency check. A commit that runs out of its
// deadline while waiting reports model.ErrBusy.
func (e *Engine) ExecuteOrder(ctx context.Context, actor model.Actor, req Request) (*Execution, error) {
	start := time.Now()
	exec, err := e.execute(ctx, actor, req)
	if err != nil {
		e.reject(actor, req, err)
		return nil, err
	}

	metrics.OrdersTotal.WithLabelValues(string(req.Side)).Inc()
	metrics.OrderLatency.WithLabelValues(string(req.Side)).Observe(time.Since(start).Seconds())
	slog.Info("order executed",
		"order_id", exec.Order.ID,
		"reference", exec.Order.Reference,
		"portfolio_id", req.PortfolioID,
		"product_id", req.ProductID,
		"side", req.Side,
		"quantity", req.Quantity.String(),
		"unit_price", req.LimitPrice.String(),
		"balance", exec.Balance.String(),
	)
	return exec, nil
}

func (e *Engine) execute(ctx context.Context, actor model.Actor, req Request) (*Execution, error) {
	if !req.Quantity.IsPositive() {
		return nil, &model.InvalidInputError{Field: "quantity", Reason: "must be positive"}
	}
	if !req.LimitPrice.IsPositive() {
		return nil, &model.InvalidInputError{Field: "limit_price", Reason: "must be positive"}
	}
	if !req.Side.Valid() {
		return nil, &model.InvalidInputError{Field: "side", Reason: fmt.Sprintf("%q is not Buy or Sell", req.Side)}
	}

	cctx, cancel := store.CommitContext(ctx, e.commitTimeout)
	defer cancel()

	var exec *Execution
	err := e.store.WithTx(cctx, func(tx store.Tx) error {
		var err error
		exec, err = e.commit(cctx, tx, actor, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return exec, nil
}

func (e *Engine) commit(ctx context.Context, tx store.Tx, actor model.Actor, req Request) (*Execution, error) {
	// 3. Authorization.
	_, client, err := authz.Portfolio(ctx, tx, actor, req.PortfolioID)
	if err != nil {
		return nil, err
	}

	// 4. Product.
	product, err := tx.GetProduct(ctx, req.ProductID)
	if err != nil {
		return nil, err
	}

	// 5. Staleness, skipped when the product was never priced.
	oracle, err := pricing.NewOracle(tx).LatestPrice(ctx, product.ID)
	switch {
	case err == nil:
		if err := pricing.CheckLimit(oracle, req.LimitPrice, e.tolerance); err != nil {
			return nil, err
		}
	case !errors.Is(err, model.ErrNotFound):
		return nil, err
	}

	// 6. Suitability.
	resp, err := tx.LatestSuitability(ctx, client.ID)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("client %d: %w", client.ID, model.ErrNoRiskProfile)
	}
	risk := product.EffectiveRiskLevel()
	if !suitability.IsEligible(resp.Profile, risk) {
		return nil, &model.SuitabilityMismatchError{Profile: resp.Profile, RiskLevel: risk}
	}

	// 7. Account.
	acct, err := ledger.LockAccount(ctx, tx, client.ID)
	if err != nil {
		return nil, err
	}

	// 8. Sufficiency.
	amount := req.Quantity.Mul(req.LimitPrice)
	pos, err := tx.LockPosition(ctx, req.PortfolioID, req.ProductID)
	if err != nil {
		return nil, err
	}
	if req.Side == model.SideBuy {
		err = ledger.CheckFunds(acct, amount)
	} else {
		err = ledger.CheckHoldings(pos, req.Quantity)
	}
	if err != nil {
		return nil, err
	}

	// Commit.
	at := e.now().UTC()
	var mv *model.Movement
	if req.Side == model.SideBuy {
		if mv, err = ledger.Debit(ctx, tx, acct, amount, model.MovementApplication, at); err != nil {
			return nil, err
		}
		if pos, err = ledger.ApplyBuy(ctx, tx, pos, req.PortfolioID, req.ProductID, req.Quantity, req.LimitPrice); err != nil {
			return nil, err
		}
	} else {
		if mv, err = ledger.Credit(ctx, tx, acct, amount, model.MovementRedemption, at); err != nil {
			return nil, err
		}
		if pos, err = ledger.ApplySell(ctx, tx, pos, req.Quantity); err != nil {
			return nil, err
		}
	}

	o := model.Order{
		Reference:   e.newReference(),
		PortfolioID: req.PortfolioID,
		ProductID:   req.ProductID,
		Side:        req.Side,
		Quantity:    req.Quantity,
		UnitPrice:   req.LimitPrice,
		ExecutedAt:  at,
		Status:      model.OrderExecuted,
		MovementID:  mv.ID,
	}
	if err := tx.InsertOrder(ctx, &o); err != nil {
		return nil, err
	}

	return &Execution{Order: o, ClientID: client.ID, Balance: acct.Balance, Position: pos}, nil
}

func (e *Engine) reject(actor model.Actor, req Request, err error) {
	code := model.Code(err)
	metrics.OrderRejections.WithLabelValues(code).Inc()

	attrs := []any{
		"actor_id", actor.ID,
		"role", actor.Role,
		"portfolio_id", req.PortfolioID,
		"product_id", req.ProductID,
		"side", req.Side,
		"reason", code,
		"error", err,
	}
	switch code {
	case "busy", "integrity_violation":
		slog.Warn("order not committed", attrs...)
	case "internal":
		slog.Error("order failed", attrs...)
	default:
		slog.Info("order rejected", attrs...)
	}
}
