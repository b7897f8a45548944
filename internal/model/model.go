// Package model defines the core domain types shared across the ledger.
// Money, quantities and prices use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// CostScale is the number of decimal places kept on weighted-average costs.
const CostScale int32 = 10

// DefaultRiskLevel applies to products with no recorded risk level.
const DefaultRiskLevel = 3

// Role identifies the kind of authenticated principal behind a call.
type Role string

const (
	RoleClient  Role = "client"
	RoleAdvisor Role = "advisor"
)

// Actor is the already-authenticated identity passed to every core call.
type Actor struct {
	ID   int64 `json:"id"`
	Role Role  `json:"role"`
}

// Advisor manages clients. SuperiorID forms an adjacency relation
// (subordinate → superior) resolved by explicit lookups.
type Advisor struct {
	ID         int64  `json:"id" db:"id"`
	SuperiorID *int64 `json:"superior_id,omitempty" db:"superior_id"`
	Name       string `json:"name" db:"name"`
	Email      string `json:"email" db:"email"`
}

// Client is the owner of an account and of portfolios.
type Client struct {
	ID        int64  `json:"id" db:"id"`
	AdvisorID int64  `json:"advisor_id" db:"advisor_id"`
	Name      string `json:"name" db:"name"`
	Email     string `json:"email" db:"email"`
}

// Account holds a client's cash. Balance is never negative.
type Account struct {
	ID       int64           `json:"id" db:"id"`
	ClientID int64           `json:"client_id" db:"client_id"`
	Number   string          `json:"number" db:"number"`
	Balance  decimal.Decimal `json:"balance" db:"balance"`
}

// Portfolio groups a client's positions.
type Portfolio struct {
	ID       int64  `json:"id" db:"id"`
	ClientID int64  `json:"client_id" db:"client_id"`
	Name     string `json:"name" db:"name"`
}

// MovementKind tags the direction and purpose of a cash movement.
type MovementKind string

const (
	MovementDeposit     MovementKind = "Deposit"
	MovementWithdrawal  MovementKind = "Withdrawal"
	MovementApplication MovementKind = "Application" // buy settlement
	MovementRedemption  MovementKind = "Redemption"  // sell settlement
)

// MovementProcessed is the only status a movement currently takes.
const MovementProcessed = "Processed"

// Movement is an immutable cash ledger entry. Amount is always positive;
// the direction is implied by which of Source/Destination is set.
type Movement struct {
	ID                   int64           `json:"id" db:"id"`
	SourceAccountID      *int64          `json:"source_account_id,omitempty" db:"source_account_id"`
	DestinationAccountID *int64          `json:"destination_account_id,omitempty" db:"destination_account_id"`
	Kind                 MovementKind    `json:"kind" db:"kind"`
	Amount               decimal.Decimal `json:"amount" db:"amount"`
	Timestamp            time.Time       `json:"timestamp" db:"created_at"`
	Status               string          `json:"status" db:"status"`
}

// Position is a (portfolio, product) holding valued at weighted-average cost.
// A position with zero quantity is never persisted.
type Position struct {
	ID          int64           `json:"id" db:"id"`
	PortfolioID int64           `json:"portfolio_id" db:"portfolio_id"`
	ProductID   int64           `json:"product_id" db:"product_id"`
	Quantity    decimal.Decimal `json:"quantity" db:"quantity"`
	AverageCost decimal.Decimal `json:"average_cost" db:"average_cost"`
}

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// Valid reports whether s is a supported order side.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// OrderExecuted is the terminal status of every persisted order.
const OrderExecuted = "Executed"

// Order is an immutable record of an executed trade, settled by exactly
// one movement.
type Order struct {
	ID          int64           `json:"id" db:"id"`
	Reference   string          `json:"reference" db:"reference"`
	PortfolioID int64           `json:"portfolio_id" db:"portfolio_id"`
	ProductID   int64           `json:"product_id" db:"product_id"`
	Side        Side            `json:"side" db:"side"`
	Quantity    decimal.Decimal `json:"quantity" db:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price" db:"unit_price"`
	ExecutedAt  time.Time       `json:"executed_at" db:"executed_at"`
	Status      string          `json:"status" db:"status"`
	MovementID  int64           `json:"movement_id" db:"movement_id"`
}

// PricePoint is one recorded closing price. One per product per day.
type PricePoint struct {
	ID         int64           `json:"id" db:"id"`
	ProductID  int64           `json:"product_id" db:"product_id"`
	Date       time.Time       `json:"date" db:"price_date"`
	ClosePrice decimal.Decimal `json:"close_price" db:"close_price"`
}

// EconomicGroup links related clients for consolidated reporting.
type EconomicGroup struct {
	ID        int64     `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Membership places a client inside an economic group.
type Membership struct {
	GroupID  int64  `json:"group_id" db:"group_id"`
	ClientID int64  `json:"client_id" db:"client_id"`
	Role     string `json:"role" db:"role"`
}
