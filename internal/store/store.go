// Package store defines the persistence interface for the ledger.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for reference data), and in-memory (for testing and development).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wealthdesk/ledger/internal/model"
)

// Reader is the read side shared by plain reads, snapshots and
// transactions. Lookups by id return a *model.NotFoundError when the row is
// absent.
type Reader interface {
	// --- Parties ---

	GetClient(ctx context.Context, id int64) (*model.Client, error)
	GetPortfolio(ctx context.Context, id int64) (*model.Portfolio, error)

	// GetAccountByClient returns the cash account owned by a client.
	GetAccountByClient(ctx context.Context, clientID int64) (*model.Account, error)

	// --- Products & prices ---

	GetProduct(ctx context.Context, id int64) (*model.Product, error)

	// GetProducts returns the products found among ids, keyed by id.
	GetProducts(ctx context.Context, ids []int64) (map[int64]model.Product, error)

	// LatestPrices returns, for each product with at least one recorded
	// price, the close of its most recent date. Products without prices are
	// absent from the map.
	LatestPrices(ctx context.Context, productIDs []int64) (map[int64]decimal.Decimal, error)

	// --- Holdings & ledger ---

	// GetPosition returns nil, nil when no position is held.
	GetPosition(ctx context.Context, portfolioID, productID int64) (*model.Position, error)
	ListPositionsByPortfolio(ctx context.Context, portfolioID int64) ([]model.Position, error)
	ListPositionsByClients(ctx context.Context, clientIDs []int64) ([]model.Position, error)

	// ListMovements returns every movement touching the account, newest first.
	ListMovements(ctx context.Context, accountID int64) ([]model.Movement, error)

	// ListOrders returns a portfolio's orders, newest first.
	ListOrders(ctx context.Context, portfolioID int64) ([]model.Order, error)

	// --- Suitability ---

	// LatestSuitability returns nil, nil when the client has no response.
	LatestSuitability(ctx context.Context, clientID int64) (*model.SuitabilityResponse, error)
	ListSuitability(ctx context.Context, clientID int64) ([]model.SuitabilityResponse, error)

	// ActiveQuestionnaire returns the version with the latest effective date
	// with its full question/option tree.
	ActiveQuestionnaire(ctx context.Context) (*model.Questionnaire, error)

	// GetOptions resolves option ids to options with their question version.
	// Unknown ids are omitted.
	GetOptions(ctx context.Context, optionIDs []int64) ([]model.ResolvedOption, error)

	// --- Groups ---

	GetGroup(ctx context.Context, id int64) (*model.EconomicGroup, error)
	ListGroupMembers(ctx context.Context, groupID int64) ([]model.Membership, error)
}

// Tx is a single all-or-nothing unit of work. Rows returned by the Lock*
// methods stay exclusively locked until the transaction ends. Callers lock
// the account before the position.
type Tx interface {
	Reader

	// LockAccountByClient locks and returns the client's account.
	LockAccountByClient(ctx context.Context, clientID int64) (*model.Account, error)

	// LockPosition locks and returns the position, or nil, nil when absent.
	LockPosition(ctx context.Context, portfolioID, productID int64) (*model.Position, error)

	UpdateAccountBalance(ctx context.Context, accountID int64, balance decimal.Decimal) error

	// InsertMovement appends a movement and sets its ID.
	InsertMovement(ctx context.Context, m *model.Movement) error

	// InsertOrder appends an order and sets its ID.
	InsertOrder(ctx context.Context, o *model.Order) error

	// InsertPosition creates a position and sets its ID.
	InsertPosition(ctx context.Context, p *model.Position) error
	UpdatePosition(ctx context.Context, p *model.Position) error
	DeletePosition(ctx context.Context, id int64) error

	// InsertSuitabilityResponse appends a response and sets its ID.
	InsertSuitabilityResponse(ctx context.Context, r *model.SuitabilityResponse) error
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer for reference data.
type Store interface {
	Reader

	// WithTx runs fn in one transaction. It commits when fn returns nil and
	// rolls back otherwise, including when fn panics. Lock waits are bounded;
	// timeouts surface as model.ErrBusy.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Snapshot runs fn against a single consistent read-only view.
	Snapshot(ctx context.Context, fn func(r Reader) error) error
}

// CommitContext detaches ctx from caller cancellation and bounds it by
// timeout instead. A caller that gives up waiting must not abort a commit
// unit half way; the unit still ends within timeout.
func CommitContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if timeout <= 0 {
		return context.WithCancel(detached)
	}
	return context.WithTimeout(detached, timeout)
}

// busyOnDeadline reports a unit that ran out of its commit deadline while
// waiting, for a lock or a connection, as model.ErrBusy.
func busyOnDeadline(err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, model.ErrBusy) {
		return fmt.Errorf("%w: %w", model.ErrBusy, err)
	}
	return err
}

// pgInterval renders d as a PostgreSQL millisecond setting. Positive
// durations under a millisecond round up, since '0ms' disables the limit.
func pgInterval(d time.Duration) string {
	ms := d.Milliseconds()
	if d > 0 && ms == 0 {
		ms = 1
	}
	return fmt.Sprintf("%dms", ms)
}
