package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wealthdesk/ledger/internal/authz"
	"github.com/wealthdesk/ledger/internal/metrics"
	"github.com/wealthdesk/ledger/internal/model"
	"github.com/wealthdesk/ledger/internal/store"
)

// Service exposes cash operations that do not involve a product: deposits,
// withdrawals and account statements.
type Service struct {
	store         store.Store
	commitTimeout time.Duration
	now           func() time.Time
}

// NewService creates a cash service. commitTimeout bounds each commit unit.
func NewService(s store.Store, commitTimeout time.Duration) *Service {
	return &Service{store: s, commitTimeout: commitTimeout, now: time.Now}
}

// Statement is an account with its movements, newest first.
type Statement struct {
	Account   model.Account    `json:"account"`
	Movements []model.Movement `json:"movements"`
}

// Deposit credits the client's account.
func (s *Service) Deposit(ctx context.Context, actor model.Actor, clientID int64, amount decimal.Decimal) (*model.Account, *model.Movement, error) {
	return s.move(ctx, actor, clientID, amount, model.MovementDeposit)
}

// Withdraw debits the client's account, refusing to overdraw it.
func (s *Service) Withdraw(ctx context.Context, actor model.Actor, clientID int64, amount decimal.Decimal) (*model.Account, *model.Movement, error) {
	return s.move(ctx, actor, clientID, amount, model.MovementWithdrawal)
}

func (s *Service) move(ctx context.Context, actor model.Actor, clientID int64, amount decimal.Decimal, kind model.MovementKind) (*model.Account, *model.Movement, error) {
	if !amount.IsPositive() {
		return nil, nil, &model.InvalidInputError{Field: "amount", Reason: "must be positive"}
	}
	if _, err := authz.Client(ctx, s.store, actor, clientID); err != nil {
		return nil, nil, err
	}

	cctx, cancel := store.CommitContext(ctx, s.commitTimeout)
	defer cancel()

	var acct *model.Account
	var mv *model.Movement
	err := s.store.WithTx(cctx, func(tx store.Tx) error {
		var err error
		acct, err = LockAccount(cctx, tx, clientID)
		if err != nil {
			return err
		}
		if kind == model.MovementDeposit {
			mv, err = Credit(cctx, tx, acct, amount, kind, s.now().UTC())
		} else {
			mv, err = Debit(cctx, tx, acct, amount, kind, s.now().UTC())
		}
		return err
	})
	if err != nil {
		logRejection(kind, clientID, err)
		return nil, nil, err
	}

	metrics.CashMovements.WithLabelValues(string(kind)).Inc()
	slog.Info("cash movement committed",
		"client_id", clientID,
		"kind", kind,
		"amount", amount.String(),
		"balance", acct.Balance.String(),
	)
	return acct, mv, nil
}

// Statement returns the client's account and its movements.
func (s *Service) Statement(ctx context.Context, actor model.Actor, clientID int64) (*Statement, error) {
	if _, err := authz.Client(ctx, s.store, actor, clientID); err != nil {
		return nil, err
	}
	var st Statement
	err := s.store.Snapshot(ctx, func(r store.Reader) error {
		acct, err := r.GetAccountByClient(ctx, clientID)
		if errors.Is(err, model.ErrNotFound) {
			return fmt.Errorf("client %d: %w", clientID, model.ErrNoAccount)
		}
		if err != nil {
			return err
		}
		moves, err := r.ListMovements(ctx, acct.ID)
		if err != nil {
			return err
		}
		if moves == nil {
			moves = []model.Movement{}
		}
		st = Statement{Account: *acct, Movements: moves}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func logRejection(kind model.MovementKind, clientID int64, err error) {
	switch {
	case errors.Is(err, model.ErrBusy), errors.Is(err, model.ErrIntegrityViolation):
		slog.Warn("cash movement not committed", "kind", kind, "client_id", clientID, "error", err)
	case errors.Is(err, model.ErrInsufficientFunds), errors.Is(err, model.ErrNoAccount):
		slog.Info("cash movement rejected", "kind", kind, "client_id", clientID, "error", err)
	default:
		slog.Error("cash movement failed", "kind", kind, "client_id", clientID, "error", err)
	}
}
