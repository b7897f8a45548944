// Package ledger owns the two mutable books of the system: account balances
// with their append-only movement trail, and weighted-average-cost
// positions. Every function here runs inside a caller's transaction; nothing
// else writes accounts or positions.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wealthdesk/ledger/internal/model"
	"github.com/wealthdesk/ledger/internal/store"
)

// LockAccount locks the client's account for the rest of the transaction.
// A client without an account yields model.ErrNoAccount.
func LockAccount(ctx context.Context, tx store.Tx, clientID int64) (*model.Account, error) {
	acct, err := tx.LockAccountByClient(ctx, clientID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("client %d: %w", clientID, model.ErrNoAccount)
	}
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// CheckFunds fails with *model.InsufficientFundsError when the account
// cannot cover amount.
func CheckFunds(acct *model.Account, amount decimal.Decimal) error {
	if acct.Balance.LessThan(amount) {
		return &model.InsufficientFundsError{Required: amount, Available: acct.Balance}
	}
	return nil
}

// Debit takes amount out of a locked account and records the outgoing
// movement. acct.Balance is updated in place.
func Debit(ctx context.Context, tx store.Tx, acct *model.Account, amount decimal.Decimal, kind model.MovementKind, at time.Time) (*model.Movement, error) {
	if !amount.IsPositive() {
		return nil, &model.InvalidInputError{Field: "amount", Reason: "must be positive"}
	}
	if err := CheckFunds(acct, amount); err != nil {
		return nil, err
	}
	balance := acct.Balance.Sub(amount)
	if err := tx.UpdateAccountBalance(ctx, acct.ID, balance); err != nil {
		return nil, err
	}
	acct.Balance = balance

	id := acct.ID
	m := &model.Movement{
		SourceAccountID: &id,
		Kind:            kind,
		Amount:          amount,
		Timestamp:       at,
		Status:          model.MovementProcessed,
	}
	if err := tx.InsertMovement(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Credit adds amount to a locked account and records the incoming movement.
func Credit(ctx context.Context, tx store.Tx, acct *model.Account, amount decimal.Decimal, kind model.MovementKind, at time.Time) (*model.Movement, error) {
	if !amount.IsPositive() {
		return nil, &model.InvalidInputError{Field: "amount", Reason: "must be positive"}
	}
	balance := acct.Balance.Add(amount)
	if err := tx.UpdateAccountBalance(ctx, acct.ID, balance); err != nil {
		return nil, err
	}
	acct.Balance = balance

	id := acct.ID
	m := &model.Movement{
		DestinationAccountID: &id,
		Kind:                 kind,
		Amount:               amount,
		Timestamp:            at,
		Status:               model.MovementProcessed,
	}
	if err := tx.InsertMovement(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}
