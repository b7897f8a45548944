package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidInput is returned for malformed or non-positive fields. It is
	// raised before any lookup.
	ErrInvalidInput = errors.New("ledger: invalid input")

	// ErrUnauthorized is returned when the actor lacks the required
	// relationship. It says nothing about whether the resource exists.
	ErrUnauthorized = errors.New("ledger: unauthorized")

	// ErrNotFound is returned when a referenced entity is absent.
	ErrNotFound = errors.New("ledger: not found")

	// ErrPriceStale is returned when a limit price is too far from the
	// oracle price.
	ErrPriceStale = errors.New("ledger: limit price deviates from latest price")

	// ErrNoRiskProfile is returned when the client never completed a
	// suitability questionnaire.
	ErrNoRiskProfile = errors.New("ledger: client has no risk profile")

	// ErrSuitabilityMismatch is returned when the client's current profile
	// does not permit the product's risk level.
	ErrSuitabilityMismatch = errors.New("ledger: product not suitable for client profile")

	// ErrNoAccount is returned when the client has no cash account.
	ErrNoAccount = errors.New("ledger: client has no account")

	// ErrInsufficientFunds is returned when a debit exceeds the balance.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrInsufficientHoldings is returned when a sell exceeds the position.
	ErrInsufficientHoldings = errors.New("ledger: insufficient holdings")

	// ErrBusy is returned on lock contention or lock-wait timeout. Nothing
	// was committed; the operation may be retried.
	ErrBusy = errors.New("ledger: resource busy, retry")

	// ErrIntegrityViolation is returned when a constraint fails at commit
	// time because of a concurrent writer.
	ErrIntegrityViolation = errors.New("ledger: integrity violation")

	// ErrIncompleteSubmission is returned for questionnaire submissions that
	// skip, repeat or misreference questions.
	ErrIncompleteSubmission = errors.New("suitability: incomplete or invalid submission")

	// ErrVersionMismatch is returned when answers do not all belong to the
	// active questionnaire version.
	ErrVersionMismatch = errors.New("suitability: questionnaire version mismatch")
)

// InvalidInputError names the offending field.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("%v: %s %s", ErrInvalidInput, e.Field, e.Reason)
}

func (e *InvalidInputError) Unwrap() error { return ErrInvalidInput }

// NotFoundError identifies the missing entity.
type NotFoundError struct {
	Entity string
	ID     int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%v: %s %d", ErrNotFound, e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NotFound builds a NotFoundError.
func NotFound(entity string, id int64) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// PriceStaleError carries the oracle price so the caller can resubmit.
type PriceStaleError struct {
	OraclePrice decimal.Decimal
	LimitPrice  decimal.Decimal
}

func (e *PriceStaleError) Error() string {
	return fmt.Sprintf("%v: limit %s, latest %s", ErrPriceStale, e.LimitPrice, e.OraclePrice)
}

func (e *PriceStaleError) Unwrap() error { return ErrPriceStale }

// SuitabilityMismatchError carries the profile and the risk level it failed.
type SuitabilityMismatchError struct {
	Profile   Profile
	RiskLevel int
}

func (e *SuitabilityMismatchError) Error() string {
	return fmt.Sprintf("%v: %s profile, risk level %d", ErrSuitabilityMismatch, e.Profile, e.RiskLevel)
}

func (e *SuitabilityMismatchError) Unwrap() error { return ErrSuitabilityMismatch }

// InsufficientFundsError reports the required amount against the balance.
type InsufficientFundsError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
}

// Shortfall is the missing amount.
func (e *InsufficientFundsError) Shortfall() decimal.Decimal {
	return e.Required.Sub(e.Available)
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("%v: required %s, available %s", ErrInsufficientFunds, e.Required, e.Available)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// InsufficientHoldingsError reports the available quantity.
type InsufficientHoldingsError struct {
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientHoldingsError) Error() string {
	return fmt.Sprintf("%v: requested %s, available %s", ErrInsufficientHoldings, e.Requested, e.Available)
}

func (e *InsufficientHoldingsError) Unwrap() error { return ErrInsufficientHoldings }

var codes = []struct {
	err  error
	code string
}{
	{ErrInvalidInput, "invalid_input"},
	{ErrUnauthorized, "unauthorized"},
	{ErrNotFound, "not_found"},
	{ErrPriceStale, "price_stale"},
	{ErrNoRiskProfile, "no_risk_profile"},
	{ErrSuitabilityMismatch, "suitability_mismatch"},
	{ErrNoAccount, "no_account"},
	{ErrInsufficientFunds, "insufficient_funds"},
	{ErrInsufficientHoldings, "insufficient_holdings"},
	{ErrBusy, "busy"},
	{ErrIntegrityViolation, "integrity_violation"},
	{ErrIncompleteSubmission, "incomplete_submission"},
	{ErrVersionMismatch, "version_mismatch"},
}

// Code returns a stable snake_case identifier for the kind of err, or
// "internal" when err is not one of the ledger's errors.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}
