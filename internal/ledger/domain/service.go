package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// Service owns all balance mutations. Reserve performs the affordability
// check and the debit as a single conditional update; callers never read the
// balance first and write second.
type Service interface {
	// Reserve debits amount from the user's balance and appends a reserve
	// transaction, returning its id as the reservation id. A zero amount
	// succeeds without touching the ledger and returns a zero id.
	Reserve(ctx context.Context, userID snowflake.ID, amount int64) (snowflake.ID, error)

	// Refund reverses a reservation exactly once. A second refund of the
	// same reservation fails with ErrAlreadyRefunded instead of double-crediting.
	Refund(ctx context.Context, reservationID snowflake.ID) error

	// Grant credits an account, creating it if missing.
	Grant(ctx context.Context, userID snowflake.ID, amount int64) (snowflake.ID, error)

	// Balance returns the current spendable balance.
	Balance(ctx context.Context, userID snowflake.ID) (int64, error)
}

var (
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrUnknownAccount     = errors.New("unknown_account")
	ErrUnknownReservation = errors.New("unknown_reservation")
	ErrAlreadyRefunded    = errors.New("already_refunded")
)

// InsufficientCreditsError reports a failed affordability check.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
	Shortfall int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient_credits: required %d, available %d", e.Required, e.Available)
}

// IsInsufficientCredits reports whether err is an affordability rejection.
func IsInsufficientCredits(err error) bool {
	var target *InsufficientCreditsError
	return errors.As(err, &target)
}
