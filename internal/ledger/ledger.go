// Package ledger reserves, commits and refunds caller credits around tool calls.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInsufficientCredits = errors.New("ledger: insufficient credits")
	ErrTransactionNotFound = errors.New("ledger: transaction not found")
	ErrAlreadySettled      = errors.New("ledger: transaction already settled the other way")
	ErrInvalidAmount       = errors.New("ledger: amount must be positive")
)

// InsufficientCreditsError carries the amounts involved in a rejected reservation.
type InsufficientCreditsError struct {
	UserID    string
	Required  float64
	Available float64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %g, available %g", e.Required, e.Available)
}

// Is lets errors.Is match ErrInsufficientCredits.
func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// TxStatus is the settlement state of a reservation.
type TxStatus string

const (
	TxPending    TxStatus = "pending"
	TxCommitted  TxStatus = "committed"
	TxRolledBack TxStatus = "rolled_back"
)

// Transaction is one credit reservation.
type Transaction struct {
	ID        string
	UserID    string
	Amount    float64
	Status    TxStatus
	CreatedAt time.Time
}

// Ledger reserves credits before work and settles them after.
// Reserve is atomic with respect to concurrent reservations for the same
// user. Commit and Rollback are idempotent.
type Ledger interface {
	Reserve(ctx context.Context, userID string, amount float64) (*Transaction, error)
	Commit(ctx context.Context, txID string) error
	Rollback(ctx context.Context, txID string) error
	Balance(ctx context.Context, userID string) (float64, error)
}

// Sweeper rolls back reservations left pending for longer than maxAge.
type Sweeper interface {
	Sweep(ctx context.Context, maxAge time.Duration) (int, error)
}
