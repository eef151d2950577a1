package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresLedger keeps balances in credit_balances and reservations in
// credit_transactions. The balance decrement is a conditional UPDATE so
// concurrent reservations can never overdraw.
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger creates a ledger backed by db.
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (l *PostgresLedger) Balance(ctx context.Context, userID string) (float64, error) {
	var bal float64
	err := l.db.QueryRowContext(ctx,
		`SELECT balance FROM credit_balances WHERE user_id = $1`, userID,
	).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("Balance: %w", err)
	}
	return bal, nil
}

func (l *PostgresLedger) Reserve(ctx context.Context, userID string, amount float64) (*Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("Reserve: %w", ErrInvalidAmount)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("Reserve: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var remaining float64
	err = tx.QueryRowContext(ctx, `
		UPDATE credit_balances
		SET balance = balance - $2, updated_at = now()
		WHERE user_id = $1 AND balance >= $2
		RETURNING balance`,
		userID, amount,
	).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		available, balErr := l.Balance(ctx, userID)
		if balErr != nil {
			return nil, fmt.Errorf("Reserve: %w", balErr)
		}
		return nil, &InsufficientCreditsError{UserID: userID, Required: amount, Available: available}
	}
	if err != nil {
		return nil, fmt.Errorf("Reserve: %w", err)
	}

	t := &Transaction{
		ID:     uuid.NewString(),
		UserID: userID,
		Amount: amount,
		Status: TxPending,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO credit_transactions (id, user_id, amount, status)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		t.ID, t.UserID, t.Amount, string(t.Status),
	).Scan(&t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("Reserve: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("Reserve: %w", err)
	}
	return t, nil
}

func (l *PostgresLedger) Commit(ctx context.Context, txID string) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE credit_transactions
		SET status = 'committed', updated_at = now()
		WHERE id = $1 AND status = 'pending'`,
		txID,
	)
	if err != nil {
		return fmt.Errorf("Commit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	return l.settledAs(ctx, "Commit", txID, TxCommitted)
}

func (l *PostgresLedger) Rollback(ctx context.Context, txID string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("Rollback: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var userID string
	var amount float64
	err = tx.QueryRowContext(ctx, `
		UPDATE credit_transactions
		SET status = 'rolled_back', updated_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING user_id, amount`,
		txID,
	).Scan(&userID, &amount)
	if errors.Is(err, sql.ErrNoRows) {
		return l.settledAs(ctx, "Rollback", txID, TxRolledBack)
	}
	if err != nil {
		return fmt.Errorf("Rollback: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE credit_balances
		SET balance = balance + $2, updated_at = now()
		WHERE user_id = $1`,
		userID, amount,
	); err != nil {
		return fmt.Errorf("Rollback: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("Rollback: %w", err)
	}
	return nil
}

// settledAs resolves a no-op settlement: nil if the transaction is already
// in the wanted state, an error otherwise.
func (l *PostgresLedger) settledAs(ctx context.Context, op, txID string, want TxStatus) error {
	var status string
	err := l.db.QueryRowContext(ctx,
		`SELECT status FROM credit_transactions WHERE id = $1`, txID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %s: %w", op, txID, ErrTransactionNotFound)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if TxStatus(status) == want {
		return nil
	}
	return fmt.Errorf("%s: %s: %w", op, txID, ErrAlreadySettled)
}

func (l *PostgresLedger) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id FROM credit_transactions
		WHERE status = 'pending' AND created_at < $1`,
		time.Now().Add(-maxAge),
	)
	if err != nil {
		return 0, fmt.Errorf("Sweep: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("Sweep: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("Sweep: %w", err)
	}

	n := 0
	for _, id := range ids {
		// A concurrent commit between the SELECT and here is not an error.
		if err := l.Rollback(ctx, id); err != nil && !errors.Is(err, ErrAlreadySettled) {
			return n, err
		}
		n++
	}
	return n, nil
}
