package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLedger is an in-process Ledger for development and tests.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]float64
	txs      map[string]*Transaction
	now      func() time.Time
}

// NewMemoryLedger creates a ledger seeded with balances.
func NewMemoryLedger(balances map[string]float64) *MemoryLedger {
	b := make(map[string]float64, len(balances))
	for k, v := range balances {
		b[k] = v
	}
	return &MemoryLedger{balances: b, txs: make(map[string]*Transaction), now: time.Now}
}

// SetBalance overwrites a user's balance.
func (m *MemoryLedger) SetBalance(userID string, balance float64) {
	m.mu.Lock()
	m.balances[userID] = balance
	m.mu.Unlock()
}

func (m *MemoryLedger) Balance(ctx context.Context, userID string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID], nil
}

func (m *MemoryLedger) Reserve(ctx context.Context, userID string, amount float64) (*Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("Reserve: %w", ErrInvalidAmount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balances[userID]
	if bal < amount {
		return nil, &InsufficientCreditsError{UserID: userID, Required: amount, Available: bal}
	}
	m.balances[userID] = bal - amount

	tx := &Transaction{
		ID:        uuid.NewString(),
		UserID:    userID,
		Amount:    amount,
		Status:    TxPending,
		CreatedAt: m.now(),
	}
	m.txs[tx.ID] = tx
	out := *tx
	return &out, nil
}

func (m *MemoryLedger) Commit(ctx context.Context, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[txID]
	if !ok {
		return fmt.Errorf("Commit: %s: %w", txID, ErrTransactionNotFound)
	}
	switch tx.Status {
	case TxCommitted:
		return nil
	case TxRolledBack:
		return fmt.Errorf("Commit: %s: %w", txID, ErrAlreadySettled)
	}
	tx.Status = TxCommitted
	return nil
}

func (m *MemoryLedger) Rollback(ctx context.Context, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rollbackLocked(txID)
}

func (m *MemoryLedger) rollbackLocked(txID string) error {
	tx, ok := m.txs[txID]
	if !ok {
		return fmt.Errorf("Rollback: %s: %w", txID, ErrTransactionNotFound)
	}
	switch tx.Status {
	case TxRolledBack:
		return nil
	case TxCommitted:
		return fmt.Errorf("Rollback: %s: %w", txID, ErrAlreadySettled)
	}
	tx.Status = TxRolledBack
	m.balances[tx.UserID] += tx.Amount
	return nil
}

func (m *MemoryLedger) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-maxAge)
	n := 0
	for id, tx := range m.txs {
		if tx.Status == TxPending && tx.CreatedAt.Before(cutoff) {
			if err := m.rollbackLocked(id); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}
