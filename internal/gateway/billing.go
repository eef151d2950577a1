package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/triage-ai/toolmesh/internal/auth"
	"github.com/triage-ai/toolmesh/internal/ledger"
	"github.com/triage-ai/toolmesh/internal/orchestrator"
	"github.com/triage-ai/toolmesh/internal/registry"
	"go.uber.org/zap"
)

// settleTimeout bounds Commit/Rollback after the call's own context is done.
const settleTimeout = 5 * time.Second

// reservation is a pending debit for one tool invocation. A nil
// reservation (unmetered caller or free tool) settles as a no-op.
type reservation struct {
	ledger ledger.Ledger
	tx     *ledger.Transaction
	logger *zap.Logger
}

// reserve debits price credits from a metered caller. Reserve failure is
// terminal for the call and never retried.
func reserve(ctx context.Context, l ledger.Ledger, caller *auth.Caller, toolID string, price registry.Price, logger *zap.Logger) (*reservation, error) {
	if l == nil || !caller.Metered || price.Credits <= 0 {
		return nil, nil
	}
	tx, err := l.Reserve(ctx, caller.UserID, price.Credits)
	if err != nil {
		var ice *ledger.InsufficientCreditsError
		if errors.As(err, &ice) {
			logger.Info("credit reservation rejected",
				zap.String("user_id", caller.UserID),
				zap.String("tool_id", toolID),
				zap.Float64("required", ice.Required),
				zap.Float64("available", ice.Available),
			)
		}
		return nil, fmt.Errorf("reserve: %w", err)
	}
	return &reservation{ledger: l, tx: tx, logger: logger}, nil
}

// settle commits on success and refunds otherwise.
func (r *reservation) settle(ctx context.Context, success bool) {
	if r == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	op, fn := "commit", r.ledger.Commit
	if !success {
		op, fn = "rollback", r.ledger.Rollback
	}
	if err := fn(ctx, r.tx.ID); err != nil {
		// The ledger sweep rolls back anything left pending.
		r.logger.Error("credit settlement failed",
			zap.String("op", op),
			zap.String("tx_id", r.tx.ID),
			zap.String("user_id", r.tx.UserID),
			zap.Error(err),
		)
	}
}

// stepBilling reserves credits per orchestration step. A rejected
// reservation fails only that step.
type stepBilling struct {
	ledger ledger.Ledger
	caller *auth.Caller
	logger *zap.Logger
}

func (b *stepBilling) BeforeStep(ctx context.Context, step orchestrator.Step, def *registry.ToolDefinition, price registry.Price) (orchestrator.StepRelease, error) {
	res, err := reserve(ctx, b.ledger, b.caller, def.ID, price, b.logger)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	return res.settle, nil
}

// creditsError maps a reservation failure to its JSON-RPC error.
func creditsError(err error) *RPCError {
	var ice *ledger.InsufficientCreditsError
	if errors.As(err, &ice) {
		return newError(CodeInsufficientCredits, "insufficient credits", insufficientCreditsData{
			Required:  ice.Required,
			Available: ice.Available,
		})
	}
	return newError(CodeInternalError, "credit reservation failed", nil)
}
