package rental

import (
	"context"
	"fmt"
)

// Ledger applies atomic credit and debit operations over the user store and
// manages admin flags. It performs no external calls, which keeps it
// testable in isolation.
type Ledger struct {
	store  Store
	logger OperationLogger
}

// LedgerOption configures a Ledger instance.
type LedgerOption func(*Ledger)

// WithLedgerOperationLogger wires a logger receiving a callback per operation.
func WithLedgerOperationLogger(logger OperationLogger) LedgerOption {
	return func(ledger *Ledger) {
		ledger.logger = logger
	}
}

// NewLedger wires a Ledger.
func NewLedger(store Store, options ...LedgerOption) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	ledger := &Ledger{store: store}
	for _, option := range options {
		if option != nil {
			option(ledger)
		}
	}
	return ledger, nil
}

// GetBalance returns the user's balance, creating the account at zero on
// first reference.
func (ledger *Ledger) GetBalance(ctx context.Context, userID UserID) (Points, error) {
	user, err := ledger.store.GetOrCreateUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return user.Balance, nil
}

// AdjustBalance applies balance += delta as a single read-modify-write. A
// debit that would push the balance below zero fails with
// ErrInsufficientFunds and leaves the store unchanged.
func (ledger *Ledger) AdjustBalance(ctx context.Context, userID UserID, delta Points) error {
	operationError := ledger.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		return adjustBalanceTx(ctx, txStore, userID, delta)
	})
	logOperation(ctx, ledger.logger, OperationLog{
		Operation: operationAdjustBalance,
		UserID:    userID,
		Amount:    delta,
		Error:     operationError,
	})
	return operationError
}

// SetAdmin sets or clears the admin flag, creating the account if absent.
// The operation is idempotent.
func (ledger *Ledger) SetAdmin(ctx context.Context, userID UserID, admin bool) error {
	operationError := ledger.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if _, err := txStore.GetOrCreateUser(ctx, userID); err != nil {
			return err
		}
		return txStore.SetUserAdmin(ctx, userID, admin)
	})
	logOperation(ctx, ledger.logger, OperationLog{
		Operation: operationSetAdmin,
		UserID:    userID,
		Error:     operationError,
	})
	return operationError
}

// IsAdmin reports whether the user carries the admin flag.
func (ledger *Ledger) IsAdmin(ctx context.Context, userID UserID) (bool, error) {
	user, err := ledger.store.GetOrCreateUser(ctx, userID)
	if err != nil {
		return false, err
	}
	return user.Admin, nil
}

// ListAdmins returns every user carrying the admin flag.
func (ledger *Ledger) ListAdmins(ctx context.Context) ([]UserID, error) {
	return ledger.store.ListAdmins(ctx)
}

// adjustBalanceTx applies a balance delta inside an already-open transaction.
// The allocation engine and the payment desk reuse it so their debits and
// credits share the transaction with the rest of their state change.
func adjustBalanceTx(ctx context.Context, txStore Store, userID UserID, delta Points) error {
	user, err := txStore.GetUserForUpdate(ctx, userID)
	if err != nil {
		return err
	}
	next := user.Balance + delta
	if next < 0 {
		return ErrInsufficientFunds
	}
	return txStore.SetUserBalance(ctx, userID, next)
}
