package rental

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// VerificationPolicy bounds how long a pending ticket may chase the oracle
// before being force-failed.
type VerificationPolicy struct {
	CallTimeout   time.Duration
	RetryInterval time.Duration
	MaxRetries    int
	MaxWait       time.Duration
}

// DefaultVerificationPolicy mirrors the stock verification settings.
func DefaultVerificationPolicy() VerificationPolicy {
	return VerificationPolicy{
		CallTimeout:   15 * time.Second,
		RetryInterval: time.Minute,
		MaxRetries:    60,
		MaxWait:       time.Hour,
	}
}

func (policy VerificationPolicy) validate() error {
	if policy.CallTimeout <= 0 || policy.RetryInterval <= 0 {
		return fmt.Errorf("%w: verification timeouts must be positive", ErrInvalidServiceConfig)
	}
	if policy.MaxRetries < 0 || policy.MaxWait <= 0 {
		return fmt.Errorf("%w: verification retry bounds must be positive", ErrInvalidServiceConfig)
	}
	return nil
}

// PaymentDesk runs the ticket lifecycle: Pending → Completed | Failed. The
// completion credit and the status transition share one store transaction,
// and a consumed transaction id can never credit a second ticket.
type PaymentDesk struct {
	store     Store
	ledger    *Ledger
	pricing   *PricingTable
	oracle    PaymentVerifier
	policy    VerificationPolicy
	nowFn     func() int64
	sleepFn   func(ctx context.Context, d time.Duration) error
	logger    OperationLogger
	presenter Presenter
}

// PaymentDeskOption configures a PaymentDesk instance.
type PaymentDeskOption func(*PaymentDesk)

// WithPaymentOperationLogger wires a logger receiving a callback per operation.
func WithPaymentOperationLogger(logger OperationLogger) PaymentDeskOption {
	return func(desk *PaymentDesk) {
		desk.logger = logger
	}
}

// WithPaymentPresenter wires the presentation adapter notified on ticket
// creation.
func WithPaymentPresenter(presenter Presenter) PaymentDeskOption {
	return func(desk *PaymentDesk) {
		desk.presenter = presenter
	}
}

// WithPaymentSleep overrides the retry delay. Tests use it to avoid real
// waits.
func WithPaymentSleep(sleep func(ctx context.Context, d time.Duration) error) PaymentDeskOption {
	return func(desk *PaymentDesk) {
		desk.sleepFn = sleep
	}
}

// NewPaymentDesk wires a PaymentDesk.
func NewPaymentDesk(store Store, ledger *Ledger, pricing *PricingTable, oracle PaymentVerifier, policy VerificationPolicy, now func() int64, options ...PaymentDeskOption) (*PaymentDesk, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidServiceConfig)
	}
	if pricing == nil {
		return nil, fmt.Errorf("%w: pricing table is nil", ErrInvalidServiceConfig)
	}
	if oracle == nil {
		return nil, fmt.Errorf("%w: oracle dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if err := policy.validate(); err != nil {
		return nil, err
	}
	desk := &PaymentDesk{
		store:     store,
		ledger:    ledger,
		pricing:   pricing,
		oracle:    oracle,
		policy:    policy,
		nowFn:     now,
		sleepFn:   sleepContext,
		presenter: NopPresenter{},
	}
	for _, option := range options {
		if option != nil {
			option(desk)
		}
	}
	return desk, nil
}

// CreateTicket opens a new pending ticket for the requester.
func (desk *PaymentDesk) CreateTicket(ctx context.Context, requesterID UserID) (TicketID, error) {
	var ticketID TicketID
	operationError := desk.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if _, err := txStore.GetOrCreateUser(ctx, requesterID); err != nil {
			return err
		}
		id, err := txStore.CreateTicket(ctx, requesterID, desk.nowFn())
		if err != nil {
			return err
		}
		ticketID = id
		return nil
	})
	logOperation(ctx, desk.logger, OperationLog{
		Operation: operationCreateTicket,
		UserID:    requesterID,
		TicketID:  ticketID,
		Error:     operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	if ticket, err := desk.store.GetTicket(ctx, ticketID); err == nil {
		desk.presenter.TicketCreated(ctx, ticket)
	}
	return ticketID, nil
}

// QuotePurchase records the chosen points package and currency on a pending
// ticket. The quoted deposit address is snapshotted into the ticket metadata
// so later address rotation cannot orphan an in-flight payment.
func (desk *PaymentDesk) QuotePurchase(ctx context.Context, ticketID TicketID, packagePoints Points, currency Currency) error {
	operationError := desk.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		ticket, err := txStore.GetTicketForUpdate(ctx, ticketID)
		if err != nil {
			return err
		}
		if ticket.Status != TicketStatusPending {
			return ErrTicketClosed
		}
		pkg, ok := desk.pricing.Package(packagePoints)
		if !ok {
			return ErrUnknownPackage
		}
		address, ok := desk.pricing.Address(currency)
		if !ok {
			return ErrUnknownCurrency
		}
		metadata, err := json.Marshal(map[string]any{
			"address":           address.Address,
			"min_confirmations": address.MinConfirmations,
		})
		if err != nil {
			return err
		}
		return txStore.SetTicketQuote(ctx, ticketID, pkg.Points, pkg.PriceCents, currency, string(metadata))
	})
	logOperation(ctx, desk.logger, OperationLog{
		Operation: operationQuotePurchase,
		TicketID:  ticketID,
		Amount:    packagePoints,
		Error:     operationError,
	})
	return operationError
}

// SubmitTransaction drives a pending ticket to Completed or Failed. The
// sequence short-circuits on the first failure: pending check, global
// duplicate check, oracle verification (bounded, retried per policy), then
// an atomic complete-and-credit. A cancelled call leaves the ticket pending
// and safely retryable.
func (desk *PaymentDesk) SubmitTransaction(ctx context.Context, ticketID TicketID, transactionID string) error {
	ticket, err := desk.precheck(ctx, ticketID, transactionID)
	operationError := err
	if operationError == nil {
		operationError = desk.verifyAndSettle(ctx, ticket, transactionID)
	}
	logOperation(ctx, desk.logger, OperationLog{
		Operation: operationSubmitTx,
		UserID:    ticket.RequesterID,
		TicketID:  ticketID,
		Amount:    ticket.QuotedPoints,
		Error:     operationError,
	})
	return operationError
}

// GetTicket returns a ticket by id.
func (desk *PaymentDesk) GetTicket(ctx context.Context, ticketID TicketID) (Ticket, error) {
	return desk.store.GetTicket(ctx, ticketID)
}

// TicketsByUser returns the requester's tickets, newest first.
func (desk *PaymentDesk) TicketsByUser(ctx context.Context, userID UserID) ([]Ticket, error) {
	return desk.store.TicketsByUser(ctx, userID)
}

// Packages exposes the configured points packages.
func (desk *PaymentDesk) Packages() []PointsPackage {
	return desk.pricing.Packages()
}

func (desk *PaymentDesk) precheck(ctx context.Context, ticketID TicketID, transactionID string) (Ticket, error) {
	var ticket Ticket
	err := desk.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		loaded, err := txStore.GetTicketForUpdate(ctx, ticketID)
		if err != nil {
			return err
		}
		if loaded.Status != TicketStatusPending {
			return ErrTicketClosed
		}
		if !loaded.Quoted() {
			return ErrTicketNotQuoted
		}
		consumed, err := txStore.TransactionConsumed(ctx, transactionID)
		if err != nil {
			return err
		}
		if consumed {
			return ErrDuplicateTransaction
		}
		ticket = loaded
		return nil
	})
	return ticket, err
}

func (desk *PaymentDesk) verifyAndSettle(ctx context.Context, ticket Ticket, transactionID string) error {
	verifyErr := desk.verifyWithRetry(ctx, ticket.Currency, transactionID, float64(ticket.QuotedPriceCents)/100)
	switch {
	case verifyErr == nil:
		return desk.settle(ctx, ticket, transactionID)
	case ctx.Err() != nil:
		// Cancelled mid-verification: the ticket stays pending and the
		// submission can be retried later.
		return WrapError(operationSubmitTx, "oracle", "cancelled", ErrVerificationTransient)
	default:
		if failErr := desk.fail(ctx, ticket.ID); failErr != nil {
			return failErr
		}
		return verifyErr
	}
}

// verifyWithRetry calls the oracle with a per-call timeout, retrying
// transient failures until the policy's retry count or total wait budget is
// exhausted. A definitive rejection stops immediately.
func (desk *PaymentDesk) verifyWithRetry(ctx context.Context, currency Currency, transactionID string, expectedAmount float64) error {
	deadlineUnixUTC := desk.nowFn() + int64(desk.policy.MaxWait/time.Second)
	var lastErr error
	for attempt := 0; attempt <= desk.policy.MaxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, desk.policy.CallTimeout)
		lastErr = desk.oracle.VerifyPayment(callCtx, currency, transactionID, expectedAmount)
		cancel()
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrVerificationRejected) {
			return lastErr
		}
		if desk.nowFn()+int64(desk.policy.RetryInterval/time.Second) >= deadlineUnixUTC {
			break
		}
		if err := desk.sleepFn(ctx, desk.policy.RetryInterval); err != nil {
			return WrapError(operationSubmitTx, "oracle", "cancelled", ErrVerificationTransient)
		}
	}
	return lastErr
}

// settle marks the ticket completed and credits the requester in one
// transaction. The unique transaction-id index is the durable backstop: a
// concurrent settle of the same id surfaces as ErrDuplicateTransaction and
// the credit never lands twice.
func (desk *PaymentDesk) settle(ctx context.Context, ticket Ticket, transactionID string) error {
	return desk.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		current, err := txStore.GetTicketForUpdate(ctx, ticket.ID)
		if err != nil {
			return err
		}
		if current.Status != TicketStatusPending {
			return ErrTicketClosed
		}
		consumed, err := txStore.TransactionConsumed(ctx, transactionID)
		if err != nil {
			return err
		}
		if consumed {
			return ErrDuplicateTransaction
		}
		if err := txStore.MarkTicketCompleted(ctx, ticket.ID, transactionID, desk.nowFn()); err != nil {
			return err
		}
		return adjustBalanceTx(ctx, txStore, current.RequesterID, current.QuotedPoints)
	})
}

func (desk *PaymentDesk) fail(ctx context.Context, ticketID TicketID) error {
	return desk.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		current, err := txStore.GetTicketForUpdate(ctx, ticketID)
		if err != nil {
			return err
		}
		if current.Status != TicketStatusPending {
			return nil
		}
		return txStore.MarkTicketFailed(ctx, ticketID)
	})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
