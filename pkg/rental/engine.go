package rental

import (
	"context"
	"fmt"
)

// Engine governs the slot lifecycle: Available ⇄ Occupied. It enforces the
// one-slot-per-user rule and combines the ledger debit with the occupancy
// transition in a single store transaction.
type Engine struct {
	store     Store
	ledger    *Ledger
	pricing   *PricingTable
	pingQuota int
	nowFn     func() int64
	logger    OperationLogger
	presenter Presenter
}

// EngineOption configures an Engine instance.
type EngineOption func(*Engine)

// WithEngineOperationLogger wires a logger receiving a callback per operation.
func WithEngineOperationLogger(logger OperationLogger) EngineOption {
	return func(engine *Engine) {
		engine.logger = logger
	}
}

// WithEnginePresenter wires the presentation adapter notified after
// successful transitions.
func WithEnginePresenter(presenter Presenter) EngineOption {
	return func(engine *Engine) {
		engine.presenter = presenter
	}
}

// NewEngine wires an Engine.
func NewEngine(store Store, ledger *Ledger, pricing *PricingTable, defaultPingQuota int, now func() int64, options ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidServiceConfig)
	}
	if pricing == nil {
		return nil, fmt.Errorf("%w: pricing table is nil", ErrInvalidServiceConfig)
	}
	if defaultPingQuota < 0 {
		return nil, fmt.Errorf("%w: negative ping quota", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	engine := &Engine{
		store:     store,
		ledger:    ledger,
		pricing:   pricing,
		pingQuota: defaultPingQuota,
		nowFn:     now,
		presenter: NopPresenter{},
	}
	for _, option := range options {
		if option != nil {
			option(engine)
		}
	}
	return engine, nil
}

// PurchaseSlot rents an available slot to the user for the given duration
// tier. The precondition checks, the ledger debit, and the occupancy write
// all run inside one transaction so no partial state is ever observable.
// Returns the absolute expiry instant.
func (engine *Engine) PurchaseSlot(ctx context.Context, slotID SlotID, userID UserID, durationKey DurationKey) (int64, error) {
	var (
		expiresUnixUTC int64
		cost           Points
		occupied       Slot
	)
	operationError := engine.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		slot, err := txStore.GetSlotForUpdate(ctx, slotID)
		if err != nil {
			return err
		}
		if slot.Occupied() {
			return ErrSlotOccupied
		}
		// The user row lock serializes same-user purchases across slots:
		// the occupancy scan below then sees the committed state of any
		// racing transaction. The unique occupant index is the durable
		// backstop.
		if _, err := txStore.GetUserForUpdate(ctx, userID); err != nil {
			return err
		}
		held, err := txStore.SlotByOccupant(ctx, userID)
		if err != nil {
			return err
		}
		if held != nil {
			return ErrUserHoldsSlot
		}
		tier, ok := engine.pricing.Tier(durationKey)
		if !ok {
			return ErrUnknownDuration
		}
		cost = tier.PointCost
		if err := adjustBalanceTx(ctx, txStore, userID, -cost); err != nil {
			return err
		}
		expiresUnixUTC = engine.nowFn() + tier.Seconds
		occupancy := &Occupancy{
			UserID:         userID,
			ExpiresUnixUTC: expiresUnixUTC,
			PingsRemaining: engine.pingQuota,
		}
		if err := txStore.SetSlotOccupancy(ctx, slotID, occupancy); err != nil {
			return err
		}
		occupied = slot
		occupied.Occupancy = occupancy
		return nil
	})
	logOperation(ctx, engine.logger, OperationLog{
		Operation: operationPurchaseSlot,
		UserID:    userID,
		SlotID:    slotID,
		Amount:    cost,
		Error:     operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	engine.presenter.SlotOccupied(ctx, occupied)
	return expiresUnixUTC, nil
}

// ReleaseSlot unconditionally clears the occupancy, restoring Available and
// the configured default label. Both natural expiry and administrative
// resets funnel through here.
func (engine *Engine) ReleaseSlot(ctx context.Context, slotID SlotID) error {
	var released Slot
	operationError := engine.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		slot, err := txStore.GetSlotForUpdate(ctx, slotID)
		if err != nil {
			return err
		}
		if err := txStore.SetSlotOccupancy(ctx, slotID, nil); err != nil {
			return err
		}
		released = slot
		released.Occupancy = nil
		return nil
	})
	logOperation(ctx, engine.logger, OperationLog{
		Operation: operationReleaseSlot,
		SlotID:    slotID,
		Error:     operationError,
	})
	if operationError != nil {
		return operationError
	}
	engine.presenter.SlotAvailable(ctx, released)
	return nil
}

// UsePing decrements the occupant's ping quota and returns the new count.
// Only the current occupant may ping.
func (engine *Engine) UsePing(ctx context.Context, slotID SlotID, callerID UserID) (int, error) {
	var (
		remaining int
		pinged    Slot
	)
	operationError := engine.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		slot, err := txStore.GetSlotForUpdate(ctx, slotID)
		if err != nil {
			return err
		}
		if !slot.Occupied() || slot.Occupancy.UserID != callerID {
			return ErrNotOccupant
		}
		if slot.Occupancy.PingsRemaining == 0 {
			return ErrPingQuotaExhausted
		}
		remaining = slot.Occupancy.PingsRemaining - 1
		if err := txStore.SetSlotPings(ctx, slotID, remaining); err != nil {
			return err
		}
		pinged = slot
		occupancy := *slot.Occupancy
		occupancy.PingsRemaining = remaining
		pinged.Occupancy = &occupancy
		return nil
	})
	logOperation(ctx, engine.logger, OperationLog{
		Operation: operationUsePing,
		UserID:    callerID,
		SlotID:    slotID,
		Error:     operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	engine.presenter.PingSent(ctx, pinged, callerID)
	return remaining, nil
}

// AdjustPingQuota applies an administrative delta to the occupant's ping
// quota, clamped at zero. Returns the new count.
func (engine *Engine) AdjustPingQuota(ctx context.Context, slotID SlotID, delta int) (int, error) {
	var remaining int
	operationError := engine.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		slot, err := txStore.GetSlotForUpdate(ctx, slotID)
		if err != nil {
			return err
		}
		if !slot.Occupied() {
			return ErrSlotNotOccupied
		}
		remaining = slot.Occupancy.PingsRemaining + delta
		if remaining < 0 {
			remaining = 0
		}
		return txStore.SetSlotPings(ctx, slotID, remaining)
	})
	logOperation(ctx, engine.logger, OperationLog{
		Operation: operationAdjustPingQuota,
		SlotID:    slotID,
		Error:     operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return remaining, nil
}

// AddSlot registers a new rentable slot.
func (engine *Engine) AddSlot(ctx context.Context, slotID SlotID, pointCost Points, defaultLabel string) error {
	var created Slot
	operationError := engine.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if pointCost <= 0 {
			return ErrInvalidAmount
		}
		created = Slot{ID: slotID, PointCost: pointCost, DefaultLabel: defaultLabel}
		return txStore.CreateSlot(ctx, created)
	})
	logOperation(ctx, engine.logger, OperationLog{
		Operation: operationAddSlot,
		SlotID:    slotID,
		Amount:    pointCost,
		Error:     operationError,
	})
	if operationError != nil {
		return operationError
	}
	engine.presenter.SlotAvailable(ctx, created)
	return nil
}

// RemoveSlot deletes a slot from the configuration.
func (engine *Engine) RemoveSlot(ctx context.Context, slotID SlotID) error {
	operationError := engine.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		return txStore.DeleteSlot(ctx, slotID)
	})
	logOperation(ctx, engine.logger, OperationLog{
		Operation: operationRemoveSlot,
		SlotID:    slotID,
		Error:     operationError,
	})
	return operationError
}

// SetSlotRate updates the slot's configured cost basis.
func (engine *Engine) SetSlotRate(ctx context.Context, slotID SlotID, pointCost Points) error {
	operationError := engine.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if pointCost <= 0 {
			return ErrInvalidAmount
		}
		if _, err := txStore.GetSlotForUpdate(ctx, slotID); err != nil {
			return err
		}
		return txStore.SetSlotRate(ctx, slotID, pointCost)
	})
	logOperation(ctx, engine.logger, OperationLog{
		Operation: operationSetSlotRate,
		SlotID:    slotID,
		Amount:    pointCost,
		Error:     operationError,
	})
	return operationError
}

// GetSlot returns a slot by id.
func (engine *Engine) GetSlot(ctx context.Context, slotID SlotID) (Slot, error) {
	return engine.store.GetSlot(ctx, slotID)
}

// ListSlots returns every configured slot.
func (engine *Engine) ListSlots(ctx context.Context) ([]Slot, error) {
	return engine.store.ListSlots(ctx)
}

// SlotByOccupant returns the slot the user currently holds, or nil.
func (engine *Engine) SlotByOccupant(ctx context.Context, userID UserID) (*Slot, error) {
	return engine.store.SlotByOccupant(ctx, userID)
}

// Tiers exposes the configured duration tiers.
func (engine *Engine) Tiers() []DurationTier {
	return engine.pricing.Tiers()
}
