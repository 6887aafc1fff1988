package rental

import (
	"context"
	"errors"
	"testing"
)

const testNow int64 = 1_700_000_000

func fixedClock() int64 { return testNow }

func TestPurchaseSlotDebitsAndOccupies(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	engine := mustEngine(t, store, 3, fixedClock)
	fund(t, store, 10, 100)
	addSlot(t, store, 1, 45)

	expiresAt, err := engine.PurchaseSlot(context.Background(), 1, 10, "1h")
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if expiresAt != testNow+3600 {
		t.Fatalf("expected expiry %d, got %d", testNow+3600, expiresAt)
	}

	slot := store.mustSlot(t, 1)
	if !slot.Occupied() || slot.Occupancy.UserID != 10 {
		t.Fatalf("expected slot occupied by user 10, got %+v", slot.Occupancy)
	}
	if slot.Occupancy.PingsRemaining != 3 {
		t.Fatalf("expected full ping quota, got %d", slot.Occupancy.PingsRemaining)
	}
	if balance := store.users[10].Balance; balance != 55 {
		t.Fatalf("expected balance 55 after 45 point debit, got %d", balance)
	}
}

func TestPurchaseSlotInsufficientFundsLeavesSlotAvailable(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	engine := mustEngine(t, store, 3, fixedClock)
	fund(t, store, 10, 20)
	addSlot(t, store, 1, 45)

	_, err := engine.PurchaseSlot(context.Background(), 1, 10, "1h")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if store.mustSlot(t, 1).Occupied() {
		t.Fatal("expected slot to remain available")
	}
	if balance := store.users[10].Balance; balance != 20 {
		t.Fatalf("expected balance untouched, got %d", balance)
	}
}

func TestPurchaseSlotRejectsOccupiedSlot(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	engine := mustEngine(t, store, 3, fixedClock)
	fund(t, store, 10, 100)
	fund(t, store, 11, 100)
	addSlot(t, store, 1, 45)

	if _, err := engine.PurchaseSlot(context.Background(), 1, 10, "1h"); err != nil {
		t.Fatalf("first purchase: %v", err)
	}
	_, err := engine.PurchaseSlot(context.Background(), 1, 11, "1h")
	if !errors.Is(err, ErrSlotOccupied) {
		t.Fatalf("expected ErrSlotOccupied, got %v", err)
	}
	if balance := store.users[11].Balance; balance != 100 {
		t.Fatalf("expected second user not debited, got %d", balance)
	}
}

func TestPurchaseSlotEnforcesOneSlotPerUser(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	engine := mustEngine(t, store, 3, fixedClock)
	fund(t, store, 10, 500)
	addSlot(t, store, 1, 45)
	addSlot(t, store, 2, 45)

	if _, err := engine.PurchaseSlot(context.Background(), 1, 10, "1h"); err != nil {
		t.Fatalf("first purchase: %v", err)
	}
	_, err := engine.PurchaseSlot(context.Background(), 2, 10, "1h")
	if !errors.Is(err, ErrUserHoldsSlot) {
		t.Fatalf("expected ErrUserHoldsSlot, got %v", err)
	}
	if store.mustSlot(t, 2).Occupied() {
		t.Fatal("expected second slot to remain available")
	}
}

func TestPurchaseSlotUnknownDuration(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	engine := mustEngine(t, store, 3, fixedClock)
	fund(t, store, 10, 100)
	addSlot(t, store, 1, 45)

	_, err := engine.PurchaseSlot(context.Background(), 1, 10, "2weeks")
	if !errors.Is(err, ErrUnknownDuration) {
		t.Fatalf("expected ErrUnknownDuration, got %v", err)
	}
}

func TestPurchaseSlotUnknownSlot(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	engine := mustEngine(t, store, 3, fixedClock)
	fund(t, store, 10, 100)

	_, err := engine.PurchaseSlot(context.Background(), 99, 10, "1h")
	if !errors.Is(err, ErrSlotNotFound) {
		t.Fatalf("expected ErrSlotNotFound, got %v", err)
	}
}

func TestReleaseSlotRestoresAvailability(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	engine := mustEngine(t, store, 3, fixedClock)
	fund(t, store, 10, 100)
	addSlot(t, store, 1, 45)

	if _, err := engine.PurchaseSlot(context.Background(), 1, 10, "1h"); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if err := engine.ReleaseSlot(context.Background(), 1); err != nil {
		t.Fatalf("release: %v", err)
	}
	if store.mustSlot(t, 1).Occupied() {
		t.Fatal("expected slot available after release")
	}

	// A release never refunds.
	if balance := store.users[10].Balance; balance != 55 {
		t.Fatalf("expected no refund on release, got balance %d", balance)
	}

	// Freed slot can be rented again, by the same user too.
	if _, err := engine.PurchaseSlot(context.Background(), 1, 10, "10min"); err != nil {
		t.Fatalf("re-purchase after release: %v", err)
	}
}

func TestReleaseSlotIsIdempotentOnAvailableSlot(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	engine := mustEngine(t, store, 3, fixedClock)
	addSlot(t, store, 1, 45)

	if err := engine.ReleaseSlot(context.Background(), 1); err != nil {
		t.Fatalf("release of available slot: %v", err)
	}
}

func TestUsePingDecrementsQuota(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	engine := mustEngine(t, store, 2, fixedClock)
	fund(t, store, 10, 100)
	addSlot(t, store, 1, 45)
	if _, err := engine.PurchaseSlot(context.Background(), 1, 10, "1h"); err != nil {
		t.Fatalf("purchase: %v", err)
	}

	remaining, err := engine.UsePing(context.Background(), 1, 10)
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if remaining != 1 {
		t.Fatalf("expected 1 ping remaining, got %d", remaining)
	}
	if remaining, err = engine.UsePing(context.Background(), 1, 10); err != nil || remaining != 0 {
		t.Fatalf("second ping: remaining=%d err=%v", remaining, err)
	}
	if _, err = engine.UsePing(context.Background(), 1, 10); !errors.Is(err, ErrPingQuotaExhausted) {
		t.Fatalf("expected ErrPingQuotaExhausted, got %v", err)
	}
}

func TestUsePingRejectsNonOccupant(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	engine := mustEngine(t, store, 2, fixedClock)
	fund(t, store, 10, 100)
	addSlot(t, store, 1, 45)
	if _, err := engine.PurchaseSlot(context.Background(), 1, 10, "1h"); err != nil {
		t.Fatalf("purchase: %v", err)
	}

	if _, err := engine.UsePing(context.Background(), 1, 11); !errors.Is(err, ErrNotOccupant) {
		t.Fatalf("expected ErrNotOccupant for stranger, got %v", err)
	}
}

func TestUsePingRejectsAvailableSlot(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	engine := mustEngine(t, store, 2, fixedClock)
	addSlot(t, store, 1, 45)

	if _, err := engine.UsePing(context.Background(), 1, 10); !errors.Is(err, ErrNotOccupant) {
		t.Fatalf("expected ErrNotOccupant for available slot, got %v", err)
	}
}

func TestAdjustPingQuotaClampsAtZero(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	engine := mustEngine(t, store, 2, fixedClock)
	fund(t, store, 10, 100)
	addSlot(t, store, 1, 45)
	if _, err := engine.PurchaseSlot(context.Background(), 1, 10, "1h"); err != nil {
		t.Fatalf("purchase: %v", err)
	}

	remaining, err := engine.AdjustPingQuota(context.Background(), 1, 5)
	if err != nil || remaining != 7 {
		t.Fatalf("grant: remaining=%d err=%v", remaining, err)
	}
	remaining, err = engine.AdjustPingQuota(context.Background(), 1, -100)
	if err != nil || remaining != 0 {
		t.Fatalf("expected clamp at zero, remaining=%d err=%v", remaining, err)
	}
}

func TestAdjustPingQuotaRequiresOccupancy(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	engine := mustEngine(t, store, 2, fixedClock)
	addSlot(t, store, 1, 45)

	if _, err := engine.AdjustPingQuota(context.Background(), 1, 2); !errors.Is(err, ErrSlotNotOccupied) {
		t.Fatalf("expected ErrSlotNotOccupied, got %v", err)
	}
}

func TestAddSlotRejectsDuplicate(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	engine := mustEngine(t, store, 2, fixedClock)

	if err := engine.AddSlot(context.Background(), 1, 45, "open"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := engine.AddSlot(context.Background(), 1, 45, "open"); !errors.Is(err, ErrSlotExists) {
		t.Fatalf("expected ErrSlotExists, got %v", err)
	}
}

func TestAddSlotRejectsNonPositiveCost(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	engine := mustEngine(t, store, 2, fixedClock)

	if err := engine.AddSlot(context.Background(), 1, 0, "open"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestRemoveSlotUnknown(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	engine := mustEngine(t, store, 2, fixedClock)

	if err := engine.RemoveSlot(context.Background(), 9); !errors.Is(err, ErrSlotNotFound) {
		t.Fatalf("expected ErrSlotNotFound, got %v", err)
	}
}

func TestSetSlotRateUpdatesCost(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	engine := mustEngine(t, store, 2, fixedClock)
	addSlot(t, store, 1, 45)

	if err := engine.SetSlotRate(context.Background(), 1, 80); err != nil {
		t.Fatalf("set rate: %v", err)
	}
	if cost := store.mustSlot(t, 1).PointCost; cost != 80 {
		t.Fatalf("expected cost 80, got %d", cost)
	}
	if err := engine.SetSlotRate(context.Background(), 1, -5); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

type recordingPresenter struct {
	available []SlotID
	occupied  []SlotID
	pings     []SlotID
	tickets   []TicketID
}

func (p *recordingPresenter) SlotAvailable(_ context.Context, slot Slot) {
	p.available = append(p.available, slot.ID)
}

func (p *recordingPresenter) SlotOccupied(_ context.Context, slot Slot) {
	p.occupied = append(p.occupied, slot.ID)
}

func (p *recordingPresenter) PingSent(_ context.Context, slot Slot, _ UserID) {
	p.pings = append(p.pings, slot.ID)
}

func (p *recordingPresenter) TicketCreated(_ context.Context, ticket Ticket) {
	p.tickets = append(p.tickets, ticket.ID)
}

func TestEngineNotifiesPresenterAfterTransitions(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	observer := &recordingPresenter{}
	engine, err := NewEngine(store, mustLedger(t, store), mustPricing(t), 2, fixedClock,
		WithEnginePresenter(observer))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	fund(t, store, 10, 100)
	addSlot(t, store, 1, 45)

	if _, err := engine.PurchaseSlot(context.Background(), 1, 10, "1h"); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if _, err := engine.UsePing(context.Background(), 1, 10); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := engine.ReleaseSlot(context.Background(), 1); err != nil {
		t.Fatalf("release: %v", err)
	}

	if len(observer.occupied) != 1 || observer.occupied[0] != 1 {
		t.Fatalf("expected one occupied event for slot 1, got %v", observer.occupied)
	}
	if len(observer.pings) != 1 {
		t.Fatalf("expected one ping event, got %v", observer.pings)
	}
	if len(observer.available) != 1 {
		t.Fatalf("expected one available event, got %v", observer.available)
	}
}

func TestEnginePresenterSilentOnFailedPurchase(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	observer := &recordingPresenter{}
	engine, err := NewEngine(store, mustLedger(t, store), mustPricing(t), 2, fixedClock,
		WithEnginePresenter(observer))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	addSlot(t, store, 1, 45)

	if _, err := engine.PurchaseSlot(context.Background(), 1, 10, "1h"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if len(observer.occupied) != 0 {
		t.Fatalf("expected no events on failed purchase, got %v", observer.occupied)
	}
}
