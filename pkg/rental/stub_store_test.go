package rental

import (
	"context"
	"sort"
	"testing"
)

// stubStore is an in-memory Store for exercising the services without a
// database.
type stubStore struct {
	users        map[UserID]User
	slots        map[SlotID]Slot
	tickets      map[TicketID]Ticket
	consumed     map[string]struct{}
	nextTicketID TicketID
}

func newStubStore() *stubStore {
	return &stubStore{
		users:    make(map[UserID]User),
		slots:    make(map[SlotID]Slot),
		tickets:  make(map[TicketID]Ticket),
		consumed: make(map[string]struct{}),
	}
}

func copySlot(slot Slot) Slot {
	if slot.Occupancy != nil {
		occupancy := *slot.Occupancy
		slot.Occupancy = &occupancy
	}
	return slot
}

func (s *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, s)
}

func (s *stubStore) GetOrCreateUser(ctx context.Context, userID UserID) (User, error) {
	user, ok := s.users[userID]
	if !ok {
		user = User{ID: userID}
		s.users[userID] = user
	}
	return user, nil
}

func (s *stubStore) GetUserForUpdate(ctx context.Context, userID UserID) (User, error) {
	return s.GetOrCreateUser(ctx, userID)
}

func (s *stubStore) SetUserBalance(ctx context.Context, userID UserID, balance Points) error {
	user := s.users[userID]
	user.ID = userID
	user.Balance = balance
	s.users[userID] = user
	return nil
}

func (s *stubStore) SetUserAdmin(ctx context.Context, userID UserID, admin bool) error {
	user := s.users[userID]
	user.ID = userID
	user.Admin = admin
	s.users[userID] = user
	return nil
}

func (s *stubStore) ListAdmins(ctx context.Context) ([]UserID, error) {
	var admins []UserID
	for id, user := range s.users {
		if user.Admin {
			admins = append(admins, id)
		}
	}
	sort.Slice(admins, func(i, j int) bool { return admins[i] < admins[j] })
	return admins, nil
}

func (s *stubStore) CreateSlot(ctx context.Context, slot Slot) error {
	if _, exists := s.slots[slot.ID]; exists {
		return ErrSlotExists
	}
	s.slots[slot.ID] = copySlot(slot)
	return nil
}

func (s *stubStore) DeleteSlot(ctx context.Context, slotID SlotID) error {
	if _, exists := s.slots[slotID]; !exists {
		return ErrSlotNotFound
	}
	delete(s.slots, slotID)
	return nil
}

func (s *stubStore) GetSlot(ctx context.Context, slotID SlotID) (Slot, error) {
	slot, ok := s.slots[slotID]
	if !ok {
		return Slot{}, ErrSlotNotFound
	}
	return copySlot(slot), nil
}

func (s *stubStore) GetSlotForUpdate(ctx context.Context, slotID SlotID) (Slot, error) {
	return s.GetSlot(ctx, slotID)
}

func (s *stubStore) ListSlots(ctx context.Context) ([]Slot, error) {
	slots := make([]Slot, 0, len(s.slots))
	for _, slot := range s.slots {
		slots = append(slots, copySlot(slot))
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].ID < slots[j].ID })
	return slots, nil
}

func (s *stubStore) ListOccupiedSlots(ctx context.Context) ([]Slot, error) {
	all, _ := s.ListSlots(ctx)
	occupied := all[:0]
	for _, slot := range all {
		if slot.Occupied() {
			occupied = append(occupied, slot)
		}
	}
	return occupied, nil
}

func (s *stubStore) SlotByOccupant(ctx context.Context, userID UserID) (*Slot, error) {
	for _, slot := range s.slots {
		if slot.Occupancy != nil && slot.Occupancy.UserID == userID {
			held := copySlot(slot)
			return &held, nil
		}
	}
	return nil, nil
}

func (s *stubStore) SetSlotOccupancy(ctx context.Context, slotID SlotID, occupancy *Occupancy) error {
	slot, ok := s.slots[slotID]
	if !ok {
		return ErrSlotNotFound
	}
	if occupancy != nil {
		value := *occupancy
		slot.Occupancy = &value
	} else {
		slot.Occupancy = nil
	}
	s.slots[slotID] = slot
	return nil
}

func (s *stubStore) SetSlotPings(ctx context.Context, slotID SlotID, pingsRemaining int) error {
	slot, ok := s.slots[slotID]
	if !ok {
		return ErrSlotNotFound
	}
	if slot.Occupancy == nil {
		return ErrSlotNotOccupied
	}
	occupancy := *slot.Occupancy
	occupancy.PingsRemaining = pingsRemaining
	slot.Occupancy = &occupancy
	s.slots[slotID] = slot
	return nil
}

func (s *stubStore) SetSlotRate(ctx context.Context, slotID SlotID, pointCost Points) error {
	slot, ok := s.slots[slotID]
	if !ok {
		return ErrSlotNotFound
	}
	slot.PointCost = pointCost
	s.slots[slotID] = slot
	return nil
}

func (s *stubStore) CreateTicket(ctx context.Context, requesterID UserID, createdUnixUTC int64) (TicketID, error) {
	s.nextTicketID++
	ticket := Ticket{
		ID:             s.nextTicketID,
		RequesterID:    requesterID,
		Status:         TicketStatusPending,
		CreatedUnixUTC: createdUnixUTC,
	}
	s.tickets[ticket.ID] = ticket
	return ticket.ID, nil
}

func (s *stubStore) GetTicket(ctx context.Context, ticketID TicketID) (Ticket, error) {
	ticket, ok := s.tickets[ticketID]
	if !ok {
		return Ticket{}, ErrTicketNotFound
	}
	return ticket, nil
}

func (s *stubStore) GetTicketForUpdate(ctx context.Context, ticketID TicketID) (Ticket, error) {
	return s.GetTicket(ctx, ticketID)
}

func (s *stubStore) TicketsByUser(ctx context.Context, userID UserID) ([]Ticket, error) {
	var tickets []Ticket
	for _, ticket := range s.tickets {
		if ticket.RequesterID == userID {
			tickets = append(tickets, ticket)
		}
	}
	sort.Slice(tickets, func(i, j int) bool { return tickets[i].ID > tickets[j].ID })
	return tickets, nil
}

func (s *stubStore) SetTicketQuote(ctx context.Context, ticketID TicketID, points Points, priceCents int64, currency Currency, metadataJSON string) error {
	ticket, ok := s.tickets[ticketID]
	if !ok {
		return ErrTicketNotFound
	}
	if ticket.Status != TicketStatusPending {
		return ErrTicketClosed
	}
	ticket.QuotedPoints = points
	ticket.QuotedPriceCents = priceCents
	ticket.Currency = currency
	ticket.MetadataJSON = metadataJSON
	s.tickets[ticketID] = ticket
	return nil
}

func (s *stubStore) MarkTicketCompleted(ctx context.Context, ticketID TicketID, transactionID string, completedUnixUTC int64) error {
	ticket, ok := s.tickets[ticketID]
	if !ok {
		return ErrTicketNotFound
	}
	if ticket.Status != TicketStatusPending {
		return ErrTicketClosed
	}
	if _, consumed := s.consumed[transactionID]; consumed {
		return ErrDuplicateTransaction
	}
	ticket.Status = TicketStatusCompleted
	ticket.TransactionID = transactionID
	ticket.CompletedUnixUTC = completedUnixUTC
	s.tickets[ticketID] = ticket
	s.consumed[transactionID] = struct{}{}
	return nil
}

func (s *stubStore) MarkTicketFailed(ctx context.Context, ticketID TicketID) error {
	ticket, ok := s.tickets[ticketID]
	if !ok {
		return ErrTicketNotFound
	}
	if ticket.Status != TicketStatusPending {
		return ErrTicketClosed
	}
	ticket.Status = TicketStatusFailed
	s.tickets[ticketID] = ticket
	return nil
}

func (s *stubStore) TransactionConsumed(ctx context.Context, transactionID string) (bool, error) {
	_, consumed := s.consumed[transactionID]
	return consumed, nil
}

func (s *stubStore) mustSlot(t *testing.T, slotID SlotID) Slot {
	t.Helper()
	slot, ok := s.slots[slotID]
	if !ok {
		t.Fatalf("slot %d not found", slotID)
	}
	return copySlot(slot)
}

func (s *stubStore) mustTicket(t *testing.T, ticketID TicketID) Ticket {
	t.Helper()
	ticket, ok := s.tickets[ticketID]
	if !ok {
		t.Fatalf("ticket %d not found", ticketID)
	}
	return ticket
}

// --- helpers ---

func mustPricing(t *testing.T) *PricingTable {
	t.Helper()
	table, err := NewPricingTable(DefaultTiers(), DefaultPackages(), map[Currency]PaymentAddress{
		CurrencyBTC: {Address: "bc1q-test", MinConfirmations: 1},
		CurrencyETH: {Address: "0xtest", MinConfirmations: 12},
	})
	if err != nil {
		t.Fatalf("pricing table: %v", err)
	}
	return table
}

func mustLedger(t *testing.T, store Store) *Ledger {
	t.Helper()
	ledger, err := NewLedger(store)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return ledger
}

func mustEngine(t *testing.T, store Store, pingQuota int, now func() int64) *Engine {
	t.Helper()
	engine, err := NewEngine(store, mustLedger(t, store), mustPricing(t), pingQuota, now)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

func fund(t *testing.T, store *stubStore, userID UserID, balance Points) {
	t.Helper()
	if _, err := store.GetOrCreateUser(context.Background(), userID); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := store.SetUserBalance(context.Background(), userID, balance); err != nil {
		t.Fatalf("fund user: %v", err)
	}
}

func addSlot(t *testing.T, store *stubStore, slotID SlotID, pointCost Points) {
	t.Helper()
	err := store.CreateSlot(context.Background(), Slot{ID: slotID, PointCost: pointCost, DefaultLabel: "open"})
	if err != nil {
		t.Fatalf("create slot: %v", err)
	}
}
