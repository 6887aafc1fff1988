package rental

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// committedReadStore mimics a read-committed database: reads see only
// committed state, writes land at commit, and the ForUpdate reads take row
// locks held until the transaction ends. Commit enforces the unique occupant
// index the real stores carry.
type committedReadStore struct {
	*stubStore
	mu        sync.Mutex
	userLocks map[UserID]*sync.Mutex
	slotLocks map[SlotID]*sync.Mutex
}

func newCommittedReadStore() *committedReadStore {
	return &committedReadStore{
		stubStore: newStubStore(),
		userLocks: make(map[UserID]*sync.Mutex),
		slotLocks: make(map[SlotID]*sync.Mutex),
	}
}

func (s *committedReadStore) userLock(userID UserID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		s.userLocks[userID] = lock
	}
	return lock
}

func (s *committedReadStore) slotLock(slotID SlotID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.slotLocks[slotID]
	if !ok {
		lock = &sync.Mutex{}
		s.slotLocks[slotID] = lock
	}
	return lock
}

func (s *committedReadStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	tx := &committedReadTx{
		committedReadStore: s,
		lockedUsers:        make(map[UserID]*sync.Mutex),
		lockedSlots:        make(map[SlotID]*sync.Mutex),
		pendingOccupancy:   make(map[SlotID]*Occupancy),
		pendingBalance:     make(map[UserID]Points),
	}
	defer tx.unlockAll()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.commit(ctx)
}

type committedReadTx struct {
	*committedReadStore
	lockedUsers      map[UserID]*sync.Mutex
	lockedSlots      map[SlotID]*sync.Mutex
	pendingOccupancy map[SlotID]*Occupancy
	pendingBalance   map[UserID]Points
}

func (tx *committedReadTx) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, tx)
}

func (tx *committedReadTx) GetUserForUpdate(ctx context.Context, userID UserID) (User, error) {
	if _, held := tx.lockedUsers[userID]; !held {
		lock := tx.userLock(userID)
		lock.Lock()
		tx.lockedUsers[userID] = lock
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.stubStore.GetOrCreateUser(ctx, userID)
}

func (tx *committedReadTx) GetSlotForUpdate(ctx context.Context, slotID SlotID) (Slot, error) {
	if _, held := tx.lockedSlots[slotID]; !held {
		lock := tx.slotLock(slotID)
		lock.Lock()
		tx.lockedSlots[slotID] = lock
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.stubStore.GetSlot(ctx, slotID)
}

func (tx *committedReadTx) SlotByOccupant(ctx context.Context, userID UserID) (*Slot, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.stubStore.SlotByOccupant(ctx, userID)
}

func (tx *committedReadTx) SetUserBalance(ctx context.Context, userID UserID, balance Points) error {
	tx.pendingBalance[userID] = balance
	return nil
}

func (tx *committedReadTx) SetSlotOccupancy(ctx context.Context, slotID SlotID, occupancy *Occupancy) error {
	tx.pendingOccupancy[slotID] = occupancy
	return nil
}

func (tx *committedReadTx) commit(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	for slotID, occupancy := range tx.pendingOccupancy {
		if occupancy != nil {
			for otherID, other := range tx.slots {
				if otherID != slotID && other.Occupancy != nil && other.Occupancy.UserID == occupancy.UserID {
					return ErrUserHoldsSlot
				}
			}
		}
		if err := tx.stubStore.SetSlotOccupancy(ctx, slotID, occupancy); err != nil {
			return err
		}
	}
	for userID, balance := range tx.pendingBalance {
		if err := tx.stubStore.SetUserBalance(ctx, userID, balance); err != nil {
			return err
		}
	}
	return nil
}

func (tx *committedReadTx) unlockAll() {
	for _, lock := range tx.lockedUsers {
		lock.Unlock()
	}
	for _, lock := range tx.lockedSlots {
		lock.Unlock()
	}
}

func TestPurchaseSlotConcurrentSameUserDistinctSlots(t *testing.T) {
	t.Parallel()
	store := newCommittedReadStore()
	engine := mustEngine(t, store, 3, fixedClock)
	fund(t, store.stubStore, 10, 100)
	addSlot(t, store.stubStore, 1, 45)
	addSlot(t, store.stubStore, 2, 45)

	results := make([]error, 2)
	var wg sync.WaitGroup
	for i, slotID := range []SlotID{1, 2} {
		wg.Add(1)
		go func(i int, slotID SlotID) {
			defer wg.Done()
			_, results[i] = engine.PurchaseSlot(context.Background(), slotID, 10, "1h")
		}(i, slotID)
	}
	wg.Wait()

	var successes, conflicts int
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrUserHoldsSlot):
			conflicts++
		default:
			t.Fatalf("unexpected purchase error: %v", err)
		}
	}
	if successes != 1 || conflicts != 1 {
		t.Fatalf("expected exactly one success and one conflict, got %d successes, %d conflicts (%v)", successes, conflicts, results)
	}

	held := 0
	for _, slotID := range []SlotID{1, 2} {
		slot := store.stubStore.mustSlot(t, slotID)
		if slot.Occupied() {
			if slot.Occupancy.UserID != 10 {
				t.Fatalf("unexpected occupant on slot %d: %+v", slotID, slot.Occupancy)
			}
			held++
		}
	}
	if held != 1 {
		t.Fatalf("expected user 10 to hold exactly one slot, got %d", held)
	}
	if balance := store.users[10].Balance; balance != 55 {
		t.Fatalf("expected a single 45 point debit, got balance %d", balance)
	}
}

func TestPurchaseSlotConcurrentSameSlot(t *testing.T) {
	t.Parallel()
	store := newCommittedReadStore()
	engine := mustEngine(t, store, 3, fixedClock)
	fund(t, store.stubStore, 10, 100)
	fund(t, store.stubStore, 11, 100)
	addSlot(t, store.stubStore, 1, 45)

	results := make(map[UserID]error, 2)
	var resultsMu sync.Mutex
	var wg sync.WaitGroup
	for _, userID := range []UserID{10, 11} {
		wg.Add(1)
		go func(userID UserID) {
			defer wg.Done()
			_, err := engine.PurchaseSlot(context.Background(), 1, userID, "1h")
			resultsMu.Lock()
			results[userID] = err
			resultsMu.Unlock()
		}(userID)
	}
	wg.Wait()

	var winner UserID
	var successes, conflicts int
	for userID, err := range results {
		switch {
		case err == nil:
			winner = userID
			successes++
		case errors.Is(err, ErrSlotOccupied):
			conflicts++
		default:
			t.Fatalf("unexpected purchase error for user %d: %v", userID, err)
		}
	}
	if successes != 1 || conflicts != 1 {
		t.Fatalf("expected exactly one success and one conflict, got %d successes, %d conflicts (%v)", successes, conflicts, results)
	}

	slot := store.stubStore.mustSlot(t, 1)
	if !slot.Occupied() || slot.Occupancy.UserID != winner {
		t.Fatalf("expected slot held by user %d, got %+v", winner, slot.Occupancy)
	}
	if balance := store.users[winner].Balance; balance != 55 {
		t.Fatalf("expected winner debited to 55, got %d", balance)
	}
	loser := UserID(21 - int64(winner))
	if balance := store.users[loser].Balance; balance != 100 {
		t.Fatalf("expected loser balance untouched, got %d", balance)
	}
}
