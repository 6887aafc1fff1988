package gormstore

import (
	"context"
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/slotrental/pkg/rental"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	store := New(db)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func TestSetSlotOccupancyRejectsSecondSlotForOccupant(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	for _, slotID := range []rental.SlotID{1, 2} {
		if err := store.CreateSlot(ctx, rental.Slot{ID: slotID, PointCost: 45, DefaultLabel: "open"}); err != nil {
			t.Fatalf("create slot %d: %v", slotID, err)
		}
	}

	occupancy := &rental.Occupancy{UserID: 10, ExpiresUnixUTC: 1_700_003_600, PingsRemaining: 3}
	if err := store.SetSlotOccupancy(ctx, 1, occupancy); err != nil {
		t.Fatalf("occupy slot 1: %v", err)
	}
	if err := store.SetSlotOccupancy(ctx, 2, occupancy); !errors.Is(err, rental.ErrUserHoldsSlot) {
		t.Fatalf("expected ErrUserHoldsSlot for second slot, got %v", err)
	}

	slot, err := store.GetSlot(ctx, 2)
	if err != nil {
		t.Fatalf("get slot 2: %v", err)
	}
	if slot.Occupied() {
		t.Fatalf("expected slot 2 untouched, got %+v", slot.Occupancy)
	}

	// Releasing the held slot frees the occupant for another one.
	if err := store.SetSlotOccupancy(ctx, 1, nil); err != nil {
		t.Fatalf("release slot 1: %v", err)
	}
	if err := store.SetSlotOccupancy(ctx, 2, occupancy); err != nil {
		t.Fatalf("occupy slot 2 after release: %v", err)
	}
}

func TestSetSlotOccupancyAllowsDistinctOccupants(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	for _, slotID := range []rental.SlotID{1, 2} {
		if err := store.CreateSlot(ctx, rental.Slot{ID: slotID, PointCost: 45, DefaultLabel: "open"}); err != nil {
			t.Fatalf("create slot %d: %v", slotID, err)
		}
	}

	first := &rental.Occupancy{UserID: 10, ExpiresUnixUTC: 1_700_003_600, PingsRemaining: 3}
	second := &rental.Occupancy{UserID: 11, ExpiresUnixUTC: 1_700_003_600, PingsRemaining: 3}
	if err := store.SetSlotOccupancy(ctx, 1, first); err != nil {
		t.Fatalf("occupy slot 1: %v", err)
	}
	if err := store.SetSlotOccupancy(ctx, 2, second); err != nil {
		t.Fatalf("occupy slot 2: %v", err)
	}
}
