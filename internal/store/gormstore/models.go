package gormstore

import (
	"time"

	"gorm.io/datatypes"
)

// User represents the users table.
type User struct {
	ID        int64     `gorm:"primaryKey"`
	Balance   int64     `gorm:"not null;default:0"`
	Admin     bool      `gorm:"not null;default:false"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (User) TableName() string { return "users" }

// Slot mirrors the slots table. The occupancy columns are either all set or
// all null. The unique index on occupant_id enforces one occupied slot per
// user at the storage layer; null occupants do not collide.
type Slot struct {
	ID             int64      `gorm:"primaryKey"`
	PointCost      int64      `gorm:"not null"`
	DefaultLabel   string     `gorm:"not null"`
	OccupantID     *int64     `gorm:"index:uniq_slots_occupant,unique"`
	ExpiresAt      *time.Time `gorm:""`
	PingsRemaining int        `gorm:"not null;default:0"`
	CreatedAt      time.Time  `gorm:"not null"`
	UpdatedAt      time.Time  `gorm:"not null"`
}

func (Slot) TableName() string { return "slots" }

// Ticket mirrors the tickets table. The unique index on transaction_id is
// the durable defense against double-crediting one payment.
type Ticket struct {
	ID               int64          `gorm:"primaryKey;autoIncrement"`
	RequesterID      int64          `gorm:"not null;index:idx_tickets_requester"`
	Status           string         `gorm:"not null;default:'pending'"`
	Currency         string         `gorm:"not null;default:''"`
	QuotedPoints     int64          `gorm:"not null;default:0"`
	QuotedPriceCents int64          `gorm:"not null;default:0"`
	TransactionID    *string        `gorm:"index:uniq_tickets_transaction,unique"`
	Metadata         datatypes.JSON `gorm:"not null"`
	CreatedAt        time.Time      `gorm:"not null"`
	CompletedAt      *time.Time     `gorm:""`
}

func (Ticket) TableName() string { return "tickets" }

// Models lists every table for migration.
func Models() []any {
	return []any{&User{}, &Slot{}, &Ticket{}}
}
