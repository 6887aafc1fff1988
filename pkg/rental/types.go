package rental

import "context"

// Points is the integer virtual currency unit.
type Points int64

// UserID identifies a community member. IDs are assigned externally.
type UserID int64

// SlotID identifies a rentable resource channel.
type SlotID int64

// TicketID identifies a payment ticket. IDs are assigned by the store,
// monotonically.
type TicketID int64

// DurationKey names a rental tier ("1h", "30min", ...).
type DurationKey string

// Currency enumerates the payment networks the oracle can verify.
type Currency string

const (
	CurrencyBTC Currency = "BTC"
	CurrencyETH Currency = "ETH"
	CurrencyLTC Currency = "LTC"
	CurrencySOL Currency = "SOL"
)

// User is a ledger account row.
type User struct {
	ID      UserID
	Balance Points
	Admin   bool
}

// Occupancy records who holds a slot and until when. It is either fully
// populated or absent from the slot, never partial.
type Occupancy struct {
	UserID         UserID
	ExpiresUnixUTC int64
	PingsRemaining int
}

// Slot is a rentable resource channel.
type Slot struct {
	ID           SlotID
	PointCost    Points
	DefaultLabel string
	Occupancy    *Occupancy
}

// Occupied reports whether the slot currently has an occupant.
func (slot Slot) Occupied() bool {
	return slot.Occupancy != nil
}

// Expired reports whether the occupancy, if any, has lapsed at the given
// instant.
func (slot Slot) Expired(nowUnixUTC int64) bool {
	return slot.Occupancy != nil && nowUnixUTC >= slot.Occupancy.ExpiresUnixUTC
}

// TicketStatus defines the payment ticket lifecycle.
type TicketStatus string

const (
	TicketStatusPending   TicketStatus = "pending"
	TicketStatusCompleted TicketStatus = "completed"
	TicketStatusFailed    TicketStatus = "failed"
)

// Ticket is a tracked request to convert a currency payment into points.
// Tickets are never deleted; completed and failed tickets remain as the
// audit trail.
type Ticket struct {
	ID               TicketID
	RequesterID      UserID
	Status           TicketStatus
	Currency         Currency
	QuotedPoints     Points
	QuotedPriceCents int64
	TransactionID    string
	MetadataJSON     string
	CreatedUnixUTC   int64
	CompletedUnixUTC int64
}

// Quoted reports whether the ticket carries a points package quote.
func (ticket Ticket) Quoted() bool {
	return ticket.QuotedPoints > 0
}

// Store is the persistence contract shared by all services. Every
// read-modify-write sequence runs inside WithTx; the stores are the only
// authoritative state in the system.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	GetOrCreateUser(ctx context.Context, userID UserID) (User, error)
	GetUserForUpdate(ctx context.Context, userID UserID) (User, error)
	SetUserBalance(ctx context.Context, userID UserID, balance Points) error
	SetUserAdmin(ctx context.Context, userID UserID, admin bool) error
	ListAdmins(ctx context.Context) ([]UserID, error)

	CreateSlot(ctx context.Context, slot Slot) error
	DeleteSlot(ctx context.Context, slotID SlotID) error
	GetSlot(ctx context.Context, slotID SlotID) (Slot, error)
	GetSlotForUpdate(ctx context.Context, slotID SlotID) (Slot, error)
	ListSlots(ctx context.Context) ([]Slot, error)
	ListOccupiedSlots(ctx context.Context) ([]Slot, error)
	SlotByOccupant(ctx context.Context, userID UserID) (*Slot, error)
	SetSlotOccupancy(ctx context.Context, slotID SlotID, occupancy *Occupancy) error
	SetSlotPings(ctx context.Context, slotID SlotID, pingsRemaining int) error
	SetSlotRate(ctx context.Context, slotID SlotID, pointCost Points) error

	CreateTicket(ctx context.Context, requesterID UserID, createdUnixUTC int64) (TicketID, error)
	GetTicket(ctx context.Context, ticketID TicketID) (Ticket, error)
	GetTicketForUpdate(ctx context.Context, ticketID TicketID) (Ticket, error)
	TicketsByUser(ctx context.Context, userID UserID) ([]Ticket, error)
	SetTicketQuote(ctx context.Context, ticketID TicketID, points Points, priceCents int64, currency Currency, metadataJSON string) error
	MarkTicketCompleted(ctx context.Context, ticketID TicketID, transactionID string, completedUnixUTC int64) error
	MarkTicketFailed(ctx context.Context, ticketID TicketID) error
	TransactionConsumed(ctx context.Context, transactionID string) (bool, error)
}

// PaymentVerifier is the external oracle that confirms a blockchain payment.
// A nil return means verified. Implementations distinguish a definitive
// rejection (ErrVerificationRejected) from a transient condition worth
// retrying (ErrVerificationTransient).
type PaymentVerifier interface {
	VerifyPayment(ctx context.Context, currency Currency, transactionID string, expectedAmount float64) error
}

// Presenter renders state changes for the community. The engine calls it
// after a successful transition and never depends on the outcome;
// implementations swallow their own delivery failures.
type Presenter interface {
	SlotAvailable(ctx context.Context, slot Slot)
	SlotOccupied(ctx context.Context, slot Slot)
	PingSent(ctx context.Context, slot Slot, byUser UserID)
	TicketCreated(ctx context.Context, ticket Ticket)
}

// NopPresenter discards every notification.
type NopPresenter struct{}

func (NopPresenter) SlotAvailable(context.Context, Slot)    {}
func (NopPresenter) SlotOccupied(context.Context, Slot)     {}
func (NopPresenter) PingSent(context.Context, Slot, UserID) {}
func (NopPresenter) TicketCreated(context.Context, Ticket)  {}
