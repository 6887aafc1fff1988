package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/slotrental/pkg/rental"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorOperationStore   = "store"
	errorSubjectUser      = "user"
	errorSubjectSlot      = "slot"
	errorSubjectTicket    = "ticket"
	errorCodeCreate       = "create"
	errorCodeDelete       = "delete"
	errorCodeDuplicate    = "duplicate"
	errorCodeGet          = "get"
	errorCodeList         = "list"
	errorCodeLookup       = "lookup"
	errorCodeUpdate       = "update"
)

// Store implements rental.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema. Callers use it for sqlite; postgres schemas
// are managed externally.
func (store *Store) Migrate() error {
	return store.db.AutoMigrate(Models()...)
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore rental.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetOrCreateUser(ctx context.Context, userID rental.UserID) (rental.User, error) {
	var model User
	err := store.db.WithContext(ctx).
		Where(User{ID: int64(userID)}).
		Attrs(User{Balance: 0}).
		FirstOrCreate(&model).Error
	if err != nil {
		return rental.User{}, wrapStoreError(errorSubjectUser, errorCodeLookup, err)
	}
	return mapUser(model), nil
}

func (store *Store) GetUserForUpdate(ctx context.Context, userID rental.UserID) (rental.User, error) {
	var model User
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Take(&model, "id = ?", int64(userID)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		created := User{ID: int64(userID)}
		if createErr := store.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&created).Error; createErr != nil {
			return rental.User{}, wrapStoreError(errorSubjectUser, errorCodeCreate, createErr)
		}
		err = store.db.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Take(&model, "id = ?", int64(userID)).Error
	}
	if err != nil {
		return rental.User{}, wrapStoreError(errorSubjectUser, errorCodeGet, err)
	}
	return mapUser(model), nil
}

func (store *Store) SetUserBalance(ctx context.Context, userID rental.UserID, balance rental.Points) error {
	err := store.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ?", int64(userID)).
		Update("balance", int64(balance)).Error
	if err != nil {
		return wrapStoreError(errorSubjectUser, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) SetUserAdmin(ctx context.Context, userID rental.UserID, admin bool) error {
	err := store.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ?", int64(userID)).
		Update("admin", admin).Error
	if err != nil {
		return wrapStoreError(errorSubjectUser, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) ListAdmins(ctx context.Context) ([]rental.UserID, error) {
	var ids []int64
	err := store.db.WithContext(ctx).
		Model(&User{}).
		Where("admin = ?", true).
		Order("id").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectUser, errorCodeList, err)
	}
	admins := make([]rental.UserID, 0, len(ids))
	for _, id := range ids {
		admins = append(admins, rental.UserID(id))
	}
	return admins, nil
}

func (store *Store) CreateSlot(ctx context.Context, slot rental.Slot) error {
	model := Slot{
		ID:           int64(slot.ID),
		PointCost:    int64(slot.PointCost),
		DefaultLabel: slot.DefaultLabel,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectSlot, errorCodeDuplicate, rental.ErrSlotExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectSlot, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) DeleteSlot(ctx context.Context, slotID rental.SlotID) error {
	result := store.db.WithContext(ctx).Delete(&Slot{}, "id = ?", int64(slotID))
	if result.Error != nil {
		return wrapStoreError(errorSubjectSlot, errorCodeDelete, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectSlot, errorCodeDelete, rental.ErrSlotNotFound)
	}
	return nil
}

func (store *Store) GetSlot(ctx context.Context, slotID rental.SlotID) (rental.Slot, error) {
	var model Slot
	err := store.db.WithContext(ctx).Take(&model, "id = ?", int64(slotID)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return rental.Slot{}, wrapStoreError(errorSubjectSlot, errorCodeGet, rental.ErrSlotNotFound)
	}
	if err != nil {
		return rental.Slot{}, wrapStoreError(errorSubjectSlot, errorCodeGet, err)
	}
	return mapSlot(model), nil
}

func (store *Store) GetSlotForUpdate(ctx context.Context, slotID rental.SlotID) (rental.Slot, error) {
	var model Slot
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Take(&model, "id = ?", int64(slotID)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return rental.Slot{}, wrapStoreError(errorSubjectSlot, errorCodeGet, rental.ErrSlotNotFound)
	}
	if err != nil {
		return rental.Slot{}, wrapStoreError(errorSubjectSlot, errorCodeGet, err)
	}
	return mapSlot(model), nil
}

func (store *Store) ListSlots(ctx context.Context) ([]rental.Slot, error) {
	var rows []Slot
	err := store.db.WithContext(ctx).Order("id").Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectSlot, errorCodeList, err)
	}
	return mapSlots(rows), nil
}

func (store *Store) ListOccupiedSlots(ctx context.Context) ([]rental.Slot, error) {
	var rows []Slot
	err := store.db.WithContext(ctx).
		Where("occupant_id IS NOT NULL").
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectSlot, errorCodeList, err)
	}
	return mapSlots(rows), nil
}

func (store *Store) SlotByOccupant(ctx context.Context, userID rental.UserID) (*rental.Slot, error) {
	var model Slot
	err := store.db.WithContext(ctx).Take(&model, "occupant_id = ?", int64(userID)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreError(errorSubjectSlot, errorCodeLookup, err)
	}
	slot := mapSlot(model)
	return &slot, nil
}

func (store *Store) SetSlotOccupancy(ctx context.Context, slotID rental.SlotID, occupancy *rental.Occupancy) error {
	updates := map[string]any{
		"occupant_id":     nil,
		"expires_at":      nil,
		"pings_remaining": 0,
	}
	if occupancy != nil {
		occupantID := int64(occupancy.UserID)
		expiresAt := time.Unix(occupancy.ExpiresUnixUTC, 0).UTC()
		updates["occupant_id"] = occupantID
		updates["expires_at"] = expiresAt
		updates["pings_remaining"] = occupancy.PingsRemaining
	}
	result := store.db.WithContext(ctx).
		Model(&Slot{}).
		Where("id = ?", int64(slotID)).
		Updates(updates)
	if isUniqueViolation(result.Error) {
		return wrapStoreError(errorSubjectSlot, errorCodeDuplicate, rental.ErrUserHoldsSlot)
	}
	if result.Error != nil {
		return wrapStoreError(errorSubjectSlot, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectSlot, errorCodeUpdate, rental.ErrSlotNotFound)
	}
	return nil
}

func (store *Store) SetSlotPings(ctx context.Context, slotID rental.SlotID, pingsRemaining int) error {
	result := store.db.WithContext(ctx).
		Model(&Slot{}).
		Where("id = ?", int64(slotID)).
		Update("pings_remaining", pingsRemaining)
	if result.Error != nil {
		return wrapStoreError(errorSubjectSlot, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectSlot, errorCodeUpdate, rental.ErrSlotNotFound)
	}
	return nil
}

func (store *Store) SetSlotRate(ctx context.Context, slotID rental.SlotID, pointCost rental.Points) error {
	result := store.db.WithContext(ctx).
		Model(&Slot{}).
		Where("id = ?", int64(slotID)).
		Update("point_cost", int64(pointCost))
	if result.Error != nil {
		return wrapStoreError(errorSubjectSlot, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectSlot, errorCodeUpdate, rental.ErrSlotNotFound)
	}
	return nil
}

func (store *Store) CreateTicket(ctx context.Context, requesterID rental.UserID, createdUnixUTC int64) (rental.TicketID, error) {
	model := Ticket{
		RequesterID: int64(requesterID),
		Status:      string(rental.TicketStatusPending),
		Metadata:    datatypes.JSON([]byte(defaultMetadataJSON)),
		CreatedAt:   time.Unix(createdUnixUTC, 0).UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return 0, wrapStoreError(errorSubjectTicket, errorCodeCreate, err)
	}
	return rental.TicketID(model.ID), nil
}

func (store *Store) GetTicket(ctx context.Context, ticketID rental.TicketID) (rental.Ticket, error) {
	var model Ticket
	err := store.db.WithContext(ctx).Take(&model, "id = ?", int64(ticketID)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return rental.Ticket{}, wrapStoreError(errorSubjectTicket, errorCodeGet, rental.ErrTicketNotFound)
	}
	if err != nil {
		return rental.Ticket{}, wrapStoreError(errorSubjectTicket, errorCodeGet, err)
	}
	return mapTicket(model), nil
}

func (store *Store) GetTicketForUpdate(ctx context.Context, ticketID rental.TicketID) (rental.Ticket, error) {
	var model Ticket
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Take(&model, "id = ?", int64(ticketID)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return rental.Ticket{}, wrapStoreError(errorSubjectTicket, errorCodeGet, rental.ErrTicketNotFound)
	}
	if err != nil {
		return rental.Ticket{}, wrapStoreError(errorSubjectTicket, errorCodeGet, err)
	}
	return mapTicket(model), nil
}

func (store *Store) TicketsByUser(ctx context.Context, userID rental.UserID) ([]rental.Ticket, error) {
	var rows []Ticket
	err := store.db.WithContext(ctx).
		Where("requester_id = ?", int64(userID)).
		Order("created_at DESC, id DESC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTicket, errorCodeList, err)
	}
	tickets := make([]rental.Ticket, 0, len(rows))
	for _, row := range rows {
		tickets = append(tickets, mapTicket(row))
	}
	return tickets, nil
}

func (store *Store) SetTicketQuote(ctx context.Context, ticketID rental.TicketID, points rental.Points, priceCents int64, currency rental.Currency, metadataJSON string) error {
	if metadataJSON == "" {
		metadataJSON = defaultMetadataJSON
	}
	result := store.db.WithContext(ctx).
		Model(&Ticket{}).
		Where("id = ? AND status = ?", int64(ticketID), string(rental.TicketStatusPending)).
		Updates(map[string]any{
			"quoted_points":      int64(points),
			"quoted_price_cents": priceCents,
			"currency":           string(currency),
			"metadata":           datatypes.JSON([]byte(metadataJSON)),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectTicket, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectTicket, errorCodeUpdate, rental.ErrTicketClosed)
	}
	return nil
}

func (store *Store) MarkTicketCompleted(ctx context.Context, ticketID rental.TicketID, transactionID string, completedUnixUTC int64) error {
	completedAt := time.Unix(completedUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Model(&Ticket{}).
		Where("id = ? AND status = ?", int64(ticketID), string(rental.TicketStatusPending)).
		Updates(map[string]any{
			"status":         string(rental.TicketStatusCompleted),
			"transaction_id": transactionID,
			"completed_at":   completedAt,
		})
	if isUniqueViolation(result.Error) {
		return wrapStoreError(errorSubjectTicket, errorCodeDuplicate, rental.ErrDuplicateTransaction)
	}
	if result.Error != nil {
		return wrapStoreError(errorSubjectTicket, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectTicket, errorCodeUpdate, rental.ErrTicketClosed)
	}
	return nil
}

func (store *Store) MarkTicketFailed(ctx context.Context, ticketID rental.TicketID) error {
	result := store.db.WithContext(ctx).
		Model(&Ticket{}).
		Where("id = ? AND status = ?", int64(ticketID), string(rental.TicketStatusPending)).
		Update("status", string(rental.TicketStatusFailed))
	if result.Error != nil {
		return wrapStoreError(errorSubjectTicket, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectTicket, errorCodeUpdate, rental.ErrTicketClosed)
	}
	return nil
}

func (store *Store) TransactionConsumed(ctx context.Context, transactionID string) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&Ticket{}).
		Where("transaction_id = ?", transactionID).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectTicket, errorCodeLookup, err)
	}
	return count > 0, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return rental.WrapError(errorOperationStore, subject, code, err)
}

func mapUser(model User) rental.User {
	return rental.User{
		ID:      rental.UserID(model.ID),
		Balance: rental.Points(model.Balance),
		Admin:   model.Admin,
	}
}

func mapSlot(model Slot) rental.Slot {
	slot := rental.Slot{
		ID:           rental.SlotID(model.ID),
		PointCost:    rental.Points(model.PointCost),
		DefaultLabel: model.DefaultLabel,
	}
	if model.OccupantID != nil && model.ExpiresAt != nil {
		slot.Occupancy = &rental.Occupancy{
			UserID:         rental.UserID(*model.OccupantID),
			ExpiresUnixUTC: model.ExpiresAt.Unix(),
			PingsRemaining: model.PingsRemaining,
		}
	}
	return slot
}

func mapSlots(rows []Slot) []rental.Slot {
	slots := make([]rental.Slot, 0, len(rows))
	for _, row := range rows {
		slots = append(slots, mapSlot(row))
	}
	return slots
}

func mapTicket(model Ticket) rental.Ticket {
	ticket := rental.Ticket{
		ID:               rental.TicketID(model.ID),
		RequesterID:      rental.UserID(model.RequesterID),
		Status:           rental.TicketStatus(model.Status),
		Currency:         rental.Currency(model.Currency),
		QuotedPoints:     rental.Points(model.QuotedPoints),
		QuotedPriceCents: model.QuotedPriceCents,
		MetadataJSON:     string(model.Metadata),
		CreatedUnixUTC:   model.CreatedAt.Unix(),
	}
	if model.TransactionID != nil {
		ticket.TransactionID = *model.TransactionID
	}
	if model.CompletedAt != nil {
		ticket.CompletedUnixUTC = model.CompletedAt.Unix()
	}
	return ticket
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
