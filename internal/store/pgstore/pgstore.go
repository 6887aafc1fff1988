// Package pgstore implements rental.Store directly on a pgx connection pool.
// It is the production PostgreSQL path; it shares table and column names with
// the gormstore models so both stores run against the same schema.
package pgstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/slotrental/pkg/rental"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintSlotPrimary          = "slots_pkey"
	constraintSlotOccupantKey      = "uniq_slots_occupant"
	constraintTicketTransactionKey = "uniq_tickets_transaction"
	pgUniqueViolationCode          = "23505"

	errorOperationStore     = "store"
	errorSubjectTransaction = "transaction"
	errorSubjectUser        = "user"
	errorSubjectSlot        = "slot"
	errorSubjectTicket      = "ticket"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeCreate         = "create"
	errorCodeDelete         = "delete"
	errorCodeGet            = "get"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"
	errorCodeUpdate         = "update"

	sqlInsertOrGetUser = `
		insert into users(id, created_at, updated_at) values($1, now(), now())
		on conflict (id) do update set updated_at = users.updated_at
		returning id, balance, admin
	`

	sqlSelectUserForUpdate = `
		select id, balance, admin from users where id = $1 for update
	`

	sqlUpdateUserBalance = `
		update users set balance = $2, updated_at = now() where id = $1
	`

	sqlUpdateUserAdmin = `
		update users set admin = $2, updated_at = now() where id = $1
	`

	sqlListAdmins = `
		select id from users where admin order by id
	`

	sqlInsertSlot = `
		insert into slots(id, point_cost, default_label, pings_remaining, created_at, updated_at)
		values($1, $2, $3, 0, now(), now())
	`

	sqlDeleteSlot = `
		delete from slots where id = $1
	`

	sqlSelectSlot = `
		select id, point_cost, default_label, occupant_id,
			coalesce(extract(epoch from expires_at)::bigint, 0), pings_remaining
		from slots where id = $1
	`

	sqlSelectSlotForUpdate = sqlSelectSlot + ` for update`

	sqlListSlots = `
		select id, point_cost, default_label, occupant_id,
			coalesce(extract(epoch from expires_at)::bigint, 0), pings_remaining
		from slots order by id
	`

	sqlListOccupiedSlots = `
		select id, point_cost, default_label, occupant_id,
			coalesce(extract(epoch from expires_at)::bigint, 0), pings_remaining
		from slots where occupant_id is not null order by id
	`

	sqlSelectSlotByOccupant = `
		select id, point_cost, default_label, occupant_id,
			coalesce(extract(epoch from expires_at)::bigint, 0), pings_remaining
		from slots where occupant_id = $1
	`

	sqlUpdateSlotOccupancy = `
		update slots
		set occupant_id = $2, expires_at = to_timestamp(nullif($3::bigint, 0)), pings_remaining = $4, updated_at = now()
		where id = $1
	`

	sqlUpdateSlotPings = `
		update slots set pings_remaining = $2, updated_at = now() where id = $1
	`

	sqlUpdateSlotRate = `
		update slots set point_cost = $2, updated_at = now() where id = $1
	`

	sqlInsertTicket = `
		insert into tickets(requester_id, status, created_at) values($1, 'pending', to_timestamp($2))
		returning id
	`

	sqlSelectTicket = `
		select id, requester_id, status, coalesce(currency, ''), quoted_points, quoted_price_cents,
			coalesce(transaction_id, ''), coalesce(metadata::text, ''),
			extract(epoch from created_at)::bigint,
			coalesce(extract(epoch from completed_at)::bigint, 0)
		from tickets where id = $1
	`

	sqlSelectTicketForUpdate = sqlSelectTicket + ` for update`

	sqlSelectTicketsByUser = `
		select id, requester_id, status, coalesce(currency, ''), quoted_points, quoted_price_cents,
			coalesce(transaction_id, ''), coalesce(metadata::text, ''),
			extract(epoch from created_at)::bigint,
			coalesce(extract(epoch from completed_at)::bigint, 0)
		from tickets where requester_id = $1 order by created_at desc, id desc
	`

	sqlUpdateTicketQuote = `
		update tickets
		set currency = $2, quoted_points = $3, quoted_price_cents = $4,
			metadata = coalesce(nullif($5, ''), '{}')::jsonb
		where id = $1 and status = 'pending'
	`

	sqlCompleteTicket = `
		update tickets
		set status = 'completed', transaction_id = $2, completed_at = to_timestamp($3)
		where id = $1 and status = 'pending'
	`

	sqlFailTicket = `
		update tickets set status = 'failed' where id = $1 and status = 'pending'
	`

	sqlTransactionConsumed = `
		select exists(select 1 from tickets where transaction_id = $1)
	`
)

// dbtx is the subset of pgxpool.Pool and pgx.Tx the queries need.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements rental.Store using a pgx connection pool (autocommit).
type Store struct {
	queries
	pool *pgxpool.Pool
}

// TxStore implements rental.Store for an active transaction.
type TxStore struct {
	queries
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{queries: queries{db: pool}, pool: pool}
}

// WithTx runs fn inside a database transaction; the nested store commits with
// the closure and rolls back on error.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore rental.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{queries: queries{db: tx}, tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

// WithTx on a TxStore reuses the already-open transaction.
func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore rental.Store) error) error {
	return fn(ctx, store)
}

// queries holds the shared method set over either the pool or a transaction.
type queries struct {
	db dbtx
}

func (q queries) GetOrCreateUser(ctx context.Context, userID rental.UserID) (rental.User, error) {
	var user rental.User
	err := q.db.QueryRow(ctx, sqlInsertOrGetUser, int64(userID)).Scan(&user.ID, &user.Balance, &user.Admin)
	if err != nil {
		return rental.User{}, wrapStoreError(errorSubjectUser, errorCodeLookup, err)
	}
	return user, nil
}

func (q queries) GetUserForUpdate(ctx context.Context, userID rental.UserID) (rental.User, error) {
	if _, err := q.GetOrCreateUser(ctx, userID); err != nil {
		return rental.User{}, err
	}
	var user rental.User
	err := q.db.QueryRow(ctx, sqlSelectUserForUpdate, int64(userID)).Scan(&user.ID, &user.Balance, &user.Admin)
	if err != nil {
		return rental.User{}, wrapStoreError(errorSubjectUser, errorCodeGet, err)
	}
	return user, nil
}

func (q queries) SetUserBalance(ctx context.Context, userID rental.UserID, balance rental.Points) error {
	if _, err := q.db.Exec(ctx, sqlUpdateUserBalance, int64(userID), int64(balance)); err != nil {
		return wrapStoreError(errorSubjectUser, errorCodeUpdate, err)
	}
	return nil
}

func (q queries) SetUserAdmin(ctx context.Context, userID rental.UserID, admin bool) error {
	if _, err := q.db.Exec(ctx, sqlUpdateUserAdmin, int64(userID), admin); err != nil {
		return wrapStoreError(errorSubjectUser, errorCodeUpdate, err)
	}
	return nil
}

func (q queries) ListAdmins(ctx context.Context) ([]rental.UserID, error) {
	rows, err := q.db.Query(ctx, sqlListAdmins)
	if err != nil {
		return nil, wrapStoreError(errorSubjectUser, errorCodeList, err)
	}
	defer rows.Close()
	var admins []rental.UserID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, wrapStoreError(errorSubjectUser, errorCodeList, err)
		}
		admins = append(admins, rental.UserID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectUser, errorCodeList, err)
	}
	return admins, nil
}

func (q queries) CreateSlot(ctx context.Context, slot rental.Slot) error {
	_, err := q.db.Exec(ctx, sqlInsertSlot, int64(slot.ID), int64(slot.PointCost), slot.DefaultLabel)
	if isUniqueViolation(err, constraintSlotPrimary) {
		return wrapStoreError(errorSubjectSlot, errorCodeCreate, rental.ErrSlotExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectSlot, errorCodeCreate, err)
	}
	return nil
}

func (q queries) DeleteSlot(ctx context.Context, slotID rental.SlotID) error {
	tag, err := q.db.Exec(ctx, sqlDeleteSlot, int64(slotID))
	if err != nil {
		return wrapStoreError(errorSubjectSlot, errorCodeDelete, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectSlot, errorCodeDelete, rental.ErrSlotNotFound)
	}
	return nil
}

func (q queries) GetSlot(ctx context.Context, slotID rental.SlotID) (rental.Slot, error) {
	slot, err := scanSlot(q.db.QueryRow(ctx, sqlSelectSlot, int64(slotID)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rental.Slot{}, wrapStoreError(errorSubjectSlot, errorCodeGet, rental.ErrSlotNotFound)
		}
		return rental.Slot{}, wrapStoreError(errorSubjectSlot, errorCodeGet, err)
	}
	return slot, nil
}

func (q queries) GetSlotForUpdate(ctx context.Context, slotID rental.SlotID) (rental.Slot, error) {
	slot, err := scanSlot(q.db.QueryRow(ctx, sqlSelectSlotForUpdate, int64(slotID)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rental.Slot{}, wrapStoreError(errorSubjectSlot, errorCodeGet, rental.ErrSlotNotFound)
		}
		return rental.Slot{}, wrapStoreError(errorSubjectSlot, errorCodeGet, err)
	}
	return slot, nil
}

func (q queries) ListSlots(ctx context.Context) ([]rental.Slot, error) {
	return q.querySlots(ctx, sqlListSlots)
}

func (q queries) ListOccupiedSlots(ctx context.Context) ([]rental.Slot, error) {
	return q.querySlots(ctx, sqlListOccupiedSlots)
}

func (q queries) SlotByOccupant(ctx context.Context, userID rental.UserID) (*rental.Slot, error) {
	slot, err := scanSlot(q.db.QueryRow(ctx, sqlSelectSlotByOccupant, int64(userID)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapStoreError(errorSubjectSlot, errorCodeLookup, err)
	}
	return &slot, nil
}

func (q queries) SetSlotOccupancy(ctx context.Context, slotID rental.SlotID, occupancy *rental.Occupancy) error {
	var (
		occupantID     *int64
		expiresUnixUTC int64
		pingsRemaining int
	)
	if occupancy != nil {
		occupant := int64(occupancy.UserID)
		occupantID = &occupant
		expiresUnixUTC = occupancy.ExpiresUnixUTC
		pingsRemaining = occupancy.PingsRemaining
	}
	tag, err := q.db.Exec(ctx, sqlUpdateSlotOccupancy, int64(slotID), occupantID, expiresUnixUTC, pingsRemaining)
	if isUniqueViolation(err, constraintSlotOccupantKey) {
		return wrapStoreError(errorSubjectSlot, errorCodeUpdate, rental.ErrUserHoldsSlot)
	}
	if err != nil {
		return wrapStoreError(errorSubjectSlot, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectSlot, errorCodeUpdate, rental.ErrSlotNotFound)
	}
	return nil
}

func (q queries) SetSlotPings(ctx context.Context, slotID rental.SlotID, pingsRemaining int) error {
	tag, err := q.db.Exec(ctx, sqlUpdateSlotPings, int64(slotID), pingsRemaining)
	if err != nil {
		return wrapStoreError(errorSubjectSlot, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectSlot, errorCodeUpdate, rental.ErrSlotNotFound)
	}
	return nil
}

func (q queries) SetSlotRate(ctx context.Context, slotID rental.SlotID, pointCost rental.Points) error {
	tag, err := q.db.Exec(ctx, sqlUpdateSlotRate, int64(slotID), int64(pointCost))
	if err != nil {
		return wrapStoreError(errorSubjectSlot, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectSlot, errorCodeUpdate, rental.ErrSlotNotFound)
	}
	return nil
}

func (q queries) CreateTicket(ctx context.Context, requesterID rental.UserID, createdUnixUTC int64) (rental.TicketID, error) {
	var ticketID int64
	err := q.db.QueryRow(ctx, sqlInsertTicket, int64(requesterID), createdUnixUTC).Scan(&ticketID)
	if err != nil {
		return 0, wrapStoreError(errorSubjectTicket, errorCodeCreate, err)
	}
	return rental.TicketID(ticketID), nil
}

func (q queries) GetTicket(ctx context.Context, ticketID rental.TicketID) (rental.Ticket, error) {
	ticket, err := scanTicket(q.db.QueryRow(ctx, sqlSelectTicket, int64(ticketID)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rental.Ticket{}, wrapStoreError(errorSubjectTicket, errorCodeGet, rental.ErrTicketNotFound)
		}
		return rental.Ticket{}, wrapStoreError(errorSubjectTicket, errorCodeGet, err)
	}
	return ticket, nil
}

func (q queries) GetTicketForUpdate(ctx context.Context, ticketID rental.TicketID) (rental.Ticket, error) {
	ticket, err := scanTicket(q.db.QueryRow(ctx, sqlSelectTicketForUpdate, int64(ticketID)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rental.Ticket{}, wrapStoreError(errorSubjectTicket, errorCodeGet, rental.ErrTicketNotFound)
		}
		return rental.Ticket{}, wrapStoreError(errorSubjectTicket, errorCodeGet, err)
	}
	return ticket, nil
}

func (q queries) TicketsByUser(ctx context.Context, userID rental.UserID) ([]rental.Ticket, error) {
	rows, err := q.db.Query(ctx, sqlSelectTicketsByUser, int64(userID))
	if err != nil {
		return nil, wrapStoreError(errorSubjectTicket, errorCodeList, err)
	}
	defer rows.Close()
	var tickets []rental.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTicket, errorCodeList, err)
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTicket, errorCodeList, err)
	}
	return tickets, nil
}

func (q queries) SetTicketQuote(ctx context.Context, ticketID rental.TicketID, points rental.Points, priceCents int64, currency rental.Currency, metadataJSON string) error {
	tag, err := q.db.Exec(ctx, sqlUpdateTicketQuote, int64(ticketID), string(currency), int64(points), priceCents, metadataJSON)
	if err != nil {
		return wrapStoreError(errorSubjectTicket, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectTicket, errorCodeUpdate, rental.ErrTicketClosed)
	}
	return nil
}

func (q queries) MarkTicketCompleted(ctx context.Context, ticketID rental.TicketID, transactionID string, completedUnixUTC int64) error {
	tag, err := q.db.Exec(ctx, sqlCompleteTicket, int64(ticketID), transactionID, completedUnixUTC)
	if isUniqueViolation(err, constraintTicketTransactionKey) {
		return wrapStoreError(errorSubjectTicket, errorCodeUpdate, rental.ErrDuplicateTransaction)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTicket, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectTicket, errorCodeUpdate, rental.ErrTicketClosed)
	}
	return nil
}

func (q queries) MarkTicketFailed(ctx context.Context, ticketID rental.TicketID) error {
	tag, err := q.db.Exec(ctx, sqlFailTicket, int64(ticketID))
	if err != nil {
		return wrapStoreError(errorSubjectTicket, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectTicket, errorCodeUpdate, rental.ErrTicketClosed)
	}
	return nil
}

func (q queries) TransactionConsumed(ctx context.Context, transactionID string) (bool, error) {
	var consumed bool
	if err := q.db.QueryRow(ctx, sqlTransactionConsumed, transactionID).Scan(&consumed); err != nil {
		return false, wrapStoreError(errorSubjectTicket, errorCodeLookup, err)
	}
	return consumed, nil
}

func (q queries) querySlots(ctx context.Context, sql string) ([]rental.Slot, error) {
	rows, err := q.db.Query(ctx, sql)
	if err != nil {
		return nil, wrapStoreError(errorSubjectSlot, errorCodeList, err)
	}
	defer rows.Close()
	var slots []rental.Slot
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectSlot, errorCodeList, err)
		}
		slots = append(slots, slot)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectSlot, errorCodeList, err)
	}
	return slots, nil
}

func scanSlot(row pgx.Row) (rental.Slot, error) {
	var (
		slot           rental.Slot
		occupantID     *int64
		expiresUnixUTC int64
		pingsRemaining int
	)
	err := row.Scan(&slot.ID, &slot.PointCost, &slot.DefaultLabel, &occupantID, &expiresUnixUTC, &pingsRemaining)
	if err != nil {
		return rental.Slot{}, err
	}
	if occupantID != nil {
		slot.Occupancy = &rental.Occupancy{
			UserID:         rental.UserID(*occupantID),
			ExpiresUnixUTC: expiresUnixUTC,
			PingsRemaining: pingsRemaining,
		}
	}
	return slot, nil
}

func scanTicket(row pgx.Row) (rental.Ticket, error) {
	var (
		ticket   rental.Ticket
		status   string
		currency string
	)
	err := row.Scan(
		&ticket.ID,
		&ticket.RequesterID,
		&status,
		&currency,
		&ticket.QuotedPoints,
		&ticket.QuotedPriceCents,
		&ticket.TransactionID,
		&ticket.MetadataJSON,
		&ticket.CreatedUnixUTC,
		&ticket.CompletedUnixUTC,
	)
	if err != nil {
		return rental.Ticket{}, err
	}
	ticket.Status = rental.TicketStatus(status)
	ticket.Currency = rental.Currency(currency)
	return ticket, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return rental.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	return false
}
