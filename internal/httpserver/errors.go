package httpserver

import (
	"errors"
	"net/http"

	"github.com/MarkoPoloResearchLab/slotrental/pkg/rental"
)

const (
	codeSlotNotFound          = "slot_not_found"
	codeSlotExists            = "slot_exists"
	codeSlotOccupied          = "slot_occupied"
	codeSlotNotOccupied       = "slot_not_occupied"
	codeUserHoldsSlot         = "user_holds_slot"
	codeNotOccupant           = "not_occupant"
	codePingQuotaExhausted    = "ping_quota_exhausted"
	codeInsufficientFunds     = "insufficient_funds"
	codeUnknownDuration       = "unknown_duration"
	codeUnknownPackage        = "unknown_package"
	codeUnknownCurrency       = "unknown_currency"
	codeTicketNotFound        = "ticket_not_found"
	codeTicketClosed          = "ticket_closed"
	codeTicketNotQuoted       = "ticket_not_quoted"
	codeDuplicateTransaction  = "duplicate_transaction"
	codeVerificationTransient = "verification_transient"
	codeVerificationRejected  = "verification_rejected"
	codeInvalidAmount         = "invalid_amount"
	codeInternal              = "internal_error"
)

type errorMapping struct {
	status int
	code   string
}

var errorMappings = []struct {
	sentinel error
	mapping  errorMapping
}{
	{rental.ErrSlotNotFound, errorMapping{http.StatusNotFound, codeSlotNotFound}},
	{rental.ErrTicketNotFound, errorMapping{http.StatusNotFound, codeTicketNotFound}},
	{rental.ErrSlotExists, errorMapping{http.StatusConflict, codeSlotExists}},
	{rental.ErrSlotOccupied, errorMapping{http.StatusConflict, codeSlotOccupied}},
	{rental.ErrSlotNotOccupied, errorMapping{http.StatusConflict, codeSlotNotOccupied}},
	{rental.ErrUserHoldsSlot, errorMapping{http.StatusConflict, codeUserHoldsSlot}},
	{rental.ErrDuplicateTransaction, errorMapping{http.StatusConflict, codeDuplicateTransaction}},
	{rental.ErrTicketClosed, errorMapping{http.StatusConflict, codeTicketClosed}},
	{rental.ErrNotOccupant, errorMapping{http.StatusForbidden, codeNotOccupant}},
	{rental.ErrPingQuotaExhausted, errorMapping{http.StatusTooManyRequests, codePingQuotaExhausted}},
	{rental.ErrInsufficientFunds, errorMapping{http.StatusPaymentRequired, codeInsufficientFunds}},
	{rental.ErrUnknownDuration, errorMapping{http.StatusBadRequest, codeUnknownDuration}},
	{rental.ErrUnknownPackage, errorMapping{http.StatusBadRequest, codeUnknownPackage}},
	{rental.ErrUnknownCurrency, errorMapping{http.StatusBadRequest, codeUnknownCurrency}},
	{rental.ErrTicketNotQuoted, errorMapping{http.StatusBadRequest, codeTicketNotQuoted}},
	{rental.ErrInvalidAmount, errorMapping{http.StatusBadRequest, codeInvalidAmount}},
	{rental.ErrVerificationRejected, errorMapping{http.StatusUnprocessableEntity, codeVerificationRejected}},
	{rental.ErrVerificationTransient, errorMapping{http.StatusServiceUnavailable, codeVerificationTransient}},
}

// mapError resolves a domain error to an HTTP status and stable error code.
func mapError(err error) (int, string) {
	for _, entry := range errorMappings {
		if errors.Is(err, entry.sentinel) {
			return entry.mapping.status, entry.mapping.code
		}
	}
	return http.StatusInternalServerError, codeInternal
}
