package rental

const (
	operationAdjustBalance   = "adjust_balance"
	operationSetAdmin        = "set_admin"
	operationPurchaseSlot    = "purchase_slot"
	operationReleaseSlot     = "release_slot"
	operationUsePing         = "use_ping"
	operationAdjustPingQuota = "adjust_ping_quota"
	operationAddSlot         = "add_slot"
	operationRemoveSlot      = "remove_slot"
	operationSetSlotRate     = "set_slot_rate"
	operationCreateTicket    = "create_ticket"
	operationQuotePurchase   = "quote_purchase"
	operationSubmitTx        = "submit_transaction"

	operationStatusOK    = "ok"
	operationStatusError = "error"
)
