package events

// Event enumerates high-level topics inside the options core.
type Event string

const (
	EventPriceTick           Event = "price_tick"
	EventFeedHealth          Event = "feed.health"
	EventSignalGenerated     Event = "signal.generated"
	EventRiskRejected        Event = "risk.rejected"
	EventBalanceInsufficient Event = "balance.insufficient"
	EventOrderPlaced         Event = "order.placed"
	EventOrderFilled         Event = "order.filled"
	EventOrderExited         Event = "order.exited"
	EventOrderCancelled      Event = "order.cancelled"
	EventOrderRejected       Event = "order.rejected"
	EventLedgerReset         Event = "ledger.reset"
)
