package hub

import (
	"paperdash/events"
	"paperdash/ledger"
)

// Typed pass-through broadcasts. Each one stamps the payload with the server
// time and fans it out; none of them keeps state beyond the outgoing frame.

func (h *Hub) BroadcastActivity(msg, level string) {
	h.Broadcast(events.KindActivity, events.Activity{Message: msg, Level: level})
}

func (h *Hub) BroadcastLiquidation(data any)       { h.Broadcast(events.KindLiquidation, data) }
func (h *Hub) BroadcastThresholdUpdate(data any)   { h.Broadcast(events.KindThresholdUpdate, data) }
func (h *Hub) BroadcastTradeOpportunity(data any)  { h.Broadcast(events.KindTradeOpportunity, data) }
func (h *Hub) BroadcastTradeBlocked(data any)      { h.Broadcast(events.KindTradeBlocked, data) }
func (h *Hub) BroadcastTradeSizeWarnings(data any) { h.Broadcast(events.KindTradeSizeWarnings, data) }
func (h *Hub) BroadcastOrderUpdate(o events.Order) { h.Broadcast(events.KindOrderUpdate, o) }
func (h *Hub) BroadcastOrderPlaced(o events.Order) { h.Broadcast(events.KindOrderPlaced, o) }
func (h *Hub) BroadcastOrderFilled(o events.Order) { h.Broadcast(events.KindOrderFilled, o) }
func (h *Hub) BroadcastOrderCancelled(o events.Order) {
	h.Broadcast(events.KindOrderCancelled, o)
}
func (h *Hub) BroadcastOrderFailed(o events.Order) { h.Broadcast(events.KindOrderFailed, o) }
func (h *Hub) BroadcastSLPlaced(o events.Order)    { h.Broadcast(events.KindSLPlaced, o) }
func (h *Hub) BroadcastTPPlaced(o events.Order)    { h.Broadcast(events.KindTPPlaced, o) }

func (h *Hub) BroadcastPositionUpdate(p events.Position) {
	h.Broadcast(events.KindPositionUpdate, p)
}

func (h *Hub) BroadcastPositionClosed(p events.Position) {
	h.Broadcast(events.KindPositionClosed, p)
}

func (h *Hub) BroadcastPnLUpdate(u events.PnLUpdate) {
	h.Broadcast(events.KindPnLUpdate, u)
}

func (h *Hub) BroadcastSessionInfo(info events.SessionInfo) {
	h.Broadcast(events.KindSessionInfo, info)
}

// BroadcastError emits a <category>_error event, records it in the bounded
// error log, and, for the config and api categories, also appends to the
// status error strip the dashboard header displays.
func (h *Hub) BroadcastError(cat events.ErrorCategory, msg, context string) {
	line := h.errors.append(cat, msg)
	if cat == events.ErrConfig || cat == events.ErrAPI {
		h.status.appendError(line)
	}
	h.Broadcast(events.ErrorKind(cat), events.Error{Category: cat, Message: msg, Context: context})
}

// PublishBalance implements ledger.Sink: every emitted ledger snapshot
// becomes a balance_update broadcast.
func (h *Hub) PublishBalance(b ledger.Balance) {
	h.Broadcast(events.KindBalanceUpdate, BalancePayload(b, "ledger"))
}

// BalancePayload converts the ledger's exact decimals to the wire's floats.
func BalancePayload(b ledger.Balance, source string) events.Balance {
	return events.Balance{
		TotalBalance:       b.TotalBalance.InexactFloat64(),
		AvailableBalance:   b.AvailableBalance.InexactFloat64(),
		TotalPositionValue: b.UsedMargin.InexactFloat64(),
		TotalPnL:           b.RealizedPnL.Add(b.UnrealizedPnL).InexactFloat64(),
		UsedMargin:         b.UsedMargin.InexactFloat64(),
		UnrealizedPnL:      b.UnrealizedPnL.InexactFloat64(),
		RealizedPnL:        b.RealizedPnL.InexactFloat64(),
		Source:             source,
	}
}
