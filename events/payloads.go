package events

// Status is the canonical bot snapshot pushed to every viewer on connect and
// on every status tick.
type Status struct {
	Running       bool     `json:"running"`
	UptimeSeconds int64    `json:"uptime"`
	PaperMode     bool     `json:"paperMode"`
	Symbols       []string `json:"symbols"`
	Errors        []string `json:"errors"`
	RateLimit     *Usage   `json:"rateLimit,omitempty"`
}

// Balance mirrors the ledger's derived view. Values are converted from the
// ledger's decimals at the boundary. TotalPositionValue is the summed margin
// locked in open positions and TotalPnL is realized plus unrealized; the
// margin/PnL split fields carry the same information at finer grain.
type Balance struct {
	TotalBalance       float64 `json:"totalBalance"`
	AvailableBalance   float64 `json:"availableBalance"`
	TotalPositionValue float64 `json:"totalPositionValue"`
	TotalPnL           float64 `json:"totalPnL"`
	UsedMargin         float64 `json:"usedMargin"`
	UnrealizedPnL      float64 `json:"unrealizedPnL"`
	RealizedPnL        float64 `json:"realizedPnL"`
	Source             string  `json:"source,omitempty"`
}

// Position is one open position row as served by GET /positions and as
// carried by position_update events that include full fields.
type Position struct {
	Symbol           string   `json:"symbol"`
	Side             string   `json:"side"`
	Quantity         float64  `json:"quantity"`
	EntryPrice       float64  `json:"entryPrice"`
	MarkPrice        float64  `json:"markPrice"`
	PnL              float64  `json:"pnl"`
	PnLPercent       float64  `json:"pnlPercent"`
	Margin           float64  `json:"margin"`
	Leverage         float64  `json:"leverage"`
	StopLoss         *float64 `json:"stopLoss,omitempty"`
	TakeProfit       *float64 `json:"takeProfit,omitempty"`
	LiquidationPrice *float64 `json:"liquidationPrice,omitempty"`
	HasStopLoss      bool     `json:"hasStopLoss,omitempty"`
	HasTakeProfit    bool     `json:"hasTakeProfit,omitempty"`
}

// PnLUpdate carries a mark-to-market tick for one position.
type PnLUpdate struct {
	Symbol string  `json:"symbol"`
	Side   string  `json:"side"`
	PnL    float64 `json:"pnl"`
}

// Order is the shared payload for the order_* event family.
type Order struct {
	OrderID  string  `json:"orderId,omitempty"`
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Type     string  `json:"type,omitempty"`
	Quantity float64 `json:"quantity,omitempty"`
	Price    float64 `json:"price,omitempty"`
	Status   string  `json:"status,omitempty"`
	Reason   string  `json:"reason,omitempty"`
}

// Usage is a sampled view of exchange rate-limit consumption.
type Usage struct {
	UsedWeight int     `json:"usedWeight"`
	Limit      int     `json:"limit"`
	Percent    float64 `json:"percent"`
}

// SessionInfo identifies one bot run.
type SessionInfo struct {
	SessionID string `json:"sessionId"`
	StartedAt int64  `json:"startedAt"`
	PaperMode bool   `json:"paperMode"`
}

// Error is the payload of every <category>_error event.
type Error struct {
	Category ErrorCategory `json:"category"`
	Message  string        `json:"message"`
	Context  string        `json:"context,omitempty"`
}

// Activity is a free-form human-readable log line for the dashboard feed.
type Activity struct {
	Message string `json:"message"`
	Level   string `json:"level,omitempty"`
}

// ConfigReload reports the outcome of a reload_config command.
type ConfigReload struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
