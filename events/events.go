// Package events defines the wire protocol between the bot process and its
// dashboard viewers: a closed set of message kinds and the payload schema for
// each structured kind. Both the hub (server side) and the store (viewer side)
// depend on this package, so neither needs to import the other.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies one message type on the wire.
type Kind string

// Server -> client kinds.
const (
	KindStatus              Kind = "status"
	KindPong                Kind = "pong"
	KindConfigReloading     Kind = "config_reloading"
	KindConfigReloadSuccess Kind = "config_reload_success"
	KindConfigReloadError   Kind = "config_reload_error"
	KindActivity            Kind = "activity"
	KindLiquidation         Kind = "liquidation"
	KindThresholdUpdate     Kind = "threshold_update"
	KindTradeOpportunity    Kind = "trade_opportunity"
	KindTradeBlocked        Kind = "trade_blocked"
	KindPositionUpdate      Kind = "position_update"
	KindBalanceUpdate       Kind = "balance_update"
	KindPnLUpdate           Kind = "pnl_update"
	KindOrderPlaced         Kind = "order_placed"
	KindOrderFilled         Kind = "order_filled"
	KindSLPlaced            Kind = "sl_placed"
	KindTPPlaced            Kind = "tp_placed"
	KindPositionClosed      Kind = "position_closed"
	KindOrderCancelled      Kind = "order_cancelled"
	KindOrderFailed         Kind = "order_failed"
	KindOrderUpdate         Kind = "order_update"
	KindTradeSizeWarnings   Kind = "trade_size_warnings"
	KindSessionInfo         Kind = "session_info"
	KindRateLimit           Kind = "rateLimit"
	KindShutdown            Kind = "shutdown"
)

// Client -> server kinds.
const (
	KindPing         Kind = "ping"
	KindReloadConfig Kind = "reload_config"
)

// ErrorCategory classifies error events for display routing.
type ErrorCategory string

const (
	ErrWebsocket ErrorCategory = "websocket"
	ErrAPI       ErrorCategory = "api"
	ErrTrading   ErrorCategory = "trading"
	ErrConfig    ErrorCategory = "config"
	ErrGeneral   ErrorCategory = "general"
)

// ErrorKind returns the wire kind for an error category, e.g. "api_error".
func ErrorKind(cat ErrorCategory) Kind {
	return Kind(string(cat) + "_error")
}

// Category extracts the error category from an error kind, or "" if k is not
// an error kind.
func Category(k Kind) ErrorCategory {
	s := string(k)
	const suffix = "_error"
	if len(s) <= len(suffix) || s[len(s)-len(suffix):] != suffix {
		return ""
	}
	switch cat := ErrorCategory(s[:len(s)-len(suffix)]); cat {
	case ErrWebsocket, ErrAPI, ErrTrading, ErrConfig, ErrGeneral:
		return cat
	}
	return ""
}

var serverKinds = map[Kind]bool{
	KindStatus: true, KindPong: true,
	KindConfigReloading: true, KindConfigReloadSuccess: true, KindConfigReloadError: true,
	KindActivity: true, KindLiquidation: true, KindThresholdUpdate: true,
	KindTradeOpportunity: true, KindTradeBlocked: true,
	KindPositionUpdate: true, KindBalanceUpdate: true, KindPnLUpdate: true,
	KindOrderPlaced: true, KindOrderFilled: true, KindSLPlaced: true, KindTPPlaced: true,
	KindPositionClosed: true, KindOrderCancelled: true, KindOrderFailed: true, KindOrderUpdate: true,
	KindTradeSizeWarnings: true, KindSessionInfo: true, KindRateLimit: true, KindShutdown: true,
}

var clientKinds = map[Kind]bool{
	KindPing: true, KindReloadConfig: true,
}

// KnownServerKind reports whether k is a kind the server is allowed to send.
// Error kinds are derived, so they are checked structurally.
func KnownServerKind(k Kind) bool {
	return serverKinds[k] || Category(k) != ""
}

// KnownClientKind reports whether k is a kind a viewer is allowed to send.
func KnownClientKind(k Kind) bool {
	return clientKinds[k]
}

// Envelope is the wire framing for every message in both directions.
// Timestamp is server-generated epoch milliseconds; it is zero on
// client->server messages.
type Envelope struct {
	Type      Kind            `json:"type"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// New stamps an envelope with the current time and marshals the payload.
func New(kind Kind, payload any) (Envelope, error) {
	env := Envelope{Type: kind, Timestamp: time.Now().UnixMilli()}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	env.Data = data
	return env, nil
}

// Decode parses one inbound frame. Frames with an unknown type or a
// payload that is not valid JSON are rejected; callers log and drop them.
func Decode(raw []byte, fromServer bool) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("parse frame: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("frame missing type")
	}
	if fromServer && !KnownServerKind(env.Type) {
		return Envelope{}, fmt.Errorf("unknown server message type %q", env.Type)
	}
	if !fromServer && !KnownClientKind(env.Type) {
		return Envelope{}, fmt.Errorf("unknown client message type %q", env.Type)
	}
	return env, nil
}

// Payload unmarshals the envelope data into dst.
func (e Envelope) Payload(dst any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, dst); err != nil {
		return fmt.Errorf("%s payload: %w", e.Type, err)
	}
	return nil
}
