// Package ws holds WebSocket message types and the Hub implementation.
// messages.go defines all message structs pushed to connected clients.
package ws

import (
	"time"

	"github.com/ghostlend/protocol/internal/domain"
)

// MsgType identifies the kind of WS message so clients can switch on it.
type MsgType string

const (
	MsgTypeActivity MsgType = "activity"
)

// ──────────────────────────────────────────────────────────────────────────────
// ActivityMessage: one projected ledger event.
// ──────────────────────────────────────────────────────────────────────────────

// ActivityMessage carries a feed entry as soon as the indexer projects it.
type ActivityMessage struct {
	Type      MsgType               `json:"type"`
	Activity  domain.ActivityRecord `json:"activity"`
	Timestamp time.Time             `json:"timestamp"`
}
