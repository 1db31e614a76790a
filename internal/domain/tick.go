package domain

import "time"

// Tick is one normalized price observation from the upstream feed. Ticks are
// ephemeral: consumed for trigger evaluation and broadcast, never persisted.
type Tick struct {
	Symbol     string
	Price      float64
	ReceivedAt time.Time
}

// Settlement is the result of closing one position. It is returned to manual
// callers and carried in the closure broadcast.
type Settlement struct {
	PositionID string      `json:"id"`
	Symbol     string      `json:"symbol"`
	ExitPrice  float64     `json:"exit_price"`
	PnL        float64     `json:"pnl"`
	Credit     float64     `json:"credit"` // amount returned to the account
	Reason     CloseReason `json:"reason"`
	ClosedAt   time.Time   `json:"closed_at"`
}

// ChangeOp is the kind of mutation carried by a position change-feed event.
type ChangeOp string

const (
	ChangeOpInsert ChangeOp = "insert"
	ChangeOpUpdate ChangeOp = "update"
	ChangeOpDelete ChangeOp = "delete"
)

// ChangeEvent is one entry from the durable store's position change feed.
// For deletes only the ID is populated.
type ChangeEvent struct {
	Op       ChangeOp
	Position Position
}
