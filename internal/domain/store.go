package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists positions. Open and Settle are transactional: the
// margin debit / balance credit and the position row change commit together.
type PositionStore interface {
	// Open inserts the position and debits its margin from the owning
	// account in one transaction. Returns ErrInsufficientBalance when the
	// account cannot cover the margin.
	Open(ctx context.Context, pos Position) error

	// Settle marks the position closed and credits the account in one
	// transaction. The close mark is conditional on status still being
	// "open"; when another writer got there first it returns
	// ErrAlreadyClosed and nothing is written.
	Settle(ctx context.Context, id string, exitPrice, pnl, credit float64, closedAt time.Time) error

	// UpdateLevels replaces the stop-loss and take-profit of an open
	// position. Returns ErrAlreadyClosed when the position is not open.
	UpdateLevels(ctx context.Context, id string, stopLoss, takeProfit float64) error

	GetByID(ctx context.Context, id string) (Position, error)
	ListOpen(ctx context.Context) ([]Position, error)
	ListOpenByAccount(ctx context.Context, accountID string) ([]Position, error)
	ListClosed(ctx context.Context, accountID string, opts ListOpts) ([]Position, error)
}

// AccountStore persists accounts. AdjustBalance must be an atomic increment
// at the storage layer, never read-modify-write.
type AccountStore interface {
	GetByID(ctx context.Context, id string) (Account, error)
	AdjustBalance(ctx context.Context, id string, delta float64) error
}

// ChangeFeed streams position mutations from the durable store so the
// in-memory book stays live without polling. The returned channel is closed
// when the context is cancelled.
type ChangeFeed interface {
	Subscribe(ctx context.Context) (<-chan ChangeEvent, error)
}

// SignalBus is the pub/sub transport used to fan ticks and closure events out
// to UI clients.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// PriceCache provides fast access to the most recent tick per symbol.
type PriceCache interface {
	SetPrice(ctx context.Context, symbol string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, symbol string) (float64, time.Time, error)
}

// LockManager provides distributed locking for cross-process close claims.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// Quoter returns a current price for a symbol, used by the manual close path
// to obtain a confirmation price. Implementations must respect ctx deadlines
// and return ErrPriceUnavailable when no sufficiently fresh price exists.
type Quoter interface {
	Quote(ctx context.Context, symbol string) (float64, error)
}
