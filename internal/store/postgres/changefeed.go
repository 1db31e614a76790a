package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/shuxto/eutrading/internal/domain"
)

// feedChannel is the NOTIFY channel populated by the positions trigger.
const feedChannel = "positions_feed"

// ChangeFeed implements domain.ChangeFeed on top of Postgres LISTEN/NOTIFY.
// It holds a dedicated connection outside the pool; a lost connection is
// re-established with a fixed backoff. Missed notifications during an outage
// are tolerated: the book reconciles through settlement's own guards and the
// next restart load.
type ChangeFeed struct {
	dsn     string
	backoff time.Duration
	log     *slog.Logger
}

// NewChangeFeed creates a ChangeFeed that connects with the given DSN.
func NewChangeFeed(dsn string, logger *slog.Logger) *ChangeFeed {
	return &ChangeFeed{
		dsn:     dsn,
		backoff: 3 * time.Second,
		log:     logger.With(slog.String("component", "change_feed")),
	}
}

// Subscribe opens the listener connection and returns a channel of change
// events. The goroutine behind it reconnects on failure and only stops, and
// closes the channel, when ctx is cancelled.
func (f *ChangeFeed) Subscribe(ctx context.Context) (<-chan domain.ChangeEvent, error) {
	conn, err := f.listen(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan domain.ChangeEvent, 128)
	go func() {
		defer close(out)
		defer func() {
			if conn != nil {
				_ = conn.Close(context.Background())
			}
		}()

		for {
			if conn == nil {
				select {
				case <-ctx.Done():
					return
				case <-time.After(f.backoff):
				}
				var err error
				conn, err = f.listen(ctx)
				if err != nil {
					f.log.WarnContext(ctx, "change feed reconnect failed",
						slog.String("error", err.Error()),
					)
					continue
				}
				f.log.InfoContext(ctx, "change feed reconnected")
			}

			notification, err := conn.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				f.log.WarnContext(ctx, "change feed connection lost",
					slog.String("error", err.Error()),
				)
				_ = conn.Close(context.Background())
				conn = nil
				continue
			}

			ev, ok := parseChange([]byte(notification.Payload))
			if !ok {
				f.log.Warn("change feed dropped malformed payload")
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// listen opens a fresh connection and issues LISTEN.
func (f *ChangeFeed) listen(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, f.dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: change feed connect: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+feedChannel); err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("postgres: listen %s: %w", feedChannel, err)
	}
	return conn, nil
}

// wirePosition mirrors row_to_json(positions) from the trigger payload.
type wirePosition struct {
	ID               string     `json:"id"`
	AccountID        string     `json:"account_id"`
	Symbol           string     `json:"symbol"`
	Side             string     `json:"side"`
	EntryPrice       float64    `json:"entry_price"`
	Size             float64    `json:"size"`
	Leverage         float64    `json:"leverage"`
	Margin           float64    `json:"margin"`
	StopLoss         float64    `json:"stop_loss"`
	TakeProfit       float64    `json:"take_profit"`
	LiquidationPrice float64    `json:"liquidation_price"`
	Status           string     `json:"status"`
	ExitPrice        float64    `json:"exit_price"`
	PnL              float64    `json:"pnl"`
	OpenedAt         time.Time  `json:"opened_at"`
	ClosedAt         *time.Time `json:"closed_at"`
}

func parseChange(payload []byte) (domain.ChangeEvent, bool) {
	var msg struct {
		Op       string       `json:"op"`
		Position wirePosition `json:"position"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return domain.ChangeEvent{}, false
	}

	var op domain.ChangeOp
	switch msg.Op {
	case "insert":
		op = domain.ChangeOpInsert
	case "update":
		op = domain.ChangeOpUpdate
	case "delete":
		op = domain.ChangeOpDelete
	default:
		return domain.ChangeEvent{}, false
	}
	if msg.Position.ID == "" {
		return domain.ChangeEvent{}, false
	}

	w := msg.Position
	return domain.ChangeEvent{
		Op: op,
		Position: domain.Position{
			ID:               w.ID,
			AccountID:        w.AccountID,
			Symbol:           w.Symbol,
			Side:             domain.Side(w.Side),
			EntryPrice:       w.EntryPrice,
			Size:             w.Size,
			Leverage:         w.Leverage,
			Margin:           w.Margin,
			StopLoss:         w.StopLoss,
			TakeProfit:       w.TakeProfit,
			LiquidationPrice: w.LiquidationPrice,
			Status:           domain.PositionStatus(w.Status),
			ExitPrice:        w.ExitPrice,
			PnL:              w.PnL,
			OpenedAt:         w.OpenedAt,
			ClosedAt:         w.ClosedAt,
		},
	}, true
}

// Compile-time interface check.
var _ domain.ChangeFeed = (*ChangeFeed)(nil)
