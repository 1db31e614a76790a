// Package service holds the application services in front of the engine: the
// trade service for user-facing open/close/edit operations and the closure
// broadcaster.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shuxto/eutrading/internal/domain"
	"github.com/shuxto/eutrading/internal/engine"
	"github.com/shuxto/eutrading/internal/notify"
)

// Broadcaster publishes settlement results to UI clients over the signal bus
// and raises operator notifications for forced closures. Pure fan-out, no
// business logic; failures are logged and never propagate back into
// settlement.
type Broadcaster struct {
	bus      domain.SignalBus
	notifier *notify.Notifier // optional
	log      *slog.Logger
}

// NewBroadcaster creates a Broadcaster. notifier may be nil.
func NewBroadcaster(bus domain.SignalBus, notifier *notify.Notifier, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		bus:      bus,
		notifier: notifier,
		log:      logger.With(slog.String("component", "broadcaster")),
	}
}

// PublishClosure announces one settled position.
func (b *Broadcaster) PublishClosure(ctx context.Context, s domain.Settlement) {
	payload, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := b.bus.Publish(ctx, engine.ChannelClosures, payload); err != nil {
		b.log.WarnContext(ctx, "closure broadcast failed",
			slog.String("position_id", s.PositionID),
			slog.String("error", err.Error()),
		)
	}

	if b.notifier == nil {
		return
	}
	title := fmt.Sprintf("Position closed: %s", s.Reason)
	msg := fmt.Sprintf("%s %s exit=%.6g pnl=%.2f credit=%.2f at %s",
		s.PositionID, s.Symbol, s.ExitPrice, s.PnL, s.Credit,
		s.ClosedAt.Format(time.RFC3339),
	)
	event := "closure"
	if s.Reason == domain.CloseReasonLiquidation {
		event = "liquidation"
	}
	if err := b.notifier.Notify(ctx, event, title, msg); err != nil {
		b.log.WarnContext(ctx, "closure notification failed",
			slog.String("position_id", s.PositionID),
			slog.String("error", err.Error()),
		)
	}
}

// Compile-time interface check.
var _ engine.ClosurePublisher = (*Broadcaster)(nil)
