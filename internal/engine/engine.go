package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shuxto/eutrading/internal/domain"
)

// Channel names on the signal bus.
const (
	ChannelPrices   = "prices"
	ChannelClosures = "closures"
)

// Config tunes the engine's internal queues and worker pool.
type Config struct {
	TickBuffer  int // capacity of the inbound tick queue
	Workers     int // settlement worker goroutines
	TriggerSize int // capacity of the trigger queue
}

func (c Config) withDefaults() Config {
	if c.TickBuffer <= 0 {
		c.TickBuffer = 1024
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.TriggerSize <= 0 {
		c.TriggerSize = 256
	}
	return c
}

// Engine glues the feed to the book, evaluator and settler. A single consumer
// goroutine drains the tick queue, which preserves per-symbol arrival order;
// settlement is dispatched to a worker pool so a slow storage write never
// delays evaluation of the next tick.
type Engine struct {
	book    *Book
	settler *Settler
	bus     domain.SignalBus
	prices  domain.PriceCache // optional
	log     *slog.Logger

	ticks    chan domain.Tick
	triggers chan Trigger
	workers  int
}

// New creates an Engine.
func New(book *Book, settler *Settler, bus domain.SignalBus, prices domain.PriceCache, cfg Config, logger *slog.Logger) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		book:     book,
		settler:  settler,
		bus:      bus,
		prices:   prices,
		log:      logger.With(slog.String("component", "engine")),
		ticks:    make(chan domain.Tick, cfg.TickBuffer),
		triggers: make(chan Trigger, cfg.TriggerSize),
		workers:  cfg.Workers,
	}
}

// HandleTick enqueues a tick for evaluation. It never blocks the caller (the
// feed read loop); when the queue is full the tick is dropped, the next one
// for the symbol supersedes it anyway.
func (e *Engine) HandleTick(t domain.Tick) {
	select {
	case e.ticks <- t:
	default:
		e.log.Warn("tick queue full, dropping tick", slog.String("symbol", t.Symbol))
	}
}

// Run starts the tick consumer and the settlement workers and blocks until
// the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.consumeTicks(ctx)
	})
	for i := 0; i < e.workers; i++ {
		g.Go(func() error {
			return e.settleTriggers(ctx)
		})
	}

	return g.Wait()
}

// consumeTicks evaluates each tick against the book, publishes the price
// update, and hands any triggers to the settlement workers.
func (e *Engine) consumeTicks(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-e.ticks:
			e.publishTick(ctx, t)

			for _, trig := range EvaluateTick(e.book, t) {
				select {
				case e.triggers <- trig:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

// settleTriggers drains the trigger queue. Race losses are expected and
// ignored; real failures are logged by the settler and the position is
// restored for a later retry.
func (e *Engine) settleTriggers(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case trig := <-e.triggers:
			_, err := e.settler.Close(ctx, trig.Position, trig.Price, trig.Reason)
			if err != nil && !errors.Is(err, domain.ErrAlreadyClosed) {
				e.log.WarnContext(ctx, "auto close failed",
					slog.String("position_id", trig.Position.ID),
					slog.String("reason", string(trig.Reason)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// publishTick records the latest price and broadcasts it. Both are
// best-effort: a cache or bus failure never stalls tick processing.
func (e *Engine) publishTick(ctx context.Context, t domain.Tick) {
	if e.prices != nil {
		if err := e.prices.SetPrice(ctx, t.Symbol, t.Price, t.ReceivedAt); err != nil {
			e.log.WarnContext(ctx, "price cache update failed",
				slog.String("symbol", t.Symbol),
				slog.String("error", err.Error()),
			)
		}
	}

	payload, err := json.Marshal(map[string]any{
		"symbol": t.Symbol,
		"price":  t.Price,
		"ts":     t.ReceivedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}
	if err := e.bus.Publish(ctx, ChannelPrices, payload); err != nil {
		e.log.WarnContext(ctx, "price broadcast failed",
			slog.String("symbol", t.Symbol),
			slog.String("error", err.Error()),
		)
	}
}
