// Package engine implements the position-monitoring core: the in-memory
// position book, the per-tick trigger evaluator, and the settlement engine
// that closes positions exactly once.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shuxto/eutrading/internal/domain"
)

const (
	// loadRetries bounds the startup load attempts before the book degrades
	// to empty and relies on the change feed to catch up.
	loadRetries = 5

	// loadBackoff is the delay between startup load attempts.
	loadBackoff = 2 * time.Second

	// feedBackoff is the delay before re-subscribing after the change feed
	// drops.
	feedBackoff = 3 * time.Second
)

// Book is the authoritative in-memory view of open positions, keyed by id
// with a secondary symbol index. Reads (trigger evaluation) far outnumber
// writes (change-feed application, settlement eviction), so it uses a
// reader-writer lock and hands out snapshot copies.
type Book struct {
	store domain.PositionStore
	feed  domain.ChangeFeed
	log   *slog.Logger

	mu       sync.RWMutex
	byID     map[string]domain.Position
	bySymbol map[string]map[string]struct{} // symbol -> set of position ids
}

// NewBook creates an empty Book that loads from store and stays in sync via
// feed.
func NewBook(store domain.PositionStore, feed domain.ChangeFeed, logger *slog.Logger) *Book {
	return &Book{
		store:    store,
		feed:     feed,
		log:      logger.With(slog.String("component", "position_book")),
		byID:     make(map[string]domain.Position),
		bySymbol: make(map[string]map[string]struct{}),
	}
}

// Load fetches all open positions from the store. Failures are retried with a
// fixed backoff; if every attempt fails the book starts empty and the change
// feed fills it in. Load never returns an error for that reason.
func (b *Book) Load(ctx context.Context) {
	for attempt := 1; attempt <= loadRetries; attempt++ {
		positions, err := b.store.ListOpen(ctx)
		if err == nil {
			b.mu.Lock()
			for _, p := range positions {
				b.put(p)
			}
			b.mu.Unlock()
			b.log.InfoContext(ctx, "book loaded", slog.Int("positions", len(positions)))
			return
		}

		b.log.WarnContext(ctx, "book load failed, retrying",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(loadBackoff):
		}
	}
	b.log.ErrorContext(ctx, "book load gave up, starting empty and catching up via change feed")
}

// Run consumes the store change feed and applies each event until the context
// is cancelled. A dropped subscription is re-established after a fixed delay.
func (b *Book) Run(ctx context.Context) error {
	for {
		ch, err := b.feed.Subscribe(ctx)
		if err != nil {
			b.log.WarnContext(ctx, "change feed subscribe failed",
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(feedBackoff):
			}
			continue
		}

		for ev := range ch {
			b.ApplyChange(ev)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.log.Warn("change feed closed, resubscribing")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(feedBackoff):
		}
	}
}

// ApplyChange folds one change-feed event into the book: open rows are added
// or replaced, anything no longer open is evicted.
func (b *Book) ApplyChange(ev domain.ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch ev.Op {
	case domain.ChangeOpDelete:
		b.drop(ev.Position.ID)
	case domain.ChangeOpInsert, domain.ChangeOpUpdate:
		if ev.Position.Status == domain.PositionStatusOpen {
			b.put(ev.Position)
		} else {
			b.drop(ev.Position.ID)
		}
	}
}

// Restore puts a position back after a failed settlement attempt so a later
// tick can retry it.
func (b *Book) Restore(p domain.Position) {
	if p.Status != domain.PositionStatusOpen {
		return
	}
	b.mu.Lock()
	b.put(p)
	b.mu.Unlock()
}

// Remove evicts a position the instant settlement claims it, so no further
// tick re-evaluates it and a late change-feed update cannot re-close it.
func (b *Book) Remove(id string) {
	b.mu.Lock()
	b.drop(id)
	b.mu.Unlock()
}

// PositionsFor returns a snapshot of the open positions on the given symbol.
// The caller can compare prices without holding any lock.
func (b *Book) PositionsFor(symbol string) []domain.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := b.bySymbol[symbol]
	if len(ids) == 0 {
		return nil
	}
	out := make([]domain.Position, 0, len(ids))
	for id := range ids {
		out = append(out, b.byID[id])
	}
	return out
}

// Get returns the position with the given id, if present.
func (b *Book) Get(id string) (domain.Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.byID[id]
	return p, ok
}

// Len returns the number of open positions currently held.
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byID)
}

// put and drop assume b.mu is held for writing.

func (b *Book) put(p domain.Position) {
	if old, ok := b.byID[p.ID]; ok && old.Symbol != p.Symbol {
		b.unindex(old)
	}
	b.byID[p.ID] = p
	set, ok := b.bySymbol[p.Symbol]
	if !ok {
		set = make(map[string]struct{})
		b.bySymbol[p.Symbol] = set
	}
	set[p.ID] = struct{}{}
}

func (b *Book) drop(id string) {
	p, ok := b.byID[id]
	if !ok {
		return
	}
	delete(b.byID, id)
	b.unindex(p)
}

func (b *Book) unindex(p domain.Position) {
	if set, ok := b.bySymbol[p.Symbol]; ok {
		delete(set, p.ID)
		if len(set) == 0 {
			delete(b.bySymbol, p.Symbol)
		}
	}
}
