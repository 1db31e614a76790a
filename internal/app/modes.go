package app

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shuxto/eutrading/internal/engine"
	"github.com/shuxto/eutrading/internal/feed"
	"github.com/shuxto/eutrading/internal/server"
	"github.com/shuxto/eutrading/internal/server/handler"
	"github.com/shuxto/eutrading/internal/server/ws"
	"github.com/shuxto/eutrading/internal/service"
)

// shutdownTimeout bounds the graceful HTTP server shutdown.
const shutdownTimeout = 10 * time.Second

// core bundles the monitor pipeline components shared between modes.
type core struct {
	book    *engine.Book
	settler *engine.Settler
	engine  *engine.Engine
}

// buildCore assembles the position book, settler and trigger engine on top of
// the wired dependencies.
func (a *App) buildCore(deps *Dependencies) *core {
	book := engine.NewBook(deps.PositionStore, deps.ChangeFeed, a.logger)
	broadcaster := service.NewBroadcaster(deps.SignalBus, deps.Notifier, a.logger)
	settler := engine.NewSettler(deps.PositionStore, book, deps.LockManager, broadcaster, a.logger)
	eng := engine.New(book, settler, deps.SignalBus, deps.PriceCache, engine.Config{
		TickBuffer:  a.cfg.Engine.TickBuffer,
		Workers:     a.cfg.Engine.Workers,
		TriggerSize: a.cfg.Engine.TriggerSize,
	}, a.logger)

	return &core{book: book, settler: settler, engine: eng}
}

// startMonitor adds the feed, book and engine goroutines to the errgroup.
func (a *App) startMonitor(ctx context.Context, g *errgroup.Group, c *core, deps *Dependencies) {
	// Seed the book before ticks start flowing; a failed load degrades to an
	// empty book and the change feed fills it in.
	c.book.Load(ctx)

	g.Go(func() error {
		return c.book.Run(ctx)
	})
	g.Go(func() error {
		return c.engine.Run(ctx)
	})

	adapter := feed.NewAdapter(a.cfg.Feed.WSURL, a.cfg.Feed.ApiKey, a.cfg.Feed.Symbols, a.logger)
	adapter.OnTick(c.engine.HandleTick)
	g.Go(func() error {
		return adapter.Run(ctx)
	})

	if deps.Archiver != nil {
		g.Go(func() error {
			return deps.Archiver.Run(ctx)
		})
	}
}

// startHTTPServer adds the HTTP+WebSocket server goroutines to the errgroup.
// The server is shut down gracefully when the context is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, c *core, deps *Dependencies) {
	quoter := feed.NewQuoter(deps.PriceCache, a.cfg.Feed.QuoteURL, a.cfg.Feed.ApiKey, a.cfg.Feed.PriceMaxAge.Duration, a.logger)
	trades := service.NewTradeService(deps.PositionStore, deps.AccountStore, quoter, c.settler, a.logger)

	hub := ws.NewHub(deps.SignalBus, []string{engine.ChannelPrices, engine.ChannelClosures}, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.ApiKey,
	}, server.Handlers{
		Health:    handler.NewHealthHandler(),
		Positions: handler.NewPositionHandler(trades),
		Accounts:  handler.NewAccountHandler(trades),
	}, hub, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// MonitorMode runs the headless monitoring pipeline: price feed, position
// book, trigger evaluation and settlement. No HTTP surface.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)
	c := a.buildCore(deps)
	a.startMonitor(ctx, g, c, deps)

	return g.Wait()
}

// ServerMode runs only the HTTP+WebSocket API. Manual closes still settle
// exactly once against the shared database; a monitor process elsewhere owns
// tick-triggered settlement.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	c := a.buildCore(deps)

	// Keep the book current so settlement bookkeeping stays consistent even
	// without a local feed.
	c.book.Load(ctx)
	g.Go(func() error {
		return c.book.Run(ctx)
	})

	a.startHTTPServer(ctx, g, c, deps)

	return g.Wait()
}

// FullMode runs the monitoring pipeline and the HTTP+WebSocket API in a
// single process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	c := a.buildCore(deps)
	a.startMonitor(ctx, g, c, deps)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, c, deps)
	}

	return g.Wait()
}
