package feed

import (
	"context"
	"log/slog"
	"time"

	"github.com/shuxto/eutrading/internal/domain"
)

// reconnectDelay is the fixed backoff between connection attempts. The feed
// retries forever; losing the upstream must never terminate the process.
const reconnectDelay = 3 * time.Second

// TickHandler receives every normalized tick. It must not block; the engine
// side enqueues onto a buffered channel.
type TickHandler func(domain.Tick)

// Adapter maintains the upstream connection for the whole symbol universe and
// dispatches every tick to the registered handlers. On any disconnect it
// waits a fixed delay and reconnects.
type Adapter struct {
	wsURL    string
	apiKey   string
	symbols  []string
	handlers []TickHandler
	log      *slog.Logger
}

// NewAdapter creates an Adapter for the given endpoint and symbol universe.
func NewAdapter(wsURL, apiKey string, symbols []string, logger *slog.Logger) *Adapter {
	return &Adapter{
		wsURL:   wsURL,
		apiKey:  apiKey,
		symbols: symbols,
		log:     logger.With(slog.String("component", "feed")),
	}
}

// OnTick registers a handler called for every tick. Must be called before Run.
func (a *Adapter) OnTick(h TickHandler) {
	a.handlers = append(a.handlers, h)
}

// Run connects and pumps ticks until the context is cancelled. It only
// returns the context error; feed failures are retried indefinitely.
func (a *Adapter) Run(ctx context.Context) error {
	for {
		if err := a.runConnection(ctx); err != nil && ctx.Err() == nil {
			a.log.WarnContext(ctx, "feed disconnected, reconnecting",
				slog.Duration("delay", reconnectDelay),
				slog.String("error", err.Error()),
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (a *Adapter) runConnection(ctx context.Context) error {
	client, err := Dial(ctx, a.wsURL, a.apiKey, a.symbols)
	if err != nil {
		return err
	}
	defer client.Close()

	a.log.InfoContext(ctx, "feed connected", slog.Int("symbols", len(a.symbols)))

	// Unblock the read loop when the context is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			client.Close()
		case <-done:
		}
	}()

	for {
		tick, err := client.ReadTick()
		if err != nil {
			return err
		}
		for _, h := range a.handlers {
			h(tick)
		}
	}
}
