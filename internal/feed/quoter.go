package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/shuxto/eutrading/internal/domain"
)

// Quoter resolves a current price for a symbol on demand, for the manual
// close path. It serves from the last-tick cache when the entry is fresh
// enough and falls back to the provider's REST quote endpoint. When neither
// yields a price it returns domain.ErrPriceUnavailable.
type Quoter struct {
	cache    domain.PriceCache
	quoteURL string // optional REST fallback, e.g. https://quotes.example.com/v1/quote
	apiKey   string
	maxAge   time.Duration
	client   *http.Client
	log      *slog.Logger
}

// NewQuoter creates a Quoter. quoteURL may be empty to disable the REST
// fallback.
func NewQuoter(cache domain.PriceCache, quoteURL, apiKey string, maxAge time.Duration, logger *slog.Logger) *Quoter {
	if maxAge <= 0 {
		maxAge = 10 * time.Second
	}
	return &Quoter{
		cache:    cache,
		quoteURL: quoteURL,
		apiKey:   apiKey,
		maxAge:   maxAge,
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      logger.With(slog.String("component", "quoter")),
	}
}

// Quote returns a current price for the symbol.
func (q *Quoter) Quote(ctx context.Context, symbol string) (float64, error) {
	if q.cache != nil {
		price, ts, err := q.cache.GetPrice(ctx, symbol)
		if err == nil && time.Since(ts) <= q.maxAge {
			return price, nil
		}
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			q.log.WarnContext(ctx, "price cache lookup failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
		}
	}

	if q.quoteURL == "" {
		return 0, domain.ErrPriceUnavailable
	}
	return q.fetch(ctx, symbol)
}

// fetch asks the provider's REST endpoint for a one-shot quote.
func (q *Quoter) fetch(ctx context.Context, symbol string) (float64, error) {
	u, err := url.Parse(q.quoteURL)
	if err != nil {
		return 0, fmt.Errorf("quoter: parse url: %w", err)
	}
	qs := u.Query()
	qs.Set("symbol", symbol)
	if q.apiKey != "" {
		qs.Set("api_key", q.apiKey)
	}
	u.RawQuery = qs.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("quoter: build request: %w", err)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrPriceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: quote endpoint status %d", domain.ErrPriceUnavailable, resp.StatusCode)
	}

	var body struct {
		Symbol string      `json:"symbol"`
		Price  json.Number `json:"price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("%w: decode quote: %v", domain.ErrPriceUnavailable, err)
	}
	price, err := body.Price.Float64()
	if err != nil || price <= 0 {
		return 0, domain.ErrPriceUnavailable
	}
	return price, nil
}

// Compile-time interface check.
var _ domain.Quoter = (*Quoter)(nil)
